package checksum

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/spf13/afero"
)

const bufferSize = 64 * 1024 // 64KB buffer

// CalculateFileSHA256 calculates SHA-256 checksum of a file and returns hex encoded string
func CalculateFileSHA256(fs afero.Fs, filePath string) (string, int64, error) {
	file, err := fs.Open(filePath)
	if err != nil {
		return "", 0, fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	return CalculateSHA256(file)
}

// CalculateSHA256 calculates SHA-256 checksum from reader and returns hex
// encoded string along with the number of bytes read
func CalculateSHA256(r io.Reader) (string, int64, error) {
	hash := sha256.New()
	buffer := make([]byte, bufferSize)

	var total int64
	for {
		n, err := r.Read(buffer)
		if n > 0 {
			if _, err := hash.Write(buffer[:n]); err != nil {
				return "", total, fmt.Errorf("write to hash: %w", err)
			}
			total += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", total, fmt.Errorf("read: %w", err)
		}
	}

	return hex.EncodeToString(hash.Sum(nil)), total, nil
}

// Bytes returns the hex SHA-256 of b
func Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HexToBase64 converts a hex checksum to the base64 form used by S3
func HexToBase64(hexSum string) (string, error) {
	raw, err := hex.DecodeString(hexSum)
	if err != nil {
		return "", fmt.Errorf("decode hex checksum: %w", err)
	}
	if len(raw) != sha256.Size {
		return "", fmt.Errorf("invalid checksum length: %d", len(raw))
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Base64ToHex converts an S3 style base64 checksum to hex
func Base64ToHex(b64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("decode base64 checksum: %w", err)
	}
	if len(raw) != sha256.Size {
		return "", fmt.Errorf("invalid checksum length: %d", len(raw))
	}
	return hex.EncodeToString(raw), nil
}

// IsValid reports whether s looks like a hex SHA-256 digest
func IsValid(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// TeeReaderWithChecksum creates a reader that calculates checksum while reading
type TeeReaderWithChecksum struct {
	reader   io.Reader
	hash     hash.Hash
	n        int64
	checksum string
	done     bool
}

// NewTeeReaderWithChecksum creates a new TeeReaderWithChecksum
func NewTeeReaderWithChecksum(r io.Reader) *TeeReaderWithChecksum {
	return &TeeReaderWithChecksum{
		reader: r,
		hash:   sha256.New(),
	}
}

// Read implements io.Reader
func (t *TeeReaderWithChecksum) Read(p []byte) (n int, err error) {
	n, err = t.reader.Read(p)
	if n > 0 {
		if _, werr := t.hash.Write(p[:n]); werr != nil {
			return n, werr
		}
		t.n += int64(n)
	}
	if err == io.EOF && !t.done {
		t.done = true
		t.checksum = hex.EncodeToString(t.hash.Sum(nil))
	}
	return n, err
}

// BytesRead returns the number of bytes passed through so far
func (t *TeeReaderWithChecksum) BytesRead() int64 {
	return t.n
}

// Checksum returns the calculated checksum (only valid after EOF)
func (t *TeeReaderWithChecksum) Checksum() (string, error) {
	if !t.done {
		return "", fmt.Errorf("checksum not yet calculated (read not complete)")
	}
	return t.checksum, nil
}
