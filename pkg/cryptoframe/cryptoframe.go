// Package cryptoframe encodes one file as a self-describing encrypted frame.
//
// Layout:
//
//	magic "SRSENC01" | uint32 header length | header JSON | ed25519 signature | chunks
//
// The signature covers everything before it. The header carries the plaintext
// identity, the per-file content key sealed to the repository's box key and
// the chunk parameters. Each chunk is sealed with XChaCha20-Poly1305 under a
// nonce built from the header's prefix, the chunk counter and a final flag,
// so reordering, truncation and extension are detected.
package cryptoframe

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"

	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository"
)

const (
	Magic = "SRSENC01"

	// DefaultChunkSize is the plaintext size of every chunk but the last.
	DefaultChunkSize = 64 * 1024
	maxChunkSize     = 16 * 1024 * 1024
	maxHeaderLength  = 64 * 1024

	noncePrefixSize = chacha20poly1305.NonceSizeX - 8 - 1
	keySize         = chacha20poly1305.KeySize
)

var (
	// ErrCorrupt is returned for frames that fail structural or
	// authentication checks.
	ErrCorrupt = errors.New("corrupt encrypted frame")
	// ErrBadSignature is returned when the header was not signed by the
	// expected key.
	ErrBadSignature = errors.New("header signature mismatch")
)

// Keys is the key material of an encrypted repository.
type Keys struct {
	BoxPublicKey  [32]byte
	BoxPrivateKey [32]byte
	SigningKey    ed25519.PrivateKey
}

// GenerateKeys creates fresh key material.
func GenerateKeys() (Keys, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return Keys{}, fmt.Errorf("generate box key: %w", err)
	}
	_, signing, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keys{}, fmt.Errorf("generate signing key: %w", err)
	}
	return Keys{BoxPublicKey: *pub, BoxPrivateKey: *priv, SigningKey: signing}, nil
}

func (k Keys) verifyKey() ed25519.PublicKey {
	if len(k.SigningKey) != ed25519.PrivateKeySize {
		return nil
	}
	return k.SigningKey.Public().(ed25519.PublicKey)
}

type header struct {
	Plain       repository.FileInfo `json:"plain"`
	SealedKey   []byte              `json:"sealedKey"`
	ChunkSize   int                 `json:"chunkSize"`
	NoncePrefix []byte              `json:"noncePrefix"`
}

func (h header) validate() error {
	switch {
	case h.Plain.Length < 0:
		return fmt.Errorf("%w: negative length", ErrCorrupt)
	case h.ChunkSize <= 0 || h.ChunkSize > maxChunkSize:
		return fmt.Errorf("%w: chunk size %d", ErrCorrupt, h.ChunkSize)
	case len(h.NoncePrefix) != noncePrefixSize:
		return fmt.Errorf("%w: nonce prefix", ErrCorrupt)
	case len(h.SealedKey) != keySize+box.AnonymousOverhead:
		return fmt.Errorf("%w: sealed key", ErrCorrupt)
	}
	return nil
}

// chunks returns the number of chunks and the plaintext size of the last.
func (h header) chunks() (int64, int) {
	size := int64(h.ChunkSize)
	if h.Plain.Length == 0 {
		return 1, 0
	}
	n := (h.Plain.Length + size - 1) / size
	return n, int(h.Plain.Length - (n-1)*size)
}

func nonce(prefix []byte, counter uint64, final bool) []byte {
	n := make([]byte, chacha20poly1305.NonceSizeX)
	copy(n, prefix)
	binary.BigEndian.PutUint64(n[noncePrefixSize:], counter)
	if final {
		n[len(n)-1] = 1
	}
	return n
}

// encodeHeader returns the signed prefix of a frame.
func encodeHeader(h header, signing ed25519.PrivateKey) ([]byte, error) {
	body, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(Magic)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(body)))
	buf.Write(body)
	buf.Write(ed25519.Sign(signing, buf.Bytes()))
	return buf.Bytes(), nil
}

// decodeHeader reads and verifies the signed prefix of a frame.
func decodeHeader(r io.Reader, verify ed25519.PublicKey) (header, error) {
	if verify == nil {
		return header{}, errors.New("no signing key")
	}

	prefix := make([]byte, len(Magic)+4)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return header{}, fmt.Errorf("%w: read header: %v", ErrCorrupt, err)
	}
	if string(prefix[:len(Magic)]) != Magic {
		return header{}, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	n := binary.BigEndian.Uint32(prefix[len(Magic):])
	if n > maxHeaderLength {
		return header{}, fmt.Errorf("%w: header length %d", ErrCorrupt, n)
	}

	rest := make([]byte, int(n)+ed25519.SignatureSize)
	if _, err := io.ReadFull(r, rest); err != nil {
		return header{}, fmt.Errorf("%w: read header: %v", ErrCorrupt, err)
	}
	body, sig := rest[:n], rest[n:]

	signed := append(prefix, body...)
	if !ed25519.Verify(verify, signed, sig) {
		return header{}, ErrBadSignature
	}

	var h header
	if err := json.Unmarshal(body, &h); err != nil {
		return header{}, fmt.Errorf("%w: parse header: %v", ErrCorrupt, err)
	}
	if err := h.validate(); err != nil {
		return header{}, err
	}
	return h, nil
}

// ReadHeader verifies the header of a frame and returns the plaintext
// identity without decrypting any content.
func ReadHeader(r io.Reader, keys Keys) (repository.FileInfo, error) {
	h, err := decodeHeader(r, keys.verifyKey())
	if err != nil {
		return repository.FileInfo{}, err
	}
	return h.Plain, nil
}
