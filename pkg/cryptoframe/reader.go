package cryptoframe

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"

	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository"
)

// NewReader verifies the header of the frame in r and returns a reader of
// its plaintext. Every chunk is authenticated before any of its bytes are
// returned; the plaintext identity is checked once the last chunk was read.
func NewReader(r io.Reader, keys Keys) (repository.FileInfo, io.Reader, error) {
	h, err := decodeHeader(r, keys.verifyKey())
	if err != nil {
		return repository.FileInfo{}, nil, err
	}

	contentKey, ok := box.OpenAnonymous(nil, h.SealedKey, &keys.BoxPublicKey, &keys.BoxPrivateKey)
	if !ok {
		return repository.FileInfo{}, nil, fmt.Errorf("%w: content key cannot be opened", ErrCorrupt)
	}
	aead, err := chacha20poly1305.NewX(contentKey)
	if err != nil {
		return repository.FileInfo{}, nil, err
	}

	chunks, last := h.chunks()
	return h.Plain, &frameReader{
		r:      r,
		h:      h,
		aead:   aead,
		chunks: chunks,
		last:   last,
		in:     make([]byte, h.ChunkSize+aead.Overhead()),
		hash:   sha256.New(),
	}, nil
}

type frameReader struct {
	r      io.Reader
	h      header
	aead   cipher.AEAD
	chunks int64
	last   int

	in      []byte
	plain   []byte
	pending []byte
	counter uint64
	hash    hash.Hash
	read    int64
	err     error
}

func (fr *frameReader) Read(p []byte) (int, error) {
	for len(fr.pending) == 0 {
		if fr.err != nil {
			return 0, fr.err
		}
		fr.err = fr.next()
	}
	n := copy(p, fr.pending)
	fr.pending = fr.pending[n:]
	return n, nil
}

// next decrypts one chunk into pending, or returns io.EOF after the final
// one has been verified.
func (fr *frameReader) next() error {
	if int64(fr.counter) == fr.chunks {
		return fr.finish()
	}

	final := int64(fr.counter) == fr.chunks-1
	size := fr.h.ChunkSize
	if final {
		size = fr.last
	}
	in := fr.in[:size+fr.aead.Overhead()]
	if _, err := io.ReadFull(fr.r, in); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: truncated at chunk %d", ErrCorrupt, fr.counter)
		}
		return err
	}

	plain, err := fr.aead.Open(fr.plain[:0], nonce(fr.h.NoncePrefix, fr.counter, final), in, nil)
	if err != nil {
		return fmt.Errorf("%w: chunk %d fails authentication", ErrCorrupt, fr.counter)
	}
	fr.plain = plain
	fr.counter++
	fr.hash.Write(plain)
	fr.read += int64(len(plain))
	fr.pending = plain
	return nil
}

func (fr *frameReader) finish() error {
	var extra [1]byte
	if n, _ := io.ReadFull(fr.r, extra[:]); n > 0 {
		return fmt.Errorf("%w: trailing data", ErrCorrupt)
	}
	actual := repository.FileInfo{Length: fr.read, ChecksumSHA256: hex.EncodeToString(fr.hash.Sum(nil))}
	if actual != fr.h.Plain {
		return &repository.ChecksumMismatchError{Expected: fr.h.Plain, Actual: actual}
	}
	return io.EOF
}
