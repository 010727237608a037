package cryptoframe

import (
	"crypto/cipher"
	"crypto/rand"
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

// Encrypter prepares the frame of one file whose identity is known upfront.
type Encrypter struct {
	header []byte
	h      header
	aead   cipher.AEAD
}

type Option func(*header)

// WithChunkSize overrides DefaultChunkSize.
func WithChunkSize(n int) Option {
	return func(h *header) { h.ChunkSize = n }
}

// NewEncrypter seals a fresh content key for info.
func NewEncrypter(info repository.FileInfo, keys Keys, opts ...Option) (*Encrypter, error) {
	if len(keys.SigningKey) == 0 {
		return nil, errors.New("no signing key")
	}

	contentKey := make([]byte, keySize)
	if _, err := rand.Read(contentKey); err != nil {
		return nil, fmt.Errorf("generate content key: %w", err)
	}
	sealed, err := box.SealAnonymous(nil, contentKey, &keys.BoxPublicKey, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("seal content key: %w", err)
	}
	prefix := make([]byte, noncePrefixSize)
	if _, err := rand.Read(prefix); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	h := header{Plain: info, SealedKey: sealed, ChunkSize: DefaultChunkSize, NoncePrefix: prefix}
	for _, opt := range opts {
		opt(&h)
	}
	if err := h.validate(); err != nil {
		return nil, err
	}

	encoded, err := encodeHeader(h, keys.SigningKey)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(contentKey)
	if err != nil {
		return nil, err
	}
	return &Encrypter{header: encoded, h: h, aead: aead}, nil
}

// EncodedSize returns the exact size of the frame.
func (e *Encrypter) EncodedSize() int64 {
	n, _ := e.h.chunks()
	return int64(len(e.header)) + n*int64(e.aead.Overhead()) + e.h.Plain.Length
}

// Writer returns a writer that encrypts plaintext into w. Close seals the
// final chunk; it fails without doing so when the plaintext written differs
// from the declared identity.
func (e *Encrypter) Writer(w io.Writer) io.WriteCloser {
	return &frameWriter{
		enc:  e,
		w:    w,
		buf:  make([]byte, 0, e.h.ChunkSize),
		hash: sha256.New(),
	}
}

type frameWriter struct {
	enc     *Encrypter
	w       io.Writer
	buf     []byte
	out     []byte
	hash    hash.Hash
	written int64
	counter uint64
	started bool
	err     error
}

func (fw *frameWriter) start() error {
	if fw.started {
		return nil
	}
	fw.started = true
	_, err := fw.w.Write(fw.enc.header)
	return err
}

func (fw *frameWriter) seal(final bool) error {
	fw.out = fw.enc.aead.Seal(fw.out[:0], nonce(fw.enc.h.NoncePrefix, fw.counter, final), fw.buf, nil)
	fw.counter++
	fw.buf = fw.buf[:0]
	_, err := fw.w.Write(fw.out)
	return err
}

func (fw *frameWriter) Write(p []byte) (int, error) {
	if fw.err != nil {
		return 0, fw.err
	}
	if fw.written+int64(len(p)) > fw.enc.h.Plain.Length {
		fw.err = fmt.Errorf("%w: more than %d bytes written", ErrCorrupt, fw.enc.h.Plain.Length)
		return 0, fw.err
	}
	if err := fw.start(); err != nil {
		fw.err = err
		return 0, err
	}

	total := len(p)
	fw.hash.Write(p)
	fw.written += int64(total)
	for len(p) > 0 {
		// A full buffer is sealed only once more data follows, so the final
		// flag lands on the last chunk.
		if len(fw.buf) == cap(fw.buf) {
			if err := fw.seal(false); err != nil {
				fw.err = err
				return 0, err
			}
		}
		n := copy(fw.buf[len(fw.buf):cap(fw.buf)], p)
		fw.buf = fw.buf[:len(fw.buf)+n]
		p = p[n:]
	}
	return total, nil
}

func (fw *frameWriter) Close() error {
	if fw.err != nil {
		return fw.err
	}
	expected := fw.enc.h.Plain
	actual := repository.FileInfo{Length: fw.written, ChecksumSHA256: hex.EncodeToString(fw.hash.Sum(nil))}
	if actual != expected {
		fw.err = &repository.ChecksumMismatchError{Expected: expected, Actual: actual}
		return fw.err
	}
	if err := fw.start(); err != nil {
		fw.err = err
		return err
	}
	if err := fw.seal(true); err != nil {
		fw.err = err
		return err
	}
	fw.err = errors.New("frame writer closed")
	return nil
}
