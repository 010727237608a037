// Package vault keeps the key material of an encrypted repository, sealed
// under a password.
package vault

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/yuya-takeyama/strict-repo-sync/pkg/cryptoframe"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository"
)

type State int

const (
	NotExisting State = iota
	Locked
	Unlocked
)

func (s State) String() string {
	switch s {
	case NotExisting:
		return "not existing"
	case Locked:
		return "locked"
	default:
		return "unlocked"
	}
}

// KeyMaterial is what the vault protects.
type KeyMaterial = cryptoframe.Keys

type incorrectPassword struct{}

func (incorrectPassword) Error() string { return "incorrect password" }

func (incorrectPassword) Is(target error) bool { return target == repository.ErrLocked }

var (
	// ErrIncorrectPassword is returned by Unlock and ChangePassword. It also
	// matches repository.ErrLocked since the vault stays locked.
	ErrIncorrectPassword error = incorrectPassword{}
	// ErrExists is returned when creating over an existing vault.
	ErrExists = errors.New("vault already exists")
	// ErrNotExisting is returned when no vault has been created yet.
	ErrNotExisting = errors.New("vault does not exist")
)

// Store persists the sealed vault document. Read returns an error matching
// repository.ErrNotFound when nothing was written yet.
type Store interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
}

// KDFParams are the argon2id cost parameters.
type KDFParams struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"`
	Threads uint8  `json:"threads"`
}

// DefaultKDFParams follow the argon2 RFC's second recommended option.
var DefaultKDFParams = KDFParams{Time: 3, Memory: 64 * 1024, Threads: 4}

const formatVersion = 1

type document struct {
	Version    int       `json:"version"`
	KDF        string    `json:"kdf"`
	Params     KDFParams `json:"params"`
	Salt       []byte    `json:"salt"`
	Nonce      []byte    `json:"nonce"`
	Ciphertext []byte    `json:"ciphertext"`
}

type payload struct {
	BoxPublicKey  []byte `json:"boxPublicKey"`
	BoxPrivateKey []byte `json:"boxPrivateKey"`
	SigningKey    []byte `json:"signingKey"`
}

type Vault struct {
	store  Store
	params KDFParams

	mu   sync.Mutex
	keys *KeyMaterial
}

type Option func(*Vault)

// WithKDFParams overrides DefaultKDFParams for newly sealed documents.
func WithKDFParams(p KDFParams) Option {
	return func(v *Vault) { v.params = p }
}

func New(store Store, opts ...Option) *Vault {
	v := &Vault{store: store, params: DefaultKDFParams}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// State reports the vault state, consulting the store unless unlocked.
func (v *Vault) State(ctx context.Context) (State, error) {
	v.mu.Lock()
	unlocked := v.keys != nil
	v.mu.Unlock()
	if unlocked {
		return Unlocked, nil
	}

	if _, err := v.store.Read(ctx); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return NotExisting, nil
		}
		return Locked, fmt.Errorf("read vault: %w", err)
	}
	return Locked, nil
}

// Create generates fresh key material sealed under password and leaves the
// vault unlocked.
func (v *Vault) Create(ctx context.Context, password []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := v.store.Read(ctx); err == nil {
		return ErrExists
	} else if !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("read vault: %w", err)
	}

	keys, err := cryptoframe.GenerateKeys()
	if err != nil {
		return err
	}
	if err := v.write(ctx, keys, password); err != nil {
		return err
	}
	v.keys = &keys
	return nil
}

// Unlock opens the vault with password.
func (v *Vault) Unlock(ctx context.Context, password []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	keys, err := v.open(ctx, password)
	if err != nil {
		return err
	}
	v.keys = &keys
	return nil
}

// Lock forgets the key material.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.keys != nil {
		clear(v.keys.BoxPrivateKey[:])
		clear(v.keys.SigningKey)
	}
	v.keys = nil
}

// Keys returns the key material, or repository.ErrLocked.
func (v *Vault) Keys() (KeyMaterial, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.keys == nil {
		return KeyMaterial{}, repository.ErrLocked
	}
	k := *v.keys
	k.SigningKey = append(ed25519.PrivateKey(nil), v.keys.SigningKey...)
	return k, nil
}

// ChangePassword reseals the key material under a new password. The keys
// themselves never change, so existing files stay readable.
func (v *Vault) ChangePassword(ctx context.Context, oldPassword, newPassword []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	keys, err := v.open(ctx, oldPassword)
	if err != nil {
		return err
	}
	return v.write(ctx, keys, newPassword)
}

func (v *Vault) open(ctx context.Context, password []byte) (KeyMaterial, error) {
	data, err := v.store.Read(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return KeyMaterial{}, ErrNotExisting
		}
		return KeyMaterial{}, fmt.Errorf("read vault: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return KeyMaterial{}, fmt.Errorf("parse vault: %w", err)
	}
	if doc.Version != formatVersion || doc.KDF != "argon2id" || len(doc.Nonce) != 24 || doc.Params.Threads == 0 {
		return KeyMaterial{}, fmt.Errorf("unsupported vault format (version %d, kdf %q)", doc.Version, doc.KDF)
	}

	key := deriveKey(password, doc.Salt, doc.Params)
	var nonce [24]byte
	copy(nonce[:], doc.Nonce)
	plain, ok := secretbox.Open(nil, doc.Ciphertext, &nonce, key)
	if !ok {
		return KeyMaterial{}, ErrIncorrectPassword
	}
	defer clear(plain)

	var p payload
	if err := json.Unmarshal(plain, &p); err != nil {
		return KeyMaterial{}, fmt.Errorf("parse vault payload: %w", err)
	}
	if len(p.BoxPublicKey) != 32 || len(p.BoxPrivateKey) != 32 || len(p.SigningKey) != ed25519.PrivateKeySize {
		return KeyMaterial{}, errors.New("vault payload has invalid key sizes")
	}

	var keys KeyMaterial
	copy(keys.BoxPublicKey[:], p.BoxPublicKey)
	copy(keys.BoxPrivateKey[:], p.BoxPrivateKey)
	keys.SigningKey = ed25519.PrivateKey(p.SigningKey)
	return keys, nil
}

func (v *Vault) write(ctx context.Context, keys KeyMaterial, password []byte) error {
	plain, err := json.Marshal(payload{
		BoxPublicKey:  keys.BoxPublicKey[:],
		BoxPrivateKey: keys.BoxPrivateKey[:],
		SigningKey:    keys.SigningKey,
	})
	if err != nil {
		return err
	}
	defer clear(plain)

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	doc := document{
		Version:    formatVersion,
		KDF:        "argon2id",
		Params:     v.params,
		Salt:       salt,
		Nonce:      nonce[:],
		Ciphertext: secretbox.Seal(nil, plain, &nonce, deriveKey(password, salt, v.params)),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := v.store.Write(ctx, data); err != nil {
		return fmt.Errorf("write vault: %w", err)
	}
	return nil
}

func deriveKey(password, salt []byte, p KDFParams) *[32]byte {
	var key [32]byte
	copy(key[:], argon2.IDKey(password, salt, p.Time, p.Memory, p.Threads, 32))
	return &key
}
