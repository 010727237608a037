// Package secrets finds the password of an encrypted repository: from the
// environment, the OS keyring or an interactive prompt, in that order.
package secrets

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/99designs/keyring"
	"golang.org/x/term"
)

// EnvPassword overrides every other password source.
const EnvPassword = "STRICT_REPO_SYNC_PASSWORD"

var (
	ErrNoPassword    = errors.New("no password available")
	ErrNoTerminal    = errors.New("password prompt requires a terminal")
	ErrPasswordsDiff = errors.New("passwords do not match")
)

// OpenKeyring opens the OS keyring under service.
func OpenKeyring(service string) (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName:              service,
		KeychainTrustApplication: true,
		FileDir:                  "~/.strict-repo-sync/keyring",
		FilePasswordFunc:         keyring.TerminalPrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	return ring, nil
}

// PromptFunc asks the user for a secret.
type PromptFunc func(label string) ([]byte, error)

// Passwords resolves and remembers repository passwords.
type Passwords struct {
	ring   keyring.Keyring
	prompt PromptFunc
	getenv func(string) string
}

type Option func(*Passwords)

// WithKeyring enables remembering passwords. A nil ring is ignored.
func WithKeyring(ring keyring.Keyring) Option {
	return func(p *Passwords) { p.ring = ring }
}

func WithPrompt(prompt PromptFunc) Option {
	return func(p *Passwords) { p.prompt = prompt }
}

func WithGetenv(getenv func(string) string) Option {
	return func(p *Passwords) { p.getenv = getenv }
}

func New(opts ...Option) *Passwords {
	p := &Passwords{getenv: os.Getenv}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Lookup returns the password of the repository identified by id.
func (p *Passwords) Lookup(id string) ([]byte, error) {
	if pw := p.getenv(EnvPassword); pw != "" {
		return []byte(pw), nil
	}
	if p.ring != nil {
		item, err := p.ring.Get(id)
		if err == nil {
			return item.Data, nil
		}
		if !errors.Is(err, keyring.ErrKeyNotFound) {
			return nil, fmt.Errorf("read keyring: %w", err)
		}
	}
	if p.prompt == nil {
		return nil, ErrNoPassword
	}
	return p.prompt(fmt.Sprintf("Password for %s: ", id))
}

// Create asks for a fresh password, twice unless it comes from the environment.
func (p *Passwords) Create(id string) ([]byte, error) {
	if pw := p.getenv(EnvPassword); pw != "" {
		return []byte(pw), nil
	}
	if p.prompt == nil {
		return nil, ErrNoPassword
	}
	first, err := p.prompt(fmt.Sprintf("New password for %s: ", id))
	if err != nil {
		return nil, err
	}
	if len(first) == 0 {
		return nil, ErrNoPassword
	}
	second, err := p.prompt("Repeat password: ")
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(first, second) {
		return nil, ErrPasswordsDiff
	}
	return first, nil
}

// Remember stores the password in the keyring, if one is configured.
func (p *Passwords) Remember(id string, password []byte) error {
	if p.ring == nil {
		return nil
	}
	return p.ring.Set(keyring.Item{Key: id, Data: password, Label: "strict-repo-sync " + id})
}

// Forget removes a remembered password; forgetting an unknown one is fine.
func (p *Passwords) Forget(id string) error {
	if p.ring == nil {
		return nil
	}
	if err := p.ring.Remove(id); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return err
	}
	return nil
}

// TerminalPrompt reads a password without echo from in, writing the label to
// out.
func TerminalPrompt(in *os.File, out io.Writer) PromptFunc {
	return func(label string) ([]byte, error) {
		fd := int(in.Fd())
		if !term.IsTerminal(fd) {
			return nil, ErrNoTerminal
		}
		fmt.Fprint(out, label)
		pw, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return nil, fmt.Errorf("read password: %w", err)
		}
		return pw, nil
	}
}
