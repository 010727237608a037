package vault

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository"
)

var fastKDF = KDFParams{Time: 1, Memory: 64, Threads: 1}

type memStore struct {
	mu       sync.Mutex
	data     []byte
	readErr  error
	writeErr error
}

func (s *memStore) Read(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	if s.data == nil {
		return nil, repository.NotFound("read", "vault.json")
	}
	return append([]byte(nil), s.data...), nil
}

func (s *memStore) Write(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.data = append([]byte(nil), data...)
	return nil
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	v := New(store, WithKDFParams(fastKDF))

	state, err := v.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, NotExisting, state)

	_, err = v.Keys()
	assert.ErrorIs(t, err, repository.ErrLocked)
	assert.ErrorIs(t, v.Unlock(ctx, []byte("pw")), ErrNotExisting)

	require.NoError(t, v.Create(ctx, []byte("pw")))
	state, err = v.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, Unlocked, state)
	created, err := v.Keys()
	require.NoError(t, err)

	assert.ErrorIs(t, v.Create(ctx, []byte("pw")), ErrExists)

	v.Lock()
	state, err = v.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, Locked, state)
	_, err = v.Keys()
	assert.ErrorIs(t, err, repository.ErrLocked)

	// A fresh instance over the same store sees the same keys.
	reopened := New(store)
	err = reopened.Unlock(ctx, []byte("wrong"))
	assert.ErrorIs(t, err, ErrIncorrectPassword)
	assert.ErrorIs(t, err, repository.ErrLocked)

	require.NoError(t, reopened.Unlock(ctx, []byte("pw")))
	keys, err := reopened.Keys()
	require.NoError(t, err)
	assert.Equal(t, created, keys)
}

func TestKeysAreCopies(t *testing.T) {
	ctx := context.Background()
	v := New(&memStore{}, WithKDFParams(fastKDF))
	require.NoError(t, v.Create(ctx, []byte("pw")))

	keys, err := v.Keys()
	require.NoError(t, err)
	signing := append([]byte(nil), keys.SigningKey...)

	v.Lock()
	assert.Equal(t, signing, []byte(keys.SigningKey), "locking does not wipe handed out keys")
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	v := New(store, WithKDFParams(fastKDF))
	require.NoError(t, v.Create(ctx, []byte("old")))
	before, err := v.Keys()
	require.NoError(t, err)

	assert.ErrorIs(t, v.ChangePassword(ctx, []byte("nope"), []byte("new")), ErrIncorrectPassword)
	require.NoError(t, v.ChangePassword(ctx, []byte("old"), []byte("new")))

	other := New(store)
	assert.ErrorIs(t, other.Unlock(ctx, []byte("old")), ErrIncorrectPassword)
	require.NoError(t, other.Unlock(ctx, []byte("new")))
	after, err := other.Keys()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestStoreFailures(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	v := New(&memStore{readErr: boom}, WithKDFParams(fastKDF))
	_, err := v.State(ctx)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, v.Create(ctx, []byte("pw")), boom)

	v = New(&memStore{writeErr: boom}, WithKDFParams(fastKDF))
	assert.ErrorIs(t, v.Create(ctx, []byte("pw")), boom)
	_, err = v.Keys()
	assert.ErrorIs(t, err, repository.ErrLocked)
}

func TestCorruptDocument(t *testing.T) {
	ctx := context.Background()

	v := New(&memStore{data: []byte("not json")})
	assert.Error(t, v.Unlock(ctx, []byte("pw")))

	v = New(&memStore{data: []byte(`{"version":2,"kdf":"argon2id"}`)})
	err := v.Unlock(ctx, []byte("pw"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrIncorrectPassword)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "not existing", NotExisting.String())
	assert.Equal(t, "locked", Locked.String())
	assert.Equal(t, "unlocked", Unlocked.String())
}
