package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryOneJobPerPair(t *testing.T) {
	reg := NewRegistry()
	key := PairKey{Base: "fs:/base", Dst: "fs:/dst"}

	release := make(chan struct{})
	job, err := reg.Launch(context.Background(), key, func(ctx context.Context) (Result, error) {
		<-release
		return Result{State: StateCompleted}, nil
	})
	require.NoError(t, err)

	running, ok := reg.Running(key)
	assert.True(t, ok)
	assert.Same(t, job, running)

	_, err = reg.Launch(context.Background(), key, func(context.Context) (Result, error) { return Result{}, nil })
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	other, err := reg.Launch(context.Background(), PairKey{Base: "fs:/base", Dst: "fs:/elsewhere"}, func(context.Context) (Result, error) {
		return Result{State: StateCompleted}, nil
	})
	require.NoError(t, err)
	_, err = other.Wait()
	require.NoError(t, err)

	close(release)
	result, err := job.Wait()
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, result.State)

	_, ok = reg.Running(key)
	assert.False(t, ok)

	again, err := reg.Launch(context.Background(), key, func(context.Context) (Result, error) { return Result{}, nil })
	require.NoError(t, err)
	_, _ = again.Wait()
}

func TestRegistryCancel(t *testing.T) {
	reg := NewRegistry()
	job, err := reg.Launch(context.Background(), PairKey{Base: "a", Dst: "b"}, func(ctx context.Context) (Result, error) {
		<-ctx.Done()
		return Result{State: StateCancelled}, ErrCancelled
	})
	require.NoError(t, err)

	job.Cancel()
	<-job.Done()
	result, err := job.Wait()
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StateCancelled, result.State)
}

func TestKeyOf(t *testing.T) {
	base, dst := newRepos(t, nil, nil)
	key := KeyOf(base, dst)
	assert.Equal(t, PairKey{Base: "fs:/base", Dst: "fs:/dst"}, key)
	assert.Equal(t, "fs:/base -> fs:/dst", key.String())
}
