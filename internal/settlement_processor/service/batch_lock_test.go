package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLock struct {
	acquired bool
	err      error
	held     bool
	releases int
}

func (s *stubLock) TryAcquire(context.Context) (func(), bool, error) {
	if s.err != nil || !s.acquired {
		return nil, false, s.err
	}
	s.held = true
	return func() {
		s.held = false
		s.releases++
	}, true, nil
}

func TestLocalBatchLock(t *testing.T) {
	ctx := context.Background()
	lock := &LocalBatchLock{}

	release, ok, err := lock.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = lock.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must not block or succeed")

	release()
	release2, ok, err := lock.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	release2()
}

func TestCompositeBatchLock(t *testing.T) {
	ctx := context.Background()

	t.Run("AllAcquired", func(t *testing.T) {
		a, b := &stubLock{acquired: true}, &stubLock{acquired: true}
		release, ok, err := NewCompositeBatchLock(a, b).TryAcquire(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, a.held && b.held)

		release()
		assert.False(t, a.held || b.held)
	})

	t.Run("SecondBusyReleasesFirst", func(t *testing.T) {
		a, b := &stubLock{acquired: true}, &stubLock{acquired: false}
		_, ok, err := NewCompositeBatchLock(a, b).TryAcquire(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.False(t, a.held)
		assert.Equal(t, 1, a.releases)
	})

	t.Run("ErrorReleasesFirst", func(t *testing.T) {
		boom := errors.New("pool exhausted")
		a, b := &stubLock{acquired: true}, &stubLock{err: boom}
		_, ok, err := NewCompositeBatchLock(a, b).TryAcquire(ctx)
		assert.ErrorIs(t, err, boom)
		assert.False(t, ok)
		assert.False(t, a.held)
	})
}
