package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func retryingStorage() *S3Storage {
	return NewS3StorageWithClient(nil, "bucket", S3Config{MaxRetries: 2, RetryBase: time.Millisecond})
}

func TestS3Retry_SucceedsAfterTransientFailures(t *testing.T) {
	s := retryingStorage()
	calls := 0
	err := s.retry(context.Background(), "op", func() error {
		calls++
		if calls < 3 {
			return errors.New("slow down")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestS3Retry_GivesUp(t *testing.T) {
	s := retryingStorage()
	calls := 0
	err := s.retry(context.Background(), "op", func() error {
		calls++
		return errors.New("internal error")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls, "one attempt plus MaxRetries")
}

func TestS3Retry_NotFoundIsFinal(t *testing.T) {
	s := retryingStorage()
	calls := 0
	err := s.retry(context.Background(), "op", func() error {
		calls++
		return ErrObjectNotFound
	})
	assert.ErrorIs(t, err, ErrObjectNotFound)
	assert.Equal(t, 1, calls)
}

func TestS3Retry_StopsOnCancel(t *testing.T) {
	s := NewS3StorageWithClient(nil, "bucket", S3Config{MaxRetries: 5, RetryBase: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- s.retry(ctx, "op", func() error {
			calls++
			return errors.New("unavailable")
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}

func TestIsS3NotFound(t *testing.T) {
	assert.True(t, isS3NotFound(errors.New("operation error S3: HeadObject, https response error StatusCode: 404")))
	assert.False(t, isS3NotFound(errors.New("access denied")))
}
