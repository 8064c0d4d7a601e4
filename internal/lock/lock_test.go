package lock

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilLockerGrantsLeases(t *testing.T) {
	var l *Locker
	assert.False(t, l.Enabled())

	token, ok, err := l.TryLock(context.Background(), CheckoutSessionKey("42"), time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, token)

	assert.NoError(t, l.Release(context.Background(), CheckoutSessionKey("42"), token))
	assert.Nil(t, NewLocker(nil))
}

func TestTryLockValidatesArguments(t *testing.T) {
	var l *Locker
	_, _, err := l.TryLock(context.Background(), "", time.Second)
	assert.ErrorIs(t, err, ErrEmptyKey)

	_, _, err = l.TryLock(context.Background(), "k", 0)
	assert.ErrorIs(t, err, ErrInvalidTTL)
}

func TestTryLockSurfacesRedisErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	l := NewLocker(client)
	require.True(t, l.Enabled())

	_, ok, err := l.TryLock(context.Background(), CheckoutSessionKey("42"), time.Second)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestCheckoutSessionKey(t *testing.T) {
	assert.Equal(t, "portal:checkout:lock:42", CheckoutSessionKey(" 42 "))
}
