package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryLockerMutualExclusion(t *testing.T) {
	l := NewMemoryLocker()

	release, err := l.Acquire(context.Background(), "acct:bca", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(context.Background(), "acct:bca", time.Minute)
	require.ErrorIs(t, err, ErrNotAcquired)

	// A different key is independent.
	otherRelease, err := l.Acquire(context.Background(), "acct:ovo", time.Minute)
	require.NoError(t, err)
	otherRelease()

	release()
	release2, err := l.Acquire(context.Background(), "acct:bca", time.Minute)
	require.NoError(t, err)
	release2()
}

func TestMemoryLockerExpiredLeaseIsReacquirable(t *testing.T) {
	l := NewMemoryLocker()
	now := time.Now()
	l.clock = func() time.Time { return now }

	_, err := l.Acquire(context.Background(), "acct:bri", 30*time.Second)
	require.NoError(t, err)

	_, err = l.Acquire(context.Background(), "acct:bri", 30*time.Second)
	require.ErrorIs(t, err, ErrNotAcquired)

	// Past the TTL the abandoned lease no longer blocks.
	now = now.Add(31 * time.Second)
	release, err := l.Acquire(context.Background(), "acct:bri", 30*time.Second)
	require.NoError(t, err)
	release()
}
