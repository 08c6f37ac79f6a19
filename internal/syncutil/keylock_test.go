package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLock_MutualExclusion(t *testing.T) {
	k := NewKeyLock(0)
	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(context.Background(), "ord_1")
			if !assert.NoError(t, err) {
				return
			}
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
}

func TestKeyLock_ContextCancelled(t *testing.T) {
	k := NewKeyLock(4)
	unlock, err := k.Lock(context.Background(), "ord_1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "ord_1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyLock_UnlockWakesWaiter(t *testing.T) {
	k := NewKeyLock(1)
	unlock, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := k.Lock(context.Background(), "b") // single shard: same lock
		if err == nil {
			close(acquired)
			u()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("acquired before release")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
}

func TestKeyLock_TryLock(t *testing.T) {
	k := NewKeyLock(8)
	unlock, ok := k.TryLock("ord_1")
	require.True(t, ok)
	_, ok = k.TryLock("ord_1")
	assert.False(t, ok)
	unlock()
	unlock2, ok := k.TryLock("ord_1")
	assert.True(t, ok)
	unlock2()
}
