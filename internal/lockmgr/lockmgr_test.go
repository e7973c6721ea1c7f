package lockmgr

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/mentorledger/internal/domain"
)

func TestNormalizeSortsAndDedupes(t *testing.T) {
	got := normalize([]string{"b", "a", "", "b", SessionKey("s1")})
	assert.Equal(t, []string{SessionKey("s1"), "a", "b"}, got)
}

func TestLocalMutualExclusion(t *testing.T) {
	m := NewLocal(time.Second)
	var inside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.Acquire(context.Background(), "account:1:s1")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if n := atomic.AddInt32(&inside, 1); n != 1 {
				t.Errorf("expected exclusive access, %d holders", n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	assert.Zero(t, m.Held())
}

func TestLocalTimeoutReportsContention(t *testing.T) {
	m := NewLocal(20 * time.Millisecond)
	release, err := m.Acquire(context.Background(), "a", "b")
	require.NoError(t, err)

	_, err = m.Acquire(context.Background(), "b")
	require.ErrorIs(t, err, domain.ErrConcurrentModification)

	release()
	release()
	again, err := m.Acquire(context.Background(), "b")
	require.NoError(t, err)
	again()
	assert.Zero(t, m.Held())
}

func TestLocalOpposingOrderDoesNotDeadlock(t *testing.T) {
	m := NewLocal(5 * time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			release, err := m.Acquire(context.Background(), "x", "y")
			if err == nil {
				release()
			}
		}()
		go func() {
			defer wg.Done()
			release, err := m.Acquire(context.Background(), "y", "x")
			if err == nil {
				release()
			}
		}()
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("lock acquisition deadlocked")
	}
}

func TestRedisLocks(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	m := NewRedis(client, RedisOptions{Timeout: 50 * time.Millisecond, RetryEvery: 5 * time.Millisecond})
	ctx := context.Background()

	release, err := m.Acquire(ctx, SessionKey("s1"), "account:1:s1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("mentorledger:lock:"+SessionKey("s1")))

	_, err = m.Acquire(ctx, "account:1:s1")
	require.ErrorIs(t, err, domain.ErrConcurrentModification)

	release()
	assert.False(t, mr.Exists("mentorledger:lock:account:1:s1"))

	again, err := m.Acquire(ctx, "account:1:s1")
	require.NoError(t, err)
	again()
}
