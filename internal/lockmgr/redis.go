package lockmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"

	"github.com/punchamoorthee/mentorledger/internal/domain"
)

type RedisOptions struct {
	// Prefix namespaces the lock keys.
	Prefix string
	// TTL caps how long a crashed holder can block others.
	TTL time.Duration
	// Timeout bounds the wait for all keys.
	Timeout time.Duration
	// RetryEvery is the polling interval while a key is held elsewhere.
	RetryEvery time.Duration
}

// Redis is a Manager shared by every instance pointed at the same Redis.
type Redis struct {
	locker *redislock.Client
	opts   RedisOptions
}

func NewRedis(client redislock.RedisClient, opts RedisOptions) *Redis {
	if opts.Prefix == "" {
		opts.Prefix = "mentorledger:lock:"
	}
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.RetryEvery <= 0 {
		opts.RetryEvery = 10 * time.Millisecond
	}
	return &Redis{locker: redislock.New(client), opts: opts}
}

func (r *Redis) Acquire(ctx context.Context, keys ...string) (Release, error) {
	keys = normalize(keys)
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	held := make([]*redislock.Lock, 0, len(keys))
	releaseHeld := func() {
		for i := len(held) - 1; i >= 0; i-- {
			_ = held[i].Release(context.Background())
		}
	}
	for _, k := range keys {
		lock, err := r.locker.Obtain(ctx, r.opts.Prefix+k, r.opts.TTL, &redislock.Options{
			RetryStrategy: redislock.LinearBackoff(r.opts.RetryEvery),
		})
		if err != nil {
			releaseHeld()
			if errors.Is(err, redislock.ErrNotObtained) || ctx.Err() != nil {
				return nil, fmt.Errorf("%w: lock %s not obtained", domain.ErrConcurrentModification, k)
			}
			return nil, fmt.Errorf("%w: obtain lock %s: %v", domain.ErrPersistence, k, err)
		}
		held = append(held, lock)
	}

	var once sync.Once
	return func() { once.Do(releaseHeld) }, nil
}
