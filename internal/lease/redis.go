package lease

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Redis is a Locker backed by SET NX PX with a token, refreshed in the
// background while held. A crashed holder's lease lapses after TTL so
// another worker can recover the job.
type Redis struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedis(rdb *redis.Client, prefix string, ttl time.Duration, logger *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if prefix == "" {
		prefix = "scrapehub:lease:"
	}
	return &Redis{rdb: rdb, prefix: prefix, ttl: ttl, logger: logger}
}

func (r *Redis) TryAcquire(ctx context.Context, key string) (Lease, bool, error) {
	token := uuid.NewString()
	full := r.prefix + key

	ok, err := r.rdb.SetNX(ctx, full, token, r.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	ls := &redisLease{
		owner: r,
		key:   full,
		token: token,
		lost:  make(chan struct{}),
		stop:  make(chan struct{}),
	}
	go ls.keepAlive()
	return ls, true, nil
}

type redisLease struct {
	owner *Redis
	key   string
	token string

	lost     chan struct{}
	lostOnce sync.Once
	stop     chan struct{}
	stopOnce sync.Once
}

func (l *redisLease) keepAlive() {
	interval := l.owner.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), interval)
		n, err := refreshScript.Run(ctx, l.owner.rdb, []string{l.key}, l.token, l.owner.ttl.Milliseconds()).Int64()
		cancel()
		if err != nil {
			// Transient errors are retried on the next tick; the lease only
			// counts as lost once Redis says the token is gone.
			if l.owner.logger != nil {
				l.owner.logger.Warn("lease refresh failed", "key", l.key, "error", err)
			}
			continue
		}
		if n == 0 {
			l.lostOnce.Do(func() { close(l.lost) })
			return
		}
	}
}

func (l *redisLease) Release(ctx context.Context) error {
	var err error
	l.stopOnce.Do(func() {
		close(l.stop)
		var n int64
		n, err = releaseScript.Run(ctx, l.owner.rdb, []string{l.key}, l.token).Int64()
		if err == nil && n == 0 {
			err = ErrNotHeld
		}
	})
	return err
}

func (l *redisLease) Lost() <-chan struct{} { return l.lost }
