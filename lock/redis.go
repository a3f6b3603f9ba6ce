// Package lock provides a Redis-backed ledger.Locker so several server
// processes sharing one database still serialize writers per account.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/warp/loyalty-ledger/ledger"
)

// RedisClient is the subset of the go-redis client the locker needs.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd
	ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd
	ScriptLoad(ctx context.Context, script string) *redis.StringCmd
}

// releaseScript deletes the key only while it still holds our token, so an
// expired lock re-acquired by another process is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a lease lock: SET key token NX PX ttl. The TTL must exceed
// the engine's lock timeout so a live holder never loses its lease.
type RedisLocker struct {
	client         RedisClient
	prefix         string
	ttl            time.Duration
	pollInterval   time.Duration
	releaseTimeout time.Duration
	token          func() string
	logger         *slog.Logger
}

var _ ledger.Locker = (*RedisLocker)(nil)

type Option func(*RedisLocker)

func WithPrefix(prefix string) Option {
	return func(l *RedisLocker) { l.prefix = prefix }
}

func WithTTL(ttl time.Duration) Option {
	return func(l *RedisLocker) { l.ttl = ttl }
}

func WithPollInterval(d time.Duration) Option {
	return func(l *RedisLocker) { l.pollInterval = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *RedisLocker) { l.logger = logger }
}

// WithTokenSource replaces the random lease token generator.
func WithTokenSource(fn func() string) Option {
	return func(l *RedisLocker) { l.token = fn }
}

func NewRedisLocker(client RedisClient, opts ...Option) *RedisLocker {
	l := &RedisLocker{
		client:         client,
		prefix:         "points:lock:",
		ttl:            10 * time.Second,
		pollInterval:   25 * time.Millisecond,
		releaseTimeout: time.Second,
		token:          func() string { return uuid.NewString() },
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLocker) key(userID ledger.UserID) string {
	return l.prefix + string(userID)
}

// Lock polls until the lease is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, userID ledger.UserID) (func(), error) {
	key := l.key(userID)
	token := l.token()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, l.waitError(ctxErr, userID)
			}
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() { l.release(key, token) })
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, l.waitError(ctx.Err(), userID)
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) waitError(err error, userID ledger.UserID) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: lock wait for user %s timed out", ledger.ErrLedgerBusy, userID)
	}
	return err
}

// release runs on its own context: the caller's may already be done.
func (l *RedisLocker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), l.releaseTimeout)
	defer cancel()

	n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int64()
	if err != nil {
		l.logger.Error("failed to release points lock", "key", key, "error", err)
		return
	}
	if n == 0 {
		l.logger.Warn("points lock lease expired before release", "key", key)
	}
}
