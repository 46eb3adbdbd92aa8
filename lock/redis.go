package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"escrowflow/escrow"
)

var (
	// ErrEmptyKey is returned when an empty lock key is provided.
	ErrEmptyKey = errors.New("lock: key cannot be empty")
	// ErrInvalidTTL is returned when the lock ttl is not positive.
	ErrInvalidTTL = errors.New("lock: ttl must be greater than 0")
	// ErrEmptyToken is returned when Release is called without an ownership token.
	ErrEmptyToken = errors.New("lock: ownership token cannot be empty")
	// ErrNoAddrs is returned when no Redis address is configured.
	ErrNoAddrs = errors.New("lock: at least one redis address is required")
)

// releaseScript deletes the key only while it still holds the caller's token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Options configures the Redis connection owned by a locker.
type Options struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// RedisLocker implements escrow.Locker on a single Redis node with
// SET NX PX for acquisition and an atomic compare-and-delete for release.
type RedisLocker struct {
	client   goredis.UniversalClient
	owned    bool
	log      *zap.Logger
	newToken func() string
}

var _ escrow.Locker = (*RedisLocker)(nil)

// NewRedisLocker wraps an existing client. The caller keeps ownership of it.
func NewRedisLocker(client goredis.UniversalClient, log *zap.Logger) *RedisLocker {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisLocker{
		client:   client,
		log:      log.With(zap.String("component", "lock.redis")),
		newToken: uuid.NewString,
	}
}

// DialRedis opens and pings a dedicated client. Close releases it.
func DialRedis(ctx context.Context, opts Options, log *zap.Logger) (*RedisLocker, error) {
	client, err := dial(ctx, opts)
	if err != nil {
		return nil, err
	}
	l := NewRedisLocker(client, log)
	l.owned = true
	return l, nil
}

func dial(ctx context.Context, opts Options) (*goredis.Client, error) {
	if strings.TrimSpace(opts.Addr) == "" {
		return nil, ErrNoAddrs
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("lock: redis ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

// Acquire sets key to a fresh token only if the key is absent. ok is false
// when another holder owns the key.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if err := validate(key, ttl); err != nil {
		return "", false, err
	}

	token := l.newToken()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, escrow.Transient(fmt.Errorf("lock: acquire %s: %w", key, err))
	}
	if !ok {
		l.log.Debug("lock busy", zap.String("lock_key", key))
		return "", false, nil
	}

	l.log.Debug("lock acquired", zap.String("lock_key", key), zap.Duration("ttl", ttl))
	return token, true, nil
}

// Release deletes key if it still carries token. A stale token leaves the
// current holder's lock in place and reports false.
func (l *RedisLocker) Release(ctx context.Context, key, token string) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, ErrEmptyKey
	}
	if token == "" {
		return false, ErrEmptyToken
	}

	n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int64()
	if err != nil {
		return false, escrow.Transient(fmt.Errorf("lock: release %s: %w", key, err))
	}
	if n == 0 {
		l.log.Warn("lock not held by token or already expired", zap.String("lock_key", key))
		return false, nil
	}

	l.log.Debug("lock released", zap.String("lock_key", key))
	return true, nil
}

// Close closes the client when the locker owns it.
func (l *RedisLocker) Close() error {
	if !l.owned {
		return nil
	}
	return l.client.Close()
}

func validate(key string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}
