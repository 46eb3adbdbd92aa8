package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/google/uuid"
	goredislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"escrowflow/escrow"
)

// Redlock implements escrow.Locker across several independent Redis nodes
// using the RedLock quorum algorithm. A single attempt is made per Acquire.
type Redlock struct {
	rs       *redsync.Redsync
	clients  []goredislib.UniversalClient
	owned    bool
	log      *zap.Logger
	newToken func() string
}

var _ escrow.Locker = (*Redlock)(nil)

// NewRedlock builds a quorum locker over the given clients. The caller keeps
// ownership of the clients.
func NewRedlock(clients []goredislib.UniversalClient, log *zap.Logger) *Redlock {
	if log == nil {
		log = zap.NewNop()
	}
	pools := make([]redsyncredis.Pool, 0, len(clients))
	for _, c := range clients {
		pools = append(pools, goredis.NewPool(c))
	}
	return &Redlock{
		rs:       redsync.New(pools...),
		clients:  clients,
		log:      log.With(zap.String("component", "lock.redlock")),
		newToken: uuid.NewString,
	}
}

// DialRedlock opens one client per address and owns them until Close.
func DialRedlock(ctx context.Context, addrs []string, opts Options, log *zap.Logger) (*Redlock, error) {
	if len(addrs) == 0 {
		return nil, ErrNoAddrs
	}
	clients := make([]goredislib.UniversalClient, 0, len(addrs))
	for _, addr := range addrs {
		o := opts
		o.Addr = addr
		c, err := dial(ctx, o)
		if err != nil {
			for _, opened := range clients {
				_ = opened.Close()
			}
			return nil, err
		}
		clients = append(clients, c)
	}
	l := NewRedlock(clients, log)
	l.owned = true
	return l, nil
}

// Acquire tries once to take key on a quorum of nodes.
func (l *Redlock) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if err := validate(key, ttl); err != nil {
		return "", false, err
	}

	token := l.newToken()
	mutex := l.rs.NewMutex(key,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
		redsync.WithValue(token),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			l.log.Debug("lock busy", zap.String("lock_key", key))
			return "", false, nil
		}
		return "", false, escrow.Transient(fmt.Errorf("lock: redlock acquire %s: %w", key, err))
	}

	l.log.Debug("lock acquired", zap.String("lock_key", key), zap.Duration("ttl", ttl))
	return mutex.Value(), true, nil
}

// Release removes key on every node where it still carries token.
func (l *Redlock) Release(ctx context.Context, key, token string) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, ErrEmptyKey
	}
	if token == "" {
		return false, ErrEmptyToken
	}

	mutex := l.rs.NewMutex(key, redsync.WithValue(token))
	ok, err := mutex.UnlockContext(ctx)
	if ok {
		l.log.Debug("lock released", zap.String("lock_key", key))
		return true, nil
	}
	if err == nil || errors.Is(err, redsync.ErrLockAlreadyExpired) || isContention(err) ||
		strings.Contains(err.Error(), "already expired") {
		l.log.Warn("lock not held by token or already expired", zap.String("lock_key", key))
		return false, nil
	}
	return false, escrow.Transient(fmt.Errorf("lock: redlock release %s: %w", key, err))
}

// Close closes the clients when the locker owns them.
func (l *Redlock) Close() error {
	if !l.owned {
		return nil
	}
	var errs []error
	for _, c := range l.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func isContention(err error) bool {
	var taken *redsync.ErrTaken
	if errors.As(err, &taken) || errors.Is(err, redsync.ErrFailed) {
		return true
	}
	return strings.Contains(err.Error(), "lock already taken")
}
