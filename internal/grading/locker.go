package grading

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrGradingInProgress is returned when a submission already has a grading
// task in flight.
var ErrGradingInProgress = errors.New("grading already in progress")

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker guarantees at most one holder per submission id.
type Locker interface {
	Acquire(ctx context.Context, submissionID uint) (Lease, error)
}

// LocalLocker guards submissions within one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[uint]struct{}
}

// NewLocalLocker returns an empty in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[uint]struct{})}
}

// Acquire fails with ErrGradingInProgress when id is already held.
func (l *LocalLocker) Acquire(_ context.Context, submissionID uint) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[submissionID]; ok {
		return nil, fmt.Errorf("submission %d: %w", submissionID, ErrGradingInProgress)
	}
	l.held[submissionID] = struct{}{}
	return &localLease{locker: l, id: submissionID}, nil
}

// Held reports whether id is currently locked.
func (l *LocalLocker) Held(submissionID uint) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[submissionID]
	return ok
}

type localLease struct {
	locker *LocalLocker
	id     uint
	once   sync.Once
}

func (l *localLease) Release(context.Context) error {
	l.once.Do(func() {
		l.locker.mu.Lock()
		delete(l.locker.held, l.id)
		l.locker.mu.Unlock()
	})
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker guards submissions across API replicas. Keys expire after the
// TTL so a crashed holder cannot block a submission forever.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisLocker builds a locker using keys "<prefix><submission id>".
func NewRedisLocker(client redis.Cmdable, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "grading:lock:"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl}
}

// Acquire sets the key only if absent, storing a random token that Release
// must present.
func (l *RedisLocker) Acquire(ctx context.Context, submissionID uint) (Lease, error) {
	key := l.prefix + strconv.FormatUint(uint64(submissionID), 10)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire grading lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("submission %d: %w", submissionID, ErrGradingInProgress)
	}
	return &redisLease{client: l.client, key: key, token: token}, nil
}

type redisLease struct {
	client redis.Cmdable
	key    string
	token  string
}

// Release deletes the key only while it still carries this lease's token.
func (l *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release grading lock: %w", err)
	}
	return nil
}

// ChainLocker acquires every locker in order and releases what it took when
// a later one refuses.
type ChainLocker []Locker

// Acquire implements Locker.
func (c ChainLocker) Acquire(ctx context.Context, submissionID uint) (Lease, error) {
	leases := make(chainLease, 0, len(c))
	for _, locker := range c {
		if locker == nil {
			continue
		}
		lease, err := locker.Acquire(ctx, submissionID)
		if err != nil {
			_ = leases.Release(ctx)
			return nil, err
		}
		leases = append(leases, lease)
	}
	return leases, nil
}

type chainLease []Lease

func (c chainLease) Release(ctx context.Context) error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].Release(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
