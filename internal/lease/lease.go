// Package lease provides the per-job exclusive lease that keeps a single
// runner in charge of a job's progress at any moment.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotHeld is returned when releasing a lease that has already expired
// or been taken over by another holder.
var ErrNotHeld = errors.New("lease not held")

// Lease is an acquired exclusive hold on a key.
type Lease interface {
	// Release gives the key up. Releasing twice is a no-op.
	Release(ctx context.Context) error
	// Lost is closed if the lease expires or is taken over while held.
	// It may be nil for leases that cannot be lost.
	Lost() <-chan struct{}
}

// Locker hands out leases.
type Locker interface {
	TryAcquire(ctx context.Context, key string) (Lease, bool, error)
}

// Acquire blocks until the lease for key is obtained or ctx is done,
// retrying every poll interval.
func Acquire(ctx context.Context, l Locker, key string, poll time.Duration) (Lease, error) {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	for {
		ls, ok, err := l.TryAcquire(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return ls, nil
		}

		t := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// Local is an in-process Locker. It is enough when api and worker share a
// process; use Redis when several workers may pick up the same job.
type Local struct {
	mu   sync.Mutex
	held map[string]string
}

func NewLocal() *Local {
	return &Local{held: make(map[string]string)}
}

func (l *Local) TryAcquire(_ context.Context, key string) (Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, false, nil
	}
	token := uuid.NewString()
	l.held[key] = token
	return &localLease{owner: l, key: key, token: token}, true, nil
}

// Held reports whether key is currently leased.
func (l *Local) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

type localLease struct {
	owner *Local
	key   string
	token string
	once  sync.Once
}

func (ll *localLease) Release(context.Context) error {
	ll.once.Do(func() {
		ll.owner.mu.Lock()
		defer ll.owner.mu.Unlock()
		if ll.owner.held[ll.key] == ll.token {
			delete(ll.owner.held, ll.key)
		}
	})
	return nil
}

func (ll *localLease) Lost() <-chan struct{} { return nil }
