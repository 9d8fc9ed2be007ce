// Package keymutex provides a keyed mutual-exclusion primitive.
//
// A Mutex serializes critical sections that share the same key string while
// letting different keys proceed in parallel. Waiters on one key are served
// strictly in arrival order: the holder hands ownership directly to the
// oldest waiter, so a late arrival can never barge ahead of a queued one.
//
// Each Mutex is one lock domain. The identifier domain ("identifier:<id>",
// "requester:<id>") and the transaction domain ("tx:<id>") use separate
// instances so their keys can never alias.
//
// Entries exist only while a key is held or waited on; the map never grows
// beyond the number of keys in use.
//
// For multi-instance deployments a Lease (see RedisLease) can be attached.
// The lease is taken after the local lock, so at most one process per key
// contends for it.
package keymutex

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// waitSeconds records how long callers queued for a key, by domain.
	waitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keymutex_wait_seconds",
			Help:    "Time spent waiting to acquire a keyed lock.",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 30},
		},
		[]string{"domain"},
	)

	// heldKeys gauges the number of keys currently held or waited on.
	heldKeys = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keymutex_keys",
			Help: "Number of keys currently held, by domain.",
		},
		[]string{"domain"},
	)
)

func init() {
	prometheus.MustRegister(waitSeconds, heldKeys)
}

// Lease is a cross-process lock on a key. Acquire blocks until the lease is
// granted or ctx ends; the returned func releases it.
type Lease interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// queue is the FIFO of waiters behind the current holder of one key.
type queue struct {
	waiters []chan struct{}
}

// Mutex is a keyed FIFO mutex. The zero value is not usable; call New.
type Mutex struct {
	domain string
	lease  Lease

	mu   sync.Mutex
	keys map[string]*queue
}

// Option configures a Mutex.
type Option func(*Mutex)

// WithLease attaches a cross-process lease taken inside the local lock.
// A nil lease is ignored.
func WithLease(l Lease) Option {
	return func(m *Mutex) {
		if l != nil {
			m.lease = l
		}
	}
}

// New returns a Mutex for the named domain; the name labels metrics only.
func New(domain string, opts ...Option) *Mutex {
	m := &Mutex{domain: domain, keys: make(map[string]*queue)}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Lock acquires key, queueing behind earlier callers. It returns ctx.Err()
// if ctx ends first, in which case the lock is not held.
func (m *Mutex) Lock(ctx context.Context, key string) error {
	start := time.Now()
	defer func() { waitSeconds.WithLabelValues(m.domain).Observe(time.Since(start).Seconds()) }()

	m.mu.Lock()
	q, busy := m.keys[key]
	if !busy {
		m.keys[key] = &queue{}
		heldKeys.WithLabelValues(m.domain).Inc()
		m.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	m.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
	}

	m.mu.Lock()
	for i, w := range q.waiters {
		if w == ch {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			m.mu.Unlock()
			return ctx.Err()
		}
	}
	m.mu.Unlock()
	// Ownership was handed over while ctx ended; pass it on.
	m.Unlock(key)
	return ctx.Err()
}

// Unlock releases key, handing it to the oldest waiter if there is one.
// Unlocking a key that is not held is a no-op.
func (m *Mutex) Unlock(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.keys[key]
	if !ok {
		return
	}
	if len(q.waiters) == 0 {
		delete(m.keys, key)
		heldKeys.WithLabelValues(m.domain).Dec()
		return
	}
	next := q.waiters[0]
	q.waiters = q.waiters[1:]
	close(next)
}

// WithLock runs fn while holding key (and the lease, if configured). The
// error from fn is returned unchanged.
func (m *Mutex) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if err := m.Lock(ctx, key); err != nil {
		return err
	}
	defer m.Unlock(key)

	if m.lease != nil {
		release, err := m.lease.Acquire(ctx, m.domain+":"+key)
		if err != nil {
			return err
		}
		defer release()
	}
	return fn(ctx)
}

// Len returns the number of keys currently held or waited on.
func (m *Mutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}
