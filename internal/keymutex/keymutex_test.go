package keymutex

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWithLock_SerializesSameKey(t *testing.T) {
	m := New("test")
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.WithLock(context.Background(), "identifier:bob", func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					cur := atomic.LoadInt32(&maxInside)
					if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("expected at most one holder, saw %d", maxInside)
	}
	if m.Len() != 0 {
		t.Fatalf("expected no keys left, got %d", m.Len())
	}
}

func TestLock_FIFOOrder(t *testing.T) {
	m := New("test")
	ctx := context.Background()
	if err := m.Lock(ctx, "k"); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = m.WithLock(ctx, "k", func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
		// Wait until goroutine i is queued before starting the next one.
		waitForWaiters(t, m, "k", i+1)
	}
	m.Unlock("k")
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("waiters served out of order: %v", order)
		}
	}
}

func TestWithLock_DifferentKeysDoNotBlock(t *testing.T) {
	m := New("test")
	ctx := context.Background()
	if err := m.Lock(ctx, "identifier:a"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer m.Unlock("identifier:a")

	done := make(chan struct{})
	go func() {
		_ = m.WithLock(ctx, "identifier:b", func(context.Context) error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("different key blocked")
	}
}

func TestLock_ContextCancelWhileQueued(t *testing.T) {
	m := New("test")
	if err := m.Lock(context.Background(), "k"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Lock(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	// The cancelled waiter left the queue, so a single unlock frees the key.
	m.Unlock("k")
	if m.Len() != 0 {
		t.Fatalf("expected key released, %d left", m.Len())
	}
}

func TestWithLock_ReturnsFnError(t *testing.T) {
	m := New("test")
	want := errors.New("boom")
	if err := m.WithLock(context.Background(), "k", func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("lock leaked after error")
	}
}

func TestUnlock_NotHeldIsNoop(t *testing.T) {
	New("test").Unlock("never")
}

type fakeLease struct {
	mu       sync.Mutex
	keys     []string
	released int
	err      error
}

func (f *fakeLease) Acquire(_ context.Context, key string) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.keys = append(f.keys, key)
	return func() {
		f.mu.Lock()
		f.released++
		f.mu.Unlock()
	}, nil
}

func TestWithLock_Lease(t *testing.T) {
	fl := &fakeLease{}
	m := New("tx", WithLease(fl))
	ran := false
	if err := m.WithLock(context.Background(), "tx:T1", func(context.Context) error { ran = true; return nil }); err != nil {
		t.Fatalf("WithLock: %v", err)
	}
	if !ran || len(fl.keys) != 1 || fl.keys[0] != "tx:tx:T1" || fl.released != 1 {
		t.Fatalf("lease not used as expected: ran=%v %+v", ran, fl)
	}

	fl.err = errors.New("redis down")
	if err := m.WithLock(context.Background(), "tx:T2", func(context.Context) error { return nil }); err == nil {
		t.Fatalf("expected lease error")
	}
	if m.Len() != 0 {
		t.Fatalf("local lock leaked after lease failure")
	}
}

func TestNewRedisLease_NilClient(t *testing.T) {
	if NewRedisLease(nil, time.Second) != nil {
		t.Fatalf("nil client must disable the lease")
	}
	if NewRedisClient("", "", 0) != nil {
		t.Fatalf("empty addr must return nil client")
	}
}

func waitForWaiters(t *testing.T, m *Mutex, key string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		q := m.keys[key]
		got := 0
		if q != nil {
			got = len(q.waiters)
		}
		m.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d waiters on %q", n, key)
}
