package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethmarket/orderwatch/internal/domain"
)

func TestKeyedLocksSerializesSameKey(t *testing.T) {
	locks := NewKeyedLocks()
	var (
		mu      sync.Mutex
		running int
		peak    int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locks.With(context.Background(), "hash-a", func() error {
				mu.Lock()
				running++
				if running > peak {
					peak = running
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("with: %v", err)
			}
		}()
	}
	wg.Wait()
	if peak != 1 {
		t.Fatalf("peak concurrency = %d, want 1", peak)
	}
}

func TestKeyedLocksDistinctKeysProceed(t *testing.T) {
	locks := NewKeyedLocks()
	release, err := locks.Acquire(context.Background(), "hash-a")
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	defer release()

	done := make(chan struct{})
	go func() {
		defer close(done)
		releaseB, err := locks.Acquire(context.Background(), "hash-b")
		if err != nil {
			t.Errorf("acquire b: %v", err)
			return
		}
		releaseB()
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("distinct key blocked behind held lock")
	}
}

func TestKeyedLocksAcquireHonorsContext(t *testing.T) {
	locks := NewKeyedLocks()
	release, err := locks.Acquire(context.Background(), "hash-a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := locks.Acquire(ctx, "hash-a"); !errors.Is(err, domain.ErrContextDone) {
		t.Fatalf("err = %v, want ErrContextDone", err)
	}

	release()
	// The table must not leak abandoned waiters.
	release2, err := locks.Acquire(context.Background(), "hash-a")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	release2()
	locks.mu.Lock()
	n := len(locks.slots)
	locks.mu.Unlock()
	if n != 0 {
		t.Fatalf("lock table leaked %d slots", n)
	}
}
