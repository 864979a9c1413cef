package workpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_BoundsConcurrency(t *testing.T) {
	p := New(2)
	var running, peak atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Do(context.Background(), func() error {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if peak.Load() > 2 {
		t.Fatalf("expected at most 2 concurrent jobs, got %d", peak.Load())
	}
}

func TestPool_ContextCancelled(t *testing.T) {
	p := New(1)
	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = p.Do(context.Background(), func() error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started
	defer close(hold)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := p.Do(ctx, func() error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRun_ReturnsResult(t *testing.T) {
	p := New(0)
	if p.Size() != 1 {
		t.Fatalf("expected size 1, got %d", p.Size())
	}
	v, err := Run(context.Background(), p, func() (int, error) { return 42, nil })
	if err != nil || v != 42 {
		t.Fatalf("expected 42, got %d %v", v, err)
	}
	boom := errors.New("boom")
	if _, err := Run(context.Background(), p, func() (int, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestPool_CallerLeavesWhenContextEnds(t *testing.T) {
	p := New(1)
	started := make(chan struct{})
	hold := make(chan struct{})
	finished := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Do(ctx, func() error {
			close(started)
			<-hold
			close(finished)
			return nil
		})
	}()

	<-started
	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("caller still blocked on running work")
	}

	// The abandoned job still holds its slot until it returns.
	short, stop := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer stop()
	if err := p.Do(short, func() error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the slot to stay taken, got %v", err)
	}

	close(hold)
	<-finished
	if err := p.Do(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("expected the slot back, got %v", err)
	}
}
