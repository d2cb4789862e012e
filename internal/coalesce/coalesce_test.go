package coalesce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGroup_CoalescesConcurrentCallers(t *testing.T) {
	g := New[string, int](20 * time.Millisecond)
	var execs atomic.Int32

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = g.Do(context.Background(), "repo#7", func() (int, error) {
				execs.Add(1)
				return 42, nil
			})
		}()
	}
	wg.Wait()

	if execs.Load() != 1 {
		t.Fatalf("expected one execution, got %d", execs.Load())
	}
	for i, r := range results {
		if r != 42 {
			t.Fatalf("caller %d got %d", i, r)
		}
	}
}

func TestGroup_DistinctKeysRunSeparately(t *testing.T) {
	g := New[string, int](5 * time.Millisecond)
	var execs atomic.Int32

	var wg sync.WaitGroup
	for _, key := range []string{"a", "b"} {
		key := key
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Do(context.Background(), key, func() (int, error) {
				execs.Add(1)
				return 0, nil
			})
		}()
	}
	wg.Wait()

	if execs.Load() != 2 {
		t.Fatalf("expected two executions, got %d", execs.Load())
	}
}

func TestGroup_SequentialCallsExecuteAgain(t *testing.T) {
	g := New[string, int](time.Millisecond)
	var execs atomic.Int32

	for n := 0; n < 3; n++ {
		g.Do(context.Background(), "k", func() (int, error) {
			execs.Add(1)
			return 0, nil
		})
	}
	if execs.Load() != 3 {
		t.Fatalf("expected three executions, got %d", execs.Load())
	}
}

func TestGroup_SharedError(t *testing.T) {
	g := New[string, int](20 * time.Millisecond)
	boom := errors.New("boom")

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = g.Do(context.Background(), "k", func() (int, error) {
				return 0, boom
			})
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, boom) {
			t.Fatalf("caller %d got %v", i, err)
		}
	}
}

func TestGroup_ContextCancelledWhileWaiting(t *testing.T) {
	g := New[string, int](time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Do(ctx, "k", func() (int, error) { return 1, nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}
