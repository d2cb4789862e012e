package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func noJitter() Option { return WithJitter(func() time.Duration { return 0 }) }
func noSleep() Option {
	return WithSleeper(func(context.Context, time.Duration) error { return nil })
}

func TestDelay(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 20 * time.Second},
		{12, 20 * time.Second},
	}
	for _, c := range cases {
		if got := Delay(c.attempt); got != c.want {
			t.Errorf("Delay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("transient error")
		}
		return nil
	}, noSleep())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ExhaustsRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return fmt.Errorf("persistent error")
	}, noSleep(), WithMaxAttempts(3))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if err.Error() != "persistent error" {
		t.Fatalf("expected original error, got: %v", err)
	}
}

func TestDo_SleepsExpectedDelays(t *testing.T) {
	var slept []time.Duration
	record := WithSleeper(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	})

	Do(context.Background(), func() error {
		return fmt.Errorf("fail")
	}, record, noJitter(), WithMaxAttempts(4))

	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	if len(slept) != len(want) {
		t.Fatalf("expected %d sleeps, got %d", len(want), len(slept))
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Errorf("sleep %d = %v, want %v", i, slept[i], want[i])
		}
	}
}

func TestDo_JitterAddedToDelay(t *testing.T) {
	var slept []time.Duration
	record := WithSleeper(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	})

	Do(context.Background(), func() error {
		return fmt.Errorf("fail")
	}, record, WithJitter(func() time.Duration { return 123 * time.Millisecond }), WithMaxAttempts(2))

	if len(slept) != 1 {
		t.Fatalf("expected 1 sleep, got %d", len(slept))
	}
	if slept[0] != time.Second+123*time.Millisecond {
		t.Fatalf("expected 1.123s, got %v", slept[0])
	}
}

func TestDo_RespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, func() error {
		calls++
		return fmt.Errorf("fail")
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call (no retry after context cancel), got %d", calls)
	}
}

func TestDo_PermanentError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return Permanent(fmt.Errorf("bad request"))
	}, noSleep())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call (no retry for permanent), got %d", calls)
	}
	if err.Error() != "bad request" {
		t.Fatalf("expected unwrapped error, got: %v", err)
	}
}

func TestDoVal_ReturnsValue(t *testing.T) {
	calls := 0
	val, err := DoVal(context.Background(), func() (string, error) {
		calls++
		if calls < 2 {
			return "", fmt.Errorf("transient")
		}
		return "hello", nil
	}, noSleep())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "hello" {
		t.Fatalf("expected 'hello', got %q", val)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestPermanentError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("inner")
	perm := Permanent(inner)
	if !errors.Is(perm, inner) {
		t.Fatal("Permanent error should unwrap to inner error")
	}
	if !IsPermanent(perm) {
		t.Fatal("should be detectable as permanent")
	}
	if IsPermanent(inner) {
		t.Fatal("plain error should not be permanent")
	}
}
