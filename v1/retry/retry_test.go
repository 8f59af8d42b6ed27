package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBusy = errors.New("busy")

func always(error) bool { return true }

func TestDoReturnsValue(t *testing.T) {
	ctx := context.Background()
	v, err := Do(ctx, always, func() (int, error) {
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("do: %v value %d", err, v)
	}
}

func TestDoExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	_, err := Do(ctx, always, func() (struct{}, error) {
		attempts++
		return struct{}{}, errBusy
	}, WithInterval(time.Millisecond))
	if !errors.Is(err, errBusy) {
		t.Fatalf("expected errBusy, got %v", err)
	}
	if attempts != DefaultMaxRetries+1 {
		t.Fatalf("expected %d attempts, got %d", DefaultMaxRetries+1, attempts)
	}
}

func TestDoDelaysDouble(t *testing.T) {
	ctx := context.Background()
	var delays []time.Duration
	_, _ = Do(ctx, always, func() (struct{}, error) {
		return struct{}{}, errBusy
	},
		WithInterval(time.Millisecond),
		WithMaxRetries(4),
		WithNotify(func(_ error, d time.Duration) {
			delays = append(delays, d)
		}))
	if len(delays) != 4 {
		t.Fatalf("expected 4 retries, got %d", len(delays))
	}
	for i, d := range delays {
		want := time.Millisecond << i
		if d != want {
			t.Fatalf("delay %d: expected %v, got %v", i, want, d)
		}
	}
}

func TestDoPermanentErrorNotRetried(t *testing.T) {
	ctx := context.Background()
	errConstraint := errors.New("constraint violation")
	attempts := 0
	_, err := Do(ctx, func(err error) bool {
		return !errors.Is(err, errConstraint)
	}, func() (struct{}, error) {
		attempts++
		return struct{}{}, errConstraint
	}, WithInterval(time.Millisecond))
	if !errors.Is(err, errConstraint) {
		t.Fatalf("expected errConstraint, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
}

func TestDoRecoversMidway(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	v, err := Do(ctx, always, func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", errBusy
		}
		return "done", nil
	}, WithInterval(time.Millisecond))
	if err != nil || v != "done" {
		t.Fatalf("do: %v value %q", err, v)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}
