package syncengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/api/googleapi"
)

func TestRetryBacksOffExponentially(t *testing.T) {
	var slept []time.Duration
	p := newRetryPolicy(3, 500*time.Millisecond, 0)
	p.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	calls := 0
	err := p.do(context.Background(), "test op", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	want := []time.Duration{500 * time.Millisecond, time.Second}
	if len(slept) != len(want) {
		t.Fatalf("backoffs = %v, want %v", slept, want)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Errorf("backoff %d = %v, want %v", i, slept[i], want[i])
		}
	}
}

func TestRetryExhaustionYieldsBatchFailure(t *testing.T) {
	p := newRetryPolicy(3, time.Millisecond, 0)
	p.sleep = func(context.Context, time.Duration) error { return nil }

	calls := 0
	err := p.do(context.Background(), "insert transactions", func(context.Context) error {
		calls++
		return errors.New("connection reset")
	})

	var bf *BatchFailure
	if !errors.As(err, &bf) {
		t.Fatalf("err = %v, want *BatchFailure", err)
	}
	if calls != 3 || bf.Attempts != 3 {
		t.Errorf("calls = %d, attempts = %d, want 3 and 3", calls, bf.Attempts)
	}
	if bf.Op != "insert transactions" {
		t.Errorf("op = %q", bf.Op)
	}
}

func TestRetrySchemaRejectionShortCircuits(t *testing.T) {
	p := newRetryPolicy(3, time.Millisecond, 0)
	p.sleep = func(context.Context, time.Duration) error {
		t.Fatal("slept before a permanent failure")
		return nil
	}

	calls := 0
	err := p.do(context.Background(), "insert transactions", func(context.Context) error {
		calls++
		return &googleapi.Error{Code: 400, Message: "no such field"}
	})

	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *SchemaError", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryDoesNotRetryCancellation(t *testing.T) {
	p := newRetryPolicy(3, time.Millisecond, 0)
	p.sleep = func(context.Context, time.Duration) error { return nil }

	calls := 0
	err := p.do(context.Background(), "test op", func(context.Context) error {
		calls++
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limit", &googleapi.Error{Code: 429}, true},
		{"server error", &googleapi.Error{Code: 503}, true},
		{"request timeout", &googleapi.Error{Code: 408}, true},
		{"bad request", &googleapi.Error{Code: 400}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"plain network error", errors.New("connection refused"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransient(tt.err); got != tt.want {
				t.Errorf("isTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
