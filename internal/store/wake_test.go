package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeTimer struct {
	waits []time.Duration
	c     chan time.Time
}

func newFakeTimer() *fakeTimer { return &fakeTimer{c: make(chan time.Time, 1)} }

func (t *fakeTimer) Start(d time.Duration) {
	t.waits = append(t.waits, d)
	t.c <- time.Now()
}

func (t *fakeTimer) Stop() {}

func (t *fakeTimer) C() <-chan time.Time { return t.c }

var defaultWake = WakePolicy{Attempts: 5, InitialDelay: 5 * time.Second, MaxDelay: 30 * time.Second}

func TestWakeUp_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	probe := func(context.Context) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "57P03", Message: "the database system is starting up"}
		}
		return nil
	}

	timer := newFakeTimer()
	if err := wakeUp(context.Background(), probe, defaultWake, timer); err != nil {
		t.Fatalf("wakeUp() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if diff := cmp.Diff([]time.Duration{5 * time.Second, 10 * time.Second}, timer.waits); diff != "" {
		t.Errorf("waits mismatch (-want +got):\n%s", diff)
	}
}

func TestWakeUp_ExhaustsBudgetWithCappedDelays(t *testing.T) {
	calls := 0
	probe := func(context.Context) error {
		calls++
		return errors.New("connection refused")
	}

	timer := newFakeTimer()
	err := wakeUp(context.Background(), probe, defaultWake, timer)
	if !errors.Is(err, ErrWakeUp) {
		t.Fatalf("wakeUp() error = %v, want ErrWakeUp", err)
	}
	if calls != 5 {
		t.Errorf("calls = %d, want 5", calls)
	}
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 30 * time.Second}
	if diff := cmp.Diff(want, timer.waits); diff != "" {
		t.Errorf("waits mismatch (-want +got):\n%s", diff)
	}
}

func TestWakeUp_StopsOnCancel(t *testing.T) {
	calls := 0
	probe := func(context.Context) error {
		calls++
		return context.Canceled
	}

	err := wakeUp(context.Background(), probe, defaultWake, newFakeTimer())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("wakeUp() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
