package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRun_Finish(t *testing.T) {
	now := time.Date(2024, time.May, 1, 2, 0, 0, 0, time.UTC)

	t.Run("success", func(t *testing.T) {
		r := NewRun()
		r.Finish(true, 90*time.Second, now)
		if got := testutil.ToFloat64(r.Success); got != 1 {
			t.Errorf("Success = %v, want 1", got)
		}
		if got := testutil.ToFloat64(r.LastSuccess); got != float64(now.Unix()) {
			t.Errorf("LastSuccess = %v, want %v", got, now.Unix())
		}
		if got := testutil.ToFloat64(r.Duration); got != 90 {
			t.Errorf("Duration = %v, want 90", got)
		}
	})

	t.Run("failure", func(t *testing.T) {
		r := NewRun()
		r.Finish(false, time.Second, now)
		if got := testutil.ToFloat64(r.Success); got != 0 {
			t.Errorf("Success = %v, want 0", got)
		}
		if got := testutil.ToFloat64(r.LastSuccess); got != 0 {
			t.Errorf("LastSuccess = %v, want 0", got)
		}
	})
}

func TestRun_ObserveStep(t *testing.T) {
	r := NewRun()
	r.ObserveStep("fetch", 1500*time.Millisecond)
	r.ObserveStep("write", 2*time.Second)

	if got := testutil.ToFloat64(r.StepDuration.WithLabelValues("fetch")); got != 1.5 {
		t.Errorf("fetch duration = %v, want 1.5", got)
	}
	if n := testutil.CollectAndCount(r.StepDuration); n != 2 {
		t.Errorf("step series = %d, want 2", n)
	}
}

func TestRun_Push(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewRun()
	r.RowsInserted.Set(65)
	if err := r.Push(context.Background(), srv.URL, "invoice_extract", "abc123"); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if want := "/metrics/job/invoice_extract/run_id/abc123"; gotPath != want {
		t.Errorf("path = %q, want %q", gotPath, want)
	}
	if gotBody == "" {
		t.Error("empty push body")
	}
}

func TestRun_PushError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := NewRun().Push(context.Background(), srv.URL, "invoice_extract", "x"); err == nil {
		t.Error("Push() expected error")
	}
}

func TestScheduler(t *testing.T) {
	s := NewScheduler()
	s.ObserveRun("success", 40*time.Second)
	s.ObserveRun("failure", 5*time.Second)
	s.ObserveRun("success", 50*time.Second)

	if got := testutil.ToFloat64(s.Runs.WithLabelValues("success")); got != 2 {
		t.Errorf("success runs = %v, want 2", got)
	}
	if got := testutil.ToFloat64(s.Runs.WithLabelValues("failure")); got != 1 {
		t.Errorf("failure runs = %v, want 1", got)
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`invoice_scheduler_runs_total{result="success"} 2`,
		"invoice_scheduler_run_duration_seconds_count 3",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
