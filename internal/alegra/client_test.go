package alegra

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/go-cmp/cmp"

	"github.com/dvloznov/invoice-ingest/internal/config"
)

// recordingTimer fires immediately and remembers every requested wait.
type recordingTimer struct {
	mu    sync.Mutex
	waits []time.Duration
	c     chan time.Time
}

func newRecordingTimer() *recordingTimer {
	return &recordingTimer{c: make(chan time.Time, 1)}
}

func (t *recordingTimer) Start(d time.Duration) {
	t.mu.Lock()
	t.waits = append(t.waits, d)
	t.mu.Unlock()
	t.c <- time.Now()
}

func (t *recordingTimer) Stop() {}

func (t *recordingTimer) C() <-chan time.Time { return t.c }

func (t *recordingTimer) Waits() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.waits...)
}

const pageBody = `[
  {"id": "101", "date": "2024-03-01", "datetime": "2024-03-01 09:15:00",
   "client": {"id": 7, "name": "ACME"}, "seller": null, "paymentMethod": "cash",
   "totalPaid": 120.5, "status": "closed", "observations": "ignored",
   "items": [{"id": 5, "name": "Widget", "price": "60.25", "quantity": 2, "total": 120.5, "tax": []}]},
  {"id": 102, "date": "2024-03-01", "client": "Walk-in", "items": []}
]`

func newTestClient(t *testing.T, srv *httptest.Server, timer *recordingTimer) *Client {
	t.Helper()
	api := config.APIConfig{BaseURL: srv.URL, Token: "tok", RequestTimeout: 2 * time.Second}
	fetch := config.Default().Fetch
	c, err := NewClient(api, fetch, WithHTTPClient(srv.Client()), WithTimer(timer))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func TestFetchPage_RateLimitIsTransparent(t *testing.T) {
	var direct []Invoice
	{
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(pageBody))
		}))
		defer srv.Close()
		var err error
		direct, err = newTestClient(t, srv, newRecordingTimer()).FetchPage(context.Background(), 0, 30)
		if err != nil {
			t.Fatalf("FetchPage() error = %v", err)
		}
	}

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(pageBody))
	}))
	defer srv.Close()

	timer := newRecordingTimer()
	got, err := newTestClient(t, srv, timer).FetchPage(context.Background(), 0, 30)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}

	if diff := cmp.Diff(direct, got); diff != "" {
		t.Errorf("FetchPage() after 429 mismatch (-direct +retried):\n%s", diff)
	}
	if diff := cmp.Diff([]time.Duration{60 * time.Second}, timer.Waits()); diff != "" {
		t.Errorf("waits mismatch (-want +got):\n%s", diff)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestFetchPage_RequestShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/invoices" {
			t.Errorf("path = %q, want /invoices", r.URL.Path)
		}
		q := r.URL.Query()
		want := map[string]string{"start": "60", "order_direction": "ASC", "order_field": "id", "limit": "30"}
		for k, v := range want {
			if q.Get(k) != v {
				t.Errorf("query %s = %q, want %q", k, q.Get(k), v)
			}
		}
		if got := r.Header.Get("Authorization"); got != "Basic tok" {
			t.Errorf("authorization = %q", got)
		}
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("accept = %q", got)
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	got, err := newTestClient(t, srv, newRecordingTimer()).FetchPage(context.Background(), 60, 30)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len = %d, want 0", len(got))
	}
}

func TestFetchPage_StatusErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	timer := newRecordingTimer()
	got, err := newTestClient(t, srv, timer).FetchPage(context.Background(), 0, 30)
	if err == nil {
		t.Fatal("FetchPage() expected error")
	}
	if got != nil {
		t.Errorf("FetchPage() = %v, want nil page", got)
	}

	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("error type = %T, want *FetchError", err)
	}
	if fe.Kind != Status || fe.StatusCode != http.StatusInternalServerError || fe.Attempts != 1 {
		t.Errorf("FetchError = %+v", fe)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if len(timer.Waits()) != 0 {
		t.Errorf("waits = %v, want none", timer.Waits())
	}
}

func TestFetchPage_NetworkFailuresExhaustAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	timer := newRecordingTimer()
	_, err := newTestClient(t, srv, timer).FetchPage(context.Background(), 0, 30)
	if KindOf(err) != Network {
		t.Fatalf("KindOf(err) = %v, want network (err = %v)", KindOf(err), err)
	}
	if calls != 5 {
		t.Errorf("calls = %d, want 5", calls)
	}
	want := []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second}
	if diff := cmp.Diff(want, timer.Waits()); diff != "" {
		t.Errorf("waits mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchPage_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestClient(t, srv, newRecordingTimer()).FetchPage(ctx, 0, 30)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("FetchPage() error = %v, want context.Canceled", err)
	}
}

func TestLatestInvoiceID(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		wantID int64
		wantOK bool
	}{
		{name: "found", body: `[{"id": "4521"}]`, wantID: 4521, wantOK: true},
		{name: "none", body: `[]`, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				q := r.URL.Query()
				if q.Get("date_beforeOrNow") != "2022-12-01" || q.Get("order_direction") != "DESC" || q.Get("limit") != "1" {
					t.Errorf("unexpected query %q", r.URL.RawQuery)
				}
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			asOf := civil.Date{Year: 2022, Month: time.December, Day: 1}
			id, ok, err := newTestClient(t, srv, newRecordingTimer()).LatestInvoiceID(context.Background(), asOf)
			if err != nil {
				t.Fatalf("LatestInvoiceID() error = %v", err)
			}
			if id != tt.wantID || ok != tt.wantOK {
				t.Errorf("LatestInvoiceID() = (%d, %v), want (%d, %v)", id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestLatestInvoiceID_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, _, err := newTestClient(t, srv, newRecordingTimer()).LatestInvoiceID(context.Background(), civil.Date{Year: 2024, Month: 1, Day: 1})
	if KindOf(err) != Status {
		t.Errorf("KindOf(err) = %v, want status", KindOf(err))
	}
}
