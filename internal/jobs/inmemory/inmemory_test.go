package inmemory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dvloznov/invoice-ingest/internal/jobs"
)

func waitForStatus(t *testing.T, s *Store, id string, want jobs.JobStatus) *jobs.ExtractRunJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := s.GetJob(context.Background(), id)
		if err == nil && job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := s.GetJob(context.Background(), id)
	t.Fatalf("job %s never reached %s, last state %+v", id, want, job)
	return nil
}

func TestQueue_RunsJob(t *testing.T) {
	store := NewStore(0)
	q := NewQueue(4, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []string
	var mu sync.Mutex
	if err := q.Start(ctx, func(_ context.Context, job *jobs.ExtractRunJob) error {
		mu.Lock()
		got = append(got, job.JobID)
		mu.Unlock()
		job.ExitCode = 0
		job.Duration = time.Second
		return nil
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	job := &jobs.ExtractRunJob{Trigger: jobs.TriggerSchedule}
	if err := q.PublishExtractRun(ctx, job); err != nil {
		t.Fatalf("PublishExtractRun() error = %v", err)
	}
	if job.JobID == "" || job.CreatedAt.IsZero() {
		t.Errorf("defaults not applied: %+v", job)
	}

	done := waitForStatus(t, store, job.JobID, jobs.JobStatusCompleted)
	if done.StartedAt == nil || done.CompletedAt == nil {
		t.Errorf("timestamps missing: %+v", done)
	}
	if done.Duration != time.Second {
		t.Errorf("Duration = %v, want 1s", done.Duration)
	}
	if err := q.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Errorf("handler called %d times, want 1", len(got))
	}
}

func TestQueue_RetriesThenFails(t *testing.T) {
	store := NewStore(0)
	q := NewQueue(4, store, WithMaxRetries(2), WithRetryDelay(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	attempts := 0
	_ = q.Start(ctx, func(context.Context, *jobs.ExtractRunJob) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return errors.New("exit status 1")
	})

	job := &jobs.ExtractRunJob{}
	if err := q.PublishExtractRun(ctx, job); err != nil {
		t.Fatalf("PublishExtractRun() error = %v", err)
	}

	failed := waitForStatus(t, store, job.JobID, jobs.JobStatusFailed)
	if failed.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", failed.RetryCount)
	}
	if failed.Error != "exit status 1" {
		t.Errorf("Error = %q", failed.Error)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestQueue_Closed(t *testing.T) {
	q := NewQueue(1, nil)
	if err := q.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := q.PublishExtractRun(context.Background(), &jobs.ExtractRunJob{}); err == nil {
		t.Error("PublishExtractRun() on closed queue expected error")
	}
	if err := q.Start(context.Background(), nil); err == nil {
		t.Error("Start() on closed queue expected error")
	}
}

func TestStore_ListJobs(t *testing.T) {
	s := NewStore(0)
	ctx := context.Background()
	base := time.Date(2024, time.June, 1, 2, 0, 0, 0, time.UTC)
	fixtures := []*jobs.ExtractRunJob{
		{JobID: "a", Trigger: jobs.TriggerSchedule, Status: jobs.JobStatusCompleted, CreatedAt: base},
		{JobID: "b", Trigger: jobs.TriggerManual, Status: jobs.JobStatusFailed, CreatedAt: base.Add(time.Hour)},
		{JobID: "c", Trigger: jobs.TriggerSchedule, Status: jobs.JobStatusCompleted, CreatedAt: base.Add(24 * time.Hour)},
	}
	for _, j := range fixtures {
		if err := s.SaveJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		filter jobs.JobFilter
		want   []string
	}{
		{name: "all newest first", want: []string{"c", "b", "a"}},
		{name: "by trigger", filter: jobs.JobFilter{Trigger: jobs.TriggerSchedule}, want: []string{"c", "a"}},
		{name: "by status", filter: jobs.JobFilter{Status: jobs.JobStatusFailed}, want: []string{"b"}},
		{name: "limit", filter: jobs.JobFilter{Limit: 1}, want: []string{"c"}},
		{name: "offset", filter: jobs.JobFilter{Offset: 2}, want: []string{"a"}},
		{name: "offset past end", filter: jobs.JobFilter{Offset: 5}, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListJobs(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListJobs() error = %v", err)
			}
			var ids []string
			for _, j := range got {
				ids = append(ids, j.JobID)
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("ListJobs() = %v, want %v", ids, tt.want)
			}
			for i := range ids {
				if ids[i] != tt.want[i] {
					t.Errorf("ListJobs() = %v, want %v", ids, tt.want)
					break
				}
			}
		})
	}
}

func TestStore_Evicts(t *testing.T) {
	s := NewStore(2)
	ctx := context.Background()
	base := time.Now()
	for i, id := range []string{"old", "mid", "new"} {
		_ = s.SaveJob(ctx, &jobs.ExtractRunJob{JobID: id, Status: jobs.JobStatusCompleted, CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	if _, err := s.GetJob(ctx, "old"); err == nil {
		t.Error("oldest job was not evicted")
	}
	if _, err := s.GetJob(ctx, "new"); err != nil {
		t.Errorf("GetJob(new) error = %v", err)
	}
}

func TestStore_UpdateJobStatus(t *testing.T) {
	s := NewStore(0)
	ctx := context.Background()
	if err := s.UpdateJobStatus(ctx, "missing", jobs.JobStatusFailed, ""); err == nil {
		t.Error("UpdateJobStatus(missing) expected error")
	}
	_ = s.SaveJob(ctx, &jobs.ExtractRunJob{JobID: "x", Status: jobs.JobStatusRunning})
	if err := s.UpdateJobStatus(ctx, "x", jobs.JobStatusFailed, "killed"); err != nil {
		t.Fatalf("UpdateJobStatus() error = %v", err)
	}
	job, _ := s.GetJob(ctx, "x")
	if job.Status != jobs.JobStatusFailed || job.Error != "killed" {
		t.Errorf("job = %+v", job)
	}
	if err := s.SaveJob(ctx, &jobs.ExtractRunJob{}); err == nil {
		t.Error("SaveJob() without id expected error")
	}
}
