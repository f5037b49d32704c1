package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dvloznov/invoice-ingest/internal/jobs"
)

// Store is an in-memory implementation of JobStore. History is lost on restart.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*jobs.ExtractRunJob
	// keep bounds the history; the oldest completed jobs are evicted first.
	keep int
}

// NewStore creates a new in-memory job store keeping at most keep jobs (0 keeps all).
func NewStore(keep int) *Store {
	return &Store{
		jobs: make(map[string]*jobs.ExtractRunJob),
		keep: keep,
	}
}

// SaveJob implements the JobStore interface.
func (s *Store) SaveJob(ctx context.Context, job *jobs.ExtractRunJob) error {
	if job.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	jobCopy := *job
	s.jobs[job.JobID] = &jobCopy
	s.evict()
	return nil
}

func (s *Store) evict() {
	if s.keep <= 0 || len(s.jobs) <= s.keep {
		return
	}
	all := make([]*jobs.ExtractRunJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		all = append(all, j)
	}
	sortNewestFirst(all)
	for _, j := range all[s.keep:] {
		if j.Status == jobs.JobStatusCompleted || j.Status == jobs.JobStatusFailed {
			delete(s.jobs, j.JobID)
		}
	}
}

// GetJob implements the JobStore interface.
func (s *Store) GetJob(ctx context.Context, jobID string) (*jobs.ExtractRunJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	jobCopy := *job
	return &jobCopy, nil
}

// ListJobs implements the JobStore interface.
func (s *Store) ListJobs(ctx context.Context, filter jobs.JobFilter) ([]*jobs.ExtractRunJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*jobs.ExtractRunJob
	for _, job := range s.jobs {
		if filter.Trigger != "" && job.Trigger != filter.Trigger {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		jobCopy := *job
		result = append(result, &jobCopy)
	}
	sortNewestFirst(result)

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []*jobs.ExtractRunJob{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

// UpdateJobStatus implements the JobStore interface.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status jobs.JobStatus, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}
	job.Status = status
	if errorMsg != "" {
		job.Error = errorMsg
	}
	return nil
}

func sortNewestFirst(js []*jobs.ExtractRunJob) {
	sort.Slice(js, func(i, k int) bool {
		if js[i].CreatedAt.Equal(js[k].CreatedAt) {
			return js[i].JobID > js[k].JobID
		}
		return js[i].CreatedAt.After(js[k].CreatedAt)
	})
}

var _ jobs.JobStore = (*Store)(nil)
