package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dvloznov/invoice-ingest/internal/jobs"
	"github.com/dvloznov/invoice-ingest/internal/logger"
)

// ErrNoActivation is returned when a schedule has no activation after the
// current time.
var ErrNoActivation = errors.New("schedule has no future activation")

// Scheduler publishes one run per schedule activation. It never runs the job itself;
// the queue's consumer does.
type Scheduler struct {
	schedule  Schedule
	publisher jobs.Publisher

	now   func() time.Time
	after func(d time.Duration) <-chan time.Time

	mu   sync.RWMutex
	next time.Time

	// OnNext is called with every computed activation time.
	OnNext func(time.Time)
}

// New returns a Scheduler on the wall clock.
func New(schedule Schedule, publisher jobs.Publisher) *Scheduler {
	return &Scheduler{
		schedule:  schedule,
		publisher: publisher,
		now:       time.Now,
		after:     time.After,
	}
}

// NextRun returns the pending activation, zero before Run starts.
func (s *Scheduler) NextRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.next
}

// Run sleeps until each activation and publishes a scheduled run. It returns when
// ctx is done, or ErrNoActivation once the schedule stops producing future times.
func (s *Scheduler) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)
	log.Info().Str("schedule", s.schedule.String()).Msg("scheduler started")

	for {
		if err := ctx.Err(); err != nil {
			log.Info().Msg("scheduler stopped")
			return err
		}
		now := s.now()
		next := s.schedule.Next(now)
		if !next.After(now) {
			log.Error().Str("schedule", s.schedule.String()).Time("next_run", next).Msg("schedule never fires again")
			return ErrNoActivation
		}
		s.setNext(next)
		log.Info().Time("next_run", next).Dur("in", next.Sub(now)).Msg("waiting for next run")

		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler stopped")
			return ctx.Err()
		case <-s.after(next.Sub(now)):
		}

		job := &jobs.ExtractRunJob{Trigger: jobs.TriggerSchedule, ScheduledFor: next}
		if err := s.publisher.PublishExtractRun(ctx, job); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Time("scheduled_for", next).Msg("could not enqueue scheduled run")
			continue
		}
		log.Info().Str("job_id", job.JobID).Time("scheduled_for", next).Msg("scheduled run enqueued")
	}
}

func (s *Scheduler) setNext(t time.Time) {
	s.mu.Lock()
	s.next = t
	s.mu.Unlock()
	if s.OnNext != nil {
		s.OnNext(t)
	}
}
