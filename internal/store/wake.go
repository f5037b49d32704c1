package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dvloznov/invoice-ingest/internal/logger"
)

// WakePolicy bounds the wake-up loop: Attempts probes, starting InitialDelay apart
// and doubling up to MaxDelay.
type WakePolicy struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Backoff returns the delay sequence of the policy. Jitter is disabled so the
// schedule is reproducible in logs.
func (p WakePolicy) Backoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithMaxRetries(b, uint64(attempts-1))
}

func wakeUp(ctx context.Context, probe func(context.Context) error, p WakePolicy, timer backoff.Timer) error {
	log := logger.FromContext(ctx)
	attempt := 0
	op := func() error {
		attempt++
		log.Info().Int("attempt", attempt).Int("max_attempts", p.Attempts).Msg("probing database")
		err := probe(ctx)
		if err != nil && Classify(err) == KindCanceled {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Stringer("kind", Classify(err)).
			Dur("wait", wait).
			Msg("database not ready, waiting")
	}

	if err := backoff.RetryNotifyWithTimer(op, backoff.WithContext(p.Backoff(), ctx), notify, timer); err != nil {
		log.Error().Err(err).Int("attempts", attempt).Msg("database did not wake up")
		return fmt.Errorf("WakeUp: %w: %w", ErrWakeUp, err)
	}
	log.Info().Int("attempts", attempt).Msg("database awake")
	return nil
}
