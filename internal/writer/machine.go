package writer

import (
	"fmt"
	"time"

	"github.com/dvloznov/invoice-ingest/internal/config"
)

// Tier is the insert granularity the writer is working at.
type Tier int

const (
	TierBatch Tier = iota
	TierChunk
	TierRow
	TierDone
)

func (t Tier) String() string {
	switch t {
	case TierBatch:
		return "batch"
	case TierChunk:
		return "chunk"
	case TierRow:
		return "row"
	case TierDone:
		return "done"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Outcome is the classified result of one insert attempt.
type Outcome int

const (
	Success Outcome = iota
	Recoverable
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Recoverable:
		return "recoverable"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// State identifies the unit being attempted. Chunk and Row are only meaningful in
// the chunk and row tiers. Delay is the wait before the next retry of this unit.
type State struct {
	Tier    Tier
	Chunk   int
	Row     int
	Attempt int
	Delay   time.Duration
}

// Settlement says what happened to the unit of the previous state.
type Settlement int

const (
	// Pending means the unit will be attempted again.
	Pending Settlement = iota
	// Inserted means every row of the unit is committed.
	Inserted
	// Failed means the row is given up on. Only rows fail; batches and chunks degrade.
	Failed
	// Degraded means the unit is split into smaller units.
	Degraded
)

// Step is the result of one transition.
type Step struct {
	Next      State
	Settled   Settlement
	Wait      time.Duration
	Reconnect bool
}

// Policy is the retry budget of every tier.
type Policy struct {
	Retries       int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	ChunkSize     int
	RowRetries    int
	RowRetryDelay time.Duration
}

// PolicyFromConfig copies the insert section of the configuration.
func PolicyFromConfig(c config.InsertConfig) Policy {
	return Policy{
		Retries:       c.Retries,
		InitialDelay:  c.InitialDelay,
		MaxDelay:      c.MaxDelay,
		ChunkSize:     c.ChunkSize,
		RowRetries:    c.RowRetries,
		RowRetryDelay: c.RowRetryDelay,
	}
}

// machine holds the shape of one write: how many rows and how they split into chunks.
type machine struct {
	policy Policy
	total  int
}

func newMachine(p Policy, total int) machine {
	if p.ChunkSize < 1 {
		p.ChunkSize = 1
	}
	if p.Retries < 1 {
		p.Retries = 1
	}
	if p.RowRetries < 1 {
		p.RowRetries = 1
	}
	return machine{policy: p, total: total}
}

func (m machine) chunks() int {
	return (m.total + m.policy.ChunkSize - 1) / m.policy.ChunkSize
}

// bounds returns the [lo, hi) row range of chunk i.
func (m machine) bounds(i int) (int, int) {
	lo := i * m.policy.ChunkSize
	hi := lo + m.policy.ChunkSize
	if hi > m.total {
		hi = m.total
	}
	return lo, hi
}

func (m machine) start() State {
	if m.total == 0 {
		return State{Tier: TierDone}
	}
	return State{Tier: TierBatch, Attempt: 1, Delay: m.policy.InitialDelay}
}

func (m machine) backoff(d time.Duration) time.Duration {
	d *= 2
	if d > m.policy.MaxDelay {
		return m.policy.MaxDelay
	}
	return d
}

// next is the transition function. It has no side effects; the executor performs
// the wait and the reconnect the step asks for.
func (m machine) next(s State, o Outcome) Step {
	switch s.Tier {
	case TierBatch:
		switch {
		case o == Success:
			return Step{Next: State{Tier: TierDone}, Settled: Inserted}
		case o == Recoverable && s.Attempt < m.policy.Retries:
			return m.retry(s)
		default:
			return Step{Next: m.chunkStart(0), Settled: Degraded}
		}

	case TierChunk:
		switch {
		case o == Success:
			return Step{Next: m.afterChunk(s.Chunk), Settled: Inserted}
		case o == Recoverable && s.Attempt < m.policy.Retries:
			return m.retry(s)
		default:
			return Step{Next: State{Tier: TierRow, Chunk: s.Chunk, Row: 0, Attempt: 1}, Settled: Degraded}
		}

	case TierRow:
		switch {
		case o == Success:
			return Step{Next: m.afterRow(s.Chunk, s.Row), Settled: Inserted}
		case o == Recoverable && s.Attempt < m.policy.RowRetries:
			next := s
			next.Attempt++
			return Step{Next: next, Settled: Pending, Wait: m.policy.RowRetryDelay, Reconnect: true}
		default:
			return Step{Next: m.afterRow(s.Chunk, s.Row), Settled: Failed}
		}
	}
	return Step{Next: State{Tier: TierDone}}
}

func (m machine) retry(s State) Step {
	next := s
	next.Attempt++
	next.Delay = m.backoff(s.Delay)
	return Step{Next: next, Settled: Pending, Wait: s.Delay, Reconnect: true}
}

func (m machine) chunkStart(i int) State {
	return State{Tier: TierChunk, Chunk: i, Attempt: 1, Delay: m.policy.InitialDelay}
}

func (m machine) afterChunk(i int) State {
	if i+1 < m.chunks() {
		return m.chunkStart(i + 1)
	}
	return State{Tier: TierDone}
}

func (m machine) afterRow(chunk, row int) State {
	lo, hi := m.bounds(chunk)
	if lo+row+1 < hi {
		return State{Tier: TierRow, Chunk: chunk, Row: row + 1, Attempt: 1}
	}
	return m.afterChunk(chunk)
}
