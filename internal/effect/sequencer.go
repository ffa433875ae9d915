// Package effect drives the light through a scripted sequence of states.
// At most one sequence runs at a time, process-wide; a request that
// arrives while one is running is dropped, not queued.
package effect

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/calm-listener/platform/internal/errors"
	"github.com/calm-listener/platform/internal/syncx"
	"github.com/calm-listener/platform/internal/trace"
)

var (
	ErrBusy     = errors.New("effect sequence already running")
	ErrCooldown = errors.New("effect sequence cooling down")
	ErrClosed   = errors.New("effect sequencer closed")
)

// restoreTimeout bounds the best-effort calm restore after an abort.
const restoreTimeout = 5 * time.Second

// Outcomes reported to the Observer.
const (
	OutcomeStarted   = "started"
	OutcomeDropped   = "dropped"
	OutcomeAborted   = "aborted"
	OutcomeCompleted = "completed"
)

// Actuator sets the light to a named state.
type Actuator interface {
	SetState(ctx context.Context, state string) error
}

// Notifier issues the one-time spoken or audible warning. It must not
// block on playback.
type Notifier interface {
	Notify(ctx context.Context) error
}

// Observer records sequence outcomes and actuator failures.
type Observer interface {
	SequenceOutcome(ctx context.Context, outcome string)
	ActuatorError(ctx context.Context, state string)
}

// State is the process-wide actuator state.
type State struct {
	Flashing     bool
	HasSaid      bool
	LastFinished time.Time

	closed bool
}

// Config for a Sequencer.
type Config struct {
	Steps []Step
	// Cooldown is an extra quiet period after a run finishes.
	Cooldown time.Duration
	// CalmState is restored when a run is aborted.
	CalmState string
	// Hold blocks for a step's hold duration. It is not interruptible:
	// cancellation takes effect at the next step boundary.
	Hold     func(time.Duration)
	Observer Observer
}

// Sequencer runs effect sequences with mutual exclusion.
type Sequencer struct {
	act      Actuator
	notifier Notifier
	cfg      Config
	state    *syncx.Guard[State]
	wg       sync.WaitGroup
}

// New creates a Sequencer. notifier may be nil.
func New(act Actuator, notifier Notifier, cfg Config) *Sequencer {
	if len(cfg.Steps) == 0 {
		cfg.Steps = DefaultSequence
	}
	if cfg.CalmState == "" {
		cfg.CalmState = StateCalm
	}
	if cfg.Hold == nil {
		cfg.Hold = time.Sleep
	}
	return &Sequencer{
		act:      act,
		notifier: notifier,
		cfg:      cfg,
		state:    syncx.NewGuard(State{}),
	}
}

// State returns a snapshot of the actuator state.
func (s *Sequencer) State() State { return s.state.Get() }

// Running reports whether a sequence is in progress.
func (s *Sequencer) Running() bool {
	return syncx.Read(s.state, func(st State) bool { return st.Flashing })
}

// Steps returns the configured table.
func (s *Sequencer) Steps() []Step { return s.cfg.Steps }

// acquire is the single check-and-set guarding Flashing. A successful
// acquire also registers the run with wg, under the same lock Close uses.
func (s *Sequencer) acquire() error {
	var reason error
	ok := s.state.TryUpdate(func(st *State) bool {
		switch {
		case st.closed:
			reason = ErrClosed
			return false
		case st.Flashing:
			reason = ErrBusy
			return false
		case s.cfg.Cooldown > 0 && !st.LastFinished.IsZero() && time.Since(st.LastFinished) < s.cfg.Cooldown:
			reason = ErrCooldown
			return false
		}
		st.Flashing = true
		s.wg.Add(1)
		return true
	})
	if !ok {
		return reason
	}
	return nil
}

func (s *Sequencer) release() {
	s.state.Write(func(st *State) {
		st.Flashing = false
		st.LastFinished = time.Now()
	})
}

// Start begins a run in the background, or returns ErrBusy, ErrCooldown
// or ErrClosed without touching the light. A panicking actuator ends only
// that run.
func (s *Sequencer) Start(ctx context.Context) error {
	if err := s.acquire(); err != nil {
		s.outcome(ctx, OutcomeDropped)
		trace.Logger(ctx).Debug("effect trigger dropped", "reason", err)
		return err
	}
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				trace.Logger(ctx).Error("effect sequence panicked", "panic", r)
				s.outcome(ctx, OutcomeAborted)
			}
		}()
		_ = s.run(ctx)
	}()
	return nil
}

// Trigger is Start for callers that only care whether a run began.
func (s *Sequencer) Trigger(ctx context.Context) bool {
	return s.Start(ctx) == nil
}

// Run executes one sequence on the caller's goroutine.
func (s *Sequencer) Run(ctx context.Context) error {
	if err := s.acquire(); err != nil {
		s.outcome(ctx, OutcomeDropped)
		return err
	}
	defer s.wg.Done()
	return s.run(ctx)
}

// Wait blocks until no background run is in progress.
func (s *Sequencer) Wait() { s.wg.Wait() }

// Close refuses further runs with ErrClosed and waits for the one in
// progress to finish or reach its abort boundary.
func (s *Sequencer) Close() {
	s.state.Write(func(st *State) { st.closed = true })
	s.wg.Wait()
}

// run assumes Flashing was acquired and always releases it.
func (s *Sequencer) run(ctx context.Context) error {
	defer s.release()
	log := trace.Logger(ctx)
	s.outcome(ctx, OutcomeStarted)
	log.Info("effect sequence started", "steps", len(s.cfg.Steps))

	// A run started on a dead context aborts at step 0 without speaking.
	if ctx.Err() == nil {
		s.notifyOnce(ctx)
	}

	for i, step := range s.cfg.Steps {
		if err := ctx.Err(); err != nil {
			log.Warn("effect sequence aborted", "step", i)
			s.restore(ctx)
			s.outcome(ctx, OutcomeAborted)
			return apperrors.Wrapf(err, apperrors.Cancelled, "effect aborted at step %d", i)
		}
		if err := s.act.SetState(ctx, step.State); err != nil {
			log.Warn("actuator step failed", "step", i, "state", step.State, "error", err)
			if s.cfg.Observer != nil {
				s.cfg.Observer.ActuatorError(ctx, step.State)
			}
		}
		if step.Hold > 0 {
			s.cfg.Hold(step.Hold)
		}
	}

	s.outcome(ctx, OutcomeCompleted)
	log.Info("effect sequence completed")
	return nil
}

func (s *Sequencer) notifyOnce(ctx context.Context) {
	first := s.state.TryUpdate(func(st *State) bool {
		if st.HasSaid {
			return false
		}
		st.HasSaid = true
		return true
	})
	if !first || s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx); err != nil {
		trace.Logger(ctx).Warn("alert notification failed", "error", err)
	}
}

func (s *Sequencer) restore(ctx context.Context) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreTimeout)
	defer cancel()
	if err := s.act.SetState(rctx, s.cfg.CalmState); err != nil {
		trace.Logger(ctx).Warn("restore calm state failed", "error", err)
	}
}

func (s *Sequencer) outcome(ctx context.Context, o string) {
	if s.cfg.Observer != nil {
		s.cfg.Observer.SequenceOutcome(ctx, o)
	}
}
