// Package killswitch implements the worker-wide circuit that halts
// consumption when the recent failure rate crosses a threshold. Unlike a
// per-dependency circuit breaker it gates the whole delivery loop: workers
// call WaitUntilReady before picking up the next message.
package killswitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/dotcelery/internal/observability"
)

// State of the switch.
type State int

const (
	// Active lets deliveries through.
	Active State = iota
	// Tripped blocks deliveries until the restart timeout passes or an
	// operator resets the switch.
	Tripped
)

func (s State) String() string {
	if s == Tripped {
		return "tripped"
	}
	return "active"
}

// Options tune the trip conditions.
type Options struct {
	// Window is how many recent outcomes are tracked.
	Window int
	// ActivationThreshold is the minimum number of tracked outcomes before
	// the failure rate is considered meaningful.
	ActivationThreshold int
	// TripThreshold is the failure rate in (0,1] that trips the switch.
	TripThreshold float64
	// RestartTimeout reopens a tripped switch after this long.
	RestartTimeout time.Duration
	// TripOn restricts which failures count: when non-empty, only errors
	// whose type name or message contains one of these strings count.
	TripOn []string
	// Ignore lists failures that never count, checked before TripOn.
	Ignore []string
}

// Switch tracks recent task outcomes in a ring buffer and trips when the
// failure rate over the window crosses the threshold.
type Switch struct {
	// Now is the clock; replace in tests to drive the restart timeout.
	Now func() time.Time

	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	ring      []bool // true = failure
	size      int    // filled entries
	head      int    // next write position
	state     State
	trippedAt time.Time
	reopen    chan struct{} // closed on Active transitions to wake waiters
}

// New builds an Active switch. Zero-valued options get safe defaults.
func New(opts Options, logger *slog.Logger) *Switch {
	if opts.Window <= 0 {
		opts.Window = 50
	}
	if opts.ActivationThreshold <= 0 {
		opts.ActivationThreshold = 10
	}
	if opts.TripThreshold <= 0 || opts.TripThreshold > 1 {
		opts.TripThreshold = 0.5
	}
	if opts.RestartTimeout <= 0 {
		opts.RestartTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Switch{
		Now:    time.Now,
		opts:   opts,
		logger: logger,
		ring:   make([]bool, opts.Window),
		reopen: make(chan struct{}),
	}
}

// RecordSuccess tracks a successful execution.
func (s *Switch) RecordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushLocked(false)
}

// RecordFailure tracks a failed execution unless err is filtered out by the
// Ignore / TripOn lists.
func (s *Switch) RecordFailure(err error) {
	if !s.counts(err) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushLocked(true)
	if s.state == Active && s.size >= s.opts.ActivationThreshold {
		if rate := s.failureRateLocked(); rate >= s.opts.TripThreshold {
			s.tripLocked(rate)
		}
	}
}

// State returns the current state, reopening a tripped switch whose restart
// timeout has passed.
func (s *Switch) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeReopenLocked()
	return s.state
}

// WaitUntilReady blocks while the switch is tripped. It returns nil once
// deliveries may proceed, or ctx.Err on cancellation.
func (s *Switch) WaitUntilReady(ctx context.Context) error {
	for {
		s.mu.Lock()
		s.maybeReopenLocked()
		if s.state == Active {
			s.mu.Unlock()
			return nil
		}
		reopen := s.reopen
		wait := s.trippedAt.Add(s.opts.RestartTimeout).Sub(s.Now())
		s.mu.Unlock()

		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-reopen:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Reset reopens the switch and clears the tracked window.
func (s *Switch) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.size, s.head = 0, 0
	if s.state == Tripped {
		s.reopenLocked()
	}
}

// FailureRate reports the current failure rate over the tracked window.
func (s *Switch) FailureRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failureRateLocked()
}

func (s *Switch) pushLocked(failure bool) {
	s.ring[s.head] = failure
	s.head = (s.head + 1) % len(s.ring)
	if s.size < len(s.ring) {
		s.size++
	}
}

func (s *Switch) failureRateLocked() float64 {
	if s.size == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < s.size; i++ {
		if s.ring[i] {
			failures++
		}
	}
	return float64(failures) / float64(s.size)
}

func (s *Switch) tripLocked(rate float64) {
	s.state = Tripped
	s.trippedAt = s.Now()
	observability.SetKillSwitchTripped(true)
	s.logger.Error("kill switch tripped",
		slog.Float64("failure_rate", rate),
		slog.Int("tracked", s.size),
		slog.Duration("restart_timeout", s.opts.RestartTimeout))
}

func (s *Switch) maybeReopenLocked() {
	if s.state == Tripped && !s.Now().Before(s.trippedAt.Add(s.opts.RestartTimeout)) {
		// Restart with a clean window so the stale failures that tripped
		// the switch cannot trip it again immediately.
		s.size, s.head = 0, 0
		s.reopenLocked()
	}
}

func (s *Switch) reopenLocked() {
	s.state = Active
	close(s.reopen)
	s.reopen = make(chan struct{})
	observability.SetKillSwitchTripped(false)
	s.logger.Info("kill switch reopened")
}

// counts applies the Ignore and TripOn filters to err.
func (s *Switch) counts(err error) bool {
	if err == nil {
		return false
	}
	names := errorNames(err)
	for _, ig := range s.opts.Ignore {
		if matchAny(names, ig) {
			return false
		}
	}
	if len(s.opts.TripOn) == 0 {
		return true
	}
	for _, t := range s.opts.TripOn {
		if matchAny(names, t) {
			return true
		}
	}
	return false
}

// errorNames collects the type name and message of every error in the chain.
func errorNames(err error) []string {
	var names []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		names = append(names, fmt.Sprintf("%T", e), e.Error())
	}
	return names
}

func matchAny(names []string, needle string) bool {
	for _, n := range names {
		if n == needle {
			return true
		}
	}
	return false
}
