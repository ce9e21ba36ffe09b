// Package gate blocks a session until every required capability of the
// vehicle has been confirmed, or a deadline expires.
package gate

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/flightgate/internal/flight/core"
	"github.com/autopeer-io/flightgate/pkg/log"
)

// State is the lifecycle of a gate.
type State int

const (
	// StateOpen accepts registrations; no wait has started.
	StateOpen State = iota
	StateWaiting
	StateSatisfied
	StateTimedOut
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateWaiting:
		return "waiting"
	case StateSatisfied:
		return "satisfied"
	case StateTimedOut:
		return "timed-out"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether the gate can no longer change.
func (s State) Terminal() bool {
	return s >= StateSatisfied
}

// Gate tracks capability flags reported asynchronously by the vehicle.
//
// Reports may arrive at any time, including before AwaitAll is called. The
// last reported value of a flag wins, so a flag reported false after true
// blocks the wait again. Satisfaction is decided when a report is applied,
// which means a wait that has been satisfied does not retract.
type Gate struct {
	clock  clock.Clock
	logger log.Logger

	mu    sync.Mutex
	state State
	order []string
	flags map[string]*core.CapabilityFlag
	done  chan struct{}
}

type Option func(*Gate)

func WithClock(c clock.Clock) Option {
	return func(g *Gate) { g.clock = c }
}

func WithLogger(l log.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// New returns an open gate with no flags.
func New(opts ...Option) *Gate {
	g := &Gate{
		clock:  clock.RealClock{},
		logger: log.WithName("gate"),
		flags:  make(map[string]*core.CapabilityFlag),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Register adds a flag. It must be called before AwaitAll.
func (g *Gate) Register(name string, required bool) error {
	if name == "" {
		return fmt.Errorf("%w: capability name is empty", core.ErrConfiguration)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != StateOpen {
		return fmt.Errorf("%w: cannot register %q, gate is %s", core.ErrConfiguration, name, g.state)
	}
	if _, ok := g.flags[name]; ok {
		return fmt.Errorf("%w: capability %q registered twice", core.ErrConfiguration, name)
	}

	g.flags[name] = &core.CapabilityFlag{Name: name, Required: required}
	g.order = append(g.order, name)
	return nil
}

// Report applies a textual parameter value, as delivered by the vehicle's
// parameter subsystem. Any non-zero number confirms the flag.
func (g *Gate) Report(name, value string) {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		g.logger.Warn("Unparseable capability value, treating as unconfirmed", "capability", name, "value", value)
	}
	g.OnReport(name, err == nil && v != 0)
}

// OnReport records the latest value of a flag. It is safe to call from any
// goroutine.
func (g *Gate) OnReport(name string, confirmed bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, ok := g.flags[name]
	if !ok {
		g.logger.Debug("Ignoring report for unregistered capability", "capability", name)
		return
	}
	if g.state.Terminal() {
		g.logger.Debug("Ignoring report after gate closed", "capability", name, "state", g.state.String())
		return
	}

	switch {
	case confirmed && !f.Confirmed:
		f.Confirmed = true
		f.ConfirmedAt = g.clock.Now()
		g.logger.Info("Capability confirmed", "capability", name)
	case !confirmed && f.Confirmed:
		f.Confirmed = false
		f.ConfirmedAt = time.Time{}
		g.logger.Warn("Capability withdrawn", "capability", name)
	case !confirmed:
		g.logger.Debug("Capability reported absent", "capability", name)
	}

	if g.state == StateWaiting && g.satisfiedLocked() {
		g.closeLocked(StateSatisfied)
	}
}

// AwaitAll blocks until every required flag is confirmed, timeout elapses or
// ctx is done. It may be called once per gate.
func (g *Gate) AwaitAll(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		return fmt.Errorf("%w: readiness timeout must be positive, got %s", core.ErrConfiguration, timeout)
	}

	g.mu.Lock()
	if g.state != StateOpen {
		state := g.state
		g.mu.Unlock()
		return fmt.Errorf("%w: AwaitAll called on a %s gate", core.ErrState, state)
	}
	g.state = StateWaiting
	// Reports applied before this point are already in the flags.
	if g.satisfiedLocked() {
		g.closeLocked(StateSatisfied)
		g.mu.Unlock()
		return nil
	}
	done := g.done
	g.mu.Unlock()

	timer := g.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C():
		return g.expire(StateTimedOut, func(missing []string) error {
			return &core.ReadinessTimeoutError{Missing: missing, Timeout: timeout}
		})
	case <-ctx.Done():
		return g.expire(StateCancelled, func(missing []string) error {
			return fmt.Errorf("readiness wait cancelled, missing %s: %w", strings.Join(missing, ", "), ctx.Err())
		})
	}
}

// expire closes the gate unless a report satisfied it first.
func (g *Gate) expire(state State, errFn func(missing []string) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == StateSatisfied {
		return nil
	}
	missing := g.missingLocked()
	g.closeLocked(state)
	return errFn(missing)
}

// Confirmed reports the current value of a flag.
func (g *Gate) Confirmed(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, ok := g.flags[name]
	return ok && f.Confirmed
}

// Snapshot returns the flags in registration order.
func (g *Gate) Snapshot() []core.CapabilityFlag {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]core.CapabilityFlag, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, *g.flags[name])
	}
	return out
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gate) satisfiedLocked() bool {
	for _, f := range g.flags {
		if f.Required && !f.Confirmed {
			return false
		}
	}
	return true
}

func (g *Gate) missingLocked() []string {
	var missing []string
	for _, name := range g.order {
		if f := g.flags[name]; f.Required && !f.Confirmed {
			missing = append(missing, name)
		}
	}
	return missing
}

func (g *Gate) closeLocked(state State) {
	g.state = state
	close(g.done)
}
