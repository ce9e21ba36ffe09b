// Package telemetry brackets a periodic log block of the vehicle between a
// single Start and Stop, fanning samples out to observers.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/autopeer-io/flightgate/internal/flight/core"
	"github.com/autopeer-io/flightgate/pkg/log"
)

// The vehicle counts log periods in 10ms units stored in one byte.
const (
	MinPeriod = 10 * time.Millisecond
	MaxPeriod = 2550 * time.Millisecond
)

type State int

const (
	StateIdle State = iota
	StateStarted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Session is one use of a telemetry log block: configure, subscribe, start,
// stop. It is never restarted.
type Session struct {
	conn         core.Connection
	maxVariables int
	logger       log.Logger

	mu        sync.Mutex
	state     State
	cfg       *core.LogConfig
	observers []core.Observer
	block     core.LogBlock

	// held while samples are handed to observers
	deliverMu sync.Mutex
	samples   atomic.Uint64
}

type Option func(*Session)

func WithLogger(l log.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// New returns an idle session. maxVariables is the number of variables the
// vehicle can log concurrently.
func New(conn core.Connection, maxVariables int, opts ...Option) *Session {
	s := &Session{
		conn:         conn,
		maxVariables: maxVariables,
		logger:       log.WithName("telemetry"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Configure fixes the variables and period of the block. It performs no
// device I/O.
func (s *Session) Configure(name string, variables []core.Variable, period time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return fmt.Errorf("%w: configure on a %s session", core.ErrState, s.state)
	}
	if s.cfg != nil {
		return fmt.Errorf("%w: log block %q already configured", core.ErrConfiguration, s.cfg.Name)
	}

	switch {
	case name == "":
		return fmt.Errorf("%w: log block name is empty", core.ErrConfiguration)
	case len(variables) == 0:
		return fmt.Errorf("%w: log block %q has no variables", core.ErrConfiguration, name)
	case s.maxVariables <= 0:
		return fmt.Errorf("%w: device variable limit must be positive, got %d", core.ErrConfiguration, s.maxVariables)
	case len(variables) > s.maxVariables:
		return fmt.Errorf("%w: log block %q has %d variables, device maximum is %d",
			core.ErrConfiguration, name, len(variables), s.maxVariables)
	case period < MinPeriod || period > MaxPeriod || period%MinPeriod != 0:
		return fmt.Errorf("%w: log period %s must be a multiple of %s between %s and %s",
			core.ErrConfiguration, period, MinPeriod, MinPeriod, MaxPeriod)
	}

	seen := make(map[string]bool, len(variables))
	for _, v := range variables {
		if v.Name == "" {
			return fmt.Errorf("%w: log block %q has an unnamed variable", core.ErrConfiguration, name)
		}
		if seen[v.Name] {
			return fmt.Errorf("%w: variable %s listed twice", core.ErrConfiguration, v.Name)
		}
		seen[v.Name] = true
	}

	s.cfg = &core.LogConfig{
		Name:      name,
		Period:    period,
		Variables: append([]core.Variable(nil), variables...),
	}
	return nil
}

// Subscribe adds an observer. Observers are called in subscription order,
// on the goroutine delivering samples, and must not block.
func (s *Session) Subscribe(o core.Observer) error {
	if o == nil {
		return fmt.Errorf("%w: nil observer", core.ErrConfiguration)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return fmt.Errorf("%w: subscribe on a %s session", core.ErrState, s.state)
	}
	s.observers = append(s.observers, o)
	return nil
}

// Start registers the block on the vehicle and starts it. No lock is held
// during device I/O, so samples may be delivered while Start is running.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: start on a %s session", core.ErrState, state)
	}
	if s.cfg == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: start before configure", core.ErrState)
	}
	cfg := *s.cfg
	s.state = StateStarted
	s.mu.Unlock()

	block, err := s.conn.AddLogConfig(ctx, cfg, s.deliver)
	if err != nil {
		s.setState(StateStopped)
		return core.NewLinkError("add log config "+cfg.Name, err)
	}
	s.mu.Lock()
	s.block = block
	s.mu.Unlock()

	if err := block.Start(ctx); err != nil {
		s.setState(StateStopped)
		return core.NewLinkError("start log "+cfg.Name, err)
	}

	s.logger.Info("Telemetry started", "log", cfg.Name, "variables", len(cfg.Variables), "period", cfg.Period)
	return nil
}

// Stop halts delivery. It is safe to call in any state and any number of
// times; only the call that actually stops a started block can fail.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	prev := s.state
	s.state = StateStopped
	block := s.block
	s.mu.Unlock()

	if prev != StateStarted || block == nil {
		return nil
	}

	err := block.Stop(ctx)

	// wait for an in-flight delivery to finish
	s.deliverMu.Lock()
	s.deliverMu.Unlock()

	if err != nil {
		return core.NewLinkError("stop log "+s.cfg.Name, err)
	}
	s.logger.Info("Telemetry stopped", "log", s.cfg.Name, "samples", s.samples.Load())
	return nil
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Samples returns how many samples were delivered to observers.
func (s *Session) Samples() uint64 {
	return s.samples.Load()
}

func (s *Session) deliver(sample core.Sample) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	started := s.state == StateStarted
	observers := s.observers
	s.mu.Unlock()

	if !started {
		return
	}

	s.samples.Add(1)
	for _, o := range observers {
		o.OnSample(sample.Timestamp, sample.Values)
	}
}
