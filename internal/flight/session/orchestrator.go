// Package session runs one bounded flight: wait for the vehicle's capability
// flags, optionally tune a parameter, bracket a telemetry log around the
// maneuver and always tear the log and the connection down.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/flightgate/internal/flight/core"
	"github.com/autopeer-io/flightgate/internal/flight/gate"
	"github.com/autopeer-io/flightgate/internal/flight/param"
	"github.com/autopeer-io/flightgate/internal/flight/telemetry"
	"github.com/autopeer-io/flightgate/internal/pkg/metrics"
	fsmutil "github.com/autopeer-io/flightgate/internal/pkg/util/fsm"
	"github.com/autopeer-io/flightgate/pkg/log"
)

const defaultCleanupTimeout = 5 * time.Second

// Tuning is the optional parameter step run once the vehicle is ready.
type Tuning struct {
	Group string
	Name  string
	// Policy maps the target height to the parameter value.
	Policy     param.FactorPolicy
	AckTimeout time.Duration
	// FailOnAckTimeout aborts the session when the vehicle does not echo the
	// value. By default a missing acknowledgement is logged and the session
	// continues.
	FailOnAckTimeout bool
}

// Config describes one session.
type Config struct {
	Capabilities     []core.Capability
	ReadinessTimeout time.Duration

	// Tuning is nil when no parameter is tuned.
	Tuning *Tuning

	Telemetry       core.LogConfig
	MaxLogVariables int
	// Observers receive every telemetry sample. When empty, samples are logged.
	Observers []core.Observer

	TargetHeight float64
	Executor     core.MotionExecutor
}

// Report summarizes a finished session.
type Report struct {
	ID      string
	URI     string
	Outcome string
	// States lists every state the session went through, in order.
	States        []string
	Capabilities  []core.CapabilityFlag
	ReadinessWait time.Duration
	Parameter     *param.Binding
	Executed      bool
	Samples       uint64
	Duration      time.Duration
}

// Orchestrator drives a single session over an exclusively owned
// connection. Each Orchestrator runs once.
type Orchestrator struct {
	id             string
	cfg            Config
	conn           core.Connection
	clock          clock.Clock
	logger         log.Logger
	cleanupTimeout time.Duration

	gate      *gate.Gate
	params    *param.Channel
	telemetry *telemetry.Session
	fsm       *fsm.FSM

	ran         atomic.Bool
	cleanupOnce sync.Once
	cleanupErr  error

	mu      sync.Mutex
	history []string
}

type Option func(*Orchestrator)

func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

func WithLogger(l log.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithID overrides the generated session ID.
func WithID(id string) Option {
	return func(o *Orchestrator) { o.id = id }
}

// WithCleanupTimeout bounds the stop and release calls made during teardown.
func WithCleanupTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.cleanupTimeout = d }
}

// New validates cfg and prepares a fresh gate, parameter channel and
// telemetry session. It performs no device I/O.
func New(conn core.Connection, cfg Config, opts ...Option) (*Orchestrator, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: connection is required", core.ErrConfiguration)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		id:             uuid.NewString(),
		cfg:            cfg,
		conn:           conn,
		clock:          clock.RealClock{},
		logger:         log.WithName("session"),
		cleanupTimeout: defaultCleanupTimeout,
		history:        []string{StateInitializing},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.WithValues("session", o.id, "uri", conn.URI())

	o.gate = gate.New(gate.WithClock(o.clock), gate.WithLogger(o.logger.WithName("gate")))
	for _, c := range cfg.Capabilities {
		if err := o.gate.Register(c.Name, c.Required); err != nil {
			return nil, err
		}
	}

	o.params = param.New(conn, param.WithClock(o.clock), param.WithLogger(o.logger.WithName("param")))

	o.telemetry = telemetry.New(conn, cfg.MaxLogVariables, telemetry.WithLogger(o.logger.WithName("telemetry")))
	if err := o.telemetry.Configure(cfg.Telemetry.Name, cfg.Telemetry.Variables, cfg.Telemetry.Period); err != nil {
		return nil, err
	}
	observers := cfg.Observers
	if len(observers) == 0 {
		observers = []core.Observer{telemetry.LogObserver(o.logger)}
	}
	observers = append(observers, core.ObserverFunc(func(int64, map[string]float64) {
		metrics.TelemetrySamplesTotal.Inc()
	}))
	for _, obs := range observers {
		if err := o.telemetry.Subscribe(obs); err != nil {
			return nil, err
		}
	}

	o.fsm = o.newFSM()
	return o, nil
}

func (c *Config) validate() error {
	var required int
	for _, capability := range c.Capabilities {
		if capability.Group == "" || capability.Param == "" {
			return fmt.Errorf("%w: capability %q has no parameter", core.ErrConfiguration, capability.Name)
		}
		if capability.Required {
			required++
		}
	}
	switch {
	case required == 0:
		return fmt.Errorf("%w: at least one required capability is needed", core.ErrConfiguration)
	case c.ReadinessTimeout <= 0:
		return fmt.Errorf("%w: readiness timeout must be positive", core.ErrConfiguration)
	case c.Executor == nil:
		return fmt.Errorf("%w: motion executor is required", core.ErrConfiguration)
	case c.Tuning != nil && (c.Tuning.Group == "" || c.Tuning.Name == ""):
		return fmt.Errorf("%w: tuning parameter needs a group and a name", core.ErrConfiguration)
	case c.Tuning != nil && c.Tuning.AckTimeout <= 0:
		return fmt.Errorf("%w: ack timeout must be positive", core.ErrConfiguration)
	}
	return nil
}

func (o *Orchestrator) ID() string { return o.id }

// State returns the current session state.
func (o *Orchestrator) State() string {
	return o.fsm.Current()
}

// Run executes the session. Whatever happens after Run starts, the telemetry
// log is stopped and the connection released exactly once before Run
// returns. A readiness timeout ends the session before the maneuver.
func (o *Orchestrator) Run(ctx context.Context) (report *Report, err error) {
	if !o.ran.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: session %s has already run", core.ErrState, o.id)
	}

	ctx = log.IntoContext(ctx, o.logger)
	report = &Report{ID: o.id, URI: o.conn.URI()}
	started := o.clock.Now()

	defer func() {
		err = o.finish(ctx, report, err)
		report.Duration = o.clock.Since(started)
	}()

	return report, o.run(ctx, report)
}

func (o *Orchestrator) run(ctx context.Context, r *Report) error {
	if err := o.advance(ctx, EventAwait); err != nil {
		return err
	}
	if err := o.awaitReadiness(ctx, r); err != nil {
		return err
	}

	if o.cfg.Tuning != nil {
		if err := o.advance(ctx, EventConfigure); err != nil {
			return err
		}
		if err := o.tune(ctx, r); err != nil {
			return err
		}
	}

	if err := o.advance(ctx, EventLog); err != nil {
		return err
	}
	if err := o.telemetry.Start(ctx); err != nil {
		return err
	}

	if err := o.advance(ctx, EventExecute); err != nil {
		return err
	}
	return o.execute(ctx, r)
}

func (o *Orchestrator) awaitReadiness(ctx context.Context, r *Report) error {
	for _, c := range o.cfg.Capabilities {
		name := c.Name
		if err := o.conn.OnParameterUpdate(c.Group, c.Param, func(_, value string) {
			o.gate.Report(name, value)
		}); err != nil {
			return core.NewLinkError("subscribe "+c.FullParam(), err)
		}
	}

	o.logger.Info("Waiting for capabilities", "timeout", o.cfg.ReadinessTimeout)
	start := o.clock.Now()
	err := o.gate.AwaitAll(ctx, o.cfg.ReadinessTimeout)
	r.ReadinessWait = o.clock.Since(start)
	r.Capabilities = o.gate.Snapshot()

	result := "satisfied"
	switch {
	case errors.Is(err, core.ErrReadinessTimeout):
		result = "timeout"
	case err != nil:
		result = "cancelled"
	}
	metrics.ReadinessWaitSeconds.WithLabelValues(result).Observe(r.ReadinessWait.Seconds())
	return err
}

func (o *Orchestrator) tune(ctx context.Context, r *Report) error {
	t := o.cfg.Tuning
	value := t.Policy.Factor(o.cfg.TargetHeight)
	full := t.Group + "." + t.Name

	b, err := o.params.SetAndConfirm(ctx, t.Group, t.Name, value, t.AckTimeout)
	r.Parameter = &b

	switch {
	case err == nil:
		metrics.ParameterAcksTotal.WithLabelValues(full, "acknowledged").Inc()
		return nil
	case errors.Is(err, core.ErrParameterAckTimeout):
		metrics.ParameterAcksTotal.WithLabelValues(full, "timeout").Inc()
		if t.FailOnAckTimeout {
			return err
		}
		o.logger.Warn("Parameter not acknowledged, continuing", "param", full, "value", value, "error", err)
		return nil
	default:
		metrics.ParameterAcksTotal.WithLabelValues(full, "error").Inc()
		return err
	}
}

func (o *Orchestrator) execute(ctx context.Context, r *Report) (err error) {
	r.Executed = true
	o.logger.Info("Executing maneuver", "height", o.cfg.TargetHeight)

	defer func() {
		if p := recover(); p != nil {
			err = &core.ExecutorError{Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	if err := o.cfg.Executor.Run(ctx, o.conn, o.cfg.TargetHeight); err != nil {
		var ee *core.ExecutorError
		if errors.As(err, &ee) {
			return err
		}
		return &core.ExecutorError{Err: err}
	}
	return nil
}

// finish runs the cleanup bracket and settles the terminal state.
func (o *Orchestrator) finish(ctx context.Context, r *Report, runErr error) error {
	cleanupErr := o.cleanup(ctx)

	err := runErr
	switch {
	case runErr != nil && cleanupErr != nil:
		err = errors.Join(runErr, cleanupErr)
	case cleanupErr != nil:
		err = cleanupErr
	}

	event, outcome := EventClose, OutcomeClosed
	if err != nil {
		event, outcome = EventFail, OutcomeFailed
		if errors.Is(err, core.ErrReadinessTimeout) {
			outcome = OutcomeReadinessTimeout
		}
	}
	if ferr := o.fire(ctx, event); ferr != nil {
		o.logger.Error(ferr, "Failed to settle session state", "event", event)
	}

	metrics.SessionsTotal.WithLabelValues(outcome).Inc()

	r.Outcome = outcome
	r.Samples = o.telemetry.Samples()
	o.mu.Lock()
	r.States = append([]string(nil), o.history...)
	o.mu.Unlock()

	if err != nil {
		o.logger.Error(err, "Session failed", "state", o.State())
	} else {
		o.logger.Info("Session closed", "samples", r.Samples)
	}
	return err
}

// cleanup stops telemetry and releases the connection. It runs at most once
// and is not bound by ctx cancellation, only by the cleanup timeout.
func (o *Orchestrator) cleanup(ctx context.Context) error {
	o.cleanupOnce.Do(func() {
		if err := o.fire(ctx, EventDrain); err != nil {
			o.logger.Error(err, "Failed to enter draining state")
		}

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cleanupTimeout)
		defer cancel()

		stopErr := o.telemetry.Stop(ctx)
		releaseErr := core.NewLinkError("release", o.conn.Release(ctx))
		metrics.CleanupsTotal.Inc()

		o.cleanupErr = errors.Join(stopErr, releaseErr)
	})
	return o.cleanupErr
}

// advance moves the session forward unless ctx is already done.
func (o *Orchestrator) advance(ctx context.Context, event string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return o.fire(ctx, event)
}

// fire runs a transition detached from ctx cancellation. looplab/fsm leaves
// the machine stuck in transition when the event context is done, which would
// keep a cancelled session from reaching draining and failed.
func (o *Orchestrator) fire(ctx context.Context, event string) error {
	err := fsmutil.Fire(context.WithoutCancel(ctx), o.fsm, event)
	var canceled fsm.CanceledError
	if errors.As(err, &canceled) && canceled.Err != nil {
		return canceled.Err
	}
	return err
}
