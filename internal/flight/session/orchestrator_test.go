package session

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/autopeer-io/flightgate/internal/flight/core"
	"github.com/autopeer-io/flightgate/internal/flight/core/coretest"
	"github.com/autopeer-io/flightgate/internal/flight/param"
	"github.com/autopeer-io/flightgate/internal/pkg/metrics"
)

func logConfig(n int) core.LogConfig {
	vars := []core.Variable{
		{Name: "stateEstimate.z", Type: "float"},
		{Name: "kalman.tofsensorpreF", Type: "float"},
		{Name: "kalman.tofsensormeaF", Type: "float"},
		{Name: "kalman.toferrorF", Type: "float"},
		{Name: "kalman.tofthresF", Type: "float"},
		{Name: "range.zrange", Type: "uint16_t"},
		{Name: "range.front", Type: "uint16_t"},
	}
	return core.LogConfig{Name: "Position", Period: 10 * time.Millisecond, Variables: vars[:n]}
}

type countingExecutor struct {
	calls atomic.Int32
	fn    func(ctx context.Context, conn core.Connection) error
}

func (e *countingExecutor) Run(ctx context.Context, conn core.Connection, _ float64) error {
	e.calls.Add(1)
	if e.fn == nil {
		return nil
	}
	return e.fn(ctx, conn)
}

func baseConfig(exec core.MotionExecutor) Config {
	return Config{
		Capabilities:     []core.Capability{core.FlowDeck},
		ReadinessTimeout: 5 * time.Second,
		Telemetry:        logConfig(4),
		MaxLogVariables:  6,
		Observers:        []core.Observer{core.ObserverFunc(func(int64, map[string]float64) {})},
		TargetHeight:     0.6,
		Executor:         exec,
	}
}

// confirm reports value for every capability once its callback is registered.
func confirm(conn *coretest.Connection, value string, caps ...core.Capability) {
	go func() {
		for _, c := range caps {
			for !conn.Subscribed(c.Group, c.Param) {
				time.Sleep(time.Millisecond)
			}
			conn.Report(c.Group, c.Param, value)
		}
	}()
}

func TestRunFullSession(t *testing.T) {
	conn := coretest.New()
	conn.Echo = true

	var samples []int64
	exec := &countingExecutor{fn: func(ctx context.Context, c core.Connection) error {
		if _, err := logr.FromContext(ctx); err != nil {
			t.Errorf("executor context carries no logger: %v", err)
		}
		fake := c.(*coretest.Connection)
		fake.Emit(core.Sample{Timestamp: 10, Values: map[string]float64{"stateEstimate.z": 0.59}})
		fake.Emit(core.Sample{Timestamp: 20, Values: map[string]float64{"stateEstimate.z": 0.60}})
		return nil
	}}

	cfg := baseConfig(exec)
	cfg.Capabilities = []core.Capability{core.FlowDeck, core.MultirangerDeck}
	cfg.Tuning = &Tuning{
		Group:      "kalman",
		Name:       "detectionfactorFR",
		Policy:     param.DefaultDetectionFactorPolicy(),
		AckTimeout: time.Second,
	}
	cfg.Observers = []core.Observer{core.ObserverFunc(func(ts int64, _ map[string]float64) {
		samples = append(samples, ts)
	})}

	o, err := New(conn, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	confirm(conn, "1", core.FlowDeck, core.MultirangerDeck)

	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantStates := []string{StateInitializing, StateAwaitingReadiness, StateConfiguring, StateLogging,
		StateExecuting, StateDraining, StateClosed}
	if !reflect.DeepEqual(report.States, wantStates) {
		t.Errorf("states = %v, want %v", report.States, wantStates)
	}
	if report.Outcome != OutcomeClosed || o.State() != StateClosed {
		t.Errorf("outcome = %s, state = %s", report.Outcome, o.State())
	}
	if report.Parameter == nil || !report.Parameter.Acknowledged || report.Parameter.Target != 3.25 {
		t.Errorf("parameter = %+v", report.Parameter)
	}
	if report.Samples != 2 || !reflect.DeepEqual(samples, []int64{10, 20}) {
		t.Errorf("samples = %d %v", report.Samples, samples)
	}
	if len(report.Capabilities) != 2 || !report.Capabilities[1].Confirmed {
		t.Errorf("capabilities = %+v", report.Capabilities)
	}

	calls := conn.Calls()
	last := calls[len(calls)-2:]
	if !reflect.DeepEqual(last, []string{"log stop Position", "release"}) {
		t.Errorf("teardown calls = %q", last)
	}
}

func TestReadinessTimeoutSkipsManeuver(t *testing.T) {
	conn := coretest.New()
	exec := &countingExecutor{}
	cfg := baseConfig(exec)
	cfg.ReadinessTimeout = 20 * time.Millisecond

	o, err := New(conn, cfg)
	if err != nil {
		t.Fatal(err)
	}
	confirm(conn, "0", core.FlowDeck)

	report, err := o.Run(context.Background())

	var rt *core.ReadinessTimeoutError
	if !errors.As(err, &rt) || len(rt.Missing) != 1 || rt.Missing[0] != "flow" {
		t.Fatalf("Run = %v, want readiness timeout naming flow", err)
	}
	if n := exec.calls.Load(); n != 0 {
		t.Errorf("executor called %d times", n)
	}
	if conn.Releases() != 1 {
		t.Errorf("released %d times", conn.Releases())
	}
	if report.Outcome != OutcomeReadinessTimeout || report.Executed {
		t.Errorf("report = %+v", report)
	}
	wantStates := []string{StateInitializing, StateAwaitingReadiness, StateDraining, StateFailed}
	if !reflect.DeepEqual(report.States, wantStates) {
		t.Errorf("states = %v", report.States)
	}
	for _, call := range conn.Calls() {
		if call == "log add Position" {
			t.Error("telemetry was registered after a readiness timeout")
		}
	}
}

func TestExecutorFailureStillTearsDown(t *testing.T) {
	conn := coretest.New()
	crash := errors.New("motor 3 stalled")
	exec := &countingExecutor{fn: func(context.Context, core.Connection) error { return crash }}

	o, err := New(conn, baseConfig(exec))
	if err != nil {
		t.Fatal(err)
	}
	confirm(conn, "1", core.FlowDeck)

	report, err := o.Run(context.Background())
	if !errors.Is(err, core.ErrExecutor) || !errors.Is(err, crash) {
		t.Fatalf("Run = %v, want executor error", err)
	}
	if conn.Count("log stop Position") != 1 || conn.Releases() != 1 {
		t.Errorf("calls = %q", conn.Calls())
	}
	if report.Outcome != OutcomeFailed || o.State() != StateFailed {
		t.Errorf("outcome = %s, state = %s", report.Outcome, o.State())
	}
}

func TestCleanupRunsOncePerStage(t *testing.T) {
	boom := errors.New("link dropped")

	tests := []struct {
		name      string
		setup     func(conn *coretest.Connection, cfg *Config)
		confirm   bool
		wantErr   error
		wantExec  int32
		wantStops int
	}{
		{
			name:    "subscription fails",
			setup:   func(c *coretest.Connection, _ *Config) { c.OnParamErr = boom },
			wantErr: core.ErrLink,
		},
		{
			name:    "readiness timeout",
			setup:   func(_ *coretest.Connection, cfg *Config) { cfg.ReadinessTimeout = 10 * time.Millisecond },
			wantErr: core.ErrReadinessTimeout,
		},
		{
			name: "parameter set fails",
			setup: func(c *coretest.Connection, cfg *Config) {
				c.SetErr = boom
				cfg.Tuning = &Tuning{Group: "kalman", Name: "detectionfactorFR", Policy: param.DefaultDetectionFactorPolicy(), AckTimeout: time.Second}
			},
			confirm: true,
			wantErr: core.ErrLink,
		},
		{
			name: "ack timeout is fatal by policy",
			setup: func(_ *coretest.Connection, cfg *Config) {
				cfg.Tuning = &Tuning{Group: "kalman", Name: "detectionfactorFR", Policy: param.DefaultDetectionFactorPolicy(),
					AckTimeout: 10 * time.Millisecond, FailOnAckTimeout: true}
			},
			confirm: true,
			wantErr: core.ErrParameterAckTimeout,
		},
		{
			name:    "log config rejected",
			setup:   func(c *coretest.Connection, _ *Config) { c.AddLogErr = boom },
			confirm: true,
			wantErr: core.ErrLink,
		},
		{
			name:    "log start fails",
			setup:   func(c *coretest.Connection, _ *Config) { c.StartErr = boom },
			confirm: true,
			wantErr: core.ErrLink,
		},
		{
			name: "executor panics",
			setup: func(_ *coretest.Connection, cfg *Config) {
				cfg.Executor = &countingExecutor{fn: func(context.Context, core.Connection) error { panic("imu lost") }}
			},
			confirm:   true,
			wantErr:   core.ErrExecutor,
			wantExec:  1,
			wantStops: 1,
		},
		{
			name:      "stop fails",
			setup:     func(c *coretest.Connection, _ *Config) { c.StopErr = boom },
			confirm:   true,
			wantErr:   core.ErrLink,
			wantExec:  1,
			wantStops: 1,
		},
		{
			name:      "release fails",
			setup:     func(c *coretest.Connection, _ *Config) { c.ReleaseErr = boom },
			confirm:   true,
			wantErr:   core.ErrLink,
			wantExec:  1,
			wantStops: 1,
		},
		{
			name:      "success",
			setup:     func(*coretest.Connection, *Config) {},
			confirm:   true,
			wantExec:  1,
			wantStops: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := coretest.New()
			exec := &countingExecutor{}
			cfg := baseConfig(exec)
			tt.setup(conn, &cfg)
			if ce, ok := cfg.Executor.(*countingExecutor); ok {
				exec = ce
			}

			o, err := New(conn, cfg)
			if err != nil {
				t.Fatal(err)
			}
			if tt.confirm {
				confirm(conn, "1", core.FlowDeck)
			}

			before := testutil.ToFloat64(metrics.CleanupsTotal)
			_, err = o.Run(context.Background())

			if tt.wantErr == nil && err != nil {
				t.Fatalf("Run = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Run = %v, want %v", err, tt.wantErr)
			}
			if got := testutil.ToFloat64(metrics.CleanupsTotal) - before; got != 1 {
				t.Errorf("cleanup ran %v times", got)
			}
			if conn.Releases() != 1 {
				t.Errorf("released %d times", conn.Releases())
			}
			if n := conn.Count("log stop Position"); n != tt.wantStops {
				t.Errorf("log stopped %d times, want %d", n, tt.wantStops)
			}
			if n := exec.calls.Load(); n != tt.wantExec {
				t.Errorf("executor called %d times, want %d", n, tt.wantExec)
			}
		})
	}
}

func TestAckTimeoutWarnsByDefault(t *testing.T) {
	conn := coretest.New()
	exec := &countingExecutor{}
	cfg := baseConfig(exec)
	cfg.Tuning = &Tuning{Group: "kalman", Name: "detectionfactorFR", Policy: param.DefaultDetectionFactorPolicy(), AckTimeout: 10 * time.Millisecond}

	o, err := New(conn, cfg)
	if err != nil {
		t.Fatal(err)
	}
	confirm(conn, "1", core.FlowDeck)

	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run = %v, want the missing acknowledgement to be tolerated", err)
	}
	if exec.calls.Load() != 1 || report.Parameter == nil || report.Parameter.Acknowledged {
		t.Errorf("report = %+v", report)
	}
}

func TestRunCancelledWhileWaiting(t *testing.T) {
	conn := coretest.New()
	exec := &countingExecutor{}

	o, err := New(conn, baseConfig(exec))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for !conn.Subscribed("deck", "bcFlow2") {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	report, err := o.Run(ctx)
	if !errors.Is(err, context.Canceled) || errors.Is(err, core.ErrReadinessTimeout) {
		t.Fatalf("Run = %v", err)
	}
	if exec.calls.Load() != 0 || conn.Releases() != 1 || report.Outcome != OutcomeFailed {
		t.Errorf("executor=%d releases=%d outcome=%s", exec.calls.Load(), conn.Releases(), report.Outcome)
	}
	assertFailedAfterDrain(t, o, report)
}

func TestRunCancelledWhileExecuting(t *testing.T) {
	conn := coretest.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := &countingExecutor{fn: func(ctx context.Context, _ core.Connection) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}}

	o, err := New(conn, baseConfig(exec))
	if err != nil {
		t.Fatal(err)
	}
	confirm(conn, "1", core.FlowDeck)

	report, err := o.Run(ctx)
	if !errors.Is(err, context.Canceled) || !errors.Is(err, core.ErrExecutor) {
		t.Fatalf("Run = %v, want cancelled executor error", err)
	}
	if exec.calls.Load() != 1 || conn.Releases() != 1 || conn.Count("log stop Position") != 1 {
		t.Errorf("executor=%d releases=%d stops=%d", exec.calls.Load(), conn.Releases(), conn.Count("log stop Position"))
	}
	if report.Outcome != OutcomeFailed {
		t.Errorf("outcome = %s", report.Outcome)
	}
	assertFailedAfterDrain(t, o, report)
}

func TestRunCancelledBeforeStart(t *testing.T) {
	conn := coretest.New()
	exec := &countingExecutor{}

	o, err := New(conn, baseConfig(exec))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := o.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}
	if exec.calls.Load() != 0 || conn.Releases() != 1 {
		t.Errorf("executor=%d releases=%d", exec.calls.Load(), conn.Releases())
	}
	assertFailedAfterDrain(t, o, report)
}

// assertFailedAfterDrain checks that a failed session went through draining
// and settled in failed.
func assertFailedAfterDrain(t *testing.T, o *Orchestrator, report *Report) {
	t.Helper()

	if got := o.State(); got != StateFailed {
		t.Errorf("State() = %s, want %s", got, StateFailed)
	}
	n := len(report.States)
	if n < 2 || report.States[n-2] != StateDraining || report.States[n-1] != StateFailed {
		t.Errorf("States = %v, want it to end with draining, failed", report.States)
	}
}

func TestRunTwice(t *testing.T) {
	conn := coretest.New()
	o, err := New(conn, baseConfig(&countingExecutor{}))
	if err != nil {
		t.Fatal(err)
	}
	confirm(conn, "1", core.FlowDeck)
	if _, err := o.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Run(context.Background()); !errors.Is(err, core.ErrState) {
		t.Errorf("second Run = %v, want state error", err)
	}
	if conn.Releases() != 1 {
		t.Errorf("released %d times", conn.Releases())
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{"no required capability", func(cfg *Config) {
			optional := core.FlowDeck
			optional.Required = false
			cfg.Capabilities = []core.Capability{optional}
		}},
		{"capability without parameter", func(cfg *Config) { cfg.Capabilities = []core.Capability{{Name: "x", Required: true}} }},
		{"duplicate capability", func(cfg *Config) { cfg.Capabilities = []core.Capability{core.FlowDeck, core.FlowDeck} }},
		{"no executor", func(cfg *Config) { cfg.Executor = nil }},
		{"no readiness timeout", func(cfg *Config) { cfg.ReadinessTimeout = 0 }},
		{"too many variables", func(cfg *Config) { cfg.Telemetry = logConfig(7) }},
		{"tuning without ack timeout", func(cfg *Config) {
			cfg.Tuning = &Tuning{Group: "kalman", Name: "detectionfactorFR"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := coretest.New()
			cfg := baseConfig(&countingExecutor{})
			tt.mutate(&cfg)

			if _, err := New(conn, cfg); !errors.Is(err, core.ErrConfiguration) {
				t.Errorf("New = %v, want configuration error", err)
			}
			if calls := conn.Calls(); len(calls) != 0 {
				t.Errorf("device I/O during New: %q", calls)
			}
		})
	}
}
