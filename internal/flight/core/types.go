package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ParamCallback receives the value of a remote parameter as reported by the
// vehicle. fullName is "group.name"; value is the textual form sent by the
// parameter subsystem (e.g. "1", "3.5").
type ParamCallback func(fullName, value string)

// SampleHandler receives telemetry samples in arrival order.
type SampleHandler func(s Sample)

// Connection is the link to one vehicle. It is owned by the caller that opened
// it and handed exclusively to a single session.
//
// Callbacks registered through a Connection may run on any goroutine, but
// callbacks for one parameter or one log block are never run concurrently
// with each other.
type Connection interface {
	// URI identifies the vehicle this connection talks to.
	URI() string

	// OnParameterUpdate registers cb for every reported value of group.name,
	// including the echo that follows a SetParameter.
	OnParameterUpdate(group, name string, cb ParamCallback) error

	// SetParameter requests a remote parameter change. Delivery is not
	// confirmed; observe the echo through OnParameterUpdate.
	SetParameter(ctx context.Context, group, name, value string) error

	// AddLogConfig registers a telemetry block and returns its handle.
	// Samples are delivered to handler once the block is started.
	AddLogConfig(ctx context.Context, cfg LogConfig, handler SampleHandler) (LogBlock, error)

	// Release frees every resource held for the vehicle. It is safe to call
	// more than once.
	Release(ctx context.Context) error
}

// LogBlock is a telemetry block registered on the vehicle.
type LogBlock interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Variable is one loggable vehicle variable.
type Variable struct {
	Name string
	Type string
}

func (v Variable) String() string {
	return v.Name + ":" + v.Type
}

// ParseVariable parses "name[:type]"; the type defaults to float.
func ParseVariable(s string) (Variable, error) {
	name, typ, found := strings.Cut(strings.TrimSpace(s), ":")
	if name == "" {
		return Variable{}, fmt.Errorf("%w: empty variable name in %q", ErrConfiguration, s)
	}
	if !found || typ == "" {
		typ = "float"
	}
	switch typ {
	case "float", "uint8_t", "uint16_t", "uint32_t", "int8_t", "int16_t", "int32_t", "FP16":
	default:
		return Variable{}, fmt.Errorf("%w: unsupported variable type %q for %s", ErrConfiguration, typ, name)
	}
	return Variable{Name: name, Type: typ}, nil
}

// LogConfig describes a telemetry block: a fixed set of variables sampled
// together every Period.
type LogConfig struct {
	Name      string
	Period    time.Duration
	Variables []Variable
}

// PeriodMillis returns the sampling period in milliseconds.
func (c LogConfig) PeriodMillis() int {
	return int(c.Period / time.Millisecond)
}

// Sample is one telemetry measurement. Timestamp is the vehicle's tick in
// milliseconds.
type Sample struct {
	Timestamp int64
	Values    map[string]float64
}

// Observer receives telemetry samples of a running session.
type Observer interface {
	OnSample(timestamp int64, values map[string]float64)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(timestamp int64, values map[string]float64)

func (f ObserverFunc) OnSample(timestamp int64, values map[string]float64) {
	f(timestamp, values)
}

// MotionExecutor performs the bounded physical maneuver. Run blocks until
// the maneuver has completed or failed; it owns its own timing.
type MotionExecutor interface {
	Run(ctx context.Context, conn Connection, targetHeight float64) error
}

// MotionFunc adapts a function to MotionExecutor.
type MotionFunc func(ctx context.Context, conn Connection, targetHeight float64) error

func (f MotionFunc) Run(ctx context.Context, conn Connection, targetHeight float64) error {
	return f(ctx, conn, targetHeight)
}

// Commander is implemented by connections that accept high-level flight
// commands. Distances are in meters.
type Commander interface {
	TakeOff(ctx context.Context, height float64) error
	Forward(ctx context.Context, distance float64) error
	Stop(ctx context.Context) error
	Land(ctx context.Context) error
}
