package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrReadinessTimeout: required capabilities were not confirmed in time.
	ErrReadinessTimeout = errors.New("readiness timeout")
	// ErrParameterAckTimeout: a parameter change was not echoed in time.
	ErrParameterAckTimeout = errors.New("parameter acknowledgement timeout")
	// ErrConfiguration: the session was set up incorrectly.
	ErrConfiguration = errors.New("configuration error")
	// ErrState: an operation was invoked in the wrong lifecycle state.
	ErrState = errors.New("state error")
	// ErrExecutor: the motion executor failed.
	ErrExecutor = errors.New("executor error")
	// ErrLink: the transport to the vehicle failed.
	ErrLink = errors.New("link error")
)

// ReadinessTimeoutError lists the required capabilities still unconfirmed
// when the deadline expired.
type ReadinessTimeoutError struct {
	Missing []string
	Timeout time.Duration
}

func (e *ReadinessTimeoutError) Error() string {
	return fmt.Sprintf("readiness timeout after %s: capabilities not confirmed: %s",
		e.Timeout, strings.Join(e.Missing, ", "))
}

func (e *ReadinessTimeoutError) Unwrap() error { return ErrReadinessTimeout }

// ParameterAckTimeoutError reports a parameter change whose echo did not
// arrive. Observed holds the last value reported for the parameter, if any.
type ParameterAckTimeoutError struct {
	Group    string
	Name     string
	Target   float64
	Observed string
	Timeout  time.Duration
}

func (e *ParameterAckTimeoutError) Error() string {
	msg := fmt.Sprintf("no acknowledgement for %s.%s=%v within %s", e.Group, e.Name, e.Target, e.Timeout)
	if e.Observed != "" {
		msg += fmt.Sprintf(" (last reported %s)", e.Observed)
	}
	return msg
}

func (e *ParameterAckTimeoutError) Unwrap() error { return ErrParameterAckTimeout }

// LinkError wraps a transport failure with the operation that hit it.
type LinkError struct {
	Op  string
	Err error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("link %s: %v", e.Op, e.Err)
}

func (e *LinkError) Unwrap() []error { return []error{ErrLink, e.Err} }

// NewLinkError wraps err unless it is nil or already a LinkError.
func NewLinkError(op string, err error) error {
	if err == nil {
		return nil
	}
	var le *LinkError
	if errors.As(err, &le) {
		return err
	}
	return &LinkError{Op: op, Err: err}
}

// ExecutorError wraps a failure of the motion executor.
type ExecutorError struct {
	Err error
}

func (e *ExecutorError) Error() string {
	return fmt.Sprintf("motion executor: %v", e.Err)
}

func (e *ExecutorError) Unwrap() []error { return []error{ErrExecutor, e.Err} }
