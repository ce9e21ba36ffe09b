package session

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"

	"github.com/autopeer-io/flightgate/internal/flight/core"
	"github.com/autopeer-io/flightgate/internal/flight/gate"
	"github.com/autopeer-io/flightgate/internal/pkg/metrics"
	fsmutil "github.com/autopeer-io/flightgate/internal/pkg/util/fsm"
)

// Session states.
const (
	StateInitializing      = "initializing"
	StateAwaitingReadiness = "awaiting_readiness"
	StateConfiguring       = "configuring"
	StateLogging           = "logging"
	StateExecuting         = "executing"
	StateDraining          = "draining"
	StateClosed            = "closed"
	StateFailed            = "failed"
)

const (
	EventAwait     = "event_await"
	EventConfigure = "event_configure"
	EventLog       = "event_log"
	EventExecute   = "event_execute"
	EventDrain     = "event_drain"
	EventClose     = "event_close"
	EventFail      = "event_fail"
)

// Outcomes recorded in Report.Outcome and the sessions metric.
const (
	OutcomeClosed           = "closed"
	OutcomeReadinessTimeout = "readiness_timeout"
	OutcomeFailed           = "failed"
)

func (o *Orchestrator) newFSM() *fsm.FSM {
	events := fsm.Events{
		{Name: EventAwait, Src: []string{StateInitializing}, Dst: StateAwaitingReadiness},
		{Name: EventConfigure, Src: []string{StateAwaitingReadiness}, Dst: StateConfiguring},
		// Configuring is skipped when no parameter is tuned.
		{Name: EventLog, Src: []string{StateAwaitingReadiness, StateConfiguring}, Dst: StateLogging},
		{Name: EventExecute, Src: []string{StateLogging}, Dst: StateExecuting},
		{
			Name: EventDrain,
			Src:  []string{StateInitializing, StateAwaitingReadiness, StateConfiguring, StateLogging, StateExecuting},
			Dst:  StateDraining,
		},
		{Name: EventClose, Src: []string{StateDraining}, Dst: StateClosed},
		{
			Name: EventFail,
			Src:  []string{StateInitializing, StateAwaitingReadiness, StateConfiguring, StateLogging, StateExecuting, StateDraining},
			Dst:  StateFailed,
		},
	}

	callbacks := fsm.Callbacks{
		// Guards
		"before_" + EventExecute: fsmutil.WrapEvent(o.guardReady),

		// Side-effects
		"enter_state": fsmutil.WrapEvent(o.actionEnterState),
	}

	return fsm.NewFSM(StateInitializing, events, callbacks)
}

// guardReady cancels the transition into Executing unless every required
// capability has been confirmed.
func (o *Orchestrator) guardReady(_ context.Context, e *fsm.Event) error {
	if state := o.gate.State(); state != gate.StateSatisfied {
		e.Cancel(fmt.Errorf("%w: maneuver requested while readiness gate is %s", core.ErrState, state))
	}
	return nil
}

func (o *Orchestrator) actionEnterState(_ context.Context, e *fsm.Event) error {
	o.mu.Lock()
	o.history = append(o.history, e.Dst)
	o.mu.Unlock()

	metrics.SetState(e.Dst)
	o.logger.Info("Session state changed", "from", e.Src, "to", e.Dst)
	return nil
}
