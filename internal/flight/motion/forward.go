// Package motion holds the maneuvers a session can fly.
package motion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/flightgate/internal/flight/core"
	"github.com/autopeer-io/flightgate/pkg/log"
)

const landTimeout = 10 * time.Second

var _ core.MotionExecutor = (*ForwardAndStop)(nil)

// ForwardAndStop takes off to the target height, hovers for Settle, flies
// Distance meters forward, hovers again, stops and lands. Once airborne the
// vehicle is always landed, also when a step fails or ctx is cancelled.
type ForwardAndStop struct {
	Distance float64
	Settle   time.Duration
	Clock    clock.Clock
}

// NewForwardAndStop returns the default maneuver: 2m forward with 1s hovers.
func NewForwardAndStop() *ForwardAndStop {
	return &ForwardAndStop{Distance: 2.0, Settle: time.Second, Clock: clock.RealClock{}}
}

func (m *ForwardAndStop) Run(ctx context.Context, conn core.Connection, height float64) (err error) {
	cmd, ok := conn.(core.Commander)
	if !ok {
		return fmt.Errorf("connection %s does not accept flight commands", conn.URI())
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	logger := log.FromContext(ctx).WithName("motion")

	logger.Info("Taking off", "height", height)
	if err := cmd.TakeOff(ctx, height); err != nil {
		return fmt.Errorf("take off: %w", err)
	}
	defer func() {
		landCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), landTimeout)
		defer cancel()
		logger.Info("Landing")
		if lerr := cmd.Land(landCtx); lerr != nil {
			err = errors.Join(err, fmt.Errorf("land: %w", lerr))
		}
	}()

	if err := m.sleep(ctx); err != nil {
		return err
	}
	logger.Info("Flying forward", "distance", m.Distance)
	if err := cmd.Forward(ctx, m.Distance); err != nil {
		return fmt.Errorf("forward: %w", err)
	}
	if err := m.sleep(ctx); err != nil {
		return err
	}
	if err := cmd.Stop(ctx); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	return nil
}

func (m *ForwardAndStop) sleep(ctx context.Context) error {
	if m.Settle <= 0 {
		return nil
	}
	c := m.Clock
	if c == nil {
		c = clock.RealClock{}
	}
	t := c.NewTimer(m.Settle)
	defer t.Stop()
	select {
	case <-t.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
