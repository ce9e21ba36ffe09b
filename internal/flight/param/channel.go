// Package param sets remote vehicle parameters and waits for the vehicle to
// echo them back.
package param

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/flightgate/internal/flight/core"
	"github.com/autopeer-io/flightgate/pkg/log"
)

// Binding is the state of one requested parameter change.
type Binding struct {
	Group        string
	Name         string
	Target       float64
	Acknowledged bool
	// Observed is the last value the vehicle reported for the parameter.
	Observed       string
	RequestedAt    time.Time
	AcknowledgedAt time.Time
}

// FullName returns "group.name".
func (b Binding) FullName() string {
	return b.Group + "." + b.Name
}

// SplitName splits "group.name".
func SplitName(full string) (group, name string, err error) {
	group, name, ok := strings.Cut(full, ".")
	if !ok || group == "" || name == "" {
		return "", "", fmt.Errorf("%w: parameter %q is not of the form group.name", core.ErrConfiguration, full)
	}
	return group, name, nil
}

type pending struct {
	binding Binding
	ack     chan struct{}
}

// Channel issues parameter changes over a connection. A Channel belongs to a
// single session.
type Channel struct {
	conn   core.Connection
	clock  clock.Clock
	logger log.Logger

	mu       sync.Mutex
	watching map[string]bool
	bindings map[string]*pending
}

type Option func(*Channel)

func WithClock(c clock.Clock) Option {
	return func(ch *Channel) { ch.clock = c }
}

func WithLogger(l log.Logger) Option {
	return func(ch *Channel) { ch.logger = l }
}

func New(conn core.Connection, opts ...Option) *Channel {
	c := &Channel{
		conn:     conn,
		clock:    clock.RealClock{},
		logger:   log.WithName("param"),
		watching: make(map[string]bool),
		bindings: make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetAndConfirm requests group.name=value and blocks until the vehicle echoes
// the value, ackTimeout elapses or ctx is done. The request itself is not
// retried or cancelled; the vehicle may still apply it after a timeout.
func (c *Channel) SetAndConfirm(ctx context.Context, group, name string, value float64, ackTimeout time.Duration) (Binding, error) {
	if group == "" || name == "" {
		return Binding{}, fmt.Errorf("%w: parameter group and name are required", core.ErrConfiguration)
	}
	if ackTimeout <= 0 {
		return Binding{}, fmt.Errorf("%w: ack timeout must be positive, got %s", core.ErrConfiguration, ackTimeout)
	}

	key := group + "." + name
	p := &pending{
		binding: Binding{Group: group, Name: name, Target: value, RequestedAt: c.clock.Now()},
		ack:     make(chan struct{}),
	}

	// The callback goes in before the request so the echo cannot be missed.
	if err := c.watch(group, name); err != nil {
		return Binding{}, err
	}
	c.mu.Lock()
	c.bindings[key] = p
	c.mu.Unlock()

	c.logger.Info("Setting parameter", "param", key, "value", value)
	if err := c.conn.SetParameter(ctx, group, name, FormatValue(value)); err != nil {
		return c.binding(p), core.NewLinkError("set parameter "+key, err)
	}

	timer := c.clock.NewTimer(ackTimeout)
	defer timer.Stop()

	select {
	case <-p.ack:
		b := c.binding(p)
		c.logger.Info("Parameter acknowledged", "param", key, "value", b.Observed,
			"latency", b.AcknowledgedAt.Sub(b.RequestedAt))
		return b, nil
	case <-timer.C():
		b := c.binding(p)
		return b, &core.ParameterAckTimeoutError{
			Group:    group,
			Name:     name,
			Target:   value,
			Observed: b.Observed,
			Timeout:  ackTimeout,
		}
	case <-ctx.Done():
		return c.binding(p), fmt.Errorf("waiting for %s acknowledgement: %w", key, ctx.Err())
	}
}

// Binding returns the latest requested change of group.name.
func (c *Channel) Binding(group, name string) (Binding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.bindings[group+"."+name]
	if !ok {
		return Binding{}, false
	}
	return p.binding, true
}

func (c *Channel) binding(p *pending) Binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return p.binding
}

func (c *Channel) watch(group, name string) error {
	key := group + "." + name

	c.mu.Lock()
	if c.watching[key] {
		c.mu.Unlock()
		return nil
	}
	c.watching[key] = true
	c.mu.Unlock()

	err := c.conn.OnParameterUpdate(group, name, func(_, value string) {
		c.onUpdate(key, value)
	})
	if err != nil {
		c.mu.Lock()
		delete(c.watching, key)
		c.mu.Unlock()
		return core.NewLinkError("subscribe parameter "+key, err)
	}
	return nil
}

func (c *Channel) onUpdate(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.bindings[key]
	if !ok {
		return
	}
	p.binding.Observed = value
	if p.binding.Acknowledged {
		return
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || !matches(v, p.binding.Target) {
		c.logger.Debug("Parameter update does not match request", "param", key, "value", value, "target", p.binding.Target)
		return
	}
	p.binding.Acknowledged = true
	p.binding.AcknowledgedAt = c.clock.Now()
	close(p.ack)
}

// FormatValue renders v the way the vehicle's parameter subsystem parses it.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// matches compares with float32 precision, which is what the vehicle stores.
func matches(got, want float64) bool {
	return math.Abs(got-want) <= 1e-4*math.Max(1, math.Abs(want))
}
