// Package coretest provides an in-memory core.Connection for tests.
package coretest

import (
	"context"
	"fmt"
	"sync"

	"github.com/autopeer-io/flightgate/internal/flight/core"
)

var _ core.Connection = (*Connection)(nil)

// Connection records every call made on it. Parameter updates and samples
// are injected with Report and Emit.
type Connection struct {
	// Echo makes SetParameter report the written value back synchronously.
	Echo bool

	OnParamErr error
	SetErr     error
	AddLogErr  error
	StartErr   error
	StopErr    error
	ReleaseErr error

	mu        sync.Mutex
	calls     []string
	callbacks map[string][]core.ParamCallback
	blocks    []*Block
	releases  int
}

func New() *Connection {
	return &Connection{callbacks: make(map[string][]core.ParamCallback)}
}

func (c *Connection) URI() string { return "fake://0" }

func (c *Connection) OnParameterUpdate(group, name string, cb core.ParamCallback) error {
	c.record("subscribe %s.%s", group, name)
	if c.OnParamErr != nil {
		return c.OnParamErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := group + "." + name
	c.callbacks[key] = append(c.callbacks[key], cb)
	return nil
}

func (c *Connection) SetParameter(_ context.Context, group, name, value string) error {
	c.record("set %s.%s=%s", group, name, value)
	if c.SetErr != nil {
		return c.SetErr
	}
	if c.Echo {
		c.Report(group, name, value)
	}
	return nil
}

func (c *Connection) AddLogConfig(_ context.Context, cfg core.LogConfig, handler core.SampleHandler) (core.LogBlock, error) {
	c.record("log add %s", cfg.Name)
	if c.AddLogErr != nil {
		return nil, c.AddLogErr
	}
	b := &Block{conn: c, Config: cfg, handler: handler}
	c.mu.Lock()
	c.blocks = append(c.blocks, b)
	c.mu.Unlock()
	return b, nil
}

func (c *Connection) Release(context.Context) error {
	c.record("release")
	c.mu.Lock()
	c.releases++
	c.mu.Unlock()
	return c.ReleaseErr
}

// Report delivers a parameter value to every callback of group.name.
func (c *Connection) Report(group, name, value string) {
	c.mu.Lock()
	cbs := append([]core.ParamCallback(nil), c.callbacks[group+"."+name]...)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(group+"."+name, value)
	}
}

// Subscribed reports whether a callback is registered for group.name.
func (c *Connection) Subscribed(group, name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.callbacks[group+"."+name]) > 0
}

// Emit delivers a sample through the most recently added log block.
func (c *Connection) Emit(s core.Sample) {
	c.mu.Lock()
	var b *Block
	if n := len(c.blocks); n > 0 {
		b = c.blocks[n-1]
	}
	c.mu.Unlock()
	if b != nil {
		b.handler(s)
	}
}

// Calls returns the recorded operations in order.
func (c *Connection) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// Count returns how many recorded operations equal op.
func (c *Connection) Count(op string) int {
	n := 0
	for _, call := range c.Calls() {
		if call == op {
			n++
		}
	}
	return n
}

func (c *Connection) Releases() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releases
}

func (c *Connection) Blocks() []*Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Block(nil), c.blocks...)
}

func (c *Connection) record(format string, args ...any) {
	c.mu.Lock()
	c.calls = append(c.calls, fmt.Sprintf(format, args...))
	c.mu.Unlock()
}

// Block is a log block created by Connection.AddLogConfig.
type Block struct {
	Config core.LogConfig

	conn    *Connection
	handler core.SampleHandler
}

func (b *Block) Start(context.Context) error {
	b.conn.record("log start %s", b.Config.Name)
	return b.conn.StartErr
}

func (b *Block) Stop(context.Context) error {
	b.conn.record("log stop %s", b.Config.Name)
	return b.conn.StopErr
}
