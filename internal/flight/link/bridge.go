package link

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/autopeer-io/flightgate/internal/flight/core"
	"github.com/autopeer-io/flightgate/internal/pkg/mqtt/paths"
	"github.com/autopeer-io/flightgate/pkg/log"
	"github.com/autopeer-io/flightgate/pkg/mqtt"
	"github.com/autopeer-io/flightgate/pkg/mqtt/topic"
)

const bridgeQoS = 1

var _ Link = (*Bridge)(nil)

// Bridge talks to a vehicle through a radio bridge on an MQTT broker. The
// bridge owns the radio; this side only exchanges JSON documents with it.
//
// Upstream messages are handled on the MQTT client's reader goroutine, which
// keeps reports of one parameter and samples of one block in order.
type Bridge struct {
	uri    URI
	id     string
	client mqtt.Client
	topics *topic.Builder
	logger log.Logger

	releaseOnce sync.Once
	releaseErr  error

	mu        sync.Mutex
	released  bool
	callbacks map[string][]core.ParamCallback
	blocks    map[string]core.SampleHandler
	upstream  []string
}

// NewBridge subscribes to the upstream topics of the vehicle. client must be
// started; it stays owned by the caller.
func NewBridge(ctx context.Context, uri URI, client mqtt.Client, root string) (*Bridge, error) {
	b := &Bridge{
		uri:       uri,
		id:        uri.DeviceID(),
		client:    client,
		topics:    topic.NewBuilder(root),
		logger:    log.WithName("bridge").WithValues("device", uri.DeviceID()),
		callbacks: make(map[string][]core.ParamCallback),
		blocks:    make(map[string]core.SampleHandler),
	}

	handlers := map[string]mqtt.MessageHandler{
		paths.ParamUpdate: b.handleParamUpdate,
		paths.LogData:     b.handleLogData,
		paths.Status:      b.handleStatus,
	}
	for segment, h := range handlers {
		t := b.topics.Build(segment, b.id)
		if err := client.Subscribe(ctx, t, bridgeQoS, h); err != nil {
			b.unsubscribe(ctx)
			return nil, core.NewLinkError("subscribe "+t, err)
		}
		b.upstream = append(b.upstream, t)
	}
	return b, nil
}

func (b *Bridge) URI() string { return b.uri.String() }

func (b *Bridge) OnParameterUpdate(group, name string, cb core.ParamCallback) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return core.NewLinkError("subscribe "+group+"."+name, ErrReleased)
	}
	key := group + "." + name
	b.callbacks[key] = append(b.callbacks[key], cb)
	return nil
}

func (b *Bridge) SetParameter(ctx context.Context, group, name, value string) error {
	return b.publish(ctx, paths.ParamSet, map[string]any{
		"group": group,
		"name":  name,
		"value": value,
	})
}

func (b *Bridge) AddLogConfig(ctx context.Context, cfg core.LogConfig, handler core.SampleHandler) (core.LogBlock, error) {
	variables := make([]any, 0, len(cfg.Variables))
	for _, v := range cfg.Variables {
		variables = append(variables, map[string]any{"name": v.Name, "type": v.Type})
	}

	b.mu.Lock()
	if _, ok := b.blocks[cfg.Name]; ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("log block %s already exists", cfg.Name)
	}
	b.blocks[cfg.Name] = handler
	b.mu.Unlock()

	err := b.publish(ctx, paths.LogConfig, map[string]any{
		"name":      cfg.Name,
		"periodMs":  cfg.PeriodMillis(),
		"variables": variables,
	})
	if err != nil {
		b.mu.Lock()
		delete(b.blocks, cfg.Name)
		b.mu.Unlock()
		return nil, err
	}
	return &bridgeBlock{bridge: b, name: cfg.Name}, nil
}

// Release tells the bridge the session is over and drops the upstream
// subscriptions. The MQTT client is left connected.
func (b *Bridge) Release(ctx context.Context) error {
	b.releaseOnce.Do(func() {
		err := b.publish(ctx, paths.Release, map[string]any{})

		b.mu.Lock()
		b.released = true
		b.callbacks = make(map[string][]core.ParamCallback)
		b.blocks = make(map[string]core.SampleHandler)
		b.mu.Unlock()

		b.unsubscribe(ctx)
		b.releaseErr = err
		b.logger.Info("Bridge link released")
	})
	return b.releaseErr
}

func (b *Bridge) TakeOff(ctx context.Context, height float64) error {
	return b.command(ctx, "takeoff", height)
}

func (b *Bridge) Forward(ctx context.Context, distance float64) error {
	return b.command(ctx, "forward", distance)
}

func (b *Bridge) Stop(ctx context.Context) error {
	return b.command(ctx, "stop", 0)
}

func (b *Bridge) Land(ctx context.Context) error {
	return b.command(ctx, "land", 0)
}

func (b *Bridge) command(ctx context.Context, cmd string, value float64) error {
	return b.publish(ctx, paths.Motion, map[string]any{"command": cmd, "value": value})
}

func (b *Bridge) publish(ctx context.Context, segment string, fields map[string]any) error {
	b.mu.Lock()
	released := b.released
	b.mu.Unlock()
	if released {
		return core.NewLinkError(segment, ErrReleased)
	}

	payload, err := Encode(fields)
	if err != nil {
		return fmt.Errorf("encode %s: %w", segment, err)
	}
	if err := b.client.Publish(ctx, b.topics.Build(segment, b.id), bridgeQoS, false, payload); err != nil {
		return core.NewLinkError(segment, err)
	}
	return nil
}

func (b *Bridge) unsubscribe(ctx context.Context) {
	for _, t := range b.upstream {
		if err := b.client.Unsubscribe(ctx, t); err != nil {
			b.logger.Warn("Failed to unsubscribe", "topic", t, "error", err)
		}
	}
	b.upstream = nil
}

func (b *Bridge) handleParamUpdate(_ context.Context, t string, payload []byte) {
	msg, err := decode(payload)
	if err != nil {
		b.logger.Warn("Dropping malformed parameter update", "topic", t, "error", err)
		return
	}
	f := msg.GetFields()
	key := f["group"].GetStringValue() + "." + f["name"].GetStringValue()
	value := textValue(f["value"])

	b.mu.Lock()
	cbs := append([]core.ParamCallback(nil), b.callbacks[key]...)
	b.mu.Unlock()

	for _, cb := range cbs {
		cb(key, value)
	}
}

func (b *Bridge) handleLogData(_ context.Context, t string, payload []byte) {
	msg, err := decode(payload)
	if err != nil {
		b.logger.Warn("Dropping malformed log data", "topic", t, "error", err)
		return
	}
	f := msg.GetFields()
	name := f["name"].GetStringValue()

	b.mu.Lock()
	handler := b.blocks[name]
	b.mu.Unlock()
	if handler == nil {
		b.logger.Debug("Log data for unknown block", "block", name)
		return
	}

	values := make(map[string]float64)
	for k, v := range f["values"].GetStructValue().GetFields() {
		values[k] = v.GetNumberValue()
	}
	handler(core.Sample{
		Timestamp: int64(f["timestamp"].GetNumberValue()),
		Values:    values,
	})
}

func (b *Bridge) handleStatus(_ context.Context, _ string, payload []byte) {
	msg, err := decode(payload)
	if err != nil {
		return
	}
	f := msg.GetFields()
	b.logger.Warn("Bridge reported an error", "op", f["op"].GetStringValue(), "error", f["error"].GetStringValue())
}

type bridgeBlock struct {
	bridge *Bridge
	name   string
}

func (l *bridgeBlock) Start(ctx context.Context) error {
	return l.bridge.publish(ctx, paths.LogControl, map[string]any{"name": l.name, "action": "start"})
}

func (l *bridgeBlock) Stop(ctx context.Context) error {
	return l.bridge.publish(ctx, paths.LogControl, map[string]any{"name": l.name, "action": "stop"})
}

// Encode renders a bridge payload as JSON.
func Encode(fields map[string]any) ([]byte, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(s)
}

func decode(payload []byte) (*structpb.Struct, error) {
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(payload, s); err != nil {
		return nil, err
	}
	return s, nil
}

// textValue renders a parameter value the way the vehicle reports it.
func textValue(v *structpb.Value) string {
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return k.StringValue
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(k.NumberValue, 'f', -1, 64)
	case *structpb.Value_BoolValue:
		if k.BoolValue {
			return "1"
		}
		return "0"
	}
	return ""
}
