package link

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/flightgate/internal/flight/core"
	"github.com/autopeer-io/flightgate/pkg/log"
)

// ErrReleased is returned by operations on a released link.
var ErrReleased = errors.New("link released")

// SimOptions configures a simulated vehicle.
type SimOptions struct {
	// Params holds the initial parameter values keyed by "group.name".
	Params map[string]string
	// ReportDelay postpones the first report of a parameter after a callback
	// is registered for it, like a deck that is still initializing.
	ReportDelay time.Duration
	// DropEchoes stops the vehicle from echoing parameter changes.
	DropEchoes      bool
	MaxLogVariables int
	Clock           clock.WithTicker
}

// DefaultSimOptions returns a vehicle with the flow and multiranger decks attached.
func DefaultSimOptions() SimOptions {
	return SimOptions{
		Params: map[string]string{
			core.FlowDeck.FullParam():        "1",
			core.MultirangerDeck.FullParam(): "1",
			"kalman.detectionfactorFR":       "10",
		},
		MaxLogVariables: 6,
		Clock:           clock.RealClock{},
	}
}

// SimOptionsFromURI reads the query of a sim URI:
//
//	decks=flow,multiranger  attached decks (default: both)
//	delay=500ms             ReportDelay
//	drop-echoes=true        DropEchoes
func SimOptionsFromURI(u URI) (SimOptions, error) {
	opts := DefaultSimOptions()

	if u.Query.Has("decks") {
		for _, c := range []core.Capability{core.FlowDeck, core.MultirangerDeck} {
			opts.Params[c.FullParam()] = "0"
		}
		for _, name := range strings.Split(u.Query.Get("decks"), ",") {
			if name = strings.TrimSpace(name); name == "" {
				continue
			}
			c, err := core.ParseCapability(name, true)
			if err != nil {
				return SimOptions{}, err
			}
			opts.Params[c.FullParam()] = "1"
		}
	}
	if v := u.Query.Get("delay"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return SimOptions{}, fmt.Errorf("%w: sim delay %q: %v", core.ErrConfiguration, v, err)
		}
		opts.ReportDelay = d
	}
	if v := u.Query.Get("drop-echoes"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return SimOptions{}, fmt.Errorf("%w: sim drop-echoes %q: %v", core.ErrConfiguration, v, err)
		}
		opts.DropEchoes = b
	}
	return opts, nil
}

var _ Link = (*SimVehicle)(nil)

// SimVehicle is an in-process vehicle. All callbacks run on one dispatch
// goroutine, so reports reach their callbacks in the order they happened.
type SimVehicle struct {
	uri    URI
	opts   SimOptions
	clock  clock.WithTicker
	logger log.Logger
	start  time.Time

	events      chan func()
	quit        chan struct{}
	wg          sync.WaitGroup
	releaseOnce sync.Once

	mu        sync.Mutex
	released  bool
	params    map[string]string
	callbacks map[string][]core.ParamCallback
	blocks    map[string]*simBlock
	flying    bool
	x, y, z   float64
}

func NewSimVehicle(uri URI, opts SimOptions) *SimVehicle {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.MaxLogVariables <= 0 {
		opts.MaxLogVariables = 6
	}

	v := &SimVehicle{
		uri:       uri,
		opts:      opts,
		clock:     opts.Clock,
		logger:    log.WithName("sim").WithValues("uri", uri.String()),
		start:     opts.Clock.Now(),
		events:    make(chan func(), 256),
		quit:      make(chan struct{}),
		params:    make(map[string]string, len(opts.Params)),
		callbacks: make(map[string][]core.ParamCallback),
		blocks:    make(map[string]*simBlock),
	}
	for k, val := range opts.Params {
		v.params[k] = val
	}

	v.wg.Add(1)
	go v.dispatch()
	return v
}

func (v *SimVehicle) URI() string { return v.uri.String() }

func (v *SimVehicle) dispatch() {
	defer v.wg.Done()
	for {
		select {
		case fn := <-v.events:
			fn()
		case <-v.quit:
			return
		}
	}
}

func (v *SimVehicle) post(fn func()) {
	select {
	case v.events <- fn:
	case <-v.quit:
	}
}

// after runs fn on the dispatch goroutine once d has elapsed.
func (v *SimVehicle) after(d time.Duration, fn func()) {
	if d <= 0 {
		v.post(fn)
		return
	}

	v.mu.Lock()
	if v.released {
		v.mu.Unlock()
		return
	}
	v.wg.Add(1)
	v.mu.Unlock()

	go func() {
		defer v.wg.Done()
		t := v.clock.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C():
			v.post(fn)
		case <-v.quit:
		}
	}()
}

func (v *SimVehicle) OnParameterUpdate(group, name string, cb core.ParamCallback) error {
	key := group + "." + name

	v.mu.Lock()
	if v.released {
		v.mu.Unlock()
		return core.NewLinkError("subscribe "+key, ErrReleased)
	}
	v.callbacks[key] = append(v.callbacks[key], cb)
	_, known := v.params[key]
	v.mu.Unlock()

	if known {
		v.after(v.opts.ReportDelay, func() {
			v.mu.Lock()
			value := v.params[key]
			v.mu.Unlock()
			cb(key, value)
		})
	}
	return nil
}

func (v *SimVehicle) SetParameter(_ context.Context, group, name, value string) error {
	key := group + "." + name

	v.mu.Lock()
	if v.released {
		v.mu.Unlock()
		return core.NewLinkError("set "+key, ErrReleased)
	}
	v.params[key] = value
	v.mu.Unlock()

	if !v.opts.DropEchoes {
		v.post(func() { v.report(key, value) })
	}
	return nil
}

func (v *SimVehicle) report(key, value string) {
	v.mu.Lock()
	cbs := append([]core.ParamCallback(nil), v.callbacks[key]...)
	v.mu.Unlock()
	for _, cb := range cbs {
		cb(key, value)
	}
}

func (v *SimVehicle) AddLogConfig(_ context.Context, cfg core.LogConfig, handler core.SampleHandler) (core.LogBlock, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.released {
		return nil, core.NewLinkError("add log config", ErrReleased)
	}
	if len(cfg.Variables) > v.opts.MaxLogVariables {
		return nil, fmt.Errorf("log block %s: %d variables exceed the vehicle limit of %d",
			cfg.Name, len(cfg.Variables), v.opts.MaxLogVariables)
	}
	if _, ok := v.blocks[cfg.Name]; ok {
		return nil, fmt.Errorf("log block %s already exists", cfg.Name)
	}
	b := &simBlock{vehicle: v, cfg: cfg, handler: handler}
	v.blocks[cfg.Name] = b
	return b, nil
}

func (v *SimVehicle) Release(context.Context) error {
	v.releaseOnce.Do(func() {
		v.mu.Lock()
		v.released = true
		v.mu.Unlock()

		close(v.quit)
		v.wg.Wait()
		v.logger.Info("Simulated vehicle released")
	})
	return nil
}

func (v *SimVehicle) TakeOff(_ context.Context, height float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.released {
		return core.NewLinkError("take off", ErrReleased)
	}
	v.flying, v.z = true, height
	return nil
}

func (v *SimVehicle) Forward(_ context.Context, distance float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.released {
		return core.NewLinkError("forward", ErrReleased)
	}
	if !v.flying {
		return errors.New("forward: vehicle is not flying")
	}
	v.x += distance
	return nil
}

func (v *SimVehicle) Stop(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.released {
		return core.NewLinkError("stop", ErrReleased)
	}
	return nil
}

func (v *SimVehicle) Land(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.released {
		return core.NewLinkError("land", ErrReleased)
	}
	v.flying, v.z = false, 0
	return nil
}

// sample reads the logged variables from the simulated state.
func (v *SimVehicle) sample(vars []core.Variable) core.Sample {
	v.mu.Lock()
	defer v.mu.Unlock()

	values := make(map[string]float64, len(vars))
	for _, variable := range vars {
		switch variable.Name {
		case "stateEstimate.x":
			values[variable.Name] = v.x
		case "stateEstimate.y":
			values[variable.Name] = v.y
		case "stateEstimate.z":
			values[variable.Name] = v.z
		case "range.zrange":
			values[variable.Name] = v.z * 1000
		default:
			values[variable.Name] = 0
		}
	}
	return core.Sample{
		Timestamp: v.clock.Since(v.start).Milliseconds(),
		Values:    values,
	}
}

type simBlock struct {
	vehicle *SimVehicle
	cfg     core.LogConfig
	handler core.SampleHandler

	mu   sync.Mutex
	stop chan struct{}
}

func (b *simBlock) Start(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stop != nil {
		return fmt.Errorf("log block %s already started", b.cfg.Name)
	}

	v := b.vehicle
	v.mu.Lock()
	released := v.released
	if !released {
		v.wg.Add(1)
	}
	v.mu.Unlock()
	if released {
		return core.NewLinkError("start log "+b.cfg.Name, ErrReleased)
	}

	stop := make(chan struct{})
	b.stop = stop
	go func() {
		defer v.wg.Done()
		ticker := v.clock.NewTicker(b.cfg.Period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				s := v.sample(b.cfg.Variables)
				v.post(func() { b.handler(s) })
			case <-stop:
				return
			case <-v.quit:
				return
			}
		}
	}()
	return nil
}

func (b *simBlock) Stop(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stop == nil {
		return nil
	}
	select {
	case <-b.stop:
	default:
		close(b.stop)
	}
	return nil
}
