package options

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*FlightOptions)(nil)

// FlightOptions describes one bounded flight session: which vehicle to reach,
// what has to be confirmed before take-off, what to log and how to fly.
type FlightOptions struct {
	// Preset selects a canned flight; see ApplyPreset.
	Preset string `json:"preset" mapstructure:"preset"`

	// URI addresses the vehicle. Empty means CFLIB_URI, then the built-in default.
	URI string `json:"uri" mapstructure:"uri"`

	// Height is the target flight height in meters.
	Height float64 `json:"height" mapstructure:"height"`

	// Capabilities lists required capability flags, either well-known names
	// ("flow", "multiranger") or "name=group.param" pairs.
	Capabilities []string `json:"capabilities" mapstructure:"capabilities"`

	// OptionalCapabilities are subscribed and reported but never block take-off.
	OptionalCapabilities []string `json:"optional-capabilities" mapstructure:"optional-capabilities"`

	ReadinessTimeout time.Duration `json:"readiness-timeout" mapstructure:"readiness-timeout"`

	// Tune enables the parameter step that maps Height to TuneParam.
	Tune            bool          `json:"tune" mapstructure:"tune"`
	TuneParam       string        `json:"tune-param" mapstructure:"tune-param"`
	AckTimeout      time.Duration `json:"ack-timeout" mapstructure:"ack-timeout"`
	AckTimeoutFatal bool          `json:"ack-timeout-fatal" mapstructure:"ack-timeout-fatal"`

	LogName         string        `json:"log-name" mapstructure:"log-name"`
	LogPeriod       time.Duration `json:"log-period" mapstructure:"log-period"`
	LogVariables    []string      `json:"log-variables" mapstructure:"log-variables"`
	MaxLogVariables int           `json:"max-log-variables" mapstructure:"max-log-variables"`

	ForwardDistance float64       `json:"forward-distance" mapstructure:"forward-distance"`
	Settle          time.Duration `json:"settle" mapstructure:"settle"`

	// RecordFile receives the telemetry of the session as JSON lines. Empty disables it.
	RecordFile string `json:"record-file" mapstructure:"record-file"`

	// Archive uploads the recording to the configured object store.
	Archive bool `json:"archive" mapstructure:"archive"`

	// fs is the flag set from AddFlags; presets keep values given there.
	fs *pflag.FlagSet
}

// Flight presets.
const (
	// PresetPlain flies with the flow deck only and no tuning.
	PresetPlain = "plain"
	// PresetMultiranger also requires the multiranger deck and tunes the
	// kalman detection factor for the target height.
	PresetMultiranger = "multiranger"
)

// Preset flight heights and telemetry.
var (
	plainHeight       = 0.6
	multirangerHeight = 1.1

	plainLogVariables = []string{
		"stateEstimate.z:float",
		"kalman.tofsensorpreF:float",
		"kalman.tofsensormeaF:float",
		"kalman.toferrorF:float",
		"kalman.tofthresF:float",
	}
	multirangerLogVariables = []string{
		"stateEstimate.z:float",
		"kalman.stateF:float",
		"kalman.stateR:float",
		"kalman.tofdf:float",
	}
)

// NewFlightOptions returns the plain flow-deck flight: 0.6m, no tuning.
func NewFlightOptions() *FlightOptions {
	return &FlightOptions{
		Height:           plainHeight,
		Capabilities:     []string{"flow"},
		ReadinessTimeout: 5 * time.Second,
		TuneParam:        "kalman.detectionfactorFR",
		AckTimeout:       2 * time.Second,
		LogName:          "Position",
		LogPeriod:        10 * time.Millisecond,
		LogVariables:     append([]string(nil), plainLogVariables...),
		MaxLogVariables:  6,
		ForwardDistance:  2.0,
		Settle:           time.Second,
	}
}

// ApplyPreset overwrites the capabilities and tuning switch with those of
// the selected preset. Height and telemetry variables follow the preset
// unless they were set on the flag set. An empty preset leaves the options
// untouched.
func (o *FlightOptions) ApplyPreset() error {
	var (
		height float64
		vars   []string
	)
	switch o.Preset {
	case "":
		return nil
	case PresetPlain:
		o.Capabilities = []string{"flow"}
		o.Tune = false
		height, vars = plainHeight, plainLogVariables
	case PresetMultiranger:
		o.Capabilities = []string{"flow", "multiranger"}
		o.Tune = true
		height, vars = multirangerHeight, multirangerLogVariables
	default:
		return fmt.Errorf("--flight.preset must be %q or %q, got %q", PresetPlain, PresetMultiranger, o.Preset)
	}

	if !o.changed("flight.height") {
		o.Height = height
	}
	if !o.changed("flight.log-variables") {
		o.LogVariables = append([]string(nil), vars...)
	}
	return nil
}

func (o *FlightOptions) changed(name string) bool {
	return o.fs != nil && o.fs.Changed(name)
}

func (o *FlightOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errs := []error{}

	switch o.Preset {
	case "", PresetPlain, PresetMultiranger:
	default:
		errs = append(errs, fmt.Errorf("--flight.preset must be %q or %q, got %q", PresetPlain, PresetMultiranger, o.Preset))
	}

	if o.Height <= 0 {
		errs = append(errs, fmt.Errorf("--flight.height must be positive, got %v", o.Height))
	}
	if len(o.Capabilities) == 0 {
		errs = append(errs, errors.New("--flight.capabilities must name at least one required capability"))
	}
	if o.ReadinessTimeout <= 0 {
		errs = append(errs, errors.New("--flight.readiness-timeout must be positive"))
	}
	if o.Tune && o.AckTimeout <= 0 {
		errs = append(errs, errors.New("--flight.ack-timeout must be positive when tuning is enabled"))
	}
	if o.LogPeriod < 10*time.Millisecond || o.LogPeriod > 2550*time.Millisecond || o.LogPeriod%(10*time.Millisecond) != 0 {
		errs = append(errs, fmt.Errorf("--flight.log-period must be a multiple of 10ms between 10ms and 2.55s, got %s", o.LogPeriod))
	}
	if o.MaxLogVariables <= 0 {
		errs = append(errs, errors.New("--flight.max-log-variables must be positive"))
	}
	if o.ForwardDistance < 0 {
		errs = append(errs, errors.New("--flight.forward-distance must not be negative"))
	}
	if o.Archive && o.RecordFile == "" {
		errs = append(errs, errors.New("--flight.archive requires --flight.record-file"))
	}

	return errs
}

func (o *FlightOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	o.fs = fs
	fs.StringVar(&o.Preset, "flight.preset", o.Preset, "Canned flight: plain (flow deck) or multiranger (flow and multiranger decks, tuned detection factor). Overrides capabilities and tune; sets height and log variables unless given.")
	fs.StringVar(&o.URI, "flight.uri", o.URI, "Vehicle URI (scheme://interface/channel/rate/address). Defaults to $CFLIB_URI, then radio://0/80/2M/E7E7E7E7E7.")
	fs.Float64Var(&o.Height, "flight.height", o.Height, "Target flight height in meters.")
	fs.StringSliceVar(&o.Capabilities, "flight.capabilities", o.Capabilities, "Required capabilities: flow, multiranger or name=group.param.")
	fs.StringSliceVar(&o.OptionalCapabilities, "flight.optional-capabilities", o.OptionalCapabilities, "Capabilities that are reported but do not gate take-off.")
	fs.DurationVar(&o.ReadinessTimeout, "flight.readiness-timeout", o.ReadinessTimeout, "How long to wait for all required capabilities.")

	fs.BoolVar(&o.Tune, "flight.tune", o.Tune, "Tune a height-dependent parameter before take-off.")
	fs.StringVar(&o.TuneParam, "flight.tune-param", o.TuneParam, "Parameter (group.name) receiving the height-mapped factor.")
	fs.DurationVar(&o.AckTimeout, "flight.ack-timeout", o.AckTimeout, "How long to wait for the parameter acknowledgement.")
	fs.BoolVar(&o.AckTimeoutFatal, "flight.ack-timeout-fatal", o.AckTimeoutFatal, "Abort the session when the parameter acknowledgement times out instead of warning.")

	fs.StringVar(&o.LogName, "flight.log-name", o.LogName, "Name of the telemetry log configuration.")
	fs.DurationVar(&o.LogPeriod, "flight.log-period", o.LogPeriod, "Telemetry sampling period.")
	fs.StringSliceVar(&o.LogVariables, "flight.log-variables", o.LogVariables, "Telemetry variables as name:type.")
	fs.IntVar(&o.MaxLogVariables, "flight.max-log-variables", o.MaxLogVariables, "Maximum number of variables the vehicle can log at once.")

	fs.Float64Var(&o.ForwardDistance, "flight.forward-distance", o.ForwardDistance, "Distance flown forward in meters.")
	fs.DurationVar(&o.Settle, "flight.settle", o.Settle, "Hover time before and after the forward leg.")

	fs.StringVar(&o.RecordFile, "flight.record-file", o.RecordFile, "Write telemetry samples to this file as JSON lines.")
	fs.BoolVar(&o.Archive, "flight.archive", o.Archive, "Upload the recording to the object store after the session.")
}
