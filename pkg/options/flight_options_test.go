package options

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestFlightOptionsDefaultsAreValid(t *testing.T) {
	if errs := NewFlightOptions().Validate(); len(errs) != 0 {
		t.Fatalf("default options rejected: %v", errs)
	}
}

func TestFlightOptionsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(o *FlightOptions)
		want   int
	}{
		{"negative height", func(o *FlightOptions) { o.Height = -1 }, 1},
		{"no capabilities", func(o *FlightOptions) { o.Capabilities = nil }, 1},
		{"zero readiness timeout", func(o *FlightOptions) { o.ReadinessTimeout = 0 }, 1},
		{"tune without ack timeout", func(o *FlightOptions) { o.Tune = true; o.AckTimeout = 0 }, 1},
		{"ack timeout ignored without tune", func(o *FlightOptions) { o.AckTimeout = 0 }, 0},
		{"archive without record file", func(o *FlightOptions) { o.Archive = true }, 1},
		{"sub-millisecond period", func(o *FlightOptions) { o.LogPeriod = time.Microsecond }, 1},
		{"period off the 10ms grid", func(o *FlightOptions) { o.LogPeriod = 15 * time.Millisecond }, 1},
		{"period too long", func(o *FlightOptions) { o.LogPeriod = 3 * time.Second }, 1},
		{"unknown preset", func(o *FlightOptions) { o.Preset = "acrobatic" }, 1},
		{"slowest period", func(o *FlightOptions) { o.LogPeriod = 2550 * time.Millisecond }, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewFlightOptions()
			tt.mutate(o)
			if got := len(o.Validate()); got != tt.want {
				t.Errorf("Validate() returned %d errors, want %d", got, tt.want)
			}
		})
	}
}

func TestFlightOptionsApplyPreset(t *testing.T) {
	tests := []struct {
		preset     string
		wantCaps   []string
		wantTune   bool
		wantHeight float64
		wantVars   []string
		wantErr    bool
	}{
		{"", []string{"flow"}, false, 0.6, plainLogVariables, false},
		{PresetPlain, []string{"flow"}, false, 0.6, plainLogVariables, false},
		{
			PresetMultiranger, []string{"flow", "multiranger"}, true, 1.1,
			[]string{"stateEstimate.z:float", "kalman.stateF:float", "kalman.stateR:float", "kalman.tofdf:float"},
			false,
		},
		{"acrobatic", nil, false, 0, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.preset, func(t *testing.T) {
			o := NewFlightOptions()
			o.Preset = tt.preset
			err := o.ApplyPreset()
			if (err != nil) != tt.wantErr {
				t.Fatalf("ApplyPreset() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if strings.Join(o.Capabilities, ",") != strings.Join(tt.wantCaps, ",") {
				t.Errorf("Capabilities = %v, want %v", o.Capabilities, tt.wantCaps)
			}
			if o.Tune != tt.wantTune {
				t.Errorf("Tune = %v, want %v", o.Tune, tt.wantTune)
			}
			if o.Height != tt.wantHeight {
				t.Errorf("Height = %v, want %v", o.Height, tt.wantHeight)
			}
			if strings.Join(o.LogVariables, ",") != strings.Join(tt.wantVars, ",") {
				t.Errorf("LogVariables = %v, want %v", o.LogVariables, tt.wantVars)
			}
			if errs := o.Validate(); len(errs) != 0 {
				t.Errorf("preset options rejected: %v", errs)
			}
		})
	}
}

func TestFlightOptionsPresetKeepsExplicitFlags(t *testing.T) {
	o := NewFlightOptions()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	o.AddFlags(fs)

	args := []string{"--flight.preset=multiranger", "--flight.height=1.5", "--flight.log-variables=stateEstimate.z:float"}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := o.ApplyPreset(); err != nil {
		t.Fatalf("ApplyPreset: %v", err)
	}

	if o.Height != 1.5 {
		t.Errorf("Height = %v, want the explicit 1.5", o.Height)
	}
	if len(o.LogVariables) != 1 || o.LogVariables[0] != "stateEstimate.z:float" {
		t.Errorf("LogVariables = %v, want the explicit list", o.LogVariables)
	}
	if !o.Tune || len(o.Capabilities) != 2 {
		t.Errorf("preset not applied: tune=%v capabilities=%v", o.Tune, o.Capabilities)
	}
}

func TestFlightOptionsFlags(t *testing.T) {
	o := NewFlightOptions()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	o.AddFlags(fs)

	args := []string{
		"--flight.height=1.1",
		"--flight.capabilities=flow,multiranger",
		"--flight.tune",
		"--flight.log-variables=stateEstimate.z:float,kalman.stateF:float",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if o.Height != 1.1 {
		t.Errorf("Height = %v", o.Height)
	}
	if len(o.Capabilities) != 2 || o.Capabilities[1] != "multiranger" {
		t.Errorf("Capabilities = %v", o.Capabilities)
	}
	if !o.Tune {
		t.Error("Tune not set")
	}
	if len(o.LogVariables) != 2 {
		t.Errorf("LogVariables = %v", o.LogVariables)
	}
}

func TestValidateAddress(t *testing.T) {
	for addr, ok := range map[string]bool{
		"0.0.0.0:9090": true,
		":8080":        true,
		"localhost":    false,
		"host:99999":   false,
	} {
		if err := ValidateAddress(addr); (err == nil) != ok {
			t.Errorf("ValidateAddress(%q) = %v", addr, err)
		}
	}
}
