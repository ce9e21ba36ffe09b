package options

import (
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/flightgate/internal/flightagent"
	"github.com/autopeer-io/flightgate/pkg/app"
	"github.com/autopeer-io/flightgate/pkg/log"
	"github.com/autopeer-io/flightgate/pkg/options"
)

type FlightAgentOptions struct {
	FlightOptions *options.FlightOptions `json:"flight" mapstructure:"flight"`
	MqttOptions   *options.MqttOptions   `json:"mqtt" mapstructure:"mqtt"`
	S3Options     *options.S3Options     `json:"s3" mapstructure:"s3"`
	HttpOptions   *options.HttpOptions   `json:"http" mapstructure:"http"`
	Log           *log.Options           `json:"log" mapstructure:"log"`
}

var _ app.NamedFlagSetOptions = (*FlightAgentOptions)(nil)

func NewFlightAgentOptions() *FlightAgentOptions {
	o := &FlightAgentOptions{
		FlightOptions: options.NewFlightOptions(),
		MqttOptions:   options.NewMqttOptions(),
		S3Options:     options.NewS3Options(),
		HttpOptions:   options.NewHttpOptions(),
		Log:           log.NewOptions(),
	}

	return o
}

func (o *FlightAgentOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.FlightOptions.AddFlags(fss.FlagSet("flight"))
	o.MqttOptions.AddFlags(fss.FlagSet("mqtt"))
	o.S3Options.AddFlags(fss.FlagSet("s3"))
	o.HttpOptions.AddFlags(fss.FlagSet("http"))
	o.Log.AddFlags(fss.FlagSet("Log"))
	return fss
}

func (o *FlightAgentOptions) Complete() error {
	if o.Log.Name == "" {
		o.Log.Name = "cpeer-flight"
	}
	return o.FlightOptions.ApplyPreset()
}

func (o *FlightAgentOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.FlightOptions.Validate()...)
	errs = append(errs, o.MqttOptions.Validate()...)
	errs = append(errs, o.HttpOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	if o.FlightOptions.Archive {
		errs = append(errs, o.S3Options.Validate()...)
	}
	return utilerrors.NewAggregate(errs)
}

func (o *FlightAgentOptions) Config() (*flightagent.Config, error) {
	return &flightagent.Config{
		FlightOptions: o.FlightOptions,
		MqttOptions:   o.MqttOptions,
		S3Options:     o.S3Options,
		HttpOptions:   o.HttpOptions,
	}, nil
}
