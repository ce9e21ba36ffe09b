package flightagent

import (
	"fmt"
	"io"
	"os"

	"github.com/autopeer-io/flightgate/internal/flight/core"
	"github.com/autopeer-io/flightgate/internal/flight/link"
	"github.com/autopeer-io/flightgate/internal/flight/motion"
	"github.com/autopeer-io/flightgate/internal/flight/param"
	"github.com/autopeer-io/flightgate/internal/flight/session"
	"github.com/autopeer-io/flightgate/internal/flight/storage"
	"github.com/autopeer-io/flightgate/internal/pkg/mqtt/paths"
	"github.com/autopeer-io/flightgate/pkg/mqtt"
	mqtttopic "github.com/autopeer-io/flightgate/pkg/mqtt/topic"
	"github.com/autopeer-io/flightgate/pkg/options"
)

type Config struct {
	FlightOptions *options.FlightOptions
	MqttOptions   *options.MqttOptions
	S3Options     *options.S3Options
	HttpOptions   *options.HttpOptions

	// Out receives the end-of-session summary. Defaults to stdout.
	Out io.Writer
}

func (cfg *Config) NewAgent() (*Agent, error) {
	fo := cfg.FlightOptions
	if fo == nil {
		return nil, fmt.Errorf("%w: flight options are required", core.ErrConfiguration)
	}

	raw := link.URIFromEnv(fo.URI)
	uri, err := link.ParseURI(raw)
	if err != nil {
		return nil, err
	}

	sc, err := cfg.sessionConfig()
	if err != nil {
		return nil, err
	}

	a := &Agent{
		uri:        uri,
		session:    sc,
		recordFile: fo.RecordFile,
		out:        cfg.Out,
	}
	if a.out == nil {
		a.out = os.Stdout
	}

	if uri.Scheme != link.SchemeSim {
		if cfg.MqttOptions == nil {
			return nil, fmt.Errorf("%w: %s needs mqtt options", core.ErrConfiguration, uri)
		}
		a.topicRoot = cfg.MqttOptions.TopicRoot
		if a.mqtt, err = cfg.initMqttClient(uri); err != nil {
			return nil, fmt.Errorf("failed to init mqtt client: %w", err)
		}
	}

	if fo.Archive {
		if cfg.S3Options == nil {
			return nil, fmt.Errorf("%w: archiving needs s3 options", core.ErrConfiguration)
		}
		if a.storage, err = storage.NewMinIOProvider(cfg.S3Options); err != nil {
			return nil, fmt.Errorf("failed to init object storage: %w", err)
		}
	}

	if cfg.HttpOptions != nil && cfg.HttpOptions.Addr != "" {
		a.httpOptions = cfg.HttpOptions
	}

	return a, nil
}

// sessionConfig translates the flight options into a session description.
// Observers are added per run by the agent.
func (cfg *Config) sessionConfig() (session.Config, error) {
	fo := cfg.FlightOptions

	maneuver := motion.NewForwardAndStop()
	maneuver.Distance = fo.ForwardDistance
	maneuver.Settle = fo.Settle

	sc := session.Config{
		ReadinessTimeout: fo.ReadinessTimeout,
		MaxLogVariables:  fo.MaxLogVariables,
		TargetHeight:     fo.Height,
		Executor:         maneuver,
	}

	for _, s := range fo.Capabilities {
		c, err := core.ParseCapability(s, true)
		if err != nil {
			return sc, err
		}
		sc.Capabilities = append(sc.Capabilities, c)
	}
	for _, s := range fo.OptionalCapabilities {
		c, err := core.ParseCapability(s, false)
		if err != nil {
			return sc, err
		}
		sc.Capabilities = append(sc.Capabilities, c)
	}

	if fo.Tune {
		group, name, err := param.SplitName(fo.TuneParam)
		if err != nil {
			return sc, err
		}
		sc.Tuning = &session.Tuning{
			Group:            group,
			Name:             name,
			Policy:           param.DefaultDetectionFactorPolicy(),
			AckTimeout:       fo.AckTimeout,
			FailOnAckTimeout: fo.AckTimeoutFatal,
		}
	}

	sc.Telemetry = core.LogConfig{Name: fo.LogName, Period: fo.LogPeriod}
	for _, s := range fo.LogVariables {
		v, err := core.ParseVariable(s)
		if err != nil {
			return sc, err
		}
		sc.Telemetry.Variables = append(sc.Telemetry.Variables, v)
	}

	return sc, nil
}

func (cfg *Config) initMqttClient(uri link.URI) (mqtt.Client, error) {
	topicBuilder := mqtttopic.NewBuilder(cfg.MqttOptions.TopicRoot)
	did := uri.DeviceID()

	mqttConfig := cfg.MqttOptions.ToClientConfig()
	if mqttConfig.ClientID == "" {
		mqttConfig.ClientID = fmt.Sprintf("cpeer-flight-%s", did)
	}

	// The bridge closes the radio if the agent dies mid-session.
	willPayload, err := link.Encode(map[string]any{"reason": "UnexpectedDisconnect"})
	if err != nil {
		return nil, err
	}
	mqttConfig.WillTopic = topicBuilder.Build(paths.Release, did)
	mqttConfig.WillPayload = willPayload
	mqttConfig.WillQoS = 1

	return mqtt.NewClient(mqttConfig)
}
