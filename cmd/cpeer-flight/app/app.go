package app

import (
	"fmt"

	genericapiserver "k8s.io/apiserver/pkg/server"

	"github.com/autopeer-io/flightgate/cmd/cpeer-flight/app/options"
	"github.com/autopeer-io/flightgate/pkg/app"
	"github.com/autopeer-io/flightgate/pkg/log"
)

const (
	commandName = "cpeer-flight"
	commandDesc = `cpeer-flight flies one bounded session: it waits until the vehicle
confirms the required expansion decks, optionally tunes a height-dependent
parameter, logs telemetry around a short forward maneuver and always releases
the vehicle before exiting.

Exit status is 0 on success, 1 when the vehicle never became ready and 2 on
any other failure.`
)

func NewApp() *app.App {
	opts := options.NewFlightAgentOptions()
	application := app.NewApp(
		commandName,
		"Fly a single gated session",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithDefaultValidArgs(),
		app.WithRunFunc(run(opts)),
	)
	return application
}

func run(opts *options.FlightAgentOptions) app.RunFunc {
	return func() error {
		ctx := genericapiserver.SetupSignalContext()
		log.Init(opts.Log)

		cfg, err := opts.Config()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		agent, err := cfg.NewAgent()
		if err != nil {
			return fmt.Errorf("failed to create agent: %w", err)
		}

		return agent.Run(ctx)
	}
}
