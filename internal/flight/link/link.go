// Package link opens connections to a vehicle, either through an MQTT radio
// bridge or to an in-process simulated vehicle.
package link

import (
	"context"
	"fmt"

	"github.com/autopeer-io/flightgate/internal/flight/core"
	"github.com/autopeer-io/flightgate/pkg/mqtt"
)

// Deps carries what the link implementations need besides the URI.
type Deps struct {
	// MQTT is the bridge client. It must be started by the caller.
	MQTT      mqtt.Client
	TopicRoot string

	// Sim configures simulated vehicles; nil means SimOptionsFromURI.
	Sim *SimOptions
}

// Link is a connection that also accepts flight commands.
type Link interface {
	core.Connection
	core.Commander
}

// Open returns a connection for raw. Radio and USB vehicles are reached
// through the bridge; sim vehicles run in-process.
func Open(ctx context.Context, raw string, deps Deps) (Link, error) {
	uri, err := ParseURI(raw)
	if err != nil {
		return nil, err
	}

	switch uri.Scheme {
	case SchemeSim:
		opts := deps.Sim
		if opts == nil {
			o, err := SimOptionsFromURI(uri)
			if err != nil {
				return nil, err
			}
			opts = &o
		}
		return NewSimVehicle(uri, *opts), nil
	default:
		if deps.MQTT == nil {
			return nil, fmt.Errorf("%w: %s requires an mqtt bridge client", core.ErrConfiguration, uri)
		}
		return NewBridge(ctx, uri, deps.MQTT, deps.TopicRoot)
	}
}
