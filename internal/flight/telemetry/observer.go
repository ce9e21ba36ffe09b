package telemetry

import (
	"github.com/autopeer-io/flightgate/internal/flight/core"
	"github.com/autopeer-io/flightgate/pkg/log"
)

// LogObserver writes one log line per sample.
func LogObserver(logger log.Logger) core.Observer {
	return core.ObserverFunc(func(timestamp int64, values map[string]float64) {
		logger.Info("Telemetry sample", "timestamp", timestamp, "values", values)
	})
}
