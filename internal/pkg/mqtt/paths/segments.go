package paths

// Topic segments of the radio bridge protocol.
// Every topic has the form {root}/{segment}/{deviceID}; the device ID is the
// address part of the vehicle URI.

// Downstream: flight agent -> bridge -> vehicle
const (
	// ParamSet requests a parameter change.
	// Payload: { "group": "kalman", "name": "detectionfactorFR", "value": "3.5" }
	ParamSet = "param/set"

	// LogConfig registers a telemetry block.
	// Payload: { "name": "Position", "periodMs": 10, "variables": [{"name": "...", "type": "float"}] }
	LogConfig = "log/config"

	// LogControl starts or stops a registered block.
	// Payload: { "name": "Position", "action": "start" | "stop" }
	LogControl = "log/control"

	// Motion carries high-level flight commands.
	// Payload: { "command": "takeoff" | "forward" | "stop" | "land", "value": 2.0 }
	Motion = "motion"

	// Release tells the bridge the session is over and the radio may be closed.
	Release = "link/release"
)

// Upstream: vehicle -> bridge -> flight agent
const (
	// ParamUpdate reports the current value of a parameter, both on refresh and
	// as the echo of a ParamSet.
	// Payload: { "group": "deck", "name": "bcFlow2", "value": "1" }
	ParamUpdate = "param/update"

	// LogData carries one telemetry sample.
	// Payload: { "name": "Position", "timestamp": 1234, "values": { "stateEstimate.z": 0.59 } }
	LogData = "log/data"

	// Status reports bridge-side errors for a device.
	// Payload: { "op": "log/config", "error": "..." }
	Status = "status"
)
