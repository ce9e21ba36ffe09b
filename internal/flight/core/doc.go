// Package core holds the ports and shared types of a flight session: the
// Connection to one vehicle, the MotionExecutor that flies it, telemetry
// samples, capability flags and the error taxonomy every component reports
// through.
package core
