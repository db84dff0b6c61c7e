// Package bambu implements the Bambu LAN protocol bridge.
//
// The printer publishes JSON status reports on device/{serial}/report and
// accepts commands on device/{serial}/request over a TLS MQTT session. This
// package owns both directions:
//
//	┌──────────┐  report   ┌─────────────┐  Event  ┌────────────┐
//	│ Printer  │──────────►│   Bridge    │────────►│ Reconciler │
//	│  (MQTT)  │◄──────────│ (this pkg)  │         └────────────┘
//	└──────────┘  request  └─────────────┘
//
// # Normalisation
//
// Normalize turns one report into a device.Event. It is tolerant of the
// firmware's habits: numbers sent as strings, fields that come and go
// between frames, fan speeds on a 0-15 scale. Only push_status reports carry
// an ordering sequence; everything else is applied last-write-wins.
//
// # Requests
//
// Message values describe native requests. Bridge.Send stamps each with a
// fresh sequence_id and publishes it. The printer echoes that id in its
// acknowledgement, which the bridge routes to the registered AckHandler.
//
// # Liveness
//
// After every (re)connect the bridge asks for a full report (pushall) and the
// module versions. If a connected printer goes silent for StaleAfter, the
// session is marked degraded and the full report is requested again.
//
// # Models
//
// CapabilitiesFor maps a model name to the features it has, such as a
// chamber heater or auxiliary fans.
package bambu
