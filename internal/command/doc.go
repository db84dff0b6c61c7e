// Package command translates abstract printer commands into native requests
// and tracks each one until its effect is seen.
//
// A Request names what the caller wants (pause, set the bed to 60 °C, run a
// macro). Submit validates it against the model's capabilities and the
// configured limits, sends the native messages and returns a Pending record.
// The Pending resolves when:
//
//   - the snapshot shows the expected effect (Observe, wired as a
//     device.Observer);
//   - the printer rejects the request (HandleAck);
//   - the deadline passes (Expire, driven by Run);
//   - a newer command targets the same field.
//
// Heater-off, macros and raw gcode cannot be confirmed from reports and are
// acknowledged once transmitted. Their Pending carries a Limitation saying so.
//
// ParseScript maps Klipper and Marlin gcode onto Requests so scripts from
// existing front ends get the same validation.
package command
