// Package mqtt provides the printer's MQTT session for printbridge.
//
// This package manages:
//   - One supervised TLS session to the printer's embedded broker
//   - Reconnection with exponential backoff and jitter (1s to 30s by default)
//   - Subscription tracking and restoration after reconnect
//   - A single-use inbound frame stream that interleaves status transitions
//     with data
//
// # Architecture
//
// The printer exposes an MQTT broker on port 8883. Reports arrive on
// device/{serial}/report and commands are published to
// device/{serial}/request.
//
//	printer broker ↔ Client.supervise ↔ Stream consumer (bridge)
//
// Paho's built-in reconnect is disabled so that the supervisor alone decides
// when to retry and can hook the initial sync into every fresh session.
//
// # Security Considerations
//
//   - The printer presents a self-signed certificate; verification is
//     skipped when mqtt.insecure_skip_verify is set (the default)
//   - The access code is the MQTT password and must never be logged
//
// # Usage
//
//	client, err := mqtt.Connect(ctx, cfg.Printer, cfg.MQTT, mqtt.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	frames, err := client.Stream("device/" + serial + "/report")
//	for f := range frames {
//	    // status frames have f.StatusChange set
//	}
package mqtt
