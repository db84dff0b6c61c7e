// Package influxdb writes printer telemetry to InfluxDB 2.x.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched non-blocking writes and health monitoring. The
// telemetry sampler is the only writer: temperatures, fan duties and job
// progress, each tagged with the printer serial.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry export is off
//	}
//	defer client.Close()
//
//	client.WriteTemperature(serial, "bed", 59.5, 60, time.Now())
//
// # Error Handling
//
// Write operations are non-blocking; batch errors are delivered to the
// callback registered with SetOnError. Connection and health check errors
// are returned directly.
//
// # Performance
//
// Writes are batched according to config.yaml settings (batch_size,
// flush_interval).
package influxdb
