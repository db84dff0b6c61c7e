package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementTemperature = "printer_temperature"
	MeasurementFan         = "printer_fan"
	MeasurementJob         = "print_job"
)

// WriteTemperature records one zone reading of a printer.
//
// The write is non-blocking; points are batched and sent asynchronously.
//
// Example:
//
//	client.WriteTemperature("01S00A000000000", "nozzle", 219.8, 220, time.Now())
func (c *Client) WriteTemperature(serial, zone string, currentC, targetC float64, at time.Time) {
	c.WritePointWithTime(MeasurementTemperature,
		map[string]string{
			"serial": serial,
			"zone":   zone,
		},
		map[string]any{
			"current_c": currentC,
			"target_c":  targetC,
		},
		at,
	)
}

// WriteFan records a fan duty (0-255).
func (c *Client) WriteFan(serial, fan string, duty int, at time.Time) {
	c.WritePointWithTime(MeasurementFan,
		map[string]string{
			"serial": serial,
			"fan":    fan,
		},
		map[string]any{
			"duty": duty,
		},
		at,
	)
}

// WriteJob records the progress of the print in progress. The filename is a
// field rather than a tag to keep series cardinality bounded.
func (c *Client) WriteJob(serial, status, filename string, progress float64, layer, totalLayers int, at time.Time) {
	c.WritePointWithTime(MeasurementJob,
		map[string]string{
			"serial": serial,
			"status": status,
		},
		map[string]any{
			"filename":     filename,
			"progress":     progress,
			"layer":        layer,
			"total_layers": totalLayers,
		},
		at,
	)
}

// WritePoint writes a custom point timestamped now.
//
// Example:
//
//	client.WritePoint("bridge_stats",
//	    map[string]string{"serial": serial},
//	    map[string]any{"frames": 1024, "parse_errors": 3})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a custom point with a specific timestamp.
// It is a no-op once the client is closed.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
