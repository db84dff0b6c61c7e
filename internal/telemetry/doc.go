// Package telemetry samples the printer snapshot at a fixed rate.
//
// Samples feed the in-memory TemperatureStore, which backs the temperature
// history clients chart on connect, and optionally an InfluxDB sink for long
// term storage.
package telemetry
