// Package metrics publishes printer state, command outcomes and bridge
// activity for Prometheus at /metrics.
package metrics
