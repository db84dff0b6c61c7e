package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/printbridge/internal/command"
	"github.com/nerrad567/printbridge/internal/device"
)

var errNoTemperatures = unavailable("temperature store is not configured")

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Printer    string `json:"printer"`
	Revision   uint64 `json:"revision"`
	UptimeSecs int64  `json:"uptime_seconds"`
	WSClients  int    `json:"websocket_clients"`
}

// handleHealth reports the bridge and printer session state. It answers
// 200 whenever the bridge is running; the printer link is reported, not
// enforced.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.snapshot()
	status := "ok"
	if snap.ConnectionStatus != device.ConnectionConnected {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:     status,
		Version:    s.version,
		Printer:    string(snap.ConnectionStatus),
		Revision:   snap.Revision,
		UptimeSecs: int64(s.clock.Since(s.startTime).Seconds()),
		WSClients:  s.ws.clientCount(),
	})
}

// handleSnapshot returns the full printer state for polling clients.
func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"capabilities": s.commands.Capabilities(),
		"limits":       s.commands.Limits(),
		"macros":       s.commands.Macros().All(),
	})
}

// handleSubmitCommand accepts one abstract command. The response is 202
// because the command resolves later; poll GET /api/v1/commands/{id}.
func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	var req command.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON: "+err.Error())
		return
	}

	p, err := s.submit(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, p)
	case errors.Is(err, command.ErrValidation):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, command.ErrSendFailed):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"status":  http.StatusBadGateway,
			"code":    ErrCodeSendFailed,
			"message": err.Error(),
			"command": p,
		})
	default:
		s.logger.Error("command submission failed", "kind", req.Kind, "error", err)
		writeInternalError(w, "command submission failed")
	}
}

func (s *Server) handleListCommands(w http.ResponseWriter, _ *http.Request) {
	inFlight := s.commands.InFlight()
	if inFlight == nil {
		inFlight = []command.Pending{}
	}
	recent := s.commands.Recent()
	if recent == nil {
		recent = []command.Pending{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"in_flight": inFlight,
		"recent":    recent,
	})
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.commands.Get(id)
	if err != nil {
		if errors.Is(err, command.ErrNotFound) {
			writeNotFound(w, "command not found")
			return
		}
		writeInternalError(w, "failed to get command")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternal, "metrics are not enabled")
		return
	}
	s.metrics.ServeHTTP(w, r)
}

// temperatureStore returns the recorded history keyed by object name. A
// chamber sensor without a heater reports temperatures only.
func (s *Server) temperatureStore(_ context.Context, _ args) (any, error) {
	if s.temperatures == nil {
		return nil, errNoTemperatures
	}
	model := newObjectModel(s.commands)
	out := make(map[string]any)
	for z, series := range s.temperatures.History(0) {
		name := model.zoneObject(z)
		if name == "" {
			continue
		}
		entry := map[string]any{"temperatures": orEmpty(series.Temperatures)}
		if name != objChamberSensor {
			entry["targets"] = orEmpty(series.Targets)
			entry["powers"] = powers(series.Temperatures, series.Targets)
		}
		out[name] = entry
	}
	return out, nil
}

func orEmpty(v []float64) []float64 {
	if v == nil {
		return []float64{}
	}
	return v
}

func powers(temps, targets []float64) []float64 {
	out := make([]float64, len(temps))
	for i := range temps {
		if i < len(targets) {
			out[i] = power(device.Temperature{CurrentC: temps[i], TargetC: targets[i]})
		}
	}
	return out
}

// gcodeStore has no console history to replay.
func (s *Server) gcodeStore(context.Context, args) (any, error) {
	return map[string]any{"gcode_store": []any{}}, nil
}
