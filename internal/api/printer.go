package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/nerrad567/printbridge/internal/command"
	"github.com/nerrad567/printbridge/internal/device"
)

// moonrakerAPIVersion is the Moonraker API level clients negotiate against.
var moonrakerAPIVersion = []int{1, 5, 0}

func (s *Server) snapshot() *device.State {
	snap := s.hub.CurrentSnapshot()
	if snap == nil {
		return device.NewState()
	}
	return snap
}

// components lists the optional Moonraker components that are available.
func (s *Server) components() []string {
	comps := []string{"websockets", "data_store"}
	if s.files != nil {
		comps = append(comps, "file_manager")
	}
	if s.history != nil {
		comps = append(comps, "history")
	}
	if s.database != nil {
		comps = append(comps, "database")
	}
	return comps
}

func (s *Server) serverInfo(_ context.Context, _ args) (any, error) {
	klippy, _ := klippyState(s.snapshot().ConnectionStatus)
	dirs := []string{}
	if s.files != nil {
		dirs = append(dirs, rootGcodes)
	}
	return map[string]any{
		"klippy_connected":       klippy != "shutdown",
		"klippy_state":           klippy,
		"components":             s.components(),
		"failed_components":      []string{},
		"registered_directories": dirs,
		"warnings":               []string{},
		"websocket_count":        s.ws.clientCount(),
		"moonraker_version":      s.version,
		"api_version":            moonrakerAPIVersion,
		"api_version_string":     fmt.Sprintf("%d.%d.%d", moonrakerAPIVersion[0], moonrakerAPIVersion[1], moonrakerAPIVersion[2]),
	}, nil
}

func (s *Server) printerInfo(_ context.Context, _ args) (any, error) {
	klippy, message := klippyState(s.snapshot().ConnectionStatus)
	caps := s.commands.Capabilities()
	return map[string]any{
		"state":            klippy,
		"state_message":    message,
		"hostname":         s.printer.Host,
		"software_version": "printbridge-" + s.version,
		"cpu_info":         caps.Model,
		"model":            caps.Model,
		"klipper_path":     "",
		"python_path":      "",
		"log_file":         "",
		"config_file":      "",
	}, nil
}

func (s *Server) objectsList(_ context.Context, _ args) (any, error) {
	return map[string]any{"objects": newObjectModel(s.commands).names()}, nil
}

func (s *Server) currentStatus() status {
	return newObjectModel(s.commands).status(s.snapshot(), s.clock.Now())
}

func (s *Server) objectsQuery(_ context.Context, a args) (any, error) {
	q, err := decodeObjectQuery([]byte(a.Get("objects").Raw))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"eventtime": s.eventTime(),
		"status":    s.currentStatus().pick(q),
	}, nil
}

// submit sends req and maps a failed send onto an error.
func (s *Server) submit(ctx context.Context, req command.Request) (command.Pending, error) {
	p, err := s.commands.Submit(ctx, req)
	if err != nil {
		s.logger.Warn("command rejected", "kind", req.Kind, "error", err)
		return p, err
	}
	s.logger.Info("command submitted", "id", p.ID, "kind", req.Kind)
	return p, nil
}

func (s *Server) printAction(kind command.Kind) operation {
	return func(ctx context.Context, _ args) (any, error) {
		if _, err := s.submit(ctx, command.Request{Kind: kind}); err != nil {
			return nil, err
		}
		return "ok", nil
	}
}

func (s *Server) printStart(ctx context.Context, a args) (any, error) {
	name, err := a.require("filename")
	if err != nil {
		return nil, err
	}
	name = strings.TrimPrefix(name, rootGcodes+"/")
	if _, err := s.submit(ctx, command.Request{Kind: command.KindStartPrint, Filename: name}); err != nil {
		return nil, err
	}
	return "ok", nil
}

// gcodeScript runs a console script. Each recognised line becomes its own
// command; the first failure stops the script.
func (s *Server) gcodeScript(ctx context.Context, a args) (any, error) {
	script, err := a.require("script")
	if err != nil {
		return nil, err
	}
	reqs, err := command.ParseScript(script, s.commands.Macros())
	if err != nil {
		return nil, err
	}
	for _, req := range reqs {
		if _, err := s.submit(ctx, req); err != nil {
			return nil, err
		}
	}
	return "ok", nil
}

// emptyResult answers methods that have nothing to report on this printer.
func emptyResult(result any) operation {
	return func(context.Context, args) (any, error) {
		return result, nil
	}
}

// handleObjectsQuery accepts the query-string object form in addition to
// the JSON one.
func (s *Server) handleObjectsQuery(w http.ResponseWriter, r *http.Request) {
	q, err := parseObjectQuery(r.URL.Query())
	if err != nil {
		writeResultError(w, err)
		return
	}
	writeResult(w, http.StatusOK, map[string]any{
		"eventtime": s.eventTime(),
		"status":    s.currentStatus().pick(q),
	})
}
