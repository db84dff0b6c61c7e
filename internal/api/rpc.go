package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nerrad567/printbridge/internal/command"
)

// rpcTimeout bounds one JSON-RPC call.
const rpcTimeout = 30 * time.Second

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcMethods maps JSON-RPC method names onto the shared operations.
func (s *Server) rpcMethods() map[string]operation {
	return map[string]operation{
		"server.info":                 s.serverInfo,
		"server.config":               emptyResult(map[string]any{"config": map[string]any{}}),
		"server.temperature_store":    s.temperatureStore,
		"server.gcode_store":          s.gcodeStore,
		"server.files.list":           s.fileList,
		"server.files.roots":          s.fileRoots,
		"server.files.get_directory":  s.fileDirectory,
		"server.files.delete_file":    s.fileDelete,
		"server.history.list":         s.historyList,
		"server.history.totals":       s.historyTotals,
		"server.history.get_job":      s.historyGetJob,
		"server.history.delete_job":   s.historyDeleteJob,
		"server.database.list":        s.databaseList,
		"server.database.get_item":    s.databaseGet,
		"server.database.post_item":   s.databasePost,
		"server.database.delete_item": s.databaseDelete,
		"printer.info":                s.printerInfo,
		"printer.objects.list":        s.objectsList,
		"printer.objects.query":       s.objectsQuery,
		"printer.print.pause":         s.printAction(command.KindPause),
		"printer.print.resume":        s.printAction(command.KindResume),
		"printer.print.cancel":        s.printAction(command.KindCancel),
		"printer.print.start":         s.printStart,
		"printer.gcode.script":        s.gcodeScript,
		"printer.gcode.help":          s.gcodeHelp,
		"access.oneshot_token":        s.oneshotToken,
		"machine.system_info":         emptyResult(map[string]any{"system_info": map[string]any{}}),
		"server.webcams.list":         emptyResult(map[string]any{"webcams": []any{}}),
		"server.announcements.list":   emptyResult(map[string]any{"entries": []any{}, "feeds": []any{}}),
		"machine.update.status":       emptyResult(map[string]any{"busy": false, "version_info": map[string]any{}}),
		"server.job_queue.status":     emptyResult(map[string]any{"queued_jobs": []any{}, "queue_state": "ready"}),
		"machine.proc_stats":          emptyResult(map[string]any{"moonraker_stats": []any{}, "throttled_state": map[string]any{}}),
		"server.files.metadata":       emptyResult(map[string]any{}),
	}
}

func (s *Server) gcodeHelp(context.Context, args) (any, error) {
	help := make(map[string]string)
	for _, m := range s.commands.Macros().All() {
		help[m.Name] = m.Description
	}
	return help, nil
}

func (s *Server) oneshotToken(context.Context, args) (any, error) {
	return s.tokens.issue()
}

// handleMessage answers one JSON-RPC frame. It returns nil for
// notifications, which get no reply.
func (c *wsClient) handleMessage(data []byte) []byte {
	var req rpcRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return encodeResponse(rpcResponse{
			ID:    json.RawMessage("null"),
			Error: &rpcError{Code: rpcParseError, Message: "parse error"},
		})
	}

	resp := rpcResponse{ID: req.ID}
	result, err := c.call(req)
	switch {
	case err != nil:
		resp.Error = toRPCError(err)
	case result == nil:
		resp.Result = "ok"
	default:
		resp.Result = result
	}

	if isNotification(req.ID) {
		return nil
	}
	return encodeResponse(resp)
}

func (c *wsClient) call(req rpcRequest) (any, error) {
	if req.Method == "" {
		return nil, &rpcError{Code: rpcInvalidRequest, Message: "missing method"}
	}
	a, err := rpcArgs(req.Params)
	if err != nil {
		return nil, &rpcError{Code: rpcInvalidParams, Message: err.Error()}
	}

	s := c.server
	switch req.Method {
	case "printer.objects.subscribe":
		q, err := decodeObjectQuery([]byte(a.Get("objects").Raw))
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"eventtime": s.eventTime(),
			"status":    c.subscribe(q, s.currentStatus()),
		}, nil
	case "server.connection.identify":
		c.mu.Lock()
		c.identity = map[string]any{
			"client_name": a.str("client_name"),
			"version":     a.str("version"),
			"type":        a.str("type"),
			"url":         a.str("url"),
		}
		c.mu.Unlock()
		s.logger.Info("websocket client identified", "connection_id", c.id, "client", a.str("client_name"), "version", a.str("version"))
		return map[string]any{"connection_id": c.id}, nil
	case "server.websocket.id":
		return map[string]any{"websocket_id": c.id}, nil
	}

	op, ok := s.methods[req.Method]
	if !ok {
		// Clients probe optional components they do not depend on; an
		// empty result keeps them working.
		s.logger.Debug("unhandled websocket method", "method", req.Method)
		return map[string]any{}, nil
	}

	ctx, cancel := context.WithTimeout(s.baseContext(), rpcTimeout)
	defer cancel()
	return op(ctx, a)
}

func (e *rpcError) Error() string {
	return e.Message
}

// toRPCError keeps protocol codes and reports domain failures by their
// HTTP status.
func toRPCError(err error) *rpcError {
	var re *rpcError
	if errors.As(err, &re) {
		return re
	}
	return &rpcError{Code: statusFor(err), Message: err.Error()}
}

// isNotification reports a request without an id.
func isNotification(id json.RawMessage) bool {
	return len(bytes.TrimSpace(id)) == 0
}

func encodeResponse(resp rpcResponse) []byte {
	resp.JSONRPC = "2.0"
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(rpcResponse{ //nolint:errcheck // Fixed shape always encodes
			JSONRPC: "2.0",
			ID:      resp.ID,
			Error:   &rpcError{Code: rpcParseError, Message: "encoding result: " + err.Error()},
		})
	}
	return data
}
