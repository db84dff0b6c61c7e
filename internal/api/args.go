package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// operation is one Moonraker method, shared by the HTTP routes and the
// WebSocket JSON-RPC dispatcher.
type operation func(ctx context.Context, a args) (any, error)

// args holds the parameters of one call. HTTP query values arrive as
// strings; gjson converts them on read.
type args struct {
	gjson.Result
}

// rpcArgs wraps JSON-RPC params. Missing params read as an empty object.
func rpcArgs(raw json.RawMessage) (args, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return args{gjson.Parse("{}")}, nil
	}
	res := gjson.ParseBytes(raw)
	if !res.IsObject() {
		return args{}, badRequest("params must be an object")
	}
	return args{res}, nil
}

// httpArgs merges the query string and, for JSON requests, the body. Body
// fields win over query values of the same name.
func httpArgs(r *http.Request) (args, error) {
	fields := make(map[string]any)

	if isJSON(r) && r.Body != nil {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return args{}, badRequest("reading body: %v", err)
		}
		if len(bytes.TrimSpace(body)) > 0 {
			var m map[string]json.RawMessage
			if err := json.Unmarshal(body, &m); err != nil {
				return args{}, badRequest("invalid JSON body: %v", err)
			}
			for k, v := range m {
				fields[k] = v
			}
		}
	}

	for k, v := range r.URL.Query() {
		if _, ok := fields[k]; ok || k == "token" || len(v) == 0 {
			continue
		}
		fields[k] = v[0]
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return args{}, badRequest("encoding parameters: %v", err)
	}
	return args{gjson.ParseBytes(raw)}, nil
}

func isJSON(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(ct)
	return err == nil && mt == "application/json"
}

// str returns a string parameter, trimmed.
func (a args) str(key string) string {
	return strings.TrimSpace(a.Get(key).String())
}

// require returns a non-empty string parameter.
func (a args) require(key string) (string, error) {
	v := a.str(key)
	if v == "" {
		return "", badRequest("missing parameter %q", key)
	}
	return v, nil
}

// integer returns an integer parameter, or def when it is absent.
func (a args) integer(key string, def int) int {
	v := a.Get(key)
	if !v.Exists() || v.String() == "" {
		return def
	}
	return int(v.Int())
}

// float returns a float parameter and whether it was given.
func (a args) float(key string) (float64, bool) {
	v := a.Get(key)
	if !v.Exists() || v.String() == "" {
		return 0, false
	}
	return v.Float(), true
}

// boolean reads true, 1, "true" or "1" as true.
func (a args) boolean(key string) bool {
	return a.Get(key).Bool()
}

// has reports whether the parameter was given.
func (a args) has(key string) bool {
	return a.Get(key).Exists()
}
