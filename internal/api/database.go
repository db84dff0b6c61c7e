package api

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

var errNoDatabase = unavailable("database is not configured")

// dbKey reads the key parameter, given either as a dotted string or as an
// array of segments.
func dbKey(a args) string {
	v := a.Get("key")
	if v.IsArray() {
		parts := make([]string, 0, len(v.Array()))
		for _, p := range v.Array() {
			parts = append(parts, p.String())
		}
		return strings.Join(parts, ".")
	}
	return strings.TrimSpace(v.String())
}

func dbItem(namespace, key string, value json.RawMessage) map[string]any {
	var k any = key
	if key == "" {
		k = nil
	}
	return map[string]any{"namespace": namespace, "key": k, "value": value}
}

func (s *Server) databaseList(ctx context.Context, _ args) (any, error) {
	if s.database == nil {
		return nil, errNoDatabase
	}
	names, err := s.database.Namespaces(ctx)
	if err != nil {
		return nil, err
	}
	if names == nil {
		names = []string{}
	}
	return map[string]any{"namespaces": names, "backups": []string{}}, nil
}

func (s *Server) databaseGet(ctx context.Context, a args) (any, error) {
	if s.database == nil {
		return nil, errNoDatabase
	}
	ns, err := a.require("namespace")
	if err != nil {
		return nil, err
	}
	key := dbKey(a)
	value, err := s.database.Get(ctx, ns, key)
	if err != nil {
		return nil, err
	}
	return dbItem(ns, key, value), nil
}

// databasePost stores value. Over HTTP query strings the value arrives as
// text; text that parses as JSON is stored as that JSON.
func (s *Server) databasePost(ctx context.Context, a args) (any, error) {
	if s.database == nil {
		return nil, errNoDatabase
	}
	ns, err := a.require("namespace")
	if err != nil {
		return nil, err
	}
	v := a.Get("value")
	if !v.Exists() {
		return nil, badRequest("missing parameter %q", "value")
	}
	raw := json.RawMessage(v.Raw)
	if v.Type == gjson.String && gjson.Valid(v.Str) {
		raw = json.RawMessage(v.Str)
	}

	key := dbKey(a)
	stored, err := s.database.Post(ctx, ns, key, raw)
	if err != nil {
		return nil, err
	}
	return dbItem(ns, key, stored), nil
}

func (s *Server) databaseDelete(ctx context.Context, a args) (any, error) {
	if s.database == nil {
		return nil, errNoDatabase
	}
	ns, err := a.require("namespace")
	if err != nil {
		return nil, err
	}
	key := dbKey(a)
	removed, err := s.database.Delete(ctx, ns, key)
	if err != nil {
		return nil, err
	}
	return dbItem(ns, key, removed), nil
}
