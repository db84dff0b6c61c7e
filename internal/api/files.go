package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/printbridge/internal/command"
	"github.com/nerrad567/printbridge/internal/files"
)

// rootGcodes is the only file root; it maps onto the printer upload folder.
const rootGcodes = "gcodes"

// printableExts are the file types shown in flat listings.
var printableExts = []string{".gcode", ".gcode.3mf", ".3mf"}

// Nominal disk figures; the printer does not report its card usage.
const (
	diskTotal = 32 << 30
	diskUsed  = 1 << 30
)

var errNoFileStore = unavailable("file storage is not configured")

func printable(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range printableExts {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// splitRoot splits a Moonraker path such as "gcodes/sub/a.gcode" into its
// root and the path below it.
func splitRoot(p string) (root, rel string) {
	p = strings.Trim(strings.TrimSpace(p), "/")
	root, rel, _ = strings.Cut(p, "/")
	return root, rel
}

func joinRoot(root, rel string) string {
	if rel == "" {
		return root
	}
	return path.Join(root, rel)
}

func unixTime(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

// fileList is the flat gcodes listing. A printer that cannot be reached
// yields an empty list rather than an error.
func (s *Server) fileList(ctx context.Context, a args) (any, error) {
	out := []map[string]any{}
	root := a.str("root")
	if root == "" {
		root = rootGcodes
	}
	if root != rootGcodes || s.files == nil {
		return out, nil
	}

	entries, err := s.files.List(ctx, "")
	if err != nil {
		s.logger.Warn("file listing failed, returning empty list", "error", err)
		return out, nil
	}
	for _, e := range entries {
		if e.Dir || !printable(e.Name) {
			continue
		}
		out = append(out, map[string]any{
			"path":        joinRoot(rootGcodes, e.Path),
			"size":        e.Size,
			"modified":    unixTime(e.ModifiedAt),
			"permissions": "rw",
		})
	}
	return out, nil
}

func (s *Server) fileRoots(context.Context, args) (any, error) {
	roots := []map[string]any{}
	if s.files != nil {
		roots = append(roots, map[string]any{"name": rootGcodes, "path": rootGcodes, "permissions": "rw"})
	}
	return roots, nil
}

// fileDirectory lists one folder below a root.
func (s *Server) fileDirectory(ctx context.Context, a args) (any, error) {
	p := a.str("path")
	if p == "" {
		p = rootGcodes
	}
	root, rel := splitRoot(p)

	dirs := []map[string]any{}
	list := []map[string]any{}
	result := map[string]any{
		"dirs":  dirs,
		"files": list,
		"disk_usage": map[string]any{
			"total": diskTotal,
			"used":  diskUsed,
			"free":  diskTotal - diskUsed,
		},
		"root_info": map[string]any{"name": root, "permissions": "rw", "path": root},
	}
	if root != rootGcodes || s.files == nil {
		return result, nil
	}

	entries, err := s.files.List(ctx, rel)
	if err != nil {
		s.logger.Warn("directory listing failed, returning empty listing", "path", p, "error", err)
		return result, nil
	}
	for _, e := range entries {
		item := map[string]any{
			"modified":    unixTime(e.ModifiedAt),
			"size":        e.Size,
			"permissions": "rw",
			"path":        joinRoot(rootGcodes, e.Path),
		}
		if e.Dir {
			item["dirname"] = e.Name
			dirs = append(dirs, item)
			continue
		}
		item["filename"] = e.Name
		list = append(list, item)
	}
	result["dirs"] = dirs
	result["files"] = list
	return result, nil
}

// fileDelete removes "gcodes/<name>".
func (s *Server) fileDelete(ctx context.Context, a args) (any, error) {
	p, err := a.require("path")
	if err != nil {
		return nil, err
	}
	return s.deleteFile(ctx, p)
}

func (s *Server) deleteFile(ctx context.Context, p string) (any, error) {
	if s.files == nil {
		return nil, errNoFileStore
	}
	root, rel := splitRoot(p)
	if root != rootGcodes {
		return nil, badRequest("unsupported root %q", root)
	}
	if rel == "" {
		return nil, badRequest("missing file name")
	}
	if err := s.files.Delete(ctx, rel); err != nil {
		return nil, err
	}

	item := map[string]any{"path": rel, "root": rootGcodes, "size": 0, "modified": 0, "permissions": ""}
	s.logger.Info("file deleted", "path", rel)
	s.notifyFileList("delete_file", item)
	return map[string]any{"item": item, "action": "delete_file"}, nil
}

func (s *Server) handleFileDelete(w http.ResponseWriter, r *http.Request) {
	p := joinRoot(chi.URLParam(r, "root"), chi.URLParam(r, "*"))
	result, err := s.deleteFile(r.Context(), p)
	if err != nil {
		writeResultError(w, err)
		return
	}
	writeResult(w, http.StatusOK, result)
}

// handleFileUpload stores a multipart "file" field on the printer and
// optionally starts printing it.
func (s *Server) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	if s.files == nil {
		writeResultError(w, errNoFileStore)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeResultError(w, badRequest("missing file field: %v", err))
		return
	}
	defer file.Close()

	root := r.FormValue("root")
	if root == "" {
		root = rootGcodes
	}
	if root != rootGcodes {
		writeResultError(w, badRequest("unsupported root %q", root))
		return
	}

	name := path.Base(header.Filename)
	if dir := strings.Trim(r.FormValue("path"), "/"); dir != "" {
		name = path.Join(dir, name)
	}
	if err := files.ValidateName(name); err != nil {
		writeResultError(w, err)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeResultError(w, badRequest("reading upload: %v", err))
		return
	}

	ref, err := s.files.Upload(r.Context(), name, data)
	if err != nil {
		s.logger.Error("upload failed", "file", name, "error", err)
		writeResultError(w, err)
		return
	}
	s.logger.Info("file uploaded", "path", ref.Path, "size", ref.Size)

	item := map[string]any{
		"path":        ref.Path,
		"root":        rootGcodes,
		"size":        ref.Size,
		"modified":    unixTime(ref.UploadedAt),
		"permissions": "rw",
	}
	s.notifyFileList("create_file", item)

	started := false
	if isTrue(r.FormValue("print")) {
		if _, err := s.submit(r.Context(), command.Request{Kind: command.KindStartPrint, Filename: ref.Path}); err != nil {
			writeResultError(w, fmt.Errorf("uploaded %s but could not start it: %w", ref.Path, err))
			return
		}
		started = true
	}

	writeResult(w, http.StatusCreated, map[string]any{
		"item":          item,
		"print_started": started,
		"print_queued":  false,
		"action":        "create_file",
	})
}

func isTrue(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// notifyFileList tells WebSocket clients that the listing changed.
func (s *Server) notifyFileList(action string, item map[string]any) {
	s.ws.broadcast(methodNotifyFilelistChanged, map[string]any{
		"action": action,
		"item":   item,
	})
}
