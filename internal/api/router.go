package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/printbridge/internal/command"
	"github.com/nerrad567/printbridge/internal/panel"
)

// defaultMaxUploadMB bounds uploads when api.max_upload_mb is unset.
const defaultMaxUploadMB = 512

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)

	// Status panel (embedded unless a directory is configured)
	r.Handle("/panel/*", http.StripPrefix("/panel", panel.Handler(s.panelDir)))
	r.Handle("/panel", http.RedirectHandler("/panel/", http.StatusMovedPermanently))
	r.Handle("/", http.RedirectHandler("/panel/", http.StatusFound))

	// Health check (no auth required)
	r.Get("/api/v1/health", s.handleHealth)

	// WebSocket (auth via API key or oneshot token, validated in handler)
	r.Get(s.wsPath(), s.handleWebSocket)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.rateLimitMiddleware)

		// Uploads carry their own, larger body limit.
		r.With(bodySizeLimit(s.maxUploadBytes())).Post("/server/files/upload", s.handleFileUpload)

		r.Group(func(r chi.Router) {
			r.Use(bodySizeLimit(maxRequestBodySize))

			// Bridge API
			r.Get("/api/v1/snapshot", s.handleSnapshot)
			r.Get("/api/v1/capabilities", s.handleCapabilities)
			r.Get("/api/v1/commands", s.handleListCommands)
			r.Post("/api/v1/commands", s.handleSubmitCommand)
			r.Get("/api/v1/commands/{id}", s.handleGetCommand)
			r.Get("/metrics", s.handleMetrics)

			// Moonraker-compatible endpoints
			r.Get("/access/oneshot_token", s.handleOneshotToken)

			r.Get("/server/info", s.moonraker(s.serverInfo))
			r.Get("/server/temperature_store", s.moonraker(s.temperatureStore))
			r.Get("/server/gcode_store", s.moonraker(s.gcodeStore))

			r.Get("/printer/info", s.moonraker(s.printerInfo))
			r.Get("/printer/objects/list", s.moonraker(s.objectsList))
			r.Get("/printer/objects/query", s.handleObjectsQuery)
			r.Post("/printer/print/pause", s.moonraker(s.printAction(command.KindPause)))
			r.Post("/printer/print/resume", s.moonraker(s.printAction(command.KindResume)))
			r.Post("/printer/print/cancel", s.moonraker(s.printAction(command.KindCancel)))
			r.Post("/printer/print/start", s.moonraker(s.printStart))
			r.Post("/printer/gcode/script", s.moonraker(s.gcodeScript))
			r.Get("/printer/gcode/help", s.moonraker(s.gcodeHelp))

			r.Route("/server/files", func(r chi.Router) {
				r.Get("/list", s.moonraker(s.fileList))
				r.Get("/roots", s.moonraker(s.fileRoots))
				r.Get("/directory", s.moonraker(s.fileDirectory))
				r.Delete("/{root}/*", s.handleFileDelete)
			})

			r.Route("/server/history", func(r chi.Router) {
				r.Get("/list", s.moonraker(s.historyList))
				r.Get("/totals", s.moonraker(s.historyTotals))
				r.Get("/job", s.moonraker(s.historyGetJob))
				r.Delete("/job", s.moonraker(s.historyDeleteJob))
			})

			r.Route("/server/database", func(r chi.Router) {
				r.Get("/list", s.moonraker(s.databaseList))
				r.Get("/item", s.moonraker(s.databaseGet))
				r.Post("/item", s.moonraker(s.databasePost))
				r.Delete("/item", s.moonraker(s.databaseDelete))
			})
		})
	})

	return r
}

// moonraker adapts an operation to an HTTP handler with the {"result": ...}
// envelope.
func (s *Server) moonraker(op operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := httpArgs(r)
		if err != nil {
			writeResultError(w, err)
			return
		}
		result, err := op(r.Context(), a)
		if err != nil {
			if statusFor(err) >= http.StatusInternalServerError {
				s.logger.Error("request failed", "path", r.URL.Path, "error", err)
			}
			writeResultError(w, err)
			return
		}
		writeResult(w, http.StatusOK, result)
	}
}

func (s *Server) wsPath() string {
	if s.wsCfg.Path == "" {
		return "/websocket"
	}
	return s.wsCfg.Path
}

func (s *Server) maxUploadBytes() int64 {
	mb := s.cfg.MaxUploadMB
	if mb <= 0 {
		mb = defaultMaxUploadMB
	}
	return int64(mb) << 20
}
