// Package panel serves the printbridge status panel as an embedded asset.
//
// The panel is a small static page (HTML, CSS and one script) embedded into
// the binary with go:embed, so the bridge has no runtime dependency on
// external files. It polls /api/v1/health, /api/v1/snapshot and
// /api/v1/commands and can submit pause, resume and cancel.
//
// Handler implements SPA fallback: unknown paths serve index.html. A
// directory can be configured to serve the panel from disk while editing it.
package panel
