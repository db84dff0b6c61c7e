// Package api implements the HTTP REST API and WebSocket server for printbridge.
//
// This package provides:
//   - The bridge API under /api/v1: health, the printer snapshot,
//     capabilities and abstract command submission
//   - A Moonraker-compatible subset (/server/*, /printer/*, /access/*) so
//     Mainsail, Fluidd and similar front-ends can drive the printer
//   - A JSON-RPC 2.0 WebSocket that mirrors those operations and pushes
//     notify_status_update for subscribed printer objects
//   - Middleware (request ID, logging, recovery, CORS, body limits, API key
//     auth and per-client rate limiting on mutating routes)
//
// # Architecture
//
// Every Moonraker method is an operation taking decoded args. The HTTP
// routes and the WebSocket dispatcher share the same operations, so a
// method behaves identically on both transports.
//
// Printer state is read from the subscription hub. The relay goroutine
// projects each change-set onto Klipper-style objects and sends each client
// only the subscribed fields that changed since its last update.
//
// # Security
//
// When security.api_key is set, requests need the X-Api-Key header or a
// token from /access/oneshot_token. Tokens are signed JWTs, valid once and
// for a few seconds, intended for the WebSocket upgrade.
//
// # Graceful Degradation
//
// File storage, job history, the database and the temperature store are
// optional. Routes backed by a missing component answer 503; listings that
// cannot reach the printer answer empty.
package api
