// Package api hosts the HTTP server, middleware, and REST handlers used by the
// browser extension and operators. Notable routes:
//   - GET / and /healthz for liveness, GET /metrics for Prometheus scraping.
//   - /api/profiles for identity reservation, the pending worklist, detail
//     results, progress, listing, bulk clear and invalid-id purge.
//   - GET /api/stats for per-page listing coverage.
//   - /api/session and /api/sessions for crawl session boundaries.
//   - /api/export for CSV downloads and blob snapshots.
//   - /api/crawl for starting, stopping and inspecting in-process crawls.
package api
