// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for probes; readyz pings the store when wired.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status and /v1/queue/stats for dashboards.
//   - GET /v1/queue/items[/{item_id}[/attempts]] and POST
//     /v1/queue/items/{item_id}/cancel for queue inspection.
//   - POST /v1/trigger for manual crawls and GET /v1/sources.
package api
