// Package api hosts the operator HTTP server. Routes:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/runs?source=&limit= for recorded cycle metrics.
//   - GET /v1/admin/indexes, POST /v1/admin/vacuum and POST /v1/admin/reload
//     for the maintenance hooks, guarded by an API key when one is configured.
package api
