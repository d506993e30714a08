// Package api hosts the HTTP server, middleware, and REST handlers of the
// workflow service. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/workflows to start a run, POST /v1/workflows/{id}/cancel to stop one.
//   - GET /v1/workflows, /v1/articles, /v1/content and /v1/sources for read-only views.
package api
