// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/sync to run now and return the result; ?async=true returns at once.
//     A root_url override must stay on the configured host unless an API key is set.
//   - GET /v1/watermarks and /v1/runs/last for inspecting state.
package api
