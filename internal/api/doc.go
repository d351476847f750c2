// Package api hosts the HTTP server, middleware, and handlers. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET / for the landing page and POST /calculate for problem submission,
//     both mounted under the configured base path.
//   - GET /v1/invocations/{invocation_id} for audit record lookup.
package api
