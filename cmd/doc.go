// Package cmd defines the probgate command line.
//
// Architecture overview:
//   - HTTP API: internal/api.Server serves the landing page, POST /calculate,
//     health probes, metrics and audit record lookup under the configured base
//     path.
//   - Coordinator: internal/coordinator runs the engine once per request and
//     maps its exit code and stdout onto a status and JSON body. Requests
//     share nothing; the engine runs as a separate OS process per call.
//   - Audit pipeline: decided invocations flow through a bounded in-memory
//     queue to a worker pool that archives malformed output (memory, local,
//     GCS or S3), saves the record (memory or Postgres) and publishes a
//     completion event (Pub/Sub, Redis or MQTT). A full queue drops the record
//     rather than delay the response.
//   - Configuration & plumbing: Viper populates config from YAML and
//     PROBGATE_* env vars; zap provides structured logging; Prometheus
//     metrics are exported at /metrics; OpenTelemetry spans wrap engine runs.
//
// Quick checklist:
//   - Run locally: go run . serve --config config.yaml
//   - Debug the engine: go run . solve "A fair coin is flipped twice..."
//   - Hosting platforms: the server listens on PORT when set and drains on
//     SIGTERM.
package cmd
