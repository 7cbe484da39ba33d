// Package api hosts the status HTTP server used to observe and steer a
// running batch. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/jobs/{job_id}/checkpoint for progress, DELETE to expire it.
//   - GET /v1/hosts for per-host circuit and rate state.
//   - POST /v1/run/pause, /v1/run/resume and /v1/run/stop to control the
//     active run.
package api
