// Package api hosts the HTTP server and REST handlers for operator access.
// Notable routes:
//   - GET /healthz for liveness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs and POST /v1/jobs/{job_id}/crawl to create and run jobs
//     batch by batch.
//   - GET /v1/jobs/{job_id}/subscribers/{name}/result to download artifacts.
package api
