// Package api hosts the optional status server for a running crawl. Routes:
//   - GET /healthz and /readyz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/report for the in-progress report of the current run.
//   - GET /v1/failures/{code} for ledger entries still awaiting a successful retry.
package api
