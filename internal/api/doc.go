// Package api hosts the HTTP surface shared by the worker and gateway
// processes. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/scrape (gateway only) to run one scrape over the broker.
package api
