// Package api hosts the HTTP server, middleware, and handlers for the
// directory lookups. Notable routes:
//   - GET / as a plain-text liveness message.
//   - GET /healthz for container probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /scrape/google, /scrape/fgas and /scrape/refcom for searches.
package api
