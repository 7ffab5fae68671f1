// Package main hosts the directory API entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes a liveness message, health, metrics,
//     and one POST route per directory source. Each route validates its body,
//     runs exactly one source client, and answers with normalized records.
//   - Sources: internal/google chains geocode, text search and a concurrent
//     details fan-out; internal/refcom issues up to three registry queries
//     through a colly collector and tolerates individual failures;
//     internal/fgas drives a dedicated headless Chrome per request, intercepts
//     the widget's data responses and pages through results.
//   - Normalization: internal/record maps every source onto the same fixed
//     record shape so clients see one schema regardless of origin.
//   - Plumbing: Viper populates config from env/files; zap provides structured
//     logging with request IDs; Prometheus metrics are exported via the metrics
//     middleware and /metrics; completed searches are announced on Pub/Sub when
//     a topic is configured.
//
// Quick checklist:
//   - Configure env vars: PORT or DIRECTORY_SERVER_PORT, GOOGLE_API_KEY or
//     DIRECTORY_GOOGLE_API_KEY, DIRECTORY_FGAS_CHROME_PATH when Chrome is not on
//     PATH, and DIRECTORY_PUBSUB_PROJECT_ID / DIRECTORY_PUBSUB_TOPIC_NAME for
//     notifications.
//   - Run locally: go run ./cmd/directoryapi -config config.yaml (or rely
//     solely on env overrides).
package main
