// Package main hosts the nowhow service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, workflow submission and cancellation, and read-only
//     views over workflows, articles, stored content, and the source catalog.
//   - Orchestrator: internal/workflow validates start requests, persists a pending record, and enqueues it on a
//     bounded in-memory queue. A fixed worker pool sized by workflow.workers drains the queue; each run executes the
//     crawl, process, research, and write stages through the internal/stage runner.
//   - Content store: internal/content deduplicates crawled items by fingerprint and keeps annotations and articles in
//     the configured backend (memory, local, postgres, or redis) behind an LRU cache.
//   - Persistence & fanout: workflow records live in memory, Postgres, or SQLite. Finished workflows export their
//     articles to a blob store (local, GCS, or S3) and publish a compact event to Pub/Sub or Kafka when configured.
//   - Configuration & plumbing: godotenv loads .env, Viper populates config from env/files; zap provides structured
//     logging; Prometheus metrics are exported via the metrics middleware and /metrics; OpenTelemetry spans cover
//     workflows, stages, and units.
//
// Operational notes:
//   - Concurrency model: bounded queue + fixed worker pool; each stage bounds its own unit concurrency. Shutdown
//     cancels in-flight workflows, which are recorded as failed with kind "cancelled".
//   - Restarts: workflows left pending or running by a previous process are marked failed with kind "recovery" at
//     startup.
//   - Schedules: cron entries under `schedules` start workflows; a firing is skipped while the previous run of the
//     same entry is still active.
//
// Quick checklist:
//   - Configure env vars: NOWHOW_SERVER_PORT or PORT, NOWHOW_WORKFLOW_WORKERS, NOWHOW_CONTENT_BACKEND, and the
//     backend-specific DSNs or buckets when persistence beyond memory is required.
//   - Run locally: go run ./cmd/nowhow -config configs/config.yaml.
package main
