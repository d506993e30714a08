// Package progress fans unit-level workflow events out to observers. The Hub
// buffers events on a background goroutine, flushes them in batches, and
// hands each batch to pluggable sinks such as structured logs or Prometheus.
// The workflow record itself is updated synchronously by the orchestrator;
// the hub only feeds side channels and may drop under backpressure.
package progress
