// Command prerender serves fully rendered HTML, screenshots, PDFs and HAR
// captures of arbitrary URLs from one shared headless browser.
//
// Architecture overview:
//   - HTTP API: internal/api exposes the health check, /metrics and the render
//     routes. The target URL comes from a JSON body, the ?url= query, or the
//     request path itself.
//   - Render lifecycle: internal/prerender admits each request as a job, runs it
//     through the plugin pipeline, drives the browser tab and sends exactly one
//     response, bounded by the per-job timeout.
//   - Browser: internal/browser owns the single browser process, restarting it
//     after crashes and, when idle, after browser.try_restart_period. The chrome
//     driver speaks DevTools through chromedp; the playwright driver is the
//     alternative backend.
//   - Plumbing: Viper loads config from a YAML file and PRERENDER_* variables,
//     zap logs every phase with req_id and render_id, Prometheus collectors are
//     served on /metrics, and OpenTelemetry spans cover each render when
//     telemetry.tracing_enabled is set.
//
// Run locally:
//
//	prerender serve --config config.yaml
//	curl localhost:3000/https://example.com/
package main
