// Package api is the HTTP transport in front of the render server. Routes:
//   - GET /health (configurable) reports browser connectivity for probes.
//   - GET /metrics for Prometheus scraping.
//   - Any other path renders the URL it carries, either inline
//     (/https://example.com/page) or through /render with ?url= or a JSON body.
package api
