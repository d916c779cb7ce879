// Package server hosts the cargoport control-plane API behind a single HTTP
// server.
//
// The server builds a consistent middleware chain of request IDs, logging,
// audit, metrics, security headers, CORS, rate limiting, and bearer-token auth
// so handlers all share common protections and instrumentation.
//
// The /v2/syslog_drain_urls listing bypasses bearer auth because it carries
// its own bulk-API basic credentials.
package server
