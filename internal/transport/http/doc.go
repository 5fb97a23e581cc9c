// Package http implements HTTP request handlers for the seat admission
// service. It provides a thin layer between HTTP transport and business
// logic, following the clean architecture principle of keeping handlers
// focused solely on HTTP concerns.
//
// # Architecture Principles
//
// Handlers in this package follow these principles:
//
//	1. Thin handlers - minimal logic, delegate to services
//	2. HTTP-only concerns - request parsing, response formatting
//	3. Error transformation - convert service errors to HTTP responses
//	4. No business logic - all logic belongs in the service layer
//	5. Consistent patterns - standardized request/response handling
//
// # Request Flow
//
// A typical request flows through these layers:
//
//	HTTP Request → Chi Router → Middleware → Handler → Service → Repository
//	                                              ↓
//	HTTP Response ← Handler ← Service Response ←─┘
//
// # Endpoints
//
//	POST /api/validate                 license validation (rate limited)
//	GET  /api/stats/{key}              per-license stats (admin secret)
//	GET  /api/connections/ws           long-lived session (connection token)
//	POST /api/connections/heartbeat    session liveness (connection token)
//	PUT  /api/credentials/{c}/{t}      store integration credential (admin)
//	GET  /api/healthz                  readiness of store and key management
//	GET  /metrics                      Prometheus exposition
package http
