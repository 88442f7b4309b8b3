// Package server runs the session bridge as a daemon.
//
// HTTP routes:
//
//	GET  /healthz                     process is alive
//	GET  /readyz                      log answers a ping
//	GET  /metrics                     Prometheus metrics
//	GET  /sessions                    live sessions and counts per state
//	GET  /sessions/{code}             one session, including terminated ones
//	GET  /sessions/{code}/ledger      envelopes in and out of a session
//	POST /sessions/{code}/terminate   operator token required when jwt_secret is set
//	GET  /agents                      agent directory
//
// The gRPC listener serves grpc.health.v1. The "aetherbus.bridge" service is
// NOT_SERVING while the log is unreachable.
package server
