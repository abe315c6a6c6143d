// Package api serves the daemon's operational HTTP surface next to the IPC
// socket: Prometheus metrics, health probes, a JSON status document and an
// optional websocket tap of the event stream.
//
//	GET /metrics      Prometheus exposition
//	GET /healthz      health report (503 when unhealthy)
//	GET /readyz       readiness probe
//	GET /livez        liveness probe
//	GET /api/status   interfaces, link counters and daemon statistics
//	GET /events       websocket event tap (when enabled)
//
// The HTTP surface never executes commands; that is the job of the IPC
// socket served by package ctlplane.
package api
