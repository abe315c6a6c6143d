// Package ctlplane implements the IPC surface of the daemon.
//
// # Overview
//
// Client processes connect to a unix stream socket (by default
// /var/run/apmux/apmux.sock). Each connection is a station: it sends framed
// requests and receives one response per request, interleaved with the
// event frames of every opcode it subscribed to.
//
//	client → Unix Socket → Server → station → ifmgr.Handle → connmgr → hostapd / nl80211
//
// # Key Types
//
//   - [Server]: accept loop, one goroutine pair per station
//   - [Client]: request/response correlation and an event channel
//   - [ControlPlaneClient]: interface for mocking in tests
//
// Frames are described in package protocol. A station that disconnects is
// removed from every subscription table.
package ctlplane
