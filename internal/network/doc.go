// Package network applies the link side effects of interface lifecycle
// events: enslaving VAPs to their bridge and setting their MTU.
//
// # Overview
//
// All link operations go through the [Netlinker] interface. The Linux
// implementation uses the netlink API directly (no shell commands);
// [MockNetlinker] and [DryRunNetlinker] stand in for it in tests and in
// dry-run mode.
//
// # Bridge Hook
//
// [BridgeHook] is driven by the event dispatcher:
//   - INTERFACE_CONNECTED_OK and INTERFACE_RECONNECTED_OK on a radio walk
//     the "vaps=" list of the event and configure every VAP in it
//   - AP-ENABLED configures the VAP named by the event
//   - WDS-STA-INTERFACE-ADDED enslaves the per-station interface named by
//     its ifname= field
package network
