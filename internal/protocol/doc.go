// Package protocol implements the IPC wire format spoken between the daemon
// and its client processes.
//
// # Frames
//
// Clients talk to the daemon over a unix stream socket. Each message is one
// frame:
//
//	offset size field
//	0      4    length of the rest of the frame (big endian)
//	4      2    sequence number (big endian), 0 for unsolicited events
//	6      6    header
//	12     n    payload
//
// # Header
//
// header[0] is the message class, header[1] the interface type and
// header[2..5] carry class specific lengths or the response status. See the
// Encode/Decode helpers for each class.
//
// All encoders write through a Writer that tracks remaining capacity and
// fails with ErrShortBuffer instead of truncating.
package protocol
