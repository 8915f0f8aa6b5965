// Package transport defines the secure-transport interfaces the sync
// engine consumes and provides implementations (tcp, quic, mem) plus a
// session manager that enforces a single canonical session per peer.
//
// Key concepts:
// - Transport: dials/listens for Sessions of a specific Kind (TCP/QUIC/mem)
// - Session: a bidirectional frame stream to a peer; disconnects are
//   ordinary events, never fatal
// - Manager: deduplicates concurrent inbound/outbound links and tears down
//   the stale session before a replacement becomes canonical
//
// Confidentiality, integrity and peer authentication are the transport's
// responsibility; nothing in this module adds cryptography of its own.
package transport
