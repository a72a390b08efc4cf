// Package relay implements the TCP relay engine.
//
// A Server accepts client connections from a listener and, for each one,
// dials the single configured upstream and copies bytes in both directions
// until both directions have finished. Bytes are forwarded unmodified.
//
// The accept loop never waits on a relay, and relays share nothing but the
// read-only configuration, so one slow or failing connection cannot hold up
// another. Admission control (MaxConns) lives in the listener, not in the
// accept loop.
package relay
