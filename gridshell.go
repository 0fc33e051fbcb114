// Package gridshell is a client for a self-describing trading-workstation
// shell peer. The peer speaks a line protocol (newline-terminated lines of
// tab-separated fields, field 0 a name and the rest JSON-encoded values) and
// describes its own callable actions, events and argument types through a
// "help" query protocol, since the schema varies by peer version and is not
// known at compile time.
//
// A Client bootstraps the schema on connect, validates every outgoing call
// against the discovered descriptors before transmission, and fans inbound
// records out to subscribers by name. Transport establishment (direct socket,
// subprocess pipe mode, or launching the peer application and waiting for it)
// lives in the transport package; the wire codec in wire; the schema registry
// and validation in schema; session capture and replay in tape.
//
// The client never interprets trading semantics: order fields, contract
// fields and the like are opaque values checked only structurally.
package gridshell

// Version is the client library version.
const Version = "0.9.41201"
