// Package protocol layers the conversations units have with each other on
// top of the bus: the init/ready handshake, request/response RPC, named
// data streams and fire-and-forget events.
package protocol
