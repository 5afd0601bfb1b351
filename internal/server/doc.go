// Package server implements the routing core of the relay: the connection
// registry, the message dispatcher, the websocket gateway and the HTTP
// endpoints that feed them.
//
// The implementation is organized into specialized files for configuration,
// connection registration, dispatching, clients, routing, and HTTP handlers.
package server
