package chat

import "errors"

var (
	// ErrUnauthenticated is returned when a session token is absent, evicted or unknown.
	ErrUnauthenticated = errors.New("unauthenticated session")
	// ErrServerBusy is returned when the dispatcher queue is full.
	ErrServerBusy = errors.New("server busy")
	// ErrProtocolViolation marks a malformed or unexpected handshake frame.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrUnknownKind is returned for a message kind the router does not handle.
	ErrUnknownKind = errors.New("unknown message kind")
	// ErrDispatcherStopped is returned by Submit once the dispatcher has stopped.
	ErrDispatcherStopped = errors.New("dispatcher stopped")
)
