// Package chat defines the domain vocabulary shared by the routing core:
// identities, session tokens, chat messages, the JSON wire envelopes, and the
// collaborator interfaces the core consumes (message persistence and the
// group directory).
package chat
