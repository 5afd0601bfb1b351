// Package session maps session tokens to the users that own them.
//
// The registry is a bounded least-recently-used table: once full, binding a
// new token evicts the token that was authenticated or bound the longest time
// ago. An evicted token is indistinguishable from one that was never issued.
package session

import (
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/Tyrowin/gochat-relay/internal/chat"
)

// DefaultCapacity is the number of live sessions kept before eviction.
const DefaultCapacity = 1 << 20

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries *simplelru.LRU[chat.Session, chat.UserID]
}

// New creates a registry holding at most capacity sessions.
func New(capacity int) (*Registry, error) {
	entries, err := simplelru.NewLRU[chat.Session, chat.UserID](capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	return &Registry{entries: entries}, nil
}

// Authenticate returns the user bound to token and marks it recently used.
func (r *Registry) Authenticate(token chat.Session) (chat.UserID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries.Get(token)
}

// Bind associates token with user, replacing any previous owner.
func (r *Registry) Bind(token chat.Session, user chat.UserID) {
	r.mu.Lock()
	r.entries.Add(token, user)
	r.mu.Unlock()
}

// Issue mints a new token for user and binds it.
func (r *Registry) Issue(user chat.UserID) chat.Session {
	token := chat.NewSession()
	r.Bind(token, user)
	return token
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries.Len()
}
