package server

import (
	"sync"
	"sync/atomic"

	"github.com/Tyrowin/gochat-relay/internal/chat"
)

// Sender is the bounded outbound channel of one live connection. Producers
// push with TryPush and never block; the connection's write pump consumes C.
// After Close, pushes fail and the pump stops forwarding, including items
// that were already buffered.
type Sender struct {
	ch     chan []byte
	done   chan struct{}
	once   sync.Once
	closed atomic.Bool
}

// NewSender creates a sender buffering at most buffer items.
func NewSender(buffer int) *Sender {
	if buffer <= 0 {
		buffer = 1
	}
	return &Sender{
		ch:   make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// TryPush enqueues payload without blocking. It reports false when the
// sender is closed or its buffer is full.
func (s *Sender) TryPush(payload []byte) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.ch <- payload:
		return true
	default:
		return false
	}
}

// C returns the channel the write pump reads from. It is never closed; watch
// Done for termination.
func (s *Sender) C() <-chan []byte {
	return s.ch
}

// Done is closed once the sender is closed.
func (s *Sender) Done() <-chan struct{} {
	return s.done
}

// Closed reports whether Close has been called.
func (s *Sender) Closed() bool {
	return s.closed.Load()
}

// Close marks the sender closed. It is safe to call more than once.
func (s *Sender) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})
}

// Registry maps each user to the sender of their single live connection.
// The lock only covers map access; callers copy the sender out and act on it
// after the lock is released.
type Registry struct {
	mu    sync.Mutex
	conns map[chat.UserID]*Sender
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[chat.UserID]*Sender)}
}

// Register makes sender the live connection of user and returns the sender
// it superseded, if any. The caller is responsible for closing it.
func (r *Registry) Register(user chat.UserID, sender *Sender) *Sender {
	r.mu.Lock()
	prev := r.conns[user]
	r.conns[user] = sender
	r.mu.Unlock()
	return prev
}

// Lookup returns the live sender of user.
func (r *Registry) Lookup(user chat.UserID) (*Sender, bool) {
	r.mu.Lock()
	sender, ok := r.conns[user]
	r.mu.Unlock()
	return sender, ok
}

// Unregister removes the entry of user only if it is still sender, so a
// stale disconnect cannot evict a newer connection. It reports whether an
// entry was removed.
func (r *Registry) Unregister(user chat.UserID, sender *Sender) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.conns[user]; !ok || current != sender {
		return false
	}
	delete(r.conns, user)
	return true
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CloseAll removes every entry and closes its sender. It returns the number
// of senders closed.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	senders := make([]*Sender, 0, len(r.conns))
	for user, sender := range r.conns {
		senders = append(senders, sender)
		delete(r.conns, user)
	}
	r.mu.Unlock()

	for _, sender := range senders {
		sender.Close()
	}
	return len(senders)
}
