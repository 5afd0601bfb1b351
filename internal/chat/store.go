//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_store.go -package=mocks
package chat

import (
	"context"
	"time"
)

// MessageStore durably records submitted messages.
type MessageStore interface {
	StoreMessage(ctx context.Context, msg Message) error
}

// GroupDirectory is the source of truth for group membership.
type GroupDirectory interface {
	FetchMembers(ctx context.Context, group GroupID) ([]UserID, error)
}

// HistoryReader returns the messages visible to a user, oldest first.
type HistoryReader interface {
	MessagesFor(ctx context.Context, user UserID, since time.Time) ([]Message, error)
}
