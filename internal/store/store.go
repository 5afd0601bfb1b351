// Package store persists chat messages and group membership in SQLite.
//
// It implements the collaborator side of the routing core: chat.MessageStore
// for durable appends, chat.GroupDirectory for roster lookups, and
// chat.HistoryReader for history sync. Membership changes notify registered
// listeners so cached rosters can be invalidated.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	_ "modernc.org/sqlite"

	"github.com/Tyrowin/gochat-relay/internal/chat"
)

// Compile-time checks.
var (
	_ chat.MessageStore   = (*Store)(nil)
	_ chat.GroupDirectory = (*Store)(nil)
	_ chat.HistoryReader  = (*Store)(nil)
)

// pragmas are applied to every pooled connection through the DSN.
var pragmas = []string{
	"journal_mode(WAL)",
	"foreign_keys(1)",
	"busy_timeout(5000)",
}

// Store is safe for concurrent use.
type Store struct {
	db  *sql.DB
	log *slog.Logger

	mu        sync.RWMutex
	listeners []func(chat.GroupID)
}

// Open opens (or creates) the SQLite database at dsn and runs migrations.
func Open(ctx context.Context, dsn string, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{db: db, log: log.With("component", "store")}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func withPragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	params := lo.Map(pragmas, func(p string, _ int) string { return "_pragma=" + p })
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// OnMembershipChange registers fn to be called after a group's membership
// has been changed and committed.
func (s *Store) OnMembershipChange(fn func(chat.GroupID)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Store) notify(group chat.GroupID) {
	s.mu.RLock()
	listeners := slices.Clone(s.listeners)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(group)
	}
}

// StoreMessage appends msg to the private or group message table.
func (s *Store) StoreMessage(ctx context.Context, msg chat.Message) error {
	var query string
	switch msg.Kind {
	case chat.KindPrivate:
		query = "INSERT INTO private_messages (message_from, message_to, message, created_at) VALUES (?, ?, ?, ?)"
	case chat.KindGroup:
		query = "INSERT INTO group_messages (message_from, group_id, group_message, created_at) VALUES (?, ?, ?, ?)"
	default:
		return fmt.Errorf("store: store message: %w", chat.ErrUnknownKind)
	}
	_, err := s.db.ExecContext(ctx, query, int64(msg.SenderID), int64(msg.ReceiverID), msg.Content, msg.At.UnixNano())
	if err != nil {
		return fmt.Errorf("store: store message: %w", err)
	}
	return nil
}

// FetchMembers returns the members of group in ascending user order.
func (s *Store) FetchMembers(ctx context.Context, group chat.GroupID) ([]chat.UserID, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id FROM group_members WHERE group_id = ? ORDER BY user_id", int64(group))
	if err != nil {
		return nil, fmt.Errorf("store: fetch members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var members []chat.UserID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan member: %w", err)
		}
		members = append(members, chat.UserID(id))
	}
	return members, rows.Err()
}

// AddGroupMember adds user to group. Adding an existing member is a no-op
// apart from the change notification.
func (s *Store) AddGroupMember(ctx context.Context, group chat.GroupID, user chat.UserID) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO group_members (group_id, user_id) VALUES (?, ?)", int64(group), int64(user))
	if err != nil {
		return fmt.Errorf("store: add group member: %w", err)
	}
	s.log.Debug("group member added", "group", group, "user", user)
	s.notify(group)
	return nil
}

// RemoveGroupMember removes user from group.
func (s *Store) RemoveGroupMember(ctx context.Context, group chat.GroupID, user chat.UserID) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM group_members WHERE group_id = ? AND user_id = ?", int64(group), int64(user))
	if err != nil {
		return fmt.Errorf("store: remove group member: %w", err)
	}
	s.log.Debug("group member removed", "group", group, "user", user)
	s.notify(group)
	return nil
}

// MessagesFor returns every private message user sent or received and every
// message of the groups user belongs to, at or after since, oldest first.
func (s *Store) MessagesFor(ctx context.Context, user chat.UserID, since time.Time) ([]chat.Message, error) {
	const query = `
	SELECT kind, content, sender_id, receiver_id, created_at FROM (
		SELECT 1 AS kind, message AS content, message_from AS sender_id,
		       message_to AS receiver_id, created_at, id
		FROM private_messages
		WHERE (message_from = ? OR message_to = ?) AND created_at >= ?
		UNION ALL
		SELECT 2, group_message, message_from, group_id, created_at, id
		FROM group_messages
		WHERE group_id IN (SELECT group_id FROM group_members WHERE user_id = ?)
		  AND created_at >= ?
	)
	ORDER BY created_at, kind, id`

	var from int64
	if !since.IsZero() {
		from = since.UnixNano()
	}
	uid := int64(user)
	rows, err := s.db.QueryContext(ctx, query, uid, uid, from, uid, from)
	if err != nil {
		return nil, fmt.Errorf("store: messages for user: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []chat.Message
	for rows.Next() {
		var (
			kind             int
			sender, receiver int64
			createdAt        int64
			msg              chat.Message
		)
		if err := rows.Scan(&kind, &msg.Content, &sender, &receiver, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		msg.Kind = chat.Kind(kind)
		msg.SenderID = chat.UserID(sender)
		msg.ReceiverID = uint64(receiver)
		msg.At = time.Unix(0, createdAt).UTC()
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
