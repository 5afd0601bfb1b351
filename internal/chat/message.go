package chat

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UserID identifies a registered user.
type UserID uint64

// GroupID identifies a chat group.
type GroupID uint64

// Session is the opaque credential handed out at login. It is exchanged for a
// UserID by the session registry.
type Session struct {
	SessionID uuid.UUID `json:"session_id"`
}

// NewSession mints a fresh random session token.
func NewSession() Session {
	return Session{SessionID: uuid.New()}
}

// Kind tells the dispatcher how to resolve the recipients of a message.
type Kind int

const (
	// KindPrivate messages address a single user.
	KindPrivate Kind = iota + 1
	// KindGroup messages address every member of a group.
	KindGroup
)

func (k Kind) String() string {
	switch k {
	case KindPrivate:
		return "Private"
	case KindGroup:
		return "Group"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind maps the wire name of a kind back to its value.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "Private":
		return KindPrivate, nil
	case "Group":
		return KindGroup, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// MarshalJSON encodes the kind by name.
func (k Kind) MarshalJSON() ([]byte, error) {
	switch k {
	case KindPrivate, KindGroup:
		return json.Marshal(k.String())
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(k))
	}
}

// UnmarshalJSON accepts only the known kind names.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Message is a submitted chat message. ReceiverID holds a UserID for private
// messages and a GroupID for group messages. Values are never mutated after
// creation.
type Message struct {
	Kind       Kind      `json:"message_type"`
	Content    string    `json:"content"`
	SenderID   UserID    `json:"sender_id"`
	ReceiverID uint64    `json:"receiver_id"`
	At         time.Time `json:"time"`
}

// NewMessage stamps a message with the current UTC time.
func NewMessage(kind Kind, sender UserID, receiver uint64, content string) Message {
	return Message{
		Kind:       kind,
		Content:    content,
		SenderID:   sender,
		ReceiverID: receiver,
		At:         time.Now().UTC(),
	}
}

// Envelope is the payload pushed to a recipient's connection.
type Envelope struct {
	MessageType Kind     `json:"message_type"`
	UserID      UserID   `json:"user_id"`
	GroupID     *GroupID `json:"group_id"`
	Content     string   `json:"content"`
}

// NewEnvelope builds the outbound form of msg. GroupID is set only for group
// messages.
func NewEnvelope(msg Message) (Envelope, error) {
	env := Envelope{
		MessageType: msg.Kind,
		UserID:      msg.SenderID,
		Content:     msg.Content,
	}
	switch msg.Kind {
	case KindPrivate:
	case KindGroup:
		gid := GroupID(msg.ReceiverID)
		env.GroupID = &gid
	default:
		return Envelope{}, fmt.Errorf("%w: %d", ErrUnknownKind, int(msg.Kind))
	}
	return env, nil
}
