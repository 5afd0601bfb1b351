package chat

// AuthFrame is the first and only frame a client sends on a new connection.
type AuthFrame struct {
	Session *Session `json:"session" validate:"required"`
}

// SubmitRequest is the body of the message submit endpoint.
type SubmitRequest struct {
	MessageType Kind     `json:"message_type" validate:"required"`
	Content     string   `json:"content"`
	ReceiverID  uint64   `json:"receiver_id"`
	Session     *Session `json:"session" validate:"required"`
}

// State is the outcome reported to HTTP callers.
type State string

const (
	StateOk         State = "Ok"
	StateWrongToken State = "WrongToken"
	StateServerBusy State = "ServerBusy"
	StateOtherError State = "OtherError"
	StateErr        State = "Err"
)

// SubmitResponse acknowledges a submit request.
type SubmitResponse struct {
	State State `json:"state"`
}

// SyncRequest asks for the message history visible to the session's user.
// Days limits the history to the most recent N days; zero means everything.
type SyncRequest struct {
	Session *Session `json:"session" validate:"required"`
	Days    uint64   `json:"days"`
}

// SyncResponse carries the history, oldest first. Messages is an empty
// list on success with no history and null on failure.
type SyncResponse struct {
	State    State     `json:"state"`
	Messages []Message `json:"messages"`
}
