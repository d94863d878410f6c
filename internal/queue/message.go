package queue

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alphauslabs/ferry/internal/states"
)

var (
	// ErrInvalidMessage is returned for bodies that are not a task message.
	ErrInvalidMessage = errors.New("invalid queue message")

	// ErrUnknownType is returned for a message type other than export/import.
	ErrUnknownType = errors.New("unknown message type")
)

// Message tells a worker to look at a tracker. It carries no state; the
// tracker's persisted state decides what happens.
type Message struct {
	TrackerID string      `json:"tracker_id"`
	Type      states.Kind `json:"type"`

	// Legacy is set for command-mode messages. They are accepted but never
	// executed.
	Legacy bool `json:"-"`
}

// wireMessage accepts every shape seen on the queue.
type wireMessage struct {
	TrackerID *string `json:"tracker_id"`
	Type      *string `json:"type"`

	// Older producers sent the state they expected; it is ignored.
	State *string `json:"state"`

	Cmds    json.RawMessage `json:"cmds"`
	Pre     json.RawMessage `json:"pre"`
	Success json.RawMessage `json:"success"`
	Error   json.RawMessage `json:"error"`
	Post    json.RawMessage `json:"post"`
}

func (w *wireMessage) legacy() bool {
	return len(w.Cmds) > 0 || len(w.Pre) > 0 || len(w.Success) > 0 || len(w.Error) > 0 || len(w.Post) > 0
}

// Parse decodes and validates a message body.
func Parse(body []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(body, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	if w.TrackerID == nil && w.Type == nil && w.legacy() {
		return Message{Legacy: true}, nil
	}
	if w.TrackerID == nil || *w.TrackerID == "" {
		return Message{}, fmt.Errorf("%w: missing tracker_id", ErrInvalidMessage)
	}
	if w.Type == nil || *w.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	kind, ok := states.ParseKind(*w.Type)
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, *w.Type)
	}

	return Message{TrackerID: *w.TrackerID, Type: kind, Legacy: w.legacy()}, nil
}

// Encode returns the JSON body for m.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Event is published by the notify post-step action.
type Event struct {
	TrackerID string      `json:"tracker_id"`
	Type      states.Kind `json:"type"`
	State     string      `json:"state"`
	Instance  string      `json:"instance"`
	UserEmail string      `json:"user_email"`
}
