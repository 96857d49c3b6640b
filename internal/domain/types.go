package domain

import (
	"encoding/json"
	"time"
)

// Invocation states derived from the persisted flags.
const (
	StatePending   = "pending"
	StateClaimed   = "claimed"
	StateDone      = "done"
	StateExhausted = "exhausted"
)

// Payload is the keyword-argument bag handed to a task function.
type Payload map[string]any

// Invocation is one row of the schedule table.
type Invocation struct {
	ID          int64           `json:"id"`
	TaskName    string          `json:"task_name"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Output      json.RawMessage `json:"output,omitempty"`
	Claimed     bool            `json:"claimed"`
	Done        bool            `json:"done"`
	RetryCount  int             `json:"retry_count"`
	Exhausted   bool            `json:"exhausted"`
	FailMessage json.RawMessage `json:"fail_message,omitempty"`
}

// FailMessage is the document stored in fail_message.
type FailMessage struct {
	Message string `json:"message"`
}

func (i Invocation) State() string {
	switch {
	case i.Done:
		return StateDone
	case i.Exhausted:
		return StateExhausted
	case i.Claimed:
		return StateClaimed
	default:
		return StatePending
	}
}

// Failure decodes fail_message, returning "" when the row never failed.
func (i Invocation) Failure() string {
	if len(i.FailMessage) == 0 {
		return ""
	}
	var fm FailMessage
	if err := json.Unmarshal(i.FailMessage, &fm); err != nil {
		return string(i.FailMessage)
	}
	return fm.Message
}

// Args decodes the stored payload into a Payload.
func (i Invocation) Args() (Payload, error) {
	p := Payload{}
	if len(i.Payload) == 0 || string(i.Payload) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(i.Payload, &p); err != nil {
		return nil, err
	}
	return p, nil
}
