package commands

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is a command lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSent      Status = "sent"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// transitions lists the states reachable from each state. Completed is only
// reachable from executing; terminal states have no exits.
var transitions = map[Status][]Status{
	StatusQueued:    {StatusSent, StatusCancelled},
	StatusSent:      {StatusExecuting, StatusFailed, StatusTimeout},
	StatusExecuting: {StatusCompleted, StatusFailed, StatusTimeout},
}

// IsTerminal reports whether s accepts no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// sourcesOf returns every state with a legal step into to.
func sourcesOf(to Status) []Status {
	var out []Status
	for from, nexts := range transitions {
		for _, next := range nexts {
			if next == to {
				out = append(out, from)
			}
		}
	}
	return out
}

// Command is a remote instruction tracked through its lifecycle. The role and
// tier the requester held at submission are captured, never re-derived.
type Command struct {
	ID                 uuid.UUID       `json:"id"`
	AgentID            uuid.UUID       `json:"agent_id"`
	Type               string          `json:"command_type"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	Status             Status          `json:"status"`
	Priority           int             `json:"priority"`
	RequestedBy        int64           `json:"requested_by"`
	RequestedRole      string          `json:"requested_role"`
	RequestedRoleLevel int             `json:"requested_role_level"`
	RequestedTier      string          `json:"requested_tier"`
	IdempotencyKey     string          `json:"idempotency_key,omitempty"`
	Timeout            time.Duration   `json:"timeout"`
	SubmittedAt        time.Time       `json:"submitted_at"`
	SentAt             *time.Time      `json:"sent_at,omitempty"`
	StartedAt          *time.Time      `json:"started_at,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	TimeoutAt          *time.Time      `json:"timeout_at,omitempty"`
	Response           json.RawMessage `json:"response,omitempty"`
	Error              string          `json:"error,omitempty"`
	ExecutionMS        *int64          `json:"execution_ms,omitempty"`
}

// Update carries the fields a transition sets. Nil fields are left unchanged.
type Update struct {
	SentAt      *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	TimeoutAt   *time.Time
	Response    json.RawMessage
	Error       *string
	ExecutionMS *int64
}

// Apply copies the set fields onto c.
func (u Update) Apply(c *Command) {
	if u.SentAt != nil {
		c.SentAt = u.SentAt
	}
	if u.StartedAt != nil {
		c.StartedAt = u.StartedAt
	}
	if u.CompletedAt != nil {
		c.CompletedAt = u.CompletedAt
	}
	if u.TimeoutAt != nil {
		c.TimeoutAt = u.TimeoutAt
	}
	if u.Response != nil {
		c.Response = u.Response
	}
	if u.Error != nil {
		c.Error = *u.Error
	}
	if u.ExecutionMS != nil {
		c.ExecutionMS = u.ExecutionMS
	}
}

// CallbackKind is the type of an asynchronous agent status report.
type CallbackKind string

const (
	CallbackSentAck CallbackKind = "sent_ack"
	CallbackResult  CallbackKind = "result"
	CallbackError   CallbackKind = "error"
)

// Callback is a status report correlated by command id. Delivery is
// at-least-once, so duplicates and reordering are expected.
type Callback struct {
	CommandID uuid.UUID       `json:"command_id" validate:"required"`
	Kind      CallbackKind    `json:"kind" validate:"required,oneof=sent_ack result error"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty" validate:"max=4000"`
	At        time.Time       `json:"at"`
}

// SubmitInput requests a new command.
type SubmitInput struct {
	PrincipalID    int64           `validate:"required,gt=0"`
	AgentID        uuid.UUID       `validate:"required"`
	Type           string          `validate:"required,max=64"`
	Payload        json.RawMessage `validate:"omitempty"`
	IdempotencyKey string          `validate:"max=128"`
}

// Delivery is the message handed to an agent channel.
type Delivery struct {
	CommandID uuid.UUID       `json:"command_id"`
	AgentID   uuid.UUID       `json:"agent_id"`
	Type      string          `json:"command_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Priority  int             `json:"priority"`
	TimeoutAt time.Time       `json:"timeout_at"`
}

// Filter narrows command listings.
type Filter struct {
	AgentID uuid.UUID
	Status  Status
	Limit   int
}
