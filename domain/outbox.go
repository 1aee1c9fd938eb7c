package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation is the kind of mutation carried by an outbox entry.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpToggle Operation = "toggle"
)

// OutboxEntry is one pending mutation waiting to be replayed against the API.
type OutboxEntry struct {
	// ID doubles as the Idempotency-Key sent with create requests.
	ID         string          `json:"id"`
	Seq        int64           `json:"seq"`
	Operation  Operation       `json:"operation"`
	Domain     Domain          `json:"domain"`
	RecordID   string          `json:"recordId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Attempts   int             `json:"attempts,omitempty"`
	LastErr    string          `json:"lastErr,omitempty"`
}

// Validate checks that the operation is supported by the entry's domain.
func (e OutboxEntry) Validate() error {
	if e.ID == "" {
		return invalid("id", "required")
	}
	if !e.Domain.Valid() {
		return invalid("domain", fmt.Sprintf("unknown domain %q", e.Domain))
	}
	switch e.Domain {
	case Goals:
		switch e.Operation {
		case OpCreate:
		case OpUpdate, OpDelete, OpToggle:
			if e.RecordID == "" {
				return invalid("recordId", "required for "+string(e.Operation))
			}
		default:
			return invalid("operation", fmt.Sprintf("unknown operation %q", e.Operation))
		}
	case Queries, Feedback:
		if e.Operation != OpCreate {
			return invalid("operation", fmt.Sprintf("%s only supports create", e.Domain))
		}
	case Contact:
		if e.Operation != OpUpdate {
			return invalid("operation", "contact only supports update")
		}
	}
	return nil
}
