package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Outcome represents the result of an audited decision.
type Outcome string

const (
	// OutcomeAllow indicates the request was permitted.
	OutcomeAllow Outcome = "allow"

	// OutcomeDeny indicates the request was refused.
	OutcomeDeny Outcome = "deny"

	// OutcomeError indicates the decision could not be completed.
	OutcomeError Outcome = "error"
)

// Event is a single entry in the tamper-evident audit trail. Each event
// carries the content hash of the immediately preceding event, so any
// silent edit or deletion breaks the chain from that point forward.
type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Actor     string            `json:"actor"`
	Action    string            `json:"action"`
	Resource  string            `json:"resource"`
	Outcome   Outcome           `json:"outcome"`
	Details   map[string]string `json:"details,omitempty"`

	// PreviousHash is the Hash of the prior event in the stream; empty for
	// the first event after startup or after a purge re-anchor.
	PreviousHash string `json:"previous_hash"`

	// Hash is the content hash of this event, computed over every field
	// except Hash itself.
	Hash string `json:"hash"`
}

// hashableEvent mirrors Event without the Hash field so that hashing is
// stable regardless of whether the hash has been assigned yet.
type hashableEvent struct {
	ID           string            `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	Actor        string            `json:"actor"`
	Action       string            `json:"action"`
	Resource     string            `json:"resource"`
	Outcome      Outcome           `json:"outcome"`
	Details      map[string]string `json:"details,omitempty"`
	PreviousHash string            `json:"previous_hash"`
}

// ComputeHash returns the hex-encoded SHA-256 of the event content,
// excluding the Hash field itself.
func (e *Event) ComputeHash() (string, error) {
	payload := hashableEvent{
		ID:           e.ID,
		Timestamp:    e.Timestamp,
		Actor:        e.Actor,
		Action:       e.Action,
		Resource:     e.Resource,
		Outcome:      e.Outcome,
		Details:      e.Details,
		PreviousHash: e.PreviousHash,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event for hashing: %w", err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Validate checks that the event carries the minimum required fields.
func (e *Event) Validate() error {
	if e.Action == "" {
		return fmt.Errorf("event action is required")
	}
	switch e.Outcome {
	case OutcomeAllow, OutcomeDeny, OutcomeError:
	default:
		return fmt.Errorf("invalid event outcome: %q", e.Outcome)
	}
	return nil
}

// VerifyChain recomputes the hash chain over an ordered slice of events and
// reports the first point at which it breaks. An empty slice verifies.
func VerifyChain(events []*Event) error {
	for i, event := range events {
		computed, err := event.ComputeHash()
		if err != nil {
			return err
		}
		if computed != event.Hash {
			return fmt.Errorf("event %s at index %d: content hash mismatch", event.ID, i)
		}
		if i > 0 && event.PreviousHash != events[i-1].Hash {
			return fmt.Errorf("event %s at index %d: broken chain link", event.ID, i)
		}
	}
	return nil
}

// EventBuilder assembles audit events fluently.
type EventBuilder struct {
	event *Event
}

// NewEvent starts building an audit event for the given action.
func NewEvent(action string) *EventBuilder {
	return &EventBuilder{
		event: &Event{
			ID:        uuid.New().String(),
			Timestamp: time.Now().UTC(),
			Action:    action,
			Details:   make(map[string]string),
		},
	}
}

// WithActor sets the acting principal.
func (b *EventBuilder) WithActor(actor string) *EventBuilder {
	b.event.Actor = actor
	return b
}

// WithResource sets the resource the decision protected.
func (b *EventBuilder) WithResource(resource string) *EventBuilder {
	b.event.Resource = resource
	return b
}

// WithOutcome sets the decision outcome.
func (b *EventBuilder) WithOutcome(outcome Outcome) *EventBuilder {
	b.event.Outcome = outcome
	return b
}

// WithDetail attaches a key/value pair to the event. Secret material (keys,
// token bodies, code verifiers) must never be passed here.
func (b *EventBuilder) WithDetail(key, value string) *EventBuilder {
	b.event.Details[key] = value
	return b
}

// WithError records the error text and marks the outcome as error unless one
// was already set.
func (b *EventBuilder) WithError(err error) *EventBuilder {
	if err != nil {
		b.event.Details["error"] = err.Error()
		if b.event.Outcome == "" {
			b.event.Outcome = OutcomeError
		}
	}
	return b
}

// Build finalizes the event. Hash assignment happens when the event is
// recorded, since chaining requires the logger's append cursor.
func (b *EventBuilder) Build() *Event {
	if b.event.Outcome == "" {
		b.event.Outcome = OutcomeAllow
	}
	return b.event
}
