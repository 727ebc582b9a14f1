package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBuilder(t *testing.T) {
	event := NewEvent("rbac.authorize").
		WithActor("user-1").
		WithResource("doc:read").
		WithOutcome(OutcomeDeny).
		WithDetail("roles", "viewer").
		Build()

	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Timestamp.IsZero())
	assert.Equal(t, "rbac.authorize", event.Action)
	assert.Equal(t, "user-1", event.Actor)
	assert.Equal(t, "doc:read", event.Resource)
	assert.Equal(t, OutcomeDeny, event.Outcome)
	assert.Equal(t, "viewer", event.Details["roles"])
}

func TestEventBuilder_DefaultsToAllow(t *testing.T) {
	event := NewEvent("session.create").Build()
	assert.Equal(t, OutcomeAllow, event.Outcome)
}

func TestEventBuilder_WithErrorMarksError(t *testing.T) {
	event := NewEvent("oauth.reject").
		WithError(assert.AnError).
		Build()

	assert.Equal(t, OutcomeError, event.Outcome)
	assert.Equal(t, assert.AnError.Error(), event.Details["error"])
}

func TestEvent_Validate(t *testing.T) {
	tests := []struct {
		name    string
		event   *Event
		wantErr bool
	}{
		{
			name:    "valid event",
			event:   &Event{Action: "session.create", Outcome: OutcomeAllow},
			wantErr: false,
		},
		{
			name:    "missing action",
			event:   &Event{Outcome: OutcomeAllow},
			wantErr: true,
		},
		{
			name:    "unknown outcome",
			event:   &Event{Action: "session.create", Outcome: "maybe"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEvent_ComputeHashExcludesHashField(t *testing.T) {
	event := NewEvent("session.create").WithActor("user-1").Build()

	first, err := event.ComputeHash()
	require.NoError(t, err)

	event.Hash = first
	second, err := event.ComputeHash()
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func chainEvents(t *testing.T, actions ...string) []*Event {
	t.Helper()

	var events []*Event
	prev := ""
	for _, action := range actions {
		event := NewEvent(action).WithActor("user-1").Build()
		event.PreviousHash = prev
		hash, err := event.ComputeHash()
		require.NoError(t, err)
		event.Hash = hash
		prev = hash
		events = append(events, event)
	}
	return events
}

func TestVerifyChain(t *testing.T) {
	events := chainEvents(t, "session.create", "rbac.authorize", "session.revoke")
	assert.NoError(t, VerifyChain(events))
	assert.NoError(t, VerifyChain(nil))
}

func TestVerifyChain_DetectsContentTampering(t *testing.T) {
	events := chainEvents(t, "session.create", "rbac.authorize", "session.revoke")

	// Silently rewrite the middle event's content.
	events[1].Actor = "attacker"

	err := VerifyChain(events)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content hash mismatch")
}

func TestVerifyChain_DetectsDeletion(t *testing.T) {
	events := chainEvents(t, "session.create", "rbac.authorize", "session.revoke")

	// Drop the middle event; the link from 0 to 2 no longer holds.
	err := VerifyChain([]*Event{events[0], events[2]})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken chain link")
}

func TestQuery_Matches(t *testing.T) {
	now := time.Now()
	event := &Event{
		Timestamp: now,
		Actor:     "user-1",
		Action:    "rbac.authorize",
		Outcome:   OutcomeDeny,
	}

	tests := []struct {
		name  string
		query *Query
		want  bool
	}{
		{"empty query matches", &Query{}, true},
		{"actor match", &Query{Actor: "user-1"}, true},
		{"actor mismatch", &Query{Actor: "user-2"}, false},
		{"outcome match", &Query{Outcome: OutcomeDeny}, true},
		{"outcome mismatch", &Query{Outcome: OutcomeAllow}, false},
		{"within range", &Query{Start: now.Add(-time.Minute), End: now.Add(time.Minute)}, true},
		{"before range", &Query{Start: now.Add(time.Minute)}, false},
		{"after range", &Query{End: now.Add(-time.Minute)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.query.matches(event))
		})
	}
}
