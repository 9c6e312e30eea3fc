package models

import (
	"time"

	"github.com/google/uuid"
)

type SyncEventType string

const (
	SyncEventAppointmentPushed     SyncEventType = "appointment.pushed"
	SyncEventAppointmentImported   SyncEventType = "appointment.imported"
	SyncEventDeleted               SyncEventType = "sync.deleted"
	SyncEventConferenceProvisioned SyncEventType = "conference.provisioned"
	SyncEventPullCompleted         SyncEventType = "pull.completed"
)

// SyncEvent is published after every completed reconciliation step.
type SyncEvent struct {
	ID              uuid.UUID      `json:"id"`
	Type            SyncEventType  `json:"type"`
	UserID          string         `json:"user_id"`
	Provider        Provider       `json:"provider"`
	AppointmentID   *uuid.UUID     `json:"appointment_id,omitempty"`
	ExternalEventID string         `json:"external_event_id,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
	OccurredAt      time.Time      `json:"occurred_at"`
}

func NewSyncEvent(eventType SyncEventType, userID string, provider Provider) SyncEvent {
	return SyncEvent{
		ID:         uuid.New(),
		Type:       eventType,
		UserID:     userID,
		Provider:   provider,
		OccurredAt: time.Now().UTC(),
	}
}

func (e SyncEvent) WithAppointment(id uuid.UUID, externalEventID string) SyncEvent {
	e.AppointmentID = &id
	e.ExternalEventID = externalEventID
	return e
}
