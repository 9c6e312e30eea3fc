package models

import (
	"time"

	"github.com/google/uuid"
)

// SyncLedgerEntry maps an appointment to the external event that mirrors it on one provider.
type SyncLedgerEntry struct {
	ID              uuid.UUID `db:"id" json:"id"`
	UserID          string    `db:"user_id" json:"user_id"`
	AppointmentID   uuid.UUID `db:"appointment_id" json:"appointment_id"`
	IntegrationID   uuid.UUID `db:"integration_id" json:"integration_id"`
	ExternalEventID string    `db:"external_event_id" json:"external_event_id"`
	Provider        Provider  `db:"provider" json:"provider"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

func (SyncLedgerEntry) TableName() string {
	return "sync_ledger"
}
