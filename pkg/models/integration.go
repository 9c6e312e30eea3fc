package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/database"
)

// Integration is one user's OAuth grant for one provider.
type Integration struct {
	ID           uuid.UUID                `db:"id" json:"id"`
	UserID       string                   `db:"user_id" json:"user_id"`
	Provider     Provider                 `db:"provider" json:"provider"`
	Credentials  database.JSONB[TokenSet] `db:"credentials" json:"-"`
	IsActive     bool                     `db:"is_active" json:"is_active"`
	LastSyncedAt *time.Time               `db:"last_synced_at" json:"last_synced_at,omitempty"`
	CreatedAt    time.Time                `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time                `db:"updated_at" json:"updated_at"`
}

func (Integration) TableName() string {
	return "integrations"
}

func (i *Integration) Tokens() TokenSet {
	return i.Credentials.GetValue()
}
