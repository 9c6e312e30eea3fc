package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/models"
)

type IntegrationRepo interface {
	GetActive(ctx context.Context, userID string, provider models.Provider) (*models.Integration, error)
	ListByUser(ctx context.Context, userID string) ([]models.Integration, error)
	ListDueForPull(ctx context.Context, providers []models.Provider, syncedBefore time.Time, limit int) ([]models.Integration, error)
	Upsert(ctx context.Context, integration *models.Integration) error
	UpdateCredentials(ctx context.Context, id uuid.UUID, tokens models.TokenSet) error
	Deactivate(ctx context.Context, id uuid.UUID) error
	TouchLastSynced(ctx context.Context, id uuid.UUID, at time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type AppointmentRepo interface {
	GetByID(ctx context.Context, id uuid.UUID, userID string) (*models.Appointment, error)
	Create(ctx context.Context, appointment *models.Appointment) error
	UpdateSyncFlag(ctx context.Context, id uuid.UUID, synced bool) error
	UpdateVideo(ctx context.Context, id uuid.UUID, url, platform string) error
}

type LedgerRepo interface {
	FindByAppointment(ctx context.Context, appointmentID uuid.UUID, provider models.Provider) (*models.SyncLedgerEntry, error)
	FindByExternalID(ctx context.Context, integrationID uuid.UUID, externalEventID string) (*models.SyncLedgerEntry, error)
	ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]models.SyncLedgerEntry, error)
	Upsert(ctx context.Context, entry *models.SyncLedgerEntry) error
	Delete(ctx context.Context, appointmentID uuid.UUID, provider models.Provider) error
}
