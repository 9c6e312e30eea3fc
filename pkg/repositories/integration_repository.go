package repositories

import (
	"context"
	"time"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/syncerr"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const integrationsTable = "integrations"

var integrationStruct = database.NewStruct(new(models.Integration))

type IntegrationRepository struct {
	*Repository
}

func NewIntegrationRepository(db database.DB, logger ectologger.Logger) *IntegrationRepository {
	return &IntegrationRepository{Repository: NewRepository(db, logger)}
}

// GetActive returns the user's active integration for provider, or ErrNotConnected.
func (r *IntegrationRepository) GetActive(ctx context.Context, userID string, provider models.Provider) (*models.Integration, error) {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.GetActive")
	defer span.End()

	sb := integrationStruct.SelectFrom(integrationsTable)
	sb.Where(sb.Equal("user_id", userID), sb.Equal("provider", provider), sb.Equal("is_active", true))

	query, args := sb.Build()
	var integration models.Integration
	err := r.q(ctx).GetContext(ctx, &integration, query, args...)
	if database.IsNoRows(err) {
		return nil, syncerr.ErrNotConnected
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"user_id":  userID,
			"provider": provider,
		}).Error("failed to get active integration")
		return nil, internalError("failed to get integration")
	}

	return &integration, nil
}

func (r *IntegrationRepository) ListByUser(ctx context.Context, userID string) ([]models.Integration, error) {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.ListByUser")
	defer span.End()

	sb := integrationStruct.SelectFrom(integrationsTable)
	sb.Where(sb.Equal("user_id", userID)).OrderBy("provider")

	query, args := sb.Build()
	integrations := []models.Integration{}
	if err := r.q(ctx).SelectContext(ctx, &integrations, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("user_id", userID).Error("failed to list integrations")
		return nil, internalError("failed to list integrations")
	}

	return integrations, nil
}

// ListDueForPull returns active integrations for providers never synced or last synced before
// syncedBefore, oldest first.
func (r *IntegrationRepository) ListDueForPull(ctx context.Context, providers []models.Provider, syncedBefore time.Time, limit int) ([]models.Integration, error) {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.ListDueForPull")
	defer span.End()

	if len(providers) == 0 {
		return []models.Integration{}, nil
	}

	sb := integrationStruct.SelectFrom(integrationsTable)
	sb.Where(
		sb.Equal("is_active", true),
		sb.In("provider", ectolinq.Map(providers, func(p models.Provider) any { return string(p) })...),
		sb.Or(sb.IsNull("last_synced_at"), sb.LessThan("last_synced_at", syncedBefore)),
	).OrderBy("last_synced_at").Asc()
	if limit > 0 {
		sb.Limit(limit)
	}

	query, args := sb.Build()
	integrations := []models.Integration{}
	if err := r.q(ctx).SelectContext(ctx, &integrations, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list integrations due for pull")
		return nil, internalError("failed to list integrations")
	}

	return integrations, nil
}

// Upsert saves the integration for (user, provider), replacing the credentials and reactivating
// an existing row. The stored id and timestamps are written back onto integration.
func (r *IntegrationRepository) Upsert(ctx context.Context, integration *models.Integration) error {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.Upsert")
	defer span.End()

	if integration.ID == uuid.Nil {
		integration.ID = uuid.New()
	}

	ib := database.NewInsertBuilder(integrationsTable)
	ib.Cols("id", "user_id", "provider", "credentials", "is_active", "created_at", "updated_at").
		Values(integration.ID, integration.UserID, integration.Provider, integration.Credentials, true,
			sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()"))
	ib.OnConflict([]string{"user_id", "provider"},
		database.Excluded("credentials"),
		"is_active = TRUE",
		"updated_at = NOW()",
	)
	ib.Returning("id", "is_active", "last_synced_at", "created_at", "updated_at")

	query, args := ib.Build()
	err := r.q(ctx).QueryRowxContext(ctx, query, args...).Scan(
		&integration.ID, &integration.IsActive, &integration.LastSyncedAt, &integration.CreatedAt, &integration.UpdatedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"user_id":  integration.UserID,
			"provider": integration.Provider,
		}).Error("failed to upsert integration")
		return internalError("failed to save integration")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"integration_id": integration.ID,
		"provider":       integration.Provider,
	}).Debugf("Saved %s", integrationsTable)
	return nil
}

// UpdateCredentials replaces the stored token set.
func (r *IntegrationRepository) UpdateCredentials(ctx context.Context, id uuid.UUID, tokens models.TokenSet) error {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.UpdateCredentials")
	defer span.End()

	ub := database.NewUpdateBuilder(integrationsTable)
	ub.Set(
		ub.Assign("credentials", database.NewJSONB(tokens)),
		"updated_at = NOW()",
	).Where(ub.Equal("id", id))

	return r.exec(ctx, id, "update credentials", ub)
}

func (r *IntegrationRepository) Deactivate(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.Deactivate")
	defer span.End()

	ub := database.NewUpdateBuilder(integrationsTable)
	ub.Set("is_active = FALSE", "updated_at = NOW()").Where(ub.Equal("id", id))

	return r.exec(ctx, id, "deactivate", ub)
}

func (r *IntegrationRepository) TouchLastSynced(ctx context.Context, id uuid.UUID, at time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.TouchLastSynced")
	defer span.End()

	ub := database.NewUpdateBuilder(integrationsTable)
	ub.Set(ub.Assign("last_synced_at", at.UTC()), "updated_at = NOW()").Where(ub.Equal("id", id))

	return r.exec(ctx, id, "touch last synced", ub)
}

// Delete removes the integration together with every ledger entry that points at it.
func (r *IntegrationRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.Delete")
	defer span.End()

	return r.db.WithTx(ctx, func(ctx context.Context) error {
		if err := NewLedgerRepository(r.db, r.logger).DeleteByIntegration(ctx, id); err != nil {
			return err
		}

		db := database.NewDeleteBuilder(integrationsTable)
		db.Where(db.Equal("id", id))
		return r.exec(ctx, id, "delete", db)
	})
}

func (r *IntegrationRepository) exec(ctx context.Context, id uuid.UUID, action string, builder sqlbuilder.Builder) error {
	query, args := builder.Build()
	result, err := r.q(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("integration_id", id).Errorf("failed to %s integration", action)
		return internalError("failed to " + action + " integration")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return syncerr.ErrNotFound
	}

	r.logger.WithContext(ctx).WithField("integration_id", id).Debugf("%s %s", action, integrationsTable)
	return nil
}
