// Package credentials owns the OAuth token sets of every integration: saving them after a connect,
// handing out access tokens before remote calls and refreshing them one caller at a time.
package credentials

import (
	"context"
	"time"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/lock"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/providers"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/syncerr"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

type Config struct {
	// RefreshSkew is how close to expiry a token may get before Resolve refreshes it.
	RefreshSkew time.Duration
	LockTTL     time.Duration
	LockWait    time.Duration
}

func (c Config) withDefaults() Config {
	if c.RefreshSkew <= 0 {
		c.RefreshSkew = time.Minute
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.LockWait <= 0 {
		c.LockWait = 10 * time.Second
	}
	return c
}

// Credential is what a remote call needs: the integration it runs under and a bearer token.
type Credential struct {
	Integration *models.Integration
	AccessToken string
}

type Store struct {
	integrations repositories.IntegrationRepo
	registry     *providers.Registry
	locker       lock.Locker
	logger       ectologger.Logger
	cfg          Config
	group        singleflight.Group
}

func NewStore(integrations repositories.IntegrationRepo, registry *providers.Registry, locker lock.Locker, cfg Config, logger ectologger.Logger) *Store {
	return &Store{
		integrations: integrations,
		registry:     registry,
		locker:       locker,
		logger:       logger,
		cfg:          cfg.withDefaults(),
	}
}

// Get returns the active integration holding provider's credentials, or ErrNotConnected.
func (s *Store) Get(ctx context.Context, userID string, provider models.Provider) (*models.Integration, error) {
	ctx, span := tracing.StartSpan(ctx, "CredentialStore.Get")
	defer span.End()

	return s.integrations.GetActive(ctx, userID, provider.CredentialProvider())
}

// Resolve returns a usable access token, refreshing first when the stored one is close to expiry.
// A failed refresh is logged and the previous access token is handed out instead.
func (s *Store) Resolve(ctx context.Context, userID string, provider models.Provider) (*Credential, error) {
	ctx, span := tracing.StartSpan(ctx, "CredentialStore.Resolve")
	defer span.End()

	integration, err := s.Get(ctx, userID, provider)
	if err != nil {
		return nil, err
	}

	tokens := integration.Tokens()
	if tokens.CanRefresh() && !tokens.Fresh(s.cfg.RefreshSkew) {
		refreshed, err := s.refresh(ctx, userID, provider, false)
		if err != nil {
			s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"user_id":   userID,
				"provider":  provider,
				"permanent": syncerr.IsPermanentRefresh(err),
			}).Warn("token refresh failed, falling back to the stored access token")
		} else {
			tokens = *refreshed
			integration.Credentials = database.NewJSONB(tokens)
		}
	}

	if tokens.AccessToken == "" {
		return nil, &syncerr.RefreshError{Provider: string(provider), Cause: errors.New("no access token available")}
	}

	return &Credential{Integration: integration, AccessToken: tokens.AccessToken}, nil
}

// RefreshAndPersist forces a refresh and stores the returned token set in place of the old one.
func (s *Store) RefreshAndPersist(ctx context.Context, userID string, provider models.Provider) (*models.TokenSet, error) {
	ctx, span := tracing.StartSpan(ctx, "CredentialStore.RefreshAndPersist")
	defer span.End()

	return s.refresh(ctx, userID, provider, true)
}

// refresh collapses concurrent refreshes of one grant into a single provider call. The flight runs
// detached from the first caller's cancellation since its result is shared. Forced refreshes fly
// separately so they never get back a reused token.
func (s *Store) refresh(ctx context.Context, userID string, provider models.Provider, force bool) (*models.TokenSet, error) {
	credProvider := provider.CredentialProvider()
	key := lock.RefreshKey(userID, string(credProvider))
	if force {
		key += ":force"
	}

	result, err, shared := s.group.Do(key, func() (any, error) {
		return s.refreshLocked(context.WithoutCancel(ctx), userID, credProvider, force)
	})
	if shared {
		s.logger.WithContext(ctx).WithField("provider", credProvider).Debug("joined in-flight token refresh")
	}
	if err != nil {
		return nil, err
	}
	tokens := *result.(*models.TokenSet)
	return &tokens, nil
}

func (s *Store) refreshLocked(ctx context.Context, userID string, provider models.Provider, force bool) (*models.TokenSet, error) {
	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"user_id":  userID,
		"provider": provider,
	})

	held, err := s.locker.TryAcquire(ctx, lock.RefreshKey(userID, string(provider)), s.cfg.LockTTL, s.cfg.LockWait)
	if err != nil {
		metrics.RecordTokenRefresh(string(provider), "lock_timeout")
		return nil, &syncerr.RefreshError{Provider: string(provider), Cause: errors.Wrap(err, "failed to acquire refresh lock")}
	}
	defer func() {
		if err := held.Release(ctx); err != nil {
			log.WithError(err).Warn("failed to release refresh lock")
		}
	}()

	// another process may have refreshed while we waited; always refresh from the latest row
	integration, err := s.integrations.GetActive(ctx, userID, provider)
	if err != nil {
		return nil, err
	}
	current := integration.Tokens()
	if !force && current.Fresh(s.cfg.RefreshSkew) {
		metrics.RecordTokenRefresh(string(provider), "reused")
		return &current, nil
	}
	if !current.CanRefresh() {
		metrics.RecordTokenRefresh(string(provider), "no_refresh_token")
		return nil, &syncerr.RefreshError{Provider: string(provider), Cause: errors.New("no refresh token stored")}
	}

	adapter, err := s.registry.Require(provider, providers.CapabilityAuth)
	if err != nil {
		return nil, err
	}

	refreshed, err := adapter.Refresh(ctx, current.RefreshToken)
	if err != nil {
		if syncerr.IsPermanentRefresh(err) {
			metrics.RecordTokenRefresh(string(provider), "revoked")
			log.WithError(err).Warn("refresh token rejected, deactivating integration")
			if deactivateErr := s.integrations.Deactivate(ctx, integration.ID); deactivateErr != nil {
				log.WithError(deactivateErr).Error("failed to deactivate integration")
			}
			return nil, err
		}
		metrics.RecordTokenRefresh(string(provider), "failed")
		return nil, err
	}

	if err := s.integrations.UpdateCredentials(ctx, integration.ID, *refreshed); err != nil {
		metrics.RecordTokenRefresh(string(provider), "persist_failed")
		return nil, &syncerr.RefreshError{Provider: string(provider), Cause: err}
	}

	metrics.RecordTokenRefresh(string(provider), "success")
	log.Debug("refreshed and stored provider token")
	return refreshed, nil
}

// Save stores tokens for (userID, provider), creating the integration or reactivating and
// overwriting the existing one.
func (s *Store) Save(ctx context.Context, userID string, provider models.Provider, tokens models.TokenSet) (*models.Integration, error) {
	ctx, span := tracing.StartSpan(ctx, "CredentialStore.Save")
	defer span.End()

	integration := &models.Integration{
		UserID:      userID,
		Provider:    provider.CredentialProvider(),
		Credentials: database.NewJSONB(tokens),
	}
	if err := s.integrations.Upsert(ctx, integration); err != nil {
		return nil, err
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"user_id":        userID,
		"provider":       integration.Provider,
		"integration_id": integration.ID,
	}).Info("integration connected")
	return integration, nil
}

func (s *Store) List(ctx context.Context, userID string) ([]models.Integration, error) {
	ctx, span := tracing.StartSpan(ctx, "CredentialStore.List")
	defer span.End()

	return s.integrations.ListByUser(ctx, userID)
}

// Disconnect deletes the integration and with it every ledger entry it owns. Inactive integrations
// can be disconnected too.
func (s *Store) Disconnect(ctx context.Context, userID string, provider models.Provider) error {
	ctx, span := tracing.StartSpan(ctx, "CredentialStore.Disconnect")
	defer span.End()

	integrations, err := s.integrations.ListByUser(ctx, userID)
	if err != nil {
		return err
	}
	target := ectolinq.Find(integrations, func(i models.Integration) bool {
		return i.Provider == provider.CredentialProvider()
	})
	if target.ID == uuid.Nil {
		return syncerr.ErrNotConnected
	}

	if err := s.integrations.Delete(ctx, target.ID); err != nil {
		return err
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"user_id":        userID,
		"provider":       target.Provider,
		"integration_id": target.ID,
	}).Info("integration disconnected")
	return nil
}
