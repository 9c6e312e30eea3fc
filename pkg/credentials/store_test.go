package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/lock"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/providers"
	"github.com/Ramsey-B/clover/pkg/syncerr"
)

func getTestLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fakeIntegrations struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*models.Integration
}

func newFakeIntegrations() *fakeIntegrations {
	return &fakeIntegrations{rows: map[uuid.UUID]*models.Integration{}}
}

func (f *fakeIntegrations) add(userID string, provider models.Provider, tokens models.TokenSet) *models.Integration {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := &models.Integration{ID: uuid.New(), UserID: userID, Provider: provider, Credentials: database.NewJSONB(tokens), IsActive: true}
	f.rows[row.ID] = row
	cp := *row
	return &cp
}

func (f *fakeIntegrations) get(id uuid.UUID) models.Integration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.rows[id]
}

func (f *fakeIntegrations) GetActive(ctx context.Context, userID string, provider models.Provider) (*models.Integration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.UserID == userID && row.Provider == provider && row.IsActive {
			cp := *row
			return &cp, nil
		}
	}
	return nil, syncerr.ErrNotConnected
}

func (f *fakeIntegrations) ListByUser(ctx context.Context, userID string) ([]models.Integration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Integration
	for _, row := range f.rows {
		if row.UserID == userID {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (f *fakeIntegrations) ListDueForPull(ctx context.Context, providers []models.Provider, syncedBefore time.Time, limit int) ([]models.Integration, error) {
	return nil, nil
}

func (f *fakeIntegrations) Upsert(ctx context.Context, integration *models.Integration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.UserID == integration.UserID && row.Provider == integration.Provider {
			row.Credentials = integration.Credentials
			row.IsActive = true
			*integration = *row
			return nil
		}
	}
	integration.ID = uuid.New()
	integration.IsActive = true
	cp := *integration
	f.rows[cp.ID] = &cp
	return nil
}

func (f *fakeIntegrations) UpdateCredentials(ctx context.Context, id uuid.UUID, tokens models.TokenSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[id].Credentials = database.NewJSONB(tokens)
	return nil
}

func (f *fakeIntegrations) Deactivate(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[id].IsActive = false
	return nil
}

func (f *fakeIntegrations) TouchLastSynced(ctx context.Context, id uuid.UUID, at time.Time) error {
	return nil
}

func (f *fakeIntegrations) Delete(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}

// fakeAuth is an Adapter whose Refresh is scripted.
type fakeAuth struct {
	providers.Adapter
	provider models.Provider
	calls    atomic.Int32
	delay    time.Duration
	refresh  func(refreshToken string) (*models.TokenSet, error)
}

func (a *fakeAuth) Provider() models.Provider           { return a.provider }
func (a *fakeAuth) Capabilities() providers.Capability { return providers.CapabilityAuth }

func (a *fakeAuth) Refresh(ctx context.Context, refreshToken string) (*models.TokenSet, error) {
	a.calls.Add(1)
	time.Sleep(a.delay)
	return a.refresh(refreshToken)
}

func newTestStore(repo *fakeIntegrations, adapter *fakeAuth) *Store {
	return NewStore(repo, providers.NewRegistry(adapter), lock.NewMemoryLocker(), Config{LockWait: 2 * time.Second}, getTestLogger())
}

func expiredTokens() models.TokenSet {
	return models.TokenSet{AccessToken: "old-access", RefreshToken: "old-refresh", Expiry: time.Now().Add(-time.Minute), Scope: "calendar"}
}

func TestStore_GetNotConnected(t *testing.T) {
	store := newTestStore(newFakeIntegrations(), &fakeAuth{provider: models.ProviderZoom})

	_, err := store.Get(context.Background(), "user-1", models.ProviderZoom)
	assert.ErrorIs(t, err, syncerr.ErrNotConnected)

	_, err = store.Resolve(context.Background(), "user-1", models.ProviderZoom)
	assert.ErrorIs(t, err, syncerr.ErrNotConnected)
}

func TestStore_ResolveReturnsFreshTokenWithoutRefreshing(t *testing.T) {
	repo := newFakeIntegrations()
	repo.add("user-1", models.ProviderZoom, models.TokenSet{AccessToken: "live", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)})
	adapter := &fakeAuth{provider: models.ProviderZoom}
	store := newTestStore(repo, adapter)

	cred, err := store.Resolve(context.Background(), "user-1", models.ProviderZoom)
	require.NoError(t, err)
	assert.Equal(t, "live", cred.AccessToken)
	assert.Zero(t, adapter.calls.Load())
}

func TestStore_ResolveRefreshesAndReplacesBlob(t *testing.T) {
	repo := newFakeIntegrations()
	row := repo.add("user-1", models.ProviderGoogleCalendar, expiredTokens())
	adapter := &fakeAuth{provider: models.ProviderGoogleCalendar, refresh: func(refreshToken string) (*models.TokenSet, error) {
		assert.Equal(t, "old-refresh", refreshToken)
		return &models.TokenSet{AccessToken: "new-access", RefreshToken: "new-refresh", Expiry: time.Now().Add(time.Hour)}, nil
	}}
	store := newTestStore(repo, adapter)

	// Meet resolves through the Google Calendar grant
	cred, err := store.Resolve(context.Background(), "user-1", models.ProviderGoogleMeet)
	require.NoError(t, err)
	assert.Equal(t, "new-access", cred.AccessToken)
	assert.Equal(t, row.ID, cred.Integration.ID)

	storedRow := repo.get(row.ID)
	stored := storedRow.Tokens()
	assert.Equal(t, "new-access", stored.AccessToken)
	assert.Equal(t, "new-refresh", stored.RefreshToken)
	assert.Empty(t, stored.Scope, "refreshed set replaces the old blob entirely")
}

func TestStore_ResolveFallsBackOnTransientRefreshFailure(t *testing.T) {
	repo := newFakeIntegrations()
	row := repo.add("user-1", models.ProviderMicrosoftCalendar, expiredTokens())
	adapter := &fakeAuth{provider: models.ProviderMicrosoftCalendar, refresh: func(string) (*models.TokenSet, error) {
		return nil, &syncerr.RefreshError{Provider: "microsoft_calendar", Cause: errors.New("503")}
	}}
	store := newTestStore(repo, adapter)

	cred, err := store.Resolve(context.Background(), "user-1", models.ProviderMicrosoftCalendar)
	require.NoError(t, err)
	assert.Equal(t, "old-access", cred.AccessToken)

	stored := repo.get(row.ID)
	assert.True(t, stored.IsActive)
	assert.Equal(t, expiredTokens().RefreshToken, stored.Tokens().RefreshToken)
	assert.Equal(t, "calendar", stored.Tokens().Scope)
}

func TestStore_PermanentRefreshFailureDeactivates(t *testing.T) {
	repo := newFakeIntegrations()
	row := repo.add("user-1", models.ProviderZoom, expiredTokens())
	adapter := &fakeAuth{provider: models.ProviderZoom, refresh: func(string) (*models.TokenSet, error) {
		return nil, &syncerr.RefreshError{Provider: "zoom", Permanent: true, Cause: errors.New("invalid_grant")}
	}}
	store := newTestStore(repo, adapter)

	_, err := store.RefreshAndPersist(context.Background(), "user-1", models.ProviderZoom)
	assert.ErrorIs(t, err, syncerr.ErrRefreshFailed)
	assert.True(t, syncerr.IsPermanentRefresh(err))

	stored := repo.get(row.ID)
	assert.False(t, stored.IsActive)
	assert.Equal(t, "old-access", stored.Tokens().AccessToken)

	_, err = store.Get(context.Background(), "user-1", models.ProviderZoom)
	assert.ErrorIs(t, err, syncerr.ErrNotConnected)
}

func TestStore_RefreshWithoutRefreshTokenKeepsIntegration(t *testing.T) {
	repo := newFakeIntegrations()
	row := repo.add("user-1", models.ProviderZoom, models.TokenSet{AccessToken: "only-access"})
	adapter := &fakeAuth{provider: models.ProviderZoom}
	store := newTestStore(repo, adapter)

	_, err := store.RefreshAndPersist(context.Background(), "user-1", models.ProviderZoom)
	assert.ErrorIs(t, err, syncerr.ErrRefreshFailed)
	assert.Zero(t, adapter.calls.Load())
	assert.True(t, repo.get(row.ID).IsActive)

	cred, err := store.Resolve(context.Background(), "user-1", models.ProviderZoom)
	require.NoError(t, err)
	assert.Equal(t, "only-access", cred.AccessToken)
}

func TestStore_ConcurrentResolveRefreshesOnce(t *testing.T) {
	repo := newFakeIntegrations()
	repo.add("user-1", models.ProviderGoogleCalendar, expiredTokens())
	var issued atomic.Int32
	adapter := &fakeAuth{provider: models.ProviderGoogleCalendar, delay: 50 * time.Millisecond, refresh: func(refreshToken string) (*models.TokenSet, error) {
		if refreshToken != "old-refresh" {
			return nil, &syncerr.RefreshError{Provider: "google_calendar", Permanent: true, Cause: errors.New("invalid_grant")}
		}
		issued.Add(1)
		return &models.TokenSet{AccessToken: "new-access", RefreshToken: "rotated", Expiry: time.Now().Add(time.Hour)}, nil
	}}
	store := newTestStore(repo, adapter)

	var wg sync.WaitGroup
	tokens := make([]string, 8)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred, err := store.Resolve(context.Background(), "user-1", models.ProviderGoogleCalendar)
			if assert.NoError(t, err) {
				tokens[i] = cred.AccessToken
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, issued.Load())
	for _, token := range tokens {
		assert.Equal(t, "new-access", token)
	}
}

func TestStore_ForcedRefreshDoesNotJoinPlainRefresh(t *testing.T) {
	repo := newFakeIntegrations()
	repo.add("user-1", models.ProviderGoogleCalendar, expiredTokens())
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	var issued atomic.Int32
	adapter := &fakeAuth{provider: models.ProviderGoogleCalendar, refresh: func(refreshToken string) (*models.TokenSet, error) {
		n := issued.Add(1)
		started <- struct{}{}
		<-release
		return &models.TokenSet{AccessToken: fmt.Sprintf("access-%d", n), RefreshToken: "rotated", Expiry: time.Now().Add(time.Hour)}, nil
	}}
	store := newTestStore(repo, adapter)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := store.Resolve(context.Background(), "user-1", models.ProviderGoogleCalendar)
		assert.NoError(t, err)
	}()
	<-started

	var forced *models.TokenSet
	go func() {
		defer wg.Done()
		tokens, err := store.RefreshAndPersist(context.Background(), "user-1", models.ProviderGoogleCalendar)
		if assert.NoError(t, err) {
			forced = tokens
		}
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 2, issued.Load())
	require.NotNil(t, forced)
	assert.Equal(t, "access-2", forced.AccessToken)
}

func TestStore_SaveUpsertsAndReactivates(t *testing.T) {
	repo := newFakeIntegrations()
	store := newTestStore(repo, &fakeAuth{provider: models.ProviderGoogleCalendar})
	ctx := context.Background()

	first, err := store.Save(ctx, "user-1", models.ProviderGoogleMeet, models.TokenSet{AccessToken: "a1", RefreshToken: "r1"})
	require.NoError(t, err)
	assert.Equal(t, models.ProviderGoogleCalendar, first.Provider)

	require.NoError(t, repo.Deactivate(ctx, first.ID))

	second, err := store.Save(ctx, "user-1", models.ProviderGoogleCalendar, models.TokenSet{AccessToken: "a2", RefreshToken: "r2"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.IsActive)

	list, err := store.List(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a2", list[0].Tokens().AccessToken)
}

func TestStore_Disconnect(t *testing.T) {
	repo := newFakeIntegrations()
	repo.add("user-1", models.ProviderZoom, models.TokenSet{AccessToken: "a"})
	store := newTestStore(repo, &fakeAuth{provider: models.ProviderZoom})
	ctx := context.Background()

	require.NoError(t, store.Disconnect(ctx, "user-1", models.ProviderZoom))
	assert.ErrorIs(t, store.Disconnect(ctx, "user-1", models.ProviderZoom), syncerr.ErrNotConnected)
}
