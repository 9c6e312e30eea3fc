package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/Ramsey-B/clover/pkg/credentials"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/lock"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/providers"
	"github.com/Ramsey-B/clover/pkg/syncerr"
)

func getTestLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

// fakeDB holds appointments, ledger entries and integrations behind one mutex and enforces the
// ledger's unique constraints. WithTx restores a snapshot when fn fails.
type fakeDB struct {
	mu           sync.Mutex
	appointments map[uuid.UUID]models.Appointment
	ledger       []models.SyncLedgerEntry
	integrations map[uuid.UUID]models.Integration

	// failLedgerUpsert makes the next ledger upsert fail with this error
	failLedgerUpsert error
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		appointments: map[uuid.UUID]models.Appointment{},
		integrations: map[uuid.UUID]models.Integration{},
	}
}

func (db *fakeDB) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	db.mu.Lock()
	appointments := make(map[uuid.UUID]models.Appointment, len(db.appointments))
	for k, v := range db.appointments {
		appointments[k] = v
	}
	ledger := append([]models.SyncLedgerEntry(nil), db.ledger...)
	db.mu.Unlock()

	if err := fn(ctx); err != nil {
		db.mu.Lock()
		db.appointments = appointments
		db.ledger = ledger
		db.mu.Unlock()
		return err
	}
	return nil
}

func (db *fakeDB) addAppointment(userID, title string, start, end time.Time) models.Appointment {
	db.mu.Lock()
	defer db.mu.Unlock()
	a := models.Appointment{ID: uuid.New(), UserID: userID, Title: title, StartTime: start, EndTime: end}
	db.appointments[a.ID] = a
	return a
}

func (db *fakeDB) appointment(id uuid.UUID) models.Appointment {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.appointments[id]
}

func (db *fakeDB) appointmentCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.appointments)
}

func (db *fakeDB) addIntegration(userID string, provider models.Provider) models.Integration {
	db.mu.Lock()
	defer db.mu.Unlock()
	i := models.Integration{
		ID:          uuid.New(),
		UserID:      userID,
		Provider:    provider,
		IsActive:    true,
		Credentials: database.NewJSONB(models.TokenSet{AccessToken: "token-" + string(provider)}),
	}
	db.integrations[i.ID] = i
	return i
}

func (db *fakeDB) ledgerEntries() []models.SyncLedgerEntry {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]models.SyncLedgerEntry(nil), db.ledger...)
}

type fakeAppointments struct{ db *fakeDB }

func (r fakeAppointments) GetByID(ctx context.Context, id uuid.UUID, userID string) (*models.Appointment, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	a, ok := r.db.appointments[id]
	if !ok || a.UserID != userID {
		return nil, syncerr.ErrNotFound
	}
	return &a, nil
}

func (r fakeAppointments) Create(ctx context.Context, appointment *models.Appointment) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if appointment.ID == uuid.Nil {
		appointment.ID = uuid.New()
	}
	r.db.appointments[appointment.ID] = *appointment
	return nil
}

func (r fakeAppointments) UpdateSyncFlag(ctx context.Context, id uuid.UUID, synced bool) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	a, ok := r.db.appointments[id]
	if !ok {
		return syncerr.ErrNotFound
	}
	a.CalendarSynced = synced
	r.db.appointments[id] = a
	return nil
}

func (r fakeAppointments) UpdateVideo(ctx context.Context, id uuid.UUID, url, platform string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	a, ok := r.db.appointments[id]
	if !ok {
		return syncerr.ErrNotFound
	}
	a.VideoURL, a.VideoPlatform = nil, nil
	if url != "" {
		a.VideoURL, a.VideoPlatform = &url, &platform
	}
	r.db.appointments[id] = a
	return nil
}

type fakeLedger struct{ db *fakeDB }

func (r fakeLedger) FindByAppointment(ctx context.Context, appointmentID uuid.UUID, provider models.Provider) (*models.SyncLedgerEntry, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, e := range r.db.ledger {
		if e.AppointmentID == appointmentID && e.Provider == provider {
			return &e, nil
		}
	}
	return nil, nil
}

func (r fakeLedger) FindByExternalID(ctx context.Context, integrationID uuid.UUID, externalEventID string) (*models.SyncLedgerEntry, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, e := range r.db.ledger {
		if e.IntegrationID == integrationID && e.ExternalEventID == externalEventID {
			return &e, nil
		}
	}
	return nil, nil
}

func (r fakeLedger) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]models.SyncLedgerEntry, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []models.SyncLedgerEntry
	for _, e := range r.db.ledger {
		if e.AppointmentID == appointmentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r fakeLedger) Upsert(ctx context.Context, entry *models.SyncLedgerEntry) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.failLedgerUpsert; err != nil {
		r.db.failLedgerUpsert = nil
		return err
	}
	for i, e := range r.db.ledger {
		sameAppointment := e.AppointmentID == entry.AppointmentID && e.Provider == entry.Provider
		sameEvent := e.IntegrationID == entry.IntegrationID && e.ExternalEventID == entry.ExternalEventID
		if sameAppointment && sameEvent {
			r.db.ledger[i].UpdatedAt = time.Now()
			*entry = r.db.ledger[i]
			return nil
		}
		if sameAppointment || sameEvent {
			return syncerr.ErrAlreadySynced
		}
	}
	entry.ID = uuid.New()
	r.db.ledger = append(r.db.ledger, *entry)
	return nil
}

func (r fakeLedger) Delete(ctx context.Context, appointmentID uuid.UUID, provider models.Provider) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	kept := r.db.ledger[:0]
	for _, e := range r.db.ledger {
		if e.AppointmentID != appointmentID || e.Provider != provider {
			kept = append(kept, e)
		}
	}
	r.db.ledger = kept
	return nil
}

type fakeIntegrations struct{ db *fakeDB }

func (r fakeIntegrations) GetActive(ctx context.Context, userID string, provider models.Provider) (*models.Integration, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, i := range r.db.integrations {
		if i.UserID == userID && i.Provider == provider && i.IsActive {
			return &i, nil
		}
	}
	return nil, syncerr.ErrNotConnected
}

func (r fakeIntegrations) ListByUser(ctx context.Context, userID string) ([]models.Integration, error) {
	return nil, nil
}

func (r fakeIntegrations) ListDueForPull(ctx context.Context, providers []models.Provider, syncedBefore time.Time, limit int) ([]models.Integration, error) {
	return nil, nil
}

func (r fakeIntegrations) Upsert(ctx context.Context, integration *models.Integration) error {
	return nil
}

func (r fakeIntegrations) UpdateCredentials(ctx context.Context, id uuid.UUID, tokens models.TokenSet) error {
	return nil
}

func (r fakeIntegrations) Deactivate(ctx context.Context, id uuid.UUID) error {
	return nil
}

func (r fakeIntegrations) TouchLastSynced(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	i := r.db.integrations[id]
	i.LastSyncedAt = &at
	r.db.integrations[id] = i
	return nil
}

func (r fakeIntegrations) Delete(ctx context.Context, id uuid.UUID) error {
	return nil
}

// fakeCredentials resolves straight from the fake integrations.
type fakeCredentials struct {
	db  *fakeDB
	err error
}

func (c fakeCredentials) Resolve(ctx context.Context, userID string, provider models.Provider) (*credentials.Credential, error) {
	if c.err != nil {
		return nil, c.err
	}
	integration, err := fakeIntegrations{db: c.db}.GetActive(ctx, userID, provider.CredentialProvider())
	if err != nil {
		return nil, err
	}
	return &credentials.Credential{Integration: integration, AccessToken: integration.Tokens().AccessToken}, nil
}

// fakeAdapter records calls and serves scripted events.
type fakeAdapter struct {
	provider     models.Provider
	capabilities providers.Capability
	delay        time.Duration
	joinURL      string

	mu        sync.Mutex
	created   []models.EventSpec
	updated   []string
	deleted   []string
	events    []models.ExternalEvent
	nextID    atomic.Int32
	createErr error
	updateErr error
	deleteErr error
	listErr   error
}

func newCalendarAdapter(provider models.Provider) *fakeAdapter {
	return &fakeAdapter{provider: provider, capabilities: providers.CapabilityAuth | providers.CapabilityCalendar}
}

func newConferenceAdapter(provider models.Provider, joinURL string) *fakeAdapter {
	return &fakeAdapter{provider: provider, capabilities: providers.CapabilityAuth | providers.CapabilityConference, joinURL: joinURL}
}

func (a *fakeAdapter) Provider() models.Provider           { return a.provider }
func (a *fakeAdapter) Capabilities() providers.Capability { return a.capabilities }
func (a *fakeAdapter) AuthURL(state string) string         { return "https://auth.test/?state=" + state }

func (a *fakeAdapter) ExchangeCode(ctx context.Context, code string) (*models.TokenSet, error) {
	return &models.TokenSet{AccessToken: "exchanged"}, nil
}

func (a *fakeAdapter) Refresh(ctx context.Context, refreshToken string) (*models.TokenSet, error) {
	return nil, errors.New("not scripted")
}

func (a *fakeAdapter) CreateEvent(ctx context.Context, accessToken string, spec models.EventSpec) (*models.RemoteEvent, error) {
	time.Sleep(a.delay)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.createErr != nil {
		return nil, a.createErr
	}
	a.created = append(a.created, spec)
	id := "remote-" + string(rune('a'+a.nextID.Add(1)-1))
	return &models.RemoteEvent{ID: id, JoinURL: a.joinURL}, nil
}

func (a *fakeAdapter) UpdateEvent(ctx context.Context, accessToken, externalID string, spec models.EventSpec) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.updateErr != nil {
		return a.updateErr
	}
	a.updated = append(a.updated, externalID)
	return nil
}

func (a *fakeAdapter) DeleteEvent(ctx context.Context, accessToken, externalID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.deleteErr != nil {
		return a.deleteErr
	}
	a.deleted = append(a.deleted, externalID)
	return nil
}

func (a *fakeAdapter) ListEvents(ctx context.Context, accessToken string, window models.TimeWindow) ([]models.ExternalEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listErr != nil {
		return nil, a.listErr
	}
	return append([]models.ExternalEvent(nil), a.events...), nil
}

func (a *fakeAdapter) createCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.created)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []models.SyncEvent
}

func (p *fakePublisher) PublishSyncEvent(ctx context.Context, event models.SyncEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) types() []models.SyncEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.SyncEventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type testEnv struct {
	db        *fakeDB
	engine    *Engine
	publisher *fakePublisher
}

func newTestEnv(adapters ...providers.Adapter) *testEnv {
	db := newFakeDB()
	publisher := &fakePublisher{}
	engine := NewEngine(Deps{
		Appointments: fakeAppointments{db: db},
		Ledger:       fakeLedger{db: db},
		Integrations: fakeIntegrations{db: db},
		Credentials:  fakeCredentials{db: db},
		Registry:     providers.NewRegistry(adapters...),
		Locker:       lock.NewMemoryLocker(),
		Transactor:   db,
		Publisher:    publisher,
	}, Config{LockWait: 2 * time.Second}, getTestLogger())
	return &testEnv{db: db, engine: engine, publisher: publisher}
}

// listingAdapter lists every event it creates, like a real calendar. onCreate runs after the event
// is visible and before CreateEvent returns.
type listingAdapter struct {
	*fakeAdapter
	onCreate func(ctx context.Context)
}

func (a *listingAdapter) CreateEvent(ctx context.Context, accessToken string, spec models.EventSpec) (*models.RemoteEvent, error) {
	remote, err := a.fakeAdapter.CreateEvent(ctx, accessToken, spec)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.events = append(a.events, models.ExternalEvent{ID: remote.ID, Title: spec.Title, Start: spec.Start, End: spec.End})
	a.mu.Unlock()

	if a.onCreate != nil {
		a.onCreate(ctx)
	}
	return remote, nil
}

// assertLedgerLive checks that every ledger entry names an existing appointment and a remote event
// the adapter still lists.
func assertLedgerLive(t *testing.T, db *fakeDB, adapter *fakeAdapter) {
	t.Helper()

	adapter.mu.Lock()
	live := map[string]bool{}
	for _, event := range adapter.events {
		live[event.ID] = true
	}
	for _, id := range adapter.deleted {
		delete(live, id)
	}
	adapter.mu.Unlock()

	for _, entry := range db.ledgerEntries() {
		assert.Equal(t, entry.AppointmentID, db.appointment(entry.AppointmentID).ID, "ledger entry %s has no appointment", entry.ID)
		assert.True(t, live[entry.ExternalEventID], "ledger entry %s names missing remote event %s", entry.ID, entry.ExternalEventID)
	}
}
