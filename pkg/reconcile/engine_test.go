package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/syncerr"
)

var lessonStart = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func TestPush_CreatesEventAndLedgerEntry(t *testing.T) {
	adapter := newCalendarAdapter(models.ProviderGoogleCalendar)
	env := newTestEnv(adapter)
	integration := env.db.addIntegration("user-1", models.ProviderGoogleCalendar)
	appt := env.db.addAppointment("user-1", "Driving Lesson", lessonStart, lessonStart.Add(time.Hour))

	result, err := env.engine.Push(context.Background(), appt.ID, "user-1", models.ProviderGoogleCalendar)
	require.NoError(t, err)
	assert.Equal(t, PushCreated, result.Action)
	assert.NotEmpty(t, result.ExternalEventID)

	entries := env.db.ledgerEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, result.ExternalEventID, entries[0].ExternalEventID)
	assert.Equal(t, integration.ID, entries[0].IntegrationID)
	assert.True(t, env.db.appointment(appt.ID).CalendarSynced)

	require.Len(t, adapter.created, 1)
	assert.Equal(t, "Driving Lesson", adapter.created[0].Title)
	assert.Equal(t, lessonStart, adapter.created[0].Start)
	assert.Contains(t, env.publisher.types(), models.SyncEventAppointmentPushed)
}

func TestPush_IsIdempotent(t *testing.T) {
	adapter := newCalendarAdapter(models.ProviderMicrosoftCalendar)
	env := newTestEnv(adapter)
	env.db.addIntegration("user-1", models.ProviderMicrosoftCalendar)
	appt := env.db.addAppointment("user-1", "Review", lessonStart, lessonStart.Add(time.Hour))
	ctx := context.Background()

	first, err := env.engine.Push(ctx, appt.ID, "user-1", models.ProviderMicrosoftCalendar)
	require.NoError(t, err)
	second, err := env.engine.Push(ctx, appt.ID, "user-1", models.ProviderMicrosoftCalendar)
	require.NoError(t, err)

	assert.Equal(t, PushUpdated, second.Action)
	assert.Equal(t, first.ExternalEventID, second.ExternalEventID)
	assert.Equal(t, 1, adapter.createCount())
	assert.Equal(t, []string{first.ExternalEventID}, adapter.updated)
	assert.Len(t, env.db.ledgerEntries(), 1)
}

func TestPush_ConcurrentFirstPushesCreateOneEvent(t *testing.T) {
	adapter := newCalendarAdapter(models.ProviderGoogleCalendar)
	adapter.delay = 100 * time.Millisecond
	env := newTestEnv(adapter)
	env.db.addIntegration("user-1", models.ProviderGoogleCalendar)
	appt := env.db.addAppointment("user-1", "Race", lessonStart, lessonStart.Add(time.Hour))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.engine.Push(context.Background(), appt.ID, "user-1", models.ProviderGoogleCalendar)
		}(i)
	}
	wg.Wait()

	succeeded, raced := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, syncerr.ErrAlreadySynced):
			raced++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, raced)
	assert.Equal(t, 1, adapter.createCount())
	assert.Len(t, env.db.ledgerEntries(), 1)
}

func TestSyncAppointment_RaceLoserConvergesAsUpdate(t *testing.T) {
	adapter := newCalendarAdapter(models.ProviderGoogleCalendar)
	adapter.delay = 50 * time.Millisecond
	env := newTestEnv(adapter)
	env.db.addIntegration("user-1", models.ProviderGoogleCalendar)
	appt := env.db.addAppointment("user-1", "Race", lessonStart, lessonStart.Add(time.Hour))

	var wg sync.WaitGroup
	results := make([]*PushResult, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := env.engine.SyncAppointment(context.Background(), appt.ID, "user-1", models.ProviderGoogleCalendar)
			if assert.NoError(t, err) {
				results[i] = result
			}
		}(i)
	}
	wg.Wait()

	require.NotNil(t, results[0])
	require.NotNil(t, results[1])
	assert.ElementsMatch(t, []PushAction{PushCreated, PushUpdated}, []PushAction{results[0].Action, results[1].Action})
	assert.Equal(t, 1, adapter.createCount())
	assert.Len(t, env.db.ledgerEntries(), 1)
}

func TestPush_AdapterFailureLeavesStateUntouched(t *testing.T) {
	adapter := newCalendarAdapter(models.ProviderGoogleCalendar)
	adapter.createErr = syncerr.NewSyncFailed("google_calendar", "create", errors.New("timeout"))
	env := newTestEnv(adapter)
	env.db.addIntegration("user-1", models.ProviderGoogleCalendar)
	appt := env.db.addAppointment("user-1", "Lesson", lessonStart, lessonStart.Add(time.Hour))

	_, err := env.engine.Push(context.Background(), appt.ID, "user-1", models.ProviderGoogleCalendar)
	assert.ErrorIs(t, err, syncerr.ErrSyncFailed)
	assert.False(t, env.db.appointment(appt.ID).CalendarSynced)
	assert.Empty(t, env.db.ledgerEntries())

	// a plain error from an adapter is still reported as a sync failure
	adapter.createErr = errors.New("connection reset")
	_, err = env.engine.Push(context.Background(), appt.ID, "user-1", models.ProviderGoogleCalendar)
	assert.ErrorIs(t, err, syncerr.ErrSyncFailed)
}

func TestPush_Preconditions(t *testing.T) {
	adapter := newCalendarAdapter(models.ProviderGoogleCalendar)
	env := newTestEnv(adapter, newConferenceAdapter(models.ProviderZoom, "https://zoom.test/j/1"))
	appt := env.db.addAppointment("user-1", "Lesson", lessonStart, lessonStart.Add(time.Hour))
	ctx := context.Background()

	_, err := env.engine.Push(ctx, appt.ID, "user-1", models.ProviderGoogleCalendar)
	assert.ErrorIs(t, err, syncerr.ErrNotConnected)

	env.db.addIntegration("user-1", models.ProviderGoogleCalendar)
	_, err = env.engine.Push(ctx, appt.ID, "user-2", models.ProviderGoogleCalendar)
	assert.ErrorIs(t, err, syncerr.ErrNotFound)

	_, err = env.engine.Push(ctx, uuid.New(), "user-1", models.ProviderGoogleCalendar)
	assert.ErrorIs(t, err, syncerr.ErrNotFound)

	_, err = env.engine.Push(ctx, appt.ID, "user-1", models.ProviderZoom)
	assert.ErrorIs(t, err, syncerr.ErrUnsupported)

	assert.Zero(t, adapter.createCount())
}

func TestPush_LedgerConflictDiscardsRemoteEvent(t *testing.T) {
	adapter := newCalendarAdapter(models.ProviderGoogleCalendar)
	env := newTestEnv(adapter)
	env.db.addIntegration("user-1", models.ProviderGoogleCalendar)
	appt := env.db.addAppointment("user-1", "Lesson", lessonStart, lessonStart.Add(time.Hour))
	env.db.failLedgerUpsert = syncerr.ErrAlreadySynced

	_, err := env.engine.Push(context.Background(), appt.ID, "user-1", models.ProviderGoogleCalendar)
	assert.ErrorIs(t, err, syncerr.ErrAlreadySynced)
	assert.Equal(t, 1, adapter.createCount())
	assert.Len(t, adapter.deleted, 1)
	assert.False(t, env.db.appointment(appt.ID).CalendarSynced)
}

func TestPush_ConflictOnExternalEventKeepsRemoteEvent(t *testing.T) {
	adapter := newCalendarAdapter(models.ProviderGoogleCalendar)
	env := newTestEnv(adapter)
	integration := env.db.addIntegration("user-1", models.ProviderGoogleCalendar)
	imported := env.db.addAppointment("user-1", "Imported", lessonStart, lessonStart.Add(time.Hour))
	appt := env.db.addAppointment("user-1", "Lesson", lessonStart, lessonStart.Add(time.Hour))
	ctx := context.Background()

	// the next created event already belongs to another appointment
	require.NoError(t, fakeLedger{db: env.db}.Upsert(ctx, &models.SyncLedgerEntry{
		UserID:          "user-1",
		AppointmentID:   imported.ID,
		IntegrationID:   integration.ID,
		ExternalEventID: "remote-a",
		Provider:        models.ProviderGoogleCalendar,
	}))

	_, err := env.engine.Push(ctx, appt.ID, "user-1", models.ProviderGoogleCalendar)
	assert.ErrorIs(t, err, syncerr.ErrAlreadySynced)
	assert.Equal(t, 1, adapter.createCount())
	assert.Empty(t, adapter.deleted)
	assert.Len(t, env.db.ledgerEntries(), 1)
}

func TestPush_PullDuringCreateDoesNotImportPushedEvent(t *testing.T) {
	adapter := &listingAdapter{fakeAdapter: newCalendarAdapter(models.ProviderGoogleCalendar)}
	env := newTestEnv(adapter)
	env.db.addIntegration("user-1", models.ProviderGoogleCalendar)
	appt := env.db.addAppointment("user-1", "Lesson", lessonStart, lessonStart.Add(time.Hour))

	var during *PullResult
	adapter.onCreate = func(ctx context.Context) {
		result, err := env.engine.Pull(ctx, "user-1", models.ProviderGoogleCalendar)
		require.NoError(t, err)
		during = result
	}

	pushed, err := env.engine.Push(context.Background(), appt.ID, "user-1", models.ProviderGoogleCalendar)
	require.NoError(t, err)
	assert.Equal(t, PushCreated, pushed.Action)

	require.NotNil(t, during)
	assert.True(t, during.InProgress)
	assert.Empty(t, during.Imported)

	after, err := env.engine.Pull(context.Background(), "user-1", models.ProviderGoogleCalendar)
	require.NoError(t, err)
	assert.Empty(t, after.Imported)
	assert.Equal(t, 1, after.AlreadyMirrored)

	assert.Equal(t, 1, env.db.appointmentCount())
	assert.Len(t, env.db.ledgerEntries(), 1)
	assert.Empty(t, adapter.deleted)
	assert.True(t, env.db.appointment(appt.ID).CalendarSynced)
	assertLedgerLive(t, env.db, adapter.fakeAdapter)
}

func TestPush_UpdateRestoresClearedSyncFlag(t *testing.T) {
	adapter := newCalendarAdapter(models.ProviderGoogleCalendar)
	env := newTestEnv(adapter)
	env.db.addIntegration("user-1", models.ProviderGoogleCalendar)
	appt := env.db.addAppointment("user-1", "Lesson", lessonStart, lessonStart.Add(time.Hour))
	ctx := context.Background()

	_, err := env.engine.Push(ctx, appt.ID, "user-1", models.ProviderGoogleCalendar)
	require.NoError(t, err)
	require.NoError(t, fakeAppointments{db: env.db}.UpdateSyncFlag(ctx, appt.ID, false))

	result, err := env.engine.Push(ctx, appt.ID, "user-1", models.ProviderGoogleCalendar)
	require.NoError(t, err)
	assert.Equal(t, PushUpdated, result.Action)
	assert.True(t, env.db.appointment(appt.ID).CalendarSynced)
}
