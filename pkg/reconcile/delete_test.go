package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/syncerr"
)

func TestDeleteSync_RemovesLedgerEntryWhenRemoteDeleteFails(t *testing.T) {
	adapter := newCalendarAdapter(models.ProviderGoogleCalendar)
	env := newTestEnv(adapter)
	env.db.addIntegration("user-1", models.ProviderGoogleCalendar)
	appt := env.db.addAppointment("user-1", "Lesson", lessonStart, lessonStart.Add(time.Hour))
	ctx := context.Background()

	pushed, err := env.engine.Push(ctx, appt.ID, "user-1", models.ProviderGoogleCalendar)
	require.NoError(t, err)

	adapter.deleteErr = errors.New("provider unreachable")
	result, err := env.engine.DeleteSync(ctx, appt.ID, "user-1", models.ProviderGoogleCalendar)
	require.NoError(t, err)
	assert.True(t, result.Found)
	assert.False(t, result.RemoteDeleted)
	assert.Contains(t, result.RemoteError, "provider unreachable")
	assert.Equal(t, pushed.ExternalEventID, result.ExternalEventID)

	assert.Empty(t, env.db.ledgerEntries())
	assert.False(t, env.db.appointment(appt.ID).CalendarSynced)
	assert.Contains(t, env.publisher.types(), models.SyncEventDeleted)
}

func TestDeleteSync_RemovesRemoteEvent(t *testing.T) {
	adapter := newCalendarAdapter(models.ProviderMicrosoftCalendar)
	env := newTestEnv(adapter)
	env.db.addIntegration("user-1", models.ProviderMicrosoftCalendar)
	appt := env.db.addAppointment("user-1", "Lesson", lessonStart, lessonStart.Add(time.Hour))
	ctx := context.Background()

	pushed, err := env.engine.Push(ctx, appt.ID, "user-1", models.ProviderMicrosoftCalendar)
	require.NoError(t, err)

	result, err := env.engine.DeleteSync(ctx, appt.ID, "user-1", models.ProviderMicrosoftCalendar)
	require.NoError(t, err)
	assert.True(t, result.RemoteDeleted)
	assert.Equal(t, []string{pushed.ExternalEventID}, adapter.deleted)
	assert.Empty(t, env.db.ledgerEntries())
}

func TestDeleteSync_UnresolvableTokenStillRemovesEntry(t *testing.T) {
	adapter := newCalendarAdapter(models.ProviderGoogleCalendar)
	env := newTestEnv(adapter)
	env.db.addIntegration("user-1", models.ProviderGoogleCalendar)
	appt := env.db.addAppointment("user-1", "Lesson", lessonStart, lessonStart.Add(time.Hour))
	ctx := context.Background()

	_, err := env.engine.Push(ctx, appt.ID, "user-1", models.ProviderGoogleCalendar)
	require.NoError(t, err)

	env.engine.Credentials = fakeCredentials{db: env.db, err: syncerr.ErrNotConnected}
	result, err := env.engine.DeleteSync(ctx, appt.ID, "user-1", models.ProviderGoogleCalendar)
	require.NoError(t, err)
	assert.False(t, result.RemoteDeleted)
	assert.Empty(t, adapter.deleted)
	assert.Empty(t, env.db.ledgerEntries())
}

func TestDeleteSync_NoEntryIsANoOp(t *testing.T) {
	adapter := newCalendarAdapter(models.ProviderGoogleCalendar)
	env := newTestEnv(adapter)
	appt := env.db.addAppointment("user-1", "Lesson", lessonStart, lessonStart.Add(time.Hour))

	result, err := env.engine.DeleteSync(context.Background(), appt.ID, "user-1", models.ProviderGoogleCalendar)
	require.NoError(t, err)
	assert.False(t, result.Found)
	assert.Empty(t, adapter.deleted)
}

func TestDeleteSync_OtherUsersEntry(t *testing.T) {
	adapter := newCalendarAdapter(models.ProviderGoogleCalendar)
	env := newTestEnv(adapter)
	env.db.addIntegration("user-1", models.ProviderGoogleCalendar)
	appt := env.db.addAppointment("user-1", "Lesson", lessonStart, lessonStart.Add(time.Hour))
	ctx := context.Background()

	_, err := env.engine.Push(ctx, appt.ID, "user-1", models.ProviderGoogleCalendar)
	require.NoError(t, err)

	_, err = env.engine.DeleteSync(ctx, appt.ID, "user-2", models.ProviderGoogleCalendar)
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
	assert.Len(t, env.db.ledgerEntries(), 1)
}

func TestDeleteAll(t *testing.T) {
	gcal := newCalendarAdapter(models.ProviderGoogleCalendar)
	zoom := newConferenceAdapter(models.ProviderZoom, "https://zoom.test/j/1")
	env := newTestEnv(gcal, zoom)
	env.db.addIntegration("user-1", models.ProviderGoogleCalendar)
	env.db.addIntegration("user-1", models.ProviderZoom)
	appt := env.db.addAppointment("user-1", "Lesson", lessonStart, lessonStart.Add(time.Hour))
	ctx := context.Background()

	_, err := env.engine.Push(ctx, appt.ID, "user-1", models.ProviderGoogleCalendar)
	require.NoError(t, err)
	_, err = env.engine.Provision(ctx, appt.ID, "user-1", models.ProviderZoom)
	require.NoError(t, err)
	require.Len(t, env.db.ledgerEntries(), 2)

	results, err := env.engine.DeleteAll(ctx, appt.ID, "user-1")
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Empty(t, env.db.ledgerEntries())
	assert.Len(t, gcal.deleted, 1)
	assert.Len(t, zoom.deleted, 1)

	stored := env.db.appointment(appt.ID)
	assert.False(t, stored.CalendarSynced)
	assert.Nil(t, stored.VideoURL)
}
