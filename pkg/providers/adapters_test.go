package providers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/syncerr"
)

var testSpec = models.EventSpec{
	Title:         "Consultation",
	Description:   "Initial session",
	Location:      "Room 4",
	Start:         time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
	End:           time.Date(2026, 3, 2, 15, 50, 30, 0, time.UTC),
	AttendeeEmail: "client@example.com",
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	raw, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	body := map[string]any{}
	require.NoError(t, json.Unmarshal(raw, &body))
	return body
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestZoomAdapter_CreateEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/users/me/meetings", r.URL.Path)
		assert.Equal(t, "Bearer zoom-token", r.Header.Get("Authorization"))

		body := decodeBody(t, r)
		assert.Equal(t, "Consultation", body["topic"])
		assert.EqualValues(t, 2, body["type"])
		assert.EqualValues(t, 50, body["duration"])
		assert.Equal(t, "2026-03-02T15:00:00Z", body["start_time"])
		assert.Equal(t, "UTC", body["timezone"])
		settings := body["settings"].(map[string]any)
		assert.Equal(t, true, settings["waiting_room"])
		assert.Equal(t, "none", settings["auto_recording"])

		writeJSON(w, http.StatusCreated, `{"id":85746065432,"join_url":"https://zoom.us/j/85746065432"}`)
	}))
	defer srv.Close()

	a := NewZoomAdapter(OAuthConfig{ClientID: "zid"}, srv.URL, NewHTTPClient(time.Second), getTestLogger())
	remote, err := a.CreateEvent(context.Background(), "zoom-token", testSpec)
	require.NoError(t, err)
	assert.Equal(t, "85746065432", remote.ID)
	assert.Equal(t, "https://zoom.us/j/85746065432", remote.JoinURL)
}

func TestZoomAdapter_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete && r.URL.Path == "/meetings/gone":
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPatch:
			body := decodeBody(t, r)
			_, hasType := body["type"]
			assert.False(t, hasType)
			w.WriteHeader(http.StatusNoContent)
		default:
			writeJSON(w, http.StatusTooManyRequests, `{"code":429,"message":"rate limited"}`)
		}
	}))
	defer srv.Close()

	a := NewZoomAdapter(OAuthConfig{ClientID: "zid"}, srv.URL, NewHTTPClient(time.Second), getTestLogger())
	ctx := context.Background()

	_, err := a.CreateEvent(ctx, "tok", testSpec)
	assert.ErrorIs(t, err, syncerr.ErrSyncFailed)

	assert.NoError(t, a.DeleteEvent(ctx, "tok", "gone"))
	assert.NoError(t, a.UpdateEvent(ctx, "tok", "123", testSpec))

	_, err = a.ListEvents(ctx, "tok", models.TimeWindow{})
	assert.ErrorIs(t, err, syncerr.ErrUnsupported)
}

func TestMicrosoftCalendarAdapter_CreateEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me/calendar/events", r.URL.Path)
		assert.Equal(t, "Bearer ms-token", r.Header.Get("Authorization"))

		body := decodeBody(t, r)
		assert.Equal(t, "Consultation", body["subject"])
		start := body["start"].(map[string]any)
		assert.Equal(t, "2026-03-02T15:00:00", start["dateTime"])
		assert.Equal(t, "UTC", start["timeZone"])
		attendees := body["attendees"].([]any)
		require.Len(t, attendees, 1)

		writeJSON(w, http.StatusCreated, `{"id":"AAMkAGI2","subject":"Consultation"}`)
	}))
	defer srv.Close()

	a := NewMicrosoftCalendarAdapter(OAuthConfig{ClientID: "mid"}, "", srv.URL, NewHTTPClient(time.Second), getTestLogger())
	remote, err := a.CreateEvent(context.Background(), "ms-token", testSpec)
	require.NoError(t, err)
	assert.Equal(t, "AAMkAGI2", remote.ID)
	assert.Empty(t, remote.JoinURL)
}

func TestMicrosoftCalendarAdapter_ListEventsFollowsNextLink(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, `outlook.timezone="UTC"`, r.Header.Get("Prefer"))
		switch r.URL.Path {
		case "/me/calendar/calendarView":
			query := r.URL.Query()
			assert.Equal(t, "2026-03-01T00:00:00Z", query.Get("startDateTime"))
			assert.Equal(t, "2026-03-31T00:00:00Z", query.Get("endDateTime"))
			assert.Empty(t, query.Get("$filter"))
			assert.Equal(t, "start/dateTime", query.Get("$orderby"))
			writeJSON(w, http.StatusOK, `{
				"value":[{"id":"e1","subject":"One","body":{"content":"notes"},"location":{"displayName":"Office"},
					"start":{"dateTime":"2026-03-02T09:00:00.0000000","timeZone":"UTC"},
					"end":{"dateTime":"2026-03-02T10:00:00.0000000","timeZone":"UTC"}},
				{"id":"occ-9","subject":"Weekly","type":"occurrence","seriesMasterId":"series-1",
					"start":{"dateTime":"2026-03-30T23:00:00.0000000","timeZone":"UTC"},
					"end":{"dateTime":"2026-03-31T01:00:00.0000000","timeZone":"UTC"}}],
				"@odata.nextLink":"`+srv.URL+`/page2"}`)
		case "/page2":
			writeJSON(w, http.StatusOK, `{"value":[{"id":"e2","subject":"Holiday","isAllDay":true,
				"start":{"dateTime":"2026-03-05T00:00:00.0000000","timeZone":"UTC"},
				"end":{"dateTime":"2026-03-06T00:00:00.0000000","timeZone":"UTC"}}]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	a := NewMicrosoftCalendarAdapter(OAuthConfig{ClientID: "mid"}, "", srv.URL, NewHTTPClient(time.Second), getTestLogger())
	window := models.TimeWindow{
		Start: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
	}
	events, err := a.ListEvents(context.Background(), "ms-token", window)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, "e1", events[0].ID)
	assert.Equal(t, "notes", events[0].Description)
	assert.Equal(t, "Office", events[0].Location)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), events[0].Start)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), events[0].End)

	// an occurrence that runs past the window end is still listed
	assert.Equal(t, "occ-9", events[1].ID)
	assert.Equal(t, time.Date(2026, 3, 31, 1, 0, 0, 0, time.UTC), events[1].End)

	assert.True(t, events[2].AllDay)
}

func TestMicrosoftCalendarAdapter_DeleteMissingEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		writeJSON(w, http.StatusNotFound, `{"error":{"code":"ErrorItemNotFound"}}`)
	}))
	defer srv.Close()

	a := NewMicrosoftCalendarAdapter(OAuthConfig{ClientID: "mid"}, "", srv.URL, NewHTTPClient(time.Second), getTestLogger())
	assert.NoError(t, a.DeleteEvent(context.Background(), "tok", "e1"))
}

func TestGoogleCalendarAdapter_CreateEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/calendars/primary/events", r.URL.Path)
		assert.Equal(t, "Bearer g-token", r.Header.Get("Authorization"))
		assert.Empty(t, r.URL.Query().Get("conferenceDataVersion"))

		body := decodeBody(t, r)
		assert.Equal(t, "Consultation", body["summary"])
		assert.Nil(t, body["conferenceData"])

		writeJSON(w, http.StatusOK, `{"id":"gev-1","summary":"Consultation"}`)
	}))
	defer srv.Close()

	a := NewGoogleCalendarAdapter(OAuthConfig{ClientID: "gid"}, srv.URL+"/", NewHTTPClient(time.Second), getTestLogger())
	remote, err := a.CreateEvent(context.Background(), "g-token", testSpec)
	require.NoError(t, err)
	assert.Equal(t, "gev-1", remote.ID)
}

func TestGoogleCalendarAdapter_ListEventsPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "true", q.Get("singleEvents"))
		assert.Equal(t, "startTime", q.Get("orderBy"))
		assert.Equal(t, "2026-03-01T00:00:00Z", q.Get("timeMin"))

		if q.Get("pageToken") == "" {
			writeJSON(w, http.StatusOK, `{"items":[
				{"id":"g1","summary":"Timed","start":{"dateTime":"2026-03-02T10:00:00+01:00"},"end":{"dateTime":"2026-03-02T11:00:00+01:00"}},
				{"id":"g2","summary":"All day","start":{"date":"2026-03-03"},"end":{"date":"2026-03-04"}}
			],"nextPageToken":"p2"}`)
			return
		}
		assert.Equal(t, "p2", q.Get("pageToken"))
		writeJSON(w, http.StatusOK, `{"items":[{"id":"g3","summary":"Open ended","start":{"dateTime":"2026-03-05T10:00:00Z"}}]}`)
	}))
	defer srv.Close()

	a := NewGoogleCalendarAdapter(OAuthConfig{ClientID: "gid"}, srv.URL+"/", NewHTTPClient(time.Second), getTestLogger())
	window := models.TimeWindow{
		Start: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
	}
	events, err := a.ListEvents(context.Background(), "g-token", window)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), events[0].Start)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), events[0].End)
	assert.True(t, events[1].AllDay)
	assert.True(t, events[1].Start.IsZero())
	assert.False(t, events[2].Start.IsZero())
	assert.True(t, events[2].End.IsZero())
}

func TestGoogleCalendarAdapter_DeleteTreatsGoneAsSuccess(t *testing.T) {
	status := http.StatusGone
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, status, `{"error":{"code":410,"message":"Resource has been deleted"}}`)
	}))
	defer srv.Close()

	a := NewGoogleCalendarAdapter(OAuthConfig{ClientID: "gid"}, srv.URL+"/", NewHTTPClient(time.Second), getTestLogger())
	assert.NoError(t, a.DeleteEvent(context.Background(), "tok", "g1"))

	status = http.StatusForbidden
	err := a.DeleteEvent(context.Background(), "tok", "g1")
	assert.ErrorIs(t, err, syncerr.ErrSyncFailed)
}

func TestGoogleMeetAdapter_CreateEvent(t *testing.T) {
	hangoutLink := "https://meet.google.com/abc-defg-hij"
	deleted := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deleted = true
			w.WriteHeader(http.StatusNoContent)
			return
		}
		assert.Equal(t, "1", r.URL.Query().Get("conferenceDataVersion"))
		body := decodeBody(t, r)
		conference := body["conferenceData"].(map[string]any)
		request := conference["createRequest"].(map[string]any)
		assert.NotEmpty(t, request["requestId"])
		assert.Equal(t, "hangoutsMeet", request["conferenceSolutionKey"].(map[string]any)["type"])

		if hangoutLink == "" {
			writeJSON(w, http.StatusOK, `{"id":"gev-2"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"id":"gev-1","hangoutLink":"`+hangoutLink+`"}`)
	}))
	defer srv.Close()

	gcal := NewGoogleCalendarAdapter(OAuthConfig{ClientID: "gid"}, srv.URL+"/", NewHTTPClient(time.Second), getTestLogger())
	meet := NewGoogleMeetAdapter(gcal)

	remote, err := meet.CreateEvent(context.Background(), "tok", testSpec)
	require.NoError(t, err)
	assert.Equal(t, "gev-1", remote.ID)
	assert.Equal(t, hangoutLink, remote.JoinURL)

	hangoutLink = ""
	_, err = meet.CreateEvent(context.Background(), "tok", testSpec)
	assert.ErrorIs(t, err, syncerr.ErrSyncFailed)
	assert.True(t, deleted)
}

func TestMeetJoinURL(t *testing.T) {
	assert.Equal(t, "https://meet.google.com/x", meetJoinURL(&calendar.Event{HangoutLink: "https://meet.google.com/x"}))

	withEntryPoints := &calendar.Event{ConferenceData: &calendar.ConferenceData{
		EntryPoints: []*calendar.EntryPoint{
			{EntryPointType: "phone", Uri: "tel:+1-555-0100"},
			{EntryPointType: "video", Uri: "https://meet.google.com/y"},
		},
	}}
	assert.Equal(t, "https://meet.google.com/y", meetJoinURL(withEntryPoints))

	assert.Empty(t, meetJoinURL(&calendar.Event{}))
}
