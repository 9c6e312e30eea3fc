package models

import "time"

type EventSpec struct {
	Title         string
	Description   string
	Location      string
	Start         time.Time
	End           time.Time
	AttendeeEmail string
	// Conference asks the provider to attach a video meeting.
	Conference bool
}

// DurationMinutes is the whole number of minutes between Start and End, rounded down.
func (s EventSpec) DurationMinutes() int {
	d := s.End.Sub(s.Start)
	if d <= 0 {
		return 0
	}
	return int(d / time.Minute)
}

// ExternalEvent is an event as listed by a calendar provider. Start and End are zero when the
// provider did not send a timed value.
type ExternalEvent struct {
	ID          string
	Title       string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	AllDay      bool
}

type RemoteEvent struct {
	ID      string
	JoinURL string
}

type TimeWindow struct {
	Start time.Time
	End   time.Time
}
