package models

import (
	"time"

	"github.com/google/uuid"
)

type Appointment struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	UserID         string     `db:"user_id" json:"user_id"`
	ClientID       *uuid.UUID `db:"client_id" json:"client_id,omitempty"`
	Title          string     `db:"title" json:"title"`
	StartTime      time.Time  `db:"start_time" json:"start_time"`
	EndTime        time.Time  `db:"end_time" json:"end_time"`
	Location       *string    `db:"location" json:"location,omitempty"`
	Notes          *string    `db:"notes" json:"notes,omitempty"`
	CalendarSynced bool       `db:"calendar_synced" json:"calendar_synced"`
	VideoURL       *string    `db:"video_url" json:"video_url,omitempty"`
	VideoPlatform  *string    `db:"video_platform" json:"video_platform,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

func (Appointment) TableName() string {
	return "appointments"
}

func (a *Appointment) HasVideo() bool {
	return a.VideoURL != nil && *a.VideoURL != ""
}

// EventSpec is the provider-neutral description of the appointment pushed to a provider.
func (a *Appointment) EventSpec(attendeeEmail string, conference bool) EventSpec {
	spec := EventSpec{
		Title:         a.Title,
		Start:         a.StartTime.UTC(),
		End:           a.EndTime.UTC(),
		AttendeeEmail: attendeeEmail,
		Conference:    conference,
	}
	if a.Notes != nil {
		spec.Description = *a.Notes
	}
	if a.Location != nil {
		spec.Location = *a.Location
	}
	return spec
}
