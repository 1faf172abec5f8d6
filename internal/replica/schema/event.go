package schema

import (
	"time"

	"github.com/omnii/replica/internal/replica/syncerr"
)

// AttendeeRef is a lightweight reference to an event participant.
type AttendeeRef struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty" validate:"max=500"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`
}

// Event is a time-bounded replica (calendar entry). StartTime never comes
// after EndTime.
type Event struct {
	ID        string        `json:"id" validate:"required,max=256"`
	Title     string        `json:"title,omitempty" validate:"max=1000"`
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	Attendees []AttendeeRef `json:"attendees,omitempty" validate:"dive"`
	Location  *string       `json:"location,omitempty"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

func (e *Event) Collection() Collection { return Events }
func (e *Event) Key() string            { return e.ID }
func (e *Event) Updated() time.Time     { return e.UpdatedAt }
func (e *Event) SetUpdated(t time.Time) { e.UpdatedAt = t }

// Validate checks field constraints and the time ordering invariant.
func (e *Event) Validate() error {
	if err := validateStruct(Events, e); err != nil {
		return err
	}
	if err := requireTime(Events, "startTime", e.StartTime); err != nil {
		return err
	}
	if err := requireTime(Events, "endTime", e.EndTime); err != nil {
		return err
	}
	if e.StartTime.After(e.EndTime) {
		return syncerr.Schema(string(Events), "startTime", "must not be after endTime")
	}
	return requireTime(Events, "updatedAt", e.UpdatedAt)
}

// Overlaps reports whether the event intersects [from, to).
func (e *Event) Overlaps(from, to time.Time) bool {
	return e.StartTime.Before(to) && !e.EndTime.Before(from)
}
