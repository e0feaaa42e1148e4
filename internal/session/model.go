package session

import "time"

// Session statuses. Completed is terminal for a session instance; a class
// returns to active only through a brand-new session.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// Session is a time-boxed, geofenced attendance window for one class.
type Session struct {
	ID        string    `json:"id"`
	ClassID   string    `json:"class_id"`
	CreatorID string    `json:"creator_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Status    string    `json:"status"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	RadiusM   float64   `json:"radius_m"`
}

// Attendee is one successful mark: who, when, from where, and how far from
// the session anchor they were.
type Attendee struct {
	StudentID string    `json:"student_id"`
	MarkedAt  time.Time `json:"marked_at"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	DistanceM float64   `json:"distance_m"`
}

// StatusInfo is the answer to a status query against a class.
type StatusInfo struct {
	Active    bool       `json:"active"`
	SessionID string     `json:"session_id,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	HasMarked bool       `json:"has_marked"`
}

// Summary describes a completed session for history listings.
type Summary struct {
	ID            string    `json:"id"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	AttendeeCount int       `json:"attendee_count"`
}
