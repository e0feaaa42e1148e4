package session

import (
	"context"
	"time"
)

// Store is the durable representation of sessions and attendee lists.
// Implementations return (nil, nil) from the finders when no row matches.
type Store interface {
	Create(ctx context.Context, s Session) error
	GetByID(ctx context.Context, id string) (*Session, error)
	FindActiveByClass(ctx context.Context, classID string) (*Session, error)
	// FindActiveByIDAndClass resolves a session only if it belongs to the
	// class and is still active.
	FindActiveByIDAndClass(ctx context.Context, id, classID string) (*Session, error)

	// ExtendEndTime moves the end time and forces status back to active.
	ExtendEndTime(ctx context.Context, id string, newEnd time.Time) error
	// Complete marks the session completed unconditionally.
	Complete(ctx context.Context, id string) error
	// CompleteIfDue marks the session completed only if it is still active
	// and its current end time has passed. Returns whether a row changed.
	CompleteIfDue(ctx context.Context, id string, now time.Time) (bool, error)

	// AppendAttendee appends the attendee unless the student is already on
	// the list. Returns false when the student was already present. The
	// conditional insert is the authoritative no-double-mark guard.
	AppendAttendee(ctx context.Context, sessionID string, a Attendee) (bool, error)
	HasMarked(ctx context.Context, sessionID, studentID string) (bool, error)
	ListAttendees(ctx context.Context, sessionID string) ([]Attendee, error)

	ListCompletedByClass(ctx context.Context, classID string) ([]Summary, error)
}

// Roster answers the two membership questions the engine needs. Backed by
// the identity/membership store, which owns enrollment uniqueness.
type Roster interface {
	IsClassCreator(ctx context.Context, classID, userID string) (bool, error)
	IsActivelyEnrolled(ctx context.Context, classID, userID string) (bool, error)
}

// Rotation starts and stops proof-of-presence key rotation for a class.
type Rotation interface {
	StartRotation(classID string)
	StopRotation(classID string)
}
