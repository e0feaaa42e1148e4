package session

import (
	"errors"
	"fmt"
)

// Expected, user-facing outcomes. Anything else bubbling out of the engine
// is a collaborator failure and should be treated as internal.
var (
	ErrUnauthorized        = errors.New("requester lacks the required role for this action")
	ErrActiveSessionExists = errors.New("an active attendance session already exists for this class")
	ErrSessionNotFound     = errors.New("attendance session not found")
	ErrNotEnrolled         = errors.New("not enrolled in this class")
	ErrNoActiveSession     = errors.New("no active attendance session found")
	ErrAlreadyMarked       = errors.New("attendance already marked")
)

// TooFarError reports a geofence violation. It carries the computed distance
// and the allowed radius so clients can display both.
type TooFarError struct {
	DistanceM float64
	RadiusM   float64
}

func (e *TooFarError) Error() string {
	return fmt.Sprintf("too far from class location: %.1fm away, allowed radius %.1fm", e.DistanceM, e.RadiusM)
}
