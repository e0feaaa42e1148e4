package session

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/geo"
	"rollcall/internal/metrics"
)

// DefaultRadiusM is used when a start request does not specify a radius.
const DefaultRadiusM = 100.0

// Engine is the attendance session state machine. It owns session lifecycle
// and the no-double-mark invariant; membership questions are delegated to
// the roster and key rotation to the rotation collaborator.
type Engine struct {
	store    Store
	roster   Roster
	rotation Rotation
	sched    *Scheduler
	now      func() time.Time
}

// NewEngine wires an engine over its collaborators.
func NewEngine(store Store, roster Roster, rotation Rotation) *Engine {
	e := &Engine{
		store:    store,
		roster:   roster,
		rotation: rotation,
		now:      time.Now,
	}
	e.sched = NewScheduler(e.expire)
	return e
}

// Scheduler exposes the expiry registry so the process can stop it on
// shutdown.
func (e *Engine) Scheduler() *Scheduler { return e.sched }

// Start opens a new attendance window for a class. Only the class creator
// may start one, and only while no other session for the class is active.
func (e *Engine) Start(ctx context.Context, classID, requesterID string, lat, lon, radiusM float64, duration time.Duration) (*Session, error) {
	creator, err := e.roster.IsClassCreator(ctx, classID, requesterID)
	if err != nil {
		return nil, err
	}
	if !creator {
		return nil, ErrUnauthorized
	}

	existing, err := e.store.FindActiveByClass(ctx, classID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrActiveSessionExists
	}

	if radiusM <= 0 {
		radiusM = DefaultRadiusM
	}
	now := e.now().UTC()
	s := Session{
		ID:        uuid.NewString(),
		ClassID:   classID,
		CreatorID: requesterID,
		StartTime: now,
		EndTime:   now.Add(duration),
		Status:    StatusActive,
		Lat:       lat,
		Lon:       lon,
		RadiusM:   radiusM,
	}
	if err := e.store.Create(ctx, s); err != nil {
		return nil, err
	}

	e.sched.Schedule(s.ID, s.EndTime)
	e.rotation.StartRotation(classID)
	metrics.SessionsStarted.Inc()
	return &s, nil
}

// Extend pushes a session's end time forward and forces it active again,
// undoing a just-fired auto-expiry. The new effective expiry is the old end
// time plus the extension, even when the old end time has already passed.
func (e *Engine) Extend(ctx context.Context, sessionID, requesterID, classID string, extra time.Duration) (*Session, error) {
	creator, err := e.roster.IsClassCreator(ctx, classID, requesterID)
	if err != nil {
		return nil, err
	}
	if !creator {
		return nil, ErrUnauthorized
	}

	s, err := e.store.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrSessionNotFound
	}

	newEnd := s.EndTime.Add(extra)
	if err := e.store.ExtendEndTime(ctx, sessionID, newEnd); err != nil {
		return nil, err
	}
	s.EndTime = newEnd
	s.Status = StatusActive

	e.sched.Schedule(sessionID, newEnd)
	e.rotation.StartRotation(classID)
	return s, nil
}

// Mark records a student as present. Preconditions are checked in order:
// active enrollment, active session, geofence, not already marked. The
// append is conditional at the store so two racing marks for the same
// student cannot both succeed.
func (e *Engine) Mark(ctx context.Context, sessionID, studentID, classID string, lat, lon float64) (*Attendee, error) {
	enrolled, err := e.roster.IsActivelyEnrolled(ctx, classID, studentID)
	if err != nil {
		return nil, err
	}
	if !enrolled {
		return nil, ErrNotEnrolled
	}

	s, err := e.store.FindActiveByIDAndClass(ctx, sessionID, classID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNoActiveSession
	}

	distance := geo.Distance(lat, lon, s.Lat, s.Lon)
	if distance > s.RadiusM {
		return nil, &TooFarError{DistanceM: distance, RadiusM: s.RadiusM}
	}

	a := Attendee{
		StudentID: studentID,
		MarkedAt:  e.now().UTC(),
		Lat:       lat,
		Lon:       lon,
		DistanceM: distance,
	}
	inserted, err := e.store.AppendAttendee(ctx, sessionID, a)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, ErrAlreadyMarked
	}
	metrics.MarksAccepted.Inc()
	return &a, nil
}

// End closes a session immediately, regardless of its end time, and cancels
// the pending auto-expiry.
func (e *Engine) End(ctx context.Context, sessionID, requesterID, classID string) error {
	creator, err := e.roster.IsClassCreator(ctx, classID, requesterID)
	if err != nil {
		return err
	}
	if !creator {
		return ErrUnauthorized
	}

	s, err := e.store.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if s == nil {
		return ErrSessionNotFound
	}

	if err := e.store.Complete(ctx, sessionID); err != nil {
		return err
	}
	e.sched.Cancel(sessionID)
	e.rotation.StopRotation(classID)
	metrics.SessionsCompleted.WithLabelValues("ended").Inc()
	return nil
}

// Status reports whether the class has an active session and whether the
// requester already marked. Visible to the class creator and actively
// enrolled students only.
func (e *Engine) Status(ctx context.Context, classID, requesterID string) (*StatusInfo, error) {
	creator, err := e.roster.IsClassCreator(ctx, classID, requesterID)
	if err != nil {
		return nil, err
	}
	if !creator {
		enrolled, err := e.roster.IsActivelyEnrolled(ctx, classID, requesterID)
		if err != nil {
			return nil, err
		}
		if !enrolled {
			return nil, ErrUnauthorized
		}
	}

	s, err := e.store.FindActiveByClass(ctx, classID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return &StatusInfo{Active: false}, nil
	}

	marked, err := e.store.HasMarked(ctx, s.ID, requesterID)
	if err != nil {
		return nil, err
	}
	return &StatusInfo{
		Active:    true,
		SessionID: s.ID,
		EndTime:   &s.EndTime,
		HasMarked: marked,
	}, nil
}

// History lists a class's completed sessions. Creator only.
func (e *Engine) History(ctx context.Context, classID, requesterID string) ([]Summary, error) {
	creator, err := e.roster.IsClassCreator(ctx, classID, requesterID)
	if err != nil {
		return nil, err
	}
	if !creator {
		return nil, ErrUnauthorized
	}
	return e.store.ListCompletedByClass(ctx, classID)
}

// expire runs when a session's timer elapses. The session is re-read so an
// Extend that raced the timer wins: if the current end time is still in the
// future the timer is simply re-armed for it.
func (e *Engine) expire(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := e.store.GetByID(ctx, sessionID)
	if err != nil {
		log.Printf("expire %s: fetch failed: %v", sessionID, err)
		return
	}
	if s == nil || s.Status != StatusActive {
		return
	}
	if s.EndTime.After(e.now()) {
		e.sched.Schedule(sessionID, s.EndTime)
		return
	}

	done, err := e.store.CompleteIfDue(ctx, sessionID, e.now().UTC())
	if err != nil {
		log.Printf("expire %s: complete failed: %v", sessionID, err)
		return
	}
	if !done {
		// Lost the race to an Extend; pick up the fresh end time.
		if s, err := e.store.GetByID(ctx, sessionID); err == nil && s != nil && s.Status == StatusActive {
			e.sched.Schedule(sessionID, s.EndTime)
		}
		return
	}
	e.rotation.StopRotation(s.ClassID)
	metrics.SessionsCompleted.WithLabelValues("expired").Inc()
}
