package session

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Repository persists sessions and attendees in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Create writes a new session row.
func (r *Repository) Create(ctx context.Context, s Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_sessions (id, class_id, creator_id, start_time, end_time, status, lat, lon, radius_m)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, s.ID, s.ClassID, s.CreatorID, s.StartTime, s.EndTime, s.Status, s.Lat, s.Lon, s.RadiusM)
	return err
}

const sessionCols = `id, class_id, creator_id, start_time, end_time, status, lat, lon, radius_m`

func scanSession(row *sql.Row) (*Session, error) {
	var s Session
	if err := row.Scan(&s.ID, &s.ClassID, &s.CreatorID, &s.StartTime, &s.EndTime, &s.Status, &s.Lat, &s.Lon, &s.RadiusM); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// GetByID returns a session by id, or nil when absent.
func (r *Repository) GetByID(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionCols+` FROM attendance_sessions WHERE id = $1
	`, id)
	return scanSession(row)
}

// FindActiveByClass returns the class's active session, or nil when none.
func (r *Repository) FindActiveByClass(ctx context.Context, classID string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionCols+` FROM attendance_sessions
		WHERE class_id = $1 AND status = 'active'
		ORDER BY start_time DESC
		LIMIT 1
	`, classID)
	return scanSession(row)
}

// FindActiveByIDAndClass returns the session only if it belongs to the class
// and is still active.
func (r *Repository) FindActiveByIDAndClass(ctx context.Context, id, classID string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionCols+` FROM attendance_sessions
		WHERE id = $1 AND class_id = $2 AND status = 'active'
	`, id, classID)
	return scanSession(row)
}

// ExtendEndTime moves end_time forward and forces the session active again,
// undoing a completion that raced the extension.
func (r *Repository) ExtendEndTime(ctx context.Context, id string, newEnd time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_sessions SET end_time = $2, status = 'active' WHERE id = $1
	`, id, newEnd)
	return err
}

// Complete marks the session completed.
func (r *Repository) Complete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_sessions SET status = 'completed' WHERE id = $1
	`, id)
	return err
}

// CompleteIfDue completes the session only when it is active and its current
// end_time has passed, so a stale expiry timer cannot clobber an extension.
func (r *Repository) CompleteIfDue(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_sessions SET status = 'completed'
		WHERE id = $1 AND status = 'active' AND end_time <= $2
	`, id, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AppendAttendee inserts the attendee row. The (session_id, student_id)
// primary key makes the insert a no-op when the student already marked, even
// under concurrent attempts.
func (r *Repository) AppendAttendee(ctx context.Context, sessionID string, a Attendee) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO session_attendees (session_id, student_id, marked_at, lat, lon, distance_m)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (session_id, student_id) DO NOTHING
	`, sessionID, a.StudentID, a.MarkedAt, a.Lat, a.Lon, a.DistanceM)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// HasMarked reports whether the student is on the session's attendee list.
func (r *Repository) HasMarked(ctx context.Context, sessionID, studentID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM session_attendees WHERE session_id = $1 AND student_id = $2
		)
	`, sessionID, studentID).Scan(&exists)
	return exists, err
}

// ListAttendees returns the session's attendees in arrival order.
func (r *Repository) ListAttendees(ctx context.Context, sessionID string) ([]Attendee, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT student_id, marked_at, lat, lon, distance_m
		FROM session_attendees
		WHERE session_id = $1
		ORDER BY marked_at, student_id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Attendee
	for rows.Next() {
		var a Attendee
		if err := rows.Scan(&a.StudentID, &a.MarkedAt, &a.Lat, &a.Lon, &a.DistanceM); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListCompletedByClass returns completed sessions for a class, newest first,
// with attendee counts.
func (r *Repository) ListCompletedByClass(ctx context.Context, classID string) ([]Summary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.id, s.start_time, s.end_time, COUNT(a.student_id)
		FROM attendance_sessions s
		LEFT JOIN session_attendees a ON a.session_id = s.id
		WHERE s.class_id = $1 AND s.status = 'completed'
		GROUP BY s.id, s.start_time, s.end_time
		ORDER BY s.start_time DESC
	`, classID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.ID, &s.StartTime, &s.EndTime, &s.AttendeeCount); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
