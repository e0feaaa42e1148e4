package roster

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Enrollment statuses. Only active enrollments grant marking eligibility.
const (
	EnrollmentActive   = "active"
	EnrollmentInactive = "inactive"
	EnrollmentPending  = "pending"
)

// ErrAlreadyEnrolled means the (student, class) pair already exists.
var ErrAlreadyEnrolled = errors.New("already enrolled in this class")

// Class is the owning unit for attendance sessions.
type Class struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatorID string    `json:"creator_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Repository answers membership questions from Postgres and seeds the
// classes/enrollments it reads.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// IsClassCreator reports whether the user created the class.
func (r *Repository) IsClassCreator(ctx context.Context, classID, userID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM classes WHERE id = $1 AND creator_id = $2)
	`, classID, userID).Scan(&exists)
	return exists, err
}

// IsActivelyEnrolled reports whether the user has an active enrollment in
// the class. Pending and inactive enrollments do not count.
func (r *Repository) IsActivelyEnrolled(ctx context.Context, classID, userID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM enrollments
			WHERE class_id = $1 AND student_id = $2 AND status = 'active'
		)
	`, classID, userID).Scan(&exists)
	return exists, err
}

// CreateClass registers a new class owned by creatorID.
func (r *Repository) CreateClass(ctx context.Context, name, creatorID string) (Class, error) {
	c := Class{
		ID:        uuid.NewString(),
		Name:      name,
		CreatorID: creatorID,
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO classes (id, name, creator_id)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, c.ID, c.Name, c.CreatorID)
	if err := row.Scan(&c.CreatedAt); err != nil {
		return Class{}, err
	}
	return c, nil
}

// ClassExists reports whether the class id is known.
func (r *Repository) ClassExists(ctx context.Context, classID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM classes WHERE id = $1)
	`, classID).Scan(&exists)
	return exists, err
}

// Enroll adds the student to the class with an active enrollment. The
// (class, student) primary key keeps enrollments unique.
func (r *Repository) Enroll(ctx context.Context, classID, studentID string) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO enrollments (class_id, student_id, status)
		VALUES ($1, $2, 'active')
		ON CONFLICT (class_id, student_id) DO NOTHING
	`, classID, studentID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyEnrolled
	}
	return nil
}
