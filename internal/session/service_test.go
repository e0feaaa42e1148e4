package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rollcall/internal/geo"
)

// memStore is an in-memory Store for engine tests. AppendAttendee holds the
// lock across the check and the append, like the database unique index does.
type memStore struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	attendees map[string][]Attendee
}

func newMemStore() *memStore {
	return &memStore{
		sessions:  make(map[string]*Session),
		attendees: make(map[string][]Attendee),
	}
}

func (m *memStore) Create(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memStore) GetByID(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) FindActiveByClass(ctx context.Context, classID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ClassID == classID && s.Status == StatusActive {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) FindActiveByIDAndClass(ctx context.Context, id, classID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && s.ClassID == classID && s.Status == StatusActive {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) ExtendEndTime(ctx context.Context, id string, newEnd time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return errors.New("missing session")
	}
	s.EndTime = newEnd
	s.Status = StatusActive
	return nil
}

func (m *memStore) Complete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.Status = StatusCompleted
	}
	return nil
}

func (m *memStore) CompleteIfDue(ctx context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status != StatusActive || s.EndTime.After(now) {
		return false, nil
	}
	s.Status = StatusCompleted
	return true, nil
}

func (m *memStore) AppendAttendee(ctx context.Context, sessionID string, a Attendee) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.attendees[sessionID] {
		if existing.StudentID == a.StudentID {
			return false, nil
		}
	}
	m.attendees[sessionID] = append(m.attendees[sessionID], a)
	return true, nil
}

func (m *memStore) HasMarked(ctx context.Context, sessionID, studentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.attendees[sessionID] {
		if a.StudentID == studentID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ListAttendees(ctx context.Context, sessionID string) ([]Attendee, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Attendee(nil), m.attendees[sessionID]...), nil
}

func (m *memStore) ListCompletedByClass(ctx context.Context, classID string) ([]Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []Summary
	for _, s := range m.sessions {
		if s.ClassID == classID && s.Status == StatusCompleted {
			res = append(res, Summary{
				ID:            s.ID,
				StartTime:     s.StartTime,
				EndTime:       s.EndTime,
				AttendeeCount: len(m.attendees[s.ID]),
			})
		}
	}
	return res, nil
}

// memRoster answers membership checks from fixed sets.
type memRoster struct {
	creators map[string]string          // classID -> creatorID
	enrolled map[string]map[string]bool // classID -> studentID set
}

func (r *memRoster) IsClassCreator(ctx context.Context, classID, userID string) (bool, error) {
	return r.creators[classID] == userID, nil
}

func (r *memRoster) IsActivelyEnrolled(ctx context.Context, classID, userID string) (bool, error) {
	return r.enrolled[classID][userID], nil
}

// memRotation records rotation starts and stops.
type memRotation struct {
	mu      sync.Mutex
	started map[string]int
	stopped map[string]int
}

func newMemRotation() *memRotation {
	return &memRotation{started: make(map[string]int), stopped: make(map[string]int)}
}

func (r *memRotation) StartRotation(classID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started[classID]++
}

func (r *memRotation) StopRotation(classID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped[classID]++
}

const (
	testClass   = "class-1"
	testTeacher = "teacher-1"
	testStudent = "student-1"
)

func newTestEngine() (*Engine, *memStore, *memRotation) {
	store := newMemStore()
	rotation := newMemRotation()
	ros := &memRoster{
		creators: map[string]string{testClass: testTeacher},
		enrolled: map[string]map[string]bool{
			testClass: {testStudent: true, "student-2": true},
		},
	}
	return NewEngine(store, ros, rotation), store, rotation
}

func TestStartUnauthorized(t *testing.T) {
	e, _, _ := newTestEngine()
	_, err := e.Start(context.Background(), testClass, testStudent, 12, 77, 100, 5*time.Minute)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Start() error = %v, want ErrUnauthorized", err)
	}
}

func TestStartConflictsWithActiveSession(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()
	if _, err := e.Start(ctx, testClass, testTeacher, 12, 77, 100, 5*time.Minute); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	_, err := e.Start(ctx, testClass, testTeacher, 12, 77, 100, 5*time.Minute)
	if !errors.Is(err, ErrActiveSessionExists) {
		t.Fatalf("second Start() error = %v, want ErrActiveSessionExists", err)
	}
}

func TestStartSchedulesExpiryAndRotation(t *testing.T) {
	e, _, rotation := newTestEngine()
	s, err := e.Start(context.Background(), testClass, testTeacher, 12, 77, 100, 5*time.Minute)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !e.sched.Pending(s.ID) {
		t.Error("no pending expiry timer after Start()")
	}
	if rotation.started[testClass] != 1 {
		t.Errorf("rotation started %d times, want 1", rotation.started[testClass])
	}
	if s.RadiusM != 100 {
		t.Errorf("radius = %v, want 100", s.RadiusM)
	}
}

func TestStartDefaultRadius(t *testing.T) {
	e, _, _ := newTestEngine()
	s, err := e.Start(context.Background(), testClass, testTeacher, 12, 77, 0, 5*time.Minute)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if s.RadiusM != DefaultRadiusM {
		t.Errorf("radius = %v, want %v", s.RadiusM, DefaultRadiusM)
	}
}

func TestMarkPreconditions(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()
	s, err := e.Start(ctx, testClass, testTeacher, 12.000, 77.000, 100, 5*time.Minute)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	tests := []struct {
		name      string
		sessionID string
		studentID string
		lat, lon  float64
		wantErr   error
	}{
		{"not enrolled", s.ID, "stranger", 12.000, 77.000, ErrNotEnrolled},
		{"unknown session", "nope", testStudent, 12.000, 77.000, ErrNoActiveSession},
		{"too far", s.ID, testStudent, 12.00135, 77.000, nil}, // ~150m, TooFarError checked below
		{"in range", s.ID, testStudent, 12.00089, 77.000, nil},
		{"already marked", s.ID, testStudent, 12.00089, 77.000, ErrAlreadyMarked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Mark(ctx, tt.sessionID, tt.studentID, testClass, tt.lat, tt.lon)
			switch tt.name {
			case "too far":
				var tooFar *TooFarError
				if !errors.As(err, &tooFar) {
					t.Fatalf("Mark() error = %v, want TooFarError", err)
				}
				if tooFar.RadiusM != 100 || tooFar.DistanceM <= 100 {
					t.Errorf("TooFarError = %+v, want distance > 100, radius 100", tooFar)
				}
			case "in range":
				if err != nil {
					t.Fatalf("Mark() error = %v, want success", err)
				}
			default:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Mark() error = %v, want %v", err, tt.wantErr)
				}
			}
		})
	}
}

func TestMarkBoundaryDistanceAccepted(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()

	// Make the radius exactly the distance the student will be at: the
	// boundary itself is inside the geofence.
	studentLat, studentLon := 12.0009, 77.0
	radius := geo.Distance(studentLat, studentLon, 12.0, 77.0)

	s, err := e.Start(ctx, testClass, testTeacher, 12.0, 77.0, radius, 5*time.Minute)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	a, err := e.Mark(ctx, s.ID, testStudent, testClass, studentLat, studentLon)
	if err != nil {
		t.Fatalf("Mark() at exact radius error = %v, want success", err)
	}
	if a.DistanceM != radius {
		t.Errorf("distance = %v, want %v", a.DistanceM, radius)
	}
}

func TestMarkConcurrentSameStudent(t *testing.T) {
	e, store, _ := newTestEngine()
	ctx := context.Background()
	s, err := e.Start(ctx, testClass, testTeacher, 12.0, 77.0, 100, 5*time.Minute)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	const attempts = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes, duplicates := 0, 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Mark(ctx, s.ID, testStudent, testClass, 12.0001, 77.0)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrAlreadyMarked):
				duplicates++
			default:
				t.Errorf("Mark() unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successes = %d, want 1", successes)
	}
	if duplicates != attempts-1 {
		t.Errorf("duplicates = %d, want %d", duplicates, attempts-1)
	}
	attendees, _ := store.ListAttendees(ctx, s.ID)
	if len(attendees) != 1 {
		t.Errorf("attendee list length = %d, want 1", len(attendees))
	}
}

func TestExtendMovesEndTimeAndRevives(t *testing.T) {
	e, store, _ := newTestEngine()
	ctx := context.Background()

	// Session whose end time passed a minute ago and already auto-expired.
	oldEnd := time.Now().Add(-time.Minute).UTC()
	expired := Session{
		ID: "s-expired", ClassID: testClass, CreatorID: testTeacher,
		StartTime: oldEnd.Add(-5 * time.Minute), EndTime: oldEnd,
		Status: StatusCompleted, Lat: 12, Lon: 77, RadiusM: 100,
	}
	if err := store.Create(ctx, expired); err != nil {
		t.Fatal(err)
	}

	s, err := e.Extend(ctx, "s-expired", testTeacher, testClass, 2*time.Minute)
	if err != nil {
		t.Fatalf("Extend() error = %v", err)
	}
	wantEnd := oldEnd.Add(2 * time.Minute)
	if !s.EndTime.Equal(wantEnd) {
		t.Errorf("new end time = %v, want %v", s.EndTime, wantEnd)
	}
	if s.Status != StatusActive {
		t.Errorf("status = %q, want %q", s.Status, StatusActive)
	}
	stored, _ := store.GetByID(ctx, "s-expired")
	if stored.Status != StatusActive {
		t.Errorf("stored status = %q, want %q", stored.Status, StatusActive)
	}
	if !e.sched.Pending("s-expired") {
		t.Error("no pending expiry timer after Extend()")
	}
}

func TestExtendUnknownSession(t *testing.T) {
	e, _, _ := newTestEngine()
	_, err := e.Extend(context.Background(), "missing", testTeacher, testClass, time.Minute)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Extend() error = %v, want ErrSessionNotFound", err)
	}
}

func TestExpireHonorsCurrentEndTime(t *testing.T) {
	e, store, rotation := newTestEngine()
	ctx := context.Background()

	future := Session{
		ID: "s-live", ClassID: testClass, CreatorID: testTeacher,
		StartTime: time.Now().UTC(), EndTime: time.Now().Add(time.Hour).UTC(),
		Status: StatusActive, Lat: 12, Lon: 77, RadiusM: 100,
	}
	if err := store.Create(ctx, future); err != nil {
		t.Fatal(err)
	}

	// A stale timer firing now must not complete a session whose current
	// end time is still ahead; it re-arms instead.
	e.expire("s-live")
	if s, _ := store.GetByID(ctx, "s-live"); s.Status != StatusActive {
		t.Fatalf("status = %q after premature expire, want %q", s.Status, StatusActive)
	}
	if !e.sched.Pending("s-live") {
		t.Error("expire did not re-arm the timer for the current end time")
	}
	e.sched.Cancel("s-live")

	due := Session{
		ID: "s-due", ClassID: testClass, CreatorID: testTeacher,
		StartTime: time.Now().Add(-10 * time.Minute).UTC(),
		EndTime:   time.Now().Add(-time.Second).UTC(),
		Status:    StatusActive, Lat: 12, Lon: 77, RadiusM: 100,
	}
	if err := store.Create(ctx, due); err != nil {
		t.Fatal(err)
	}
	e.expire("s-due")
	if s, _ := store.GetByID(ctx, "s-due"); s.Status != StatusCompleted {
		t.Fatalf("status = %q after due expire, want %q", s.Status, StatusCompleted)
	}
	if rotation.stopped[testClass] != 1 {
		t.Errorf("rotation stopped %d times, want 1", rotation.stopped[testClass])
	}
}

func TestEndCompletesAndCancelsExpiry(t *testing.T) {
	e, store, rotation := newTestEngine()
	ctx := context.Background()
	s, err := e.Start(ctx, testClass, testTeacher, 12, 77, 100, time.Hour)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := e.End(ctx, s.ID, testStudent, testClass); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("End() by student error = %v, want ErrUnauthorized", err)
	}
	if err := e.End(ctx, s.ID, testTeacher, testClass); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if stored, _ := store.GetByID(ctx, s.ID); stored.Status != StatusCompleted {
		t.Errorf("status = %q, want %q", stored.Status, StatusCompleted)
	}
	if e.sched.Pending(s.ID) {
		t.Error("expiry timer still pending after End()")
	}
	if rotation.stopped[testClass] != 1 {
		t.Errorf("rotation stopped %d times, want 1", rotation.stopped[testClass])
	}
}

func TestStatus(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()

	if _, err := e.Status(ctx, testClass, "stranger"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Status() for stranger error = %v, want ErrUnauthorized", err)
	}

	info, err := e.Status(ctx, testClass, testStudent)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if info.Active {
		t.Error("Status() active = true before any session")
	}

	s, err := e.Start(ctx, testClass, testTeacher, 12.0, 77.0, 100, time.Hour)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := e.Mark(ctx, s.ID, testStudent, testClass, 12.0001, 77.0); err != nil {
		t.Fatalf("Mark() error = %v", err)
	}

	info, err = e.Status(ctx, testClass, testStudent)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !info.Active || info.SessionID != s.ID || !info.HasMarked {
		t.Errorf("Status() = %+v, want active session %s with has_marked", info, s.ID)
	}

	info, err = e.Status(ctx, testClass, "student-2")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if info.HasMarked {
		t.Error("Status() has_marked = true for student who never marked")
	}
}

// The end-to-end walkthrough: start, mark, duplicate mark, out-of-range
// mark, extend, and end.
func TestSessionLifecycle(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()

	s, err := e.Start(ctx, testClass, testTeacher, 12.000, 77.000, 100, 300*time.Second)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	firstEnd := s.EndTime

	if _, err := e.Mark(ctx, s.ID, testStudent, testClass, 12.00089, 77.000); err != nil {
		t.Fatalf("Mark() in range error = %v", err)
	}
	if _, err := e.Mark(ctx, s.ID, testStudent, testClass, 12.00089, 77.000); !errors.Is(err, ErrAlreadyMarked) {
		t.Fatalf("repeat Mark() error = %v, want ErrAlreadyMarked", err)
	}
	var tooFar *TooFarError
	if _, err := e.Mark(ctx, s.ID, "student-2", testClass, 12.00135, 77.000); !errors.As(err, &tooFar) {
		t.Fatalf("far Mark() error = %v, want TooFarError", err)
	}

	extended, err := e.Extend(ctx, s.ID, testTeacher, testClass, 120*time.Second)
	if err != nil {
		t.Fatalf("Extend() error = %v", err)
	}
	if want := firstEnd.Add(120 * time.Second); !extended.EndTime.Equal(want) {
		t.Errorf("extended end = %v, want %v", extended.EndTime, want)
	}

	if err := e.End(ctx, s.ID, testTeacher, testClass); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	info, err := e.Status(ctx, testClass, testTeacher)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if info.Active {
		t.Error("Status() active = true after End()")
	}

	history, err := e.History(ctx, testClass, testTeacher)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 1 || history[0].AttendeeCount != 1 {
		t.Errorf("History() = %+v, want one session with one attendee", history)
	}
}
