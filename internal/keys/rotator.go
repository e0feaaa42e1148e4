package keys

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/metrics"
)

// DefaultInterval is the rotation cadence; the TTL matches it so a stopped
// rotator cannot leave a stale key answerable beyond one window.
const DefaultInterval = 30 * time.Second

// Rotator issues a fresh opaque key per class on a fixed cadence while that
// class has an active session. It is a convenience gate for the instructor
// display; the authorization boundary stays in the session engine.
type Rotator struct {
	store    KeyStore
	interval time.Duration
	ttl      time.Duration

	mu     sync.Mutex
	cancel map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// NewRotator creates a rotator over the given store. Non-positive interval
// or ttl fall back to the 30s default.
func NewRotator(store KeyStore, interval, ttl time.Duration) *Rotator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if ttl <= 0 {
		ttl = interval
	}
	return &Rotator{
		store:    store,
		interval: interval,
		ttl:      ttl,
		cancel:   make(map[string]context.CancelFunc),
	}
}

// StartRotation begins issuing keys for a class. A no-op when rotation is
// already running for it.
func (r *Rotator) StartRotation(classID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, running := r.cancel[classID]; running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel[classID] = cancel
	r.wg.Add(1)
	go r.rotate(ctx, classID)
}

// StopRotation stops issuing keys for a class. The last issued key ages out
// via its TTL.
func (r *Rotator) StopRotation(classID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.cancel[classID]; ok {
		cancel()
		delete(r.cancel, classID)
	}
}

// StopAll stops every rotation loop and waits for them to exit.
func (r *Rotator) StopAll() {
	r.mu.Lock()
	for id, cancel := range r.cancel {
		cancel()
		delete(r.cancel, id)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// CurrentKey returns the class's current key or ErrNoKey.
func (r *Rotator) CurrentKey(ctx context.Context, classID string) (string, error) {
	return r.store.Get(ctx, classID)
}

func (r *Rotator) rotate(ctx context.Context, classID string) {
	defer r.wg.Done()

	r.issue(ctx, classID)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.issue(ctx, classID)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Rotator) issue(ctx context.Context, classID string) {
	if err := r.store.Put(ctx, classID, NewKey(), r.ttl); err != nil {
		if ctx.Err() == nil {
			log.Printf("key rotation for class %s failed: %v", classID, err)
		}
		return
	}
	metrics.KeysIssued.Inc()
}

// NewKey returns an opaque 32-character key. Random enough that guessing one
// within a rotation window is not practical.
func NewKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
