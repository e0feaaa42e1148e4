package feed

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"rollcall/internal/metrics"
	"rollcall/internal/session"
)

// DefaultPollInterval is how often a subscription re-reads the attendee list.
const DefaultPollInterval = 5 * time.Second

// Source is the slice of the session store the feed reads from.
type Source interface {
	FindActiveByClass(ctx context.Context, classID string) (*session.Session, error)
	ListAttendees(ctx context.Context, sessionID string) ([]session.Attendee, error)
}

// Snapshot is one attendee-list update pushed to a watcher.
type Snapshot struct {
	Type      string             `json:"type"`
	Attendees []session.Attendee `json:"attendees"`
}

// Feed broadcasts attendee-list changes for active sessions by polling the
// store per subscription.
type Feed struct {
	source   Source
	interval time.Duration
}

// New creates a feed. Non-positive interval falls back to the 5s default.
func New(source Source, interval time.Duration) *Feed {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Feed{source: source, interval: interval}
}

// Subscribe streams attendee snapshots for the class's active session. The
// first snapshot is sent immediately; afterwards one is sent only when the
// list changed since the previous poll. The channel closes when ctx is done
// or no active session remains, and the poll loop stops with it.
func (f *Feed) Subscribe(ctx context.Context, classID string) <-chan Snapshot {
	out := make(chan Snapshot, 1)
	go f.run(ctx, classID, out)
	return out
}

func (f *Feed) run(ctx context.Context, classID string, out chan<- Snapshot) {
	defer close(out)
	metrics.FeedSubscribers.Inc()
	defer metrics.FeedSubscribers.Dec()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	var last []byte
	for {
		snap, found, err := f.poll(ctx, classID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("live feed poll for class %s failed: %v", classID, err)
		} else if !found {
			return
		} else {
			encoded, err := json.Marshal(snap.Attendees)
			if err == nil && string(encoded) != string(last) {
				last = encoded
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (f *Feed) poll(ctx context.Context, classID string) (Snapshot, bool, error) {
	s, err := f.source.FindActiveByClass(ctx, classID)
	if err != nil {
		return Snapshot{}, false, err
	}
	if s == nil {
		return Snapshot{}, false, nil
	}
	attendees, err := f.source.ListAttendees(ctx, s.ID)
	if err != nil {
		return Snapshot{}, false, err
	}
	if attendees == nil {
		attendees = []session.Attendee{}
	}
	return Snapshot{Type: "attendance-update", Attendees: attendees}, true, nil
}
