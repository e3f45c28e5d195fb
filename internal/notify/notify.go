// Package notify broadcasts job state and progress to live subscribers.
// It is transport-free: an API adapter drains subscriptions into SSE,
// WebSocket or polling responses as it sees fit.
package notify

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whisperq/whisperq/internal/job"
)

// EventType classifies messages sent to subscribers.
type EventType string

const (
	EventStatus   EventType = "status"
	EventProgress EventType = "progress"
	EventResult   EventType = "result"
)

// Event is one update about a job. Result events are terminal: they carry
// the final status and close the subscription.
type Event struct {
	JobID     string     `json:"job_id"`
	Type      EventType  `json:"type"`
	Status    job.Status `json:"status,omitempty"`
	Progress  int        `json:"progress_percent,omitempty"`
	OutputRef string     `json:"output_ref,omitempty"`
	Err       *job.Error `json:"error,omitempty"`
	At        time.Time  `json:"at"`
}

// StatusEvent announces the job's current status.
func StatusEvent(j *job.Job) Event {
	return Event{JobID: j.ID, Type: EventStatus, Status: j.Status, Progress: j.Progress, At: time.Now().UTC()}
}

// ProgressEvent carries one advisory progress update.
func ProgressEvent(jobID string, pct int) Event {
	return Event{JobID: jobID, Type: EventProgress, Status: job.StatusProcessing, Progress: pct, At: time.Now().UTC()}
}

// ResultEvent is the terminal snapshot of a finished job.
func ResultEvent(j *job.Job) Event {
	return Event{
		JobID:     j.ID,
		Type:      EventResult,
		Status:    j.Status,
		Progress:  j.Progress,
		OutputRef: j.OutputRef,
		Err:       j.Err,
		At:        time.Now().UTC(),
	}
}

// Subscription is one subscriber's buffered event stream. The channel is
// closed after the terminal event, or on Unsubscribe.
type Subscription struct {
	jobID string
	ch    chan Event
	once  sync.Once
}

func (s *Subscription) JobID() string { return s.jobID }

// Events delivers updates in order; slow readers lose old events first,
// never the terminal one.
func (s *Subscription) Events() <-chan Event { return s.ch }

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// ClosedWith returns an already-closed subscription preloaded with ev.
// Used when a caller subscribes to a job that is already finished.
func ClosedWith(ev Event) *Subscription {
	s := &Subscription{jobID: ev.JobID, ch: make(chan Event, 1)}
	s.ch <- ev
	s.close()
	return s
}

const subscriberBuffer = 16

// Notifier is the in-memory subscriber registry. The registry map has its
// own lock; each job entry has another, so fan-out for one job never
// contends with fan-out for any other.
type Notifier struct {
	mu      sync.RWMutex
	entries map[string]*entry
	buffer  int
	log     *logrus.Logger
}

type entry struct {
	mu   sync.Mutex
	subs []*Subscription
}

func New(log *logrus.Logger) *Notifier {
	return &Notifier{
		entries: make(map[string]*entry),
		buffer:  subscriberBuffer,
		log:     log,
	}
}

// Subscribe registers interest in a job, creating its registry entry on
// first use. Subscribing to a job that already finished yields a stream
// that never fires; callers that need the final state read the record
// store first.
func (n *Notifier) Subscribe(jobID string) *Subscription {
	sub := &Subscription{jobID: jobID, ch: make(chan Event, n.buffer)}

	n.mu.Lock()
	e, ok := n.entries[jobID]
	if !ok {
		e = &entry{}
		n.entries[jobID] = e
	}
	n.mu.Unlock()

	e.mu.Lock()
	e.subs = append(e.subs, sub)
	e.mu.Unlock()
	return sub
}

// Unsubscribe detaches the subscription and closes its channel. Safe to
// call after the job finished.
func (n *Notifier) Unsubscribe(sub *Subscription) {
	n.mu.Lock()
	e, ok := n.entries[sub.jobID]
	n.mu.Unlock()

	if ok {
		e.mu.Lock()
		for i, s := range e.subs {
			if s == sub {
				e.subs = append(e.subs[:i], e.subs[i+1:]...)
				break
			}
		}
		empty := len(e.subs) == 0
		e.mu.Unlock()

		if empty {
			n.mu.Lock()
			if cur, ok := n.entries[sub.jobID]; ok && cur == e {
				delete(n.entries, sub.jobID)
			}
			n.mu.Unlock()
		}
	}
	sub.close()
}

// Publish fans ev out to the job's subscribers without ever blocking the
// caller. When a subscriber's buffer is full its oldest events are dropped;
// progress is monotonic, so newer updates supersede what was lost.
// Publishing to a job with no subscribers is a no-op.
func (n *Notifier) Publish(jobID string, ev Event) {
	n.mu.RLock()
	e, ok := n.entries[jobID]
	n.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sub := range e.subs {
		n.send(jobID, sub, ev)
	}
}

// Terminal delivers the final event to every subscriber, closes their
// channels and removes the registry entry. The terminal event is never
// dropped: older buffered events make room for it if needed.
func (n *Notifier) Terminal(jobID string, ev Event) {
	n.mu.Lock()
	e, ok := n.entries[jobID]
	delete(n.entries, jobID)
	n.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sub := range e.subs {
		n.send(jobID, sub, ev)
		sub.close()
	}
	e.subs = nil
}

// send delivers ev to one subscriber, evicting the oldest buffered events
// when the channel is full. The eviction loop is bounded: each iteration
// frees one slot and the per-entry lock keeps other publishers out.
func (n *Notifier) send(jobID string, sub *Subscription, ev Event) {
	select {
	case sub.ch <- ev:
		return
	default:
	}

	n.log.WithField("job_id", jobID).Warn("notify: subscriber buffer full, dropping oldest event")
	for range cap(sub.ch) + 1 {
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- ev:
			return
		default:
		}
	}
}
