// Package telemetry fans migration job events out to live observers. One
// producer (the orchestrator) publishes log lines, stats snapshots and state
// changes; any number of subscribers consume them independently. Publishing
// never blocks: each subscriber has a bounded queue and a slow subscriber
// loses the events that do not fit rather than stalling the migration.
package telemetry

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mongoferry/mongoferry/internal/models"
)

// ErrUnknownJob is returned by Subscribe for job ids the hub has never seen.
var ErrUnknownJob = errors.New("unknown job")

const defaultBuffer = 256

// Subscription is one observer's view of a job's event stream. Events
// arrive on C in production order; C is closed once the terminal event has
// been delivered or the subscription is cancelled.
type Subscription struct {
	C <-chan models.Event

	hub     *Hub
	jobID   string
	ch      chan models.Event
	dropped int64
}

// Cancel detaches the observer. The job is unaffected.
func (s *Subscription) Cancel() {
	s.hub.unsubscribe(s.jobID, s)
}

type stream struct {
	mu       sync.Mutex
	subs     map[*Subscription]struct{}
	closed   bool
	terminal *models.Event // kept for observers arriving after the job ended
}

// Hub holds one event stream per job.
type Hub struct {
	mu      sync.RWMutex
	streams map[string]*stream
	buffer  int
	logger  zerolog.Logger
}

func NewHub(buffer int, logger zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		streams: make(map[string]*stream),
		buffer:  buffer,
		logger:  logger.With().Str("component", "telemetry").Logger(),
	}
}

// Register creates the event stream for a new job. Idempotent.
func (h *Hub) Register(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.streams[jobID]; !ok {
		h.streams[jobID] = &stream{subs: make(map[*Subscription]struct{})}
	}
}

func (h *Hub) get(jobID string) *stream {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.streams[jobID]
}

// Publish delivers ev to every subscriber of the job. Events that do not
// fit a subscriber's queue are dropped and counted against it.
func (h *Hub) Publish(jobID string, ev models.Event) {
	st := h.get(jobID)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	for sub := range st.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
		}
	}
}

// Close delivers the terminal event and ends every subscription. The stream
// stays known, so observers arriving later still get the terminal state.
func (h *Hub) Close(jobID string, terminal models.Event) {
	st := h.get(jobID)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	st.closed = true
	st.terminal = &terminal
	for sub := range st.subs {
		select {
		case sub.ch <- terminal:
		default:
			sub.dropped++
		}
		close(sub.ch)
		if sub.dropped > 0 {
			h.logger.Warn().Str("job_id", jobID).Int64("dropped", sub.dropped).Msg("subscriber fell behind, events dropped")
		}
		delete(st.subs, sub)
	}
}

// Subscribe attaches a new observer to a job's stream. Events published
// before the subscription are not replayed; an observer attaching after the
// job ended receives just the terminal event.
func (h *Hub) Subscribe(jobID string) (*Subscription, error) {
	st := h.get(jobID)
	if st == nil {
		return nil, ErrUnknownJob
	}

	sub := &Subscription{hub: h, jobID: jobID, ch: make(chan models.Event, h.buffer)}
	sub.C = sub.ch

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		if st.terminal != nil {
			sub.ch <- *st.terminal
		}
		close(sub.ch)
		return sub, nil
	}
	st.subs[sub] = struct{}{}
	return sub, nil
}

func (h *Hub) unsubscribe(jobID string, sub *Subscription) {
	st := h.get(jobID)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.subs[sub]; ok {
		delete(st.subs, sub)
		close(sub.ch)
	}
}
