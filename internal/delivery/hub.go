package delivery

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sentinell/sentinell/internal/metrics"
	"github.com/sentinell/sentinell/internal/model"
)

// Transition is one observable step of a run, pushed to subscribers and
// retained for poll-based replay. Seq is monotonically increasing per
// incident; subscribers use it to detect gaps.
type Transition struct {
	IncidentID string          `json:"incident_id"`
	Seq        uint64          `json:"seq"`
	Stage      model.Stage     `json:"stage"`
	Status     model.Status    `json:"status"`
	State      model.LoopState `json:"state"`
	Message    string          `json:"message,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// subscriber is one listener on an incident's transition feed. Slow
// consumers are disconnected rather than allowed to block the loop.
type subscriber struct {
	ch     chan Transition
	closed bool
}

// finishedFeedTTL is how long a resolved incident's replay window stays
// available to late pollers before the feed is dropped.
const finishedFeedTTL = time.Hour

const janitorInterval = 10 * time.Minute

// incidentFeed holds per-incident delivery state: the next sequence
// number, the replay ring, and live subscribers. finishedAt is set when
// the incident resolves and cleared if it ever publishes again.
type incidentFeed struct {
	nextSeq     uint64
	replay      []Transition
	subscribers map[*subscriber]bool
	finishedAt  time.Time
}

// Hub fans run transitions out to WebSocket subscribers and retains a
// bounded replay window for polling clients. Publishing never blocks.
type Hub struct {
	mu         sync.RWMutex
	feeds      map[string]*incidentFeed
	replaySize int
	subBuffer  int
	logger     *zap.Logger
	done       chan struct{}
}

// NewHub builds a hub with the given replay window and per-subscriber
// channel buffer.
func NewHub(replaySize, subBuffer int, logger *zap.Logger) *Hub {
	if replaySize <= 0 {
		replaySize = 256
	}
	if subBuffer <= 0 {
		subBuffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		feeds:      make(map[string]*incidentFeed),
		replaySize: replaySize,
		subBuffer:  subBuffer,
		logger:     logger,
		done:       make(chan struct{}),
	}
	go h.janitor()
	return h
}

// Publish appends a transition to the incident's feed and delivers it to
// all live subscribers. Assigns the sequence number.
func (h *Hub) Publish(incidentID string, stage model.Stage, status model.Status, state model.LoopState, message string) Transition {
	h.mu.Lock()
	defer h.mu.Unlock()

	feed := h.feed(incidentID)
	feed.nextSeq++
	t := Transition{
		IncidentID: incidentID,
		Seq:        feed.nextSeq,
		Stage:      stage,
		Status:     status,
		State:      state,
		Message:    message,
		Timestamp:  time.Now().UTC(),
	}

	feed.replay = append(feed.replay, t)
	if len(feed.replay) > h.replaySize {
		feed.replay = feed.replay[len(feed.replay)-h.replaySize:]
	}

	// Resolved incidents never publish again unless explicitly retried;
	// mark the feed so the janitor can drop it after the TTL.
	if stage == model.StageDone && status == model.StatusResolved {
		feed.finishedAt = t.Timestamp
	} else {
		feed.finishedAt = time.Time{}
	}

	for sub := range feed.subscribers {
		select {
		case sub.ch <- t:
		default:
			// Buffer full: the consumer is not keeping up. Drop it so the
			// run never stalls on delivery.
			h.logger.Warn("dropping slow delivery subscriber",
				zap.String("incident_id", incidentID),
				zap.Uint64("seq", t.Seq))
			h.dropLocked(feed, sub)
		}
	}

	metrics.TransitionsPublished.WithLabelValues(string(stage)).Inc()
	return t
}

// Subscribe registers a listener on an incident's feed. The returned
// cancel function must be called when the consumer goes away; the channel
// is closed either by cancel or by the hub dropping a slow consumer.
func (h *Hub) Subscribe(incidentID string) (<-chan Transition, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	feed := h.feed(incidentID)
	sub := &subscriber{ch: make(chan Transition, h.subBuffer)}
	feed.subscribers[sub] = true
	metrics.SubscribersActive.Inc()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.dropLocked(feed, sub)
	}
	return sub.ch, cancel
}

// Replay returns retained transitions with Seq > after, oldest first.
// Transitions older than the replay window are gone; callers detect this
// when the first returned Seq is not after+1.
func (h *Hub) Replay(incidentID string, after uint64) []Transition {
	h.mu.RLock()
	defer h.mu.RUnlock()

	feed, ok := h.feeds[incidentID]
	if !ok {
		return nil
	}
	out := make([]Transition, 0, len(feed.replay))
	for _, t := range feed.replay {
		if t.Seq > after {
			out = append(out, t)
		}
	}
	return out
}

// Release drops all delivery state for a finished incident. Subscribers
// still attached get their channels closed.
func (h *Hub) Release(incidentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	feed, ok := h.feeds[incidentID]
	if !ok {
		return
	}
	h.releaseLocked(incidentID, feed)
}

// Close stops the background feed sweep.
func (h *Hub) Close() {
	close(h.done)
}

// janitor periodically drops feeds for incidents that resolved long
// enough ago, bounding hub memory on long-running deployments.
func (h *Hub) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
		}
		if n := h.sweepFinished(time.Now().UTC()); n > 0 {
			h.logger.Debug("released finished delivery feeds", zap.Int("count", n))
		}
	}
}

// sweepFinished releases feeds whose incident resolved at least
// finishedFeedTTL before now. Returns the number of feeds released.
func (h *Hub) sweepFinished(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	released := 0
	for id, feed := range h.feeds {
		if feed.finishedAt.IsZero() || now.Sub(feed.finishedAt) < finishedFeedTTL {
			continue
		}
		h.releaseLocked(id, feed)
		released++
	}
	return released
}

func (h *Hub) releaseLocked(incidentID string, feed *incidentFeed) {
	for sub := range feed.subscribers {
		h.dropLocked(feed, sub)
	}
	delete(h.feeds, incidentID)
}

func (h *Hub) feed(incidentID string) *incidentFeed {
	feed, ok := h.feeds[incidentID]
	if !ok {
		feed = &incidentFeed{subscribers: make(map[*subscriber]bool)}
		h.feeds[incidentID] = feed
	}
	return feed
}

func (h *Hub) dropLocked(feed *incidentFeed, sub *subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(feed.subscribers, sub)
	close(sub.ch)
	metrics.SubscribersActive.Dec()
}
