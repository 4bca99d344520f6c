package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/events"
)

const (
	// maxSubscribers bounds concurrent SSE connections; beyond it new
	// subscribers get 503.
	maxSubscribers = 100

	// subscriberBuffer is the per-connection outbound frame budget. When it
	// overflows, the oldest non-critical frames are dropped; critical alerts
	// are never dropped.
	subscriberBuffer = 256

	heartbeatInterval = 30 * time.Second

	// writeDeadline bounds each frame batch. The server's WriteTimeout is
	// zero for SSE, so without it a stalled client pins its writer goroutine
	// until TCP gives up.
	writeDeadline = 10 * time.Second
)

// liveTopics is every topic forwarded to /live subscribers.
var liveTopics = []events.EventType{
	events.ApprovalCreated,
	events.ApprovalUpdated,
	events.KillSwitchChanged,
	events.PortfolioUpdated,
	events.PortfolioSnapshot,
	events.PriceUpdate,
	events.Alert,
	events.TradeSubmitted,
	events.TradeResult,
	events.SystemHealth,
}

// LiveStreamHandler serves the /live SSE stream. Each connection drains its
// own bounded queue on a dedicated goroutine, so one slow client never
// blocks the bus or another subscriber.
type LiveStreamHandler struct {
	bus *events.Bus
	log zerolog.Logger

	mu       sync.Mutex
	count    int
	shutdown chan struct{}
	closed   bool
}

// NewLiveStreamHandler creates the SSE handler.
func NewLiveStreamHandler(bus *events.Bus, log zerolog.Logger) *LiveStreamHandler {
	return &LiveStreamHandler{
		bus:      bus,
		log:      log.With().Str("component", "live_stream").Logger(),
		shutdown: make(chan struct{}),
	}
}

// SubscriberCount returns the number of connected clients.
func (h *LiveStreamHandler) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Close terminates every open stream; used on server shutdown.
func (h *LiveStreamHandler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.shutdown)
	}
}

// ServeHTTP handles GET /live.
func (h *LiveStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if h.count >= maxSubscribers {
		h.mu.Unlock()
		http.Error(w, "too many subscribers", http.StatusServiceUnavailable)
		return
	}
	h.count++
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.count--
		h.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := newLiveSubscriber()
	subscriptions := make([]events.Subscription, 0, len(liveTopics))
	for _, topic := range liveTopics {
		subscriptions = append(subscriptions, h.bus.Subscribe(topic, sub.push))
	}
	defer func() {
		for _, s := range subscriptions {
			h.bus.Unsubscribe(s)
		}
	}()

	h.log.Info().Msg("Client connected to live stream")

	// Recorders and exotic writers may not support deadlines; the error is
	// ignored and those connections fall back to the old behavior.
	rc := http.NewResponseController(w)

	_ = rc.SetWriteDeadline(time.Now().Add(writeDeadline))
	fmt.Fprintf(w, "data: %s\n\n", h.encode("connected", map[string]interface{}{
		"message": "connected to live stream",
	}, time.Now().UTC()))
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	done := r.Context().Done()

	for {
		select {
		case <-done:
			h.log.Info().Msg("Client disconnected from live stream")
			return
		case <-h.shutdown:
			return
		case <-sub.wake:
			_ = rc.SetWriteDeadline(time.Now().Add(writeDeadline))
			frames, dropped := sub.drain()
			if dropped > 0 {
				fmt.Fprintf(w, "data: %s\n\n", h.encode("dropped", map[string]interface{}{
					"count": dropped,
				}, time.Now().UTC()))
			}
			for _, ev := range frames {
				if _, err := fmt.Fprintf(w, "data: %s\n\n", h.encode(string(ev.Type), ev.Data, ev.Timestamp)); err != nil {
					h.log.Info().Err(err).Msg("Live stream write failed, dropping client")
					return
				}
			}
			flusher.Flush()
		case <-heartbeat.C:
			_ = rc.SetWriteDeadline(time.Now().Add(writeDeadline))
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				h.log.Info().Err(err).Msg("Live stream heartbeat failed, dropping client")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *LiveStreamHandler) encode(frameType string, data interface{}, ts time.Time) string {
	encoded, err := json.Marshal(map[string]interface{}{
		"type":      frameType,
		"data":      data,
		"timestamp": ts.Format(time.RFC3339),
	})
	if err != nil {
		h.log.Error().Err(err).Str("type", frameType).Msg("Failed to encode frame")
		return `{"error":"failed to encode frame"}`
	}
	return string(encoded)
}

// liveSubscriber is one connection's bounded outbound queue.
type liveSubscriber struct {
	mu      sync.Mutex
	queue   []*events.Event
	dropped int
	wake    chan struct{}
}

func newLiveSubscriber() *liveSubscriber {
	return &liveSubscriber{wake: make(chan struct{}, 1)}
}

// push enqueues a frame, applying the backpressure policy: past the budget,
// the oldest non-critical frame makes room; an incoming non-critical frame
// is itself dropped when the queue holds nothing but critical alerts.
func (s *liveSubscriber) push(ev *events.Event) {
	s.mu.Lock()
	switch {
	case len(s.queue) < subscriberBuffer:
		s.queue = append(s.queue, ev)
	case ev.Critical():
		// The bound yields for critical alerts rather than lose one.
		s.queue = append(s.queue, ev)
	default:
		if idx := s.firstNonCritical(); idx >= 0 {
			s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
			s.queue = append(s.queue, ev)
		}
		s.dropped++
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// drain swaps out the queue and resets the dropped counter.
func (s *liveSubscriber) drain() ([]*events.Event, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := s.queue
	dropped := s.dropped
	s.queue = nil
	s.dropped = 0
	return frames, dropped
}

func (s *liveSubscriber) firstNonCritical() int {
	for i, ev := range s.queue {
		if !ev.Critical() {
			return i
		}
	}
	return -1
}
