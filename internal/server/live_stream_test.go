package server

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/vigil/internal/events"
)

func infoEvent(msg string) *events.Event {
	return &events.Event{
		Type:      events.Alert,
		Data:      &events.AlertData{AlertType: "test", Severity: events.SeverityInfo, Message: msg},
		Timestamp: time.Now().UTC(),
	}
}

func criticalEvent(msg string) *events.Event {
	return &events.Event{
		Type:      events.Alert,
		Data:      &events.AlertData{AlertType: "test", Severity: events.SeverityCritical, Message: msg},
		Timestamp: time.Now().UTC(),
	}
}

func TestLiveSubscriber_DropsOldestNonCritical(t *testing.T) {
	sub := newLiveSubscriber()

	for i := 0; i < subscriberBuffer+44; i++ {
		sub.push(infoEvent("routine"))
	}

	frames, dropped := sub.drain()
	assert.Len(t, frames, subscriberBuffer)
	assert.Equal(t, 44, dropped)

	// A second drain starts clean.
	frames, dropped = sub.drain()
	assert.Empty(t, frames)
	assert.Zero(t, dropped)
}

func TestLiveSubscriber_CriticalSurvivesBackpressure(t *testing.T) {
	sub := newLiveSubscriber()

	for i := 0; i < subscriberBuffer; i++ {
		sub.push(infoEvent("routine"))
	}
	sub.push(criticalEvent("kill switch engaged"))
	sub.push(infoEvent("late routine"))

	frames, dropped := sub.drain()
	// The critical frame grew the queue past the bound; the late routine
	// frame displaced the oldest non-critical one.
	require.Len(t, frames, subscriberBuffer+1)
	assert.Equal(t, 1, dropped)

	critical := 0
	for _, ev := range frames {
		if ev.Critical() {
			critical++
		}
	}
	assert.Equal(t, 1, critical)
}

func TestLiveSubscriber_AllCriticalQueueDropsIncomingRoutine(t *testing.T) {
	sub := newLiveSubscriber()

	for i := 0; i < subscriberBuffer; i++ {
		sub.push(criticalEvent("critical"))
	}
	sub.push(infoEvent("routine"))

	frames, dropped := sub.drain()
	assert.Len(t, frames, subscriberBuffer)
	assert.Equal(t, 1, dropped)
	for _, ev := range frames {
		assert.True(t, ev.Critical())
	}
}

func TestLiveStream_ConnectAndReceive(t *testing.T) {
	log := zerolog.Nop()
	bus := events.NewBus(log)
	h := NewLiveStreamHandler(bus, log)

	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, `"type":"connected"`)

	// Wait for the subscription before publishing.
	require.Eventually(t, func() bool {
		return bus.SubscriberCount(events.Alert) > 0
	}, 2*time.Second, 10*time.Millisecond)

	bus.EmitAlert("risk", "daily_loss_limit", events.SeverityCritical, "limit breached", nil)

	found := false
	deadline := time.After(2 * time.Second)
	for !found {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for alert frame")
		default:
		}
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.Contains(line, "limit breached") {
			found = true
		}
	}

	assert.Equal(t, 1, h.SubscriberCount())
}

func TestLiveStream_ServesWritersWithoutDeadlineSupport(t *testing.T) {
	log := zerolog.Nop()
	bus := events.NewBus(log)
	h := NewLiveStreamHandler(bus, log)

	// The recorder's ResponseController rejects SetWriteDeadline; the stream
	// must keep serving anyway.
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/live", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return h.SubscriberCount() == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Contains(t, rec.Body.String(), "connected to live stream")
}

func TestLiveStream_ServesMaxSubscribersThenRefuses(t *testing.T) {
	log := zerolog.Nop()
	bus := events.NewBus(log)
	h := NewLiveStreamHandler(bus, log)

	// Saturate the counter directly; opening a hundred live connections in a
	// unit test proves nothing extra.
	h.mu.Lock()
	h.count = maxSubscribers
	h.mu.Unlock()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/live", nil)
	h.ServeHTTP(rec, req)
	assert.Equal(t, 503, rec.Code)
}

func TestLiveStream_RefusesAfterClose(t *testing.T) {
	log := zerolog.Nop()
	bus := events.NewBus(log)
	h := NewLiveStreamHandler(bus, log)
	h.Close()
	h.Close() // idempotent

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/live", nil)
	h.ServeHTTP(rec, req)
	assert.Equal(t, 503, rec.Code)
}
