package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"inboxrelay/internal/bus"
	"inboxrelay/internal/ledger"
	"inboxrelay/internal/logging"
	"inboxrelay/internal/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatus struct {
	sessions map[string]string
	channels map[string]bool
	tracked  int
}

func (f fakeStatus) Sessions() map[string]string { return f.sessions }
func (f fakeStatus) Channels() map[string]bool   { return f.channels }
func (f fakeStatus) Tracked() int                { return f.tracked }

type fakeHistory struct {
	entries []ledger.Entry
	err     error
	limit   int
}

func (f *fakeHistory) Recent(ctx context.Context, limit int) ([]ledger.Entry, error) {
	f.limit = limit
	return f.entries, f.err
}

func (f *fakeHistory) Totals(ctx context.Context) (ledger.Totals, error) {
	return ledger.Totals{Consumed: 3, Quarantined: 1}, f.err
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestStatusReportsDegradedSession(t *testing.T) {
	s := New(Config{
		Status: fakeStatus{
			sessions: map[string]string{"whatsapp": "degraded", "bluetooth": "ready"},
			channels: map[string]bool{"sms": false, "whatsapp": true, "bluetooth": true},
			tracked:  2,
		},
		History: &fakeHistory{},
		Logger:  logging.Discard(),
	})

	rec := get(t, s.Handler(), "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, 2, resp.Tracked)
	assert.Equal(t, map[string]bool{"sms": false, "whatsapp": true, "bluetooth": true}, resp.Channels)
	require.NotNil(t, resp.Totals)
	assert.EqualValues(t, 3, resp.Totals.Consumed)
}

func TestHistory(t *testing.T) {
	h := &fakeHistory{entries: []ledger.Entry{{ID: "a", Disposition: "consumed"}}}
	s := New(Config{History: h, Logger: logging.Discard()})

	rec := get(t, s.Handler(), "/history?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, h.limit)
	var entries []ledger.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Equal(t, "a", entries[0].ID)

	assert.Equal(t, http.StatusBadRequest, get(t, s.Handler(), "/history?limit=abc").Code)

	h.err = errors.New("disk I/O error")
	assert.Equal(t, http.StatusInternalServerError, get(t, s.Handler(), "/history").Code)
}

func TestHistoryWithoutLedger(t *testing.T) {
	s := New(Config{Logger: logging.Discard()})
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/history").Code)
	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/healthz").Code)
}

func TestEventsAndMetrics(t *testing.T) {
	events := bus.NewEventBus(logging.Discard())
	events.Emit(bus.Event{Type: bus.EventFileQuarantined, Payload: map[string]any{"file": "x.pdf"}})
	events.Emit(bus.Event{Type: bus.EventFileConsumed})

	s := New(Config{Events: events, Metrics: metrics.Collector.Handler(), Logger: logging.Discard()})

	rec := get(t, s.Handler(), "/events?type=file.quarantined&since=5m")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []bus.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "x.pdf", got[0].Payload["file"])

	assert.Equal(t, http.StatusBadRequest, get(t, s.Handler(), "/events?since=soon").Code)

	rec = get(t, s.Handler(), "/metrics")
	assert.Contains(t, rec.Body.String(), "inboxrelay_uptime_seconds")
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := New(Config{Logger: logging.Discard()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
