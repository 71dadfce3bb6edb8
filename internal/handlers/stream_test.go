package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoferry/mongoferry/internal/models"
	"github.com/mongoferry/mongoferry/internal/telemetry"
)

func newStreamServer(t *testing.T, hub *telemetry.Hub) *httptest.Server {
	t.Helper()
	h := NewStreamHandler(hub, zerolog.Nop())
	router := mux.NewRouter()
	router.HandleFunc("/api/migrations/{jobID}/events", h.Events).Methods(http.MethodGet)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server, jobID string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/api/migrations/" + jobID + "/events"
}

func readEvent(t *testing.T, conn *websocket.Conn) models.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev models.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestStreamHandler_RelaysEventsUntilTerminal(t *testing.T) {
	hub := telemetry.NewHub(16, zerolog.Nop())
	hub.Register("job-1")
	server := newStreamServer(t, hub)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, "job-1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	hub.Publish("job-1", models.Event{
		Type:  models.EventTypeLog,
		JobID: "job-1",
		Line:  &models.LogLine{Seq: 0, Source: models.LogSourceExport, Text: "writing orders.users"},
	})
	hub.Close("job-1", models.Event{
		Type:  models.EventTypeState,
		JobID: "job-1",
		State: &models.StateChange{From: models.JobStateImporting, To: models.JobStateCompleted},
	})

	ev := readEvent(t, conn)
	assert.Equal(t, models.EventTypeLog, ev.Type)
	require.NotNil(t, ev.Line)
	assert.Equal(t, "writing orders.users", ev.Line.Text)

	ev = readEvent(t, conn)
	assert.Equal(t, models.EventTypeState, ev.Type)
	require.NotNil(t, ev.State)
	assert.Equal(t, models.JobStateCompleted, ev.State.To)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected a normal close, got %v", err)
}

func TestStreamHandler_LateSubscriberGetsTerminalEvent(t *testing.T) {
	hub := telemetry.NewHub(16, zerolog.Nop())
	hub.Register("job-1")
	hub.Close("job-1", models.Event{
		Type:  models.EventTypeState,
		JobID: "job-1",
		State: &models.StateChange{From: models.JobStateExporting, To: models.JobStateFailed, Reason: models.FailureReasonExport},
	})
	server := newStreamServer(t, hub)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, "job-1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	ev := readEvent(t, conn)
	require.NotNil(t, ev.State)
	assert.Equal(t, models.JobStateFailed, ev.State.To)
	assert.Equal(t, models.FailureReasonExport, ev.State.Reason)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestStreamHandler_UnknownJob(t *testing.T) {
	hub := telemetry.NewHub(16, zerolog.Nop())
	server := newStreamServer(t, hub)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server, "nope"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
