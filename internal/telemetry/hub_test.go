package telemetry

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoferry/mongoferry/internal/models"
)

func logEvent(jobID, text string, seq uint64) models.Event {
	return models.Event{
		Type:      models.EventTypeLog,
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
		Line:      &models.LogLine{Seq: seq, Source: models.LogSourceExport, Text: text},
	}
}

func terminalEvent(jobID string, to models.JobState) models.Event {
	return models.Event{
		Type:      models.EventTypeState,
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
		State:     &models.StateChange{From: models.JobStateImporting, To: to},
	}
}

func TestHub_DeliversInProductionOrder(t *testing.T) {
	hub := NewHub(16, zerolog.Nop())
	hub.Register("job-1")

	sub, err := hub.Subscribe("job-1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		hub.Publish("job-1", logEvent("job-1", "line", uint64(i)))
	}

	for i := 0; i < 3; i++ {
		ev := <-sub.C
		assert.Equal(t, uint64(i), ev.Line.Seq)
	}
}

func TestHub_IndependentSubscribers(t *testing.T) {
	hub := NewHub(16, zerolog.Nop())
	hub.Register("job-1")

	first, err := hub.Subscribe("job-1")
	require.NoError(t, err)
	second, err := hub.Subscribe("job-1")
	require.NoError(t, err)

	hub.Publish("job-1", logEvent("job-1", "shared", 1))

	assert.Equal(t, uint64(1), (<-first.C).Line.Seq)
	assert.Equal(t, uint64(1), (<-second.C).Line.Seq)
}

func TestHub_SlowSubscriberDropsNewest(t *testing.T) {
	hub := NewHub(2, zerolog.Nop())
	hub.Register("job-1")

	sub, err := hub.Subscribe("job-1")
	require.NoError(t, err)

	// Publish more than the queue holds without draining. The producer must
	// not block and the oldest events must survive.
	for i := 0; i < 5; i++ {
		hub.Publish("job-1", logEvent("job-1", "line", uint64(i)))
	}
	hub.Close("job-1", terminalEvent("job-1", models.JobStateCompleted))

	var seqs []uint64
	for ev := range sub.C {
		if ev.Type == models.EventTypeLog {
			seqs = append(seqs, ev.Line.Seq)
		}
	}
	assert.Equal(t, []uint64{0, 1}, seqs)
}

func TestHub_CloseDeliversTerminalThenEOF(t *testing.T) {
	hub := NewHub(16, zerolog.Nop())
	hub.Register("job-1")

	sub, err := hub.Subscribe("job-1")
	require.NoError(t, err)

	hub.Publish("job-1", logEvent("job-1", "line", 1))
	hub.Close("job-1", terminalEvent("job-1", models.JobStateCompleted))

	ev := <-sub.C
	assert.Equal(t, models.EventTypeLog, ev.Type)

	ev = <-sub.C
	require.Equal(t, models.EventTypeState, ev.Type)
	assert.Equal(t, models.JobStateCompleted, ev.State.To)

	_, ok := <-sub.C
	assert.False(t, ok, "channel should be closed after the terminal event")
}

func TestHub_LateSubscriberGetsTerminalState(t *testing.T) {
	hub := NewHub(16, zerolog.Nop())
	hub.Register("job-1")
	hub.Close("job-1", terminalEvent("job-1", models.JobStateFailed))

	sub, err := hub.Subscribe("job-1")
	require.NoError(t, err)

	ev, ok := <-sub.C
	require.True(t, ok)
	assert.Equal(t, models.JobStateFailed, ev.State.To)

	_, ok = <-sub.C
	assert.False(t, ok)
}

func TestHub_SubscribeUnknownJob(t *testing.T) {
	hub := NewHub(16, zerolog.Nop())

	_, err := hub.Subscribe("nope")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestHub_CancelDetachesSubscriber(t *testing.T) {
	hub := NewHub(16, zerolog.Nop())
	hub.Register("job-1")

	sub, err := hub.Subscribe("job-1")
	require.NoError(t, err)
	sub.Cancel()
	sub.Cancel() // second cancel is harmless

	hub.Publish("job-1", logEvent("job-1", "after cancel", 1))

	_, ok := <-sub.C
	assert.False(t, ok)
}

func TestHub_PublishAfterCloseIsNoop(t *testing.T) {
	hub := NewHub(16, zerolog.Nop())
	hub.Register("job-1")
	hub.Close("job-1", terminalEvent("job-1", models.JobStateCancelled))

	hub.Publish("job-1", logEvent("job-1", "too late", 1))
	hub.Close("job-1", terminalEvent("job-1", models.JobStateCompleted))

	sub, err := hub.Subscribe("job-1")
	require.NoError(t, err)
	ev := <-sub.C
	assert.Equal(t, models.JobStateCancelled, ev.State.To, "first terminal event wins")
}

func TestHub_PublishUnknownJobIsNoop(t *testing.T) {
	hub := NewHub(16, zerolog.Nop())
	hub.Publish("nope", logEvent("nope", "line", 1))
}
