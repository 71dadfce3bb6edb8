package models

import "time"

// EventType discriminates telemetry events pushed to job observers.
type EventType string

const (
	EventTypeLog   EventType = "log"
	EventTypeStats EventType = "stats"
	EventTypeState EventType = "state"
)

// StateChange describes one transition of the job state machine. Reason is
// set on transitions into failed (the failure reason code) and cancelled.
type StateChange struct {
	From   JobState `json:"from"`
	To     JobState `json:"to"`
	Reason string   `json:"reason,omitempty"`
}

// Event is the unit of delivery on the telemetry channel. Exactly one of
// Line, Stats and State is set, matching Type. Events are published in
// production order and written to stream subscribers as single JSON
// messages.
type Event struct {
	Type      EventType      `json:"type"`
	JobID     string         `json:"job_id"`
	Timestamp time.Time      `json:"timestamp"`
	Line      *LogLine       `json:"line,omitempty"`
	Stats     *StatsSnapshot `json:"stats,omitempty"`
	State     *StateChange   `json:"state,omitempty"`
}
