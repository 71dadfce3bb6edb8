package models

import "time"

// JobState tracks a migration job through its phase sequence. States only
// ever move forward; failed and cancelled are reachable from any
// non-terminal state and all three terminal states are final.
type JobState string

const (
	JobStatePending        JobState = "pending"
	JobStateConfirmed      JobState = "confirmed"
	JobStateExporting      JobState = "exporting"
	JobStateExportComplete JobState = "export_complete"
	JobStateImporting      JobState = "importing"
	JobStateCompleted      JobState = "completed"
	JobStateFailed         JobState = "failed"
	JobStateCancelled      JobState = "cancelled"
)

func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// LogSource tags a log line with the phase that produced it.
type LogSource string

const (
	LogSourceExport LogSource = "export"
	LogSourceImport LogSource = "import"
	LogSourceSystem LogSource = "system"
)

// LogLine is one line of merged tool output. Seq is monotonic within a job.
type LogLine struct {
	Seq       uint64    `json:"seq"`
	Source    LogSource `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
}

// Failure reason codes carried on failed jobs.
const (
	FailureReasonExport = "export_failed"
	FailureReasonImport = "import_failed"
)

// JobFailure is the terminal error detail of a failed job: the reason code,
// the supervising error or exit status, and a tail of the job log for
// diagnosis without scrolling the full stream.
type JobFailure struct {
	Reason   string   `json:"reason"`
	Message  string   `json:"message"`
	ExitCode int      `json:"exit_code"`
	LogTail  []string `json:"log_tail,omitempty"`
}

// MigrationJob is one end-to-end attempt to copy a database between two
// connection profiles. The orchestrator owns the live job; everything
// handed out of the orchestrator is a deep copy with credentials redacted.
type MigrationJob struct {
	ID         string         `json:"id"`
	Source     Connection     `json:"source"`
	Target     Connection     `json:"target"`
	State      JobState       `json:"state"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at"`
	PreStats   *StatsSnapshot `json:"pre_stats"`
	PostStats  *StatsSnapshot `json:"post_stats"`
	Logs       []LogLine      `json:"logs"`
	Failure    *JobFailure    `json:"failure"`
}
