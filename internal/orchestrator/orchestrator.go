// Package orchestrator drives migration jobs through their lifecycle. One
// job at a time owns the active slot; its run loop takes the pre-transfer
// snapshot, supervises the export and import tools through the engine, takes
// the post-transfer snapshot and settles the job in a terminal state. Every
// state change, log line and snapshot is pushed to the telemetry hub as it
// happens.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mongoferry/mongoferry/internal/engine"
	"github.com/mongoferry/mongoferry/internal/guard"
	"github.com/mongoferry/mongoferry/internal/models"
	"github.com/mongoferry/mongoferry/internal/telemetry"
	"github.com/mongoferry/mongoferry/internal/utils"
)

var (
	// ErrJobNotFound is returned for job ids the orchestrator has never seen.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotActive is returned when cancelling a job that already ended.
	ErrJobNotActive = errors.New("job not active")
)

const defaultLogTail = 20

// ToolClient is the dump/restore capability the run loop drives. Exit codes
// come back in the Result; the error return is reserved for supervision
// problems such as a missing binary.
type ToolClient interface {
	Dump(ctx context.Context, uri, db, outDir string, emit engine.LineFunc) (engine.Result, error)
	Restore(ctx context.Context, uri, db, archiveDir, sourceDB string, drop bool, emit engine.LineFunc) (engine.Result, error)
	CheckTools() error
}

// StatsCollector takes the advisory snapshots and connectivity probes.
type StatsCollector interface {
	Snapshot(ctx context.Context, uri, dbName string) (*models.StatsSnapshot, error)
	Probe(ctx context.Context, uri string) (string, error)
}

// ProfileGetter resolves connection profiles at job start. Profiles are
// copied into the job, so later registry changes never affect a running job.
type ProfileGetter interface {
	Get(id string) (*models.Connection, error)
}

// Config carries the orchestrator's tunables.
type Config struct {
	ArchiveDir      string
	DropTarget      bool
	KeepArchive     bool
	LogTail         int
	CheckLocalTools bool // preflight probes the dump/restore binaries
}

// StartRequest is a request to begin a migration between two stored
// profiles, carrying the operator's confirmation gesture.
type StartRequest struct {
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
	guard.Request
}

// job pairs the externally visible record with its runtime controls. All
// access to data goes through mu; done closes when the run loop exits.
type job struct {
	mu     sync.Mutex
	data   *models.MigrationJob
	cancel context.CancelFunc
	seq    uint64
	done   chan struct{}
}

// Orchestrator serializes migration jobs process-wide. The active slot is an
// atomic pointer so competing start requests race on a compare-and-swap
// instead of a check-then-act; the jobs map keeps every job for status
// queries until the process exits.
type Orchestrator struct {
	profiles ProfileGetter
	tools    ToolClient
	stats    StatsCollector
	hub      *telemetry.Hub
	cfg      Config
	logger   zerolog.Logger

	active atomic.Pointer[job]

	mu    sync.RWMutex
	jobs  map[string]*job
	order []string
}

func New(profiles ProfileGetter, tools ToolClient, stats StatsCollector, hub *telemetry.Hub, cfg Config, logger zerolog.Logger) *Orchestrator {
	if cfg.LogTail <= 0 {
		cfg.LogTail = defaultLogTail
	}
	if cfg.ArchiveDir == "" {
		cfg.ArchiveDir = filepath.Join(os.TempDir(), "mongoferry")
	}
	return &Orchestrator{
		profiles: profiles,
		tools:    tools,
		stats:    stats,
		hub:      hub,
		cfg:      cfg,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
		jobs:     make(map[string]*job),
	}
}

// Start authorizes and launches a new migration job. The guard rejection and
// profile lookup errors surface here; once the job holds the active slot the
// run loop takes over and Start returns a snapshot of the fresh job.
func (o *Orchestrator) Start(req StartRequest) (*models.MigrationJob, error) {
	source, err := o.profiles.Get(req.SourceID)
	if err != nil {
		return nil, errors.Wrap(err, "resolve source profile")
	}
	target, err := o.profiles.Get(req.TargetID)
	if err != nil {
		return nil, errors.Wrap(err, "resolve target profile")
	}

	if err := guard.Authorize(req.Request, target, o.active.Load() != nil); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		data: &models.MigrationJob{
			ID:        uuid.NewString(),
			Source:    *source,
			Target:    *target,
			State:     models.JobStatePending,
			CreatedAt: time.Now().UTC(),
			Logs:      []models.LogLine{},
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	// The slot is the authoritative gate: the guard check above is advisory
	// and two competing starts can both pass it.
	if !o.active.CompareAndSwap(nil, j) {
		cancel()
		return nil, guard.ErrJobInProgress
	}

	o.mu.Lock()
	o.jobs[j.data.ID] = j
	o.order = append(o.order, j.data.ID)
	o.mu.Unlock()

	o.hub.Register(j.data.ID)
	o.logger.Info().
		Str("job_id", j.data.ID).
		Str("source", source.Name).
		Str("target", target.Name).
		Str("target_db", target.DBName).
		Msg("migration job created")

	o.transition(j, models.JobStateConfirmed, "")
	go o.run(ctx, j)

	return j.snapshot(), nil
}

// Cancel requests cancellation of a running job. The run loop drives the
// actual state change, so a 202-style "accepted" is all Cancel promises.
// Cancelling a job that already ended in Cancelled is a no-op success.
func (o *Orchestrator) Cancel(jobID string) error {
	j := o.lookup(jobID)
	if j == nil {
		return ErrJobNotFound
	}

	j.mu.Lock()
	state := j.data.State
	j.mu.Unlock()
	if state.Terminal() {
		if state == models.JobStateCancelled {
			return nil
		}
		return ErrJobNotActive
	}

	o.logger.Info().Str("job_id", jobID).Msg("cancellation requested")
	o.emit(j)(models.LogSourceSystem, "cancellation requested by operator")
	j.cancel()
	return nil
}

// Get returns a deep copy of one job.
func (o *Orchestrator) Get(jobID string) (*models.MigrationJob, error) {
	j := o.lookup(jobID)
	if j == nil {
		return nil, ErrJobNotFound
	}
	return j.snapshot(), nil
}

// List returns deep copies of all jobs, newest first.
func (o *Orchestrator) List() []*models.MigrationJob {
	o.mu.RLock()
	ids := make([]string, len(o.order))
	copy(ids, o.order)
	o.mu.RUnlock()

	jobs := make([]*models.MigrationJob, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if j := o.lookup(ids[i]); j != nil {
			jobs = append(jobs, j.snapshot())
		}
	}
	return jobs
}

// Shutdown cancels the active job, if any, and waits for its run loop to
// settle or for ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	j := o.active.Load()
	if j == nil {
		return nil
	}
	j.cancel()
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for active job to stop")
	}
}

func (o *Orchestrator) lookup(jobID string) *job {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.jobs[jobID]
}

// run executes the job phases sequentially. Export and import each run
// exactly once; any failure or observed cancellation settles the job and the
// deferred release frees the slot for the next start request.
func (o *Orchestrator) run(ctx context.Context, j *job) {
	defer o.release(j)

	id := j.data.ID
	emit := o.emit(j)

	pre := o.takeSnapshot(ctx, j, j.data.Source, models.StatsSideSource, models.StatsPhaseBefore)
	j.mu.Lock()
	j.data.PreStats = pre
	j.mu.Unlock()
	o.publishStats(id, pre)

	if o.settleCancelled(ctx, j) {
		return
	}

	archive := filepath.Join(o.cfg.ArchiveDir, "job-"+id)
	o.transition(j, models.JobStateExporting, "")
	if err := os.MkdirAll(archive, 0o755); err != nil {
		o.fail(j, models.FailureReasonExport, fmt.Sprintf("create archive workspace: %v", err), 0)
		return
	}
	if !o.cfg.KeepArchive {
		defer os.RemoveAll(archive)
	}

	emit(models.LogSourceSystem, fmt.Sprintf("exporting %s from %q", j.data.Source.DBName, j.data.Source.Name))
	res, err := o.tools.Dump(ctx, j.data.Source.URI, j.data.Source.DBName, archive, emit)
	if o.settleCancelled(ctx, j) {
		return
	}
	if err != nil {
		o.fail(j, models.FailureReasonExport, utils.RedactCredentials(err.Error()), res.ExitCode)
		return
	}
	if res.ExitCode != 0 {
		o.fail(j, models.FailureReasonExport, fmt.Sprintf("export tool exited with code %d", res.ExitCode), res.ExitCode)
		return
	}
	emit(models.LogSourceSystem, fmt.Sprintf("export finished in %dms", res.DurationMs))
	o.transition(j, models.JobStateExportComplete, "")

	if o.settleCancelled(ctx, j) {
		return
	}

	o.transition(j, models.JobStateImporting, "")
	emit(models.LogSourceSystem, fmt.Sprintf("importing into %s on %q", j.data.Target.DBName, j.data.Target.Name))
	res, err = o.tools.Restore(ctx, j.data.Target.URI, j.data.Target.DBName, archive, j.data.Source.DBName, o.cfg.DropTarget, emit)
	if o.settleCancelled(ctx, j) {
		return
	}
	if err != nil {
		o.fail(j, models.FailureReasonImport, utils.RedactCredentials(err.Error()), res.ExitCode)
		return
	}
	if res.ExitCode != 0 {
		o.fail(j, models.FailureReasonImport, fmt.Sprintf("import tool exited with code %d", res.ExitCode), res.ExitCode)
		return
	}
	emit(models.LogSourceSystem, fmt.Sprintf("import finished in %dms", res.DurationMs))

	post := o.takeSnapshot(ctx, j, j.data.Target, models.StatsSideTarget, models.StatsPhaseAfter)
	j.mu.Lock()
	j.data.PostStats = post
	j.mu.Unlock()
	o.publishStats(id, post)

	o.transition(j, models.JobStateCompleted, "")
}

func (o *Orchestrator) release(j *job) {
	o.active.CompareAndSwap(j, nil)
	close(j.done)
}

// settleCancelled checks for a cancellation request and, when one is
// pending, moves the job to its terminal cancelled state. The runner already
// terminated the tool process by the time this observes the cancellation.
func (o *Orchestrator) settleCancelled(ctx context.Context, j *job) bool {
	if ctx.Err() == nil {
		return false
	}
	o.transition(j, models.JobStateCancelled, "cancel_requested")
	return true
}

func (o *Orchestrator) fail(j *job, reason, message string, exitCode int) {
	j.mu.Lock()
	j.data.Failure = &models.JobFailure{
		Reason:   reason,
		Message:  message,
		ExitCode: exitCode,
		LogTail:  logTail(j.data.Logs, o.cfg.LogTail),
	}
	j.mu.Unlock()

	o.logger.Error().
		Str("job_id", j.data.ID).
		Str("reason", reason).
		Int("exit_code", exitCode).
		Msg(message)
	o.transition(j, models.JobStateFailed, reason)
}

// transition moves the job to a new state and publishes the change. A
// terminal transition closes the job's telemetry stream with the change as
// its final event. started_at is stamped when the job first leaves pending
// for a live state; finished_at is stamped on exactly the terminal states.
func (o *Orchestrator) transition(j *job, to models.JobState, reason string) {
	now := time.Now().UTC()

	j.mu.Lock()
	from := j.data.State
	j.data.State = to
	if from == models.JobStatePending && !to.Terminal() {
		t := now
		j.data.StartedAt = &t
	}
	if to.Terminal() {
		t := now
		j.data.FinishedAt = &t
	}
	j.mu.Unlock()

	o.logger.Info().
		Str("job_id", j.data.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("job state changed")

	ev := models.Event{
		Type:      models.EventTypeState,
		JobID:     j.data.ID,
		Timestamp: now,
		State:     &models.StateChange{From: from, To: to, Reason: reason},
	}
	if to.Terminal() {
		o.hub.Close(j.data.ID, ev)
	} else {
		o.hub.Publish(j.data.ID, ev)
	}
}

// emit returns the line sink for this job. Lines are stamped with the job's
// monotonic sequence, stored on the job and fanned out live. Credentials
// leaking through tool output are masked before the line is kept. The
// non-blocking publish stays under the job lock: subscribers must see lines
// in sequence order even when a cancellation line races the tool output.
func (o *Orchestrator) emit(j *job) engine.LineFunc {
	return func(source models.LogSource, text string) {
		j.mu.Lock()
		defer j.mu.Unlock()

		line := models.LogLine{
			Seq:       j.seq,
			Source:    source,
			Timestamp: time.Now().UTC(),
			Text:      utils.RedactCredentials(text),
		}
		j.seq++
		j.data.Logs = append(j.data.Logs, line)

		o.hub.Publish(j.data.ID, models.Event{
			Type:      models.EventTypeLog,
			JobID:     j.data.ID,
			Timestamp: line.Timestamp,
			Line:      &line,
		})
	}
}

// takeSnapshot wraps the collector call with the advisory degradation
// policy: a snapshot that cannot be taken is recorded as unavailable and the
// job carries on.
func (o *Orchestrator) takeSnapshot(ctx context.Context, j *job, conn models.Connection, side models.StatsSide, phase models.StatsPhase) *models.StatsSnapshot {
	snap, err := o.stats.Snapshot(ctx, conn.URI, conn.DBName)
	if err != nil {
		o.logger.Warn().
			Str("job_id", j.data.ID).
			Str("side", string(side)).
			Err(err).
			Msg("stats snapshot unavailable")
		return &models.StatsSnapshot{
			Side:        side,
			Phase:       phase,
			TakenAt:     time.Now().UTC(),
			Unavailable: true,
			Error:       utils.RedactCredentials(err.Error()),
		}
	}
	snap.Side = side
	snap.Phase = phase
	return snap
}

func (o *Orchestrator) publishStats(jobID string, snap *models.StatsSnapshot) {
	cp := *snap
	o.hub.Publish(jobID, models.Event{
		Type:      models.EventTypeStats,
		JobID:     jobID,
		Timestamp: cp.TakenAt,
		Stats:     &cp,
	})
}

func logTail(lines []models.LogLine, n int) []string {
	if n <= 0 || len(lines) == 0 {
		return nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	tail := make([]string, len(lines))
	for i, ln := range lines {
		tail[i] = ln.Text
	}
	return tail
}

// snapshot deep-copies the job for handing outside the orchestrator.
// Connection URIs are stripped: job consumers never need credentials.
func (j *job) snapshot() *models.MigrationJob {
	j.mu.Lock()
	defer j.mu.Unlock()

	cp := *j.data
	cp.Source.URI = ""
	cp.Target.URI = ""
	cp.Logs = append([]models.LogLine(nil), j.data.Logs...)
	if j.data.StartedAt != nil {
		t := *j.data.StartedAt
		cp.StartedAt = &t
	}
	if j.data.FinishedAt != nil {
		t := *j.data.FinishedAt
		cp.FinishedAt = &t
	}
	if j.data.PreStats != nil {
		s := *j.data.PreStats
		cp.PreStats = &s
	}
	if j.data.PostStats != nil {
		s := *j.data.PostStats
		cp.PostStats = &s
	}
	if j.data.Failure != nil {
		f := *j.data.Failure
		f.LogTail = append([]string(nil), j.data.Failure.LogTail...)
		cp.Failure = &f
	}
	return &cp
}
