// Package engine supervises the external dump and restore tools. A Runner
// executes exactly one tool invocation, streaming its merged output line by
// line and reporting how the process ended; the Client knows the tool
// command lines. Two runner backends exist: direct host execution and a
// per-invocation Docker container.
package engine

import (
	"context"

	"github.com/mongoferry/mongoferry/internal/models"
)

// Spec describes one tool invocation.
type Spec struct {
	Command string
	Args    []string
	Env     []string
	Source  models.LogSource // role tag applied to every emitted line
}

// Result reports how a supervised process ended. A non-zero exit code is
// carried here, never in the error return; the caller decides what a tool
// failure means. Signaled is true when the process was terminated because
// the context was cancelled, whether it honored the termination signal or
// had to be killed after the grace period.
type Result struct {
	ExitCode   int   `json:"exit_code"`
	Signaled   bool  `json:"signaled"`
	DurationMs int64 `json:"duration_ms"`
}

// LineFunc receives each output line as the process produces it.
type LineFunc func(source models.LogSource, text string)

// Runner spawns and supervises one external process per Run call. Standard
// output and standard error are merged into a single line stream delivered
// through emit while the process runs. Run blocks until the process ends;
// cancelling ctx signals the process group and escalates to a kill after a
// bounded grace period. The returned error reports supervision problems
// (binary not found, spawn failure), not tool failures.
type Runner interface {
	Run(ctx context.Context, spec Spec, emit LineFunc) (Result, error)
}
