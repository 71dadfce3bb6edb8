package orchestrator

import (
	"context"

	"github.com/pkg/errors"

	"github.com/mongoferry/mongoferry/internal/utils"
)

// CheckStatus is the outcome of one preflight check.
type CheckStatus string

const (
	CheckPass CheckStatus = "pass"
	CheckFail CheckStatus = "fail"
)

// Check is one line of the preflight report.
type Check struct {
	Name    string      `json:"name"`
	Status  CheckStatus `json:"status"`
	Message string      `json:"message,omitempty"`
}

// PreflightReport aggregates the checks run before the confirmation dialog.
type PreflightReport struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks"`
}

// Preflight probes both deployments and, when the local runner is active,
// the tool binaries. All checks run even after one fails so the operator
// sees the full picture; the report is ordered source, target, tools. It
// never mutates job state.
func (o *Orchestrator) Preflight(ctx context.Context, sourceID, targetID string) (*PreflightReport, error) {
	source, err := o.profiles.Get(sourceID)
	if err != nil {
		return nil, errors.Wrap(err, "resolve source profile")
	}
	target, err := o.profiles.Get(targetID)
	if err != nil {
		return nil, errors.Wrap(err, "resolve target profile")
	}

	report := &PreflightReport{OK: true}
	add := func(name, okMessage string, err error) {
		check := Check{Name: name, Status: CheckPass, Message: okMessage}
		if err != nil {
			check.Status = CheckFail
			check.Message = utils.RedactCredentials(err.Error())
			report.OK = false
		}
		report.Checks = append(report.Checks, check)
	}

	version, err := o.stats.Probe(ctx, source.URI)
	add("source_reachable", "server version "+version, err)

	version, err = o.stats.Probe(ctx, target.URI)
	add("target_reachable", "server version "+version, err)

	if o.cfg.CheckLocalTools {
		add("tools_available", "dump and restore tools found", o.tools.CheckTools())
	}

	return report, nil
}
