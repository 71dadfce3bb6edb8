// Package guard implements the destructive-action confirmation check that
// gates every migration start. The target database is about to be
// overwritten, so the operator must acknowledge the risk and retype the
// target's database name exactly before a job may be created.
package guard

import (
	"errors"

	"github.com/mongoferry/mongoferry/internal/models"
)

var (
	// ErrConfirmationMismatch is returned when the acknowledgement flag is
	// unset or the typed name does not equal the target database name.
	ErrConfirmationMismatch = errors.New("confirmation_mismatch")

	// ErrJobInProgress is returned while another job is in a non-terminal
	// state. Only one migration may run at a time.
	ErrJobInProgress = errors.New("job_in_progress")
)

// Request is the operator's confirmation gesture accompanying a start request.
type Request struct {
	RiskAcknowledged bool   `json:"risk_acknowledged"`
	ConfirmDBName    string `json:"confirm_db_name"`
}

// Authorize validates a start request against the resolved target profile.
// The typed name must match target.DBName byte for byte: no trimming, no
// case folding. Authorize is a pure precondition with no side effects, so a
// rejected caller can simply resubmit.
func Authorize(req Request, target *models.Connection, jobActive bool) error {
	if !req.RiskAcknowledged {
		return ErrConfirmationMismatch
	}
	if req.ConfirmDBName != target.DBName {
		return ErrConfirmationMismatch
	}
	if jobActive {
		return ErrJobInProgress
	}
	return nil
}
