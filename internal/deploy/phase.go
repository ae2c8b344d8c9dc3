package deploy

import "github.com/gluk-w/claworc/ide/internal/api"

// Phase is the orchestrator's view of the deployment lifecycle.
//
//	idle -> starting -> running -> completed | failed
//
// Cancel and Rollback are side actions; they never move the phase on their
// own, only through the status they fetch afterwards.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseStarting  Phase = "starting"
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// IsTerminal reports whether the phase ends polling.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// phaseFor maps a backend state onto a phase. Unknown states are treated as
// still running so polling continues until the backend settles.
func phaseFor(s api.DeployState) Phase {
	switch s {
	case api.DeployCompleted:
		return PhaseCompleted
	case api.DeployFailed:
		return PhaseFailed
	default:
		return PhaseRunning
	}
}
