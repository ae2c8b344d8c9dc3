package deploy

import (
	"log"

	"github.com/gluk-w/claworc/ide/internal/api"
	"github.com/gluk-w/claworc/ide/internal/logutil"
	"github.com/gluk-w/claworc/ide/internal/tunnel"
)

// AttachPush consumes deploy/progress messages from m. Pushes for the active
// deployment refresh its details between polls. A pushed terminal state is
// accepted and ends polling early; non-terminal pushed states are ignored so
// polling stays authoritative for transitions.
func (o *Orchestrator) AttachPush(m *tunnel.Multiplexer) (detach func()) {
	return tunnel.Handle(m, tunnel.ChannelDeploy, tunnel.TypeDeployProgress, o.applyPush)
}

func (o *Orchestrator) applyPush(p tunnel.DeployProgress) {
	o.mu.Lock()
	if o.status == nil || o.status.DeployID != p.DeployID || o.phase.IsTerminal() {
		o.mu.Unlock()
		return
	}
	st := *o.status
	if len(p.Details) > 0 {
		st.Details = p.Details
	}
	state := api.DeployState(p.State)
	terminal := state.IsTerminal()
	if terminal {
		st.State = state
	}
	o.applyLocked(&st)
	o.mu.Unlock()

	if terminal {
		log.Printf("[deploy] session %s: deploy %s is %s (pushed)", o.sessionID, logutil.Clean(p.DeployID), logutil.Clean(string(state)))
	}
	o.notify()
}
