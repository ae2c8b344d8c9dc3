package commands

import "github.com/gluk-w/claworc/ide/internal/tunnel"

// maxOutput bounds the streamed output kept per record.
const maxOutput = 64 * 1024

// AttachOutput appends exec/output pushes from m to the running record whose
// request id they carry. Pushes for unknown or settled runs are ignored.
func (t *Tracker) AttachOutput(m *tunnel.Multiplexer) (detach func()) {
	return tunnel.Handle(m, tunnel.ChannelExec, tunnel.TypeExecOutput, t.appendOutput)
}

func (t *Tracker) appendOutput(o tunnel.ExecOutput) {
	if o.RequestID == "" || o.Data == "" {
		return
	}
	t.mu.Lock()
	var seq uint64
	for _, r := range t.execs {
		if r.RequestID == o.RequestID && r.Status == StatusRunning {
			seq = r.Seq
			break
		}
	}
	t.mu.Unlock()
	if seq == 0 {
		return
	}
	t.update(seq, func(r *Record) {
		if r.Status != StatusRunning {
			return
		}
		out := r.Output + o.Data
		if len(out) > maxOutput {
			out = out[len(out)-maxOutput:]
		}
		r.Output = out
	})
}
