package tunnel

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/gluk-w/claworc/ide/internal/logutil"
)

// Validator is implemented by payload types that need more than a successful
// JSON decode to be trusted.
type Validator interface {
	Validate() error
}

// TerminalData carries raw shell output (server → client) or keystrokes
// (client → server).
type TerminalData struct {
	Data string `json:"data"`
}

// TerminalResize asks the server to resize the remote PTY.
type TerminalResize struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

func (r TerminalResize) Validate() error {
	if r.Cols == 0 || r.Rows == 0 {
		return fmt.Errorf("invalid terminal size %dx%d", r.Cols, r.Rows)
	}
	return nil
}

// LogLine is a single pushed log line.
type LogLine struct {
	Service   string `json:"service"`
	Line      string `json:"line"`
	Timestamp string `json:"timestamp"`
}

func (l LogLine) Validate() error {
	if l.Service == "" {
		return errors.New("log line without service")
	}
	return nil
}

// DeployProgress is pushed while a deployment runs.
type DeployProgress struct {
	DeployID string          `json:"deployId"`
	State    string          `json:"state"`
	Details  json.RawMessage `json:"details,omitempty"`
}

func (p DeployProgress) Validate() error {
	if p.DeployID == "" {
		return errors.New("deploy progress without deployId")
	}
	return nil
}

// ExecOutput streams partial output of a running command.
type ExecOutput struct {
	RequestID string `json:"requestId"`
	Stream    string `json:"stream"`
	Data      string `json:"data"`
}

// SystemEvent is emitted locally on connection state changes and may also be
// sent by the server on the system channel.
type SystemEvent struct {
	State   ConnState `json:"state"`
	Message string    `json:"message,omitempty"`
}

// Decode unmarshals an envelope payload into T and runs Validate when T
// implements Validator.
func Decode[T any](env Envelope) (T, error) {
	var v T
	if len(env.Payload) == 0 {
		return v, fmt.Errorf("%s/%s: empty payload", env.Channel, env.Type)
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("%s/%s: decode payload: %w", env.Channel, env.Type, err)
	}
	if val, ok := any(v).(Validator); ok {
		if err := val.Validate(); err != nil {
			return v, fmt.Errorf("%s/%s: %w", env.Channel, env.Type, err)
		}
	}
	return v, nil
}

// Handle subscribes fn to messages of one (channel, type) pair with payloads
// decoded as T. Payloads that fail to decode or validate are dropped.
func Handle[T any](m *Multiplexer, ch Channel, msgType string, fn func(T)) (unsubscribe func()) {
	return m.On(ch, func(env Envelope) {
		if env.Type != msgType {
			return
		}
		v, err := Decode[T](env)
		if err != nil {
			log.Printf("[tunnel] session %s: dropping message: %s", m.sessionID, logutil.Clean(err.Error()))
			return
		}
		fn(v)
	})
}
