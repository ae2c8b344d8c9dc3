package tunnel

import "encoding/json"

// Channel identifies a logical sub-stream multiplexed over the session's
// single WebSocket. The set is closed; frames tagged with anything else are
// dropped on receipt.
type Channel string

const (
	ChannelTerminal Channel = "terminal"
	ChannelLogs     Channel = "logs"
	ChannelDeploy   Channel = "deploy"
	ChannelExec     Channel = "exec"
	ChannelSystem   Channel = "system"
)

// AllChannels returns every channel in wire order.
func AllChannels() []Channel {
	return []Channel{ChannelTerminal, ChannelLogs, ChannelDeploy, ChannelExec, ChannelSystem}
}

// Valid reports whether c is one of the defined channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelTerminal, ChannelLogs, ChannelDeploy, ChannelExec, ChannelSystem:
		return true
	default:
		return false
	}
}

// Message types. The type tag is interpreted by each channel's consumer.
const (
	TypeTerminalOutput = "output"
	TypeTerminalInput  = "input"
	TypeTerminalResize = "resize"

	TypeLogLine = "line"

	TypeDeployProgress = "progress"

	TypeExecOutput = "output"

	TypeSystemOpen  = "open"
	TypeSystemClose = "close"
	TypeSystemError = "error"
)

// Envelope frames every message exchanged over the connection.
type Envelope struct {
	Channel Channel         `json:"channel"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler receives every envelope for the channel it was registered on.
type Handler func(Envelope)
