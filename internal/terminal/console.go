package terminal

import (
	"errors"
	"io"
	"log"
	"sync"

	"github.com/gluk-w/claworc/ide/internal/tunnel"
)

// Terminal dimension bounds, matching what the backend accepts.
const (
	MaxCols = 500
	MaxRows = 200
)

var ErrInvalidSize = errors.New("terminal size must be non-zero")

// Console is the client end of the terminal channel. It writes shell output
// to out with working-directory markers removed and tracks the directory
// they report.
type Console struct {
	mux *tunnel.Multiplexer
	out io.Writer

	mu       sync.Mutex
	cwd      string
	watchers []func(string)
	unsub    func()
}

// NewConsole subscribes to m's terminal output. Output is written to out,
// which may be nil when only the working directory is of interest.
func NewConsole(m *tunnel.Multiplexer, out io.Writer) *Console {
	c := &Console{mux: m, out: out}
	c.unsub = tunnel.Handle(m, tunnel.ChannelTerminal, tunnel.TypeTerminalOutput, c.handleOutput)
	return c
}

func (c *Console) handleOutput(d tunnel.TerminalData) {
	if paths := ExtractAll(d.Data); len(paths) > 0 {
		c.setCwd(paths[len(paths)-1])
	}
	if c.out == nil {
		return
	}
	clean := Strip(d.Data)
	if clean == "" {
		return
	}
	if _, err := io.WriteString(c.out, clean); err != nil {
		log.Printf("[terminal] session %s: write output: %v", c.mux.SessionID(), err)
	}
}

func (c *Console) setCwd(path string) {
	c.mu.Lock()
	if c.cwd == path {
		c.mu.Unlock()
		return
	}
	c.cwd = path
	watchers := append([]func(string){}, c.watchers...)
	c.mu.Unlock()

	for _, fn := range watchers {
		fn(path)
	}
}

// Cwd returns the last working directory the shell reported, or "".
func (c *Console) Cwd() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cwd
}

// OnCwdChange registers fn to be called with each new working directory.
func (c *Console) OnCwdChange(fn func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// Write sends keystrokes to the remote shell. It fails with
// tunnel.ErrNotConnected once the connection is gone so that an io.Copy from
// stdin ends with it.
func (c *Console) Write(p []byte) (int, error) {
	if c.mux.State() != tunnel.StateConnected {
		return 0, tunnel.ErrNotConnected
	}
	if err := c.mux.Send(tunnel.ChannelTerminal, tunnel.TypeTerminalInput, tunnel.TerminalData{Data: string(p)}); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Resize asks the backend to resize the remote PTY, clamping to
// MaxCols x MaxRows.
func (c *Console) Resize(cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return ErrInvalidSize
	}
	if cols > MaxCols {
		cols = MaxCols
	}
	if rows > MaxRows {
		rows = MaxRows
	}
	return c.mux.Send(tunnel.ChannelTerminal, tunnel.TypeTerminalResize, tunnel.TerminalResize{Cols: cols, Rows: rows})
}

// Close stops consuming terminal output.
func (c *Console) Close() {
	c.unsub()
}
