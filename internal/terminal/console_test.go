package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/claworc/ide/internal/backendtest"
	"github.com/gluk-w/claworc/ide/internal/tunnel"
)

// syncBuffer is a bytes.Buffer safe for the mux read goroutine and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func openConsole(t *testing.T) (*backendtest.Server, *tunnel.Multiplexer, *Console, *syncBuffer) {
	t.Helper()
	srv := backendtest.New(t)
	m := tunnel.New(tunnel.Options{SessionID: "sess-1", URL: srv.WSURL()})
	out := &syncBuffer{}
	c := NewConsole(m, out)

	m.Connect(context.Background())
	t.Cleanup(m.Disconnect)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected: %v", err)
	}
	srv.WaitAccepted(t)
	return srv, m, c, out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConsoleStripsMarkersAndTracksCwd(t *testing.T) {
	srv, _, c, out := openConsole(t)

	changes := make(chan string, 4)
	c.OnCwdChange(func(p string) { changes <- p })

	srv.Push(t, "terminal", tunnel.TypeTerminalOutput, tunnel.TerminalData{
		Data: "$ cd /tmp\r\n" + marker("/tmp") + "$ ",
	})
	srv.Push(t, "terminal", tunnel.TypeTerminalOutput, tunnel.TerminalData{
		Data: marker("/a") + marker("/home/abc") + "done",
	})

	waitFor(t, func() bool { return out.String() == "$ cd /tmp\r\n$ done" })
	if got := c.Cwd(); got != "/home/abc" {
		t.Errorf("Cwd = %q, want /home/abc", got)
	}

	var seen []string
	for len(seen) < 2 {
		select {
		case p := <-changes:
			seen = append(seen, p)
		case <-time.After(5 * time.Second):
			t.Fatalf("cwd changes = %v", seen)
		}
	}
	if seen[0] != "/tmp" || seen[1] != "/home/abc" {
		t.Errorf("cwd changes = %v", seen)
	}
}

func TestConsoleWriteAndResize(t *testing.T) {
	srv, _, c, _ := openConsole(t)

	if _, err := c.Write([]byte("pwd\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f := srv.NextFrame(t)
	var d tunnel.TerminalData
	json.Unmarshal(f.Payload, &d)
	if f.Type != tunnel.TypeTerminalInput || d.Data != "pwd\n" {
		t.Errorf("input frame = %s %q", f.Type, d.Data)
	}

	if err := c.Resize(9000, 9000); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	f = srv.NextFrame(t)
	var r tunnel.TerminalResize
	json.Unmarshal(f.Payload, &r)
	if f.Type != tunnel.TypeTerminalResize || r.Cols != MaxCols || r.Rows != MaxRows {
		t.Errorf("resize frame = %s %+v", f.Type, r)
	}

	if err := c.Resize(0, 10); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("Resize(0,10) = %v", err)
	}
}

func TestConsoleWriteAfterDisconnect(t *testing.T) {
	_, m, c, _ := openConsole(t)
	m.Disconnect()

	if _, err := c.Write([]byte("x")); !errors.Is(err, tunnel.ErrNotConnected) {
		t.Errorf("Write after disconnect = %v", err)
	}
}

func TestConsoleClose(t *testing.T) {
	srv, _, c, out := openConsole(t)
	c.Close()

	srv.Push(t, "terminal", tunnel.TypeTerminalOutput, tunnel.TerminalData{Data: marker("/x") + "hi"})
	time.Sleep(100 * time.Millisecond)
	if out.String() != "" || c.Cwd() != "" {
		t.Errorf("closed console consumed output: %q cwd=%q", out.String(), c.Cwd())
	}
}
