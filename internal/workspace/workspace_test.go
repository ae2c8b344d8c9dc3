package workspace

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/claworc/ide/internal/api"
	"github.com/gluk-w/claworc/ide/internal/backendtest"
	"github.com/gluk-w/claworc/ide/internal/config"
	"github.com/gluk-w/claworc/ide/internal/deploy"
	"github.com/gluk-w/claworc/ide/internal/tunnel"
)

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

func testSettings(srv *backendtest.Server) config.Settings {
	return config.Settings{
		APIURL:             srv.URL,
		Token:              "tok",
		SessionID:          "s1",
		HTTPTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		DeployPollInterval: 20 * time.Millisecond,
		LogLines:           50,
		ExecHistory:        20,
	}
}

func openWorkspace(t *testing.T) (*Workspace, *backendtest.Server, *syncBuffer) {
	t.Helper()
	srv := backendtest.New(t)
	srv.Token = "tok"
	srv.AddSession(backendtest.Session{ID: "s1", Host: "10.0.0.7", Username: "dev", State: "running"})
	srv.SetTemplates("s1", backendtest.Template{ID: "build", Name: "Build", Command: "make"})

	out := &syncBuffer{}
	w, err := New(testSettings(srv), out)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(w.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	srv.WaitAccepted(t)
	return w, srv, out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewRequiresSession(t *testing.T) {
	if _, err := New(config.Settings{APIURL: "http://localhost"}, nil); !errors.Is(err, ErrNoSession) {
		t.Errorf("err = %v, want ErrNoSession", err)
	}
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://localhost:8000", "ws://localhost:8000"},
		{"https://ide.example.com", "wss://ide.example.com"},
		{"ws://already", "ws://already"},
	}
	for _, tt := range tests {
		if got := WebSocketURL(tt.in); got != tt.want {
			t.Errorf("WebSocketURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOpenAndClose(t *testing.T) {
	w, _, _ := openWorkspace(t)

	if w.Mux.State() != tunnel.StateConnected {
		t.Errorf("state = %s", w.Mux.State())
	}
	if s := w.Session(); s == nil || s.Host != "10.0.0.7" || s.Username != "dev" {
		t.Errorf("session = %+v", s)
	}
	if tmpls := w.Commands.Templates(); len(tmpls) != 1 || tmpls[0].ID != "build" {
		t.Errorf("templates = %+v", tmpls)
	}

	w.Close()
	w.Close()
	if w.Mux.State() != tunnel.StateDisconnected {
		t.Errorf("state after close = %s", w.Mux.State())
	}
	if err := w.Open(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Open after Close: %v", err)
	}
}

func TestOpenUnknownSession(t *testing.T) {
	srv := backendtest.New(t)
	srv.Token = "tok"
	w, err := New(testSettings(srv), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	err = w.Open(context.Background())
	if !api.IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
	if w.Mux.State() != tunnel.StateDisconnected {
		t.Errorf("connected despite unknown session: %s", w.Mux.State())
	}
}

func TestTerminalOutputThroughWorkspace(t *testing.T) {
	w, srv, out := openWorkspace(t)

	srv.Push(t, "terminal", "output", map[string]string{"data": "$ cd src\r\n\x1b]7;CWD:/home/dev/src\x07$ "})
	waitFor(t, "cwd", func() bool { return w.Console.Cwd() == "/home/dev/src" })
	waitFor(t, "output", func() bool { return out.String() == "$ cd src\r\n$ " })

	if _, err := w.Console.Write([]byte("ls\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f := srv.NextFrame(t)
	if f.Channel != "terminal" || f.Type != "input" || string(f.Payload) != `{"data":"ls\n"}` {
		t.Errorf("frame = %+v payload %s", f, f.Payload)
	}
}

func TestDeployManifestRunsToCompletion(t *testing.T) {
	w, srv, _ := openWorkspace(t)
	srv.SetDeployScript("running", "completed")

	m, err := config.ParseManifest([]byte("files:\n  - path: app.py\n    content: print(1)\n"))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	st, err := w.DeployManifest(context.Background(), m)
	if err != nil {
		t.Fatalf("DeployManifest: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := w.Deploys.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if snap.Phase != deploy.PhaseCompleted || snap.DeployID() != st.DeployID {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestCommandsAndLogsThroughWorkspace(t *testing.T) {
	w, srv, _ := openWorkspace(t)
	srv.SetResult("build", backendtest.CommandResult{ExitCode: 0, Stdout: "built"})
	srv.SetLogs("api", backendtest.LogEntry{Service: "api", Line: "started", Timestamp: "t1"})
	ctx := context.Background()

	rec, err := w.Commands.Execute(ctx, "build", nil)
	if err != nil || rec.Result == nil || rec.Result.Stdout != "built" {
		t.Fatalf("Execute = %+v, %v", rec, err)
	}

	entries, err := w.Logs.Fetch(ctx, "api", 0)
	if err != nil || len(entries) != 1 {
		t.Fatalf("Fetch = %+v, %v", entries, err)
	}
	srv.Push(t, "logs", "line", map[string]string{"service": "api", "line": "ready", "timestamp": "t2"})
	waitFor(t, "followed line", func() bool { return len(w.Logs.Entries()) == 2 })
}

func TestProjectConfig(t *testing.T) {
	w, srv, _ := openWorkspace(t)
	srv.SetProjectConfig("s1", map[string]any{"name": "demo", "rootPath": "/home/dev"})

	cfg, err := w.ProjectConfig(context.Background(), "/home/dev/svc")
	if err != nil {
		t.Fatalf("ProjectConfig: %v", err)
	}
	if cfg.Name != "demo" || cfg.RootPath != "/home/dev/svc" {
		t.Errorf("config = %+v", cfg)
	}
}

func TestReopenAfterServerClose(t *testing.T) {
	w, srv, _ := openWorkspace(t)

	srv.CloseConns()
	waitFor(t, "disconnect", func() bool { return w.Mux.State() == tunnel.StateDisconnected })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Open(ctx); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	srv.WaitAccepted(t)

	srv.Push(t, "terminal", "output", map[string]string{"data": "\x1b]7;CWD:/srv\x07"})
	waitFor(t, "cwd after reconnect", func() bool { return w.Console.Cwd() == "/srv" })
}
