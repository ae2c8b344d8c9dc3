package main

import (
	"bytes"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gluk-w/claworc/ide/internal/backendtest"
	"github.com/gluk-w/claworc/ide/internal/deploy"
)

func runCLI(t *testing.T, srv *backendtest.Server, args ...string) (string, error) {
	t.Helper()
	t.Setenv("IDE_API_URL", srv.URL)
	t.Setenv("IDE_SESSION_ID", "s1")
	t.Setenv("IDE_DEPLOY_POLL_INTERVAL", "10ms")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestParseParams(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    map[string]string
		wantErr bool
	}{
		{"empty", nil, map[string]string{}, false},
		{"pairs", []string{"a=1", "b=x=y"}, map[string]string{"a": "1", "b": "x=y"}, false},
		{"empty value", []string{"a="}, map[string]string{"a": ""}, false},
		{"missing equals", []string{"a"}, nil, true},
		{"missing key", []string{"=1"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseParams(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestDetachReader(t *testing.T) {
	r := &detachReader{r: strings.NewReader("ls\n\x1dignored")}
	data, err := io.ReadAll(r)
	if !errors.Is(err, errDetached) {
		t.Errorf("err = %v, want errDetached", err)
	}
	if string(data) != "ls\n" {
		t.Errorf("data = %q", data)
	}
}

func TestDeployResult(t *testing.T) {
	if err := deployResult(deploy.Snapshot{Phase: deploy.PhaseCompleted}); err != nil {
		t.Errorf("completed: %v", err)
	}
	if err := deployResult(deploy.Snapshot{Phase: deploy.PhaseFailed}); err == nil {
		t.Error("failed: expected error")
	}
	boom := errors.New("boom")
	if err := deployResult(deploy.Snapshot{Phase: deploy.PhaseFailed, Err: boom}); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
}

func TestSessionCommand(t *testing.T) {
	srv := backendtest.New(t)
	srv.AddSession(backendtest.Session{ID: "s1", Host: "10.1.2.3", Username: "dev", State: "running"})

	out, err := runCLI(t, srv, "session")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	for _, want := range []string{"10.1.2.3", "dev", "running"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestExecCommand(t *testing.T) {
	srv := backendtest.New(t)
	srv.SetResult("build", backendtest.CommandResult{ExitCode: 0, Stdout: "built ok\n"})
	srv.SetResult("lint", backendtest.CommandResult{ExitCode: 1, Stderr: "lint failed\n"})

	out, err := runCLI(t, srv, "exec", "build", "target=all")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if !strings.Contains(out, "built ok") {
		t.Errorf("output = %q", out)
	}
	runs := srv.Runs()
	if len(runs) != 1 || runs[0].Params["target"] != "all" {
		t.Errorf("runs = %+v", runs)
	}

	if _, err := runCLI(t, srv, "exec", "lint"); err == nil || !strings.Contains(err.Error(), "exited with code 1") {
		t.Errorf("lint err = %v", err)
	}
}

func TestLogsCommand(t *testing.T) {
	srv := backendtest.New(t)
	srv.SetLogs("api",
		backendtest.LogEntry{Service: "api", Line: "first", Timestamp: "t1"},
		backendtest.LogEntry{Service: "api", Line: "second", Timestamp: "t2"},
	)

	out, err := runCLI(t, srv, "logs", "api", "-n", "1")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if strings.Contains(out, "first") || !strings.Contains(out, "t2 second") {
		t.Errorf("output = %q", out)
	}
}

func TestDeployCommand(t *testing.T) {
	srv := backendtest.New(t)
	srv.SetDeployScript("running", "completed")

	dir := t.TempDir()
	manifest := filepath.Join(dir, "deploy.yaml")
	if err := os.WriteFile(manifest, []byte("files:\n  - path: app.py\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "app.py"), []byte("print(1)\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := runCLI(t, srv, "deploy", manifest)
	if err != nil {
		t.Fatalf("deploy: %v\n%s", err, out)
	}
	if !strings.Contains(out, "completed") {
		t.Errorf("output = %q", out)
	}
	if srv.DeployCount() != 1 {
		t.Errorf("deploys = %d", srv.DeployCount())
	}

	srv.SetDeployScript("failed")
	if _, err := runCLI(t, srv, "deploy", manifest); err == nil {
		t.Error("expected failed deploy to return an error")
	}
}

func TestMissingSession(t *testing.T) {
	srv := backendtest.New(t)
	t.Setenv("IDE_API_URL", srv.URL)
	t.Setenv("IDE_SESSION_ID", "")

	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"templates"})
	if err := cmd.Execute(); err == nil {
		t.Error("expected error without a session id")
	}
}

type failingResizer struct{ calls int }

func (f *failingResizer) Resize(cols, rows uint16) error {
	f.calls++
	return errors.New("tunnel not connected")
}

func TestResizeLogsFailure(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	r := &failingResizer{}
	resize(r)
	if r.calls != 1 {
		t.Fatalf("Resize calls = %d", r.calls)
	}
	if got := buf.String(); !strings.Contains(got, "[terminal] resize to") || !strings.Contains(got, "tunnel not connected") {
		t.Errorf("log = %q", got)
	}
}
