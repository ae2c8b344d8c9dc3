// Package workspace wires the session communication core for one IDE
// session: the REST client, the channel multiplexer and its terminal console,
// the deployment orchestrator, the command tracker and the log fetcher.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/gluk-w/claworc/ide/internal/api"
	"github.com/gluk-w/claworc/ide/internal/commands"
	"github.com/gluk-w/claworc/ide/internal/config"
	"github.com/gluk-w/claworc/ide/internal/deploy"
	"github.com/gluk-w/claworc/ide/internal/logs"
	"github.com/gluk-w/claworc/ide/internal/logutil"
	"github.com/gluk-w/claworc/ide/internal/terminal"
	"github.com/gluk-w/claworc/ide/internal/tunnel"
)

var (
	ErrNoSession = errors.New("workspace requires a session id")
	ErrClosed    = errors.New("workspace closed")
)

// Workspace owns every component of one session. Components are exported for
// direct use; Open and Close manage their shared lifecycle.
type Workspace struct {
	API      *api.Client
	Mux      *tunnel.Multiplexer
	Console  *terminal.Console
	Deploys  *deploy.Orchestrator
	Commands *commands.Tracker
	Logs     *logs.Fetcher

	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc

	mu      sync.Mutex
	session *api.Session
	detach  []func()
	closed  bool
}

// New builds a workspace from cfg. Terminal output is written to out, which
// may be nil.
func New(cfg config.Settings, out io.Writer) (*Workspace, error) {
	if cfg.SessionID == "" {
		return nil, ErrNoSession
	}
	wsURL := cfg.WSURL
	if wsURL == "" {
		wsURL = WebSocketURL(cfg.APIURL)
	}

	client := api.New(cfg.APIURL, cfg.Token, cfg.HTTPTimeout)
	mux := tunnel.New(tunnel.Options{
		SessionID:    cfg.SessionID,
		URL:          wsURL,
		Token:        cfg.Token,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	w := &Workspace{
		API:     client,
		Mux:     mux,
		Console: terminal.NewConsole(mux, out),
		Deploys: deploy.New(client, deploy.Options{
			SessionID:      cfg.SessionID,
			PollInterval:   cfg.DeployPollInterval,
			RequestTimeout: cfg.HTTPTimeout,
		}),
		Commands: commands.New(client, commands.Options{
			SessionID:  cfg.SessionID,
			MaxHistory: cfg.ExecHistory,
		}),
		Logs: logs.New(client, logs.Options{
			SessionID:    cfg.SessionID,
			DefaultLines: cfg.LogLines,
		}),
		sessionID: cfg.SessionID,
		ctx:       ctx,
		cancel:    cancel,
	}

	w.detach = []func(){
		w.Deploys.AttachPush(mux),
		w.Commands.AttachOutput(mux),
		w.Logs.Follow(mux),
		tunnel.Handle(mux, tunnel.ChannelSystem, tunnel.TypeSystemClose, w.onClose),
		tunnel.Handle(mux, tunnel.ChannelSystem, tunnel.TypeSystemError, w.onServerError),
	}
	return w, nil
}

// WebSocketURL derives the WebSocket base from an HTTP API base.
func WebSocketURL(apiURL string) string {
	switch {
	case strings.HasPrefix(apiURL, "https://"):
		return "wss://" + strings.TrimPrefix(apiURL, "https://")
	case strings.HasPrefix(apiURL, "http://"):
		return "ws://" + strings.TrimPrefix(apiURL, "http://")
	default:
		return apiURL
	}
}

// SessionID returns the session this workspace serves.
func (w *Workspace) SessionID() string { return w.sessionID }

// Session returns the session looked up by Open, or nil before that.
func (w *Workspace) Session() *api.Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session
}

// Open looks up the session, connects the multiplexer and waits for it to
// open, then loads the command templates. Calling Open again after the
// connection dropped reconnects.
func (w *Workspace) Open(ctx context.Context) error {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return ErrClosed
	}

	sess, err := w.API.GetSession(ctx, w.sessionID)
	if err != nil {
		return fmt.Errorf("look up session: %w", err)
	}
	w.mu.Lock()
	w.session = sess
	w.mu.Unlock()
	log.Printf("[workspace] session %s: %s@%s (%s)", sess.ID, logutil.Clean(sess.Username), logutil.Clean(sess.Host), logutil.Clean(sess.State))

	w.Mux.Connect(w.ctx)
	if err := w.Mux.WaitConnected(ctx); err != nil {
		return fmt.Errorf("connect session %s: %w", w.sessionID, err)
	}

	w.Commands.FetchTemplates(ctx)
	return nil
}

// Close stops polling, drops every subscription and closes the connection.
// It is idempotent; a closed workspace cannot be reopened.
func (w *Workspace) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	detach := w.detach
	w.detach = nil
	w.mu.Unlock()

	for _, fn := range detach {
		fn()
	}
	w.Deploys.Reset()
	w.Logs.Clear()
	w.Console.Close()
	w.Mux.Disconnect()
	w.cancel()
}

// DeployManifest deploys the files listed in m.
func (w *Workspace) DeployManifest(ctx context.Context, m *config.Manifest) (*api.DeployStatus, error) {
	files := make([]api.DeployFile, 0, len(m.Files))
	for _, f := range m.Files {
		files = append(files, api.DeployFile{Path: f.Path, Content: f.Content})
	}
	return w.Deploys.Deploy(ctx, files)
}

// ProjectConfig fetches the project configuration, optionally for rootPath.
func (w *Workspace) ProjectConfig(ctx context.Context, rootPath string) (*api.ProjectConfig, error) {
	return w.API.GetProjectConfig(ctx, w.sessionID, rootPath)
}

func (w *Workspace) onClose(ev tunnel.SystemEvent) {
	if ev.Message != "" {
		log.Printf("[workspace] session %s: connection lost: %s", w.sessionID, logutil.Clean(ev.Message))
	}
}

func (w *Workspace) onServerError(ev tunnel.SystemEvent) {
	log.Printf("[workspace] session %s: server error: %s", w.sessionID, logutil.Clean(ev.Message))
}
