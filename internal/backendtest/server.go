// Package backendtest provides an in-process fake of the IDE backend: the
// per-session WebSocket plus the deploy, command, log, project-config and
// session-lookup REST surfaces. Wire types mirror the backend protocol
// without importing the client packages so any package's tests can use it.
package backendtest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Frame mirrors tunnel.Envelope.
type Frame struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Session struct {
	ID       string `json:"id"`
	Host     string `json:"host"`
	Username string `json:"username"`
	State    string `json:"state"`
}

type DeployStatus struct {
	DeployID string          `json:"deployId"`
	State    string          `json:"state"`
	Details  json.RawMessage `json:"details,omitempty"`
}

type Template struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Command     string `json:"command"`
}

type CommandResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

type LogEntry struct {
	Service   string `json:"service"`
	Line      string `json:"line"`
	Timestamp string `json:"timestamp"`
}

// RunRequest is what the fake recorded for a command run.
type RunRequest struct {
	SessionID  string            `json:"-"`
	TemplateID string            `json:"templateId"`
	Params     map[string]string `json:"params"`
	RequestID  string            `json:"requestId"`
}

type deployRecord struct {
	script     []string
	next       int
	cancelled  bool
	rolledBack bool
}

// Server is a scripted fake backend. Configure the exported fields before
// issuing requests; read counters through the accessor methods.
type Server struct {
	*httptest.Server

	// Token, when set, is required as a Bearer token on every request.
	Token string

	mu             sync.Mutex
	sessions       map[string]Session
	deployScript   []string
	deploys        map[string]*deployRecord
	statusCalls    map[string]int
	startErr       int
	statusErr      int
	templates      map[string][]Template
	templatesErr   int
	results        map[string]CommandResult
	runDelay       time.Duration
	runs           []RunRequest
	logs           map[string][]LogEntry
	logsErr        int
	logDelay       map[string]time.Duration
	projectConfigs map[string]json.RawMessage

	connMu   sync.Mutex
	conns    map[*websocket.Conn]struct{}
	received chan Frame
	accepted chan struct{}
}

// New starts a fake backend and registers its shutdown with t.
func New(t *testing.T) *Server {
	t.Helper()

	s := &Server{
		sessions:       make(map[string]Session),
		deployScript:   []string{"running", "completed"},
		deploys:        make(map[string]*deployRecord),
		statusCalls:    make(map[string]int),
		templates:      make(map[string][]Template),
		results:        make(map[string]CommandResult),
		logs:           make(map[string][]LogEntry),
		logDelay:       make(map[string]time.Duration),
		projectConfigs: make(map[string]json.RawMessage),
		conns:          make(map[*websocket.Conn]struct{}),
		received:       make(chan Frame, 256),
		accepted:       make(chan struct{}, 16),
	}

	r := chi.NewRouter()
	r.Use(s.requireToken)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sessions/{id}", s.getSession)
		r.Get("/sessions/{id}/ws", s.serveWS)
		r.Post("/sessions/{id}/deploys", s.startDeploy)
		r.Get("/deploys/{deployId}", s.getDeploy)
		r.Post("/deploys/{deployId}/cancel", s.cancelDeploy)
		r.Post("/deploys/{deployId}/rollback", s.rollbackDeploy)
		r.Get("/sessions/{id}/commands/templates", s.listTemplates)
		r.Post("/sessions/{id}/commands/run", s.runCommand)
		r.Get("/sessions/{id}/logs", s.fetchLogs)
		r.Get("/sessions/{id}/project-config", s.projectConfig)
	})

	s.Server = httptest.NewServer(r)
	t.Cleanup(func() {
		s.CloseConns()
		s.Server.Close()
	})
	return s
}

// WSURL returns the ws:// base URL of the server.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

// --- configuration ---

func (s *Server) AddSession(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

// SetDeployScript sets the states returned by successive status polls of
// every deploy started afterwards. The last state repeats.
func (s *Server) SetDeployScript(states ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deployScript = append([]string(nil), states...)
}

// FailDeployStart makes deploy start requests answer with status.
func (s *Server) FailDeployStart(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startErr = status
}

// FailDeployStatus makes deploy status requests answer with status.
func (s *Server) FailDeployStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusErr = status
}

func (s *Server) SetTemplates(sessionID string, templates ...Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[sessionID] = templates
}

func (s *Server) FailTemplates(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templatesErr = status
}

// SetResult sets the result returned for runs of templateID. Runs of unknown
// templates answer 404.
func (s *Server) SetResult(templateID string, res CommandResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[templateID] = res
}

// SetRunDelay delays every command run response.
func (s *Server) SetRunDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runDelay = d
}

func (s *Server) SetLogs(service string, entries ...LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[service] = entries
}

// SetLogDelay delays log responses for one service.
func (s *Server) SetLogDelay(service string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logDelay[service] = d
}

func (s *Server) FailLogs(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logsErr = status
}

func (s *Server) SetProjectConfig(sessionID string, cfg any) {
	raw, _ := json.Marshal(cfg)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projectConfigs[sessionID] = raw
}

// --- observation ---

// StatusCalls returns how many status polls deployID received.
func (s *Server) StatusCalls(deployID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusCalls[deployID]
}

// TotalStatusCalls returns the number of status polls across all deploys.
func (s *Server) TotalStatusCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.statusCalls {
		n += c
	}
	return n
}

func (s *Server) Cancelled(deployID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deploys[deployID]
	return ok && d.cancelled
}

func (s *Server) RolledBack(deployID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deploys[deployID]
	return ok && d.rolledBack
}

// DeployCount returns the number of started deploys.
func (s *Server) DeployCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deploys)
}

// Runs returns the recorded command runs in arrival order.
func (s *Server) Runs() []RunRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RunRequest(nil), s.runs...)
}

// --- handlers ---

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	sess, ok := s.sessions[chi.URLParam(r, "id")]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) startDeploy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Files []struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		} `json:"files"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Files) == 0 {
		writeError(w, http.StatusBadRequest, "files required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != 0 {
		writeError(w, s.startErr, "Deploy start failed")
		return
	}
	id := uuid.New().String()
	s.deploys[id] = &deployRecord{script: append([]string(nil), s.deployScript...)}
	writeJSON(w, http.StatusCreated, DeployStatus{DeployID: id, State: "pending"})
}

func (s *Server) getDeploy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deployId")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusCalls[id]++
	if s.statusErr != 0 {
		writeError(w, s.statusErr, "Status unavailable")
		return
	}
	d, ok := s.deploys[id]
	if !ok {
		writeError(w, http.StatusNotFound, "Deploy not found")
		return
	}

	state := "pending"
	switch {
	case d.cancelled:
		state = "failed"
	case len(d.script) > 0:
		state = d.script[d.next]
		if d.next < len(d.script)-1 {
			d.next++
		}
	}
	details, _ := json.Marshal(map[string]any{"poll": s.statusCalls[id], "rolledBack": d.rolledBack})
	writeJSON(w, http.StatusOK, DeployStatus{DeployID: id, State: state, Details: details})
}

func (s *Server) cancelDeploy(w http.ResponseWriter, r *http.Request) {
	s.markDeploy(w, chi.URLParam(r, "deployId"), func(d *deployRecord) { d.cancelled = true })
}

func (s *Server) rollbackDeploy(w http.ResponseWriter, r *http.Request) {
	s.markDeploy(w, chi.URLParam(r, "deployId"), func(d *deployRecord) { d.rolledBack = true })
}

func (s *Server) markDeploy(w http.ResponseWriter, id string, fn func(*deployRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deploys[id]
	if !ok {
		writeError(w, http.StatusNotFound, "Deploy not found")
		return
	}
	fn(d)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.templatesErr != 0 {
		writeError(w, s.templatesErr, "Templates unavailable")
		return
	}
	tmpls := s.templates[chi.URLParam(r, "id")]
	if tmpls == nil {
		tmpls = []Template{}
	}
	writeJSON(w, http.StatusOK, tmpls)
}

func (s *Server) runCommand(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.SessionID = chi.URLParam(r, "id")

	s.mu.Lock()
	s.runs = append(s.runs, req)
	res, ok := s.results[req.TemplateID]
	delay := s.runDelay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown template: "+req.TemplateID)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) fetchLogs(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")
	lines, _ := strconv.Atoi(r.URL.Query().Get("lines"))

	s.mu.Lock()
	status := s.logsErr
	entries := append([]LogEntry(nil), s.logs[service]...)
	delay := s.logDelay[service]
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		writeError(w, status, "Logs unavailable")
		return
	}
	if lines > 0 && len(entries) > lines {
		entries = entries[len(entries)-lines:]
	}
	if entries == nil {
		entries = []LogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) projectConfig(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	raw, ok := s.projectConfigs[chi.URLParam(r, "id")]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "No project config")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if root := r.URL.Query().Get("root"); root != "" {
		var cfg map[string]any
		json.Unmarshal(raw, &cfg)
		cfg["rootPath"] = root
		raw, _ = json.Marshal(cfg)
	}
	w.Write(raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// --- WebSocket ---

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
	}()

	select {
	case s.accepted <- struct{}{}:
	default:
	}

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		var f Frame
		if json.Unmarshal(data, &f) != nil {
			continue
		}
		select {
		case s.received <- f:
		default:
		}
	}
}

// WaitAccepted blocks until a WebSocket connection has been accepted.
func (s *Server) WaitAccepted(t *testing.T) {
	t.Helper()
	select {
	case <-s.accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for websocket connection")
	}
}

// NextFrame returns the next frame the client sent.
func (s *Server) NextFrame(t *testing.T) Frame {
	t.Helper()
	select {
	case f := <-s.received:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return Frame{}
	}
}

// Push sends a frame to every connected client.
func (s *Server) Push(t *testing.T, channel, msgType string, payload any) {
	t.Helper()
	f := Frame{Channel: channel, Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		f.Payload = raw
	}
	data, _ := json.Marshal(f)
	s.PushRaw(t, data)
}

// PushRaw writes data verbatim as a text frame to every connected client.
func (s *Server) PushRaw(t *testing.T, data []byte) {
	t.Helper()
	s.connMu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, c := range conns {
		if err := c.Write(ctx, websocket.MessageText, data); err != nil {
			t.Errorf("push frame: %v", err)
		}
	}
}

// ConnCount returns the number of open WebSocket connections.
func (s *Server) ConnCount() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return len(s.conns)
}

// CloseConns closes every client connection from the server side.
func (s *Server) CloseConns() {
	s.connMu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()
	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "server shutdown")
	}
}
