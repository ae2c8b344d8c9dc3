// Package logs fetches bounded tails of a service's log for the session's VM.
package logs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/gluk-w/claworc/ide/internal/api"
	"github.com/gluk-w/claworc/ide/internal/logutil"
	"github.com/gluk-w/claworc/ide/internal/tunnel"
)

// DefaultLines is used when Fetch is called with lines <= 0.
const DefaultLines = 50

var (
	ErrNoSession = errors.New("log fetch requires a session")
	ErrNoService = errors.New("service name is required")
	// ErrSuperseded is returned to a fetch whose result was discarded because
	// a newer Fetch or Clear ran before it completed.
	ErrSuperseded = errors.New("log fetch superseded")
)

// Backend is the log REST surface. *api.Client implements it.
type Backend interface {
	FetchLogs(ctx context.Context, sessionID, service string, lines int) ([]api.LogEntry, error)
}

type Options struct {
	SessionID    string
	DefaultLines int
}

// Fetcher holds the most recent tail of one service's log. Each Fetch
// replaces the entries wholesale; only the latest issued Fetch is applied.
type Fetcher struct {
	backend      Backend
	sessionID    string
	defaultLines int

	mu      sync.Mutex
	entries []api.LogEntry
	service string
	limit   int
	seq     uint64
	loading bool
}

func New(backend Backend, opts Options) *Fetcher {
	if opts.DefaultLines <= 0 {
		opts.DefaultLines = DefaultLines
	}
	return &Fetcher{backend: backend, sessionID: opts.SessionID, defaultLines: opts.DefaultLines}
}

// Fetch loads the last lines of service's log and replaces the current
// entries with them. On failure the entries are emptied and the error is
// returned for display.
func (f *Fetcher) Fetch(ctx context.Context, service string, lines int) ([]api.LogEntry, error) {
	if f.sessionID == "" {
		return nil, ErrNoSession
	}
	if service == "" {
		return nil, ErrNoService
	}
	if lines <= 0 {
		lines = f.defaultLines
	}

	f.mu.Lock()
	f.seq++
	seq := f.seq
	f.service = service
	f.limit = lines
	f.loading = true
	f.mu.Unlock()

	entries, err := f.backend.FetchLogs(ctx, f.sessionID, service, lines)

	f.mu.Lock()
	defer f.mu.Unlock()
	if seq != f.seq {
		return nil, ErrSuperseded
	}
	f.loading = false
	if err != nil {
		f.entries = nil
		log.Printf("[logs] session %s: fetch %s: %s", f.sessionID, logutil.Clean(service), logutil.Clean(err.Error()))
		return nil, fmt.Errorf("fetch %s logs: %w", service, err)
	}
	f.entries = entries
	return entries, nil
}

// Clear drops the entries and the service name. A fetch still in flight is
// discarded when it completes.
func (f *Fetcher) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.entries = nil
	f.service = ""
	f.limit = 0
	f.loading = false
}

// Entries returns the current entries. The slice must not be modified.
func (f *Fetcher) Entries() []api.LogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries
}

// Service returns the service of the latest fetch, or "" after Clear.
func (f *Fetcher) Service() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.service
}

func (f *Fetcher) Loading() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loading
}

// Follow appends logs/line pushes for the current service, keeping at most
// as many entries as the latest fetch asked for. Pushes arriving while a
// fetch is in flight are dropped since the fetch replaces the entries anyway.
func (f *Fetcher) Follow(m *tunnel.Multiplexer) (stop func()) {
	return tunnel.Handle(m, tunnel.ChannelLogs, tunnel.TypeLogLine, f.appendLine)
}

func (f *Fetcher) appendLine(l tunnel.LogLine) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.service == "" || l.Service != f.service || f.loading {
		return
	}
	next := make([]api.LogEntry, 0, len(f.entries)+1)
	next = append(next, f.entries...)
	next = append(next, api.LogEntry{Service: l.Service, Line: l.Line, Timestamp: l.Timestamp})
	if f.limit > 0 && len(next) > f.limit {
		next = next[len(next)-f.limit:]
	}
	f.entries = next
}
