// Package commands runs predefined command templates on the session's VM and
// keeps a bounded, newest-first history of the runs.
//
// The history is never mutated in place. Every change builds a new slice, so
// a slice returned by Executions stays valid and consistent for as long as
// the caller holds it.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gluk-w/claworc/ide/internal/api"
	"github.com/gluk-w/claworc/ide/internal/logutil"
)

// MaxHistory is the default number of runs kept.
const MaxHistory = 20

var (
	ErrNoSession       = errors.New("command run requires a session")
	ErrMissingTemplate = errors.New("template id is required")
)

// MissingParamError reports a required template parameter that was not
// supplied.
type MissingParamError struct {
	TemplateID string
	Param      string
}

func (e *MissingParamError) Error() string {
	return fmt.Sprintf("template %s: missing required parameter %q", e.TemplateID, e.Param)
}

// Status of one run.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Record is one command run. Seq identifies it within its tracker.
type Record struct {
	Seq        uint64
	RequestID  string
	TemplateID string
	Params     map[string]string
	Status     Status
	Result     *api.CommandResult
	Error      string
	// Output accumulates exec/output pushes received while the run is active.
	Output     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Backend is the command REST surface. *api.Client implements it.
type Backend interface {
	ListTemplates(ctx context.Context, sessionID string) ([]api.CommandTemplate, error)
	RunCommand(ctx context.Context, sessionID string, req api.RunRequest) (*api.CommandResult, error)
}

// Options configures a Tracker.
type Options struct {
	SessionID  string
	MaxHistory int
}

// Tracker is safe for concurrent use.
type Tracker struct {
	backend   Backend
	sessionID string
	limit     int

	mu        sync.Mutex
	templates []api.CommandTemplate
	execs     []Record
	seq       uint64
}

func New(backend Backend, opts Options) *Tracker {
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = MaxHistory
	}
	return &Tracker{backend: backend, sessionID: opts.SessionID, limit: opts.MaxHistory}
}

// FetchTemplates loads the session's templates. Failures are logged and leave
// the current set untouched.
func (t *Tracker) FetchTemplates(ctx context.Context) {
	if t.sessionID == "" {
		return
	}
	tmpls, err := t.backend.ListTemplates(ctx, t.sessionID)
	if err != nil {
		log.Printf("[commands] session %s: fetch templates: %s", t.sessionID, logutil.Clean(err.Error()))
		return
	}
	t.mu.Lock()
	t.templates = tmpls
	t.mu.Unlock()
}

// Templates returns the last successfully fetched templates.
func (t *Tracker) Templates() []api.CommandTemplate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.templates
}

// Executions returns the history, newest first. The slice must not be
// modified.
func (t *Tracker) Executions() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.execs
}

// ClearExecutions empties the history. Runs still in flight finish without
// reappearing.
func (t *Tracker) ClearExecutions() {
	t.mu.Lock()
	t.execs = nil
	t.mu.Unlock()
}

// Execute records a running entry, runs the template and settles the entry
// as success (exit code 0) or error. The settled record is returned along
// with any request error. Validation failures return before anything is
// recorded or sent.
func (t *Tracker) Execute(ctx context.Context, templateID string, params map[string]string) (Record, error) {
	if t.sessionID == "" {
		return Record{}, ErrNoSession
	}
	if templateID == "" {
		return Record{}, ErrMissingTemplate
	}
	params, err := t.resolveParams(templateID, params)
	if err != nil {
		return Record{}, err
	}

	t.mu.Lock()
	t.seq++
	rec := Record{
		Seq:        t.seq,
		RequestID:  uuid.NewString(),
		TemplateID: templateID,
		Params:     params,
		Status:     StatusRunning,
		StartedAt:  time.Now(),
	}
	t.execs = prepend(t.execs, rec, t.limit)
	t.mu.Unlock()

	res, err := t.backend.RunCommand(ctx, t.sessionID, api.RunRequest{
		TemplateID: templateID,
		Params:     params,
		RequestID:  rec.RequestID,
	})

	settle := func(r *Record) {
		r.FinishedAt = time.Now()
		switch {
		case err != nil:
			r.Status = StatusError
			r.Error = err.Error()
		case res.ExitCode == 0:
			r.Status = StatusSuccess
			r.Result = res
		default:
			r.Status = StatusError
			r.Result = res
			r.Error = fmt.Sprintf("exit code %d", res.ExitCode)
		}
	}
	var final Record
	if !t.update(rec.Seq, func(r *Record) { settle(r); final = *r }) {
		// Evicted or cleared while running.
		final = rec
		settle(&final)
	}

	if err != nil {
		log.Printf("[commands] session %s: run %s (#%d) failed: %s", t.sessionID, logutil.Clean(templateID), rec.Seq, logutil.Clean(err.Error()))
		return final, fmt.Errorf("run %s: %w", templateID, err)
	}
	return final, nil
}

// resolveParams fills defaults and checks required parameters when the
// template is known. Unknown templates are passed through for the backend to
// judge.
func (t *Tracker) resolveParams(templateID string, params map[string]string) (map[string]string, error) {
	t.mu.Lock()
	var tmpl *api.CommandTemplate
	for i := range t.templates {
		if t.templates[i].ID == templateID {
			tmpl = &t.templates[i]
			break
		}
	}
	t.mu.Unlock()

	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	if tmpl == nil {
		return out, nil
	}
	for _, p := range tmpl.Params {
		if _, ok := out[p.Name]; ok {
			continue
		}
		if p.Default != "" {
			out[p.Name] = p.Default
		} else if p.Required {
			return nil, &MissingParamError{TemplateID: templateID, Param: p.Name}
		}
	}
	return out, nil
}

// update replaces the record with the given seq by a modified copy. Records
// no longer in the history are left alone and update reports false.
func (t *Tracker) update(seq uint64, fn func(*Record)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.execs {
		if t.execs[i].Seq != seq {
			continue
		}
		next := make([]Record, len(t.execs))
		copy(next, t.execs)
		fn(&next[i])
		t.execs = next
		return true
	}
	return false
}

func prepend(execs []Record, rec Record, limit int) []Record {
	n := len(execs) + 1
	if n > limit {
		n = limit
	}
	next := make([]Record, 0, n)
	next = append(next, rec)
	return append(next, execs[:n-1]...)
}
