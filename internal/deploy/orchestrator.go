// Package deploy tracks one deployment at a time for an IDE session: it starts
// the deployment, polls its status until the backend reports a terminal state,
// and exposes cancel and rollback as side actions.
//
// Polling is response-driven. The next status request is scheduled only after
// the previous reply has been handled, so two polls of the same orchestrator
// are never in flight together. Every stop (terminal state, Reset, Cancel, a
// superseding Deploy) bumps a generation counter; replies that arrive for an
// older generation are discarded.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gluk-w/claworc/ide/internal/api"
	"github.com/gluk-w/claworc/ide/internal/logutil"
)

const (
	DefaultPollInterval   = time.Second
	defaultRequestTimeout = 10 * time.Second
)

var (
	ErrNoSession = errors.New("deploy requires a session")
	ErrNoFiles   = errors.New("deploy requires at least one file")
	ErrEmptyPath = errors.New("deploy file path is empty")
	ErrNoDeploy  = errors.New("no deployment to act on")
	// ErrSuperseded is returned by Deploy when Reset or another Deploy ran
	// before the start request completed.
	ErrSuperseded = errors.New("deployment superseded")
)

// Backend is the deployment REST surface. *api.Client implements it.
type Backend interface {
	StartDeploy(ctx context.Context, sessionID string, files []api.DeployFile) (*api.DeployStatus, error)
	GetDeploy(ctx context.Context, deployID string) (*api.DeployStatus, error)
	CancelDeploy(ctx context.Context, deployID string) error
	RollbackDeploy(ctx context.Context, deployID string) error
}

// Options configures an Orchestrator.
type Options struct {
	SessionID    string
	PollInterval time.Duration
	// RequestTimeout bounds each background status poll.
	RequestTimeout time.Duration
}

// Snapshot is a consistent copy of the orchestrator's state.
type Snapshot struct {
	Status  *api.DeployStatus
	Loading bool
	// Err is the last start, poll or action failure. A non-nil Err with
	// PhaseFailed means the failure was local and Status may still show a
	// non-terminal backend state.
	Err   error
	Phase Phase
}

// DeployID returns the active deployment id, or "" when none is known.
func (s Snapshot) DeployID() string {
	if s.Status == nil {
		return ""
	}
	return s.Status.DeployID
}

// Orchestrator drives one deployment at a time. It is safe for concurrent use.
type Orchestrator struct {
	backend        Backend
	sessionID      string
	interval       time.Duration
	requestTimeout time.Duration

	mu         sync.Mutex
	status     *api.DeployStatus
	loading    bool
	err        error
	phase      Phase
	gen        uint64
	timer      *time.Timer
	pollCancel context.CancelFunc
	changed    chan struct{} // closed and replaced on every state change

	notifyMu  sync.Mutex
	observers []observer
	nextObs   uint64
}

type observer struct {
	id uint64
	fn func(Snapshot)
}

// New creates an idle orchestrator.
func New(backend Backend, opts Options) *Orchestrator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	return &Orchestrator{
		backend:        backend,
		sessionID:      opts.SessionID,
		interval:       opts.PollInterval,
		requestTimeout: opts.RequestTimeout,
		phase:          PhaseIdle,
		changed:        make(chan struct{}),
	}
}

// Deploy starts deploying files and begins polling. Any active polling loop
// is stopped first. Validation failures are returned before any request is
// made; a start failure is recorded in the snapshot and not retried.
func (o *Orchestrator) Deploy(ctx context.Context, files []api.DeployFile) (*api.DeployStatus, error) {
	if o.sessionID == "" {
		return nil, ErrNoSession
	}
	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	for _, f := range files {
		if strings.TrimSpace(f.Path) == "" {
			return nil, ErrEmptyPath
		}
	}

	o.mu.Lock()
	o.stopLocked()
	gen := o.gen
	o.status = nil
	o.err = nil
	o.loading = true
	o.phase = PhaseStarting
	o.signalLocked()
	o.mu.Unlock()
	o.notify()

	log.Printf("[deploy] session %s: starting deploy of %d file(s)", o.sessionID, len(files))
	st, err := o.backend.StartDeploy(ctx, o.sessionID, files)

	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		return nil, ErrSuperseded
	}
	if err != nil {
		err = fmt.Errorf("start deploy: %w", err)
		o.err = err
		o.loading = false
		o.phase = PhaseFailed
		o.signalLocked()
		o.mu.Unlock()
		log.Printf("[deploy] session %s: %s", o.sessionID, logutil.Clean(err.Error()))
		o.notify()
		return nil, err
	}
	o.applyLocked(st)
	if !o.phase.IsTerminal() {
		o.armLocked(gen)
	}
	out := *st
	o.mu.Unlock()

	log.Printf("[deploy] session %s: deploy %s started (%s)", o.sessionID, logutil.Clean(st.DeployID), logutil.Clean(string(st.State)))
	o.notify()
	return &out, nil
}

// Cancel asks the backend to stop the active deployment, stops polling and
// then fetches the status exactly once to reconcile.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	o.mu.Lock()
	id := o.deployIDLocked()
	if id == "" {
		o.mu.Unlock()
		return ErrNoDeploy
	}
	o.stopLocked()
	o.loading = false
	gen := o.gen
	o.signalLocked()
	o.mu.Unlock()
	o.notify()

	log.Printf("[deploy] session %s: cancelling deploy %s", o.sessionID, logutil.Clean(id))
	if err := o.backend.CancelDeploy(ctx, id); err != nil {
		return o.fail(gen, fmt.Errorf("cancel deploy %s: %w", id, err))
	}
	return o.refresh(ctx, gen, id)
}

// Rollback asks the backend to roll back the active deployment and refetches
// its status. It is allowed after completion and never restarts polling.
func (o *Orchestrator) Rollback(ctx context.Context) error {
	o.mu.Lock()
	id := o.deployIDLocked()
	gen := o.gen
	o.mu.Unlock()
	if id == "" {
		return ErrNoDeploy
	}

	log.Printf("[deploy] session %s: rolling back deploy %s", o.sessionID, logutil.Clean(id))
	if err := o.backend.RollbackDeploy(ctx, id); err != nil {
		return o.fail(gen, fmt.Errorf("rollback deploy %s: %w", id, err))
	}
	return o.refresh(ctx, gen, id)
}

// Reset stops polling and returns to the idle, status-free state.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	o.stopLocked()
	o.status = nil
	o.loading = false
	o.err = nil
	o.phase = PhaseIdle
	o.signalLocked()
	o.mu.Unlock()
	o.notify()
}

// Snapshot returns the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// Polling reports whether a status poll is scheduled or in flight.
func (o *Orchestrator) Polling() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.timer != nil || o.pollCancel != nil
}

// Wait blocks until the orchestrator stops loading or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) (Snapshot, error) {
	for {
		o.mu.Lock()
		if !o.loading {
			s := o.snapshotLocked()
			o.mu.Unlock()
			return s, nil
		}
		ch := o.changed
		o.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return o.Snapshot(), ctx.Err()
		}
	}
}

// OnChange registers fn to receive a snapshot after every state change.
// Calls are serialized and may come from any goroutine; fn must not call back
// into the orchestrator synchronously.
func (o *Orchestrator) OnChange(fn func(Snapshot)) (unsubscribe func()) {
	o.notifyMu.Lock()
	o.nextObs++
	id := o.nextObs
	o.observers = append(o.observers, observer{id: id, fn: fn})
	o.notifyMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.notifyMu.Lock()
			defer o.notifyMu.Unlock()
			kept := make([]observer, 0, len(o.observers))
			for _, ob := range o.observers {
				if ob.id != id {
					kept = append(kept, ob)
				}
			}
			o.observers = kept
		})
	}
}

func (o *Orchestrator) poll(gen uint64) {
	o.mu.Lock()
	if gen != o.gen || o.status == nil {
		o.mu.Unlock()
		return
	}
	id := o.status.DeployID
	ctx, cancel := context.WithTimeout(context.Background(), o.requestTimeout)
	o.timer = nil
	o.pollCancel = cancel
	o.mu.Unlock()

	st, err := o.backend.GetDeploy(ctx, id)
	cancel()

	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		return
	}
	o.pollCancel = nil
	if err != nil {
		err = fmt.Errorf("poll deploy %s: %w", id, err)
		o.stopLocked()
		o.err = err
		o.loading = false
		o.phase = PhaseFailed
		o.signalLocked()
		o.mu.Unlock()
		log.Printf("[deploy] session %s: %s; polling stopped", o.sessionID, logutil.Clean(err.Error()))
		o.notify()
		return
	}
	prev := o.phase
	o.applyLocked(st)
	if !o.phase.IsTerminal() {
		o.armLocked(gen)
	}
	phase := o.phase
	o.mu.Unlock()

	if phase != prev {
		log.Printf("[deploy] session %s: deploy %s is %s", o.sessionID, logutil.Clean(id), logutil.Clean(string(st.State)))
	}
	o.notify()
}

// refresh fetches the status once and applies it unless gen was superseded.
func (o *Orchestrator) refresh(ctx context.Context, gen uint64, id string) error {
	st, err := o.backend.GetDeploy(ctx, id)
	if err != nil {
		return o.fail(gen, fmt.Errorf("refresh deploy %s: %w", id, err))
	}
	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		return nil
	}
	o.applyLocked(st)
	o.mu.Unlock()
	o.notify()
	return nil
}

// fail records err when gen is still current and returns it.
func (o *Orchestrator) fail(gen uint64, err error) error {
	log.Printf("[deploy] session %s: %s", o.sessionID, logutil.Clean(err.Error()))
	o.mu.Lock()
	current := gen == o.gen
	if current {
		o.err = err
		o.signalLocked()
	}
	o.mu.Unlock()
	if current {
		o.notify()
	}
	return err
}

// applyLocked stores st and stops polling if it is terminal.
func (o *Orchestrator) applyLocked(st *api.DeployStatus) {
	cp := *st
	o.status = &cp
	o.phase = phaseFor(st.State)
	if o.phase.IsTerminal() {
		o.stopLocked()
		o.loading = false
	}
	o.signalLocked()
}

func (o *Orchestrator) armLocked(gen uint64) {
	o.timer = time.AfterFunc(o.interval, func() { o.poll(gen) })
}

// stopLocked cancels the scheduled poll and any poll in flight.
func (o *Orchestrator) stopLocked() {
	o.gen++
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	if o.pollCancel != nil {
		o.pollCancel()
		o.pollCancel = nil
	}
}

func (o *Orchestrator) deployIDLocked() string {
	if o.status == nil {
		return ""
	}
	return o.status.DeployID
}

func (o *Orchestrator) signalLocked() {
	close(o.changed)
	o.changed = make(chan struct{})
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	s := Snapshot{Loading: o.loading, Err: o.err, Phase: o.phase}
	if o.status != nil {
		cp := *o.status
		s.Status = &cp
	}
	return s
}

func (o *Orchestrator) notify() {
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()
	if len(o.observers) == 0 {
		return
	}
	s := o.Snapshot()
	for _, ob := range o.observers {
		ob.fn(s)
	}
}
