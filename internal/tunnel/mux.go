package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/gluk-w/claworc/ide/internal/logutil"
)

// ConnState is the multiplexer's connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

const (
	defaultWriteTimeout = 10 * time.Second
	maxFrameSize        = 1024 * 1024
)

var (
	ErrNotConnected   = errors.New("tunnel not connected")
	ErrUnknownChannel = errors.New("unknown channel")
)

// Options configures a Multiplexer.
type Options struct {
	SessionID string
	// URL is the WebSocket base, e.g. "wss://ide.example.com". The session
	// endpoint path is appended.
	URL          string
	Token        string
	WriteTimeout time.Duration
	HTTPClient   *http.Client
}

// Multiplexer owns the single WebSocket of one IDE session and fans inbound
// envelopes out to per-channel handlers.
//
// The connection is never re-established automatically. Owners observe the
// system channel's "close" message and call Connect again when they want to.
type Multiplexer struct {
	sessionID    string
	endpoint     string
	token        string
	writeTimeout time.Duration
	httpClient   *http.Client

	mu      sync.Mutex
	state   ConnState
	changed chan struct{} // closed and replaced on every state change
	conn    *websocket.Conn
	cancel  context.CancelFunc
	attempt uint64
	subs    map[Channel][]subscription
	nextSub uint64

	// dispatchMu orders system events of consecutive connections and keeps
	// one message's handler calls from interleaving with another's.
	dispatchMu sync.Mutex
	writeMu    sync.Mutex
}

type subscription struct {
	id      uint64
	handler Handler
}

// New creates a disconnected multiplexer for the given session.
func New(opts Options) *Multiplexer {
	wt := opts.WriteTimeout
	if wt <= 0 {
		wt = defaultWriteTimeout
	}
	return &Multiplexer{
		sessionID:    opts.SessionID,
		endpoint:     SessionEndpoint(opts.URL, opts.SessionID),
		token:        opts.Token,
		writeTimeout: wt,
		httpClient:   opts.HTTPClient,
		state:        StateDisconnected,
		changed:      make(chan struct{}),
		subs:         make(map[Channel][]subscription),
	}
}

// SessionEndpoint builds the WebSocket URL for a session.
func SessionEndpoint(base, sessionID string) string {
	return strings.TrimRight(base, "/") + "/api/v1/sessions/" + url.PathEscape(sessionID) + "/ws"
}

// SessionID returns the session this multiplexer was built for.
func (m *Multiplexer) SessionID() string { return m.sessionID }

// State returns the current connection state.
func (m *Multiplexer) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts opening the connection and returns immediately. It is a
// no-op while a connection is connecting or open. The connection lives until
// Disconnect is called, ctx is cancelled, or the transport fails.
func (m *Multiplexer) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.attempt++
	attempt := m.attempt
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	go m.run(runCtx, attempt)
}

// WaitConnected blocks until the connection is open. It returns
// ErrNotConnected if the multiplexer is, or falls back to, disconnected.
func (m *Multiplexer) WaitConnected(ctx context.Context) error {
	for {
		m.mu.Lock()
		state, changed := m.state, m.changed
		m.mu.Unlock()

		switch state {
		case StateConnected:
			return nil
		case StateDisconnected:
			return ErrNotConnected
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Disconnect closes the connection, cancels a pending dial and drops every
// subscription. It is safe to call in any state and more than once.
func (m *Multiplexer) Disconnect() {
	m.mu.Lock()
	m.attempt++
	conn, cancel := m.conn, m.cancel
	m.conn, m.cancel = nil, nil
	m.subs = make(map[Channel][]subscription)
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}
	if cancel != nil {
		cancel()
	}
}

// On registers handler for every message on ch. Handlers run in registration
// order on the connection's read goroutine; a panic in one is logged and does
// not stop delivery to the rest. Handlers must not block in WaitConnected.
// The returned function removes only this registration.
func (m *Multiplexer) On(ch Channel, handler Handler) (unsubscribe func()) {
	m.mu.Lock()
	m.nextSub++
	id := m.nextSub
	m.subs[ch] = append(m.subs[ch], subscription{id: id, handler: handler})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			subs := m.subs[ch]
			for i, s := range subs {
				if s.id == id {
					next := make([]subscription, 0, len(subs)-1)
					next = append(next, subs[:i]...)
					m.subs[ch] = append(next, subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Send frames payload on ch and writes it. Messages sent while the
// connection is not open are dropped without error. Only an unknown channel
// or an unencodable payload is reported; write failures close the connection
// and surface as a system close event.
func (m *Multiplexer) Send(ch Channel, msgType string, payload any) error {
	if !ch.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, ch)
	}

	m.mu.Lock()
	conn := m.conn
	open := m.state == StateConnected
	m.mu.Unlock()
	if !open || conn == nil {
		return nil
	}

	env := Envelope{Channel: ch, Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s/%s payload: %w", ch, msgType, err)
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	m.writeMu.Lock()
	ctx, cancel := context.WithTimeout(context.Background(), m.writeTimeout)
	err = conn.Write(ctx, websocket.MessageText, data)
	cancel()
	m.writeMu.Unlock()
	if err != nil {
		log.Printf("[tunnel] session %s: write %s/%s failed: %v", m.sessionID, ch, msgType, err)
		conn.CloseNow()
	}
	return nil
}

func (m *Multiplexer) run(ctx context.Context, attempt uint64) {
	opts := &websocket.DialOptions{HTTPClient: m.httpClient}
	if m.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + m.token}}
	}

	conn, _, err := websocket.Dial(ctx, m.endpoint, opts)
	if err != nil {
		log.Printf("[tunnel] session %s: dial failed: %v", m.sessionID, err)
		m.finish(attempt, err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	m.dispatchMu.Lock()
	m.mu.Lock()
	if m.attempt != attempt {
		m.mu.Unlock()
		m.dispatchMu.Unlock()
		conn.CloseNow()
		return
	}
	m.conn = conn
	m.setStateLocked(StateConnected)
	m.mu.Unlock()
	log.Printf("[tunnel] session %s: connected", m.sessionID)
	m.dispatchLocked(systemEnvelope(TypeSystemOpen, SystemEvent{State: StateConnected}))
	m.dispatchMu.Unlock()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			conn.CloseNow()
			m.finish(attempt, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || !env.Channel.Valid() {
			continue
		}

		m.deliver(attempt, env)
	}
}

// deliver dispatches env read by the given attempt. Frames from a connection
// that was replaced or closed while they were being read are dropped.
func (m *Multiplexer) deliver(attempt uint64, env Envelope) bool {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.mu.Lock()
	current := m.attempt == attempt
	m.mu.Unlock()
	if !current {
		return false
	}
	m.dispatchLocked(env)
	return true
}

// finish moves the current attempt to disconnected and emits the close
// event. Attempts superseded by Disconnect or a newer Connect are ignored.
func (m *Multiplexer) finish(attempt uint64, cause error) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.mu.Lock()
	if m.attempt != attempt {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.conn, m.cancel = nil, nil
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	ev := SystemEvent{State: StateDisconnected}
	if cause != nil && websocket.CloseStatus(cause) != websocket.StatusNormalClosure {
		ev.Message = cause.Error()
	}
	log.Printf("[tunnel] session %s: disconnected", m.sessionID)
	m.dispatchLocked(systemEnvelope(TypeSystemClose, ev))
}

// dispatchLocked delivers env to a snapshot of the channel's handlers.
// Callers hold dispatchMu.
func (m *Multiplexer) dispatchLocked(env Envelope) {
	m.mu.Lock()
	subs := m.subs[env.Channel]
	m.mu.Unlock()

	for _, s := range subs {
		m.invoke(s.handler, env)
	}
}

func (m *Multiplexer) invoke(h Handler, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[tunnel] session %s: %s/%s handler panic: %v", m.sessionID, env.Channel, logutil.Clean(env.Type), r)
		}
	}()
	h(env)
}

func (m *Multiplexer) setStateLocked(s ConnState) {
	if m.state == s {
		return
	}
	m.state = s
	close(m.changed)
	m.changed = make(chan struct{})
}

func systemEnvelope(msgType string, ev SystemEvent) Envelope {
	raw, _ := json.Marshal(ev)
	return Envelope{Channel: ChannelSystem, Type: msgType, Payload: raw}
}
