package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ReplayEvent is one scripted transport event, optionally delayed.
type ReplayEvent struct {
	DelayMs int64 `json:"delayMs,omitempty"`
	Frame   Frame `json:"frame"`
}

// ReplayTransport feeds a pre-recorded event script through the transport
// interface. It backs the `supportchat simulate` command and exercises the
// engine without a live backend.
type ReplayTransport struct {
	mu       sync.Mutex
	handlers Handlers

	connState  ConnectState
	loginState LoginState

	events  []ReplayEvent
	archive []Envelope
	sent    []Envelope

	// FailSends makes Send return an error while leaving the transport
	// "connected"; used to script degraded-backend cases.
	FailSends bool
}

// NewReplayTransport builds a transport from an already-decoded script.
func NewReplayTransport(events []ReplayEvent) *ReplayTransport {
	return &ReplayTransport{events: events}
}

// ReadReplayScript decodes a JSONL script, one ReplayEvent per line. Blank
// lines are skipped.
func ReadReplayScript(r io.Reader) ([]ReplayEvent, error) {
	var events []ReplayEvent
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		b := scanner.Bytes()
		if len(b) == 0 {
			continue
		}
		var ev ReplayEvent
		if err := json.Unmarshal(b, &ev); err != nil {
			return nil, errors.Wrapf(err, "replay script: line %d", line)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "replay script: read")
	}
	return events, nil
}

func (t *ReplayTransport) SetHandlers(h Handlers) {
	t.mu.Lock()
	t.handlers = h
	t.mu.Unlock()
}

func (t *ReplayTransport) Connect(ctx context.Context, creds Credentials) error {
	_ = ctx
	if creds.Account == "" {
		return errors.New("replay transport: missing account")
	}
	t.setConnect(ConnectConnecting)
	t.setLogin(LoginLoggingIn)
	t.setConnect(ConnectConnected)
	t.setLogin(LoginLoggedIn)
	t.mu.Lock()
	h := t.handlers
	t.mu.Unlock()
	if h.OnDataSync != nil {
		h.OnDataSync()
	}
	return nil
}

// Run dispatches the scripted events in order, honoring per-event delays.
func (t *ReplayTransport) Run(ctx context.Context) error {
	t.mu.Lock()
	events := t.events
	t.mu.Unlock()
	for _, ev := range events {
		if ev.DelayMs > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(ev.DelayMs) * time.Millisecond):
			}
		}
		t.mu.Lock()
		h := t.handlers
		if ev.Frame.Kind == FrameMessage {
			t.archive = append(t.archive, ev.Frame.Messages...)
		}
		t.mu.Unlock()
		dispatch(h, ev.Frame)
	}
	return nil
}

// Seed preloads the archive with history the backend already holds, without
// dispatching anything.
func (t *ReplayTransport) Seed(envs []Envelope) {
	t.mu.Lock()
	t.archive = append(t.archive, envs...)
	t.mu.Unlock()
}

// Inject dispatches a single frame immediately; tests drive the engine with
// it.
func (t *ReplayTransport) Inject(f Frame) {
	t.mu.Lock()
	h := t.handlers
	if f.Kind == FrameMessage {
		t.archive = append(t.archive, f.Messages...)
	}
	t.mu.Unlock()
	dispatch(h, f)
}

// Disconnect simulates a dropped backend connection.
func (t *ReplayTransport) Disconnect(reason string) {
	t.setConnect(ConnectDisconnected)
	t.setLogin(LoginLoggedOut)
	t.mu.Lock()
	h := t.handlers
	t.mu.Unlock()
	if h.OnDisconnected != nil {
		h.OnDisconnected(reason)
	}
}

func (t *ReplayTransport) Send(ctx context.Context, env Envelope) (Confirm, error) {
	_ = ctx
	t.mu.Lock()
	loggedIn := t.loginState == LoginLoggedIn
	fail := t.FailSends
	t.mu.Unlock()
	if !loggedIn {
		return Confirm{}, errors.New("replay transport: not logged in")
	}
	if fail {
		return Confirm{}, errors.New("replay transport: scripted send failure")
	}
	confirm := Confirm{ServerID: uuid.NewString(), TimeMs: time.Now().UnixMilli()}
	env.ServerID = confirm.ServerID
	env.Flow = FlowOut
	t.mu.Lock()
	t.sent = append(t.sent, env)
	t.archive = append(t.archive, env)
	t.mu.Unlock()
	return confirm, nil
}

// Sent returns a copy of everything transmitted, for assertions.
func (t *ReplayTransport) Sent() []Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Envelope, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *ReplayTransport) FetchHistory(ctx context.Context, beforeMs int64, limit int) ([]Envelope, error) {
	_ = ctx
	if limit <= 0 {
		limit = 20
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	matching := make([]Envelope, 0, len(t.archive))
	for _, env := range t.archive {
		if beforeMs > 0 && env.TimeMs >= beforeMs {
			continue
		}
		matching = append(matching, env)
	}
	sort.SliceStable(matching, func(i, j int) bool { return matching[i].TimeMs < matching[j].TimeMs })
	if len(matching) > limit {
		matching = matching[len(matching)-limit:]
	}
	return matching, nil
}

func (t *ReplayTransport) SendReadReceipt(ctx context.Context, serverID string) error {
	_ = ctx
	_ = serverID
	return nil
}

func (t *ReplayTransport) ConnectState() ConnectState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connState
}

func (t *ReplayTransport) LoginState() LoginState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loginState
}

func (t *ReplayTransport) Logout() error {
	t.setLogin(LoginLoggedOut)
	t.setConnect(ConnectDisconnected)
	return nil
}

func (t *ReplayTransport) setConnect(s ConnectState) {
	t.mu.Lock()
	changed := t.connState != s
	t.connState = s
	h := t.handlers
	t.mu.Unlock()
	if changed && h.OnConnectStatus != nil {
		h.OnConnectStatus(s)
	}
}

func (t *ReplayTransport) setLogin(s LoginState) {
	t.mu.Lock()
	changed := t.loginState != s
	t.loginState = s
	h := t.handlers
	t.mu.Unlock()
	if changed && h.OnLoginStatus != nil {
		h.OnLoginStatus(s)
	}
}

var _ Transport = &ReplayTransport{}
