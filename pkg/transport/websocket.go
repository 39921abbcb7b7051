package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	wsLoginTimeout = 10 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsPongWait     = 75 * time.Second
	wsSendAckWait  = 15 * time.Second
	wsHistoryWait  = 15 * time.Second
)

// wsFrame is the websocket control envelope multiplexing login, sends,
// acks, history paging and server-pushed event frames.
type wsFrame struct {
	Op        string       `json:"op"`
	Creds     *Credentials `json:"creds,omitempty"`
	Env       *Envelope    `json:"env,omitempty"`
	ClientID  string       `json:"clientId,omitempty"`
	Confirm   *Confirm     `json:"confirm,omitempty"`
	ReqID     string       `json:"reqId,omitempty"`
	BeforeMs  int64        `json:"beforeMs,omitempty"`
	Limit     int          `json:"limit,omitempty"`
	Envelopes []Envelope   `json:"envelopes,omitempty"`
	Frame     *Frame       `json:"frame,omitempty"`
	ServerID  string       `json:"idServer,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// WebsocketTransport talks to a support gateway over a single websocket.
type WebsocketTransport struct {
	mu      sync.Mutex
	writeMu sync.Mutex

	url      string
	handlers Handlers

	conn       *websocket.Conn
	connState  ConnectState
	loginState LoginState

	maxAttempts int

	pending     map[string]chan Confirm
	histPending map[string]chan []Envelope

	stop   context.CancelFunc
	closed bool
}

type WebsocketOption func(*WebsocketTransport)

// WithWebsocketLoginAttempts bounds the dial/login retry budget.
func WithWebsocketLoginAttempts(n int) WebsocketOption {
	return func(t *WebsocketTransport) {
		if n > 0 {
			t.maxAttempts = n
		}
	}
}

func NewWebsocketTransport(url string, opts ...WebsocketOption) *WebsocketTransport {
	t := &WebsocketTransport{
		url:         url,
		maxAttempts: defaultLoginAttempts,
		pending:     map[string]chan Confirm{},
		histPending: map[string]chan []Envelope{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *WebsocketTransport) SetHandlers(h Handlers) {
	t.mu.Lock()
	t.handlers = h
	t.mu.Unlock()
}

func (t *WebsocketTransport) ConnectState() ConnectState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connState
}

func (t *WebsocketTransport) LoginState() LoginState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loginState
}

func (t *WebsocketTransport) setConnect(s ConnectState) {
	t.mu.Lock()
	changed := t.connState != s
	t.connState = s
	h := t.handlers
	t.mu.Unlock()
	if changed && h.OnConnectStatus != nil {
		h.OnConnectStatus(s)
	}
}

func (t *WebsocketTransport) setLogin(s LoginState) {
	t.mu.Lock()
	changed := t.loginState != s
	t.loginState = s
	h := t.handlers
	t.mu.Unlock()
	if changed && h.OnLoginStatus != nil {
		h.OnLoginStatus(s)
	}
}

// Connect dials and logs in with a bounded attempt budget.
func (t *WebsocketTransport) Connect(ctx context.Context, creds Credentials) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("websocket transport: closed")
	}
	maxAttempts := t.maxAttempts
	t.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		t.setConnect(ConnectConnecting)
		t.setLogin(LoginLoggingIn)
		err := t.connectOnce(ctx, creds)
		if err == nil {
			return nil
		}
		lastErr = err
		log.Warn().Err(err).
			Str("component", "ws_transport").
			Int("attempt", attempt).
			Msg("connect attempt failed")
		if attempt < maxAttempts {
			t.setConnect(ConnectWaiting)
			t.setLogin(LoginBackoff)
			select {
			case <-ctx.Done():
				t.setConnect(ConnectDisconnected)
				t.setLogin(LoginLoggedOut)
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	t.setConnect(ConnectDisconnected)
	t.setLogin(LoginLoggedOut)
	return errors.Wrapf(lastErr, "websocket transport: login failed after %d attempts", maxAttempts)
}

func (t *WebsocketTransport) connectOnce(ctx context.Context, creds Credentials) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return errors.Wrap(err, "dial")
	}

	if err := t.writeFrame(conn, wsFrame{Op: "login", Creds: &creds}); err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "send login")
	}
	_ = conn.SetReadDeadline(time.Now().Add(wsLoginTimeout))
	var reply wsFrame
	if err := conn.ReadJSON(&reply); err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "await login reply")
	}
	if reply.Op != "loginOk" {
		_ = conn.Close()
		return errors.Errorf("login rejected: %s", reply.Error)
	}
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	runCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.conn = conn
	t.stop = cancel
	t.mu.Unlock()

	t.setConnect(ConnectConnected)
	t.setLogin(LoginLoggedIn)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return t.readLoop(conn) })
	g.Go(func() error { return t.pingLoop(gctx, conn) })
	go func() {
		err := g.Wait()
		_ = conn.Close()
		t.mu.Lock()
		wasClosed := t.closed
		h := t.handlers
		t.mu.Unlock()
		if wasClosed {
			return
		}
		t.setConnect(ConnectDisconnected)
		t.setLogin(LoginLoggedOut)
		if h.OnDisconnected != nil {
			reason := "connection lost"
			if err != nil {
				reason = err.Error()
			}
			h.OnDisconnected(reason)
		}
	}()
	return nil
}

func (t *WebsocketTransport) writeFrame(conn *websocket.Conn, f wsFrame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (t *WebsocketTransport) readLoop(conn *websocket.Conn) error {
	for {
		var f wsFrame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		switch f.Op {
		case "frame":
			if f.Frame == nil {
				continue
			}
			t.mu.Lock()
			h := t.handlers
			t.mu.Unlock()
			dispatch(h, *f.Frame)
		case "ack":
			t.mu.Lock()
			ch := t.pending[f.ClientID]
			delete(t.pending, f.ClientID)
			t.mu.Unlock()
			if ch != nil && f.Confirm != nil {
				ch <- *f.Confirm
			}
		case "historyResult":
			t.mu.Lock()
			ch := t.histPending[f.ReqID]
			delete(t.histPending, f.ReqID)
			t.mu.Unlock()
			if ch != nil {
				ch <- f.Envelopes
			}
		default:
			log.Debug().
				Str("component", "ws_transport").
				Str("op", f.Op).
				Msg("unhandled frame op")
		}
	}
}

func (t *WebsocketTransport) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				return err
			}
		}
	}
}

// Send transmits the envelope and waits for the gateway's ack.
func (t *WebsocketTransport) Send(ctx context.Context, env Envelope) (Confirm, error) {
	t.mu.Lock()
	conn := t.conn
	loggedIn := t.loginState == LoginLoggedIn
	if !loggedIn || conn == nil {
		t.mu.Unlock()
		return Confirm{}, errors.New("websocket transport: not logged in")
	}
	ch := make(chan Confirm, 1)
	t.pending[env.ClientID] = ch
	t.mu.Unlock()

	env.Flow = FlowOut
	if err := t.writeFrame(conn, wsFrame{Op: "send", Env: &env, ClientID: env.ClientID}); err != nil {
		t.mu.Lock()
		delete(t.pending, env.ClientID)
		t.mu.Unlock()
		return Confirm{}, errors.Wrap(err, "websocket transport: write")
	}

	select {
	case confirm := <-ch:
		return confirm, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, env.ClientID)
		t.mu.Unlock()
		return Confirm{}, ctx.Err()
	case <-time.After(wsSendAckWait):
		t.mu.Lock()
		delete(t.pending, env.ClientID)
		t.mu.Unlock()
		return Confirm{}, errors.New("websocket transport: ack timeout")
	}
}

func (t *WebsocketTransport) FetchHistory(ctx context.Context, beforeMs int64, limit int) ([]Envelope, error) {
	t.mu.Lock()
	conn := t.conn
	if t.loginState != LoginLoggedIn || conn == nil {
		t.mu.Unlock()
		return nil, errors.New("websocket transport: not logged in")
	}
	reqID := uuid.NewString()
	ch := make(chan []Envelope, 1)
	t.histPending[reqID] = ch
	t.mu.Unlock()

	if err := t.writeFrame(conn, wsFrame{Op: "history", ReqID: reqID, BeforeMs: beforeMs, Limit: limit}); err != nil {
		t.mu.Lock()
		delete(t.histPending, reqID)
		t.mu.Unlock()
		return nil, errors.Wrap(err, "websocket transport: write history request")
	}

	select {
	case envs := <-ch:
		return envs, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.histPending, reqID)
		t.mu.Unlock()
		return nil, ctx.Err()
	case <-time.After(wsHistoryWait):
		t.mu.Lock()
		delete(t.histPending, reqID)
		t.mu.Unlock()
		return nil, errors.New("websocket transport: history timeout")
	}
}

func (t *WebsocketTransport) SendReadReceipt(ctx context.Context, serverID string) error {
	_ = ctx
	t.mu.Lock()
	conn := t.conn
	loggedIn := t.loginState == LoginLoggedIn
	t.mu.Unlock()
	if !loggedIn || conn == nil {
		return errors.New("websocket transport: not logged in")
	}
	return t.writeFrame(conn, wsFrame{Op: "receipt", ServerID: serverID})
}

func (t *WebsocketTransport) Logout() error {
	t.mu.Lock()
	t.closed = true
	stop := t.stop
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if stop != nil {
		stop()
	}
	if conn != nil {
		_ = conn.Close()
	}
	t.setLogin(LoginLoggedOut)
	t.setConnect(ConnectDisconnected)
	return nil
}

var _ Transport = &WebsocketTransport{}
