package transport

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultLoginAttempts = 3
	offlineLoginAttempts = 1
)

// StreamTransport is the watermill-backed transport: inbound events arrive on
// a per-account stream topic, outbound sends are published to the peer topic.
// With Redis Streams enabled the same code talks across processes; with the
// gochannel backend everything stays in memory (tests, offline mode).
type StreamTransport struct {
	mu       sync.Mutex
	settings StreamSettings
	handlers Handlers

	pub message.Publisher
	sub message.Subscriber

	connState  ConnectState
	loginState LoginState

	maxAttempts int
	account     string
	readCancel  context.CancelFunc

	// archive backs FetchHistory: every envelope seen or sent, in order.
	archive []Envelope

	closed bool
}

type StreamOption func(*StreamTransport)

// WithLoginAttempts bounds the connect retry budget.
func WithLoginAttempts(n int) StreamOption {
	return func(t *StreamTransport) {
		if n > 0 {
			t.maxAttempts = n
		}
	}
}

// WithOfflineMode shrinks the retry budget for test/offline use.
func WithOfflineMode() StreamOption {
	return func(t *StreamTransport) { t.maxAttempts = offlineLoginAttempts }
}

func NewStreamTransport(settings StreamSettings, opts ...StreamOption) (*StreamTransport, error) {
	pub, sub, err := buildPubSub(settings.withDefaults())
	if err != nil {
		return nil, errors.Wrap(err, "stream transport: build pub/sub")
	}
	t := &StreamTransport{
		settings:    settings.withDefaults(),
		pub:         pub,
		sub:         sub,
		maxAttempts: defaultLoginAttempts,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func inboundTopic(account string) string  { return "support:" + account + ":in" }
func outboundTopic(account string) string { return "support:" + account + ":out" }

func (t *StreamTransport) SetHandlers(h Handlers) {
	t.mu.Lock()
	t.handlers = h
	t.mu.Unlock()
}

func (t *StreamTransport) ConnectState() ConnectState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connState
}

func (t *StreamTransport) LoginState() LoginState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loginState
}

func (t *StreamTransport) setConnect(s ConnectState) {
	t.mu.Lock()
	changed := t.connState != s
	t.connState = s
	h := t.handlers
	t.mu.Unlock()
	if changed && h.OnConnectStatus != nil {
		h.OnConnectStatus(s)
	}
}

func (t *StreamTransport) setLogin(s LoginState) {
	t.mu.Lock()
	changed := t.loginState != s
	t.loginState = s
	h := t.handlers
	t.mu.Unlock()
	if changed && h.OnLoginStatus != nil {
		h.OnLoginStatus(s)
	}
}

// Connect subscribes to the inbound stream with a bounded attempt budget.
// Exhausting it is terminal for this attempt; the caller decides whether to
// try again.
func (t *StreamTransport) Connect(ctx context.Context, creds Credentials) error {
	if creds.Account == "" || creds.AppKey == "" {
		return errors.New("stream transport: missing credentials")
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("stream transport: closed")
	}
	t.account = creds.Account
	maxAttempts := t.maxAttempts
	t.mu.Unlock()

	t.setConnect(ConnectConnecting)
	t.setLogin(LoginLoggingIn)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if t.settings.RedisEnabled {
			if err := ensureGroupAtTail(ctx, t.settings.RedisAddr, inboundTopic(creds.Account), t.settings.Group); err != nil {
				lastErr = err
			}
		}
		readCtx, cancel := context.WithCancel(context.Background())
		ch, err := t.sub.Subscribe(readCtx, inboundTopic(creds.Account))
		if err == nil {
			t.mu.Lock()
			t.readCancel = cancel
			t.mu.Unlock()
			go t.readLoop(ch)
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
		cancel()
		lastErr = err
		log.Warn().Err(err).
			Str("component", "stream_transport").
			Int("attempt", attempt).
			Msg("subscribe failed")
		if attempt < maxAttempts {
			t.setConnect(ConnectWaiting)
			t.setLogin(LoginBackoff)
			select {
			case <-ctx.Done():
				t.setConnect(ConnectDisconnected)
				t.setLogin(LoginLoggedOut)
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
			t.setConnect(ConnectConnecting)
			t.setLogin(LoginLoggingIn)
		}
	}
	t.setConnect(ConnectDisconnected)
	t.setLogin(LoginLoggedOut)
	return errors.Wrapf(lastErr, "stream transport: login failed after %d attempts", maxAttempts)
}

func (t *StreamTransport) readLoop(ch <-chan *message.Message) {
	for msg := range ch {
		frame, err := decodeFrame(msg.Payload)
		if err != nil {
			log.Warn().Err(err).
				Str("component", "stream_transport").
				Msg("undecodable frame dropped")
			msg.Ack()
			continue
		}
		t.mu.Lock()
		h := t.handlers
		if frame.Kind == FrameMessage || frame.Kind == FrameModify {
			t.archive = append(t.archive, frame.Messages...)
		}
		t.mu.Unlock()
		dispatch(h, frame)
		msg.Ack()
	}
	t.mu.Lock()
	wasClosed := t.closed
	h := t.handlers
	t.mu.Unlock()
	if !wasClosed {
		t.setConnect(ConnectDisconnected)
		t.setLogin(LoginLoggedOut)
		if h.OnDisconnected != nil {
			h.OnDisconnected("stream closed")
		}
	}
}

// Send publishes the envelope to the peer topic and confirms it with a
// server-side id.
func (t *StreamTransport) Send(ctx context.Context, env Envelope) (Confirm, error) {
	_ = ctx
	t.mu.Lock()
	if t.loginState != LoginLoggedIn {
		t.mu.Unlock()
		return Confirm{}, errors.New("stream transport: not logged in")
	}
	account := t.account
	t.mu.Unlock()

	confirm := Confirm{ServerID: uuid.NewString(), TimeMs: time.Now().UnixMilli()}
	env.ServerID = confirm.ServerID
	env.Flow = FlowOut
	if env.TimeMs == 0 {
		env.TimeMs = confirm.TimeMs
	}
	payload, err := Frame{Kind: FrameMessage, Messages: []Envelope{env}}.marshal()
	if err != nil {
		return Confirm{}, errors.Wrap(err, "stream transport: marshal frame")
	}
	if err := t.pub.Publish(outboundTopic(account), message.NewMessage(uuid.NewString(), payload)); err != nil {
		return Confirm{}, errors.Wrap(err, "stream transport: publish")
	}
	t.mu.Lock()
	t.archive = append(t.archive, env)
	t.mu.Unlock()
	return confirm, nil
}

// FetchHistory serves pages from the transport-side archive, newest page
// first, messages within the page in ascending time order.
func (t *StreamTransport) FetchHistory(ctx context.Context, beforeMs int64, limit int) ([]Envelope, error) {
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

func (t *StreamTransport) SendReadReceipt(ctx context.Context, serverID string) error {
	_ = ctx
	t.mu.Lock()
	account := t.account
	loggedIn := t.loginState == LoginLoggedIn
	t.mu.Unlock()
	if !loggedIn {
		return errors.New("stream transport: not logged in")
	}
	payload, err := Frame{Kind: FrameReceipt, ServerID: serverID}.marshal()
	if err != nil {
		return errors.Wrap(err, "stream transport: marshal receipt")
	}
	return errors.Wrap(
		t.pub.Publish(outboundTopic(account), message.NewMessage(uuid.NewString(), payload)),
		"stream transport: publish receipt")
}

func (t *StreamTransport) Logout() error {
	t.mu.Lock()
	t.closed = true
	cancel := t.readCancel
	t.readCancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.setLogin(LoginLoggedOut)
	t.setConnect(ConnectDisconnected)
	return nil
}

var _ Transport = &StreamTransport{}
