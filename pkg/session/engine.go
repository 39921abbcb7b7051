package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/widgetlabs/supportchat/pkg/chat"
	"github.com/widgetlabs/supportchat/pkg/conversation"
	"github.com/widgetlabs/supportchat/pkg/persistence/resumestore"
	"github.com/widgetlabs/supportchat/pkg/transport"
)

// Engine is the session controller. One mutex serializes every mutation:
// transport callbacks, timer fires and public API calls alike.
type Engine struct {
	mu sync.Mutex

	tr     transport.Transport
	comp   *chat.Composer
	store  *conversation.Store
	resume resumestore.Store
	cfg    Config
	clock  func() time.Time

	listener Listener

	state                 State
	agent                 *Agent
	businessLine          string
	queuePosition         int
	closeWarningRemaining int
	firstAssign           bool
	evaluationPrompt      bool

	account      string
	connected    bool
	loggedIn     bool
	historyReady bool
	sendInFlight bool
	started      bool
	destroyed    bool

	waitTimer  *time.Timer
	closeTimer *time.Timer
	pollStop   chan struct{}
}

type Option func(*Engine)

func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg.withDefaults() }
}

func WithComposer(c *chat.Composer) Option {
	return func(e *Engine) { e.comp = c }
}

func WithResumeStore(s resumestore.Store) Option {
	return func(e *Engine) { e.resume = s }
}

func WithListener(l Listener) Option {
	return func(e *Engine) { e.listener = l }
}

// WithClock overrides the engine clock, for tests. The conversation store
// shares it.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.clock = now
		e.store = conversation.New(conversation.WithClock(now))
	}
}

// New builds an engine around a transport and registers its event handlers.
// The engine instance is handed to the presentation layer explicitly; there
// is no global lookup.
func New(tr transport.Transport, opts ...Option) *Engine {
	e := &Engine{
		tr:    tr,
		comp:  chat.NewComposer(),
		store: conversation.New(),
		cfg:   Config{}.withDefaults(),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	tr.SetHandlers(transport.Handlers{
		OnMessages:         e.onMessages,
		OnMessagesModified: e.onMessagesModified,
		OnNotifications:    e.onNotifications,
		OnRevokes:          e.onRevokes,
		OnConnectStatus:    e.onConnectStatus,
		OnLoginStatus:      e.onLoginStatus,
		OnDisconnected:     e.onDisconnected,
		OnDataSync:         e.onDataSync,
	})
	return e
}

func (e *Engine) snapshotLocked() Snapshot {
	var agent *Agent
	if e.agent != nil {
		a := *e.agent
		agent = &a
	}
	return Snapshot{
		State:                 e.state,
		Agent:                 agent,
		BusinessLine:          e.businessLine,
		QueuePosition:         e.queuePosition,
		CloseWarningRemaining: e.closeWarningRemaining,
		EvaluationPrompt:      e.evaluationPrompt,
		Connected:             e.connected,
		SendInFlight:          e.sendInFlight,
		Messages:              e.store.Ordered(),
	}
}

// Snapshot returns the current reactive view.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) publish(s Snapshot) {
	if e.listener != nil {
		e.listener(s)
	}
}

// mutate runs fn under the lock, then publishes the resulting snapshot to the
// listener outside of it.
func (e *Engine) mutate(fn func()) Snapshot {
	e.mu.Lock()
	fn()
	s := e.snapshotLocked()
	e.mu.Unlock()
	e.publish(s)
	return s
}

// --- transport callbacks ---------------------------------------------------

func (e *Engine) onMessages(batch []transport.Envelope) {
	msgs := chat.NormalizeBatch(batch)
	var lastInboundServerID string
	e.mutate(func() {
		regular := make([]chat.Message, 0, len(msgs))
		for _, m := range msgs {
			if kind := m.NoticeKindOf(); kind != chat.NoticeNone {
				if kind.IsCloseBoundary() {
					// Boundary notices are kept transiently so the store can
					// mark the historical cut.
					e.store.MergeIncoming([]chat.Message{m})
				}
				e.applyNoticeLocked(*m.Notice)
				continue
			}
			if m.Direction == chat.Inbound && m.ServerID != "" {
				lastInboundServerID = m.ServerID
			}
			regular = append(regular, m)
		}
		if len(regular) == 0 {
			return
		}
		e.store.MergeIncoming(regular)
		e.onTrafficLocked()
	})
	if lastInboundServerID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.tr.SendReadReceipt(ctx, lastInboundServerID); err != nil {
			log.Debug().Err(err).Str("component", "engine").Msg("read receipt failed")
		}
	}
}

func (e *Engine) onMessagesModified(batch []transport.Envelope) {
	msgs := chat.NormalizeBatch(batch)
	e.mutate(func() {
		for _, m := range msgs {
			if m.ClientID == "" {
				continue
			}
			e.store.ApplyModify(m.ClientID, m.Extension)
		}
	})
}

func (e *Engine) onNotifications(batch []transport.Notification) {
	e.mutate(func() {
		for _, n := range batch {
			p, ok := chat.ParseNotification(n)
			if !ok {
				continue
			}
			if p.Kind.IsCloseBoundary() {
				e.store.MergeIncoming([]chat.Message{{
					CreateTime: n.TimeMs,
					Direction:  chat.Inbound,
					Type:       chat.BizNotice,
					Notice:     &p,
				}})
			}
			e.applyNoticeLocked(p)
		}
	})
}

func (e *Engine) onRevokes(batch []transport.RevokeNotice) {
	e.mutate(func() {
		for _, r := range batch {
			if !e.store.ApplyRevoke(r.ClientID) {
				log.Debug().
					Str("component", "engine").
					Str("client_id", r.ClientID).
					Msg("revoke for unknown message ignored")
			}
		}
	})
}

func (e *Engine) onConnectStatus(s transport.ConnectState) {
	e.mutate(func() {
		e.connected = s == transport.ConnectConnected
		log.Info().
			Str("component", "engine").
			Str("connect_state", s.String()).
			Msg("connect status changed")
	})
}

func (e *Engine) onLoginStatus(s transport.LoginState) {
	e.mutate(func() {
		e.loggedIn = s == transport.LoginLoggedIn
	})
}

func (e *Engine) onDisconnected(reason string) {
	e.mutate(func() {
		e.connected = false
		e.loggedIn = false
		log.Warn().
			Str("component", "engine").
			Str("reason", reason).
			Msg("transport disconnected, optimistic sends stopped")
	})
}

func (e *Engine) onDataSync() {
	e.mu.Lock()
	e.historyReady = true
	e.mu.Unlock()
}

// onTrafficLocked reacts to real message exchange: it cancels a pending close
// warning and flips Allocated to Active.
func (e *Engine) onTrafficLocked() {
	switch e.state {
	case StateClosingRequested:
		e.transitionLocked(StateActive)
	case StateAllocated:
		e.transitionLocked(StateActive)
	}
}
