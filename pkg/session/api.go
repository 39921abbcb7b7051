package session

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/widgetlabs/supportchat/pkg/chat"
	"github.com/widgetlabs/supportchat/pkg/transport"
)

// OutboundPayload carries the type-specific content of a send. Exactly the
// field matching the business type is consulted.
type OutboundPayload struct {
	Text       string
	Media      *chat.MediaPayload
	Order      *chat.OrderPayload
	Evaluation *chat.EvaluationPayload
}

// Connect logs the visitor into the messaging backend. A spent retry budget
// surfaces as *AuthError; the session stays Idle.
func (e *Engine) Connect(ctx context.Context, creds transport.Credentials) error {
	if err := e.tr.Connect(ctx, creds); err != nil {
		return &AuthError{Err: err}
	}
	e.mutate(func() {
		e.account = creds.Account
		e.connected = e.tr.ConnectState() == transport.ConnectConnected
		e.loggedIn = e.tr.LoginState() == transport.LoginLoggedIn
	})
	return nil
}

// StartSession opens a new session: loads the first history page, enters the
// queue and arms the wait-allocation budget. The business line may be empty;
// it is then inferred from the most recent message's extension metadata.
func (e *Engine) StartSession(ctx context.Context, businessLine string) (Snapshot, error) {
	e.mu.Lock()
	if !e.loggedIn {
		e.mu.Unlock()
		return Snapshot{}, ErrNoSession
	}
	if e.started && e.state != StateIdle && e.state != StateClosed {
		s := e.snapshotLocked()
		e.mu.Unlock()
		return s, nil
	}
	pageSize := e.cfg.HistoryPageSize
	now := e.clock().UnixMilli()
	e.mu.Unlock()

	history, err := e.tr.FetchHistory(ctx, now, pageSize)
	if err != nil {
		log.Warn().Err(err).Str("component", "engine").Msg("initial history fetch failed")
	}

	s := e.mutate(func() {
		e.mergeHistoryLocked(history)
		e.historyReady = true
		e.started = true
		e.businessLine = businessLine
		if e.businessLine == "" {
			e.businessLine = e.inferBusinessLineLocked()
		}
		if e.agent == nil {
			e.transitionLocked(StateQueued)
		} else {
			e.transitionLocked(StateAllocated)
		}
		e.startPollLocked()
	})
	return s, nil
}

// ResumeSession re-attaches to an open session using the cached credential.
// Stale or missing credentials yield ErrNoResumeCredential.
func (e *Engine) ResumeSession(ctx context.Context, account string) (Snapshot, error) {
	if e.resume == nil {
		return Snapshot{}, ErrNoResumeCredential
	}
	cred, ok, err := e.resume.Load(ctx, account)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "load resume credential")
	}
	if !ok {
		return Snapshot{}, ErrNoResumeCredential
	}

	e.mu.Lock()
	pageSize := e.cfg.HistoryPageSize
	now := e.clock().UnixMilli()
	e.mu.Unlock()

	history, err := e.tr.FetchHistory(ctx, now, pageSize)
	if err != nil {
		log.Warn().Err(err).Str("component", "engine").Msg("resume history fetch failed")
	}

	s := e.mutate(func() {
		e.account = account
		e.mergeHistoryLocked(history)
		e.historyReady = true
		e.started = true
		e.businessLine = cred.BusinessLine
		if e.businessLine == "" {
			e.businessLine = e.inferBusinessLineLocked()
		}
		if cred.AgentName != "" {
			e.agent = &Agent{Name: cred.AgentName, Avatar: cred.AgentAvatar}
			e.firstAssign = true
			e.transitionLocked(StateAllocated)
		} else {
			e.transitionLocked(StateQueued)
		}
		e.startPollLocked()
	})
	return s, nil
}

// mergeHistoryLocked folds a fetched history page into the store. Control
// notices in history do not replay lifecycle transitions; only close
// boundaries are kept for the historical cut.
func (e *Engine) mergeHistoryLocked(history []transport.Envelope) {
	if len(history) == 0 {
		return
	}
	msgs := chat.NormalizeBatch(history)
	keep := make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		if kind := m.NoticeKindOf(); kind != chat.NoticeNone && !kind.IsCloseBoundary() {
			continue
		}
		keep = append(keep, m)
	}
	e.store.MergeHistory(keep)
}

// inferBusinessLineLocked resolves the business line from the most recent
// message carrying one, used when resuming an open session without an
// explicit selection.
func (e *Engine) inferBusinessLineLocked() string {
	ordered := e.store.Ordered()
	for i := len(ordered) - 1; i >= 0; i-- {
		if bl, ok := ordered[i].Extension[chat.ExtBusinessLine].(string); ok && bl != "" {
			return bl
		}
	}
	return ""
}

// SendMessage composes, optimistically appends and transmits a message. On
// transport failure the local copy is kept in Failed state and the returned
// error is *TransportError; the snapshot still contains the message.
func (e *Engine) SendMessage(ctx context.Context, biz chat.BusinessType, payload OutboundPayload, opts chat.SendOptions) (Snapshot, error) {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return Snapshot{}, ErrSessionClosed
	}
	if opts.BusinessLine == "" {
		opts.BusinessLine = e.businessLine
	}

	msg, err := e.composeLocked(biz, payload, opts)
	if err != nil {
		e.mu.Unlock()
		return Snapshot{}, err
	}

	if msg.LocalOnly {
		e.store.AppendOutbound(msg)
		s := e.snapshotLocked()
		e.mu.Unlock()
		e.publish(s)
		return s, nil
	}

	e.store.AppendOutbound(msg)
	if !e.connected {
		e.store.MarkFailed(msg.ClientID)
		s := e.snapshotLocked()
		e.mu.Unlock()
		e.publish(s)
		return s, &TransportError{Op: "send", ClientID: msg.ClientID, Err: errors.New("transport disconnected")}
	}
	env, err := chat.Encode(msg)
	if err != nil {
		e.store.MarkFailed(msg.ClientID)
		s := e.snapshotLocked()
		e.mu.Unlock()
		e.publish(s)
		return s, errors.Wrap(err, "encode outbound message")
	}
	e.sendInFlight = true
	e.mu.Unlock()

	// The transport call happens outside the lock; concurrent sends stay
	// independent, each tracked by its own clientId.
	confirm, sendErr := e.tr.Send(ctx, env)

	s := e.mutate(func() {
		e.sendInFlight = false
		if sendErr != nil {
			e.store.MarkFailed(msg.ClientID)
			return
		}
		e.store.ReconcileSent(msg.ClientID, confirm.ServerID, confirm.TimeMs)
		e.onTrafficLocked()
	})
	if sendErr != nil {
		return s, &TransportError{Op: "send", ClientID: msg.ClientID, Err: sendErr}
	}
	return s, nil
}

func (e *Engine) composeLocked(biz chat.BusinessType, payload OutboundPayload, opts chat.SendOptions) (chat.Message, error) {
	switch biz {
	case chat.BizText:
		return e.comp.Text(payload.Text, opts), nil
	case chat.BizFAQ:
		return e.comp.FAQ(payload.Text, opts), nil
	case chat.BizMedia:
		if payload.Media == nil {
			return chat.Message{}, errors.New("session: media payload required")
		}
		return e.comp.Media(*payload.Media, opts), nil
	case chat.BizOrder:
		if payload.Order == nil {
			return chat.Message{}, errors.New("session: order payload required")
		}
		return e.comp.Order(*payload.Order, opts), nil
	case chat.BizEvaluation:
		if payload.Evaluation == nil {
			return chat.Message{}, errors.New("session: evaluation payload required")
		}
		return e.comp.Evaluation(*payload.Evaluation, opts), nil
	case chat.BizPreEvaluation:
		return e.comp.PreEvaluation(), nil
	default:
		return chat.Message{}, errors.Errorf("session: %s is not sendable", biz)
	}
}

// LoadOlderHistory pages older messages into the store. It waits for the
// initial history sync with a bounded poll, never an unbounded spin.
func (e *Engine) LoadOlderHistory(ctx context.Context) (Snapshot, error) {
	if err := e.waitHistoryReady(ctx); err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	before := e.store.OldestCreateTime()
	if before == 0 {
		before = e.clock().UnixMilli()
	}
	pageSize := e.cfg.HistoryPageSize
	e.mu.Unlock()

	history, err := e.tr.FetchHistory(ctx, before, pageSize)
	if err != nil {
		return e.Snapshot(), &TransportError{Op: "fetch-history", Err: err}
	}
	s := e.mutate(func() {
		e.mergeHistoryLocked(history)
	})
	return s, nil
}

func (e *Engine) waitHistoryReady(ctx context.Context) error {
	deadline := time.NewTimer(e.cfg.HistoryReadyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.HistoryReadyPoll)
	defer ticker.Stop()
	for {
		e.mu.Lock()
		ready := e.historyReady
		e.mu.Unlock()
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrHistoryNotReady
		case <-ticker.C:
		}
	}
}

// RevokeMessage retracts a previously sent message. The tombstone keeps the
// original recoverable for resend.
func (e *Engine) RevokeMessage(ctx context.Context, clientID string) (Snapshot, error) {
	e.mu.Lock()
	msg, ok := e.store.Get(clientID)
	e.mu.Unlock()
	if !ok {
		return Snapshot{}, ErrUnknownMessage
	}

	env, err := chat.EncodeRevoke(clientID, msg.ServerID, e.clock().UnixMilli())
	if err != nil {
		return e.Snapshot(), errors.Wrap(err, "encode revoke")
	}
	if _, err := e.tr.Send(ctx, env); err != nil {
		return e.Snapshot(), &TransportError{Op: "revoke", ClientID: clientID, Err: err}
	}
	s := e.mutate(func() {
		e.store.ApplyRevoke(clientID)
	})
	return s, nil
}

// ResendRevoked sends a fresh message whose payload equals the revoked
// original's, under a new clientId.
func (e *Engine) ResendRevoked(ctx context.Context, clientID string) (Snapshot, error) {
	e.mu.Lock()
	original, ok := e.store.RevokedOriginal(clientID)
	e.mu.Unlock()
	if !ok {
		return Snapshot{}, ErrNotRevoked
	}
	payload := OutboundPayload{
		Text:       original.Text,
		Media:      original.Media,
		Order:      original.Order,
		Evaluation: original.Evaluation,
	}
	opts := chat.SendOptions{}
	if bl, ok := original.Extension[chat.ExtBusinessLine].(string); ok {
		opts.BusinessLine = bl
	}
	return e.SendMessage(ctx, original.Type, payload, opts)
}

// SubmitEvaluation records the visitor's rating and dismisses the prompt.
func (e *Engine) SubmitEvaluation(ctx context.Context, payload chat.EvaluationPayload) (Snapshot, error) {
	s, err := e.SendMessage(ctx, chat.BizEvaluation, OutboundPayload{Evaluation: &payload}, chat.SendOptions{})
	if err != nil {
		return s, err
	}
	return e.mutate(func() {
		e.evaluationPrompt = false
	}), nil
}

// CloseSession ends the session on the visitor's initiative. Without an
// evaluation the resume credential is cleared so the next open starts fresh.
func (e *Engine) CloseSession(ctx context.Context, withEvaluation bool) (Snapshot, error) {
	_ = ctx
	s := e.mutate(func() {
		if e.state == StateClosed {
			return
		}
		e.store.MergeIncoming([]chat.Message{{
			CreateTime: e.clock().UnixMilli(),
			Direction:  chat.Outbound,
			Type:       chat.BizNotice,
			Notice:     &chat.NoticePayload{Kind: chat.NoticeClientClose},
		}})
		e.transitionLocked(StateClosed)
		e.evaluationPrompt = withEvaluation
		if !withEvaluation {
			e.clearResumeLocked()
		}
	})
	return s, nil
}

// ReopenSession resets a Closed session back to Idle ("chat again").
// Conversation history is retained for display.
func (e *Engine) ReopenSession() (Snapshot, error) {
	e.mu.Lock()
	if e.state != StateClosed {
		s := e.snapshotLocked()
		e.mu.Unlock()
		return s, errors.Wrapf(ErrNoSession, "cannot reopen from %s", e.state)
	}
	e.transitionLocked(StateIdle)
	s := e.snapshotLocked()
	e.mu.Unlock()
	e.publish(s)
	return s, nil
}

// Shutdown tears the engine down: all timers cancelled, transport logged out.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	e.destroyed = true
	e.stopAllTimersLocked()
	e.mu.Unlock()
	return e.tr.Logout()
}
