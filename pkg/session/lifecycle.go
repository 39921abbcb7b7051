package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/widgetlabs/supportchat/pkg/chat"
	"github.com/widgetlabs/supportchat/pkg/metrics"
	"github.com/widgetlabs/supportchat/pkg/persistence/resumestore"
	"github.com/widgetlabs/supportchat/pkg/transport"
)

// applyNoticeLocked routes a session-control notice into the state machine.
// Control notices mutate session state; they are not rendered (the store only
// ever sees close boundaries and local prompts).
func (e *Engine) applyNoticeLocked(p chat.NoticePayload) {
	log.Debug().
		Str("component", "engine").
		Str("notice", p.Kind.String()).
		Str("state", e.state.String()).
		Msg("control notice")

	switch p.Kind {
	case chat.NoticeQueueNum:
		if e.state == StateQueued {
			e.queuePosition = p.QueuePosition
		}

	case chat.NoticeAllocation:
		e.agent = &Agent{Name: p.AgentName, Avatar: p.AgentAvatar}
		e.queuePosition = 0
		if !e.firstAssign {
			e.firstAssign = true
		}
		if e.state == StateIdle || e.state == StateQueued {
			e.transitionLocked(StateAllocated)
		}
		e.saveResumeLocked()

	case chat.NoticeWillClose:
		if e.state == StateAllocated || e.state == StateActive {
			e.closeWarningRemaining = p.CloseSeconds
			if e.closeWarningRemaining <= 0 {
				e.closeWarningRemaining = e.cfg.CloseWarningDefault
			}
			e.transitionLocked(StateClosingRequested)
		}

	case chat.NoticeBackgroundClose:
		if e.state != StateClosed {
			e.transitionLocked(StateClosed)
			// Background close asks the visitor for an evaluation before the
			// widget goes quiet.
			e.evaluationPrompt = true
			e.store.AppendOutbound(e.comp.PreEvaluation())
		}

	case chat.NoticeTransferClose:
		if e.state != StateClosed {
			e.transitionLocked(StateClosed)
			e.clearResumeLocked()
		}

	case chat.NoticeAgentOffline:
		e.agent = nil
		e.store.MergeIncoming([]chat.Message{e.comp.LocalNotice(chat.NoticeAgentOffline, p.Text)})

	case chat.NoticeWait:
		e.store.MergeIncoming([]chat.Message{e.comp.LocalNotice(chat.NoticeWait, p.Text)})
	}
}

// transitionLocked is the single place that starts and cancels session
// timers. Every exit path from a timer-owning state runs through here.
func (e *Engine) transitionLocked(next State) {
	if next == e.state {
		return
	}
	prev := e.state
	e.state = next
	log.Info().
		Str("component", "engine").
		Str("from", prev.String()).
		Str("to", next.String()).
		Msg("session state transition")

	switch next {
	case StateQueued:
		e.startWaitTimerLocked()
	case StateAllocated, StateActive:
		e.stopWaitTimerLocked()
		e.stopCloseTimerLocked()
		e.closeWarningRemaining = 0
	case StateClosingRequested:
		e.stopWaitTimerLocked()
		e.startCloseTimerLocked()
	case StateClosed:
		e.stopAllTimersLocked()
		e.queuePosition = 0
		e.closeWarningRemaining = 0
	case StateIdle:
		e.stopAllTimersLocked()
		e.resetSessionLocked()
	}
}

func (e *Engine) resetSessionLocked() {
	e.agent = nil
	e.queuePosition = 0
	e.closeWarningRemaining = 0
	e.evaluationPrompt = false
	e.started = false
}

// --- timers ----------------------------------------------------------------

func (e *Engine) startWaitTimerLocked() {
	e.stopWaitTimerLocked()
	e.waitTimer = time.AfterFunc(e.cfg.WaitAllocation, e.onWaitTimeout)
}

func (e *Engine) stopWaitTimerLocked() {
	if e.waitTimer != nil {
		e.waitTimer.Stop()
		e.waitTimer = nil
	}
}

func (e *Engine) startCloseTimerLocked() {
	e.stopCloseTimerLocked()
	e.closeTimer = time.AfterFunc(time.Second, e.onCloseTick)
}

func (e *Engine) stopCloseTimerLocked() {
	if e.closeTimer != nil {
		e.closeTimer.Stop()
		e.closeTimer = nil
	}
}

func (e *Engine) stopAllTimersLocked() {
	e.stopWaitTimerLocked()
	e.stopCloseTimerLocked()
	e.stopPollLocked()
}

// onWaitTimeout fires when the wait-allocation budget is spent. A stale fire
// (session no longer queued) is a no-op.
func (e *Engine) onWaitTimeout() {
	e.mutate(func() {
		if e.destroyed || e.state != StateQueued {
			metrics.TimerFires.WithLabelValues("wait_allocation", "stale").Inc()
			return
		}
		metrics.TimerFires.WithLabelValues("wait_allocation", "fired").Inc()
		e.waitTimer = nil
		e.store.MergeIncoming([]chat.Message{
			e.comp.LocalNotice(chat.NoticeWait, "All of our agents are still busy. Please hold on."),
		})
	})
}

// onCloseTick decrements the close-warning countdown once per second. It
// re-validates state on every fire so a tick that lands after the session
// already closed does nothing.
func (e *Engine) onCloseTick() {
	e.mutate(func() {
		if e.destroyed || e.state != StateClosingRequested {
			metrics.TimerFires.WithLabelValues("close_warning", "stale").Inc()
			return
		}
		metrics.TimerFires.WithLabelValues("close_warning", "tick").Inc()
		e.closeWarningRemaining--
		if e.closeWarningRemaining > 0 {
			e.closeTimer = time.AfterFunc(time.Second, e.onCloseTick)
			return
		}
		e.closeTimer = nil
		e.store.MergeIncoming([]chat.Message{{
			CreateTime: e.clock().UnixMilli(),
			Direction:  chat.Inbound,
			Type:       chat.BizNotice,
			Notice:     &chat.NoticePayload{Kind: chat.NoticeClientClose},
		}})
		e.transitionLocked(StateClosed)
		e.evaluationPrompt = true
	})
}

// --- periodic agent/status poll -------------------------------------------

func (e *Engine) startPollLocked() {
	if e.pollStop != nil {
		return
	}
	stop := make(chan struct{})
	e.pollStop = stop
	interval := e.cfg.AgentPollInterval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.pollOnce()
			}
		}
	}()
}

func (e *Engine) stopPollLocked() {
	if e.pollStop != nil {
		close(e.pollStop)
		e.pollStop = nil
	}
}

func (e *Engine) pollOnce() {
	connState := e.tr.ConnectState()
	e.mutate(func() {
		if e.destroyed {
			metrics.TimerFires.WithLabelValues("status_poll", "stale").Inc()
			return
		}
		metrics.TimerFires.WithLabelValues("status_poll", "tick").Inc()
		wasConnected := e.connected
		e.connected = connState == transport.ConnectConnected
		if wasConnected && !e.connected {
			log.Warn().
				Str("component", "engine").
				Str("state", e.state.String()).
				Msg("status poll observed lost connection")
		}
	})
}

// --- resume credential -----------------------------------------------------

func (e *Engine) saveResumeLocked() {
	if e.resume == nil || e.account == "" {
		return
	}
	cred := resumestore.Credential{
		Account:      e.account,
		BusinessLine: e.businessLine,
		SavedAtMs:    e.clock().UnixMilli(),
	}
	if e.agent != nil {
		cred.AgentName = e.agent.Name
		cred.AgentAvatar = e.agent.Avatar
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.resume.Save(ctx, cred); err != nil {
		log.Warn().Err(err).Str("component", "engine").Msg("saving resume credential failed")
	}
}

func (e *Engine) clearResumeLocked() {
	if e.resume == nil || e.account == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.resume.Clear(ctx, e.account); err != nil {
		log.Warn().Err(err).Str("component", "engine").Msg("clearing resume credential failed")
	}
}
