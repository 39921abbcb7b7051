// Package session implements the support-chat session engine: the lifecycle
// state machine, its timers, and the operations surface consumed by the
// presentation layer.
package session

import (
	"time"

	"github.com/widgetlabs/supportchat/pkg/chat"
)

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateQueued
	StateAllocated
	StateActive
	StateClosingRequested
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateAllocated:
		return "allocated"
	case StateActive:
		return "active"
	case StateClosingRequested:
		return "closing-requested"
	case StateClosed:
		return "closed"
	default:
		return "idle"
	}
}

// Agent identifies the human agent currently assigned to the session.
type Agent struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Snapshot is the reactive view handed to the presentation layer after every
// mutation. Messages is an ordered, defensive copy.
type Snapshot struct {
	State                 State          `json:"state"`
	Agent                 *Agent         `json:"agent,omitempty"`
	BusinessLine          string         `json:"businessLine,omitempty"`
	QueuePosition         int            `json:"queuePosition,omitempty"`
	CloseWarningRemaining int            `json:"closeWarningRemaining,omitempty"`
	EvaluationPrompt      bool           `json:"evaluationPrompt,omitempty"`
	Connected             bool           `json:"connected"`
	SendInFlight          bool           `json:"sendInFlight,omitempty"`
	Messages              []chat.Message `json:"messages"`
}

// Listener receives snapshots. It is invoked outside the engine lock, on the
// goroutine that triggered the mutation.
type Listener func(Snapshot)

// Config holds the engine's timer and paging knobs.
type Config struct {
	// WaitAllocation is the one-shot budget for an agent to be assigned
	// after entering the queue.
	WaitAllocation time.Duration
	// CloseWarningDefault seeds the countdown when a will-close notice
	// carries no seconds of its own.
	CloseWarningDefault int
	// AgentPollInterval drives the periodic transport status check.
	AgentPollInterval time.Duration
	HistoryPageSize   int
	// HistoryReadyPoll bounds the readiness polling interval for
	// LoadOlderHistory; HistoryReadyTimeout bounds the whole wait.
	HistoryReadyPoll    time.Duration
	HistoryReadyTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.WaitAllocation <= 0 {
		c.WaitAllocation = 15 * time.Minute
	}
	if c.CloseWarningDefault <= 0 {
		c.CloseWarningDefault = 60
	}
	if c.AgentPollInterval <= 0 {
		c.AgentPollInterval = 30 * time.Second
	}
	if c.HistoryPageSize <= 0 {
		c.HistoryPageSize = 20
	}
	if c.HistoryReadyPoll <= 0 {
		c.HistoryReadyPoll = 50 * time.Millisecond
	}
	if c.HistoryReadyTimeout <= 0 {
		c.HistoryReadyTimeout = 5 * time.Second
	}
	return c
}
