package transport

import (
	"context"
	"encoding/json"
)

// ConnectState tracks the physical connection to the messaging backend.
type ConnectState int

const (
	ConnectDisconnected ConnectState = iota
	ConnectConnecting
	ConnectConnected
	ConnectWaiting
)

func (s ConnectState) String() string {
	switch s {
	case ConnectConnecting:
		return "connecting"
	case ConnectConnected:
		return "connected"
	case ConnectWaiting:
		return "waiting"
	default:
		return "disconnected"
	}
}

// LoginState tracks authentication, independent of the connection itself.
type LoginState int

const (
	LoginLoggedOut LoginState = iota
	LoginLoggingIn
	LoginLoggedIn
	LoginBackoff
)

func (s LoginState) String() string {
	switch s {
	case LoginLoggingIn:
		return "logging-in"
	case LoginLoggedIn:
		return "logged-in"
	case LoginBackoff:
		return "backoff"
	default:
		return "logged-out"
	}
}

// Flow marks which side of the conversation produced an envelope.
const (
	FlowIn  = "in"
	FlowOut = "out"
)

// Envelope is the raw wire record for a single message. Attach and Ext are
// kept opaque here; the backend sometimes delivers them as JSON objects and
// sometimes as string-serialized JSON. Decoding is the classifier's job.
type Envelope struct {
	ServerID   string          `json:"idServer,omitempty"`
	ClientID   string          `json:"idClient,omitempty"`
	Flow       string          `json:"flow"`
	Type       string          `json:"type"`
	TimeMs     int64           `json:"time"`
	From       string          `json:"from,omitempty"`
	FromNick   string          `json:"fromNick,omitempty"`
	FromAvatar string          `json:"fromAvatar,omitempty"`
	Text       string          `json:"text,omitempty"`
	Attach     json.RawMessage `json:"attach,omitempty"`
	Ext        json.RawMessage `json:"ext,omitempty"`
}

// Notification is an out-of-band control record (queue position, allocation,
// close warnings). Content carries the backend's payload untouched.
type Notification struct {
	From    string          `json:"from,omitempty"`
	TimeMs  int64           `json:"time"`
	Content json.RawMessage `json:"content"`
}

// RevokeNotice retracts a previously delivered message.
type RevokeNotice struct {
	ClientID string `json:"idClient"`
	ServerID string `json:"idServer,omitempty"`
	From     string `json:"from,omitempty"`
	TimeMs   int64  `json:"time"`
}

// Confirm is the backend's acknowledgment of an accepted send.
type Confirm struct {
	ServerID string `json:"idServer"`
	TimeMs   int64  `json:"time"`
}

// Credentials identify the visitor account towards the messaging backend.
type Credentials struct {
	AppKey        string `json:"appKey"`
	Account       string `json:"account"`
	Token         string `json:"token"`
	ServerAccount string `json:"serverAccount"`
}

// Handlers receive raw transport events. All callbacks are invoked from a
// single delivery goroutine, in arrival order. Nil fields are skipped.
type Handlers struct {
	OnMessages         func(batch []Envelope)
	OnMessagesModified func(batch []Envelope)
	OnNotifications    func(batch []Notification)
	OnRevokes          func(batch []RevokeNotice)
	OnConnectStatus    func(state ConnectState)
	OnLoginStatus      func(state LoginState)
	OnDisconnected     func(reason string)
	OnDataSync         func()
}

// Transport is the engine's only window onto the messaging backend. A
// transport owns its connect and login state machines; the engine never
// forces a transition except through Connect and Logout.
type Transport interface {
	// Connect establishes the event subscription and logs in with bounded
	// retry. It returns once logged in or after the attempt budget is spent.
	Connect(ctx context.Context, creds Credentials) error
	// SetHandlers must be called before Connect.
	SetHandlers(h Handlers)

	Send(ctx context.Context, env Envelope) (Confirm, error)
	FetchHistory(ctx context.Context, beforeMs int64, limit int) ([]Envelope, error)
	SendReadReceipt(ctx context.Context, serverID string) error

	ConnectState() ConnectState
	LoginState() LoginState

	Logout() error
}
