package transport

import "encoding/json"

// Frame kinds carried on the stream and websocket transports.
const (
	FrameMessage      = "message"
	FrameModify       = "modify"
	FrameNotification = "notification"
	FrameRevoke       = "revoke"
	FrameReceipt      = "receipt"
	FrameSync         = "sync"
)

// Frame is the multiplexed wire unit: one delivery batch of a single kind.
type Frame struct {
	Kind          string         `json:"kind"`
	Messages      []Envelope     `json:"messages,omitempty"`
	Notifications []Notification `json:"notifications,omitempty"`
	Revokes       []RevokeNotice `json:"revokes,omitempty"`
	// ServerID identifies the message a receipt refers to.
	ServerID string `json:"idServer,omitempty"`
}

func (f Frame) marshal() ([]byte, error) { return json.Marshal(f) }

func decodeFrame(b []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(b, &f)
	return f, err
}

// dispatch routes a decoded frame into the handlers, preserving arrival
// order. Unknown kinds are ignored.
func dispatch(h Handlers, f Frame) {
	switch f.Kind {
	case FrameMessage:
		if h.OnMessages != nil && len(f.Messages) > 0 {
			h.OnMessages(f.Messages)
		}
	case FrameModify:
		if h.OnMessagesModified != nil && len(f.Messages) > 0 {
			h.OnMessagesModified(f.Messages)
		}
	case FrameNotification:
		if h.OnNotifications != nil && len(f.Notifications) > 0 {
			h.OnNotifications(f.Notifications)
		}
	case FrameRevoke:
		if h.OnRevokes != nil && len(f.Revokes) > 0 {
			h.OnRevokes(f.Revokes)
		}
	case FrameSync:
		if h.OnDataSync != nil {
			h.OnDataSync()
		}
	}
}
