package chat

import "encoding/json"

// Direction marks which side of the session produced a message.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// SendState is meaningful for Outbound messages only.
type SendState int

const (
	SendNone SendState = iota
	SendPending
	SendSent
	SendFailed
)

func (s SendState) String() string {
	switch s {
	case SendPending:
		return "pending"
	case SendSent:
		return "sent"
	case SendFailed:
		return "failed"
	default:
		return "none"
	}
}

// BusinessType is the closed set of message kinds the engine understands.
// Anything it cannot classify lands on BizUnknown with the raw payload kept
// for diagnostics.
type BusinessType int

const (
	BizUnknown BusinessType = iota
	BizText
	BizMedia
	BizOrder
	BizEvaluation
	BizPreEvaluation
	BizFAQ
	BizNotice
	BizRevoke
)

func (t BusinessType) String() string {
	switch t {
	case BizText:
		return "text"
	case BizMedia:
		return "media"
	case BizOrder:
		return "order"
	case BizEvaluation:
		return "evaluation"
	case BizPreEvaluation:
		return "preEvaluation"
	case BizFAQ:
		return "faq"
	case BizNotice:
		return "notice"
	case BizRevoke:
		return "revoke"
	default:
		return "unknown"
	}
}

// MediaKind narrows BizMedia payloads.
type MediaKind int

const (
	MediaNone MediaKind = iota
	MediaImage
	MediaVideo
	MediaAudio
	MediaFile
)

func (k MediaKind) String() string {
	switch k {
	case MediaImage:
		return "image"
	case MediaVideo:
		return "video"
	case MediaAudio:
		return "audio"
	case MediaFile:
		return "file"
	default:
		return "none"
	}
}

// NoticeKind distinguishes session-control notices carried inside generically
// typed envelopes and notifications.
type NoticeKind int

const (
	NoticeNone NoticeKind = iota
	NoticeQueueNum
	NoticeAllocation
	NoticeWillClose
	NoticeBackgroundClose
	NoticeTransferClose
	NoticeClientClose
	NoticeAgentOffline
	NoticeWait
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeQueueNum:
		return "queueNum"
	case NoticeAllocation:
		return "allocation"
	case NoticeWillClose:
		return "willClose"
	case NoticeBackgroundClose:
		return "backgroundClose"
	case NoticeTransferClose:
		return "transferClose"
	case NoticeClientClose:
		return "clientClose"
	case NoticeAgentOffline:
		return "agentOffline"
	case NoticeWait:
		return "wait"
	default:
		return "none"
	}
}

// IsCloseBoundary reports whether the notice ends a conversation and thus
// marks the historical boundary in the store.
func (k NoticeKind) IsCloseBoundary() bool {
	switch k {
	case NoticeBackgroundClose, NoticeTransferClose, NoticeClientClose:
		return true
	}
	return false
}

// Extension keys used by the engine. The extension map is always structured;
// string-serialized metadata is decoded at the classifier boundary and never
// travels further in.
const (
	ExtTraceID      = "traceId"
	ExtBusinessLine = "businessLine"
	ExtQuote        = "quote"
	ExtRead         = "read"
	ExtEmojis       = "emojis"
	ExtEmployee     = "employee"
	ExtSystemCode   = "sysCode"
	ExtConvType     = "convType"
)

// MediaPayload describes an attachment.
type MediaPayload struct {
	URL  string    `json:"url"`
	Kind MediaKind `json:"kind"`
	Name string    `json:"name,omitempty"`
	Size int64     `json:"size,omitempty"`
}

// OrderPayload references a purchase the visitor is asking about.
type OrderPayload struct {
	OrderID  string `json:"orderId"`
	Title    string `json:"title,omitempty"`
	Amount   string `json:"amount,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// EvaluationPayload carries the visitor's rating of the session.
type EvaluationPayload struct {
	RateLevel int    `json:"rateLevel"`
	Content   string `json:"content,omitempty"`
	IsSolved  bool   `json:"isSolved"`
}

// NoticePayload carries the session-control fields of a notice.
type NoticePayload struct {
	Kind          NoticeKind `json:"kind"`
	QueuePosition int        `json:"queuePosition,omitempty"`
	CloseSeconds  int        `json:"closeSeconds,omitempty"`
	AgentName     string     `json:"agentName,omitempty"`
	AgentAvatar   string     `json:"agentAvatar,omitempty"`
	Text          string     `json:"text,omitempty"`
}

// Message is the engine's normalized conversation unit.
type Message struct {
	ClientID   string         `json:"clientId"`
	ServerID   string         `json:"serverId,omitempty"`
	CreateTime int64          `json:"createTime"`
	Direction  Direction      `json:"direction"`
	Type       BusinessType   `json:"type"`
	Media      *MediaPayload  `json:"media,omitempty"`
	Order      *OrderPayload  `json:"order,omitempty"`
	Evaluation *EvaluationPayload `json:"evaluation,omitempty"`
	Notice     *NoticePayload `json:"notice,omitempty"`
	Text       string         `json:"text,omitempty"`
	Extension  map[string]any `json:"extension,omitempty"`

	SendState SendState `json:"sendState,omitempty"`
	// LocalOnly messages render a prompt but never reach the transport.
	LocalOnly bool `json:"localOnly,omitempty"`
	// Revoked messages keep their slot as a tombstone.
	Revoked bool `json:"revoked,omitempty"`

	Historical       bool `json:"historical,omitempty"`
	IsLastHistorical bool `json:"isLastHistorical,omitempty"`

	// Raw preserves the undecoded payload when classification failed.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// NoticeKindOf returns the control-notice kind, NoticeNone for regular messages.
func (m *Message) NoticeKindOf() NoticeKind {
	if m.Type != BizNotice || m.Notice == nil {
		return NoticeNone
	}
	return m.Notice.Kind
}

// Clone returns a deep-enough copy for snapshot hand-off: the extension map
// and payload pointers are duplicated so callers cannot mutate store state.
func (m Message) Clone() Message {
	out := m
	if m.Extension != nil {
		ext := make(map[string]any, len(m.Extension))
		for k, v := range m.Extension {
			ext[k] = v
		}
		out.Extension = ext
	}
	if m.Media != nil {
		media := *m.Media
		out.Media = &media
	}
	if m.Order != nil {
		order := *m.Order
		out.Order = &order
	}
	if m.Evaluation != nil {
		ev := *m.Evaluation
		out.Evaluation = &ev
	}
	if m.Notice != nil {
		n := *m.Notice
		out.Notice = &n
	}
	return out
}
