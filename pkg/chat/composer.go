package chat

import (
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/widgetlabs/supportchat/pkg/transport"
)

const quoteSummaryMaxRunes = 30

// SendOptions are the per-send knobs merged into the composed extension.
type SendOptions struct {
	BusinessLine string
	TraceID      string
	// Quote references an earlier message; only a short summary of it is
	// embedded, never the full payload.
	Quote *Message
}

// Composer builds outbound messages. It owns the base extension context
// (conversation type, system code) shared by every send of a session.
type Composer struct {
	base  map[string]any
	now   func() time.Time
	newID func() string
}

type ComposerOption func(*Composer)

// WithBaseContext sets session-wide extension fields.
func WithBaseContext(convType, sysCode string) ComposerOption {
	return func(c *Composer) {
		c.base[ExtConvType] = convType
		c.base[ExtSystemCode] = sysCode
	}
}

// WithClock overrides the timestamp source, for tests.
func WithClock(now func() time.Time) ComposerOption {
	return func(c *Composer) { c.now = now }
}

// WithIDSource overrides client-id generation, for tests.
func WithIDSource(newID func() string) ComposerOption {
	return func(c *Composer) { c.newID = newID }
}

func NewComposer(opts ...ComposerOption) *Composer {
	c := &Composer{
		base:  map[string]any{},
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Composer) newMessage(biz BusinessType, opts SendOptions) Message {
	ext := make(map[string]any, len(c.base)+3)
	for k, v := range c.base {
		ext[k] = v
	}
	if opts.BusinessLine != "" {
		ext[ExtBusinessLine] = opts.BusinessLine
	}
	if opts.TraceID != "" {
		ext[ExtTraceID] = opts.TraceID
	}
	if opts.Quote != nil {
		ext[ExtQuote] = map[string]any{
			"clientId": opts.Quote.ClientID,
			"summary":  QuoteSummary(opts.Quote),
		}
	}
	return Message{
		ClientID:   c.newID(),
		CreateTime: c.now().UnixMilli(),
		Direction:  Outbound,
		Type:       biz,
		Extension:  ext,
		SendState:  SendPending,
	}
}

// Text composes a plain text message.
func (c *Composer) Text(text string, opts SendOptions) Message {
	m := c.newMessage(BizText, opts)
	m.Text = text
	return m
}

// FAQ composes a canned-question message.
func (c *Composer) FAQ(question string, opts SendOptions) Message {
	m := c.newMessage(BizFAQ, opts)
	m.Text = question
	return m
}

// Media composes an attachment message.
func (c *Composer) Media(payload MediaPayload, opts SendOptions) Message {
	m := c.newMessage(BizMedia, opts)
	m.Media = &payload
	return m
}

// Order composes an order-reference message.
func (c *Composer) Order(payload OrderPayload, opts SendOptions) Message {
	m := c.newMessage(BizOrder, opts)
	m.Order = &payload
	return m
}

// Evaluation composes the visitor's session rating.
func (c *Composer) Evaluation(payload EvaluationPayload, opts SendOptions) Message {
	m := c.newMessage(BizEvaluation, opts)
	m.Evaluation = &payload
	return m
}

// PreEvaluation composes the local evaluation prompt. It never reaches the
// transport.
func (c *Composer) PreEvaluation() Message {
	m := c.newMessage(BizPreEvaluation, SendOptions{})
	m.Direction = Inbound
	m.LocalOnly = true
	m.SendState = SendNone
	return m
}

// LocalNotice composes a local-only prompt (wait budget exhausted, agent
// offline). It never reaches the transport.
func (c *Composer) LocalNotice(kind NoticeKind, text string) Message {
	m := c.newMessage(BizNotice, SendOptions{})
	m.Direction = Inbound
	m.Notice = &NoticePayload{Kind: kind, Text: text}
	m.LocalOnly = true
	m.SendState = SendNone
	return m
}

// QuoteSummary renders a short human-readable tag for a quoted message
// instead of embedding its payload.
func QuoteSummary(m *Message) string {
	if m == nil {
		return ""
	}
	switch m.Type {
	case BizOrder:
		return "[order]"
	case BizMedia:
		if m.Media != nil {
			switch m.Media.Kind {
			case MediaImage:
				return "[picture]"
			case MediaVideo:
				return "[video]"
			case MediaAudio:
				return "[audio]"
			case MediaFile:
				return "[document]"
			}
		}
		return "[document]"
	}
	if _, ok := m.Extension[ExtEmojis]; ok && m.Text == "" {
		return "[emoji]"
	}
	return truncateRunes(m.Text, quoteSummaryMaxRunes)
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "…"
}

// Encode turns a composed message into its wire envelope, string-serializing
// the attachment and extension the way the backend expects.
func Encode(m Message) (transport.Envelope, error) {
	if m.LocalOnly {
		return transport.Envelope{}, errors.Errorf("composer: %s message is local-only", m.Type)
	}
	env := transport.Envelope{
		ClientID: m.ClientID,
		Flow:     transport.FlowOut,
		TimeMs:   m.CreateTime,
		Text:     m.Text,
	}
	if len(m.Extension) > 0 {
		ext, err := json.Marshal(m.Extension)
		if err != nil {
			return transport.Envelope{}, errors.Wrap(err, "composer: marshal extension")
		}
		env.Ext = ext
	}

	attach := func(bizType string, content any) error {
		b, err := json.Marshal(customAttachment{BizType: bizType, Content: mustRaw(content)})
		if err != nil {
			return errors.Wrap(err, "composer: marshal attachment")
		}
		env.Type = "custom"
		env.Attach = b
		return nil
	}

	switch m.Type {
	case BizText:
		env.Type = "text"
	case BizFAQ:
		if err := attach("faq", map[string]string{"text": m.Text}); err != nil {
			return transport.Envelope{}, err
		}
	case BizMedia:
		if m.Media == nil {
			return transport.Envelope{}, errors.New("composer: media message without payload")
		}
		env.Type = m.Media.Kind.String()
		// The wire carries the kind as its string tag, not the enum value.
		b, err := json.Marshal(struct {
			URL  string `json:"url"`
			Kind string `json:"kind,omitempty"`
			Name string `json:"name,omitempty"`
			Size int64  `json:"size,omitempty"`
		}{m.Media.URL, m.Media.Kind.String(), m.Media.Name, m.Media.Size})
		if err != nil {
			return transport.Envelope{}, errors.Wrap(err, "composer: marshal media")
		}
		env.Attach = b
	case BizOrder:
		if err := attach("order", m.Order); err != nil {
			return transport.Envelope{}, err
		}
	case BizEvaluation:
		if err := attach("evaluate", m.Evaluation); err != nil {
			return transport.Envelope{}, err
		}
	default:
		return transport.Envelope{}, errors.Errorf("composer: %s is not a sendable type", m.Type)
	}
	return env, nil
}

// EncodeRevoke builds the wire envelope retracting a previously sent message.
func EncodeRevoke(clientID, serverID string, timeMs int64) (transport.Envelope, error) {
	if clientID == "" {
		return transport.Envelope{}, errors.New("composer: revoke without clientId")
	}
	content, err := json.Marshal(struct {
		IDClient string `json:"idClient"`
		IDServer string `json:"idServer,omitempty"`
	}{clientID, serverID})
	if err != nil {
		return transport.Envelope{}, errors.Wrap(err, "composer: marshal revoke content")
	}
	attach, err := json.Marshal(customAttachment{BizType: "revokeMessage", Content: content})
	if err != nil {
		return transport.Envelope{}, errors.Wrap(err, "composer: marshal revoke attachment")
	}
	return transport.Envelope{
		ClientID: clientID,
		Flow:     transport.FlowOut,
		Type:     "custom",
		TimeMs:   timeMs,
		Attach:   attach,
	}, nil
}

func mustRaw(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
