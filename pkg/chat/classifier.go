package chat

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/widgetlabs/supportchat/pkg/transport"
)

// customAttachment is the envelope's business payload once decoded. Content
// stays raw until the bizType tag tells us what to decode it into.
type customAttachment struct {
	BizType string          `json:"bizType"`
	Content json.RawMessage `json:"content,omitempty"`
}

// noticeContent is the shared shape of session-control payloads.
type noticeContent struct {
	Num      int    `json:"num,omitempty"`
	Seconds  int    `json:"seconds,omitempty"`
	Text     string `json:"text,omitempty"`
	Employee struct {
		Name   string `json:"name,omitempty"`
		Avatar string `json:"avatar,omitempty"`
	} `json:"employee,omitempty"`
}

var bizTypeTags = map[string]BusinessType{
	"text":          BizText,
	"faq":           BizFAQ,
	"order":         BizOrder,
	"evaluate":      BizEvaluation,
	"preEvaluate":   BizPreEvaluation,
	"image":         BizMedia,
	"video":         BizMedia,
	"audio":         BizMedia,
	"file":          BizMedia,
	"revokeMessage": BizRevoke,
}

var noticeTags = map[string]NoticeKind{
	"queueNum":        NoticeQueueNum,
	"assign":          NoticeAllocation,
	"willClose":       NoticeWillClose,
	"backgroundClose": NoticeBackgroundClose,
	"transferClose":   NoticeTransferClose,
	"clientClose":     NoticeClientClose,
	"agentOffline":    NoticeAgentOffline,
	"wait":            NoticeWait,
}

// decodeFlexible unmarshals raw into v, transparently unwrapping the
// backend's habit of string-serializing nested JSON.
func decodeFlexible(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		return json.Unmarshal([]byte(s), v)
	}
	return json.Unmarshal(raw, v)
}

// Normalize turns a raw envelope into the engine's Message shape.
// Classification never fails: malformed input yields BizUnknown with the raw
// payload preserved, and a parse problem in the extension leaves the message
// otherwise intact. Nothing is ever dropped here.
func Normalize(env transport.Envelope) Message {
	m := Message{
		ClientID:   env.ClientID,
		ServerID:   env.ServerID,
		CreateTime: env.TimeMs,
		Text:       env.Text,
	}
	if env.Flow == transport.FlowOut {
		m.Direction = Outbound
		m.SendState = SendSent
	}

	if len(env.Ext) > 0 {
		ext := map[string]any{}
		if err := decodeFlexible(env.Ext, &ext); err != nil {
			log.Warn().Err(err).
				Str("component", "classifier").
				Str("client_id", env.ClientID).
				Msg("unparseable server extension, keeping message as-is")
		} else if len(ext) > 0 {
			m.Extension = ext
		}
	}

	switch env.Type {
	case "text":
		m.Type = BizText
	case "image", "video", "audio", "file":
		m.Type = BizMedia
		m.Media = mediaFromAttach(env, parseMediaKind(env.Type))
	case "custom":
		classifyCustom(env, &m)
	default:
		m.Type = BizUnknown
		m.Raw = rawOf(env)
		log.Warn().
			Str("component", "classifier").
			Str("wire_type", env.Type).
			Str("client_id", env.ClientID).
			Msg("unknown wire type")
	}
	return m
}

// NormalizeBatch maps Normalize over a delivery batch, preserving order.
func NormalizeBatch(batch []transport.Envelope) []Message {
	out := make([]Message, 0, len(batch))
	for _, env := range batch {
		out = append(out, Normalize(env))
	}
	return out
}

func classifyCustom(env transport.Envelope, m *Message) {
	var att customAttachment
	if err := decodeFlexible(env.Attach, &att); err != nil || att.BizType == "" {
		m.Type = BizUnknown
		m.Raw = rawOf(env)
		log.Warn().
			Str("component", "classifier").
			Str("client_id", env.ClientID).
			Msg("unparseable custom attachment")
		return
	}

	if kind, ok := noticeTags[att.BizType]; ok {
		m.Type = BizNotice
		m.Notice = noticeFromContent(kind, att.Content)
		return
	}

	biz, ok := bizTypeTags[att.BizType]
	if !ok {
		m.Type = BizUnknown
		m.Raw = rawOf(env)
		log.Warn().
			Str("component", "classifier").
			Str("biz_type", att.BizType).
			Str("client_id", env.ClientID).
			Msg("unknown bizType tag")
		return
	}
	m.Type = biz

	switch biz {
	case BizText, BizFAQ:
		if m.Text == "" {
			var c struct {
				Text string `json:"text"`
			}
			_ = decodeFlexible(att.Content, &c)
			m.Text = c.Text
		}
	case BizMedia:
		m.Media = mediaFromRaw(att.Content, parseMediaKind(att.BizType))
	case BizOrder:
		var o OrderPayload
		if err := decodeFlexible(att.Content, &o); err == nil {
			m.Order = &o
		}
	case BizEvaluation, BizPreEvaluation:
		var e EvaluationPayload
		if err := decodeFlexible(att.Content, &e); err == nil {
			m.Evaluation = &e
		}
	}
}

func noticeFromContent(kind NoticeKind, raw json.RawMessage) *NoticePayload {
	var c noticeContent
	_ = decodeFlexible(raw, &c)
	return &NoticePayload{
		Kind:          kind,
		QueuePosition: c.Num,
		CloseSeconds:  c.Seconds,
		AgentName:     c.Employee.Name,
		AgentAvatar:   c.Employee.Avatar,
		Text:          c.Text,
	}
}

// ParseNotification decodes an out-of-band control notification. The second
// return is false when the content carries no recognizable bizType tag.
func ParseNotification(n transport.Notification) (NoticePayload, bool) {
	var att customAttachment
	if err := decodeFlexible(n.Content, &att); err != nil || att.BizType == "" {
		log.Warn().
			Str("component", "classifier").
			Msg("unparseable custom notification")
		return NoticePayload{}, false
	}
	kind, ok := noticeTags[att.BizType]
	if !ok {
		log.Warn().
			Str("component", "classifier").
			Str("biz_type", att.BizType).
			Msg("unknown notification bizType")
		return NoticePayload{}, false
	}
	return *noticeFromContent(kind, att.Content), true
}

func mediaFromAttach(env transport.Envelope, kind MediaKind) *MediaPayload {
	return mediaFromRaw(env.Attach, kind)
}

func mediaFromRaw(raw json.RawMessage, kind MediaKind) *MediaPayload {
	p := &MediaPayload{Kind: kind}
	var c struct {
		URL  string `json:"url"`
		Kind string `json:"kind,omitempty"`
		Name string `json:"name,omitempty"`
		Size int64  `json:"size,omitempty"`
	}
	if err := decodeFlexible(raw, &c); err == nil {
		p.URL = c.URL
		p.Name = c.Name
		p.Size = c.Size
		if k := parseMediaKind(c.Kind); k != MediaNone {
			p.Kind = k
		}
	}
	return p
}

func parseMediaKind(s string) MediaKind {
	switch s {
	case "image":
		return MediaImage
	case "video":
		return MediaVideo
	case "audio":
		return MediaAudio
	case "file":
		return MediaFile
	default:
		return MediaNone
	}
}

func rawOf(env transport.Envelope) json.RawMessage {
	if len(env.Attach) > 0 {
		return env.Attach
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil
	}
	return b
}
