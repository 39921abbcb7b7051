package chat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/widgetlabs/supportchat/pkg/transport"
)

func TestNormalizeText(t *testing.T) {
	m := Normalize(transport.Envelope{
		ClientID: "c1",
		ServerID: "s1",
		Flow:     transport.FlowIn,
		Type:     "text",
		TimeMs:   100,
		Text:     "hello",
	})

	require.Equal(t, BizText, m.Type)
	require.Equal(t, Inbound, m.Direction)
	require.Equal(t, "hello", m.Text)
	require.Equal(t, "c1", m.ClientID)
	require.Equal(t, "s1", m.ServerID)
	require.Equal(t, int64(100), m.CreateTime)
}

func TestNormalizeOutboundEcho(t *testing.T) {
	m := Normalize(transport.Envelope{
		ClientID: "c1",
		Flow:     transport.FlowOut,
		Type:     "text",
		Text:     "mine",
	})
	require.Equal(t, Outbound, m.Direction)
	require.Equal(t, SendSent, m.SendState)
}

func TestNormalizeStringSerializedExtension(t *testing.T) {
	// The backend string-serializes the extension; it must arrive decoded.
	ext, err := json.Marshal(`{"traceId":"t-1","businessLine":"bags"}`)
	require.NoError(t, err)

	m := Normalize(transport.Envelope{
		ClientID: "c1",
		Type:     "text",
		Text:     "hi",
		Ext:      ext,
	})
	require.Equal(t, "t-1", m.Extension[ExtTraceID])
	require.Equal(t, "bags", m.Extension[ExtBusinessLine])
}

func TestNormalizeMalformedExtensionKeepsMessage(t *testing.T) {
	m := Normalize(transport.Envelope{
		ClientID: "c1",
		Type:     "text",
		Text:     "still here",
		Ext:      json.RawMessage(`"{not json"`),
	})
	require.Equal(t, BizText, m.Type)
	require.Equal(t, "still here", m.Text)
	require.Nil(t, m.Extension)
}

func TestNormalizeMediaKindFromWireType(t *testing.T) {
	m := Normalize(transport.Envelope{
		ClientID: "c1",
		Type:     "image",
		Attach:   json.RawMessage(`{"url":"https://cdn.example.com/a.png"}`),
	})
	require.Equal(t, BizMedia, m.Type)
	require.NotNil(t, m.Media)
	require.Equal(t, MediaImage, m.Media.Kind)
	require.Equal(t, "https://cdn.example.com/a.png", m.Media.URL)
}

func TestNormalizeCustomOrder(t *testing.T) {
	attach, err := json.Marshal(`{"bizType":"order","content":{"orderId":"o-42","title":"Blue bag"}}`)
	require.NoError(t, err)

	m := Normalize(transport.Envelope{ClientID: "c1", Type: "custom", Attach: attach})
	require.Equal(t, BizOrder, m.Type)
	require.NotNil(t, m.Order)
	require.Equal(t, "o-42", m.Order.OrderID)
	require.Equal(t, "Blue bag", m.Order.Title)
}

func TestNormalizeCustomNotice(t *testing.T) {
	m := Normalize(transport.Envelope{
		ClientID: "c1",
		Type:     "custom",
		Attach:   json.RawMessage(`{"bizType":"assign","content":{"employee":{"name":"Ada","avatar":"a.png"}}}`),
	})
	require.Equal(t, BizNotice, m.Type)
	require.Equal(t, NoticeAllocation, m.NoticeKindOf())
	require.Equal(t, "Ada", m.Notice.AgentName)
}

func TestNormalizeMalformedCustomYieldsUnknown(t *testing.T) {
	m := Normalize(transport.Envelope{
		ClientID: "c1",
		Type:     "custom",
		Attach:   json.RawMessage(`{"nope":true}`),
	})
	require.Equal(t, BizUnknown, m.Type)
	require.NotEmpty(t, m.Raw)
}

func TestNormalizeUnknownWireType(t *testing.T) {
	m := Normalize(transport.Envelope{ClientID: "c1", Type: "hologram"})
	require.Equal(t, BizUnknown, m.Type)
	require.NotEmpty(t, m.Raw)
}

func TestParseNotificationQueueNum(t *testing.T) {
	p, ok := ParseNotification(transport.Notification{
		Content: json.RawMessage(`{"bizType":"queueNum","content":{"num":3}}`),
	})
	require.True(t, ok)
	require.Equal(t, NoticeQueueNum, p.Kind)
	require.Equal(t, 3, p.QueuePosition)
}

func TestParseNotificationUnknownTag(t *testing.T) {
	_, ok := ParseNotification(transport.Notification{
		Content: json.RawMessage(`{"bizType":"confetti"}`),
	})
	require.False(t, ok)
}

func TestParseNotificationMalformed(t *testing.T) {
	_, ok := ParseNotification(transport.Notification{
		Content: json.RawMessage(`not even json`),
	})
	require.False(t, ok)
}

func TestNormalizeBatchPreservesOrder(t *testing.T) {
	batch := []transport.Envelope{
		{ClientID: "a", Type: "text", Text: "one"},
		{ClientID: "b", Type: "text", Text: "two"},
	}
	msgs := NormalizeBatch(batch)
	require.Len(t, msgs, 2)
	require.Equal(t, "a", msgs[0].ClientID)
	require.Equal(t, "b", msgs[1].ClientID)
}
