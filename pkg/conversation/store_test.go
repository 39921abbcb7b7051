package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/widgetlabs/supportchat/pkg/chat"
)

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func textMsg(clientID string, createTime int64, text string) chat.Message {
	return chat.Message{
		ClientID:   clientID,
		CreateTime: createTime,
		Direction:  chat.Inbound,
		Type:       chat.BizText,
		Text:       text,
	}
}

func closeNotice(clientID string, createTime int64, kind chat.NoticeKind) chat.Message {
	return chat.Message{
		ClientID:   clientID,
		CreateTime: createTime,
		Direction:  chat.Inbound,
		Type:       chat.BizNotice,
		Notice:     &chat.NoticePayload{Kind: kind},
	}
}

func TestMergeIncomingIsIdempotent(t *testing.T) {
	s := New(WithClock(fixedClock(1000)))

	batch := []chat.Message{
		textMsg("a", 100, "hello"),
		textMsg("b", 200, "world"),
	}
	added := s.MergeIncoming(batch)
	require.Equal(t, 2, added)

	first := s.Ordered()

	added = s.MergeIncoming(batch)
	require.Equal(t, 0, added)
	require.Equal(t, first, s.Ordered())
	require.Equal(t, 2, s.Len())
}

func TestDuplicateClientIDAcrossBatches(t *testing.T) {
	s := New(WithClock(fixedClock(1000)))

	s.MergeIncoming([]chat.Message{textMsg("a", 100, "hi")})
	s.MergeIncoming([]chat.Message{textMsg("a", 100, "hi")})

	require.Equal(t, 1, s.Len())
	ordered := s.Ordered()
	require.Len(t, ordered, 1)
	require.Equal(t, "a", ordered[0].ClientID)
}

func TestOrderedSortsByCreateTimeWithInsertionTieBreak(t *testing.T) {
	s := New(WithClock(fixedClock(1000)))

	s.MergeIncoming([]chat.Message{
		textMsg("b", 200, "second"),
		textMsg("c", 200, "third"),
	})
	s.MergeIncoming([]chat.Message{textMsg("d", 300, "fourth")})

	ordered := s.Ordered()
	require.Len(t, ordered, 3)
	require.Equal(t, "b", ordered[0].ClientID)
	require.Equal(t, "c", ordered[1].ClientID)
	require.Equal(t, "d", ordered[2].ClientID)
}

func TestClockSkewCorrection(t *testing.T) {
	now := int64(5000)
	s := New(WithClock(fixedClock(now)))

	s.MergeIncoming([]chat.Message{textMsg("a", 4000, "first")})
	// Earlier than the tail: the timestamp is rewritten to now so the
	// rendered stream stays monotonic.
	s.MergeIncoming([]chat.Message{textMsg("b", 3000, "late arrival")})

	ordered := s.Ordered()
	require.Equal(t, "a", ordered[0].ClientID)
	require.Equal(t, "b", ordered[1].ClientID)
	require.Equal(t, now, ordered[1].CreateTime)
}

func TestMergeHistoryKeepsEarlierTimestamps(t *testing.T) {
	now := int64(10000)
	s := New(WithClock(fixedClock(now)))

	s.MergeIncoming([]chat.Message{textMsg("live-1", 5000, "current")})

	// An older page arrives after the live tail; its timestamps stand.
	added := s.MergeHistory([]chat.Message{
		textMsg("h-1", 1000, "old 1"),
		textMsg("h-2", 2000, "old 2"),
	})
	require.Equal(t, 2, added)

	ordered := s.Ordered()
	require.Len(t, ordered, 3)
	require.Equal(t, "h-1", ordered[0].ClientID)
	require.Equal(t, int64(1000), ordered[0].CreateTime)
	require.Equal(t, "h-2", ordered[1].ClientID)
	require.Equal(t, int64(2000), ordered[1].CreateTime)
	require.Equal(t, "live-1", ordered[2].ClientID)
	require.Equal(t, int64(1000), s.OldestCreateTime())
}

func TestMergeHistoryAdvancesTailForLiveSkew(t *testing.T) {
	now := int64(10000)
	s := New(WithClock(fixedClock(now)))

	s.MergeHistory([]chat.Message{textMsg("h-1", 4000, "newest history")})

	// History established the tail; an earlier live delivery still corrects.
	s.MergeIncoming([]chat.Message{textMsg("live-1", 3000, "late")})

	ordered := s.Ordered()
	require.Equal(t, "h-1", ordered[0].ClientID)
	require.Equal(t, now, ordered[1].CreateTime)
}

func TestMergeHistoryDedupsAgainstLive(t *testing.T) {
	s := New(WithClock(fixedClock(10000)))

	s.MergeIncoming([]chat.Message{textMsg("a", 5000, "seen live")})
	added := s.MergeHistory([]chat.Message{textMsg("a", 5000, "seen live")})

	require.Equal(t, 0, added)
	require.Equal(t, 1, s.Len())
}

func TestMissingClientIDDerivedFromServerID(t *testing.T) {
	s := New(WithClock(fixedClock(1000)))

	m := chat.Message{ServerID: "srv-1", CreateTime: 100, Type: chat.BizText, Text: "x"}
	s.MergeIncoming([]chat.Message{m})
	s.MergeIncoming([]chat.Message{{ServerID: "srv-1", CreateTime: 100, Type: chat.BizText, Text: "x"}})

	require.Equal(t, 1, s.Len())
	ordered := s.Ordered()
	require.Equal(t, "srv-srv-1", ordered[0].ClientID)
}

func TestReconcileSentKeepsSingleCopy(t *testing.T) {
	s := New(WithClock(fixedClock(1000)))

	pending := chat.Message{
		ClientID:   "out-1",
		CreateTime: 500,
		Direction:  chat.Outbound,
		Type:       chat.BizText,
		Text:       "hello",
		SendState:  chat.SendPending,
	}
	s.AppendOutbound(pending)

	require.True(t, s.ReconcileSent("out-1", "srv-9", 600))

	ordered := s.Ordered()
	require.Len(t, ordered, 1)
	require.Equal(t, chat.SendSent, ordered[0].SendState)
	require.Equal(t, "srv-9", ordered[0].ServerID)
	require.Equal(t, int64(600), ordered[0].CreateTime)
}

func TestServerEchoOfPendingSendDoesNotDuplicate(t *testing.T) {
	s := New(WithClock(fixedClock(1000)))

	s.AppendOutbound(chat.Message{
		ClientID:   "out-1",
		CreateTime: 500,
		Direction:  chat.Outbound,
		Type:       chat.BizText,
		Text:       "hello",
		SendState:  chat.SendPending,
	})
	// The server-confirmed copy arrives through the regular merge path.
	s.MergeIncoming([]chat.Message{{
		ClientID:   "out-1",
		ServerID:   "srv-1",
		CreateTime: 510,
		Direction:  chat.Outbound,
		Type:       chat.BizText,
		Text:       "hello",
		SendState:  chat.SendSent,
	}})

	require.Equal(t, 1, s.Len())
	ordered := s.Ordered()
	require.Equal(t, chat.SendSent, ordered[0].SendState)
	require.Equal(t, "srv-1", ordered[0].ServerID)
}

func TestMarkFailedRetainsMessage(t *testing.T) {
	s := New(WithClock(fixedClock(1000)))

	s.AppendOutbound(chat.Message{ClientID: "out-1", CreateTime: 500, Type: chat.BizText, SendState: chat.SendPending})
	require.True(t, s.MarkFailed("out-1"))

	ordered := s.Ordered()
	require.Len(t, ordered, 1)
	require.Equal(t, chat.SendFailed, ordered[0].SendState)
}

func TestHistoricalBoundaryMarking(t *testing.T) {
	s := New(WithClock(fixedClock(10000)))

	s.MergeIncoming([]chat.Message{
		textMsg("a", 100, "old 1"),
		textMsg("b", 200, "old 2"),
		closeNotice("close-1", 300, chat.NoticeBackgroundClose),
		textMsg("c", 400, "new 1"),
		textMsg("d", 500, "new 2"),
	})

	ordered := s.Ordered()
	require.Len(t, ordered, 5)
	require.True(t, ordered[0].Historical)
	require.True(t, ordered[1].Historical)
	require.True(t, ordered[2].IsLastHistorical)
	require.False(t, ordered[2].Historical)
	require.False(t, ordered[3].Historical)
	require.False(t, ordered[4].Historical)
}

func TestHistoricalBoundaryUsesLastCloseNotice(t *testing.T) {
	s := New(WithClock(fixedClock(10000)))

	s.MergeIncoming([]chat.Message{
		textMsg("a", 100, "one"),
		closeNotice("close-1", 200, chat.NoticeTransferClose),
		textMsg("b", 300, "two"),
		closeNotice("close-2", 400, chat.NoticeClientClose),
		textMsg("c", 500, "three"),
	})

	ordered := s.Ordered()
	require.True(t, ordered[0].Historical)
	require.True(t, ordered[1].Historical)
	require.True(t, ordered[2].Historical)
	require.True(t, ordered[3].IsLastHistorical)
	require.False(t, ordered[4].Historical)
}

func TestRevokeResendRoundTrip(t *testing.T) {
	s := New(WithClock(fixedClock(1000)))

	original := chat.Message{
		ClientID:   "out-1",
		CreateTime: 500,
		Direction:  chat.Outbound,
		Type:       chat.BizText,
		Text:       "take this back",
		SendState:  chat.SendSent,
	}
	s.AppendOutbound(original)

	require.True(t, s.ApplyRevoke("out-1"))

	ordered := s.Ordered()
	require.Len(t, ordered, 1)
	require.True(t, ordered[0].Revoked)
	require.Empty(t, ordered[0].Text)

	recovered, ok := s.RevokedOriginal("out-1")
	require.True(t, ok)
	require.Equal(t, "take this back", recovered.Text)
	require.Equal(t, chat.Outbound, recovered.Direction)
}

func TestApplyRevokeUnknownMessage(t *testing.T) {
	s := New(WithClock(fixedClock(1000)))
	require.False(t, s.ApplyRevoke("nope"))
}

func TestApplyModifyMergesOnlyProvidedFields(t *testing.T) {
	s := New(WithClock(fixedClock(1000)))

	m := textMsg("a", 100, "hello")
	m.Extension = map[string]any{chat.ExtTraceID: "t-1"}
	s.MergeIncoming([]chat.Message{m})

	require.True(t, s.ApplyModify("a", map[string]any{chat.ExtRead: true}))

	ordered := s.Ordered()
	require.Equal(t, "hello", ordered[0].Text)
	require.Equal(t, "t-1", ordered[0].Extension[chat.ExtTraceID])
	require.Equal(t, true, ordered[0].Extension[chat.ExtRead])
}

func TestOrderedReturnsDefensiveCopies(t *testing.T) {
	s := New(WithClock(fixedClock(1000)))
	m := textMsg("a", 100, "hello")
	m.Extension = map[string]any{chat.ExtRead: false}
	s.MergeIncoming([]chat.Message{m})

	got := s.Ordered()
	got[0].Extension[chat.ExtRead] = true
	got[0].Text = "mutated"

	again := s.Ordered()
	require.Equal(t, "hello", again[0].Text)
	require.Equal(t, false, again[0].Extension[chat.ExtRead])
}

func TestOldestCreateTime(t *testing.T) {
	s := New(WithClock(fixedClock(1000)))
	require.Zero(t, s.OldestCreateTime())

	s.MergeIncoming([]chat.Message{textMsg("a", 150, "x"), textMsg("b", 250, "y")})
	require.Equal(t, int64(150), s.OldestCreateTime())
}
