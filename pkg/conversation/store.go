// Package conversation owns the ordered, deduplicated message collection for
// one session. The store is not safe for concurrent use on its own; the
// session engine serializes every mutation behind its lock.
package conversation

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/widgetlabs/supportchat/pkg/chat"
	"github.com/widgetlabs/supportchat/pkg/metrics"
)

type entry struct {
	msg chat.Message
	seq int
}

// Store holds every known message keyed by clientId. Ordering is recomputed
// lazily: mutations mark the cached ordering dirty, reads reuse it until the
// next mutation.
type Store struct {
	byClient map[string]*entry
	seq      int
	// revoked keeps the pre-tombstone original so a later resend can
	// recover payload and direction.
	revoked map[string]chat.Message

	ordered []chat.Message
	dirty   bool

	lastCreate int64
	now        func() time.Time
}

type Option func(*Store)

// WithClock overrides the skew-correction clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		byClient: map[string]*entry{},
		revoked:  map[string]chat.Message{},
		dirty:    true,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Len reports the number of distinct messages.
func (s *Store) Len() int { return len(s.byClient) }

// keyFor guarantees every stored message has a clientId: server-assigned ids
// map deterministically so a re-delivered copy dedups, anything else gets a
// fresh id.
func keyFor(m *chat.Message) string {
	if m.ClientID != "" {
		return m.ClientID
	}
	if m.ServerID != "" {
		m.ClientID = "srv-" + m.ServerID
	} else {
		m.ClientID = uuid.NewString()
	}
	return m.ClientID
}

// correctSkew rewrites a timestamp that is earlier than the current tail so
// the rendered stream stays monotonic. The backend's authoritative time loses
// here; log when it happens.
func (s *Store) correctSkew(m *chat.Message) {
	if m.CreateTime >= s.lastCreate {
		s.lastCreate = m.CreateTime
		return
	}
	corrected := s.now().UnixMilli()
	if corrected < s.lastCreate {
		corrected = s.lastCreate
	}
	log.Warn().
		Str("component", "store").
		Str("client_id", m.ClientID).
		Int64("create_time", m.CreateTime).
		Int64("corrected", corrected).
		Msg("clock skew correction applied")
	metrics.ClockSkewCorrections.Inc()
	m.CreateTime = corrected
	s.lastCreate = corrected
}

func (s *Store) insert(m chat.Message, history bool) {
	key := keyFor(&m)
	if existing, ok := s.byClient[key]; ok {
		// Duplicate delivery, or the server echo of a pending local send.
		if existing.msg.SendState == chat.SendPending && m.ServerID != "" {
			existing.msg.ServerID = m.ServerID
			existing.msg.SendState = chat.SendSent
			s.dirty = true
		} else {
			metrics.DuplicatesDropped.Inc()
		}
		return
	}
	if history {
		// History pages reach backward in time; their timestamps are
		// authoritative and must not be corrected against the live tail.
		if m.CreateTime > s.lastCreate {
			s.lastCreate = m.CreateTime
		}
	} else {
		s.correctSkew(&m)
	}
	s.seq++
	s.byClient[key] = &entry{msg: m, seq: s.seq}
	s.dirty = true
	metrics.MessagesMerged.Inc()
}

// MergeIncoming merges a live delivery batch as one atomic step and reports
// how many messages were new.
func (s *Store) MergeIncoming(batch []chat.Message) int {
	before := len(s.byClient)
	for _, m := range batch {
		s.insert(m, false)
	}
	if len(s.byClient) != before {
		s.dirty = true
	}
	return len(s.byClient) - before
}

// MergeHistory merges a fetched history page. Timestamps are kept as-is so
// older pages sort before everything already present and the paging cursor
// keeps moving backward.
func (s *Store) MergeHistory(batch []chat.Message) int {
	before := len(s.byClient)
	for _, m := range batch {
		s.insert(m, true)
	}
	if len(s.byClient) != before {
		s.dirty = true
	}
	return len(s.byClient) - before
}

// AppendOutbound records a locally composed message before transport
// confirmation.
func (s *Store) AppendOutbound(m chat.Message) {
	s.insert(m, false)
}

// ReconcileSent folds the server confirmation into the pending local copy.
// At most one message with this clientId survives.
func (s *Store) ReconcileSent(clientID string, serverID string, serverTimeMs int64) bool {
	e, ok := s.byClient[clientID]
	if !ok {
		return false
	}
	e.msg.ServerID = serverID
	e.msg.SendState = chat.SendSent
	if serverTimeMs > 0 && serverTimeMs >= s.lastCreate {
		e.msg.CreateTime = serverTimeMs
		s.lastCreate = serverTimeMs
	}
	s.dirty = true
	return true
}

// MarkFailed flags a pending send as failed. The message is kept for visible
// retry, never dropped.
func (s *Store) MarkFailed(clientID string) bool {
	e, ok := s.byClient[clientID]
	if !ok {
		return false
	}
	e.msg.SendState = chat.SendFailed
	s.dirty = true
	metrics.SendFailures.Inc()
	return true
}

// Get returns a copy of the message with the given clientId.
func (s *Store) Get(clientID string) (chat.Message, bool) {
	e, ok := s.byClient[clientID]
	if !ok {
		return chat.Message{}, false
	}
	return e.msg.Clone(), true
}

// ApplyRevoke replaces the referenced message with a tombstone and records
// the original in the revoke log for resend.
func (s *Store) ApplyRevoke(clientID string) bool {
	e, ok := s.byClient[clientID]
	if !ok || e.msg.Revoked {
		return false
	}
	s.revoked[clientID] = e.msg.Clone()
	e.msg.Revoked = true
	e.msg.Text = ""
	e.msg.Media = nil
	e.msg.Order = nil
	e.msg.Evaluation = nil
	s.dirty = true
	metrics.RevokesApplied.Inc()
	return true
}

// RevokedOriginal recovers the pre-tombstone message for a resend.
func (s *Store) RevokedOriginal(clientID string) (chat.Message, bool) {
	m, ok := s.revoked[clientID]
	if !ok {
		return chat.Message{}, false
	}
	return m.Clone(), true
}

// ApplyModify merges only the extension fields present in the notice into the
// existing message; everything else is untouched.
func (s *Store) ApplyModify(clientID string, ext map[string]any) bool {
	e, ok := s.byClient[clientID]
	if !ok || len(ext) == 0 {
		return false
	}
	if e.msg.Extension == nil {
		e.msg.Extension = map[string]any{}
	}
	for k, v := range ext {
		e.msg.Extension[k] = v
	}
	s.dirty = true
	return true
}

// OldestCreateTime returns the createTime of the earliest message, 0 when
// empty. Used as the paging cursor for older history.
func (s *Store) OldestCreateTime() int64 {
	ordered := s.Ordered()
	if len(ordered) == 0 {
		return 0
	}
	return ordered[0].CreateTime
}

// Ordered returns the deduplicated messages sorted ascending by createTime,
// ties broken by insertion order, with historical-boundary flags applied.
// The returned slice is a copy.
func (s *Store) Ordered() []chat.Message {
	if s.dirty {
		s.recompute()
	}
	out := make([]chat.Message, len(s.ordered))
	for i, m := range s.ordered {
		out[i] = m.Clone()
	}
	return out
}

func (s *Store) recompute() {
	entries := make([]*entry, 0, len(s.byClient))
	for _, e := range s.byClient {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].msg.CreateTime == entries[j].msg.CreateTime {
			return entries[i].seq < entries[j].seq
		}
		return entries[i].msg.CreateTime < entries[j].msg.CreateTime
	})

	boundary := -1
	for i, e := range entries {
		if e.msg.NoticeKindOf().IsCloseBoundary() {
			boundary = i
		}
	}
	s.ordered = s.ordered[:0]
	for i, e := range entries {
		e.msg.Historical = boundary >= 0 && i < boundary
		e.msg.IsLastHistorical = i == boundary
		s.ordered = append(s.ordered, e.msg)
	}
	s.dirty = false
}
