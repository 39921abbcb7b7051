package resumestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSaveAndLoad(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, Credential{
		Account:      "visitor-1",
		BusinessLine: "bags",
		AgentName:    "Ada",
	}))

	cred, ok, err := s.Load(ctx, "visitor-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Ada", cred.AgentName)
	require.Equal(t, "bags", cred.BusinessLine)
	require.NotZero(t, cred.SavedAtMs)
}

func TestLoadMissingAccount(t *testing.T) {
	s := NewInMemoryStore()
	_, ok, err := s.Load(context.Background(), "nobody")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStaleCredentialIsDropped(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	base := time.UnixMilli(1_000_000_000)
	s.SetClock(func() time.Time { return base })
	require.NoError(t, s.Save(ctx, Credential{Account: "visitor-1"}))

	s.SetClock(func() time.Time { return base.Add(FreshnessWindow + time.Minute) })
	_, ok, err := s.Load(ctx, "visitor-1")
	require.NoError(t, err)
	require.False(t, ok)

	// The stale entry is gone even after the clock moves back.
	s.SetClock(func() time.Time { return base })
	_, ok, err = s.Load(ctx, "visitor-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCredentialFreshJustInsideWindow(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	base := time.UnixMilli(1_000_000_000)
	s.SetClock(func() time.Time { return base })
	require.NoError(t, s.Save(ctx, Credential{Account: "visitor-1"}))

	s.SetClock(func() time.Time { return base.Add(FreshnessWindow - time.Minute) })
	_, ok, err := s.Load(ctx, "visitor-1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestClear(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, Credential{Account: "visitor-1"}))
	require.NoError(t, s.Clear(ctx, "visitor-1"))

	_, ok, err := s.Load(ctx, "visitor-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSaveRejectsEmptyAccount(t *testing.T) {
	s := NewInMemoryStore()
	require.Error(t, s.Save(context.Background(), Credential{Account: "  "}))
}
