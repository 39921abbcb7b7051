// Package resumestore persists the single resume credential that lets a
// returning visitor re-attach to an open session.
package resumestore

import (
	"context"
	"time"
)

// FreshnessWindow is how long a saved credential stays usable.
const FreshnessWindow = 24 * time.Hour

// Credential is the cached agent/session reference.
type Credential struct {
	Account      string `json:"account"`
	BusinessLine string `json:"business_line,omitempty"`
	AgentName    string `json:"agent_name,omitempty"`
	AgentAvatar  string `json:"agent_avatar,omitempty"`
	SavedAtMs    int64  `json:"saved_at_ms"`
}

// Fresh reports whether the credential is still within the freshness window.
func (c Credential) Fresh(now time.Time) bool {
	if c.SavedAtMs <= 0 {
		return false
	}
	return now.UnixMilli()-c.SavedAtMs < FreshnessWindow.Milliseconds()
}

// Store is the resume-credential persistence surface. Load returns ok=false
// for both a missing and a stale credential.
type Store interface {
	Save(ctx context.Context, cred Credential) error
	Load(ctx context.Context, account string) (Credential, bool, error)
	Clear(ctx context.Context, account string) error
	Close() error
}
