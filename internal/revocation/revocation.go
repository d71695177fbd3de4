// Package revocation keeps the ids of logged-out session tokens until the
// tokens would have expired on their own.
package revocation

import (
	"context"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Memory is an in-process revocation list for single-instance and dev
// deployments. Entries vanish when the process restarts.
type Memory struct {
	cache *lru.LRU[string, time.Time]
	now   func() time.Time
}

// NewMemory builds an unbounded list. Entries are never evicted for space;
// maxTTL bounds how long any entry lives and should be the token lifetime.
func NewMemory(maxTTL time.Duration) *Memory {
	return &Memory{cache: lru.NewLRU[string, time.Time](0, nil, maxTTL), now: time.Now}
}

func (m *Memory) Revoke(_ context.Context, tokenID string, until time.Time) error {
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" || !until.After(m.now()) {
		return nil
	}
	m.cache.Add(tokenID, until)
	return nil
}

func (m *Memory) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	until, ok := m.cache.Get(tokenID)
	if !ok {
		return false, nil
	}
	return m.now().Before(until), nil
}

func (m *Memory) Len() int { return m.cache.Len() }
