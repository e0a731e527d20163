package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is a process-local Ledger. Grants older than the retention window
// are pruned on write.
type Memory struct {
	retention time.Duration
	now       func() time.Time

	mu      sync.Mutex
	uploads []Upload
	grants  map[string]Grant
}

// NewMemory builds a Memory ledger. retention <= 0 keeps grants forever.
func NewMemory(retention time.Duration) *Memory {
	return &Memory{
		retention: retention,
		now:       time.Now,
		grants:    make(map[string]Grant),
	}
}

func (m *Memory) RecordUpload(_ context.Context, u Upload) (Upload, error) {
	u, err := prepareUpload(u, m.now())
	if err != nil {
		return Upload{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads = append(m.uploads, u)
	return u, nil
}

func (m *Memory) RecordGrant(_ context.Context, g Grant) (Grant, error) {
	now := m.now()
	g, err := prepareGrant(g, now)
	if err != nil {
		return Grant{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.retention > 0 {
		for addr, prev := range m.grants {
			if now.Sub(prev.CreatedAt) > m.retention {
				delete(m.grants, addr)
			}
		}
	}
	key := addressKey(g.Address)
	if prev, ok := m.grants[key]; !ok || g.CreatedAt.After(prev.CreatedAt) {
		m.grants[key] = g
	}
	return g, nil
}

func (m *Memory) LastGrant(_ context.Context, address string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[addressKey(address)]
	return g.CreatedAt, ok, nil
}

// Uploads returns the uploads for programName, newest first. An empty name
// returns every upload.
func (m *Memory) Uploads(_ context.Context, programName string) ([]Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Upload, 0, len(m.uploads))
	for _, u := range m.uploads {
		if programName == "" || u.ProgramName == programName {
			out = append(out, u)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Addresses are hex; 0xABC and 0xabc are the same account.
func addressKey(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
