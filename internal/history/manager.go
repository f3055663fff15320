// Package history bounds chat history growth. It owns an in-memory working
// set of sessions and enforces age, per-session length, and total count
// limits, with paged listing, usage statistics, and snapshot import/export.
package history

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/calliope-chat/calliope/internal/chat"
)

// Policy holds the numeric bounds the manager enforces. It has no behavior
// of its own.
type Policy struct {
	MaxSessions           int
	MaxMessagesPerSession int
	MaxAgeDays            int
	PageSize              int
	CleanupCooldown       time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxSessions:           100,
		MaxMessagesPerSession: 50,
		MaxAgeDays:            30,
		PageSize:              20,
		CleanupCooldown:       24 * time.Hour,
	}
}

// Sort keys accepted by List.
const (
	SortRecent   = "recent"
	SortName     = "name"
	SortMessages = "messages"
)

// Page is one listing result. Sessions holds the cumulative window for pages
// 1..page so an infinite-scroll client can render it directly.
type Page struct {
	Sessions   []*chat.Session `json:"sessions"`
	TotalPages int             `json:"totalPages"`
	TotalCount int             `json:"totalCount"`
	HasMore    bool            `json:"hasMore"`
}

// Statistics summarizes the working set.
type Statistics struct {
	TotalSessions             int        `json:"totalSessions"`
	TotalMessages             int        `json:"totalMessages"`
	AverageMessagesPerSession float64    `json:"averageMessagesPerSession"`
	MemoryEstimateKB          float64    `json:"memoryEstimateKB"`
	Oldest                    *time.Time `json:"oldest"`
	Newest                    *time.Time `json:"newest"`
}

var ErrBadSnapshot = errors.New("snapshot is not a session array")

// Manager is an explicitly constructed retention engine; callers inject it
// rather than sharing a package-level instance, so tests get isolation for
// free.
type Manager struct {
	mu          sync.RWMutex
	policy      Policy
	sessions    []*chat.Session
	pinned      string
	lastCleanup time.Time
	now         func() time.Time
}

func NewManager(policy Policy) *Manager {
	if policy.PageSize <= 0 {
		policy.PageSize = DefaultPolicy().PageSize
	}
	if policy.CleanupCooldown <= 0 {
		policy.CleanupCooldown = DefaultPolicy().CleanupCooldown
	}
	return &Manager{
		policy: policy,
		now:    time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Pin marks the session currently open in the UI. Removal passes never touch
// it; the caller owns this exclusion, the manager just honors it.
func (m *Manager) Pin(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinned = sessionID
}

// SetSessions replaces the working set, then cleans up opportunistically.
func (m *Manager) SetSessions(sessions []*chat.Session) {
	m.mu.Lock()
	m.sessions = cloneSessions(sessions)
	m.mu.Unlock()
	m.MaybeCleanup()
}

// Add prepends a session, replacing any existing entry with the same id,
// then cleans up opportunistically.
func (m *Manager) Add(sess *chat.Session) {
	m.mu.Lock()
	kept := make([]*chat.Session, 0, len(m.sessions)+1)
	kept = append(kept, cloneSession(sess))
	for _, s := range m.sessions {
		if s.ID != sess.ID {
			kept = append(kept, s)
		}
	}
	m.sessions = kept
	m.mu.Unlock()
	m.MaybeCleanup()
}

// Update replaces the stored copy of a session by id. Unknown ids are ignored.
func (m *Manager) Update(sess *chat.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.sessions {
		if s.ID == sess.ID {
			m.sessions[i] = cloneSession(sess)
			return
		}
	}
}

func (m *Manager) Delete(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.sessions[:0]
	for _, s := range m.sessions {
		if s.ID != sessionID {
			kept = append(kept, s)
		}
	}
	m.sessions = kept
}

func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = nil
}

// List filters, sorts, and pages the working set. query matches the title or
// the last-message preview case-insensitively. Sorting is stable: ties keep
// their working-set order.
func (m *Manager) List(page int, query, sortKey string) Page {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if page < 1 {
		page = 1
	}

	filtered := make([]*chat.Session, 0, len(m.sessions))
	needle := strings.ToLower(strings.TrimSpace(query))
	for _, s := range m.sessions {
		if needle == "" ||
			strings.Contains(strings.ToLower(s.Title), needle) ||
			strings.Contains(strings.ToLower(lastMessagePreview(s)), needle) {
			filtered = append(filtered, s)
		}
	}

	switch sortKey {
	case SortName:
		sort.SliceStable(filtered, func(i, j int) bool {
			return filtered[i].Title < filtered[j].Title
		})
	case SortMessages:
		sort.SliceStable(filtered, func(i, j int) bool {
			return len(filtered[i].Messages) > len(filtered[j].Messages)
		})
	default:
		sort.SliceStable(filtered, func(i, j int) bool {
			return filtered[i].UpdatedAt.After(filtered[j].UpdatedAt)
		})
	}

	end := page * m.policy.PageSize
	if end > len(filtered) {
		end = len(filtered)
	}

	totalPages := (len(filtered) + m.policy.PageSize - 1) / m.policy.PageSize
	return Page{
		Sessions:   cloneSessions(filtered[:end]),
		TotalPages: totalPages,
		TotalCount: len(filtered),
		HasMore:    end < len(filtered),
	}
}

// CleanupOldSessions drops sessions whose UpdatedAt is older than MaxAgeDays.
// Returns the number removed. The pinned session is never removed.
func (m *Manager) CleanupOldSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().AddDate(0, 0, -m.policy.MaxAgeDays)
	kept := m.sessions[:0]
	removed := 0
	for _, s := range m.sessions {
		if s.ID != m.pinned && s.UpdatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	m.sessions = kept
	return removed
}

// CleanupLongSessions truncates any session beyond MaxMessagesPerSession to
// its most recent messages, trading completeness for recency. Returns the
// number of sessions trimmed.
func (m *Manager) CleanupLongSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	trimmed := 0
	for _, s := range m.sessions {
		if len(s.Messages) > m.policy.MaxMessagesPerSession {
			s.Messages = append([]chat.Message{}, s.Messages[len(s.Messages)-m.policy.MaxMessagesPerSession:]...)
			trimmed++
		}
	}
	return trimmed
}

// LimitSessionCount evicts least-recently-updated sessions until the total is
// within MaxSessions, preserving working-set order of the survivors. The
// pinned session survives even when it is the least recently updated.
func (m *Manager) LimitSessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	excess := len(m.sessions) - m.policy.MaxSessions
	if excess <= 0 {
		return 0
	}

	byAge := make([]*chat.Session, len(m.sessions))
	copy(byAge, m.sessions)
	sort.SliceStable(byAge, func(i, j int) bool {
		return byAge[i].UpdatedAt.Before(byAge[j].UpdatedAt)
	})

	evict := make(map[string]bool, excess)
	for _, s := range byAge {
		if len(evict) == excess {
			break
		}
		if s.ID == m.pinned {
			continue
		}
		evict[s.ID] = true
	}

	kept := m.sessions[:0]
	for _, s := range m.sessions {
		if evict[s.ID] {
			continue
		}
		kept = append(kept, s)
	}
	removed := len(m.sessions) - len(kept)
	m.sessions = kept
	return removed
}

// MaybeCleanup runs the three retention passes when the cooldown has elapsed.
// It is called opportunistically on mutation; there is no timer goroutine.
// Returns the total sessions removed plus sessions trimmed, 0 when skipped.
func (m *Manager) MaybeCleanup() int {
	m.mu.Lock()
	now := m.now()
	if now.Sub(m.lastCleanup) < m.policy.CleanupCooldown {
		m.mu.Unlock()
		return 0
	}
	m.lastCleanup = now
	m.mu.Unlock()

	total := m.CleanupOldSessions()
	total += m.CleanupLongSessions()
	total += m.LimitSessionCount()
	return total
}

// Stats reports working-set usage. The memory estimate is the JSON-encoded
// size, which tracks what a browser-side mirror of this set would hold.
func (m *Manager) Stats() Statistics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Statistics{TotalSessions: len(m.sessions)}
	bytes := 0
	for _, s := range m.sessions {
		stats.TotalMessages += len(s.Messages)
		if raw, err := json.Marshal(s); err == nil {
			bytes += len(raw)
		}
		u := s.UpdatedAt
		if stats.Oldest == nil || u.Before(*stats.Oldest) {
			t := u
			stats.Oldest = &t
		}
		if stats.Newest == nil || u.After(*stats.Newest) {
			t := u
			stats.Newest = &t
		}
	}
	if stats.TotalSessions > 0 {
		stats.AverageMessagesPerSession = float64(stats.TotalMessages) / float64(stats.TotalSessions)
	}
	stats.MemoryEstimateKB = float64(bytes) / 1024
	return stats
}

// ExportAll serializes the working set as one pretty-printed JSON array.
func (m *Manager) ExportAll() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessions := m.sessions
	if sessions == nil {
		sessions = []*chat.Session{}
	}
	return json.MarshalIndent(sessions, "", "  ")
}

// ImportAll replaces the working set from an exported snapshot. A failed
// parse leaves the existing working set untouched.
func (m *Manager) ImportAll(snapshot []byte) error {
	var sessions []*chat.Session
	if err := json.Unmarshal(snapshot, &sessions); err != nil {
		return ErrBadSnapshot
	}
	// Unmarshal accepts the literal null without error; only a real array
	// may replace the working set.
	if sessions == nil {
		return ErrBadSnapshot
	}

	m.mu.Lock()
	m.sessions = sessions
	m.mu.Unlock()
	m.MaybeCleanup()
	return nil
}

func lastMessagePreview(s *chat.Session) string {
	if len(s.Messages) == 0 {
		return "New conversation"
	}
	content := s.Messages[len(s.Messages)-1].Content
	runes := []rune(content)
	if len(runes) > 50 {
		return string(runes[:50]) + "..."
	}
	return content
}

func cloneSession(s *chat.Session) *chat.Session {
	c := *s
	c.Messages = append([]chat.Message{}, s.Messages...)
	return &c
}

func cloneSessions(sessions []*chat.Session) []*chat.Session {
	out := make([]*chat.Session, len(sessions))
	for i, s := range sessions {
		out[i] = cloneSession(s)
	}
	return out
}
