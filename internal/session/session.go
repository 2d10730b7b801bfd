// Package session tracks per-chat backend session state: the active session
// id, turn and token counters, and per-chat model/backend overrides. A
// Manager keeps the hot set in an expirable LRU and mirrors every change to
// sessions.json so chats survive process restarts.
package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"steward/internal/config"
	"steward/internal/logging"
	"steward/internal/store"
)

// cleanupInterval is how often the background sweep evicts expired chats.
// The sweep re-arms itself only while chats remain, so an idle manager
// carries no timer.
const cleanupInterval = 60 * time.Second

// ChatSession is the per-chat state. A chat with an empty SessionID is a
// placeholder created by an override before any backend call happened.
type ChatSession struct {
	SessionID          string    `json:"sessionId"`
	LastActiveAt       time.Time `json:"lastActiveAt"`
	TurnCount          int       `json:"turnCount"`
	EstimatedTokens    int       `json:"estimatedTokens"`
	ModelOverride      string    `json:"modelOverride,omitempty"`
	BackendOverride    string    `json:"backendOverride,omitempty"`
	SessionBackendType string    `json:"sessionBackendType,omitempty"`
}

// lane serializes chat handlers for one chatID. refs counts queued and
// running handlers so idle lanes can be dropped from the map.
type lane struct {
	mu   sync.Mutex
	refs int
}

// Manager owns the chat session map. All methods are safe for concurrent
// use. Mutations persist the full map before returning; persistence failures
// are logged and do not undo the in-memory change.
type Manager struct {
	files  *store.Store
	logger logging.Logger
	ttl    time.Duration

	mu     sync.Mutex
	cache  *expirable.LRU[string, *ChatSession]
	lanes  map[string]*lane
	timer  *time.Timer
	closed bool

	now func() time.Time
}

// NewManager builds a manager capped at cfg.Max chats with TTL cfg.Timeout().
// Call Load to pick up persisted sessions before serving.
func NewManager(files *store.Store, cfg config.SessionsConfig, logger logging.Logger) *Manager {
	logger = logging.OrNop(logger)
	m := &Manager{
		files:  files,
		logger: logger,
		ttl:    cfg.Timeout(),
		lanes:  make(map[string]*lane),
		now:    time.Now,
	}
	m.cache = expirable.NewLRU[string, *ChatSession](cfg.Max, func(chatID string, _ *ChatSession) {
		// Runs inside cache mutations; must not take m.mu.
		logger.Debug("session: chat %s evicted", chatID)
	}, m.ttl)
	return m
}

// Load reads sessions.json, drops expired entries, and seeds the LRU so
// recency matches lastActiveAt. Returns the number of chats restored.
func (m *Manager) Load() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var snapshot map[string]*ChatSession
	if !m.files.ReadJSON(m.files.Layout().SessionsFile(), &snapshot) {
		return 0
	}
	ids := make([]string, 0, len(snapshot))
	for id, s := range snapshot {
		if s == nil || m.expired(s) {
			continue
		}
		ids = append(ids, id)
	}
	// Oldest first so the most recently active chat is also the most
	// recently used.
	sort.Slice(ids, func(i, j int) bool {
		return snapshot[ids[i]].LastActiveAt.Before(snapshot[ids[j]].LastActiveAt)
	})
	for _, id := range ids {
		m.cache.Add(id, snapshot[id])
	}
	if len(ids) > 0 {
		m.armTimerLocked()
	}
	return len(ids)
}

// SetSession creates or refreshes the chat's backend session. Reusing the
// current sessionID keeps the turn and token counters; a new sessionID resets
// both. Overrides survive either way. backendType is stored when non-empty,
// otherwise the previous value is kept.
func (m *Manager) SetSession(chatID, sessionID, backendType string) ChatSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := &ChatSession{SessionID: sessionID, LastActiveAt: m.now()}
	if cur := m.getLocked(chatID); cur != nil {
		next.ModelOverride = cur.ModelOverride
		next.BackendOverride = cur.BackendOverride
		next.SessionBackendType = cur.SessionBackendType
		if cur.SessionID == sessionID {
			next.TurnCount = cur.TurnCount
			next.EstimatedTokens = cur.EstimatedTokens
		}
	}
	if backendType != "" {
		next.SessionBackendType = backendType
	}
	m.putLocked(chatID, next)
	return *next
}

// IncrementTurn adds one turn and the exchanged token counts to the chat.
// Unknown chats are ignored so stray callbacks cannot resurrect an expired
// session.
func (m *Manager) IncrementTurn(chatID string, inputTokens, outputTokens int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.getLocked(chatID)
	if cur == nil {
		return false
	}
	cur.TurnCount++
	cur.EstimatedTokens += inputTokens + outputTokens
	cur.LastActiveAt = m.now()
	m.putLocked(chatID, cur)
	return true
}

// IncrementTurnText estimates token counts for the exchanged messages and
// applies IncrementTurn.
func (m *Manager) IncrementTurnText(chatID, input, output string) bool {
	return m.IncrementTurn(chatID, EstimateTokens(input), EstimateTokens(output))
}

// SetModelOverride pins (or, with an empty value, clears) the model used for
// the chat. A placeholder chat is created when none exists yet.
func (m *Manager) SetModelOverride(chatID, model string) ChatSession {
	return m.setOverride(chatID, func(s *ChatSession) { s.ModelOverride = model })
}

// SetBackendOverride pins (or clears) the backend used for the chat,
// creating a placeholder chat when needed.
func (m *Manager) SetBackendOverride(chatID, backendName string) ChatSession {
	return m.setOverride(chatID, func(s *ChatSession) { s.BackendOverride = backendName })
}

func (m *Manager) setOverride(chatID string, apply func(*ChatSession)) ChatSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.getLocked(chatID)
	if cur == nil {
		cur = &ChatSession{LastActiveAt: m.now()}
	}
	apply(cur)
	m.putLocked(chatID, cur)
	return *cur
}

// Get returns a copy of the chat's state. Expired chats are purged on read.
func (m *Manager) Get(chatID string) (ChatSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.getLocked(chatID)
	if cur == nil {
		return ChatSession{}, false
	}
	return *cur, true
}

// Remove forgets the chat. Reports whether it existed.
func (m *Manager) Remove(chatID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.cache.Remove(chatID) {
		return false
	}
	m.persistLocked()
	return true
}

// Len returns the number of live chats after purging expired ones.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.purgeExpiredLocked()
	return m.cache.Len()
}

// EnqueueChat runs fn after all previously queued handlers for the same chat
// have finished. Handlers for different chats run concurrently. A failing or
// panicking handler never blocks the ones queued behind it; its error (or a
// wrapped panic) is returned to the caller that queued it.
func (m *Manager) EnqueueChat(chatID string, fn func() error) error {
	m.mu.Lock()
	ln := m.lanes[chatID]
	if ln == nil {
		ln = &lane{}
		m.lanes[chatID] = ln
	}
	ln.refs++
	m.mu.Unlock()

	ln.mu.Lock()
	err := runContained(fn)
	ln.mu.Unlock()

	m.mu.Lock()
	ln.refs--
	if ln.refs == 0 {
		delete(m.lanes, chatID)
	}
	m.mu.Unlock()
	return err
}

func runContained(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("chat handler panicked: %v", r)
		}
	}()
	return fn()
}

// Close stops the cleanup timer. Pending EnqueueChat handlers still run.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// getLocked resolves a live chat, purging it when the TTL has lapsed even if
// the LRU has not reaped it yet.
func (m *Manager) getLocked(chatID string) *ChatSession {
	cur, ok := m.cache.Get(chatID)
	if !ok {
		return nil
	}
	if m.expired(cur) {
		m.cache.Remove(chatID)
		m.persistLocked()
		return nil
	}
	return cur
}

func (m *Manager) putLocked(chatID string, s *ChatSession) {
	m.cache.Add(chatID, s)
	m.persistLocked()
	m.armTimerLocked()
}

func (m *Manager) expired(s *ChatSession) bool {
	if m.ttl <= 0 {
		return false
	}
	return m.now().Sub(s.LastActiveAt) > m.ttl
}

func (m *Manager) purgeExpiredLocked() int {
	removed := 0
	for _, id := range m.cache.Keys() {
		cur, ok := m.cache.Peek(id)
		if !ok || cur == nil {
			continue
		}
		if m.expired(cur) {
			m.cache.Remove(id)
			removed++
		}
	}
	if removed > 0 {
		m.persistLocked()
	}
	return removed
}

func (m *Manager) persistLocked() {
	snapshot := make(map[string]*ChatSession, m.cache.Len())
	for _, id := range m.cache.Keys() {
		if cur, ok := m.cache.Peek(id); ok {
			snapshot[id] = cur
		}
	}
	if err := m.files.WriteJSON(m.files.Layout().SessionsFile(), snapshot); err != nil {
		m.logger.Warn("session: persist failed: %v", err)
	}
}

func (m *Manager) armTimerLocked() {
	if m.closed || m.timer != nil || m.cache.Len() == 0 {
		return
	}
	m.timer = time.AfterFunc(cleanupInterval, m.sweep)
}

func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.timer = nil
	if m.closed {
		return
	}
	if removed := m.purgeExpiredLocked(); removed > 0 {
		m.logger.Debug("session: swept %d expired chats", removed)
	}
	m.armTimerLocked()
}
