package player

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Session is the mutable state of one monitored chat.
type Session struct {
	chatID string

	mu             sync.Mutex
	enabled        bool
	workerCount    int
	defaultWorkers int
	maxWorkers     int
	avoid          []string // ordered set
	joinToken      string
}

// SessionOpts configures a Session at startup.
type SessionOpts struct {
	ChatID   string
	Disabled bool // start with auto-join off
	Workers  int  // default worker count; 0 or more than the pool means all
}

// SessionSnapshot is a point-in-time copy of a Session.
type SessionSnapshot struct {
	ChatID         string   `json:"chat_id"`
	Enabled        bool     `json:"enabled"`
	WorkerCount    int      `json:"worker_count"`
	DefaultWorkers int      `json:"default_workers"`
	MaxWorkers     int      `json:"max_workers"`
	JoinToken      string   `json:"join_token"`
	Avoid          []string `json:"avoid"`
}

// ChatID returns the chat the session belongs to.
func (s *Session) ChatID() string { return s.chatID }

// Enabled reports whether auto-join is on.
func (s *Session) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// SetEnabled switches auto-join on or off.
func (s *Session) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

// ToggleEnabled flips auto-join and returns the new value.
func (s *Session) ToggleEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = !s.enabled
	return s.enabled
}

// WorkerCount returns how many workers a join cycle commits.
func (s *Session) WorkerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workerCount
}

// SetWorkerCount changes the worker count. Values outside [1, live workers]
// are rejected with ErrWorkerCountRange and leave the count unchanged.
func (s *Session) SetWorkerCount(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 1 || n > s.maxWorkers {
		return fmt.Errorf("%w: %d not in [1, %d]", ErrWorkerCountRange, n, s.maxWorkers)
	}
	s.workerCount = n
	return nil
}

// ResetWorkerCount restores the configured default and returns it.
func (s *Session) ResetWorkerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workerCount = s.defaultWorkers
	return s.workerCount
}

// AvoidList returns a copy of the identifiers to route votes away from.
func (s *Session) AvoidList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.avoid))
	copy(out, s.avoid)
	return out
}

// AddAvoid appends id to the avoid list unless already present.
func (s *Session) AddAvoid(id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.avoid {
		if existing == id {
			return false
		}
	}
	s.avoid = append(s.avoid, id)
	return true
}

// JoinToken returns the token of the game most recently joined.
func (s *Session) JoinToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joinToken
}

// Snapshot copies the session state.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	avoid := make([]string, len(s.avoid))
	copy(avoid, s.avoid)
	return SessionSnapshot{
		ChatID:         s.chatID,
		Enabled:        s.enabled,
		WorkerCount:    s.workerCount,
		DefaultWorkers: s.defaultWorkers,
		MaxWorkers:     s.maxWorkers,
		JoinToken:      s.joinToken,
		Avoid:          avoid,
	}
}

// clamp lowers the worker bounds to total. Callers hold s.mu.
func (s *Session) clamp(total int) {
	s.maxWorkers = total
	s.workerCount = clampInt(s.workerCount, 1, total)
	s.defaultWorkers = clampInt(s.defaultWorkers, 1, total)
}

func clampInt(v, lo, hi int) int {
	if v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}

// Registry maps chat ids to sessions and resolves the opaque game tokens seen
// in prompts back to the chat that joined them.
//
// Lock order: Registry.mu before Session.mu.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	tokens   map[string]string // token -> chat id, filled lazily
	total    int
}

// NewRegistry creates a registry for total workers and the given chats.
func NewRegistry(total int, chats ...SessionOpts) (*Registry, error) {
	if total < 1 {
		return nil, &ConfigurationError{Reason: "at least one worker is required"}
	}
	if len(chats) == 0 {
		return nil, &ConfigurationError{Reason: "at least one chat is required"}
	}
	r := &Registry{
		sessions: make(map[string]*Session, len(chats)),
		tokens:   make(map[string]string),
		total:    total,
	}
	for _, c := range chats {
		if c.ChatID == "" {
			return nil, &ConfigurationError{Reason: "chat id is required"}
		}
		if _, dup := r.sessions[c.ChatID]; dup {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("chat %s registered twice", c.ChatID)}
		}
		workers := c.Workers
		if workers <= 0 || workers > total {
			workers = total
		}
		r.sessions[c.ChatID] = &Session{
			chatID:         c.ChatID,
			enabled:        !c.Disabled,
			workerCount:    workers,
			defaultWorkers: workers,
			maxWorkers:     total,
		}
	}
	return r, nil
}

// Resolve returns the session for chatID. Unregistered chats yield a
// *ConfigurationError.
func (r *Registry) Resolve(chatID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[chatID]
	if !ok {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("chat %s is not registered", chatID)}
	}
	return s, nil
}

// Has reports whether chatID is registered.
func (r *Registry) Has(chatID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[chatID]
	return ok
}

// Sessions returns all sessions ordered by chat id.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].chatID < out[j].chatID })
	return out
}

// TotalWorkers returns the current number of live workers.
func (r *Registry) TotalWorkers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// ResolveToken maps a game token to its chat. A cached mapping wins;
// otherwise the first session (by chat id) whose join token contains token
// is cached and returned. It reports false while no session matches.
func (r *Registry) ResolveToken(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	r.mu.RLock()
	chatID, ok := r.tokens[token]
	r.mu.RUnlock()
	if ok {
		return chatID, true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if chatID, ok := r.tokens[token]; ok {
		return chatID, true
	}
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		joined := r.sessions[id].JoinToken()
		if joined != "" && strings.Contains(joined, token) {
			r.tokens[token] = id
			return id, true
		}
	}
	return "", false
}

// OnNewJoin records that chatID joined a new game: stale token mappings for
// the chat are dropped, the join token is replaced and the avoid list is
// cleared.
func (r *Registry) OnNewJoin(chatID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[chatID]
	if !ok {
		return &ConfigurationError{Reason: fmt.Sprintf("chat %s is not registered", chatID)}
	}
	r.applyJoin(s, token)
	return nil
}

// BeginJoin decides whether an announcement starts a join cycle. It returns
// false when auto-join is off or token equals the current join token, and
// otherwise applies OnNewJoin in the same critical section, so repeated
// announcements of one game start exactly one cycle.
func (r *Registry) BeginJoin(chatID, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[chatID]
	if !ok {
		return false, &ConfigurationError{Reason: fmt.Sprintf("chat %s is not registered", chatID)}
	}
	s.mu.Lock()
	skip := !s.enabled || s.joinToken == token
	s.mu.Unlock()
	if skip {
		return false, nil
	}
	r.applyJoin(s, token)
	return true, nil
}

// Restore seeds chatID's join token from persisted state at startup.
func (r *Registry) Restore(chatID, token string) error {
	return r.OnNewJoin(chatID, token)
}

// ClampWorkers sets the live worker total and lowers every session's worker
// count and default to at most total.
func (r *Registry) ClampWorkers(total int) {
	if total < 1 {
		total = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total = total
	for _, s := range r.sessions {
		s.mu.Lock()
		s.clamp(total)
		s.mu.Unlock()
	}
}

// applyJoin requires r.mu held for writing.
func (r *Registry) applyJoin(s *Session, token string) {
	for t, chatID := range r.tokens {
		if chatID == s.chatID {
			delete(r.tokens, t)
		}
	}
	s.mu.Lock()
	s.joinToken = token
	s.avoid = nil
	s.mu.Unlock()
}
