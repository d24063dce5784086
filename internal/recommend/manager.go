package recommend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lcastelli/warden/internal/events"
)

var (
	ErrNotFound        = errors.New("recommendation not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionDisabled = errors.New("session vetting is disabled")
)

type sessionState struct {
	config      SessionConfig
	order       []string
	byID        map[string]*Recommendation
	usage       TokenUsage
	usageSeeded bool
}

// Manager owns recommendation and token-usage state per session key. All
// mutation goes through its operations; callers only ever see snapshots.
type Manager struct {
	mu       sync.RWMutex
	bus      *events.Bus
	store    Store
	sessions map[SessionKey]*sessionState
}

func NewManager(bus *events.Bus) *Manager {
	return &Manager{
		bus:      bus,
		sessions: make(map[SessionKey]*sessionState),
	}
}

// SetStore attaches optional persistence for recommendations and usage.
func (m *Manager) SetStore(store Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = store
}

// InitializeSession creates per-key state if absent. Calling it again with a
// live session leaves the existing state untouched and returns its config.
func (m *Manager) InitializeSession(key SessionKey, cfg SessionConfig) SessionConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.sessions[key]; ok {
		return state.config
	}
	m.sessions[key] = &sessionState{
		config: cfg,
		byID:   make(map[string]*Recommendation),
	}
	return cfg
}

// Add appends a recommendation for key. Producers may redeliver: an id already
// present is silently absorbed and the stored record returned with added ==
// false. When the session's auto-approve flag is set and the recommendation
// carries no explicit command, it is resolved immediately as executed and
// auto-approved; such items never reach the notification path.
func (m *Manager) Add(key SessionKey, req AddRequest) (Recommendation, bool, error) {
	req.ID = strings.TrimSpace(req.ID)
	req.Text = strings.TrimSpace(req.Text)
	req.Command = strings.TrimSpace(req.Command)
	if req.Text == "" {
		return Recommendation{}, false, errors.New("text is required")
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		return Recommendation{}, false, fmt.Errorf("confidence %v out of range [0,1]", req.Confidence)
	}
	if req.Source == "" {
		req.Source = SourceOther
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := time.Now().UTC()

	m.mu.Lock()
	state := m.sessionLocked(key)
	if !state.config.Enabled {
		m.mu.Unlock()
		return Recommendation{}, false, ErrSessionDisabled
	}
	if existing, ok := state.byID[req.ID]; ok {
		snapshot := *existing
		m.mu.Unlock()
		return snapshot, false, nil
	}

	rec := &Recommendation{
		ID:         req.ID,
		AgentID:    key.AgentID,
		SessionID:  key.SessionID,
		Source:     req.Source,
		Text:       req.Text,
		Command:    req.Command,
		Confidence: req.Confidence,
		InputEcho:  req.InputEcho,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if state.config.AutoApprove && rec.Command == "" {
		rec.Executed = true
		rec.AutoApproved = true
	}

	state.byID[rec.ID] = rec
	state.order = append(state.order, rec.ID)

	snapshot := *rec
	listView := m.listLocked(state)
	autoApproved := rec.AutoApproved
	m.mu.Unlock()

	m.persist(snapshot)
	m.bus.Publish(key.Topic(), events.KindRecommendation, RecommendationEvent{
		Key:             key,
		Recommendation:  snapshot,
		Recommendations: listView,
		At:              now,
	})
	if autoApproved {
		m.bus.Publish(key.Topic(), events.KindDecision, DecisionEvent{
			Key:              key,
			RecommendationID: snapshot.ID,
			Approved:         true,
			AutoApproved:     true,
			At:               now,
		})
	}
	return snapshot, true, nil
}

// MarkApproved transitions the recommendation to executed. finalText, when
// non-empty, replaces the display text (operator-edited command). Already
// terminal records are left untouched.
func (m *Manager) MarkApproved(key SessionKey, id, finalText string) (Recommendation, error) {
	return m.decide(key, id, true, strings.TrimSpace(finalText))
}

// MarkDenied transitions the recommendation to denied. Already terminal
// records are left untouched.
func (m *Manager) MarkDenied(key SessionKey, id string) (Recommendation, error) {
	return m.decide(key, id, false, "")
}

func (m *Manager) decide(key SessionKey, id string, approved bool, finalText string) (Recommendation, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Recommendation{}, errors.New("recommendation id is required")
	}
	now := time.Now().UTC()

	m.mu.Lock()
	state, ok := m.sessions[key]
	if !ok {
		m.mu.Unlock()
		return Recommendation{}, ErrSessionNotFound
	}
	rec, ok := state.byID[id]
	if !ok {
		m.mu.Unlock()
		return Recommendation{}, ErrNotFound
	}
	if rec.Terminal() {
		snapshot := *rec
		m.mu.Unlock()
		return snapshot, nil
	}

	if approved {
		rec.Executed = true
		rec.Denied = false
		if finalText != "" {
			rec.FinalText = finalText
		}
	} else {
		rec.Denied = true
	}
	rec.UpdatedAt = now
	snapshot := *rec
	m.mu.Unlock()

	m.persist(snapshot)
	m.bus.Publish(key.Topic(), events.KindDecision, DecisionEvent{
		Key:              key,
		RecommendationID: snapshot.ID,
		Approved:         approved,
		FinalText:        snapshot.FinalText,
		At:               now,
	})
	return snapshot, nil
}

// Toggle enables or disables vetting for key.
func (m *Manager) Toggle(key SessionKey, enabled bool) SessionConfig {
	return m.UpdateConfig(key, ConfigPatch{Enabled: &enabled})
}

// UpdateConfig applies a partial configuration update and publishes the
// resulting config.
func (m *Manager) UpdateConfig(key SessionKey, patch ConfigPatch) SessionConfig {
	now := time.Now().UTC()

	m.mu.Lock()
	state := m.sessionLocked(key)
	if patch.Enabled != nil {
		state.config.Enabled = *patch.Enabled
	}
	if patch.AutoApprove != nil {
		state.config.AutoApprove = *patch.AutoApprove
	}
	cfg := state.config
	m.mu.Unlock()

	m.bus.Publish(key.Topic(), events.KindConfig, ConfigEvent{Key: key, Config: cfg, At: now})
	return cfg
}

// RecordUsage adds delta to the session's counters. A delta with a zero
// request count is counted as one request; a zero total is derived from
// prompt plus completion tokens. Counters only move forward until an explicit
// reset, so negative delta fields are clamped to zero.
func (m *Manager) RecordUsage(key SessionKey, delta TokenUsage) TokenUsage {
	now := time.Now().UTC()
	m.seedUsage(key)
	delta.PromptTokens = max(delta.PromptTokens, 0)
	delta.CompletionTokens = max(delta.CompletionTokens, 0)
	delta.TotalTokens = max(delta.TotalTokens, 0)
	delta.RequestCount = max(delta.RequestCount, 0)
	if delta.TotalTokens == 0 {
		delta.TotalTokens = delta.PromptTokens + delta.CompletionTokens
	}
	if delta.RequestCount == 0 {
		delta.RequestCount = 1
	}

	m.mu.Lock()
	state := m.sessionLocked(key)
	state.usage.PromptTokens += delta.PromptTokens
	state.usage.CompletionTokens += delta.CompletionTokens
	state.usage.TotalTokens += delta.TotalTokens
	state.usage.RequestCount += delta.RequestCount
	usage := state.usage
	m.mu.Unlock()

	m.persistUsage(key, usage)
	m.bus.Publish(key.Topic(), events.KindUsage, UsageEvent{Key: key, Usage: usage, At: now})
	return usage
}

// ResetUsage zeroes the session's counters. Persisted counters are discarded
// too; the session is marked seeded so they are not merged back later.
func (m *Manager) ResetUsage(key SessionKey) {
	now := time.Now().UTC()

	m.mu.Lock()
	state := m.sessionLocked(key)
	state.usage = TokenUsage{}
	state.usageSeeded = true
	m.mu.Unlock()

	m.persistUsage(key, TokenUsage{})
	m.bus.Publish(key.Topic(), events.KindUsage, UsageEvent{Key: key, At: now})
}

// Usage returns the session's current counters.
func (m *Manager) Usage(key SessionKey) TokenUsage {
	m.seedUsage(key)

	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.sessions[key]
	if !ok {
		return TokenUsage{}
	}
	return state.usage
}

// seedUsage merges counters persisted by an earlier run into the in-memory
// state, once per session. A transient store error leaves the session
// unseeded so the next call retries.
func (m *Manager) seedUsage(key SessionKey) {
	m.mu.RLock()
	store := m.store
	state, ok := m.sessions[key]
	seeded := ok && state.usageSeeded
	m.mu.RUnlock()
	if store == nil || seeded {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	persisted, err := store.GetUsage(ctx, key)
	if err != nil && !errors.Is(err, ErrStoreNotFound) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if persisted == (TokenUsage{}) {
		// Nothing to merge; don't create session state from a read.
		if st, ok := m.sessions[key]; ok {
			st.usageSeeded = true
		}
		return
	}
	st := m.sessionLocked(key)
	if st.usageSeeded {
		return
	}
	st.usage.PromptTokens += persisted.PromptTokens
	st.usage.CompletionTokens += persisted.CompletionTokens
	st.usage.TotalTokens += persisted.TotalTokens
	st.usage.RequestCount += persisted.RequestCount
	st.usageSeeded = true
}

// Config returns the session's current configuration.
func (m *Manager) Config(key SessionKey) (SessionConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.sessions[key]
	if !ok {
		return SessionConfig{}, ErrSessionNotFound
	}
	return state.config, nil
}

// Get returns one recommendation by id.
func (m *Manager) Get(key SessionKey, id string) (Recommendation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.sessions[key]
	if !ok {
		return Recommendation{}, ErrSessionNotFound
	}
	rec, ok := state.byID[strings.TrimSpace(id)]
	if !ok {
		return Recommendation{}, ErrNotFound
	}
	return *rec, nil
}

// List returns the session's recommendations in insertion order. When a
// persistence store is attached, records persisted by earlier runs are merged
// in ahead of the in-memory list.
func (m *Manager) List(key SessionKey) []Recommendation {
	m.mu.RLock()
	store := m.store
	var memOut []Recommendation
	if state, ok := m.sessions[key]; ok {
		memOut = m.listLocked(state)
	}
	m.mu.RUnlock()

	if store == nil {
		return memOut
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	persisted, err := store.ListRecommendations(ctx, key)
	if err != nil {
		return memOut
	}

	seen := make(map[string]bool, len(memOut))
	for _, rec := range memOut {
		seen[rec.ID] = true
	}
	out := make([]Recommendation, 0, len(persisted)+len(memOut))
	for _, rec := range persisted {
		if seen[rec.ID] {
			continue
		}
		out = append(out, rec)
	}
	return append(out, memOut...)
}

// Clear drops every recommendation for key. Configuration and usage counters
// survive; reopening a cleared id is therefore possible and intentional.
func (m *Manager) Clear(key SessionKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.sessions[key]
	if !ok {
		return
	}
	state.order = nil
	state.byID = make(map[string]*Recommendation)
}

// sessionLocked returns the state for key, creating it with defaults when the
// key was never initialized explicitly.
func (m *Manager) sessionLocked(key SessionKey) *sessionState {
	state, ok := m.sessions[key]
	if !ok {
		state = &sessionState{
			config: SessionConfig{Enabled: true},
			byID:   make(map[string]*Recommendation),
		}
		m.sessions[key] = state
	}
	return state
}

func (m *Manager) listLocked(state *sessionState) []Recommendation {
	out := make([]Recommendation, 0, len(state.order))
	for _, id := range state.order {
		if rec, ok := state.byID[id]; ok {
			out = append(out, *rec)
		}
	}
	return out
}

func (m *Manager) persist(rec Recommendation) {
	m.mu.RLock()
	store := m.store
	m.mu.RUnlock()
	if store == nil {
		return
	}
	go func(snapshot Recommendation) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = store.SaveRecommendation(ctx, snapshot)
	}(rec)
}

func (m *Manager) persistUsage(key SessionKey, usage TokenUsage) {
	m.mu.RLock()
	store := m.store
	m.mu.RUnlock()
	if store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = store.SaveUsage(ctx, key, usage)
	}()
}
