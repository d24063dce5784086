package approval

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a token is unknown or was already
	// resolved. Callers on the approval-consuming path treat it as
	// "someone else already decided", not as a user-facing error.
	ErrNotFound = errors.New("approval token not found")

	// ErrAlreadyPending is returned when a recommendation already has a
	// live token. Callers must not notify the external channel again.
	ErrAlreadyPending = errors.New("recommendation already has a pending approval")
)

// Entry is one outstanding approval awaiting a decision.
type Entry struct {
	Token            string
	SessionKey       string
	RecommendationID string
	CreatedAt        time.Time
	Payload          any
}

// Registry correlates opaque tokens with pending approval requests. Resolve
// is an atomic check-and-remove: whichever caller resolves a token first wins
// and every later caller observes ErrNotFound. "Resolved and still present"
// is not a reachable state.
//
// The registry never self-expires entries; expiry is the caller's policy
// (see vetting.Service, which sweeps entries past a deadline).
type Registry struct {
	mu      sync.Mutex
	byToken map[string]*Entry
	byRec   map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		byToken: make(map[string]*Entry),
		byRec:   make(map[string]string),
	}
}

// Register creates a fresh unpredictable token for recommendationID and
// stores the entry. At most one live entry may exist per recommendation.
func (r *Registry) Register(recommendationID, sessionKey string, payload any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byRec[recommendationID]; ok {
		return "", ErrAlreadyPending
	}

	token := uuid.NewString()
	r.byToken[token] = &Entry{
		Token:            token,
		SessionKey:       sessionKey,
		RecommendationID: recommendationID,
		CreatedAt:        time.Now().UTC(),
		Payload:          payload,
	}
	r.byRec[recommendationID] = token
	return token, nil
}

// Resolve atomically removes and returns the entry for token. A second call
// with the same token returns ErrNotFound regardless of the first outcome.
func (r *Registry) Resolve(token string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byToken[token]
	if !ok {
		return Entry{}, ErrNotFound
	}
	delete(r.byToken, token)
	delete(r.byRec, entry.RecommendationID)
	return *entry, nil
}

// Peek returns the entry for token without consuming it.
func (r *Registry) Peek(token string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.byToken[token]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return *entry, nil
}

// TokenFor returns the live token for a recommendation, if any.
func (r *Registry) TokenFor(recommendationID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	token, ok := r.byRec[recommendationID]
	return token, ok
}

// InvalidateAll drops every entry for sessionKey without resolution side
// effects. Used on session teardown.
func (r *Registry) InvalidateAll(sessionKey string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var dropped []Entry
	for token, entry := range r.byToken {
		if entry.SessionKey != sessionKey {
			continue
		}
		dropped = append(dropped, *entry)
		delete(r.byToken, token)
		delete(r.byRec, entry.RecommendationID)
	}
	return dropped
}

// ExpireBefore removes and returns every entry created before deadline.
func (r *Registry) ExpireBefore(deadline time.Time) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []Entry
	for token, entry := range r.byToken {
		if !entry.CreatedAt.Before(deadline) {
			continue
		}
		expired = append(expired, *entry)
		delete(r.byToken, token)
		delete(r.byRec, entry.RecommendationID)
	}
	return expired
}

// PendingCount reports the number of live entries.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byToken)
}
