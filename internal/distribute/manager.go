package distribute

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lcastelli/warden/internal/events"
)

var (
	ErrNoAvailableSessions = errors.New("no available sessions")
	ErrSessionNotFound     = errors.New("session not found")
)

// Topic is the event-bus topic for pool-wide distribution events.
const Topic = "distribution"

// Manager owns the pool of worker sessions. It assigns incoming tasks to idle
// sessions under the configured placement strategy and resubmits the task of
// a failed session exactly once.
type Manager struct {
	mu       sync.Mutex
	bus      *events.Bus
	sessions map[string]*Session
	order    []string
	strategy Strategy
	rrCursor int
	backlog  []string
}

func NewManager(bus *events.Bus) *Manager {
	return &Manager{
		bus:      bus,
		sessions: make(map[string]*Session),
		strategy: StrategyRoundRobin,
	}
}

// RegisterSession adds a session in Idle. An empty id gets a generated one.
// When prompts are waiting in the failure backlog, the oldest is redistributed
// right away through the configured strategy; with other sessions idle it may
// land on one of those instead of the new registrant.
func (m *Manager) RegisterSession(id string) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = "session-" + uuid.NewString()
	}

	m.mu.Lock()
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %q already registered", id)
	}
	s := &Session{
		ID:           id,
		Status:       StatusIdle,
		RegisteredAt: time.Now().UTC(),
	}
	m.sessions[id] = s
	m.order = append(m.order, id)

	var backlogPrompt string
	if len(m.backlog) > 0 {
		backlogPrompt = m.backlog[0]
		m.backlog = append([]string(nil), m.backlog[1:]...)
	}
	snapshot := s.clone()
	m.mu.Unlock()

	if backlogPrompt != "" {
		if _, err := m.DistributeTask(backlogPrompt); err != nil {
			log.Printf("distribute: backlog drain failed: %v", err)
		}
		return m.Get(id)
	}
	return snapshot, nil
}

// DistributeTask assigns prompt to one idle session picked by the configured
// strategy and transitions that session to Working. It fails with
// ErrNoAvailableSessions when the pool has no idle session.
func (m *Manager) DistributeTask(prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("prompt is required")
	}
	return m.assign(prompt, false)
}

func (m *Manager) assign(prompt string, reassigned bool) (string, error) {
	now := time.Now().UTC()

	m.mu.Lock()
	session, err := m.pickIdleLocked()
	if err != nil {
		m.mu.Unlock()
		return "", err
	}

	task := &Task{
		ID:         "task-" + uuid.NewString(),
		Prompt:     prompt,
		AssignedAt: now,
	}
	session.Task = task
	session.Status = StatusWorking
	session.AssignedCount++
	taskID := task.ID
	sessionID := session.ID
	m.mu.Unlock()

	m.bus.Publish(Topic, events.KindTaskAssigned, AssignmentEvent{
		SessionID:  sessionID,
		TaskID:     taskID,
		Prompt:     prompt,
		Reassigned: reassigned,
		At:         now,
	})
	return taskID, nil
}

func (m *Manager) pickIdleLocked() (*Session, error) {
	idle := make([]*Session, 0, len(m.order))
	for _, id := range m.order {
		if s := m.sessions[id]; s != nil && s.Status == StatusIdle {
			idle = append(idle, s)
		}
	}
	if len(idle) == 0 {
		return nil, ErrNoAvailableSessions
	}

	switch m.strategy {
	case StrategyRandom:
		return idle[rand.Intn(len(idle))], nil
	case StrategyLeastLoaded:
		// Load metric: lifetime assignment count. Ties go to the session
		// registered first.
		best := idle[0]
		for _, s := range idle[1:] {
			if s.AssignedCount < best.AssignedCount {
				best = s
			}
		}
		return best, nil
	default: // StrategyRoundRobin
		selected := idle[m.rrCursor%len(idle)]
		m.rrCursor = (m.rrCursor + 1) % len(idle)
		return selected, nil
	}
}

// HandleFailure marks the session failed. An assigned task with no completion
// timestamp is resubmitted through DistributeTask exactly once, as a brand-new
// task id carrying the same prompt. When no session is idle the prompt goes
// into the backlog and ErrNoAvailableSessions is returned; the next registered
// session picks it up.
func (m *Manager) HandleFailure(sessionID, reason string) (string, error) {
	now := time.Now().UTC()
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "session failed"
	}

	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return "", ErrSessionNotFound
	}
	orphaned := session.Task
	session.Status = StatusFailed
	session.FailureReason = reason
	session.Task = nil
	m.mu.Unlock()

	var (
		resubmit  string
		orphanID  string
		newTaskID string
		err       error
	)
	if orphaned != nil && orphaned.CompletedAt == nil {
		resubmit = orphaned.Prompt
		orphanID = orphaned.ID
	}

	if resubmit != "" {
		newTaskID, err = m.assign(resubmit, true)
		if errors.Is(err, ErrNoAvailableSessions) {
			m.mu.Lock()
			m.backlog = append(m.backlog, resubmit)
			m.mu.Unlock()
			log.Printf("distribute: no idle session for orphaned task %s, backlogged", orphanID)
		}
	}

	m.bus.Publish(Topic, events.KindSessionFailed, FailureEvent{
		SessionID:     sessionID,
		Reason:        reason,
		OrphanedTask:  orphanID,
		ResubmittedAs: newTaskID,
		At:            now,
	})
	return newTaskID, err
}

// CompleteTask stamps the session's task completed and moves the session to
// Completed.
func (m *Manager) CompleteTask(sessionID, result string) (*Session, error) {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if session.Task != nil && session.Task.CompletedAt == nil {
		session.Task.CompletedAt = &now
		session.Task.Result = strings.TrimSpace(result)
	}
	session.Status = StatusCompleted
	return session.clone(), nil
}

// UpdateStatus sets the session's status directly. Moving back to Idle clears
// the finished task so the session can take new work; moving to Completed
// stamps the task.
func (m *Manager) UpdateStatus(sessionID string, status Status) (*Session, error) {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	switch status {
	case StatusIdle:
		session.Task = nil
		session.FailureReason = ""
	case StatusCompleted:
		if session.Task != nil && session.Task.CompletedAt == nil {
			session.Task.CompletedAt = &now
		}
	}
	session.Status = status
	return session.clone(), nil
}

// Get returns a snapshot of one session.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session.clone(), nil
}

// List returns snapshots of every session in registration order.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.order))
	for _, id := range m.order {
		if s := m.sessions[id]; s != nil {
			out = append(out, s.clone())
		}
	}
	return out
}

// IdleCount reports the number of idle sessions.
func (m *Manager) IdleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusIdle {
			count++
		}
	}
	return count
}

// SetStrategy switches the placement strategy for subsequent assignments.
func (m *Manager) SetStrategy(strategy Strategy) error {
	switch strategy {
	case StrategyRoundRobin, StrategyLeastLoaded, StrategyRandom:
	default:
		return fmt.Errorf("unknown strategy %q", strategy)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategy = strategy
	m.rrCursor = 0
	return nil
}

// Strategy returns the current placement strategy.
func (m *Manager) Strategy() Strategy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.strategy
}

// Clear drops the whole pool, backlog included.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]*Session)
	m.order = nil
	m.backlog = nil
	m.rrCursor = 0
}
