package distribute

import (
	"errors"
	"testing"

	"github.com/lcastelli/warden/internal/events"
)

func newTestManager() *Manager {
	return NewManager(events.NewBus())
}

func TestDistributeNoAvailableSessions(t *testing.T) {
	m := newTestManager()
	if _, err := m.DistributeTask("build project"); !errors.Is(err, ErrNoAvailableSessions) {
		t.Fatalf("DistributeTask() error = %v, want ErrNoAvailableSessions", err)
	}
}

func TestDistributeRoundRobinCoversEveryIdleSession(t *testing.T) {
	m := newTestManager()
	ids := []string{"s1", "s2", "s3", "s4"}
	for _, id := range ids {
		if _, err := m.RegisterSession(id); err != nil {
			t.Fatalf("RegisterSession(%s) error = %v", id, err)
		}
	}

	assigned := map[string]bool{}
	for i := range ids {
		if _, err := m.DistributeTask("task"); err != nil {
			t.Fatalf("DistributeTask(%d) error = %v", i, err)
		}
	}
	for _, s := range m.List() {
		if s.Task != nil {
			assigned[s.ID] = true
		}
	}
	if len(assigned) != len(ids) {
		t.Fatalf("tasks landed on %d distinct sessions, want %d", len(assigned), len(ids))
	}
}

func TestDistributeLeastLoadedPrefersColdSession(t *testing.T) {
	m := newTestManager()
	if err := m.SetStrategy(StrategyLeastLoaded); err != nil {
		t.Fatalf("SetStrategy() error = %v", err)
	}
	_, _ = m.RegisterSession("veteran")
	_, _ = m.RegisterSession("rookie")

	// Give the veteran history, then return it to the pool.
	if _, err := m.DistributeTask("warmup"); err != nil {
		t.Fatalf("DistributeTask(warmup) error = %v", err)
	}
	if _, err := m.UpdateStatus("veteran", StatusIdle); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	if _, err := m.DistributeTask("real work"); err != nil {
		t.Fatalf("DistributeTask(real work) error = %v", err)
	}
	rookie, _ := m.Get("rookie")
	if rookie.Task == nil {
		t.Fatalf("least-loaded did not pick the unworked session")
	}
}

func TestDistributeLeastLoadedTieBreaksByRegistrationOrder(t *testing.T) {
	m := newTestManager()
	_ = m.SetStrategy(StrategyLeastLoaded)
	_, _ = m.RegisterSession("first")
	_, _ = m.RegisterSession("second")

	if _, err := m.DistributeTask("work"); err != nil {
		t.Fatalf("DistributeTask() error = %v", err)
	}
	first, _ := m.Get("first")
	if first.Task == nil {
		t.Fatalf("tie was not broken in favor of the first registered session")
	}
}

func TestHandleFailureResubmitsIncompleteTaskOnce(t *testing.T) {
	m := newTestManager()
	_, _ = m.RegisterSession("s1")
	_, _ = m.RegisterSession("s2")

	t1, err := m.DistributeTask("build project")
	if err != nil {
		t.Fatalf("DistributeTask() error = %v", err)
	}
	s1, _ := m.Get("s1")
	if s1.Status != StatusWorking || s1.Task == nil {
		t.Fatalf("s1 = %+v, want working with task", s1)
	}

	t2, err := m.HandleFailure("s1", "crashed")
	if err != nil {
		t.Fatalf("HandleFailure() error = %v", err)
	}
	if t2 == "" || t2 == t1 {
		t.Fatalf("resubmitted task id = %q, want fresh id distinct from %q", t2, t1)
	}

	failed, _ := m.Get("s1")
	if failed.Status != StatusFailed || failed.Task != nil {
		t.Fatalf("failed session = %+v", failed)
	}
	s2, _ := m.Get("s2")
	if s2.Task == nil || s2.Task.ID != t2 {
		t.Fatalf("s2 did not receive resubmitted task: %+v", s2.Task)
	}
	if s2.Task.Prompt != "build project" {
		t.Fatalf("resubmitted prompt = %q, want original prompt", s2.Task.Prompt)
	}
}

func TestHandleFailureSkipsCompletedTask(t *testing.T) {
	m := newTestManager()
	_, _ = m.RegisterSession("s1")
	_, _ = m.RegisterSession("s2")

	if _, err := m.DistributeTask("build project"); err != nil {
		t.Fatalf("DistributeTask() error = %v", err)
	}
	if _, err := m.CompleteTask("s1", "done"); err != nil {
		t.Fatalf("CompleteTask() error = %v", err)
	}

	newID, err := m.HandleFailure("s1", "crashed")
	if err != nil {
		t.Fatalf("HandleFailure() error = %v", err)
	}
	if newID != "" {
		t.Fatalf("completed task was resubmitted as %q", newID)
	}
	s2, _ := m.Get("s2")
	if s2.Task != nil {
		t.Fatalf("s2 received a task for completed work: %+v", s2.Task)
	}
}

func TestHandleFailureBacklogsWhenPoolIsEmpty(t *testing.T) {
	m := newTestManager()
	_, _ = m.RegisterSession("s1")

	if _, err := m.DistributeTask("build project"); err != nil {
		t.Fatalf("DistributeTask() error = %v", err)
	}
	newID, err := m.HandleFailure("s1", "crashed")
	if !errors.Is(err, ErrNoAvailableSessions) {
		t.Fatalf("HandleFailure() error = %v, want ErrNoAvailableSessions", err)
	}
	if newID != "" {
		t.Fatalf("task id = %q with empty pool, want empty", newID)
	}

	// A newly registered session drains the backlog.
	fresh, err := m.RegisterSession("s2")
	if err != nil {
		t.Fatalf("RegisterSession() error = %v", err)
	}
	if fresh.Task == nil || fresh.Task.Prompt != "build project" {
		t.Fatalf("backlogged prompt not drained onto new session: %+v", fresh.Task)
	}
}

func TestRegisterSessionRejectsDuplicateID(t *testing.T) {
	m := newTestManager()
	if _, err := m.RegisterSession("s1"); err != nil {
		t.Fatalf("RegisterSession() error = %v", err)
	}
	if _, err := m.RegisterSession("s1"); err == nil {
		t.Fatalf("duplicate RegisterSession() succeeded, want error")
	}
}

func TestUpdateStatusIdleClearsTask(t *testing.T) {
	m := newTestManager()
	_, _ = m.RegisterSession("s1")
	if _, err := m.DistributeTask("work"); err != nil {
		t.Fatalf("DistributeTask() error = %v", err)
	}

	s, err := m.UpdateStatus("s1", StatusIdle)
	if err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if s.Task != nil || s.Status != StatusIdle {
		t.Fatalf("session after idle = %+v", s)
	}
	if m.IdleCount() != 1 {
		t.Fatalf("IdleCount = %d, want 1", m.IdleCount())
	}
}

func TestSetStrategyRejectsUnknown(t *testing.T) {
	m := newTestManager()
	if err := m.SetStrategy(Strategy("fastest")); err == nil {
		t.Fatalf("SetStrategy(fastest) succeeded, want error")
	}
	if got := m.Strategy(); got != StrategyRoundRobin {
		t.Fatalf("Strategy() = %q after rejected set, want round_robin", got)
	}
}

func TestRandomStrategyPicksAnIdleSession(t *testing.T) {
	m := newTestManager()
	_ = m.SetStrategy(StrategyRandom)
	_, _ = m.RegisterSession("s1")
	_, _ = m.RegisterSession("s2")

	if _, err := m.DistributeTask("work"); err != nil {
		t.Fatalf("DistributeTask() error = %v", err)
	}
	var working int
	for _, s := range m.List() {
		if s.Status == StatusWorking {
			working++
		}
	}
	if working != 1 {
		t.Fatalf("working sessions = %d, want 1", working)
	}
}
