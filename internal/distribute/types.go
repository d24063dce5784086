package distribute

import "time"

// Status is a worker session's position in the Idle -> Working ->
// {Completed, Failed} machine.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusWorking   Status = "working"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Session is one worker in the distribution pool. A session holds at most one
// task at a time.
type Session struct {
	ID            string    `json:"id"`
	Status        Status    `json:"status"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Task          *Task     `json:"task,omitempty"`
	AssignedCount int       `json:"assigned_count"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// Task is one unit of work. Task identity does not survive reassignment: an
// orphaned task is resubmitted under a fresh id carrying only the prompt.
type Task struct {
	ID          string     `json:"id"`
	Prompt      string     `json:"prompt"`
	AssignedAt  time.Time  `json:"assigned_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      string     `json:"result,omitempty"`
}

// Strategy selects which idle session receives a new task.
type Strategy string

const (
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyLeastLoaded Strategy = "least_loaded"
	StrategyRandom      Strategy = "random"
)

// AssignmentEvent is published when a task lands on a session.
type AssignmentEvent struct {
	SessionID  string    `json:"session_id"`
	TaskID     string    `json:"task_id"`
	Prompt     string    `json:"prompt"`
	Reassigned bool      `json:"reassigned"`
	At         time.Time `json:"at"`
}

// FailureEvent is published when a session is marked failed.
type FailureEvent struct {
	SessionID     string    `json:"session_id"`
	Reason        string    `json:"reason"`
	OrphanedTask  string    `json:"orphaned_task,omitempty"`
	ResubmittedAs string    `json:"resubmitted_as,omitempty"`
	At            time.Time `json:"at"`
}

func (s *Session) clone() *Session {
	out := *s
	if s.Task != nil {
		task := *s.Task
		out.Task = &task
	}
	return &out
}
