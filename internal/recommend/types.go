package recommend

import "time"

// Source identifies which producer proposed an action.
type Source string

const (
	SourcePrimaryAssistant Source = "primary_assistant"
	SourceCodingAgent      Source = "coding_agent"
	SourceMonitor          Source = "monitor"
	SourceOther            Source = "other"
)

// SessionKey scopes recommendation and usage state to one agent session.
type SessionKey struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
}

// Topic is the event-bus topic form of the key.
func (k SessionKey) Topic() string {
	return k.AgentID + "/" + k.SessionID
}

// Recommendation is one proposed action awaiting accept/reject.
type Recommendation struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	SessionID    string    `json:"session_id"`
	Source       Source    `json:"source"`
	Text         string    `json:"text"`
	Command      string    `json:"command,omitempty"`
	Confidence   float64   `json:"confidence,omitempty"`
	InputEcho    string    `json:"input_echo,omitempty"`
	Executed     bool      `json:"executed"`
	Denied       bool      `json:"denied"`
	AutoApproved bool      `json:"auto_approved"`
	FinalText    string    `json:"final_text,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (r Recommendation) Key() SessionKey {
	return SessionKey{AgentID: r.AgentID, SessionID: r.SessionID}
}

// Terminal reports whether the recommendation reached a state from which no
// further transition occurs.
func (r Recommendation) Terminal() bool {
	return r.Executed || r.Denied
}

// SessionConfig is per-key vetting configuration.
type SessionConfig struct {
	Enabled     bool `json:"enabled"`
	AutoApprove bool `json:"auto_approve"`
}

// ConfigPatch carries partial configuration updates; nil fields are left
// unchanged.
type ConfigPatch struct {
	Enabled     *bool `json:"enabled,omitempty"`
	AutoApprove *bool `json:"auto_approve,omitempty"`
}

// TokenUsage tracks running per-session counters. Counters only grow until an
// explicit reset.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	RequestCount     int64 `json:"request_count"`
}

// AddRequest is the ingestion payload for a new recommendation.
type AddRequest struct {
	ID         string  `json:"id,omitempty"`
	Source     Source  `json:"source"`
	Text       string  `json:"text"`
	Command    string  `json:"command,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	InputEcho  string  `json:"input_echo,omitempty"`
}

// RecommendationEvent is published on the bus when a recommendation is added.
// It carries the new item plus a full snapshot of the session's list so every
// observer converges on the same view.
type RecommendationEvent struct {
	Key             SessionKey       `json:"key"`
	Recommendation  Recommendation   `json:"recommendation"`
	Recommendations []Recommendation `json:"recommendations"`
	At              time.Time        `json:"at"`
}

// DecisionEvent is published when a recommendation reaches a terminal state.
type DecisionEvent struct {
	Key              SessionKey `json:"key"`
	RecommendationID string     `json:"recommendation_id"`
	Approved         bool       `json:"approved"`
	AutoApproved     bool       `json:"auto_approved"`
	FinalText        string     `json:"final_text,omitempty"`
	At               time.Time  `json:"at"`
}

// UsageEvent is published after usage counters change.
type UsageEvent struct {
	Key   SessionKey `json:"key"`
	Usage TokenUsage `json:"usage"`
	At    time.Time  `json:"at"`
}

// ConfigEvent is published after session configuration changes.
type ConfigEvent struct {
	Key    SessionKey    `json:"key"`
	Config SessionConfig `json:"config"`
	At     time.Time     `json:"at"`
}
