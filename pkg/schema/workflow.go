package schema

import "time"

// Role identifies a node in the tutoring workflow graph.
type Role string

const (
	RoleOrchestrator Role = "orchestrator"
	RoleTutor        Role = "tutor"
	RoleCritic       Role = "critic"
	RoleCoach        Role = "coach"
	RoleResearcher   Role = "researcher"
	RoleTerminal     Role = "terminal"
)

// RoleLearner tags history entries carrying the learner's own input.
// It is not a workflow node and cannot have a capability.
const RoleLearner Role = "learner"

// AllRoles lists every role a capability may be registered for.
// RoleTerminal is absorbing and has no capability.
var AllRoles = []Role{RoleOrchestrator, RoleTutor, RoleCritic, RoleCoach, RoleResearcher}

// Valid reports whether r names a known role (including terminal).
func (r Role) Valid() bool {
	switch r {
	case RoleOrchestrator, RoleTutor, RoleCritic, RoleCoach, RoleResearcher, RoleTerminal:
		return true
	}
	return false
}

// WorkflowStatus represents the lifecycle state of a workflow instance.
type WorkflowStatus string

const (
	StatusActive    WorkflowStatus = "active"
	StatusCompleted WorkflowStatus = "completed"
	StatusCancelled WorkflowStatus = "cancelled"
	StatusExpired   WorkflowStatus = "expired"
)

// Terminal reports whether no further transitions are permitted.
func (s WorkflowStatus) Terminal() bool {
	return s != StatusActive
}

// ValidStatusTransitions defines the allowed lifecycle transitions.
// Completed, cancelled and expired are absorbing.
var ValidStatusTransitions = map[WorkflowStatus][]WorkflowStatus{
	StatusActive:    {StatusCompleted, StatusCancelled, StatusExpired},
	StatusCompleted: {},
	StatusCancelled: {},
	StatusExpired:   {},
}

// IsValidStatusTransition reports whether from -> to is an allowed transition.
func IsValidStatusTransition(from, to WorkflowStatus) bool {
	for _, a := range ValidStatusTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// Known workflow types shipped with the built-in definitions.
const (
	WorkflowPathCreation = "path_creation"
	WorkflowQuizSession  = "quiz_session"
	WorkflowExplanation  = "explanation"
)

// Message is one entry in a workflow instance's conversation history.
// History is append-only: entries are never mutated or reordered.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// WorkflowSnapshot is the full persisted state of one workflow instance.
// Snapshots are passed by value through the engine: every committed
// transition produces a new snapshot with Version incremented by exactly 1.
type WorkflowSnapshot struct {
	InstanceID   string         `json:"instance_id"`
	WorkflowType string         `json:"workflow_type"`
	ActiveRole   Role           `json:"active_role"`
	Variables    map[string]any `json:"variables"`
	History      []Message      `json:"history"`
	HopCount     int            `json:"hop_count"`
	Version      int64          `json:"version"`
	Status       WorkflowStatus `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
}

// Clone returns a deep copy of the snapshot. The engine mutates only
// clones; the loaded snapshot is never written through.
func (s *WorkflowSnapshot) Clone() *WorkflowSnapshot {
	out := *s
	if s.Variables != nil {
		out.Variables = make(map[string]any, len(s.Variables))
		for k, v := range s.Variables {
			out.Variables[k] = v
		}
	}
	if s.History != nil {
		out.History = make([]Message, len(s.History))
		copy(out.History, s.History)
	}
	return &out
}

// Delta is the structured result a capability returns for one turn.
type Delta struct {
	NewVariables map[string]any `json:"new_variables,omitempty"`
	Message      string         `json:"message"`
	NextRole     Role           `json:"next_role,omitempty"`
	Terminal     bool           `json:"terminal,omitempty"`
	// ReturnToPrevious asks the handoff controller to route back to the
	// most recent distinct role in history instead of NextRole.
	ReturnToPrevious bool `json:"return_to_previous,omitempty"`
}

// TurnResult is what the engine hands back to the caller for one turn.
type TurnResult struct {
	Message  string            `json:"message"`
	Snapshot *WorkflowSnapshot `json:"snapshot"`
}

// VarEmergencyIntervention is set to true in Variables when the hop ceiling
// forces a reroute to the orchestrator.
const VarEmergencyIntervention = "emergency_intervention"
