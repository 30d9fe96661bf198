package engine

import (
	"encoding/json"
	"fmt"
)

// StageState is the lifecycle state of one stage within a provisioning run.
//
//	not_checked -> pre_existing -> committed (never rolled back)
//	not_checked -> created -> committed -> rolled_back
//	not_checked -> failed
type StageState string

const (
	// StageStateNotChecked means the existence oracle has not been consulted yet.
	StageStateNotChecked StageState = "not_checked"

	// StageStatePreExisting means the resource was found and adopted, not owned.
	StageStatePreExisting StageState = "pre_existing"

	// StageStateCreated means this run's create call succeeded and the resource is owned.
	StageStateCreated StageState = "created"

	// StageStateCommitted means the stage finished tagging, waiting and describing.
	StageStateCommitted StageState = "committed"

	// StageStateRolledBack means the owned resource was deleted during compensation.
	StageStateRolledBack StageState = "rolled_back"

	// StageStateFailed means the stage broke the saga.
	StageStateFailed StageState = "failed"

	// StageStateSkipped means the run ended before the stage was reached.
	StageStateSkipped StageState = "skipped"
)

// IsSatisfied reports whether dependents may proceed on this stage.
func (s StageState) IsSatisfied() bool {
	return s == StageStateCommitted || s == StageStatePreExisting
}

// IsTerminal returns true if no further transition can happen within the run.
func (s StageState) IsTerminal() bool {
	return s == StageStatePreExisting || s == StageStateRolledBack ||
		s == StageStateFailed || s == StageStateSkipped
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s StageState) CanTransition(next StageState) bool {
	switch s {
	case StageStateNotChecked:
		return next == StageStatePreExisting || next == StageStateCreated ||
			next == StageStateFailed || next == StageStateSkipped
	case StageStateCreated:
		return next == StageStateCommitted || next == StageStateRolledBack || next == StageStateFailed
	case StageStateCommitted:
		return next == StageStateRolledBack
	case StageStateFailed:
		// the failed stage may still own an in-flight resource that gets compensated
		return next == StageStateRolledBack
	default:
		return false
	}
}

// Validate checks if the stage state is valid.
func (s StageState) Validate() error {
	switch s {
	case StageStateNotChecked, StageStatePreExisting, StageStateCreated,
		StageStateCommitted, StageStateRolledBack, StageStateFailed, StageStateSkipped:
		return nil
	default:
		return fmt.Errorf("invalid stage state: %s", s)
	}
}

// RunStatus represents the overall status of a provisioning or teardown run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusRolledBack means the run failed and every owned resource was removed.
	RunStatusRolledBack RunStatus = "rolled_back"

	// RunStatusCleanupRequired means the run failed and compensation left resources behind.
	RunStatusCleanupRequired RunStatus = "cleanup_required"

	// RunStatusFailed is used by teardown when some deletes failed.
	RunStatusFailed RunStatus = "failed"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusRolledBack ||
		s == RunStatusCleanupRequired || s == RunStatusFailed
}

// IsActive returns true if the run is pending or running.
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusRolledBack, RunStatusCleanupRequired, RunStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// EventType identifies an entry in the ordered run timeline.
type EventType string

const (
	EventTypeRunStarted       EventType = "run_started"
	EventTypeRunCompleted     EventType = "run_completed"
	EventTypeRunFailed        EventType = "run_failed"
	EventTypeStageStarted     EventType = "stage_started"
	EventTypeStageAdopted     EventType = "stage_adopted"
	EventTypeStageCreated     EventType = "stage_created"
	EventTypeStageFailed      EventType = "stage_failed"
	EventTypeRollbackStarted  EventType = "rollback_started"
	EventTypeStageRolledBack  EventType = "stage_rolled_back"
	EventTypeRollbackFailed   EventType = "rollback_failed"
	EventTypeResourceDeleted  EventType = "resource_deleted"
	EventTypeTeardownStarted  EventType = "teardown_started"
	EventTypeTeardownFinished EventType = "teardown_finished"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeRunFailed, EventTypeStageFailed, EventTypeRollbackFailed:
		return "error"
	case EventTypeRollbackStarted:
		return "warning"
	default:
		return "info"
	}
}
