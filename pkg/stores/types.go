package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a run or lease does not exist.
var ErrNotFound = errors.New("not found")

// RunStatus mirrors the terminal states of a provisioning or teardown run.
type RunStatus string

const (
	RunStatusRunning         RunStatus = "running"
	RunStatusSucceeded       RunStatus = "succeeded"
	RunStatusRolledBack      RunStatus = "rolled_back"
	RunStatusCleanupRequired RunStatus = "cleanup_required"
	RunStatusFailed          RunStatus = "failed"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s != RunStatusRunning
}

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Run is the journal record of one create or terminate invocation.
type Run struct {
	ID              string     `json:"id"`
	Action          string     `json:"action"` // create, terminate
	ServiceBaseName string     `json:"service_base_name"`
	Provider        string     `json:"provider"`
	Status          RunStatus  `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Error           *string    `json:"error,omitempty"`
	Metadata        string     `json:"metadata"` // JSON blob
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// RunResource records a resource a run created, adopted or deleted.
type RunResource struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	Sequence   int       `json:"sequence"`
	StageName  string    `json:"stage_name"`
	Kind       string    `json:"kind"`
	ResourceID string    `json:"resource_id"`
	Owned      bool      `json:"owned"`
	Attributes string    `json:"attributes"` // JSON blob
	RecordedAt time.Time `json:"recorded_at"`
}

// Event represents an append-only log event
type Event struct {
	ID        int64      `json:"id"`
	RunID     *string    `json:"run_id,omitempty"`
	Stage     *string    `json:"stage,omitempty"`
	Type      string     `json:"type"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// Lease is a time bounded single-writer claim on a name.
type Lease struct {
	Name       string    `json:"name"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Store defines the interface for the persistence layer. The journal is an
// audit record; nothing in it is read back to drive provisioning.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRunStatus(ctx context.Context, id string, status RunStatus, err *string) error
	ListRuns(ctx context.Context, serviceBaseName *string, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Resource operations
	AddRunResource(ctx context.Context, res *RunResource) error
	ListRunResources(ctx context.Context, runID string) ([]*RunResource, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID *string, level *EventLevel, limit, offset int) ([]*Event, error)

	// Lease operations
	TryAcquireLease(ctx context.Context, lease *Lease) (bool, error)
	RenewLease(ctx context.Context, name, owner string, expiresAt time.Time) error
	ReleaseLease(ctx context.Context, name, owner string) error
	DeleteLease(ctx context.Context, name string) error
	GetLease(ctx context.Context, name string) (*Lease, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
