package engine

import (
	"context"
	"maps"
	"sort"
	"time"
)

// Kind is a cloud resource kind handled by the saga.
type Kind string

const (
	KindVPC           Kind = "vpc"
	KindSubnet        Kind = "subnet"
	KindSecurityGroup Kind = "security_group"
	KindEFS           Kind = "efs"
	KindInstance      Kind = "instance"
	KindElasticIP     Kind = "elastic_ip"
	KindDNSRecord     Kind = "dns_record"
)

// CanonicalKinds lists kinds in creation order.
var CanonicalKinds = []Kind{
	KindVPC, KindSubnet, KindSecurityGroup, KindEFS, KindInstance, KindElasticIP, KindDNSRecord,
}

// TeardownOrder returns the kinds in deletion order, the reverse of CanonicalKinds.
func TeardownOrder() []Kind {
	out := make([]Kind, len(CanonicalKinds))
	for i, k := range CanonicalKinds {
		out[len(CanonicalKinds)-1-i] = k
	}
	return out
}

// Tags is a set of cloud resource tags.
type Tags map[string]string

// Clone returns a copy of the tag set.
func (t Tags) Clone() Tags {
	if t == nil {
		return nil
	}
	return maps.Clone(t)
}

// Contains reports whether every key/value of sub is present in t.
func (t Tags) Contains(sub Tags) bool {
	for k, v := range sub {
		if got, ok := t[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// Keys returns the tag keys sorted.
func (t Tags) Keys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Attributes are provider-reported properties of a live resource, for example
// "public_ip" of an elastic IP or "vpc_id" of a subnet.
type Attributes map[string]string

// ResourceHandle identifies a resource touched by a run.
type ResourceHandle struct {
	StageName  string     `json:"stage"`
	Kind       Kind       `json:"kind"`
	ID         string     `json:"id"`
	Tags       Tags       `json:"tags,omitempty"`
	Attributes Attributes `json:"attributes,omitempty"`

	// Owned is true iff this run's create call succeeded for the resource.
	// Only owned handles are ever compensated.
	Owned bool `json:"owned"`
}

// Deps gives a stage the handles of its satisfied dependencies in DependsOn order.
type Deps struct {
	handles []ResourceHandle
}

// NewDeps builds a dependency view from handles.
func NewDeps(handles ...ResourceHandle) Deps {
	return Deps{handles: handles}
}

// Get returns the handle of the named dependency stage.
func (d Deps) Get(stage string) (ResourceHandle, bool) {
	for _, h := range d.handles {
		if h.StageName == stage {
			return h, true
		}
	}
	return ResourceHandle{}, false
}

// ID returns the cloud id of the named dependency stage, or "".
func (d Deps) ID(stage string) string {
	h, _ := d.Get(stage)
	return h.ID
}

// OfKind returns dependency handles of the given kind in declaration order.
func (d Deps) OfKind(kind Kind) []ResourceHandle {
	var out []ResourceHandle
	for _, h := range d.handles {
		if h.Kind == kind {
			out = append(out, h)
		}
	}
	return out
}

// First returns the first dependency handle of the given kind.
func (d Deps) First(kind Kind) (ResourceHandle, bool) {
	for _, h := range d.handles {
		if h.Kind == kind {
			return h, true
		}
	}
	return ResourceHandle{}, false
}

// All returns every dependency handle.
func (d Deps) All() []ResourceHandle {
	return d.handles
}

// Stage is one step of a provisioning plan. Stages are immutable once the plan
// is built.
type Stage struct {
	Name      string
	Kind      Kind
	DependsOn []string

	// Tags are applied after a successful create. Untaggable kinds leave this nil.
	Tags Tags

	// Exists reports whether a matching resource is already present.
	Exists func(ctx context.Context, deps Deps) (id string, found bool, err error)

	// Create provisions the resource and returns its cloud id.
	Create func(ctx context.Context, deps Deps) (string, error)

	// Delete removes the resource. A NOT_FOUND error is treated as success.
	Delete func(ctx context.Context, id string) error

	// Tag applies Tags to a freshly created resource. Optional.
	Tag func(ctx context.Context, id string, tags Tags) error

	// Ready blocks until the created resource is usable. Optional.
	Ready func(ctx context.Context, id string) error

	// Describe returns live attributes for dependents. Optional.
	Describe func(ctx context.Context, id string) (Attributes, error)
}

// ExecutionLogEntry records a completed stage. Entries are appended only after
// a stage commits or is adopted.
type ExecutionLogEntry struct {
	Sequence  int            `json:"sequence"`
	Stage     string         `json:"stage"`
	Handle    ResourceHandle `json:"handle"`
	Timestamp time.Time      `json:"timestamp"`
}

// ExecutionLog is the ordered, append-only log of a run.
type ExecutionLog struct {
	entries []ExecutionLogEntry
}

// Append adds an entry with the next sequence number.
func (l *ExecutionLog) Append(h ResourceHandle, at time.Time) ExecutionLogEntry {
	e := ExecutionLogEntry{
		Sequence:  len(l.entries) + 1,
		Stage:     h.StageName,
		Handle:    h,
		Timestamp: at,
	}
	l.entries = append(l.entries, e)
	return e
}

// Entries returns a copy of the log in execution order.
func (l *ExecutionLog) Entries() []ExecutionLogEntry {
	return append([]ExecutionLogEntry(nil), l.entries...)
}

// Len returns the number of entries.
func (l *ExecutionLog) Len() int {
	return len(l.entries)
}

// Owned returns the owned entries in execution order.
func (l *ExecutionLog) Owned() []ExecutionLogEntry {
	var out []ExecutionLogEntry
	for _, e := range l.entries {
		if e.Handle.Owned {
			out = append(out, e)
		}
	}
	return out
}

// ProvisioningRun holds the transient state of one executor invocation.
type ProvisioningRun struct {
	ID              string                `json:"id"`
	ServiceBaseName string                `json:"service_base_name"`
	Status          RunStatus             `json:"status"`
	States          map[string]StageState `json:"states"`
	StartedAt       time.Time             `json:"started_at"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
	Report          *CleanupReport        `json:"report,omitempty"`
	Error           string                `json:"error,omitempty"`

	Plan *Plan         `json:"-"`
	Log  *ExecutionLog `json:"-"`
}

// Handles returns the handles of every logged stage in execution order.
func (r *ProvisioningRun) Handles() []ResourceHandle {
	entries := r.Log.Entries()
	out := make([]ResourceHandle, len(entries))
	for i, e := range entries {
		out[i] = e.Handle
	}
	return out
}

// Event is one entry of the user-visible run timeline.
type Event struct {
	ID         string                 `json:"id"`
	Type       EventType              `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	RunID      string                 `json:"run_id"`
	Stage      string                 `json:"stage,omitempty"`
	Kind       Kind                   `json:"kind,omitempty"`
	ResourceID string                 `json:"resource_id,omitempty"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Level      string                 `json:"level"`
}
