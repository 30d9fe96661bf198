// Package memory implements an in-process cloud used for dry runs and tests.
// It models parent/child relations, so deleting a VPC that still has subnets
// fails like it would on a real cloud, and it supports fault injection.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cloudsaga/cloudsaga/pkg/engine"
	"github.com/cloudsaga/cloudsaga/pkg/tags"
)

// Faults injects failures into the provider.
type Faults struct {
	// CreateErrors fails Create for the named resources.
	CreateErrors map[string]error

	// DeleteErrors fails Delete for the named resources.
	DeleteErrors map[string]error

	// NeverReady makes Wait time out for these resource names.
	NeverReady map[string]bool

	// TagLag makes the first N Tag calls per resource return NOT_FOUND.
	TagLag int
}

// Config injects failures into dry runs, by stage name.
type Config struct {
	// FailCreate lists stages whose create fails.
	FailCreate []string `yaml:"fail_create,omitempty" json:"fail_create,omitempty"`

	// FailDelete lists stages whose delete fails.
	FailDelete []string `yaml:"fail_delete,omitempty" json:"fail_delete,omitempty"`
}

// Faults turns the configured stage names into permanent injected errors.
func (c Config) Faults() Faults {
	f := Faults{
		CreateErrors: make(map[string]error, len(c.FailCreate)),
		DeleteErrors: make(map[string]error, len(c.FailDelete)),
	}
	for _, name := range c.FailCreate {
		f.CreateErrors[name] = engine.NewPermanentError("injected create failure", nil).
			WithResource(name).WithCode(engine.ErrCodeProviderFailed)
	}
	for _, name := range c.FailDelete {
		f.DeleteErrors[name] = engine.NewPermanentError("injected delete failure", nil).
			WithResource(name).WithCode(engine.ErrCodeProviderFailed)
	}
	return f
}

// Resource is a resource held by the provider.
type Resource struct {
	Kind    engine.Kind
	ID      string
	Name    string
	Tags    engine.Tags
	Params  map[string]string
	Parents []string
	State   string

	tagAttempts int
}

// Provider is an in-memory engine.ResourceProvider.
type Provider struct {
	mu        sync.Mutex
	seq       int
	resources []*Resource
	faults    Faults
	calls     []string
	logger    zerolog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithFaults sets the injected failures.
func WithFaults(f Faults) Option {
	return func(p *Provider) { p.faults = f }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// New creates an empty in-memory cloud.
func New(opts ...Option) *Provider {
	p := &Provider{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements engine.ResourceProvider.
func (p *Provider) Name() string { return "memory" }

// Kinds implements engine.ResourceProvider.
func (p *Provider) Kinds() []engine.Kind { return engine.CanonicalKinds }

// Create implements engine.ResourceProvider.
func (p *Provider) Create(_ context.Context, in engine.StageInput) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "create:"+in.Name)

	if err := p.faults.CreateErrors[in.Name]; err != nil {
		return "", err
	}

	var parents []string
	for _, h := range in.Deps.All() {
		if p.find(h.ID) == nil {
			return "", engine.NewNotFoundError(fmt.Sprintf("%s %s not found", h.Kind, h.ID), nil).
				WithResource(in.Name).WithOperation("create")
		}
		parents = append(parents, h.ID)
	}

	if cidr := in.Params["cidr"]; cidr != "" && in.Kind == engine.KindSubnet {
		for _, r := range p.resources {
			if r.Kind == engine.KindSubnet && r.Params["cidr"] == cidr && sameParent(r.Parents, parents) {
				return "", engine.NewAlreadyExistsError("subnet CIDR "+cidr+" conflicts with "+r.ID, nil).
					WithResource(in.Name).WithProviderCode("InvalidSubnet.Conflict")
			}
		}
	}

	p.seq++
	r := &Resource{
		Kind:    in.Kind,
		ID:      fmt.Sprintf("%s-%04d", kindPrefix(in.Kind), p.seq),
		Name:    in.Name,
		Params:  copyParams(in.Params),
		Parents: parents,
		State:   "available",
	}
	// tags are applied by the follow-up Tag call
	p.resources = append(p.resources, r)
	p.logger.Debug().Str("kind", string(r.Kind)).Str("id", r.ID).Msg("created")
	return r.ID, nil
}

// List implements engine.ResourceProvider. Resources without tags (dns records)
// match on name instead.
func (p *Provider) List(_ context.Context, q engine.Query) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ids []string
	for _, r := range p.resources {
		if r.Kind != q.Kind {
			continue
		}
		if !taggable(r.Kind) {
			if !p.matchUntagged(r, q) {
				continue
			}
		} else if len(q.Tags) == 0 || !r.Tags.Contains(q.Tags) {
			continue
		}
		if cidr := q.Params["cidr"]; cidr != "" && r.Params["cidr"] != "" && r.Params["cidr"] != cidr {
			continue
		}
		ids = append(ids, r.ID)
	}
	return ids, nil
}

func (p *Provider) matchUntagged(r *Resource, q engine.Query) bool {
	if q.Name != "" {
		return r.Name == q.Name && r.Params["record_name"] == q.Params["record_name"]
	}
	return tags.OwnsRecord(q.Params["service_base_name"], q.Params["dns_zone"], r.Params["record_name"])
}

// Describe implements engine.ResourceProvider.
func (p *Provider) Describe(_ context.Context, kind engine.Kind, id string) (engine.Attributes, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.find(id)
	if r == nil {
		return nil, engine.NewNotFoundError(fmt.Sprintf("%s %s not found", kind, id), nil)
	}
	attrs := engine.Attributes{"id": r.ID, "state": r.State}
	for k, v := range r.Params {
		attrs[k] = v
	}
	switch r.Kind {
	case engine.KindInstance:
		attrs["private_ip"] = fmt.Sprintf("10.0.0.%d", r.seqNumber()%250+4)
		attrs["public_ip"] = fmt.Sprintf("198.51.100.%d", r.seqNumber()%250+1)
	case engine.KindElasticIP:
		attrs["public_ip"] = fmt.Sprintf("203.0.113.%d", r.seqNumber()%250+1)
	case engine.KindEFS:
		attrs["dns_name"] = r.ID + ".efs.local"
	}
	if len(r.Parents) > 0 {
		attrs["parents"] = strings.Join(r.Parents, ",")
	}
	return attrs, nil
}

// Tag implements engine.ResourceProvider.
func (p *Provider) Tag(_ context.Context, kind engine.Kind, id string, tags engine.Tags) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "tag:"+id)

	if !taggable(kind) {
		return nil
	}
	r := p.find(id)
	if r == nil {
		return engine.NewNotFoundError(fmt.Sprintf("%s %s not found", kind, id), nil)
	}
	if r.tagAttempts < p.faults.TagLag {
		r.tagAttempts++
		return engine.NewNotFoundError(fmt.Sprintf("%s %s not visible yet", kind, id), nil)
	}
	if r.Tags == nil {
		r.Tags = engine.Tags{}
	}
	for k, v := range tags {
		r.Tags[k] = v
	}
	return nil
}

// Wait implements engine.ResourceProvider.
func (p *Provider) Wait(ctx context.Context, kind engine.Kind, id string, cond engine.Condition, opts engine.WaitOptions) error {
	return engine.WaitFor(ctx, func(context.Context) (bool, error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		r := p.find(id)
		if cond == engine.ConditionDeleted {
			return r == nil, nil
		}
		if r == nil {
			return false, engine.NewNotFoundError(fmt.Sprintf("%s %s not found", kind, id), nil)
		}
		if p.faults.NeverReady[r.Name] {
			return false, nil
		}
		return r.State == "available", nil
	}, opts)
}

// Delete implements engine.ResourceProvider. A resource that still has live
// children fails with a retryable conflict.
func (p *Provider) Delete(_ context.Context, kind engine.Kind, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "delete:"+id)

	r := p.find(id)
	if r == nil {
		return engine.NewNotFoundError(fmt.Sprintf("%s %s not found", kind, id), nil)
	}
	if err := p.faults.DeleteErrors[r.Name]; err != nil {
		return err
	}
	for _, other := range p.resources {
		for _, parent := range other.Parents {
			if parent == id {
				return engine.NewConflictError(
					fmt.Sprintf("%s %s has dependent %s %s", kind, id, other.Kind, other.ID), nil,
				).WithProviderCode("DependencyViolation")
			}
		}
	}
	for i, res := range p.resources {
		if res.ID == id {
			p.resources = append(p.resources[:i], p.resources[i+1:]...)
			break
		}
	}
	p.logger.Debug().Str("kind", string(kind)).Str("id", id).Msg("deleted")
	return nil
}

// Seed adds a resource directly, as if created by someone else.
func (p *Provider) Seed(kind engine.Kind, name string, tags engine.Tags, params map[string]string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	r := &Resource{
		Kind:   kind,
		ID:     fmt.Sprintf("%s-%04d", kindPrefix(kind), p.seq),
		Name:   name,
		Tags:   tags.Clone(),
		Params: copyParams(params),
		State:  "available",
	}
	p.resources = append(p.resources, r)
	return r.ID
}

// Resources returns a snapshot of live resources sorted by id.
func (p *Provider) Resources() []Resource {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Resource, 0, len(p.resources))
	for _, r := range p.resources {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Calls returns the recorded mutating calls, e.g. "create:vpc" or "delete:vpc-0001".
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *Provider) find(id string) *Resource {
	for _, r := range p.resources {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (r *Resource) seqNumber() int {
	var n int
	if i := strings.LastIndex(r.ID, "-"); i >= 0 {
		fmt.Sscanf(r.ID[i+1:], "%d", &n)
	}
	return n
}

func taggable(k engine.Kind) bool {
	return k != engine.KindDNSRecord
}

func kindPrefix(k engine.Kind) string {
	switch k {
	case engine.KindVPC:
		return "vpc"
	case engine.KindSubnet:
		return "subnet"
	case engine.KindSecurityGroup:
		return "sg"
	case engine.KindEFS:
		return "fs"
	case engine.KindInstance:
		return "i"
	case engine.KindElasticIP:
		return "eipalloc"
	case engine.KindDNSRecord:
		return "rr"
	default:
		return string(k)
	}
}

func sameParent(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	return a[0] == b[0]
}

func copyParams(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
