package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeResource is a resource held by fakeCloud.
type fakeResource struct {
	kind Kind
	id   string
	tags Tags
}

// fakeCloud is an in-package ResourceProvider used by the executor tests.
type fakeCloud struct {
	mu        sync.Mutex
	seq       int
	resources []*fakeResource
	calls     []string

	createErr   map[string]error
	deleteErr   map[string]error
	waitErr     map[Kind]error
	tagNotFound int
	kinds       []Kind

	// onCreate runs before a create is applied, for example to cancel a context
	onCreate func(name string)
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		createErr: make(map[string]error),
		deleteErr: make(map[string]error),
		waitErr:   make(map[Kind]error),
		kinds:     CanonicalKinds,
	}
}

func (c *fakeCloud) Name() string { return "fake" }

func (c *fakeCloud) Kinds() []Kind { return c.kinds }

func (c *fakeCloud) seed(kind Kind, tags Tags) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	id := fmt.Sprintf("%s-%d", kind, c.seq)
	c.resources = append(c.resources, &fakeResource{kind: kind, id: id, tags: tags.Clone()})
	return id
}

func (c *fakeCloud) Create(_ context.Context, in StageInput) (string, error) {
	if c.onCreate != nil {
		c.onCreate(in.Name)
	}
	c.mu.Lock()
	c.calls = append(c.calls, "create:"+in.Name)
	err := c.createErr[in.Name]
	c.mu.Unlock()
	if err != nil {
		return "", err
	}
	// tags are applied by the Tag call, like providers without tag-on-create
	return c.seed(in.Kind, nil), nil
}

func (c *fakeCloud) List(_ context.Context, q Query) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for _, r := range c.resources {
		if r.kind == q.Kind && r.tags.Contains(q.Tags) {
			ids = append(ids, r.id)
		}
	}
	return ids, nil
}

func (c *fakeCloud) Describe(_ context.Context, kind Kind, id string) (Attributes, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.find(id) == nil {
		return nil, NewNotFoundError(string(kind)+" "+id+" not found", nil)
	}
	return Attributes{"id": id}, nil
}

func (c *fakeCloud) Tag(_ context.Context, kind Kind, id string, tags Tags) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "tag:"+id)
	if c.tagNotFound > 0 {
		c.tagNotFound--
		return NewNotFoundError(string(kind)+" "+id+" not visible yet", nil)
	}
	r := c.find(id)
	if r == nil {
		return NewNotFoundError(string(kind)+" "+id+" not found", nil)
	}
	if r.tags == nil {
		r.tags = Tags{}
	}
	for k, v := range tags {
		r.tags[k] = v
	}
	return nil
}

func (c *fakeCloud) Wait(_ context.Context, kind Kind, _ string, _ Condition, _ WaitOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitErr[kind]
}

func (c *fakeCloud) Delete(_ context.Context, kind Kind, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "delete:"+id)
	if err := c.deleteErr[id]; err != nil {
		return err
	}
	for i, r := range c.resources {
		if r.id == id {
			c.resources = append(c.resources[:i], c.resources[i+1:]...)
			return nil
		}
	}
	return NewNotFoundError(string(kind)+" "+id+" not found", nil)
}

func (c *fakeCloud) find(id string) *fakeResource {
	for _, r := range c.resources {
		if r.id == id {
			return r
		}
	}
	return nil
}

func (c *fakeCloud) callsWithPrefix(prefix string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, call := range c.calls {
		if len(call) >= len(prefix) && call[:len(prefix)] == prefix {
			out = append(out, call[len(prefix):])
		}
	}
	return out
}

func (c *fakeCloud) count(kind Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.resources {
		if r.kind == kind {
			n++
		}
	}
	return n
}

// recordingPublisher keeps every published event in order.
type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev *Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *ev)
	return nil
}

func (p *recordingPublisher) ofType(t EventType) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

const testBaseName = "sbn"

func ownership() Tags {
	return Tags{testBaseName + "-tag": testBaseName}
}

func selectorFor(name string) Tags {
	return Tags{testBaseName + "-tag": testBaseName, "Name": testBaseName + ":" + name}
}

func tagsFor(name string) Tags {
	t := selectorFor(name)
	t["billing"] = "team-a"
	return t
}

type stageDecl struct {
	name string
	kind Kind
	deps []string
}

// standardChain is vpc <- {subnet, sg} <- instance.
func standardChain() []stageDecl {
	return []stageDecl{
		{name: "vpc", kind: KindVPC},
		{name: "subnet", kind: KindSubnet, deps: []string{"vpc"}},
		{name: "sg", kind: KindSecurityGroup, deps: []string{"vpc"}},
		{name: "instance", kind: KindInstance, deps: []string{"subnet", "sg"}},
	}
}

func buildPlan(t *testing.T, cloud *fakeCloud, decls []stageDecl, opts ...OracleOption) *Plan {
	t.Helper()
	oracle := NewExistenceOracle(cloud, opts...)
	b := NewPlanBuilder()
	for _, d := range decls {
		b.AddStage(NewProviderStage(cloud, oracle, ProviderStage{
			Name:      d.name,
			Kind:      d.kind,
			DependsOn: d.deps,
			Tags:      tagsFor(d.name),
			Selector:  selectorFor(d.name),
			Wait:      &WaitOptions{Interval: time.Millisecond, Timeout: time.Second},
		}))
	}
	plan, err := b.Build()
	if err != nil {
		t.Fatalf("Expected no error building plan, got: %v", err)
	}
	return plan
}

func fastRetry() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     4,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxElapsed:      time.Second,
	}
}

func newTestExecutor(pub EventPublisher) *SagaExecutor {
	opts := []ExecutorOption{WithRetryPolicy(fastRetry()), WithRollbackTimeout(5 * time.Second)}
	if pub != nil {
		opts = append(opts, WithEventPublisher(pub))
	}
	return NewSagaExecutor(opts...)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
