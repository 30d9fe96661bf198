package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cloudsaga/cloudsaga/pkg/engine"
	"github.com/cloudsaga/cloudsaga/pkg/tags"
)

const testZone = "example.com"

func testPolicy() engine.RetryPolicy {
	return engine.RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxElapsed:      time.Second,
	}
}

func chainPlan(t *testing.T, p *Provider, scheme *tags.Scheme) *engine.Plan {
	t.Helper()
	oracle := engine.NewExistenceOracle(p)
	wait := &engine.WaitOptions{Interval: time.Millisecond, Timeout: 20 * time.Millisecond}

	decls := []struct {
		name   string
		kind   engine.Kind
		deps   []string
		params map[string]string
	}{
		{name: "vpc", kind: engine.KindVPC, params: map[string]string{"cidr": "10.0.0.0/16"}},
		{name: "subnet", kind: engine.KindSubnet, deps: []string{"vpc"}, params: map[string]string{"cidr": "10.0.1.0/24"}},
		{name: "sg", kind: engine.KindSecurityGroup, deps: []string{"vpc"}},
		{name: "instance", kind: engine.KindInstance, deps: []string{"subnet", "sg"}},
		{name: "eip", kind: engine.KindElasticIP, deps: []string{"instance"}},
		{name: "dns", kind: engine.KindDNSRecord, deps: []string{"eip"}, params: map[string]string{
			"record_name": tags.RecordName(scheme.ServiceBaseName(), "instance-1", testZone),
		}},
	}

	b := engine.NewPlanBuilder()
	for _, d := range decls {
		b.AddStage(engine.NewProviderStage(p, oracle, engine.ProviderStage{
			Name:      d.name,
			Kind:      d.kind,
			DependsOn: d.deps,
			Tags:      scheme.ForResource(d.name),
			Selector:  scheme.Selector(d.name),
			Params:    d.params,
			Wait:      wait,
		}))
	}
	plan, err := b.Build()
	if err != nil {
		t.Fatalf("Expected no error building plan, got: %v", err)
	}
	return plan
}

func TestProvider_CreateAndIdempotentRerun(t *testing.T) {
	p := New()
	scheme, _ := tags.NewScheme("edge")
	exec := engine.NewSagaExecutor(engine.WithRetryPolicy(testPolicy()))

	run, err := exec.Run(context.Background(), "edge", chainPlan(t, p, scheme))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if run.Status != engine.RunStatusSucceeded {
		t.Fatalf("Expected succeeded, got %s", run.Status)
	}
	if len(p.Resources()) != 6 {
		t.Fatalf("Expected 6 resources, got %d", len(p.Resources()))
	}

	run, err = exec.Run(context.Background(), "edge", chainPlan(t, p, scheme))
	if err != nil {
		t.Fatalf("Expected no error on rerun, got: %v", err)
	}
	for name, st := range run.States {
		if st != engine.StageStatePreExisting {
			t.Errorf("Expected %s pre_existing on rerun, got %s", name, st)
		}
	}
	if len(p.Resources()) != 6 {
		t.Errorf("Expected no new resources on rerun, got %d", len(p.Resources()))
	}
}

func TestProvider_RollbackRespectsDependencies(t *testing.T) {
	p := New(WithFaults(Faults{NeverReady: map[string]bool{"eip": true}}))
	scheme, _ := tags.NewScheme("edge")
	exec := engine.NewSagaExecutor(engine.WithRetryPolicy(testPolicy()))

	run, err := exec.Run(context.Background(), "edge", chainPlan(t, p, scheme))
	if err == nil {
		t.Fatal("Expected error when eip never becomes ready")
	}
	if !engine.IsTimeout(err) {
		t.Errorf("Expected timeout, got %v", err)
	}
	if run.Status != engine.RunStatusRolledBack {
		t.Errorf("Expected rolled_back, got %s", run.Status)
	}
	if left := p.Resources(); len(left) != 0 {
		t.Errorf("Expected every resource removed, got %+v", left)
	}
}

func TestProvider_RollbackSparesPreExisting(t *testing.T) {
	p := New(WithFaults(Faults{CreateErrors: map[string]error{
		"instance": engine.NewPermanentError("InsufficientInstanceCapacity", nil),
	}}))
	scheme, _ := tags.NewScheme("edge")
	vpcID := p.Seed(engine.KindVPC, "vpc", scheme.ForResource("vpc"), map[string]string{"cidr": "10.0.0.0/16"})
	exec := engine.NewSagaExecutor(engine.WithRetryPolicy(testPolicy()))

	run, err := exec.Run(context.Background(), "edge", chainPlan(t, p, scheme))
	if err == nil {
		t.Fatal("Expected instance failure")
	}
	if run.Status != engine.RunStatusRolledBack {
		t.Errorf("Expected rolled_back, got %s", run.Status)
	}
	left := p.Resources()
	if len(left) != 1 || left[0].ID != vpcID {
		t.Errorf("Expected only the pre-existing vpc to remain, got %+v", left)
	}
}

func TestProvider_DeleteUnknownIsNotFound(t *testing.T) {
	p := New()
	err := p.Delete(context.Background(), engine.KindVPC, "vpc-9999")
	if !engine.IsNotFound(err) {
		t.Errorf("Expected NOT_FOUND, got %v", err)
	}
}

func TestProvider_DeleteParentConflicts(t *testing.T) {
	p := New()
	ctx := context.Background()
	vpc, _ := p.Create(ctx, engine.StageInput{Name: "vpc", Kind: engine.KindVPC})
	_, err := p.Create(ctx, engine.StageInput{
		Name: "subnet",
		Kind: engine.KindSubnet,
		Deps: engine.NewDeps(engine.ResourceHandle{StageName: "vpc", Kind: engine.KindVPC, ID: vpc}),
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	err = p.Delete(ctx, engine.KindVPC, vpc)
	if !engine.IsConflict(err) {
		t.Errorf("Expected conflict deleting vpc with subnets, got %v", err)
	}
}

func TestProvider_TeardownBySelector(t *testing.T) {
	p := New()
	scheme, _ := tags.NewScheme("edge")
	exec := engine.NewSagaExecutor(engine.WithRetryPolicy(testPolicy()))
	if _, err := exec.Run(context.Background(), "edge", chainPlan(t, p, scheme)); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	otherID := p.Seed(engine.KindVPC, "vpc", engine.Tags{"other-tag": "other"}, nil)

	res, err := exec.Teardown(context.Background(), p, "edge", scheme.Ownership(), zoneParams())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(res.Deleted) != 6 {
		t.Errorf("Expected 6 deletions, got %d", len(res.Deleted))
	}
	left := p.Resources()
	if len(left) != 1 || left[0].ID != otherID {
		t.Errorf("Expected only the foreign vpc to remain, got %+v", left)
	}

	res, err = exec.Teardown(context.Background(), p, "edge", scheme.Ownership(), zoneParams())
	if err != nil || len(res.Deleted) != 0 {
		t.Errorf("Expected idempotent teardown, got %d deletions, err=%v", len(res.Deleted), err)
	}
}

func zoneParams() map[string]string {
	return map[string]string{"dns_zone": testZone}
}

func TestProvider_TeardownSparesPrefixedDeployment(t *testing.T) {
	p := New()
	exec := engine.NewSagaExecutor(engine.WithRetryPolicy(testPolicy()))

	edge, _ := tags.NewScheme("edge")
	edgeEU, _ := tags.NewScheme("edge-eu")
	for _, scheme := range []*tags.Scheme{edge, edgeEU} {
		if _, err := exec.Run(context.Background(), scheme.ServiceBaseName(), chainPlan(t, p, scheme)); err != nil {
			t.Fatalf("Expected no error creating %s, got: %v", scheme.ServiceBaseName(), err)
		}
	}
	unrelated := p.Seed(engine.KindDNSRecord, "api", nil, map[string]string{"record_name": "edge-api.example.com"})

	res, err := exec.Teardown(context.Background(), p, "edge", edge.Ownership(), zoneParams())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(res.Deleted) != 6 {
		t.Errorf("Expected 6 deletions, got %d", len(res.Deleted))
	}

	var records []string
	for _, r := range p.Resources() {
		if r.Kind == engine.KindDNSRecord {
			records = append(records, r.Params["record_name"])
		}
		if r.Tags[edge.OwnershipKey()] != "" {
			t.Errorf("Expected no resource of edge to remain, got %s %s", r.Kind, r.ID)
		}
	}
	if len(records) != 2 {
		t.Fatalf("Expected the edge-eu and unrelated records to remain, got %v", records)
	}
	for _, name := range records {
		if name != "edge-eu-instance-1.example.com" && name != "edge-api.example.com" {
			t.Errorf("Unexpected remaining record %s", name)
		}
	}

	ids, err := p.List(context.Background(), engine.Query{
		Kind:   engine.KindDNSRecord,
		Params: map[string]string{"service_base_name": "edge-eu", "dns_zone": testZone},
	})
	if err != nil || len(ids) != 1 || ids[0] == unrelated {
		t.Errorf("Expected edge-eu to still own exactly its record, got %v (err=%v)", ids, err)
	}
}

func TestProvider_TagLagIsRetried(t *testing.T) {
	p := New(WithFaults(Faults{TagLag: 2}))
	scheme, _ := tags.NewScheme("edge")
	exec := engine.NewSagaExecutor(engine.WithRetryPolicy(testPolicy()))

	if _, err := exec.Run(context.Background(), "edge", chainPlan(t, p, scheme)); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	for _, r := range p.Resources() {
		if r.Kind == engine.KindDNSRecord {
			continue
		}
		if name, ok := scheme.ResourceName(r.Tags); !ok || name != r.Name {
			t.Errorf("Expected %s tagged with its correlation value, got %v", r.ID, r.Tags)
		}
	}
}

func TestProvider_CreateFault(t *testing.T) {
	boom := errors.New("boom")
	p := New(WithFaults(Faults{CreateErrors: map[string]error{"vpc": boom}}))
	_, err := p.Create(context.Background(), engine.StageInput{Name: "vpc", Kind: engine.KindVPC})
	if !errors.Is(err, boom) {
		t.Errorf("Expected injected error, got %v", err)
	}
}
