package engine

import (
	"context"
	"errors"
	"testing"
)

func TestSagaExecutor_Run_AllAbsent(t *testing.T) {
	cloud := newFakeCloud()
	plan := buildPlan(t, cloud, standardChain())
	pub := &recordingPublisher{}

	run, err := newTestExecutor(pub).Run(context.Background(), testBaseName, plan)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if run.Status != RunStatusSucceeded {
		t.Errorf("Expected status succeeded, got %s", run.Status)
	}

	creates := cloud.callsWithPrefix("create:")
	want := []string{"vpc", "subnet", "sg", "instance"}
	if !equalStrings(creates, want) {
		t.Errorf("Expected creates %v, got %v", want, creates)
	}

	for name, state := range run.States {
		if state != StageStateCommitted {
			t.Errorf("Expected stage %s committed, got %s", name, state)
		}
	}

	if got := len(run.Log.Owned()); got != 4 {
		t.Errorf("Expected 4 owned log entries, got %d", got)
	}

	if got := len(cloud.callsWithPrefix("delete:")); got != 0 {
		t.Errorf("Expected no deletes, got %d", got)
	}

	if got := len(pub.ofType(EventTypeStageCreated)); got != 4 {
		t.Errorf("Expected 4 stage_created events, got %d", got)
	}
}

func TestSagaExecutor_Run_TagsApplied(t *testing.T) {
	cloud := newFakeCloud()
	plan := buildPlan(t, cloud, standardChain())

	run, err := newTestExecutor(nil).Run(context.Background(), testBaseName, plan)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	for _, h := range run.Handles() {
		r := cloud.find(h.ID)
		if r == nil {
			t.Fatalf("Resource %s missing from cloud", h.ID)
		}
		if !r.tags.Contains(tagsFor(h.StageName)) {
			t.Errorf("Resource %s tags %v do not contain %v", h.ID, r.tags, tagsFor(h.StageName))
		}
	}
}

func TestSagaExecutor_Run_Idempotent(t *testing.T) {
	cloud := newFakeCloud()
	exec := newTestExecutor(nil)

	if _, err := exec.Run(context.Background(), testBaseName, buildPlan(t, cloud, standardChain())); err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	createsAfterFirst := len(cloud.callsWithPrefix("create:"))

	run, err := exec.Run(context.Background(), testBaseName, buildPlan(t, cloud, standardChain()))
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}

	if got := len(cloud.callsWithPrefix("create:")); got != createsAfterFirst {
		t.Errorf("Expected no new creates on re-run, got %d", got-createsAfterFirst)
	}
	if got := len(cloud.callsWithPrefix("delete:")); got != 0 {
		t.Errorf("Expected no deletes on re-run, got %d", got)
	}
	for name, state := range run.States {
		if state != StageStatePreExisting {
			t.Errorf("Expected stage %s pre_existing on re-run, got %s", name, state)
		}
	}
	if got := len(run.Log.Owned()); got != 0 {
		t.Errorf("Expected no owned entries on re-run, got %d", got)
	}
}

// Pre-existing VPC, instance creation fails: subnet and security group are
// removed in reverse order and the VPC is left alone.
func TestSagaExecutor_Run_RollbackSparesPreExisting(t *testing.T) {
	cloud := newFakeCloud()
	vpcID := cloud.seed(KindVPC, selectorFor("vpc"))
	cloud.createErr["instance"] = NewPermanentError("instance quota exceeded", nil)
	plan := buildPlan(t, cloud, standardChain())

	run, err := newTestExecutor(nil).Run(context.Background(), testBaseName, plan)
	if err == nil {
		t.Fatal("Expected error from failed instance stage")
	}

	var sagaErr *SagaError
	if !errors.As(err, &sagaErr) {
		t.Fatalf("Expected *SagaError, got %T", err)
	}
	if sagaErr.Stage != "instance" {
		t.Errorf("Expected failing stage instance, got %s", sagaErr.Stage)
	}

	deletes := cloud.callsWithPrefix("delete:")
	want := []string{"security_group-3", "subnet-2"}
	if !equalStrings(deletes, want) {
		t.Errorf("Expected deletes %v, got %v", want, deletes)
	}

	if cloud.find(vpcID) == nil {
		t.Error("Pre-existing VPC was deleted")
	}
	if run.Status != RunStatusRolledBack {
		t.Errorf("Expected status rolled_back, got %s", run.Status)
	}

	expected := map[string]StageState{
		"vpc":      StageStatePreExisting,
		"subnet":   StageStateRolledBack,
		"sg":       StageStateRolledBack,
		"instance": StageStateFailed,
	}
	for name, state := range expected {
		if run.States[name] != state {
			t.Errorf("Expected stage %s in %s, got %s", name, state, run.States[name])
		}
	}
}

func TestSagaExecutor_Run_BestEffortUnwind(t *testing.T) {
	cloud := newFakeCloud()
	cloud.createErr["instance"] = NewPermanentError("boom", nil)
	cloud.deleteErr["subnet-2"] = NewPermanentError("subnet has dependencies", nil)
	plan := buildPlan(t, cloud, standardChain())

	run, err := newTestExecutor(nil).Run(context.Background(), testBaseName, plan)
	if err == nil {
		t.Fatal("Expected error")
	}

	deletes := cloud.callsWithPrefix("delete:")
	want := []string{"security_group-3", "subnet-2", "vpc-1"}
	if !equalStrings(deletes, want) {
		t.Errorf("Expected deletes %v, got %v", want, deletes)
	}

	if run.Status != RunStatusCleanupRequired {
		t.Errorf("Expected status cleanup_required, got %s", run.Status)
	}
	if len(run.Report.Items) != 1 {
		t.Fatalf("Expected 1 cleanup item, got %d", len(run.Report.Items))
	}
	if run.Report.Items[0].ID != "subnet-2" {
		t.Errorf("Expected subnet-2 in report, got %s", run.Report.Items[0].ID)
	}
	if run.States["vpc"] != StageStateRolledBack {
		t.Errorf("Expected vpc rolled back past the failure, got %s", run.States["vpc"])
	}
	if run.States["subnet"] != StageStateCommitted {
		t.Errorf("Expected subnet to stay committed, got %s", run.States["subnet"])
	}

	var rbErr *RollbackError
	if !errors.As(err, &rbErr) {
		t.Errorf("Expected error chain to contain *RollbackError, got %v", err)
	}
}

func TestSagaExecutor_Run_RetryableDeleteListedOnce(t *testing.T) {
	cloud := newFakeCloud()
	cloud.createErr["instance"] = NewPermanentError("boom", nil)
	cloud.deleteErr["security_group-3"] = NewTransientError("DependencyViolation", nil)
	plan := buildPlan(t, cloud, standardChain())

	run, err := newTestExecutor(nil).Run(context.Background(), testBaseName, plan)
	if err == nil {
		t.Fatal("Expected error")
	}

	attempts := 0
	for _, d := range cloud.callsWithPrefix("delete:") {
		if d == "security_group-3" {
			attempts++
		}
	}
	if attempts != int(fastRetry().MaxAttempts) {
		t.Errorf("Expected %d delete attempts, got %d", fastRetry().MaxAttempts, attempts)
	}
	if len(run.Report.Items) != 1 {
		t.Errorf("Expected security group listed once, got %d items", len(run.Report.Items))
	}
}

func TestSagaExecutor_Run_TagRetriedUntilVisible(t *testing.T) {
	cloud := newFakeCloud()
	cloud.tagNotFound = 2
	plan := buildPlan(t, cloud, standardChain())

	run, err := newTestExecutor(nil).Run(context.Background(), testBaseName, plan)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if run.Status != RunStatusSucceeded {
		t.Errorf("Expected succeeded, got %s", run.Status)
	}
	if got := len(cloud.callsWithPrefix("tag:")); got != 6 {
		t.Errorf("Expected 6 tag calls (2 retries), got %d", got)
	}
}

func TestSagaExecutor_Run_WaitTimeoutCompensatesInflight(t *testing.T) {
	cloud := newFakeCloud()
	cloud.waitErr[KindInstance] = NewTimeoutError("instance never reached running", nil)
	plan := buildPlan(t, cloud, standardChain())

	run, err := newTestExecutor(nil).Run(context.Background(), testBaseName, plan)
	if err == nil {
		t.Fatal("Expected error")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected timeout in error chain, got %v", err)
	}

	deletes := cloud.callsWithPrefix("delete:")
	want := []string{"instance-4", "security_group-3", "subnet-2", "vpc-1"}
	if !equalStrings(deletes, want) {
		t.Errorf("Expected deletes %v, got %v", want, deletes)
	}
	if run.States["instance"] != StageStateRolledBack {
		t.Errorf("Expected in-flight instance rolled back, got %s", run.States["instance"])
	}
}

func TestSagaExecutor_Run_CancellationRollsBack(t *testing.T) {
	cloud := newFakeCloud()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cloud.onCreate = func(name string) {
		if name == "sg" {
			cancel()
		}
	}
	plan := buildPlan(t, cloud, standardChain())

	run, err := newTestExecutor(nil).Run(ctx, testBaseName, plan)
	if err == nil {
		t.Fatal("Expected cancellation error")
	}
	if !IsCancelled(err) {
		t.Errorf("Expected cancellation error, got %v", err)
	}

	for _, c := range cloud.callsWithPrefix("create:") {
		if c == "instance" {
			t.Error("Instance was created after cancellation")
		}
	}
	if got := len(cloud.resources); got != 0 {
		t.Errorf("Expected every owned resource removed, %d left", got)
	}
	if run.States["instance"] != StageStateFailed && run.States["instance"] != StageStateSkipped {
		t.Errorf("Expected instance failed or skipped, got %s", run.States["instance"])
	}
}

func TestSagaExecutor_Run_AlreadyExistsAdopts(t *testing.T) {
	cloud := newFakeCloud()
	cloud.createErr["subnet"] = NewAlreadyExistsError("subnet CIDR in use", nil)
	cloud.onCreate = func(name string) {
		if name == "subnet" {
			cloud.seed(KindSubnet, selectorFor("subnet"))
		}
	}
	plan := buildPlan(t, cloud, standardChain())

	run, err := newTestExecutor(nil).Run(context.Background(), testBaseName, plan)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if run.States["subnet"] != StageStatePreExisting {
		t.Errorf("Expected subnet pre_existing, got %s", run.States["subnet"])
	}
	for _, e := range run.Log.Entries() {
		if e.Stage == "subnet" && e.Handle.Owned {
			t.Error("Adopted subnet must not be owned")
		}
	}
}

func TestSagaExecutor_Run_DependencyAttributesFlow(t *testing.T) {
	cloud := newFakeCloud()
	oracle := NewExistenceOracle(cloud)
	var gotVPC string

	b := NewPlanBuilder()
	b.AddStage(NewProviderStage(cloud, oracle, ProviderStage{
		Name: "vpc", Kind: KindVPC, Tags: tagsFor("vpc"), Selector: selectorFor("vpc"),
	}))
	subnet := NewProviderStage(cloud, oracle, ProviderStage{
		Name: "subnet", Kind: KindSubnet, DependsOn: []string{"vpc"},
		Tags: tagsFor("subnet"), Selector: selectorFor("subnet"),
	})
	create := subnet.Create
	subnet.Create = func(ctx context.Context, deps Deps) (string, error) {
		h, _ := deps.First(KindVPC)
		gotVPC = h.Attributes["id"]
		return create(ctx, deps)
	}
	b.AddStage(subnet)
	plan, err := b.Build()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if _, err := newTestExecutor(nil).Run(context.Background(), testBaseName, plan); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if gotVPC != "vpc-1" {
		t.Errorf("Expected subnet to see vpc-1 attributes, got %q", gotVPC)
	}
}

func TestSagaExecutor_Rollback_OnlyOwnedInReverse(t *testing.T) {
	cloud := newFakeCloud()
	cloud.seed(KindVPC, selectorFor("vpc"))
	plan := buildPlan(t, cloud, standardChain())
	exec := newTestExecutor(nil)

	run, err := exec.Run(context.Background(), testBaseName, plan)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	report := exec.Rollback(context.Background(), run)
	if !report.Empty() {
		t.Errorf("Expected empty report, got %s", report)
	}

	deletes := cloud.callsWithPrefix("delete:")
	want := []string{"instance-4", "security_group-3", "subnet-2"}
	if !equalStrings(deletes, want) {
		t.Errorf("Expected deletes %v, got %v", want, deletes)
	}
	if cloud.count(KindVPC) != 1 {
		t.Error("Expected pre-existing VPC to survive rollback")
	}
}

func TestSagaExecutor_Run_TopologicalOrder(t *testing.T) {
	decls := []stageDecl{
		{name: "dns", kind: KindDNSRecord, deps: []string{"eip"}},
		{name: "eip", kind: KindElasticIP, deps: []string{"instance"}},
		{name: "instance", kind: KindInstance, deps: []string{"subnet-b", "sg", "efs"}},
		{name: "efs", kind: KindEFS, deps: []string{"subnet-a", "subnet-b", "sg"}},
		{name: "sg", kind: KindSecurityGroup, deps: []string{"vpc"}},
		{name: "subnet-b", kind: KindSubnet, deps: []string{"vpc"}},
		{name: "subnet-a", kind: KindSubnet, deps: []string{"vpc"}},
		{name: "vpc", kind: KindVPC},
	}
	cloud := newFakeCloud()
	plan := buildPlan(t, cloud, decls)

	if _, err := newTestExecutor(nil).Run(context.Background(), testBaseName, plan); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	position := make(map[string]int)
	for i, name := range cloud.callsWithPrefix("create:") {
		position[name] = i
	}
	for _, d := range decls {
		for _, dep := range d.deps {
			if position[dep] >= position[d.name] {
				t.Errorf("Stage %s ran before its dependency %s", d.name, dep)
			}
		}
	}
}

// All stages are created, the instance fails: the security group, subnet and
// VPC are removed in reverse order and nothing is left for manual cleanup.
func TestSagaExecutor_Run_InstanceFailureUnwindsEverything(t *testing.T) {
	cloud := newFakeCloud()
	cloud.createErr["instance"] = NewPermanentError("instance quota exceeded", nil)
	plan := buildPlan(t, cloud, standardChain())
	pub := &recordingPublisher{}

	run, err := newTestExecutor(pub).Run(context.Background(), testBaseName, plan)
	if err == nil {
		t.Fatal("Expected error from failed instance stage")
	}

	deletes := cloud.callsWithPrefix("delete:")
	want := []string{"security_group-3", "subnet-2", "vpc-1"}
	if !equalStrings(deletes, want) {
		t.Errorf("Expected deletes %v, got %v", want, deletes)
	}
	if run.Status != RunStatusRolledBack {
		t.Errorf("Expected status rolled_back, got %s", run.Status)
	}
	if !run.Report.Empty() {
		t.Errorf("Expected no cleanup items, got %v", run.Report.Items)
	}
	for _, kind := range []Kind{KindVPC, KindSubnet, KindSecurityGroup, KindInstance} {
		if n := cloud.count(kind); n != 0 {
			t.Errorf("Expected no %s left, got %d", kind, n)
		}
	}

	failed := pub.ofType(EventTypeStageFailed)
	if len(failed) != 1 {
		t.Fatalf("Expected 1 stage_failed event, got %d", len(failed))
	}
	if failed[0].Stage != "instance" || failed[0].Kind != KindInstance || failed[0].Level != "error" {
		t.Errorf("Unexpected stage_failed event %+v", failed[0])
	}
	if got := len(pub.ofType(EventTypeStageRolledBack)); got != 3 {
		t.Errorf("Expected 3 stage_rolled_back events, got %d", got)
	}

	var failedAt, rollbackAt int
	for i, ev := range pub.events {
		switch ev.Type {
		case EventTypeStageFailed:
			failedAt = i
		case EventTypeRollbackStarted:
			rollbackAt = i
		}
	}
	if failedAt >= rollbackAt {
		t.Errorf("Expected stage_failed before rollback_started, got positions %d and %d", failedAt, rollbackAt)
	}
}

// Pre-existing VPC, the elastic IP association fails after the instance is up:
// exactly the instance, security group and subnet are removed, in that order.
func TestSagaExecutor_Run_ElasticIPFailureSparesAdoptedVPC(t *testing.T) {
	cloud := newFakeCloud()
	vpcID := cloud.seed(KindVPC, selectorFor("vpc"))
	cloud.createErr["eip"] = NewPermanentError("address association failed", nil)
	decls := append(standardChain(), stageDecl{name: "eip", kind: KindElasticIP, deps: []string{"instance"}})
	plan := buildPlan(t, cloud, decls)
	pub := &recordingPublisher{}

	run, err := newTestExecutor(pub).Run(context.Background(), testBaseName, plan)
	if err == nil {
		t.Fatal("Expected error from failed eip stage")
	}

	deletes := cloud.callsWithPrefix("delete:")
	want := []string{"instance-4", "security_group-3", "subnet-2"}
	if !equalStrings(deletes, want) {
		t.Errorf("Expected deletes %v, got %v", want, deletes)
	}
	if cloud.find(vpcID) == nil {
		t.Error("Pre-existing VPC was deleted")
	}
	if run.Status != RunStatusRolledBack || !run.Report.Empty() {
		t.Errorf("Expected a clean rollback, got %s with %v", run.Status, run.Report)
	}
	if run.States["vpc"] != StageStatePreExisting || run.States["eip"] != StageStateFailed {
		t.Errorf("Unexpected states %v", run.States)
	}

	failed := pub.ofType(EventTypeStageFailed)
	if len(failed) != 1 || failed[0].Stage != "eip" {
		t.Errorf("Expected one stage_failed event for eip, got %+v", failed)
	}
}

func TestSagaExecutor_Run_RollbackFailureCode(t *testing.T) {
	cloud := newFakeCloud()
	cloud.createErr["instance"] = NewPermanentError("boom", nil)
	cause := errors.New("subnet has dependencies")
	cloud.deleteErr["subnet-2"] = NewPermanentError("delete refused", cause)
	pub := &recordingPublisher{}

	run, err := newTestExecutor(pub).Run(context.Background(), testBaseName, buildPlan(t, cloud, standardChain()))
	if err == nil {
		t.Fatal("Expected error")
	}

	if code := ErrorCode(run.Report.Err()); code != ErrCodeRollbackFailed {
		t.Errorf("Expected ROLLBACK_FAILED on the report error, got %q", code)
	}
	if !errors.Is(err, ErrRollbackFailed) {
		t.Errorf("Expected the run error to carry ROLLBACK_FAILED, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("Expected the delete cause to stay reachable, got %v", err)
	}
	if code := ErrorCode(err); code == ErrCodeRollbackFailed {
		t.Errorf("Expected the stage failure to classify the run error, got %q", code)
	}

	var rbErr *RollbackError
	if !errors.As(err, &rbErr) || rbErr.Handle.ID != "subnet-2" {
		t.Errorf("Expected *RollbackError for subnet-2, got %v", err)
	}
	if got := len(pub.ofType(EventTypeRollbackFailed)); got != 1 {
		t.Errorf("Expected 1 rollback_failed event, got %d", got)
	}
}
