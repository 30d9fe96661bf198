package deploy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudsaga/cloudsaga/pkg/config"
	"github.com/cloudsaga/cloudsaga/pkg/engine"
	"github.com/cloudsaga/cloudsaga/pkg/lock"
	"github.com/cloudsaga/cloudsaga/pkg/providers/memory"
)

func fastDeployment(t *testing.T) *config.Deployment {
	t.Helper()
	d := testDeployment()
	d.Retry = engine.RetryPolicy{
		MaxAttempts:     4,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxElapsed:      time.Second,
	}
	d.RollbackTimeout = 5 * time.Second
	d.ErrorFile = filepath.Join(t.TempDir(), "result.json")
	return d
}

func newTestDeployer(t *testing.T, d *config.Deployment, p engine.ResourceProvider, opts ...Option) *Deployer {
	t.Helper()
	opts = append([]Option{
		WithWaitOptions(engine.WaitOptions{Interval: time.Millisecond, Timeout: 50 * time.Millisecond}),
	}, opts...)
	dep, err := New(d, p, opts...)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	return dep
}

func countCalls(calls []string, prefix string) int {
	n := 0
	for _, c := range calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func TestDeployer_CreateAndTerminate(t *testing.T) {
	ctx := context.Background()
	d := fastDeployment(t)
	d.ElasticIP = true
	d.DNSZone = "example.com"
	d.AllowedIPCIDRs = []string{"203.0.113.0/24"}
	p := memory.New()
	dep := newTestDeployer(t, d, p, WithLocker(lock.NewMemoryLocker()))

	res, err := dep.Run(ctx, ActionCreate)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if res.Status != engine.RunStatusSucceeded {
		t.Errorf("Expected status succeeded, got %s", res.Status)
	}
	if len(res.Resources) != 6 {
		t.Fatalf("Expected 6 resources, got %d", len(res.Resources))
	}
	if got := len(p.Resources()); got != 6 {
		t.Errorf("Expected 6 live resources, got %d", got)
	}
	if res.Policy == nil || !res.Policy.Allowed {
		t.Errorf("Expected an allowed policy result, got %+v", res.Policy)
	}

	// a rerun adopts everything
	before := countCalls(p.Calls(), "create:")
	res, err = dep.Run(ctx, ActionCreate)
	if err != nil {
		t.Fatalf("Expected no error on rerun, got: %v", err)
	}
	if after := countCalls(p.Calls(), "create:"); after != before {
		t.Errorf("Expected no creates on rerun, got %d new", after-before)
	}
	if len(res.Resources) != 6 {
		t.Errorf("Expected 6 adopted resources, got %d", len(res.Resources))
	}

	res, err = dep.Run(ctx, ActionTerminate)
	if err != nil {
		t.Fatalf("Expected no error on terminate, got: %v", err)
	}
	if len(res.Resources) != 6 {
		t.Errorf("Expected 6 deleted resources, got %d", len(res.Resources))
	}
	if got := len(p.Resources()); got != 0 {
		t.Errorf("Expected no live resources, got %d", got)
	}

	res, err = dep.Run(ctx, ActionTerminate)
	if err != nil {
		t.Fatalf("Expected no error on second terminate, got: %v", err)
	}
	if len(res.Resources) != 0 {
		t.Errorf("Expected nothing to delete, got %d", len(res.Resources))
	}
}

func TestDeployer_TerminateSparesOtherDeployments(t *testing.T) {
	ctx := context.Background()
	d := fastDeployment(t)
	p := memory.New()
	foreign := p.Seed(engine.KindVPC, "vpc", engine.Tags{"other-tag": "other"}, nil)

	dep := newTestDeployer(t, d, p)
	if _, err := dep.Run(ctx, ActionCreate); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := dep.Run(ctx, ActionTerminate); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	left := p.Resources()
	if len(left) != 1 || left[0].ID != foreign {
		t.Errorf("Expected only %s to survive, got %+v", foreign, left)
	}
}

func TestDeployer_UnknownAction(t *testing.T) {
	d := fastDeployment(t)
	d.ErrorFile = ""
	dep := newTestDeployer(t, d, memory.New())

	_, err := dep.Run(context.Background(), "restart")
	if engine.ErrorCode(err) != engine.ErrCodeValidation {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestDeployer_PolicyDenied(t *testing.T) {
	d := fastDeployment(t)
	d.AllowedIPCIDRs = []string{"0.0.0.0/0"}
	d.IngressPorts = []int{22}
	p := memory.New()
	dep := newTestDeployer(t, d, p)

	res, err := dep.Run(context.Background(), ActionCreate)
	if !IsPolicyDenied(err) {
		t.Fatalf("Expected policy denial, got %v", err)
	}
	if res.Status != engine.RunStatusFailed {
		t.Errorf("Expected status failed, got %s", res.Status)
	}
	if calls := p.Calls(); len(calls) != 0 {
		t.Errorf("Expected no provider calls, got %v", calls)
	}

	data, rerr := os.ReadFile(d.ErrorFile)
	if rerr != nil {
		t.Fatalf("Expected error file, got: %v", rerr)
	}
	if !strings.Contains(string(data), "SSH") {
		t.Errorf("Expected violation in error file, got %s", data)
	}
}

func TestDeployer_PolicyDisabled(t *testing.T) {
	d := fastDeployment(t)
	d.AllowedIPCIDRs = []string{"0.0.0.0/0"}
	d.Policy.Enabled = false
	dep := newTestDeployer(t, d, memory.New())

	res, err := dep.Run(context.Background(), ActionCreate)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if res.Policy != nil {
		t.Errorf("Expected no policy result when disabled, got %+v", res.Policy)
	}
}

func TestDeployer_Locked(t *testing.T) {
	ctx := context.Background()
	d := fastDeployment(t)
	p := memory.New()

	other := lock.NewMemoryLocker(lock.WithOwner("host-a"))
	held, err := other.Acquire(ctx, d.ServiceBaseName, time.Minute)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	dep := newTestDeployer(t, d, p, WithLocker(other.Share(lock.WithOwner("host-b"))))
	_, err = dep.Run(ctx, ActionCreate)
	if !IsLocked(err) {
		t.Fatalf("Expected lock conflict, got %v", err)
	}
	if calls := p.Calls(); len(calls) != 0 {
		t.Errorf("Expected no provider calls while locked, got %v", calls)
	}

	if err := held.Release(ctx); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := dep.Run(ctx, ActionCreate); err != nil {
		t.Fatalf("Expected run after release to succeed, got: %v", err)
	}
	if holder := other.Holder(d.ServiceBaseName); holder != "" {
		t.Errorf("Expected lease released after run, held by %q", holder)
	}
}

func TestDeployer_RollbackOnFailure(t *testing.T) {
	d := fastDeployment(t)
	p := memory.New(memory.WithFaults(memory.Faults{
		CreateErrors: map[string]error{
			"instance-1": engine.NewPermanentError("InsufficientInstanceCapacity", nil),
		},
	}))
	dep := newTestDeployer(t, d, p)

	res, err := dep.Run(context.Background(), ActionCreate)
	if err == nil {
		t.Fatal("Expected run to fail")
	}
	if res.Status != engine.RunStatusRolledBack {
		t.Errorf("Expected status rolled_back, got %s", res.Status)
	}
	if got := len(p.Resources()); got != 0 {
		t.Errorf("Expected rollback to remove everything, %d left", got)
	}
	if CleanupReport(err) != nil && !CleanupReport(err).Empty() {
		t.Errorf("Expected empty cleanup report, got %+v", CleanupReport(err))
	}

	var doc map[string]interface{}
	data, rerr := os.ReadFile(d.ErrorFile)
	if rerr != nil {
		t.Fatalf("Expected error file, got: %v", rerr)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Expected JSON error file, got: %v", err)
	}
	if msg, _ := doc["error"].(string); !strings.Contains(msg, "instance-1") {
		t.Errorf("Expected failing stage in error file, got %q", msg)
	}
}

func TestDeployer_RollbackFailureNeedsCleanup(t *testing.T) {
	d := fastDeployment(t)
	p := memory.New(memory.WithFaults(memory.Faults{
		CreateErrors: map[string]error{
			"instance-1": engine.NewPermanentError("InsufficientInstanceCapacity", nil),
		},
		DeleteErrors: map[string]error{
			"sg": engine.NewPermanentError("UnauthorizedOperation", nil),
		},
	}))
	dep := newTestDeployer(t, d, p)

	res, err := dep.Run(context.Background(), ActionCreate)
	if err == nil {
		t.Fatal("Expected run to fail")
	}
	if res.Status != engine.RunStatusCleanupRequired {
		t.Errorf("Expected status cleanup_required, got %s", res.Status)
	}
	report := CleanupReport(err)
	if report.Empty() {
		t.Fatal("Expected a cleanup report")
	}
	if res.Report == nil || len(res.Report.Items) != len(report.Items) {
		t.Errorf("Expected result to carry the cleanup report")
	}

	data, rerr := os.ReadFile(d.ErrorFile)
	if rerr != nil {
		t.Fatalf("Expected error file, got: %v", rerr)
	}
	if !strings.Contains(string(data), "manual_cleanup") {
		t.Errorf("Expected manual_cleanup in error file, got %s", data)
	}
}

func TestDeployer_ProbesElasticIP(t *testing.T) {
	d := fastDeployment(t)
	d.ElasticIP = true
	d.InstanceCount = 2

	var (
		mu  sync.Mutex
		ips []string
	)
	probe := func(_ context.Context, attrs engine.Attributes) error {
		mu.Lock()
		defer mu.Unlock()
		ips = append(ips, attrs["public_ip"])
		return nil
	}
	dep := newTestDeployer(t, d, memory.New(), WithProbe(probe))

	if _, err := dep.Run(context.Background(), ActionCreate); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(ips) != 2 {
		t.Fatalf("Expected 2 probes, got %v", ips)
	}
	for _, ip := range ips {
		if !strings.HasPrefix(ip, "203.0.113.") {
			t.Errorf("Expected the elastic IP to be probed, got %s", ip)
		}
	}
}

func TestDeployer_ProbeFailureRollsBack(t *testing.T) {
	d := fastDeployment(t)
	p := memory.New()
	probe := func(context.Context, engine.Attributes) error {
		return engine.NewTimeoutError("host not ready over SSH", nil)
	}
	dep := newTestDeployer(t, d, p, WithProbe(probe))

	res, err := dep.Run(context.Background(), ActionCreate)
	if err == nil {
		t.Fatal("Expected probe failure to fail the run")
	}
	if res.Status != engine.RunStatusRolledBack {
		t.Errorf("Expected status rolled_back, got %s", res.Status)
	}
	if got := len(p.Resources()); got != 0 {
		t.Errorf("Expected rollback to remove everything, %d left", got)
	}
}

// hookedProvider runs onCreate before each create of the in-memory cloud.
type hookedProvider struct {
	*memory.Provider
	onCreate func(ctx context.Context, name string) error
}

func (p *hookedProvider) Create(ctx context.Context, in engine.StageInput) (string, error) {
	if err := p.onCreate(ctx, in.Name); err != nil {
		return "", err
	}
	return p.Provider.Create(ctx, in)
}

func TestDeployer_LeaseLostRollsBack(t *testing.T) {
	d := fastDeployment(t)
	locker := lock.NewMemoryLocker(lock.WithOwner("host-a"), lock.WithRefreshInterval(5*time.Millisecond))
	other := locker.Share(lock.WithOwner("host-b"), lock.WithRefreshInterval(-1))

	p := &hookedProvider{Provider: memory.New()}
	p.onCreate = func(ctx context.Context, name string) error {
		if name != "instance-1" {
			return nil
		}
		if err := locker.ForceRelease(ctx, d.ServiceBaseName); err != nil {
			return err
		}
		if _, err := other.Acquire(ctx, d.ServiceBaseName, time.Minute); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	}

	dep := newTestDeployer(t, d, p, WithLocker(locker))
	res, err := dep.Run(context.Background(), ActionCreate)
	if err == nil {
		t.Fatal("Expected run to fail after the lease was lost")
	}
	if !IsLocked(err) {
		t.Errorf("Expected LOCKED error, got %v", err)
	}
	if !strings.Contains(err.Error(), "lease lost") {
		t.Errorf("Expected lease loss in error, got %v", err)
	}
	if res.Status != engine.RunStatusRolledBack {
		t.Errorf("Expected status rolled_back, got %s", res.Status)
	}
	if got := len(p.Resources()); got != 0 {
		t.Errorf("Expected rollback to remove everything, %d left", got)
	}
	if report := CleanupReport(err); report != nil && !report.Empty() {
		t.Errorf("Expected empty cleanup report, got %+v", report)
	}
	if holder := locker.Holder(d.ServiceBaseName); holder != "host-b" {
		t.Errorf("Expected lease to stay with host-b, got %q", holder)
	}
}
