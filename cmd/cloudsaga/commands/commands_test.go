package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cloudsaga/cloudsaga/pkg/config"
	"github.com/cloudsaga/cloudsaga/pkg/deploy"
	"github.com/cloudsaga/cloudsaga/pkg/lock"
)

// writeConfig writes a memory-cloud deployment whose state lives in a temp
// dir and returns its path.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	content := "service_base_name: demo\n" +
		"cloud: memory\n" +
		"allowed_ip_cidrs: [203.0.113.0/24]\n" +
		"state_db: " + filepath.Join(dir, "state.db") + "\n" +
		"error_file: " + filepath.Join(dir, "result.json") + "\n" +
		"telemetry:\n  logging:\n    level: error\n    format: json\n" +
		extra
	path := filepath.Join(dir, "deployment.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPlan_FlagsOverrideConfig(t *testing.T) {
	path := writeConfig(t, "instance_count: 2\nelastic_ip: true\n")

	out, err := execute(t, "plan", "-c", path, "--json", "--service_base_name", "other")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	var rows []planStage
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("Expected JSON plan, got: %v\n%s", err, out)
	}
	if len(rows) != 7 {
		t.Fatalf("Expected 7 stages, got %d", len(rows))
	}
	if rows[0].Name != "vpc" || rows[0].ResourceName != "other-vpc" || rows[0].Level != 1 {
		t.Errorf("Expected other-vpc at level 1, got %+v", rows[0])
	}
	for _, r := range rows {
		if r.Name == "eip-2" && r.DependsOn[0] != "instance-2" {
			t.Errorf("Expected eip-2 to depend on instance-2, got %v", r.DependsOn)
		}
	}
}

func TestPlan_Dot(t *testing.T) {
	out, err := execute(t, "plan", "-c", writeConfig(t, ""), "--dot")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(out, "digraph") || !strings.Contains(out, `"instance-1"`) {
		t.Errorf("Expected DOT output, got %s", out)
	}
}

func TestLoadDeployment_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing name", []string{"plan", "--cloud", "memory"}, "service_base_name"},
		{"bad cidr", []string{"plan", "--cloud", "memory", "--service_base_name", "demo", "--vpc_cidr", "10.0.0.0/33"}, "vpc_cidr"},
		{"unknown cloud", []string{"plan", "--cloud", "gcp", "--service_base_name", "demo"}, "cloud"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			if err == nil {
				t.Fatal("Expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected %q in %v", tt.want, err)
			}
		})
	}
}

func TestRun_CreateJournalsRun(t *testing.T) {
	path := writeConfig(t, "")

	out, err := execute(t, "create", "-c", path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(out, "create demo: succeeded") {
		t.Errorf("Expected summary line, got %s", out)
	}
	if !strings.Contains(out, "instance-1") {
		t.Errorf("Expected resource log, got %s", out)
	}

	out, err = execute(t, "history", "-c", path, "--json")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	var runs []struct {
		ID     string `json:"id"`
		Action string `json:"action"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("Expected JSON history, got: %v\n%s", err, out)
	}
	if len(runs) != 1 || runs[0].Action != "create" || runs[0].Status != "succeeded" {
		t.Fatalf("Expected one succeeded create, got %+v", runs)
	}

	out, err = execute(t, "history", "-c", path, "--run", runs[0].ID)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(out, "run_completed") {
		t.Errorf("Expected the run timeline, got %s", out)
	}
}

func TestRun_JSONResult(t *testing.T) {
	out, err := execute(t, "run", "--action", "create", "-c", writeConfig(t, ""), "--json", "--lock", "none")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	var res deploy.Result
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("Expected JSON result, got: %v\n%s", err, out)
	}
	if res.Status != "succeeded" || len(res.Resources) != 4 {
		t.Errorf("Expected 4 resources succeeded, got %s with %d", res.Status, len(res.Resources))
	}
}

func TestRun_UnknownAction(t *testing.T) {
	_, err := execute(t, "run", "--action", "restart", "-c", writeConfig(t, ""))
	if err == nil || !strings.Contains(err.Error(), "restart") {
		t.Errorf("Expected unknown action error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	path := writeConfig(t, "")

	out, err := execute(t, "validate", "-c", path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(out, "valid") {
		t.Errorf("Expected valid, got %s", out)
	}

	_, err = execute(t, "validate", "-c", path, "--allowed_ip_cidr", "0.0.0.0/0")
	if !deploy.IsPolicyDenied(err) {
		t.Errorf("Expected policy denial, got %v", err)
	}
}

func TestUnlock(t *testing.T) {
	ctx := context.Background()
	path := writeConfig(t, "")
	d, err := config.Load(ctx, path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	store, err := deploy.OpenStore(ctx, d)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer store.Close()

	if _, err := lock.NewSQLiteLocker(store, lock.WithOwner("host-a")).Acquire(ctx, "demo", time.Hour); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	contender := lock.NewSQLiteLocker(store, lock.WithOwner("host-b"))
	if _, err := contender.Acquire(ctx, "demo", time.Hour); !deploy.IsLocked(err) {
		t.Fatalf("Expected lease to be held, got %v", err)
	}

	out, err := execute(t, "unlock", "-c", path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(out, "released lease demo") {
		t.Errorf("Expected release message, got %s", out)
	}
	if _, err := contender.Acquire(ctx, "demo", time.Hour); err != nil {
		t.Errorf("Expected lease to be free after unlock, got %v", err)
	}
}

func TestRun_FailedCreateRollsBack(t *testing.T) {
	path := writeConfig(t, "memory:\n  fail_create: [instance-1]\n")

	out, err := execute(t, "create", "-c", path)
	if err == nil {
		t.Fatal("Expected the failed run to return an error")
	}
	if !strings.Contains(err.Error(), "instance-1") {
		t.Errorf("Expected the failing stage in %v", err)
	}
	if !strings.Contains(out, "create demo: rolled_back") {
		t.Errorf("Expected rolled_back summary, got %s", out)
	}
	if strings.Contains(out, "manual cleanup required") {
		t.Errorf("Expected a clean rollback, got %s", out)
	}

	out, err = execute(t, "history", "-c", path, "--json")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	var runs []struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("Expected JSON history, got: %v\n%s", err, out)
	}
	if len(runs) != 1 || runs[0].Status != "rolled_back" {
		t.Errorf("Expected one rolled_back run, got %+v", runs)
	}
}

func TestRun_FailedRollbackReportsCleanup(t *testing.T) {
	path := writeConfig(t, "memory:\n  fail_create: [instance-1]\n  fail_delete: [vpc]\n")

	out, err := execute(t, "create", "-c", path)
	if err == nil {
		t.Fatal("Expected the failed run to return an error")
	}
	if !strings.Contains(out, "create demo: cleanup_required") {
		t.Errorf("Expected cleanup_required summary, got %s", out)
	}
	if !strings.Contains(out, "manual cleanup required:") || !strings.Contains(out, "(vpc)") {
		t.Errorf("Expected the vpc listed for manual cleanup, got %s", out)
	}

	summary, err := os.ReadFile(filepath.Join(filepath.Dir(path), "result.json"))
	if err != nil {
		t.Fatalf("Expected an error file, got: %v", err)
	}
	if !strings.Contains(string(summary), "manual_cleanup") {
		t.Errorf("Expected manual_cleanup in the error file, got %s", summary)
	}
}
