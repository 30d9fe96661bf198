package engine

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCleanupReport_AddDeduplicates(t *testing.T) {
	r := NewCleanupReport("run-1", "sbn", "rollback")
	h := ResourceHandle{StageName: "subnet", Kind: KindSubnet, ID: "subnet-1", Owned: true}

	r.Add(h, errors.New("first"))
	r.Add(h, errors.New("second"))

	if len(r.Items) != 1 {
		t.Fatalf("Expected 1 item, got %d", len(r.Items))
	}
	if r.Items[0].Error != "first" {
		t.Errorf("Expected first error kept, got %q", r.Items[0].Error)
	}
	if !strings.Contains(r.String(), "manual cleanup required") {
		t.Errorf("Expected manual cleanup banner, got %q", r.String())
	}
	if r.Err() == nil {
		t.Error("Expected aggregated error")
	}
}

func TestCleanupReport_Empty(t *testing.T) {
	var r *CleanupReport
	if !r.Empty() {
		t.Error("Expected nil report to be empty")
	}
	if r.Err() != nil {
		t.Error("Expected nil error for nil report")
	}
}

func TestWriteErrorSummary(t *testing.T) {
	report := NewCleanupReport("run-1", "sbn", "rollback")
	report.Add(ResourceHandle{StageName: "sg", Kind: KindSecurityGroup, ID: "sg-123"}, errors.New("DependencyViolation"))

	tests := []struct {
		name      string
		existing  string
		wantError string
		wantKeep  string
	}{
		{
			name:      "missing file is created",
			wantError: "stage instance failed",
		},
		{
			name:      "error is appended and other keys survive",
			existing:  `{"error": "earlier failure", "hostname": "edge-1"}`,
			wantError: "earlier failure\nstage instance failed",
			wantKeep:  "edge-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "result.json")
			if tt.existing != "" {
				if err := os.WriteFile(path, []byte(tt.existing), 0o600); err != nil {
					t.Fatalf("Failed to seed file: %v", err)
				}
			}

			if err := WriteErrorSummary(path, errors.New("stage instance failed"), report); err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}

			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("Failed to read summary: %v", err)
			}
			var doc map[string]interface{}
			if err := json.Unmarshal(data, &doc); err != nil {
				t.Fatalf("Summary is not JSON: %v", err)
			}

			if doc["error"] != tt.wantError {
				t.Errorf("Expected error %q, got %q", tt.wantError, doc["error"])
			}
			items, ok := doc["manual_cleanup"].([]interface{})
			if !ok || len(items) != 1 {
				t.Errorf("Expected 1 manual_cleanup item, got %v", doc["manual_cleanup"])
			}
			if tt.wantKeep != "" && doc["hostname"] != tt.wantKeep {
				t.Errorf("Expected hostname to survive, got %v", doc["hostname"])
			}
		})
	}
}

func TestWriteErrorSummary_RejectsNonObject(t *testing.T) {
	path := filepath.Join(t.TempDir(), "result.json")
	if err := os.WriteFile(path, []byte(`[1,2,3]`), 0o600); err != nil {
		t.Fatalf("Failed to seed file: %v", err)
	}
	if err := WriteErrorSummary(path, errors.New("x"), nil); err == nil {
		t.Error("Expected error for non-object summary file")
	}
}
