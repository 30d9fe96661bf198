package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// RollbackError records a compensating delete that failed.
type RollbackError struct {
	Handle ResourceHandle
	Err    error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("delete %s %s (stage %s): %v", e.Handle.Kind, e.Handle.ID, e.Handle.StageName, e.Err)
}

// Unwrap classifies the failure as ROLLBACK_FAILED ahead of the delete error,
// so ErrorCode reports the rollback and errors.Is still reaches the cause.
func (e *RollbackError) Unwrap() []error {
	return []error{
		&EngineError{
			Class:     ErrorClassPermanent,
			Code:      ErrCodeRollbackFailed,
			Message:   "compensating delete failed",
			Resource:  e.Handle.StageName,
			Operation: "delete",
		},
		e.Err,
	}
}

// CleanupItem is one resource the operator has to remove by hand.
type CleanupItem struct {
	Stage string `json:"stage"`
	Kind  Kind   `json:"kind"`
	ID    string `json:"id"`
	Error string `json:"error"`
}

// CleanupReport lists resources left behind by a failed rollback or teardown.
// Each resource appears at most once.
type CleanupReport struct {
	RunID           string        `json:"run_id"`
	ServiceBaseName string        `json:"service_base_name"`
	Mode            string        `json:"mode"`
	Items           []CleanupItem `json:"items"`

	errs *multierror.Error
}

// NewCleanupReport creates an empty report.
func NewCleanupReport(runID, serviceBaseName, mode string) *CleanupReport {
	return &CleanupReport{RunID: runID, ServiceBaseName: serviceBaseName, Mode: mode}
}

// Add records a failed delete. A resource already in the report is not added twice.
func (r *CleanupReport) Add(h ResourceHandle, err error) {
	for _, it := range r.Items {
		if it.Kind == h.Kind && it.ID == h.ID {
			return
		}
	}
	r.Items = append(r.Items, CleanupItem{
		Stage: h.StageName,
		Kind:  h.Kind,
		ID:    h.ID,
		Error: err.Error(),
	})
	r.errs = multierror.Append(r.errs, &RollbackError{Handle: h, Err: err})
}

// Empty reports whether nothing was left behind.
func (r *CleanupReport) Empty() bool {
	return r == nil || len(r.Items) == 0
}

// Err returns the aggregated compensation failures, or nil.
func (r *CleanupReport) Err() error {
	if r == nil || r.errs == nil {
		return nil
	}
	r.errs.ErrorFormat = func(es []error) string {
		lines := make([]string, len(es))
		for i, e := range es {
			lines[i] = "  * " + e.Error()
		}
		return fmt.Sprintf("%d resource(s) could not be removed:\n%s", len(es), strings.Join(lines, "\n"))
	}
	return r.errs.ErrorOrNil()
}

// String renders the operator-facing summary.
func (r *CleanupReport) String() string {
	if r.Empty() {
		return "no manual cleanup required"
	}
	var sb strings.Builder
	sb.WriteString("manual cleanup required:\n")
	for _, it := range r.Items {
		fmt.Fprintf(&sb, "  - %s %s (stage %s): %s\n", it.Kind, it.ID, it.Stage, it.Error)
	}
	return sb.String()
}

// WriteErrorSummary merges a failure into the JSON object stored at path.
// The "error" field is appended to, "manual_cleanup" is replaced with the
// report items. A missing file is created; other existing keys are preserved.
func WriteErrorSummary(path string, runErr error, report *CleanupReport) error {
	doc := make(map[string]interface{})

	data, err := os.ReadFile(path)
	switch {
	case err == nil && len(strings.TrimSpace(string(data))) > 0:
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse error summary %s: %w", path, err)
		}
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("failed to read error summary %s: %w", path, err)
	}

	if runErr != nil {
		msg := runErr.Error()
		if prev, ok := doc["error"].(string); ok && prev != "" {
			msg = prev + "\n" + msg
		}
		doc["error"] = msg
	}
	if !report.Empty() {
		doc["manual_cleanup"] = report.Items
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode error summary: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".summary-*")
	if err != nil {
		return fmt.Errorf("failed to write error summary: %w", err)
	}
	if _, err := tmp.Write(append(out, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write error summary: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write error summary: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
