package deploy

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudsaga/cloudsaga/pkg/engine"
	"github.com/cloudsaga/cloudsaga/pkg/stores"
)

// Journal records the run timeline in the state database. It is an audit
// trail only: nothing reads it back to decide what to create or delete, and
// a failed write is logged, never surfaced to the run.
type Journal struct {
	store           stores.Store
	action          string
	serviceBaseName string
	provider        string
	logger          zerolog.Logger

	mu       sync.Mutex
	sequence map[string]int
}

// NewJournal creates a journal for one invocation.
func NewJournal(store stores.Store, action, serviceBaseName, provider string, logger zerolog.Logger) *Journal {
	return &Journal{
		store:           store,
		action:          action,
		serviceBaseName: serviceBaseName,
		provider:        provider,
		logger:          logger.With().Str("component", "journal").Logger(),
		sequence:        make(map[string]int),
	}
}

// Record is a telemetry.EventSubscriber.
func (j *Journal) Record(ev engine.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	j.mu.Lock()
	defer j.mu.Unlock()

	var err error
	switch ev.Type {
	case engine.EventTypeRunStarted, engine.EventTypeTeardownStarted:
		err = j.store.CreateRun(ctx, &stores.Run{
			ID:              ev.RunID,
			Action:          j.action,
			ServiceBaseName: j.serviceBaseName,
			Provider:        j.provider,
			Status:          stores.RunStatusRunning,
			StartedAt:       ev.Timestamp,
			CreatedAt:       ev.Timestamp,
			UpdatedAt:       ev.Timestamp,
		})
	case engine.EventTypeStageCreated, engine.EventTypeStageAdopted, engine.EventTypeResourceDeleted:
		j.sequence[ev.RunID]++
		err = j.store.AddRunResource(ctx, &stores.RunResource{
			RunID:      ev.RunID,
			Sequence:   j.sequence[ev.RunID],
			StageName:  ev.Stage,
			Kind:       string(ev.Kind),
			ResourceID: ev.ResourceID,
			Owned:      ev.Type != engine.EventTypeStageAdopted,
			Attributes: marshalDetails(ev.Details),
			RecordedAt: ev.Timestamp,
		})
	}
	if err != nil {
		j.logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("Failed to journal event")
	}

	if err := j.store.AppendEvent(ctx, toStoreEvent(ev)); err != nil {
		j.logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("Failed to journal event")
	}

	if status, ok := finalStatus(ev); ok {
		var msg *string
		if status != stores.RunStatusSucceeded {
			m := ev.Message
			msg = &m
		}
		if err := j.store.UpdateRunStatus(ctx, ev.RunID, status, msg); err != nil {
			j.logger.Warn().Err(err).Str("run_id", ev.RunID).Msg("Failed to journal run status")
		}
	}
}

// finalStatus maps the closing event of a run to its journal status.
func finalStatus(ev engine.Event) (stores.RunStatus, bool) {
	switch ev.Type {
	case engine.EventTypeRunCompleted:
		return stores.RunStatusSucceeded, true
	case engine.EventTypeRunFailed, engine.EventTypeTeardownFinished:
		if s, ok := ev.Details["status"].(string); ok {
			return stores.RunStatus(s), true
		}
		if ev.Type == engine.EventTypeRunFailed {
			return stores.RunStatusFailed, true
		}
		return stores.RunStatusSucceeded, true
	default:
		return "", false
	}
}

func toStoreEvent(ev engine.Event) *stores.Event {
	out := &stores.Event{
		Type:      string(ev.Type),
		Level:     stores.EventLevel(ev.Level),
		Message:   ev.Message,
		Timestamp: ev.Timestamp,
	}
	if ev.RunID != "" {
		runID := ev.RunID
		out.RunID = &runID
	}
	if ev.Stage != "" {
		stage := ev.Stage
		out.Stage = &stage
	}
	if len(ev.Details) > 0 || ev.ResourceID != "" {
		details := make(map[string]interface{}, len(ev.Details)+2)
		for k, v := range ev.Details {
			details[k] = v
		}
		if ev.ResourceID != "" {
			details["resource_id"] = ev.ResourceID
			details["kind"] = string(ev.Kind)
		}
		s := marshalDetails(details)
		out.Details = &s
	}
	return out
}

func marshalDetails(details map[string]interface{}) string {
	if len(details) == 0 {
		return "{}"
	}
	data, err := json.Marshal(details)
	if err != nil {
		return "{}"
	}
	return string(data)
}
