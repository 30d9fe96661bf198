package engine

import (
	"context"

	"github.com/google/uuid"
)

// TeardownResult summarises a teardown pass.
type TeardownResult struct {
	RunID   string           `json:"run_id"`
	Status  RunStatus        `json:"status"`
	Deleted []ResourceHandle `json:"deleted"`
	Report  *CleanupReport   `json:"report,omitempty"`
}

// Teardown deletes every resource carrying the ownership selector, one kind at
// a time in TeardownOrder. It needs no execution log, treats absent resources
// as deleted and keeps going past failures, which land in the report. Running
// it against an already removed deployment succeeds with nothing deleted.
// params are passed to every List call next to "service_base_name"; untaggable
// kinds need them, e.g. "dns_zone" to recognise the deployment's DNS records.
func (e *SagaExecutor) Teardown(
	ctx context.Context,
	p ResourceProvider,
	serviceBaseName string,
	selector Tags,
	params map[string]string,
) (*TeardownResult, error) {
	started := e.now()
	res := &TeardownResult{
		RunID:  uuid.New().String(),
		Status: RunStatusRunning,
		Report: NewCleanupReport("", serviceBaseName, "teardown"),
	}
	res.Report.RunID = res.RunID
	run := &ProvisioningRun{ID: res.RunID, ServiceBaseName: serviceBaseName}

	logger := e.logger.With().Str("run_id", res.RunID).Str("service_base_name", serviceBaseName).Logger()
	logger.Info().Msg("Teardown started")
	e.publish(ctx, run, EventTypeTeardownStarted, nil, "Teardown started", nil)

	for _, kind := range TeardownOrder() {
		if !SupportsKind(p, kind) {
			continue
		}
		if ctx.Err() != nil {
			res.Status = RunStatusFailed
			e.observer.RunFinished("terminate", res.Status, e.now().Sub(started))
			return res, fromContext(context.Cause(ctx), string(kind))
		}

		q := Query{Kind: kind, Tags: selector, Params: map[string]string{}}
		for k, v := range params {
			q.Params[k] = v
		}
		q.Params["service_base_name"] = serviceBaseName
		var ids []string
		err := Retry(ctx, e.retry, IsRetryable, e.retryNotify(string(kind), "list"), func(ctx context.Context) error {
			var err error
			ids, err = p.List(ctx, q)
			return err
		})
		if err != nil {
			res.Report.Add(ResourceHandle{StageName: string(kind), Kind: kind, ID: "*"}, annotate(err, string(kind), "list"))
			logger.Error().Err(err).Str("kind", string(kind)).Msg("Failed to list resources")
			continue
		}

		for _, id := range ids {
			h := ResourceHandle{StageName: string(kind), Kind: kind, ID: id, Owned: true}
			err := e.deleteWithRetry(ctx, func(ctx context.Context, id string) error {
				return p.Delete(ctx, kind, id)
			}, h)
			e.observer.Compensated(kind, err)
			if err != nil {
				res.Report.Add(h, err)
				logger.Error().Err(err).Str("kind", string(kind)).Str("resource_id", id).Msg("Delete failed")
				e.publish(ctx, run, EventTypeRollbackFailed, &h, err.Error(), nil)
				continue
			}
			res.Deleted = append(res.Deleted, h)
			logger.Info().Str("kind", string(kind)).Str("resource_id", id).Msg("Deleted")
			e.publish(ctx, run, EventTypeResourceDeleted, &h, "Deleted "+string(kind)+" "+id, nil)
		}
	}

	res.Status = RunStatusSucceeded
	if !res.Report.Empty() {
		res.Status = RunStatusFailed
	}
	e.publish(ctx, run, EventTypeTeardownFinished, nil, "Teardown finished", map[string]interface{}{
		"deleted": len(res.Deleted),
		"status":  string(res.Status),
	})
	e.observer.RunFinished("terminate", res.Status, e.now().Sub(started))
	logger.Info().Int("deleted", len(res.Deleted)).Str("status", string(res.Status)).Msg("Teardown finished")
	return res, res.Report.Err()
}
