// Package engine provisions a dependency chain of cloud resources as a
// compensating transaction.
//
// # Overview
//
// A deployment is described as a Plan of Stages. Each stage knows how to check
// whether its resource already exists, create it, tag it, wait for it and
// delete it. The SagaExecutor runs the stages one at a time:
//
//  1. Order: stable topological sort of the stages, ties broken by declaration order
//  2. Exists: ask the ExistenceOracle; a hit is adopted and never deleted
//  3. Create: provision the resource; the run now owns it
//  4. Tag, Wait, Describe: finish the resource; only then is it logged
//  5. Rollback: on any failure, delete owned resources in reverse execution order
//
// Rollback is best-effort. A failed compensating delete is recorded in a
// CleanupReport and the unwind continues, so the operator gets one list of
// everything that needs manual cleanup.
//
// # Core Types
//
//   - Stage: create/exists/delete functions plus optional tag, ready and describe
//   - ResourceHandle: the cloud id of a touched resource and whether the run owns it
//   - ExecutionLog: ordered record of completed stages, the input to rollback
//   - ProvisioningRun: per-invocation state, discarded at exit
//
// # Providers
//
// Cloud backends implement ResourceProvider. NewProviderStage adapts a provider
// to a Stage, routing existence checks through an ExistenceOracle that applies
// the configured AmbiguityPolicy when a lookup matches several resources.
//
// # Teardown
//
// SagaExecutor.Teardown needs no log. It lists resources by ownership tag and
// deletes them kind by kind in reverse canonical order:
//
//	dns_record -> elastic_ip -> instance -> efs -> security_group -> subnet -> vpc
//
// # Error Classification
//
// Providers return *EngineError values:
//
//   - Transient, Throttled, Conflict: retried in place with bounded backoff
//   - Permanent: breaks the saga and triggers rollback
//
// Codes refine the class. ALREADY_EXISTS on create re-queries the oracle and
// adopts the resource; NOT_FOUND on delete counts as success; TIMEOUT is
// returned by Wait.
package engine
