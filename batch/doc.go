// Package batch coalesces concurrent upstream reads.
//
// Requests are registered per owner. Each registration resets the owner's
// debounce timer; when it fires (or the batch reaches MaxBatchSize) the
// batch is grouped by (scope, request type) and one upstream call is issued
// per group, all groups in parallel. A call's result is written to the cache
// and handed to every request in its group. A failed call rejects only the
// requests of its own group.
package batch
