// Package ledger feeds ledger state into the stores.
//
// Syncer consumes commit events from a Source and applies them through the
// stores Coordinator, one worker per service so that each tenant has a single
// writer. It skips commits that are already applied and resolves forks by
// rolling back to the common ancestor before applying.
//
// StatusPoller periodically asks the ledger for the status of batches that
// have not reached a terminal state and records the answers in the batch
// store.
package ledger
