// Package stores is the store-synchronization and consistency layer of
// tracegrid.
//
// Open selects a storage backend from configuration and returns a Stores
// bundle whose members all share that backend's connection pool:
//
//   - CommitStore reads the per-service commit chain.
//   - RecordStore[T] is a read-only facade over one domain read-model
//     (organizations, agents, roles, schemas, products, locations,
//     provenance records).
//   - BatchStore tracks submitted batches through their status machine.
//   - Coordinator is the only writer of commits and records. It applies a
//     commit's state changes in one transaction and rolls commits back by
//     replaying their persisted undo entries.
//
// Record stores cannot mutate: the mutating half of the backend is only
// reachable through a transaction, and only the Coordinator opens one.
// Stores.View carries the readers and the batch store without the
// Coordinator; hand it to surfaces that must not write commits.
package stores
