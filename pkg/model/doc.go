// Package model defines the data model shared by every tracegrid store:
// ledger commits and state changes, the domain read-model records, client
// batches and their status machine, tenant scoping, paging, and the typed
// error taxonomy returned by store operations.
//
// The package has no persistence or transport dependencies. Backends encode
// records as JSON payloads keyed by (service id, natural key); the natural key
// and group key of a record are derived here so that every backend orders and
// filters records identically.
package model
