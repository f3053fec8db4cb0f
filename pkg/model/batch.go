package model

import "time"

// BatchStatus is the lifecycle state of a submitted batch.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchValid     BatchStatus = "valid"
	BatchCommitted BatchStatus = "committed"
	BatchInvalid   BatchStatus = "invalid"
	BatchUnknown   BatchStatus = "unknown"
)

// Valid reports whether s is a known status.
func (s BatchStatus) Valid() bool {
	switch s {
	case BatchPending, BatchValid, BatchCommitted, BatchInvalid, BatchUnknown:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions leave s.
func (s BatchStatus) Terminal() bool {
	return s == BatchCommitted || s == BatchInvalid
}

// batchTransitions lists the legal moves out of each non-terminal state.
var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchPending: {BatchValid, BatchInvalid, BatchUnknown},
	BatchValid:   {BatchCommitted, BatchUnknown},
	BatchUnknown: {BatchPending, BatchValid, BatchCommitted, BatchInvalid},
}

// CanTransition reports whether a batch may move from one status to another.
// Self-transitions are always allowed and have no effect.
func CanTransition(from, to BatchStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range batchTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Batch is a client-submitted bundle of ledger transactions.
type Batch struct {
	BatchID         string      `json:"batch_id"`
	HeaderSignature string      `json:"header_signature"`
	Submitter       string      `json:"submitter"`
	ServiceID       string      `json:"service_id,omitempty"`
	Status          BatchStatus `json:"status"`
	SubmittedAt     time.Time   `json:"submitted_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Validate checks the fields required for submission.
func (b Batch) Validate() error {
	const op = "batch.validate"
	if err := ValidateKeyPart(b.BatchID); err != nil {
		return InvalidArgument(op, "invalid batch id: %v", err)
	}
	if b.HeaderSignature == "" {
		return InvalidArgument(op, "header signature is required")
	}
	if b.Submitter == "" {
		return InvalidArgument(op, "submitter is required")
	}
	return nil
}
