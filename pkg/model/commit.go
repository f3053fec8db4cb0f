package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Commit is one ledger-confirmed unit of state change for a service.
type Commit struct {
	ServiceID        string    `json:"service_id"`
	CommitNum        int64     `json:"commit_num"`
	CommitID         string    `json:"commit_id"`
	PreviousCommitID string    `json:"previous_commit_id"`
	AppliedAt        time.Time `json:"applied_at,omitempty"`
}

// Position returns the commit's position in its service chain.
func (c Commit) Position() CommitPosition {
	return CommitPosition{ServiceID: c.ServiceID, CommitNum: c.CommitNum, CommitID: c.CommitID}
}

// CommitPosition is the head of a service's applied commit chain.
type CommitPosition struct {
	ServiceID string `json:"service_id"`
	CommitNum int64  `json:"commit_num"`
	CommitID  string `json:"commit_id"`
}

// Operation is the kind of a state change.
type Operation string

const (
	OpAdd    Operation = "add"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	return o == OpAdd || o == OpUpdate || o == OpDelete
}

// StateChange is one mutation of a domain record within a commit. Add and
// Update carry the full record; Delete carries only the natural key.
type StateChange struct {
	Entity EntityType
	Op     Operation
	Key    string
	Record Record
}

// AddChange builds an Add state change for rec.
func AddChange(rec Record) StateChange {
	return StateChange{Entity: rec.Entity(), Op: OpAdd, Key: rec.NaturalKey(), Record: rec}
}

// UpdateChange builds an Update state change for rec.
func UpdateChange(rec Record) StateChange {
	return StateChange{Entity: rec.Entity(), Op: OpUpdate, Key: rec.NaturalKey(), Record: rec}
}

// DeleteChange builds a Delete state change for the record with the given key.
func DeleteChange(entity EntityType, key string) StateChange {
	return StateChange{Entity: entity, Op: OpDelete, Key: key}
}

// Validate checks the change is well formed and that its key agrees with the
// carried record.
func (c StateChange) Validate() error {
	const op = "state_change.validate"
	if !c.Entity.Valid() {
		return InvalidArgument(op, "unknown entity type %q", c.Entity)
	}
	if !c.Op.Valid() {
		return InvalidArgument(op, "unknown operation %q", c.Op)
	}
	if c.Op == OpDelete {
		if c.Key == "" {
			return InvalidArgument(op, "delete of %s requires a natural key", c.Entity)
		}
		return nil
	}
	if c.Record == nil {
		return InvalidArgument(op, "%s of %s requires a record", c.Op, c.Entity)
	}
	if c.Record.Entity() != c.Entity {
		return InvalidArgument(op, "record is a %s, change targets %s", c.Record.Entity(), c.Entity)
	}
	if c.Key != "" && c.Key != c.Record.NaturalKey() {
		return InvalidArgument(op, "natural key does not match record")
	}
	return ValidateRecord(c.Record)
}

type stateChangeJSON struct {
	Entity  EntityType      `json:"entity_type"`
	Op      Operation       `json:"operation"`
	Key     []string        `json:"natural_key,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON encodes the change with its key split into parts.
func (c StateChange) MarshalJSON() ([]byte, error) {
	out := stateChangeJSON{Entity: c.Entity, Op: c.Op}
	key := c.Key
	if key == "" && c.Record != nil {
		key = c.Record.NaturalKey()
	}
	if key != "" {
		out.Key = SplitKey(key)
	}
	if c.Record != nil {
		payload, err := json.Marshal(c.Record)
		if err != nil {
			return nil, err
		}
		out.Payload = payload
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the payload into the record type of the entity.
func (c *StateChange) UnmarshalJSON(data []byte) error {
	var in stateChangeJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	c.Entity = in.Entity
	c.Op = in.Op
	c.Key = ""
	c.Record = nil
	if len(in.Key) > 0 {
		c.Key = JoinKey(in.Key...)
	}
	if len(in.Payload) == 0 || string(in.Payload) == "null" {
		return nil
	}
	rec, err := NewRecord(in.Entity)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(in.Payload, rec); err != nil {
		return fmt.Errorf("decode %s payload: %w", in.Entity, err)
	}
	c.Record = rec
	if c.Key == "" {
		c.Key = rec.NaturalKey()
	}
	return nil
}
