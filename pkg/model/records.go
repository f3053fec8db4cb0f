package model

import (
	"fmt"
)

// EntityType names a domain read-model.
type EntityType string

const (
	EntityOrganization EntityType = "organization"
	EntityAgent        EntityType = "agent"
	EntityRole         EntityType = "role"
	EntitySchema       EntityType = "schema"
	EntityProduct      EntityType = "product"
	EntityLocation     EntityType = "location"
	EntityProvenance   EntityType = "provenance_record"
)

// EntityTypes lists every domain entity in a fixed order.
var EntityTypes = []EntityType{
	EntityOrganization,
	EntityAgent,
	EntityRole,
	EntitySchema,
	EntityProduct,
	EntityLocation,
	EntityProvenance,
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	for _, known := range EntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// SupportsGlobal reports whether records of this type may live in the Global
// scope. Organization-wide entities do; circuit-bound ones do not.
func (t EntityType) SupportsGlobal() bool {
	switch t {
	case EntityOrganization, EntityAgent, EntityRole, EntitySchema:
		return true
	default:
		return false
	}
}

// Record is implemented by every domain read-model record.
type Record interface {
	// Entity returns the record's entity type.
	Entity() EntityType
	// NaturalKey returns the encoded natural key (see JoinKey).
	NaturalKey() string
	// GroupKey returns the value of the record's list filter column,
	// or "" when the entity has none.
	GroupKey() string
}

// Meta carries the store-maintained fields attached to every record on read.
type Meta struct {
	ServiceID     string `json:"service_id,omitempty"`
	LastCommitNum int64  `json:"last_commit_num"`
}

// SetMeta overwrites the store-maintained fields.
func (m *Meta) SetMeta(serviceID string, lastCommitNum int64) {
	m.ServiceID = serviceID
	m.LastCommitNum = lastCommitNum
}

// KeyValue is a free-form metadata entry.
type KeyValue struct {
	Key   string `json:"key" validate:"required"`
	Value string `json:"value"`
}

// AlternateID is an external identifier of an organization (e.g. a GLN).
type AlternateID struct {
	IDType string `json:"id_type" validate:"required"`
	ID     string `json:"id" validate:"required"`
}

// Organization is a participant on the ledger.
type Organization struct {
	Meta
	OrgID        string        `json:"org_id" validate:"required,keypart"`
	Name         string        `json:"name" validate:"required"`
	AlternateIDs []AlternateID `json:"alternate_ids,omitempty" validate:"dive"`
	Locations    []string      `json:"locations,omitempty"`
	Metadata     []KeyValue    `json:"metadata,omitempty" validate:"dive"`
}

func (o Organization) Entity() EntityType { return EntityOrganization }
func (o Organization) NaturalKey() string { return JoinKey(o.OrgID) }
func (o Organization) GroupKey() string   { return "" }

// Agent is a key pair acting on behalf of an organization.
type Agent struct {
	Meta
	PublicKey string     `json:"public_key" validate:"required,keypart"`
	OrgID     string     `json:"org_id" validate:"required,keypart"`
	Active    bool       `json:"active"`
	Roles     []string   `json:"roles,omitempty"`
	Metadata  []KeyValue `json:"metadata,omitempty" validate:"dive"`
}

func (a Agent) Entity() EntityType { return EntityAgent }
func (a Agent) NaturalKey() string { return JoinKey(a.PublicKey) }
func (a Agent) GroupKey() string   { return a.OrgID }

// Role is a named permission set owned by an organization. A role is unique
// per (service, org_id, name).
type Role struct {
	Meta
	OrgID       string   `json:"org_id" validate:"required,keypart"`
	Name        string   `json:"name" validate:"required,keypart"`
	Description string   `json:"description,omitempty"`
	Active      bool     `json:"active"`
	Permissions []string `json:"permissions,omitempty"`
	AllowedOrgs []string `json:"allowed_organizations,omitempty"`
	InheritFrom []string `json:"inherit_from,omitempty"`
}

func (r Role) Entity() EntityType { return EntityRole }
func (r Role) NaturalKey() string { return RoleKey(r.OrgID, r.Name) }
func (r Role) GroupKey() string   { return r.OrgID }

// RoleKey encodes the natural key of a role.
func RoleKey(orgID, name string) string { return JoinKey(orgID, name) }

// Schema describes the properties a product or provenance record may carry.
type Schema struct {
	Meta
	Name        string               `json:"name" validate:"required,keypart"`
	Owner       string               `json:"owner" validate:"required"`
	Description string               `json:"description,omitempty"`
	Properties  []PropertyDefinition `json:"properties,omitempty" validate:"dive"`
}

func (s Schema) Entity() EntityType { return EntitySchema }
func (s Schema) NaturalKey() string { return JoinKey(s.Name) }
func (s Schema) GroupKey() string   { return s.Owner }

// Product is a trade item identified within a namespace (e.g. GS1).
type Product struct {
	Meta
	ProductID  string          `json:"product_id" validate:"required,keypart"`
	Namespace  string          `json:"product_namespace" validate:"required"`
	Owner      string          `json:"owner" validate:"required"`
	Properties []PropertyValue `json:"properties,omitempty" validate:"dive"`
}

func (p Product) Entity() EntityType { return EntityProduct }
func (p Product) NaturalKey() string { return JoinKey(p.ProductID) }
func (p Product) GroupKey() string   { return p.Owner }

// Location is a physical site identified within a namespace.
type Location struct {
	Meta
	LocationID string          `json:"location_id" validate:"required,keypart"`
	Namespace  string          `json:"location_namespace" validate:"required"`
	Owner      string          `json:"owner" validate:"required"`
	Properties []PropertyValue `json:"properties,omitempty" validate:"dive"`
}

func (l Location) Entity() EntityType { return EntityLocation }
func (l Location) NaturalKey() string { return JoinKey(l.LocationID) }
func (l Location) GroupKey() string   { return l.Owner }

// AssociatedAgent records an agent holding an owner or custodian role on a
// provenance record since a given ledger timestamp.
type AssociatedAgent struct {
	AgentID   string `json:"agent_id" validate:"required"`
	Timestamp int64  `json:"timestamp"`
}

// ReportedValue is one reported observation of a tracked property.
type ReportedValue struct {
	ReporterKey string        `json:"reporter_public_key" validate:"required"`
	Timestamp   int64         `json:"timestamp"`
	Value       PropertyValue `json:"value"`
}

// TrackedProperty is a property of a provenance record with its report history.
type TrackedProperty struct {
	Name           string          `json:"name" validate:"required"`
	DataType       DataType        `json:"data_type" validate:"required,datatype"`
	ReportedValues []ReportedValue `json:"reported_values,omitempty" validate:"dive"`
}

// ProvenanceRecord is a track-and-trace record following a good through its
// custody chain.
type ProvenanceRecord struct {
	Meta
	RecordID   string            `json:"record_id" validate:"required,keypart"`
	SchemaName string            `json:"schema" validate:"required"`
	Final      bool              `json:"final"`
	Owners     []AssociatedAgent `json:"owners,omitempty" validate:"dive"`
	Custodians []AssociatedAgent `json:"custodians,omitempty" validate:"dive"`
	Properties []TrackedProperty `json:"properties,omitempty" validate:"dive"`
}

func (p ProvenanceRecord) Entity() EntityType { return EntityProvenance }
func (p ProvenanceRecord) NaturalKey() string { return JoinKey(p.RecordID) }
func (p ProvenanceRecord) GroupKey() string   { return p.SchemaName }

// NewRecord returns a pointer to a zero record of the given entity type,
// suitable as a JSON decoding target.
func NewRecord(entity EntityType) (Record, error) {
	switch entity {
	case EntityOrganization:
		return &Organization{}, nil
	case EntityAgent:
		return &Agent{}, nil
	case EntityRole:
		return &Role{}, nil
	case EntitySchema:
		return &Schema{}, nil
	case EntityProduct:
		return &Product{}, nil
	case EntityLocation:
		return &Location{}, nil
	case EntityProvenance:
		return &ProvenanceRecord{}, nil
	default:
		return nil, fmt.Errorf("unknown entity type %q", entity)
	}
}
