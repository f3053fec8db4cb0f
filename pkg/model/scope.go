package model

// ServiceScope identifies the tenant a record or query belongs to.
//
// Global records are stored with an empty service id and are visible only to
// Global-scoped queries; service-scoped queries see only that service's
// records. The two never overlap.
type ServiceScope struct {
	Global    bool   `json:"global"`
	ServiceID string `json:"service_id,omitempty"`
}

// GlobalScope returns the Global scope.
func GlobalScope() ServiceScope {
	return ServiceScope{Global: true}
}

// ForService returns the scope of a single service.
func ForService(serviceID string) ServiceScope {
	if serviceID == "" {
		return GlobalScope()
	}
	return ServiceScope{ServiceID: serviceID}
}

// StorageID is the service id value persisted for records in this scope.
func (s ServiceScope) StorageID() string {
	if s.Global {
		return ""
	}
	return s.ServiceID
}

// String implements fmt.Stringer.
func (s ServiceScope) String() string {
	if s.Global {
		return "global"
	}
	return "service:" + s.ServiceID
}

// Validate checks that the scope is usable for entity.
func (s ServiceScope) Validate(op string, entity EntityType) error {
	if s.Global {
		if !entity.SupportsGlobal() {
			return InvalidArgument(op, "%s records require a service id", entity)
		}
		return nil
	}
	if s.ServiceID == "" {
		return InvalidArgument(op, "service id is required")
	}
	if err := ValidateKeyPart(s.ServiceID); err != nil {
		return InvalidArgument(op, "invalid service id: %v", err)
	}
	return nil
}

// ResolveScope derives the query scope for entity from an optional service id.
// An absent service id means Global for entities that support it, otherwise the
// configured default tenant.
func ResolveScope(entity EntityType, serviceID *string, defaultTenant string) (ServiceScope, error) {
	const op = "scope.resolve"
	if serviceID != nil && *serviceID != "" {
		scope := ForService(*serviceID)
		return scope, scope.Validate(op, entity)
	}
	if entity.SupportsGlobal() {
		return GlobalScope(), nil
	}
	if defaultTenant == "" {
		return ServiceScope{}, InvalidArgument(op, "%s queries require a service id and no default tenant is configured", entity)
	}
	scope := ForService(defaultTenant)
	return scope, scope.Validate(op, entity)
}
