package model

const (
	// DefaultLimit is the page size used when the caller does not set one.
	DefaultLimit = 100
	// MaxLimit caps the page size.
	MaxLimit = 1000
)

// Paging selects a window of an ordered result set.
type Paging struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// DefaultPaging returns the first page at the default limit.
func DefaultPaging() Paging {
	return Paging{Offset: 0, Limit: DefaultLimit}
}

// NewPaging validates offset and limit. A zero limit selects DefaultLimit and
// limits above MaxLimit are clamped.
func NewPaging(offset, limit int) (Paging, error) {
	const op = "paging"
	if offset < 0 {
		return Paging{}, InvalidArgument(op, "offset must be non-negative, got %d", offset)
	}
	if limit < 0 {
		return Paging{}, InvalidArgument(op, "limit must be positive, got %d", limit)
	}
	p := Paging{Offset: offset, Limit: limit}
	return p.Normalize(), nil
}

// Normalize applies defaults and clamping without validation.
func (p Paging) Normalize() Paging {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	return p
}

// Page is one window of a list result.
type Page[T any] struct {
	Items  []T `json:"items"`
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Total  int `json:"total"`
}

// NewPage builds a page, never returning a nil item slice.
func NewPage[T any](items []T, p Paging, total int) Page[T] {
	if items == nil {
		items = []T{}
	}
	return Page[T]{Items: items, Offset: p.Offset, Limit: p.Limit, Total: total}
}
