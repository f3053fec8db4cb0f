package restapi

import (
	"net/http"
	"strconv"

	"github.com/tracegrid/tracegrid/pkg/model"
)

// serviceIDParam returns the service_id query parameter, or nil when the
// request does not carry one.
func serviceIDParam(r *http.Request) *string {
	q := r.URL.Query()
	if !q.Has("service_id") {
		return nil
	}
	v := q.Get("service_id")
	return &v
}

// pagingParams reads offset and limit. A missing limit selects the server's
// default page size and larger limits are clamped to its maximum.
func (s *Server) pagingParams(r *http.Request) (model.Paging, error) {
	const op = "restapi.paging"
	q := r.URL.Query()

	offset, err := intParam(q.Get("offset"))
	if err != nil {
		return model.Paging{}, model.InvalidArgument(op, "offset must be an integer")
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		return model.Paging{}, model.InvalidArgument(op, "limit must be an integer")
	}
	if limit == 0 {
		limit = s.cfg.DefaultPageLimit
	}
	if s.cfg.MaxPageLimit > 0 && limit > s.cfg.MaxPageLimit {
		limit = s.cfg.MaxPageLimit
	}
	return model.NewPaging(offset, limit)
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
