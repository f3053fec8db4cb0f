package restapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tracegrid/tracegrid/pkg/model"
	"github.com/tracegrid/tracegrid/pkg/stores"
)

// maxBatchBody caps the size of a batch submission body.
const maxBatchBody = 1 << 20

// keyFunc extracts a record's natural key from a request.
type keyFunc func(r *http.Request) (string, error)

// groupFunc extracts a list filter value from a request.
type groupFunc func(r *http.Request) string

func pathKey(params ...string) keyFunc {
	return func(r *http.Request) (string, error) {
		parts := make([]string, 0, len(params))
		for _, p := range params {
			v := chi.URLParam(r, p)
			if err := model.ValidateKeyPart(v); err != nil {
				return "", model.InvalidArgument("restapi.key", "invalid %s: %v", p, err)
			}
			parts = append(parts, v)
		}
		return model.JoinKey(parts...), nil
	}
}

func queryGroup(name string) groupFunc {
	return func(r *http.Request) string { return r.URL.Query().Get(name) }
}

func pathGroup(name string) groupFunc {
	return func(r *http.Request) string { return chi.URLParam(r, name) }
}

func getRecord[T model.Record](s *Server, st *stores.RecordStore[T], key keyFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope, err := model.ResolveScope(st.Entity(), serviceIDParam(r), s.cfg.DefaultServiceID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		k, err := key(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		rec, err := st.Get(r.Context(), scope, k)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func listRecords[T model.Record](s *Server, st *stores.RecordStore[T], group groupFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope, err := model.ResolveScope(st.Entity(), serviceIDParam(r), s.cfg.DefaultServiceID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		paging, err := s.pagingParams(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		var filter stores.ListFilter
		if group != nil {
			filter.Group = group(r)
		}
		page, err := st.List(r.Context(), scope, filter, paging)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	}
}

// commitServiceID returns the commit chain addressed by the request. Without
// a service_id the Global chain is used.
func commitServiceID(r *http.Request) string {
	if id := serviceIDParam(r); id != nil {
		return *id
	}
	return ""
}

func (s *Server) commitHead(w http.ResponseWriter, r *http.Request) {
	svc := commitServiceID(r)
	head, err := s.stores.Commits.Current(r.Context(), svc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if head == nil {
		s.writeError(w, r, model.NotFound("restapi.commit_head", "no commits for %s", model.ForService(svc)))
		return
	}
	writeJSON(w, http.StatusOK, head)
}

func (s *Server) listCommits(w http.ResponseWriter, r *http.Request) {
	paging, err := s.pagingParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	page, err := s.stores.Commits.List(r.Context(), commitServiceID(r), paging)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// BatchLink is the reply to a batch submission.
type BatchLink struct {
	Link string `json:"link"`
}

// BatchStatusEntry is one element of a batch status reply.
type BatchStatusEntry struct {
	ID     string            `json:"id"`
	Status model.BatchStatus `json:"status"`
}

// BatchStatusResponse is the reply of the batch status endpoint.
type BatchStatusResponse struct {
	Data []BatchStatusEntry `json:"data"`
	Link string             `json:"link"`
}

func (s *Server) submitBatches(w http.ResponseWriter, r *http.Request) {
	const op = "restapi.submit_batches"

	var batches []model.Batch
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&batches); err != nil {
		s.writeError(w, r, model.InvalidArgument(op, "malformed batch list: %v", err))
		return
	}
	if len(batches) == 0 {
		s.writeError(w, r, model.InvalidArgument(op, "at least one batch is required"))
		return
	}
	for _, b := range batches {
		if err := b.Validate(); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	ids := make([]string, 0, len(batches))
	for _, b := range batches {
		saved, err := s.stores.Batches.Submit(r.Context(), b)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ids = append(ids, saved.BatchID)
	}
	writeJSON(w, http.StatusAccepted, BatchLink{Link: statusLink(ids)})
}

func (s *Server) batchStatuses(w http.ResponseWriter, r *http.Request) {
	const op = "restapi.batch_statuses"

	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("id"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		s.writeError(w, r, model.InvalidArgument(op, "id is required"))
		return
	}

	resp := BatchStatusResponse{Data: make([]BatchStatusEntry, 0, len(ids)), Link: statusLink(ids)}
	for _, id := range ids {
		status, err := s.stores.Batches.GetStatus(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp.Data = append(resp.Data, BatchStatusEntry{ID: id, Status: status})
	}
	writeJSON(w, http.StatusOK, resp)
}

func statusLink(ids []string) string {
	return "/batch_statuses?id=" + url.QueryEscape(strings.Join(ids, ","))
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.stores.Ping(r.Context()); err != nil {
		s.logger.WithError(err).Warn("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "driver": s.stores.Driver()})
}
