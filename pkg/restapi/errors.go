package restapi

import (
	"encoding/json"
	"net/http"

	"github.com/tracegrid/tracegrid/pkg/model"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Status  int    `json:"status"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// StatusFor maps an error kind to its HTTP status code.
func StatusFor(kind model.ErrorKind) int {
	switch kind {
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindConflict, model.KindInvalidState:
		return http.StatusConflict
	case model.KindInvalidArgument:
		return http.StatusBadRequest
	case model.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorResponse builds the reply for err. Internal errors never expose the
// underlying cause.
func errorResponse(err error) ErrorResponse {
	e := model.AsError("restapi", err)
	status := StatusFor(e.Kind)
	msg := e.Message
	switch e.Kind {
	case model.KindInternal:
		msg = "internal server error"
	case model.KindStorageUnavailable:
		msg = "storage unavailable"
	}
	return ErrorResponse{Status: status, Kind: string(e.Kind), Message: msg}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := errorResponse(err)
	if resp.Status >= http.StatusInternalServerError {
		s.logger.WithError(err).
			WithField("path", r.URL.Path).
			WithField("kind", resp.Kind).
			Error("request failed")
	}
	writeJSON(w, resp.Status, resp)
}
