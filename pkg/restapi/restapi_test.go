package restapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracegrid/tracegrid/pkg/model"
	"github.com/tracegrid/tracegrid/pkg/stores"
	"github.com/tracegrid/tracegrid/pkg/telemetry"
)

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *stores.Stores) {
	t.Helper()
	st, err := stores.Open(context.Background(), stores.Config{Driver: stores.DriverMemory})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	return NewServer(cfg, st.View, nil), st
}

func seed(t *testing.T, st *stores.Stores) {
	t.Helper()
	ctx := context.Background()

	_, err := st.Coordinator.Apply(ctx, model.Commit{ServiceID: "", CommitNum: 1, CommitID: "g1"}, []model.StateChange{
		model.AddChange(model.Organization{OrgID: "acme", Name: "Acme"}),
		model.AddChange(model.Agent{PublicKey: "pk1", OrgID: "acme", Active: true}),
		model.AddChange(model.Agent{PublicKey: "pk2", OrgID: "other", Active: true}),
		model.AddChange(model.Role{OrgID: "acme", Name: "admin", Active: true}),
	})
	require.NoError(t, err)

	_, err = st.Coordinator.Apply(ctx, model.Commit{ServiceID: "svc-a", CommitNum: 1, CommitID: "a1"}, []model.StateChange{
		model.AddChange(model.Product{ProductID: "p1", Namespace: "GS1", Owner: "acme"}),
		model.AddChange(model.Product{ProductID: "p2", Namespace: "GS1", Owner: "acme"}),
		model.AddChange(model.Product{ProductID: "p3", Namespace: "GS1", Owner: "other"}),
	})
	require.NoError(t, err)
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(HeaderProtocolVersion, "1")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestGetRecord(t *testing.T) {
	s, st := newTestServer(t, nil)
	seed(t, st)

	rec := do(t, s, http.MethodGet, "/organization/acme", "")
	require.Equal(t, http.StatusOK, rec.Code)
	org := decode[model.Organization](t, rec)
	assert.Equal(t, "Acme", org.Name)
	assert.Equal(t, int64(1), org.LastCommitNum)

	rec = do(t, s, http.MethodGet, "/role/acme/admin", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "admin", decode[model.Role](t, rec).Name)

	rec = do(t, s, http.MethodGet, "/product/p1?service_id=svc-a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "svc-a", decode[model.Product](t, rec).ServiceID)
}

func TestGetRecordErrors(t *testing.T) {
	s, st := newTestServer(t, nil)
	seed(t, st)

	tests := []struct {
		name   string
		target string
		status int
		kind   model.ErrorKind
	}{
		{"missing org", "/organization/nobody", http.StatusNotFound, model.KindNotFound},
		{"product outside tenant", "/product/p1?service_id=svc-b", http.StatusNotFound, model.KindNotFound},
		{"product without tenant", "/product/p1", http.StatusBadRequest, model.KindInvalidArgument},
		{"global org not visible to service", "/organization/acme?service_id=svc-a", http.StatusNotFound, model.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodGet, tt.target, "")
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			body := decode[ErrorResponse](t, rec)
			assert.Equal(t, tt.status, body.Status)
			assert.Equal(t, string(tt.kind), body.Kind)
		})
	}
}

func TestDefaultTenant(t *testing.T) {
	s, st := newTestServer(t, func(c *Config) { c.DefaultServiceID = "svc-a" })
	seed(t, st)

	rec := do(t, s, http.MethodGet, "/product/p2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "p2", decode[model.Product](t, rec).ProductID)
}

func TestListRecords(t *testing.T) {
	s, st := newTestServer(t, nil)
	seed(t, st)

	rec := do(t, s, http.MethodGet, "/agent?org_id=acme", "")
	require.Equal(t, http.StatusOK, rec.Code)
	agents := decode[model.Page[model.Agent]](t, rec)
	require.Len(t, agents.Items, 1)
	assert.Equal(t, "pk1", agents.Items[0].PublicKey)

	rec = do(t, s, http.MethodGet, "/product?service_id=svc-a&owner=acme&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	products := decode[model.Page[model.Product]](t, rec)
	assert.Equal(t, 2, products.Total)
	assert.Equal(t, 1, products.Limit)
	require.Len(t, products.Items, 1)

	rec = do(t, s, http.MethodGet, "/role/acme", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[model.Page[model.Role]](t, rec).Total)

	rec = do(t, s, http.MethodGet, "/location?service_id=svc-a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[model.Page[model.Location]](t, rec).Items)
}

func TestListPagingValidation(t *testing.T) {
	s, _ := newTestServer(t, func(c *Config) { c.MaxPageLimit = 10 })

	for _, q := range []string{"limit=-1", "offset=-3", "limit=abc"} {
		rec := do(t, s, http.MethodGet, "/organization?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}

	rec := do(t, s, http.MethodGet, "/organization?limit=500", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, decode[model.Page[model.Organization]](t, rec).Limit)
}

func TestCommitEndpoints(t *testing.T) {
	s, st := newTestServer(t, nil)

	rec := do(t, s, http.MethodGet, "/commit/head?service_id=svc-a", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	seed(t, st)

	rec = do(t, s, http.MethodGet, "/commit/head?service_id=svc-a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	head := decode[model.CommitPosition](t, rec)
	assert.Equal(t, int64(1), head.CommitNum)
	assert.Equal(t, "a1", head.CommitID)

	rec = do(t, s, http.MethodGet, "/commit/head", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "g1", decode[model.CommitPosition](t, rec).CommitID)

	rec = do(t, s, http.MethodGet, "/commit?service_id=svc-a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	commits := decode[model.Page[model.Commit]](t, rec)
	require.Len(t, commits.Items, 1)
	assert.Equal(t, "a1", commits.Items[0].CommitID)
}

func TestBatchSubmitAndStatus(t *testing.T) {
	s, _ := newTestServer(t, nil)

	body := `[{"batch_id":"b1","header_signature":"sig1","submitter":"pk1"},
	          {"batch_id":"b2","header_signature":"sig2","submitter":"pk1"}]`
	rec := do(t, s, http.MethodPost, "/batches", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	link := decode[BatchLink](t, rec).Link
	assert.True(t, strings.HasPrefix(link, "/batch_statuses?id="), link)

	rec = do(t, s, http.MethodGet, link, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	statuses := decode[BatchStatusResponse](t, rec)
	require.Len(t, statuses.Data, 2)
	assert.Equal(t, BatchStatusEntry{ID: "b1", Status: model.BatchPending}, statuses.Data[0])
	assert.Equal(t, BatchStatusEntry{ID: "b2", Status: model.BatchPending}, statuses.Data[1])

	// resubmission with the same signature is idempotent
	rec = do(t, s, http.MethodPost, "/batches", `[{"batch_id":"b1","header_signature":"sig1","submitter":"pk1"}]`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, s, http.MethodPost, "/batches", `[{"batch_id":"b1","header_signature":"other","submitter":"pk1"}]`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBatchErrors(t *testing.T) {
	s, _ := newTestServer(t, nil)

	tests := []struct {
		name   string
		method string
		target string
		body   string
		status int
	}{
		{"malformed body", http.MethodPost, "/batches", `{"batch_id":`, http.StatusBadRequest},
		{"empty list", http.MethodPost, "/batches", `[]`, http.StatusBadRequest},
		{"missing signature", http.MethodPost, "/batches", `[{"batch_id":"b1","submitter":"pk1"}]`, http.StatusBadRequest},
		{"status without id", http.MethodGet, "/batch_statuses", "", http.StatusBadRequest},
		{"unknown batch", http.MethodGet, "/batch_statuses?id=nope", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, tt.method, tt.target, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	st, err := stores.Open(context.Background(), stores.Config{Driver: stores.DriverMemory})
	require.NoError(t, err)
	defer st.Close()

	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "tracegrid"})
	require.NoError(t, err)
	tel := telemetry.NewNopTelemetry()
	tel.Metrics = metrics
	s := NewServer(DefaultConfig(), st.View, tel)

	rec := do(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])

	rec = do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tracegrid_http_requests_total")
	assert.Contains(t, rec.Body.String(), `route="/health"`)
}

func TestMetricsDisabled(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestParseProtocolVersion(t *testing.T) {
	tests := []struct {
		raw     string
		present bool
		known   bool
	}{
		{"", false, false},
		{"1", true, true},
		{" 1 ", true, true},
		{"2", true, false},
		{"abc", true, false},
		{"", true, false},
	}
	for _, tt := range tests {
		assert.Equal(t, ProtocolV1, ParseProtocolVersion(tt.raw, tt.present), tt.raw)
		_, known := parseProtocolVersion(tt.raw, tt.present)
		assert.Equal(t, tt.known, known, tt.raw)
	}
}

func TestNegotiateProtocolStoresVersion(t *testing.T) {
	var got ProtocolVersion
	h := negotiateProtocol(telemetry.NewNopLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ProtocolVersionFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, DefaultProtocolVersion, got)
	assert.Equal(t, DefaultProtocolVersion, ProtocolVersionFrom(context.Background()))
}

func TestErrorResponseHidesDetail(t *testing.T) {
	resp := errorResponse(model.Internal("op", assert.AnError))
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.Equal(t, "internal server error", resp.Message)
	assert.NotContains(t, resp.Message, assert.AnError.Error())

	resp = errorResponse(model.StorageUnavailable("op", assert.AnError))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)

	resp = errorResponse(model.InvalidState("op", "bad transition"))
	assert.Equal(t, http.StatusConflict, resp.Status)
	assert.Equal(t, "bad transition", resp.Message)
}

func TestRequestID(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodGet, "/health", "")
	assert.Len(t, rec.Header().Get("X-Request-Id"), 36)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-Id"))
}

func TestCommitRoutesAreReadOnly(t *testing.T) {
	s, st := newTestServer(t, nil)
	seed(t, st)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		rec := do(t, s, method, "/commit?service_id=svc-a", `{"commit_num": 0}`)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, method)
		rec = do(t, s, method, "/commit/head?service_id=svc-a", "")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, method)
	}

	head, err := st.Commits.Current(context.Background(), "svc-a")
	require.NoError(t, err)
	assert.EqualValues(t, 1, head.CommitNum)
}
