package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/unirep/internal/engine"
	"github.com/roach88/unirep/internal/ir"
	"github.com/roach88/unirep/internal/testutil"
)

func setupServer(t *testing.T, opts ...Option) (*httptest.Server, *engine.Engine) {
	t.Helper()
	clock := testutil.NewClock(time.Time{})
	s := testutil.OpenStore(t, clock)
	eng := engine.New(s, engine.WithIDGenerator(testutil.NewSequentialIDs("ev")))
	srv := httptest.NewServer(NewServer(eng, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv, eng
}

func caseDomain() ir.Domain {
	return ir.Domain{
		ID:   "case",
		Name: "Case",
		Trigger: ir.Trigger{
			Sources:              []string{"cases"},
			ContextKeyExpression: ir.Field("sourceDocId", ir.TypeString),
		},
		ProxyFields: []ir.ProxyField{
			{ID: "status", Name: "Status", Expression: ir.Field("currentValues.status", ir.TypeAny)},
			{ID: "label", Name: "Label", Expression: ir.Ref("status", ir.TypeAny)},
		},
	}
}

func do(t *testing.T, srv *httptest.Server, method, path, tenant string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func registerCase(t *testing.T, srv *httptest.Server) {
	t.Helper()
	resp := do(t, srv, http.MethodPut, "/api/domains/case", "", RegisterRequest{Domain: caseDomain()})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func ingestCase(t *testing.T, srv *httptest.Server, doc, status string) IngestResponse {
	t.Helper()
	resp := do(t, srv, http.MethodPost, "/api/events", "t1", map[string]any{
		"source":        "cases",
		"sourceDocId":   doc,
		"currentValues": map[string]any{"status": status},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	return decode[IngestResponse](t, resp)
}

func TestServer_Health(t *testing.T) {
	srv, _ := setupServer(t)
	resp := do(t, srv, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_IngestAndReadProxy(t *testing.T) {
	srv, eng := setupServer(t)
	registerCase(t, srv)

	first := ingestCase(t, srv, "c1", "OPEN")
	assert.True(t, first.Accepted)
	assert.False(t, first.Duplicate)
	assert.Equal(t, "ev-0001", first.EventID)

	again := ingestCase(t, srv, "c1", "OPEN")
	assert.True(t, again.Accepted)
	assert.True(t, again.Duplicate, "identical unprocessed event is coalesced")
	assert.Equal(t, first.EventID, again.EventID)

	_, err := eng.Drain(context.Background())
	require.NoError(t, err)

	resp := do(t, srv, http.MethodGet, "/api/domains/case/proxies/c1", "t1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	p := decode[ir.Proxy](t, resp)
	assert.Equal(t, ir.IRString("OPEN"), p.DynamicFields["status"])
	assert.Equal(t, ir.IRString("OPEN"), p.DynamicFields["label"])

	resp = do(t, srv, http.MethodGet, "/api/domains/case/proxies/c1", "t2", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "other tenants cannot see the proxy")
}

func TestServer_IngestRejectsInvalidEvents(t *testing.T) {
	srv, _ := setupServer(t)

	resp := do(t, srv, http.MethodPost, "/api/events", "t1", map[string]any{"source": "cases"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[IngestResponse](t, resp)
	assert.False(t, body.Accepted)
	assert.Contains(t, body.Error, "sourceDocId")

	resp = do(t, srv, http.MethodPost, "/api/events", "", map[string]any{"source": "cases", "sourceDocId": "c1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "tenant header is required")

	resp = do(t, srv, http.MethodPost, "/api/events", "t1", map[string]any{"source": "cases", "sourceDocId": "c1", "tenantId": "t2"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_ListProxiesPaginates(t *testing.T) {
	srv, eng := setupServer(t)
	registerCase(t, srv)
	for _, doc := range []string{"a", "b", "c"} {
		ingestCase(t, srv, doc, "OPEN")
	}
	_, err := eng.Drain(context.Background())
	require.NoError(t, err)

	resp := do(t, srv, http.MethodGet, "/api/domains/case/proxies?page=2&pageSize=2", "t1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[ProxyPage](t, resp)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.Page)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "c", page.Items[0].ContextKey)

	resp = do(t, srv, http.MethodGet, "/api/domains/case/proxies?pageSize=0", "t1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_UpdateProxy(t *testing.T) {
	srv, eng := setupServer(t)
	registerCase(t, srv)
	ingestCase(t, srv, "c1", "OPEN")
	_, err := eng.Drain(context.Background())
	require.NoError(t, err)

	resp := do(t, srv, http.MethodPatch, "/api/domains/case/proxies/c1", "t1", map[string]any{
		"proxy":    map[string]any{"dynamicFields": map[string]any{"status": "CLOSED", "label": "ignored"}},
		"metadata": map[string]bool{"dynamicFields.status": true},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	upd := decode[UpdateResponse](t, resp)
	assert.True(t, upd.Success)
	assert.Positive(t, upd.Pass.Evaluated)

	resp = do(t, srv, http.MethodGet, "/api/domains/case/proxies/c1", "t1", nil)
	p := decode[ir.Proxy](t, resp)
	assert.Equal(t, ir.IRString("CLOSED"), p.DynamicFields["status"])
	assert.Equal(t, ir.IRString("CLOSED"), p.DynamicFields["label"], "dependent field follows the asserted value")

	resp = do(t, srv, http.MethodPatch, "/api/domains/nope/proxies/c1", "t1", map[string]any{
		"metadata": map[string]bool{"dynamicFields.status": true},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_RegisterDomain(t *testing.T) {
	srv, _ := setupServer(t)

	bad := caseDomain()
	bad.Trigger.Sources = nil
	resp := do(t, srv, http.MethodPut, "/api/domains/case", "", RegisterRequest{Domain: bad})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	other := caseDomain()
	other.ID = "other"
	resp = do(t, srv, http.MethodPut, "/api/domains/case", "", RegisterRequest{Domain: other})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	registerCase(t, srv)
	resp = do(t, srv, http.MethodGet, "/api/domains", "t1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	domains := decode[[]ir.Domain](t, resp)
	require.Len(t, domains, 1)
	assert.Equal(t, "case", domains[0].ID)
}

func TestServer_ErrorsUseErrorResponse(t *testing.T) {
	srv, _ := setupServer(t)

	resp := do(t, srv, http.MethodGet, "/api/errors", "", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, "Missing tenant", body.Error)
	assert.Contains(t, body.Details, TenantHeader)

	resp = do(t, srv, http.MethodGet, "/api/nope", "t1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.NotEmpty(t, decode[ErrorResponse](t, resp).Error)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/events", strings.NewReader(`{"source":`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TenantHeader, "t1")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid request body", decode[ErrorResponse](t, resp).Error)
}

func TestServer_RejectsOversizedBody(t *testing.T) {
	srv, _ := setupServer(t)

	big := strings.Repeat("x", 5<<20)
	resp := do(t, srv, http.MethodPost, "/api/events", "t1", map[string]any{"source": "cases", "sourceDocId": big})
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestServer_RegistrationNeedsNoTenant(t *testing.T) {
	var tenants []string
	auth := AuthorizerFunc(func(_ context.Context, tenantID string, action Action, _ Scope) error {
		if action == ActionRegisterDomain {
			tenants = append(tenants, tenantID)
		}
		return nil
	})
	srv, _ := setupServer(t, WithAuthorizer(auth))

	registerCase(t, srv)
	assert.Equal(t, []string{""}, tenants)
}

func TestServer_ListErrors(t *testing.T) {
	srv, _ := setupServer(t)
	resp := do(t, srv, http.MethodGet, "/api/errors", "t1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]ir.StandingError](t, resp))
}

func TestServer_AuthorizerReceivesScope(t *testing.T) {
	var calls []Scope
	auth := AuthorizerFunc(func(_ context.Context, tenantID string, action Action, scope Scope) error {
		calls = append(calls, scope)
		if action == ActionUpdateProxy {
			return ErrForbidden
		}
		return nil
	})
	srv, _ := setupServer(t, WithAuthorizer(auth))

	resp := do(t, srv, http.MethodGet, "/api/domains/case/proxies", "t1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = do(t, srv, http.MethodGet, "/api/domains/case/proxies/c1", "t1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = do(t, srv, http.MethodPatch, "/api/domains/case/proxies/c1", "t1", map[string]any{})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	require.Len(t, calls, 3)
	assert.Empty(t, calls[0].ProxyID, "list access has no proxy scope")
	assert.Equal(t, ir.ProxyID("t1", "case", "c1"), calls[1].ProxyID)
	assert.Equal(t, calls[1], calls[2])
}
