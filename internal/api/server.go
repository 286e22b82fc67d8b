// Package api exposes the engine over HTTP: event ingestion, proxy reads,
// parent updates, domain registration and standing errors.
//
// Every request under /api names its tenant in the X-Tenant-ID header, except
// domain registration, which is global.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/roach88/unirep/internal/engine"
	"github.com/roach88/unirep/internal/ir"
	"github.com/roach88/unirep/internal/store"
)

// TenantHeader carries the tenant id of a request.
const TenantHeader = "X-Tenant-ID"

const (
	defaultPageSize = 50
	maxPageSize     = 500
	maxBodySize     = "4M"

	tenantKey = "tenant"
)

// Server handles API requests.
type Server struct {
	eng  *engine.Engine
	auth Authorizer
}

// Option configures a Server.
type Option func(*Server)

// WithAuthorizer installs the authorization collaborator. Defaults to AllowAll.
func WithAuthorizer(a Authorizer) Option {
	return func(s *Server) { s.auth = a }
}

// NewServer creates a server backed by eng.
func NewServer(eng *engine.Engine, opts ...Option) *Server {
	s := &Server{eng: eng, auth: AllowAll}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(requestLogger())
	e.Use(echomw.BodyLimit(maxBodySize))

	e.GET("/healthz", s.health)

	// Registration is global: the tenant header is optional.
	e.PUT("/api/domains/:domainId", s.registerDomain)

	tenant := e.Group("/api", requireTenant)
	tenant.POST("/events", s.ingest)
	tenant.GET("/domains", s.listDomains)
	tenant.GET("/domains/:domainId/proxies", s.listProxies)
	tenant.GET("/domains/:domainId/proxies/:contextKey", s.getProxy)
	tenant.PATCH("/domains/:domainId/proxies/:contextKey", s.updateProxy)
	tenant.GET("/errors", s.listErrors)

	return e
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// IngestResponse reports the acceptance of one event.
type IngestResponse struct {
	Accepted bool   `json:"accepted"`
	EventID  string `json:"eventId"`
	Seq      int64  `json:"seq"`

	// Duplicate is true when an unprocessed event with identical content
	// was already queued; no new entry was written.
	Duplicate bool `json:"duplicate"`

	Error string `json:"error,omitempty"`
}

// ProxyPage is one page of proxies.
type ProxyPage struct {
	Items    []ir.Proxy `json:"items"`
	Total    int        `json:"total"`
	Page     int        `json:"page"`
	PageSize int        `json:"pageSize"`
}

// UpdateResponse reports a proxy update.
type UpdateResponse struct {
	Success bool              `json:"success"`
	Pass    engine.PassResult `json:"pass"`
}

// RegisterRequest is the body of a domain registration.
type RegisterRequest struct {
	Domain ir.Domain       `json:"domain"`
	Policy *ir.GraphPolicy `json:"policy,omitempty"`
}

// RegisterResponse reports a registration and the pass over resumed targets.
type RegisterResponse struct {
	DomainID string            `json:"domainId"`
	Pass     engine.PassResult `json:"pass"`
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ingest(c echo.Context) error {
	tenant := tenantOf(c)
	if err := s.authorize(c, ActionIngest, Scope{}); err != nil {
		return err
	}

	var ev ir.ImportedEvent
	if err := bind(c, &ev); err != nil {
		return err
	}
	if ev.TenantID != "" && ev.TenantID != tenant {
		return fail(c, http.StatusBadRequest, "Tenant mismatch", "body tenantId differs from "+TenantHeader)
	}
	ev.TenantID = tenant
	// Server-assigned fields are never taken from the client.
	ev.ID, ev.Seq, ev.ContentHash = "", 0, ""
	ev.Processed, ev.ProcessedAt = false, nil

	if err := ev.Validate(); err != nil {
		return c.JSON(http.StatusBadRequest, IngestResponse{Accepted: false, Error: err.Error()})
	}

	ctx := c.Request().Context()
	stored, inserted, err := s.eng.Ingest(ctx, ev)
	if err != nil {
		slog.Error("ingest failed", "tenant_id", tenant, "source", ev.Source, "error", err)
		return fail(c, http.StatusInternalServerError, "Failed to ingest event", err.Error())
	}
	return c.JSON(http.StatusAccepted, IngestResponse{
		Accepted:  true,
		EventID:   stored.ID,
		Seq:       stored.Seq,
		Duplicate: !inserted,
	})
}

func (s *Server) listDomains(c echo.Context) error {
	if err := s.authorize(c, ActionListDomains, Scope{}); err != nil {
		return err
	}
	domains, err := s.eng.Store().ListDomains(c.Request().Context())
	if err != nil {
		slog.Error("list domains failed", "error", err)
		return fail(c, http.StatusInternalServerError, "Failed to list domains", err.Error())
	}
	return c.JSON(http.StatusOK, domains)
}

func (s *Server) registerDomain(c echo.Context) error {
	domainID := c.Param("domainId")
	if err := s.authorize(c, ActionRegisterDomain, Scope{}); err != nil {
		return err
	}

	var req RegisterRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.Domain.ID == "" {
		req.Domain.ID = domainID
	}
	if req.Domain.ID != domainID {
		return fail(c, http.StatusBadRequest, "Domain id mismatch", fmt.Sprintf("body domainId %q differs from path %q", req.Domain.ID, domainID))
	}

	res, err := s.eng.RegisterDomain(c.Request().Context(), req.Domain, req.Policy)
	if err != nil {
		if engine.IsConfigurationError(err) {
			return fail(c, http.StatusUnprocessableEntity, "Invalid domain", err.Error())
		}
		slog.Error("register domain failed", "domain_id", domainID, "error", err)
		return fail(c, http.StatusInternalServerError, "Failed to register domain", err.Error())
	}
	return c.JSON(http.StatusOK, RegisterResponse{DomainID: domainID, Pass: res})
}

func (s *Server) listProxies(c echo.Context) error {
	tenant := tenantOf(c)
	if err := s.authorize(c, ActionListProxies, Scope{}); err != nil {
		return err
	}
	page, err := queryInt(c, "page", 1)
	if err != nil || page < 1 {
		return fail(c, http.StatusBadRequest, "Invalid page", "page must be a positive integer")
	}
	pageSize, err := queryInt(c, "pageSize", defaultPageSize)
	if err != nil || pageSize < 1 || pageSize > maxPageSize {
		return fail(c, http.StatusBadRequest, "Invalid pageSize", fmt.Sprintf("pageSize must be between 1 and %d", maxPageSize))
	}

	items, total, err := s.eng.Store().ListProxies(c.Request().Context(), tenant, c.Param("domainId"), page, pageSize)
	if err != nil {
		slog.Error("list proxies failed", "tenant_id", tenant, "error", err)
		return fail(c, http.StatusInternalServerError, "Failed to list proxies", err.Error())
	}
	return c.JSON(http.StatusOK, ProxyPage{Items: items, Total: total, Page: page, PageSize: pageSize})
}

func (s *Server) getProxy(c echo.Context) error {
	tenant := tenantOf(c)
	domainID, contextKey := c.Param("domainId"), c.Param("contextKey")
	if err := s.authorize(c, ActionReadProxy, Scope{ProxyID: ir.ProxyID(tenant, domainID, contextKey)}); err != nil {
		return err
	}

	p, err := s.eng.Store().GetProxy(c.Request().Context(), tenant, domainID, contextKey)
	if errors.Is(err, store.ErrNotFound) {
		return fail(c, http.StatusNotFound, "Not found", fmt.Sprintf("no proxy %s/%s", domainID, contextKey))
	}
	if err != nil {
		slog.Error("get proxy failed", "tenant_id", tenant, "domain_id", domainID, "context_key", contextKey, "error", err)
		return fail(c, http.StatusInternalServerError, "Failed to get proxy", err.Error())
	}
	return c.JSON(http.StatusOK, p)
}

// updateBody is the payload of a proxy update.
type updateBody struct {
	Proxy    engine.ProxyPayload `json:"proxy"`
	Metadata map[string]bool     `json:"metadata"`
}

func (s *Server) updateProxy(c echo.Context) error {
	tenant := tenantOf(c)
	domainID, contextKey := c.Param("domainId"), c.Param("contextKey")
	if err := s.authorize(c, ActionUpdateProxy, Scope{ProxyID: ir.ProxyID(tenant, domainID, contextKey)}); err != nil {
		return err
	}

	var body updateBody
	if err := bind(c, &body); err != nil {
		return err
	}

	res, err := s.eng.UpdateProxy(c.Request().Context(), engine.UpdateRequest{
		TenantID:   tenant,
		DomainID:   domainID,
		ContextKey: contextKey,
		Proxy:      body.Proxy,
		Metadata:   body.Metadata,
	})
	if errors.Is(err, engine.ErrInvalidUpdate) {
		return fail(c, http.StatusBadRequest, "Invalid update", err.Error())
	}
	if err != nil {
		slog.Error("update proxy failed", "tenant_id", tenant, "domain_id", domainID, "context_key", contextKey, "error", err)
		return fail(c, http.StatusInternalServerError, "Failed to update proxy", err.Error())
	}
	return c.JSON(http.StatusOK, UpdateResponse{Success: true, Pass: res})
}

func (s *Server) listErrors(c echo.Context) error {
	tenant := tenantOf(c)
	if err := s.authorize(c, ActionListErrors, Scope{}); err != nil {
		return err
	}
	errs, err := s.eng.Store().ListStandingErrors(c.Request().Context(), tenant)
	if err != nil {
		slog.Error("list standing errors failed", "tenant_id", tenant, "error", err)
		return fail(c, http.StatusInternalServerError, "Failed to list errors", err.Error())
	}
	return c.JSON(http.StatusOK, errs)
}

// requireTenant rejects requests without a tenant header and stores the
// tenant on the context.
func requireTenant(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenant := c.Request().Header.Get(TenantHeader)
		if tenant == "" {
			return fail(c, http.StatusBadRequest, "Missing tenant", TenantHeader+" header is required")
		}
		c.Set(tenantKey, tenant)
		return next(c)
	}
}

func tenantOf(c echo.Context) string {
	if tenant, ok := c.Get(tenantKey).(string); ok {
		return tenant
	}
	return c.Request().Header.Get(TenantHeader)
}

// authorize runs the authorizer. A denial is returned as an HTTP error for
// errorHandler to write.
func (s *Server) authorize(c echo.Context, action Action, scope Scope) error {
	err := s.auth.Check(c.Request().Context(), tenantOf(c), action, scope)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrForbidden) {
		return echo.NewHTTPError(http.StatusForbidden, ErrorResponse{Error: "Forbidden", Details: err.Error()})
	}
	slog.Error("authorization check failed", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, ErrorResponse{Error: "Authorization failed", Details: err.Error()})
}

// bind decodes the request body only; path and query values are read
// explicitly by the handlers.
func bind(c echo.Context, v any) error {
	err := (&echo.DefaultBinder{}).BindBody(c, v)
	if err == nil {
		return nil
	}
	status, details := http.StatusBadRequest, err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status, details = he.Code, fmt.Sprint(he.Message)
		if he.Internal != nil {
			details = he.Internal.Error()
		}
	}
	return echo.NewHTTPError(status, ErrorResponse{Error: "Invalid request body", Details: details})
}

func queryInt(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func fail(c echo.Context, status int, msg, details string) error {
	return c.JSON(status, ErrorResponse{Error: msg, Details: details})
}

// errorHandler writes every error a handler or echo itself returns as an
// ErrorResponse.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	resp := ErrorResponse{Error: http.StatusText(http.StatusInternalServerError), Details: err.Error()}
	status := http.StatusInternalServerError
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		switch msg := he.Message.(type) {
		case ErrorResponse:
			resp = msg
		default:
			resp = ErrorResponse{Error: http.StatusText(he.Code), Details: fmt.Sprint(msg)}
		}
	}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
	}
	if err := c.JSON(status, resp); err != nil {
		slog.Warn("encode response failed", "error", err)
	}
}

// requestLogger logs one line per request with slog.
func requestLogger() echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			slog.Debug("http request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"request_id", v.RequestID,
				"tenant_id", c.Request().Header.Get(TenantHeader),
			)
			return nil
		},
	})
}
