package api

import (
	"context"
	"errors"
)

// ErrForbidden is returned by an Authorizer that denies a request.
var ErrForbidden = errors.New("forbidden")

// Action names the capability a request needs.
type Action string

const (
	ActionIngest         Action = "events.ingest"
	ActionListProxies    Action = "proxies.list"
	ActionReadProxy      Action = "proxies.read"
	ActionUpdateProxy    Action = "proxies.update"
	ActionRegisterDomain Action = "domains.register"
	ActionListDomains    Action = "domains.list"
	ActionListErrors     Action = "errors.list"
)

// Scope is derived from the requested action: empty for list access,
// ProxyID set for detail and edit access.
type Scope struct {
	ProxyID string `json:"proxyId,omitempty"`
}

// Authorizer is the external authorization collaborator. The server only
// passes the scope through; decisions are made by the implementation.
type Authorizer interface {
	Check(ctx context.Context, tenantID string, action Action, scope Scope) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, tenantID string, action Action, scope Scope) error

// Check calls f.
func (f AuthorizerFunc) Check(ctx context.Context, tenantID string, action Action, scope Scope) error {
	return f(ctx, tenantID, action, scope)
}

// AllowAll permits every request.
var AllowAll Authorizer = AuthorizerFunc(func(context.Context, string, Action, Scope) error { return nil })
