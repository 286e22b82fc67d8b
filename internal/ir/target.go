package ir

import (
	"fmt"
	"net/url"
	"strings"
)

// TargetID addresses a single field of a single proxy.
// Uniqueness holds per tenant: the graph keys nodes by (tenantID, TargetID).
type TargetID struct {
	DomainID   string `json:"domainId"`
	ContextKey string `json:"contextKey"`
	FieldID    string `json:"fieldId"`
}

// String renders "domain/contextKey/field" with each segment path-escaped, so
// context keys containing slashes stay unambiguous.
func (t TargetID) String() string {
	return url.PathEscape(t.DomainID) + "/" + url.PathEscape(t.ContextKey) + "/" + url.PathEscape(t.FieldID)
}

// Key is the tenant-qualified node key used by the graph and the keyed locks.
func (t TargetID) Key(tenantID string) string {
	return url.PathEscape(tenantID) + "/" + t.String()
}

// ParseTargetID is the inverse of TargetID.String.
func ParseTargetID(s string) (TargetID, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return TargetID{}, fmt.Errorf("invalid target id %q: want domain/contextKey/field", s)
	}
	var out [3]string
	for i, p := range parts {
		v, err := url.PathUnescape(p)
		if err != nil {
			return TargetID{}, fmt.Errorf("invalid target id %q: %w", s, err)
		}
		out[i] = v
	}
	return TargetID{DomainID: out[0], ContextKey: out[1], FieldID: out[2]}, nil
}

// ProxyKey identifies the proxy that owns the target.
func (t TargetID) ProxyKey() ProxyKey {
	return ProxyKey{DomainID: t.DomainID, ContextKey: t.ContextKey}
}

// ProxyKey identifies one proxy within a tenant.
type ProxyKey struct {
	DomainID   string
	ContextKey string
}

// Target returns the TargetID of fieldID within this proxy.
func (k ProxyKey) Target(fieldID string) TargetID {
	return TargetID{DomainID: k.DomainID, ContextKey: k.ContextKey, FieldID: fieldID}
}
