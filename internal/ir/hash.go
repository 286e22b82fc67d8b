package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainEventContent = "urep/event-content/v1"
	DomainProxy        = "urep/proxy/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EventContentHash identifies the content of an imported event for duplicate
// coalescing. Two submissions with the same tenant, source, source document and
// current values hash identically regardless of key order or Unicode form.
// previousValues and metadata are excluded: they describe delivery, not content.
func EventContentHash(tenantID, source, sourceDocID string, currentValues IRObject) (string, error) {
	if currentValues == nil {
		currentValues = IRObject{}
	}
	obj := IRObject{
		"tenant_id":      IRString(tenantID),
		"source":         IRString(source),
		"source_doc_id":  IRString(sourceDocID),
		"current_values": currentValues,
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("EventContentHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainEventContent, canonical), nil
}

// ProxyID derives the stable identifier of a proxy document. It is the value
// handed to authorization as the {proxyId} scope.
func ProxyID(tenantID, domainID, contextKey string) string {
	obj := IRObject{
		"tenant_id":   IRString(tenantID),
		"domain_id":   IRString(domainID),
		"context_key": IRString(contextKey),
	}
	// Strings only; canonical marshaling cannot fail.
	canonical, _ := MarshalCanonical(obj)
	return hashWithDomain(DomainProxy, canonical)
}

// MustEventContentHash is like EventContentHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustEventContentHash(tenantID, source, sourceDocID string, currentValues IRObject) string {
	h, err := EventContentHash(tenantID, source, sourceDocID, currentValues)
	if err != nil {
		panic(err)
	}
	return h
}
