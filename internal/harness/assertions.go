package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/unirep/internal/ir"
	"github.com/roach88/unirep/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Store *store.Store
	Ctx   context.Context
}

// EvaluateAssertions evaluates all assertions against the store.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var msgs []string

	for i, a := range assertions {
		var err error
		if actx == nil || actx.Store == nil {
			err = fmt.Errorf("assertion[%d]: database context is required", i)
		} else {
			switch a.Type {
			case AssertProxyField:
				err = assertProxyField(actx, a)
			case AssertFragment:
				err = assertFragment(actx, a)
			case AssertProxyAbsent:
				err = assertProxyAbsent(actx, a)
			case AssertProxyCount:
				err = assertProxyCount(actx, a)
			case AssertStandingError:
				err = assertStandingError(actx, a)
			case AssertNoErrors:
				err = assertNoErrors(actx, a)
			case AssertUnprocessed:
				err = assertUnprocessed(actx, a)
			default:
				err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
			}
		}
		if err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	return msgs
}

func proxyLabel(a Assertion) string {
	return fmt.Sprintf("%s/%s/%s", tenantOr(a.Tenant), a.Domain, a.ContextKey)
}

func loadProxy(actx *AssertionContext, a Assertion) (ir.Proxy, error) {
	p, err := actx.Store.GetProxy(actx.Ctx, tenantOr(a.Tenant), a.Domain, a.ContextKey)
	if errors.Is(err, store.ErrNotFound) {
		return p, &AssertionError{
			Type:     a.Type,
			Expected: "proxy " + proxyLabel(a),
			Actual:   "no such proxy",
		}
	}
	return p, err
}

func assertProxyField(actx *AssertionContext, a Assertion) error {
	p, err := loadProxy(actx, a)
	if err != nil {
		return err
	}
	return compareValue(a, fmt.Sprintf("%s.%s", proxyLabel(a), a.Field), p.DynamicFields, a.Field)
}

func assertFragment(actx *AssertionContext, a Assertion) error {
	p, err := loadProxy(actx, a)
	if err != nil {
		return err
	}
	return compareValue(a, fmt.Sprintf("%s fragment %s", proxyLabel(a), a.Fragment), p.Fragments, a.Fragment)
}

func compareValue(a Assertion, label string, obj ir.IRObject, key string) error {
	want, err := ir.FromAny(a.Value)
	if err != nil {
		return fmt.Errorf("%s: invalid expected value: %w", a.Type, err)
	}
	got, ok := obj[key]
	if !ok {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s = %s", label, render(want)),
			Actual:   "not materialized",
		}
	}
	if !ir.Equal(want, got) {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s = %s", label, render(want)),
			Actual:   render(got),
		}
	}
	return nil
}

func assertProxyAbsent(actx *AssertionContext, a Assertion) error {
	_, err := actx.Store.GetProxy(actx.Ctx, tenantOr(a.Tenant), a.Domain, a.ContextKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: "no proxy " + proxyLabel(a),
		Actual:   "proxy exists",
	}
}

func assertProxyCount(actx *AssertionContext, a Assertion) error {
	_, total, err := actx.Store.ListProxies(actx.Ctx, tenantOr(a.Tenant), a.Domain, 1, 1)
	if err != nil {
		return err
	}
	if total != a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d proxies in %s", a.Count, a.Domain),
			Actual:   fmt.Sprintf("%d proxies", total),
		}
	}
	return nil
}

func assertStandingError(actx *AssertionContext, a Assertion) error {
	errs, err := actx.Store.ListStandingErrors(actx.Ctx, tenantOr(a.Tenant))
	if err != nil {
		return err
	}
	var seen []string
	for _, e := range errs {
		seen = append(seen, e.Code+"@"+e.DomainID+targetSuffix(e.TargetID))
		if e.DomainID != a.Domain || e.Code != a.Code {
			continue
		}
		if a.Field != "" && !targetMatches(e.TargetID, a) {
			continue
		}
		return nil
	}
	want := a.Code + "@" + a.Domain
	if a.Field != "" {
		want += " on field " + a.Field
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: want,
		Actual:   fmt.Sprintf("%v", seen),
	}
}

func targetMatches(targetID string, a Assertion) bool {
	t, err := ir.ParseTargetID(targetID)
	if err != nil {
		return false
	}
	if t.FieldID != a.Field {
		return false
	}
	return a.ContextKey == "" || t.ContextKey == a.ContextKey
}

func targetSuffix(targetID string) string {
	if targetID == "" {
		return ""
	}
	return "[" + targetID + "]"
}

func assertNoErrors(actx *AssertionContext, a Assertion) error {
	errs, err := actx.Store.ListStandingErrors(actx.Ctx, tenantOr(a.Tenant))
	if err != nil {
		return err
	}
	if len(errs) == 0 {
		return nil
	}
	codes := make([]string, len(errs))
	for i, e := range errs {
		codes[i] = e.Code + "@" + e.DomainID + targetSuffix(e.TargetID)
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: "no standing errors",
		Actual:   fmt.Sprintf("%v", codes),
	}
}

func assertUnprocessed(actx *AssertionContext, a Assertion) error {
	n, err := actx.Store.CountUnprocessed(actx.Ctx)
	if err != nil {
		return err
	}
	if n != a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d unprocessed events", a.Count),
			Actual:   fmt.Sprintf("%d", n),
		}
	}
	return nil
}

func render(v ir.IRValue) string {
	b, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
