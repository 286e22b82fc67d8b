package ir

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// ImportedEvent is a change notification from an upstream business service.
// Immutable once appended except for Processed and ProcessedAt.
type ImportedEvent struct {
	// ID is assigned on append (UUIDv7).
	ID string `json:"eventId"`

	// Seq is the log sequence number. It is the only ordering key.
	Seq int64 `json:"seq"`

	Source         string   `json:"source"`
	SourceDocID    string   `json:"sourceDocId"`
	TenantID       string   `json:"tenantId"`
	PreviousValues IRObject `json:"previousValues"`
	CurrentValues  IRObject `json:"currentValues"`
	Metadata       IRObject `json:"metadata"`

	// ContentHash is EventContentHash over tenant, source, document and currentValues.
	ContentHash string `json:"contentHash"`

	Processed   bool       `json:"processed"`
	CreatedAt   time.Time  `json:"createdAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
}

// Validate checks the fields required before an event may be appended.
func (e ImportedEvent) Validate() error {
	var errs []error
	if e.Source == "" {
		errs = append(errs, errors.New("source is required"))
	}
	if e.SourceDocID == "" {
		errs = append(errs, errors.New("sourceDocId is required"))
	}
	if e.TenantID == "" {
		errs = append(errs, errors.New("tenantId is required"))
	}
	return errors.Join(errs...)
}

// Domain defines which events produce which proxy fields and how a context key
// is derived. Domains are global configuration shared by all tenants.
type Domain struct {
	ID          string       `json:"domainId"`
	Name        string       `json:"domainName"`
	ProxyFields []ProxyField `json:"proxyFields"`
	Trigger     Trigger      `json:"trigger"`

	// Fragments holds templates rendered into Proxy.Fragments once fields
	// materialize. Templates may contain expressions and ViewItems at any depth.
	Fragments IRObject `json:"fragments,omitempty"`
}

// ProxyField is one computed field of a domain's proxy.
type ProxyField struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Expression *Expression `json:"expression"`
}

// Trigger declares the event sources a domain listens to and how a matching
// event maps to a context key.
type Trigger struct {
	Sources              []string    `json:"sources"`
	ContextKeyExpression *Expression `json:"contextKeyExpression"`

	// EmitExpression decides whether a given change fires at all.
	// Nil means always emit.
	EmitExpression *Expression `json:"emitExpression,omitempty"`
}

// Accepts reports whether the trigger declares interest in source.
func (t Trigger) Accepts(source string) bool {
	return slices.Contains(t.Sources, source)
}

// Field returns the proxy field with the given id.
func (d *Domain) Field(id string) (ProxyField, bool) {
	for _, f := range d.ProxyFields {
		if f.ID == id {
			return f, true
		}
	}
	return ProxyField{}, false
}

// FieldIDs returns proxy field ids in declaration order.
func (d *Domain) FieldIDs() []string {
	ids := make([]string, len(d.ProxyFields))
	for i, f := range d.ProxyFields {
		ids[i] = f.ID
	}
	return ids
}

// Validate checks structural requirements of a domain definition.
// Expression contents are validated by the expression evaluator.
func (d *Domain) Validate() error {
	var errs []error
	if d.ID == "" {
		errs = append(errs, errors.New("domainId is required"))
	}
	if len(d.Trigger.Sources) == 0 {
		errs = append(errs, errors.New("trigger.sources must not be empty"))
	}
	if d.Trigger.ContextKeyExpression == nil {
		errs = append(errs, errors.New("trigger.contextKeyExpression is required"))
	}
	seen := make(map[string]bool, len(d.ProxyFields))
	for i, f := range d.ProxyFields {
		if f.ID == "" {
			errs = append(errs, fmt.Errorf("proxyFields[%d]: id is required", i))
			continue
		}
		if seen[f.ID] {
			errs = append(errs, fmt.Errorf("proxyFields[%d]: duplicate id %q", i, f.ID))
		}
		seen[f.ID] = true
		if f.Expression == nil {
			errs = append(errs, fmt.Errorf("proxyFields[%d] %q: expression is required", i, f.ID))
		}
	}
	return errors.Join(errs...)
}

// TriggerMatch is produced per event per matching domain. It is not persisted.
type TriggerMatch struct {
	DomainID   string
	TenantID   string
	ContextKey string
	Trigger    *Trigger
}

// Proxy is the materialized document for one (tenant, domain, context key).
type Proxy struct {
	TenantID      string    `json:"tenantId"`
	DomainID      string    `json:"domainId"`
	ContextKey    string    `json:"contextKey"`
	DynamicFields IRObject  `json:"dynamicFields"`
	Fragments     IRObject  `json:"fragments"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`

	// AssertedFragments lists fragment names pushed by a parent through the
	// update API. Template rendering never overwrites them.
	AssertedFragments []string `json:"-"`
}

// ID returns the stable proxy identifier.
func (p *Proxy) ID() string {
	return ProxyID(p.TenantID, p.DomainID, p.ContextKey)
}

// NodeStatus is the state of a dependency graph node.
type NodeStatus string

const (
	NodeDirty     NodeStatus = "DIRTY"
	NodeEvaluated NodeStatus = "EVALUATED"
)

// ContributionKind distinguishes event-driven and parent-asserted contributions.
type ContributionKind string

const (
	ContributionEvent  ContributionKind = "event"
	ContributionParent ContributionKind = "parent"
)

// Contribution is a staged input to a dirty node. Event contributions are
// evaluated against their event; parent contributions carry the asserted value.
// Parent contributions keep assertion order in the slice that holds them.
type Contribution struct {
	Kind    ContributionKind `json:"kind"`
	EventID string           `json:"eventId,omitempty"`
	Seq     int64            `json:"seq,omitempty"`
	Value   *Literal         `json:"value,omitempty"`
}

// GraphNode is the persisted state of one target within a tenant.
type GraphNode struct {
	TenantID string     `json:"tenantId"`
	Target   TargetID   `json:"target"`
	Status   NodeStatus `json:"status"`

	// DependsOn are the targets read by the most recent evaluation.
	DependsOn []TargetID `json:"dependsOn"`

	// DependedBy is filled on reads from the reverse edge index.
	DependedBy []TargetID `json:"dependedBy,omitempty"`

	// LastEventID and AppliedSeq identify the event whose value was last committed.
	LastEventID string `json:"lastEventId,omitempty"`
	AppliedSeq  int64  `json:"appliedSeq"`

	Pending []Contribution `json:"pending,omitempty"`

	Attempts       int        `json:"attempts"`
	CycleDeferrals int        `json:"cycleDeferrals"`
	Suspended      bool       `json:"suspended"`
	NextAttemptAt  *time.Time `json:"nextAttemptAt,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// HorizontalPolicy arbitrates concurrent contributions to the same target.
type HorizontalPolicy string

// VerticalPolicy arbitrates between local and parent-asserted values.
type VerticalPolicy string

// ParentOrder picks among several parent assertions under PARENT.
type ParentOrder string

const (
	HorizontalOverwrite HorizontalPolicy = "OVERWRITE"
	VerticalParent      VerticalPolicy   = "PARENT"

	ParentLatest   ParentOrder = "LATEST"
	ParentEarliest ParentOrder = "EARLIEST"
)

// DefaultGraphID names the policy used when a domain has none of its own.
const DefaultGraphID = "default"

// GraphPolicy configures the merge resolver for one dependency graph
// (keyed by domain id) or for DefaultGraphID.
type GraphPolicy struct {
	GraphID     string           `json:"graphId"`
	Horizontal  HorizontalPolicy `json:"horizontal"`
	Vertical    VerticalPolicy   `json:"vertical"`
	ParentOrder ParentOrder      `json:"parentOrder,omitempty"`
}

// DefaultPolicy returns OVERWRITE / PARENT / LATEST.
func DefaultPolicy() GraphPolicy {
	return GraphPolicy{
		GraphID:     DefaultGraphID,
		Horizontal:  HorizontalOverwrite,
		Vertical:    VerticalParent,
		ParentOrder: ParentLatest,
	}
}

// Validate rejects unknown vertical policies and parent orders. Horizontal
// strategies are pluggable, so only their presence is checked here.
func (p GraphPolicy) Validate() error {
	if p.GraphID == "" {
		return errors.New("graphId is required")
	}
	if p.Horizontal == "" {
		return errors.New("horizontal policy is required")
	}
	if p.Vertical != VerticalParent {
		return fmt.Errorf("unsupported vertical policy %q", p.Vertical)
	}
	switch p.ParentOrder {
	case "", ParentLatest, ParentEarliest:
	default:
		return fmt.Errorf("unsupported parent order %q", p.ParentOrder)
	}
	return nil
}

// ErrorClass is the error taxonomy used for standing errors.
type ErrorClass string

const (
	ClassTransient     ErrorClass = "transient"
	ClassConfiguration ErrorClass = "configuration"
	ClassData          ErrorClass = "data"
)

// ErrorScope says what a standing error is attached to.
type ErrorScope string

const (
	ScopeDomain ErrorScope = "domain"
	ScopeTarget ErrorScope = "target"
)

// StandingError is an operator-visible error attached to a domain or target.
// Domain-scoped errors have an empty TenantID.
type StandingError struct {
	TenantID  string     `json:"tenantId,omitempty"`
	Scope     ErrorScope `json:"scope"`
	DomainID  string     `json:"domainId"`
	TargetID  string     `json:"targetId,omitempty"`
	Code      string     `json:"code"`
	Class     ErrorClass `json:"class"`
	Message   string     `json:"message"`
	Attempts  int        `json:"attempts"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}
