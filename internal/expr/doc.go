// Package expr evaluates the typed expression trees used by domain
// configuration and fragment templates.
//
// Evaluation is pure apart from the Resolver callback, which the engine uses
// to read other targets and record dependency edges. Every node's result is
// checked against its declared typeHint; a mismatch is a TYPE_MISMATCH error,
// never a silent coercion. Missing fields and unresolved references produce a
// typed empty result that conditionals and isEmpty/coalesce can branch on.
//
// Walk and Discover locate expressions nested at any depth inside arbitrary
// documents, carrying the representationKind of the nearest enclosing
// ViewItem.
package expr
