package expr

import (
	"fmt"
	"iter"
	"maps"
	"reflect"
	"slices"

	"github.com/roach88/unirep/internal/ir"
)

// MaxDiscoveryDepth bounds nesting during discovery.
const MaxDiscoveryDepth = 128

// Found is one expression located inside a nested document.
type Found struct {
	// Path is the structural path, e.g. "summary.rows[2].value".
	Path string

	Expression *ir.Expression

	// RepresentationKind is inherited from the nearest enclosing ViewItem.
	RepresentationKind string

	// Err is set when an object tagged with expressionKind cannot be decoded,
	// or the depth bound was hit.
	Err error
}

type frame struct {
	value   any
	path    string
	repKind string
	depth   int

	// ancestors are the containers enclosing value, innermost first.
	ancestors *ancestry
}

type ancestry struct {
	id     containerID
	parent *ancestry
}

func (a *ancestry) contains(id containerID) bool {
	for ; a != nil; a = a.parent {
		if a.id == id {
			return true
		}
	}
	return false
}

type containerID struct {
	ptr uintptr
	len int
}

// Walk lazily yields every expression nested anywhere in root, depth first,
// with object keys in canonical order. root may be an ir.IRValue or decoded
// Go data (map[string]any, []any).
//
// Objects carrying expressionKind are yielded and not descended into. Objects
// carrying representationKind are ViewItems: their kind applies to every
// expression beneath them until a nested ViewItem overrides it. A container
// shared by several paths is expanded under each of them; only a container
// that encloses itself is cut, so cyclic Go structures terminate.
func Walk(root any) iter.Seq[Found] {
	return func(yield func(Found) bool) {
		visitedPaths := make(map[string]bool)
		stack := []frame{{value: root}}

		for len(stack) > 0 {
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			if visitedPaths[f.path] {
				continue
			}
			visitedPaths[f.path] = true

			if f.depth > MaxDiscoveryDepth {
				if !yield(Found{Path: f.path, RepresentationKind: f.repKind, Err: fmt.Errorf("nesting exceeds %d levels", MaxDiscoveryDepth)}) {
					return
				}
				continue
			}

			ancestors := f.ancestors
			if id, ok := identity(f.value); ok {
				if ancestors.contains(id) {
					continue
				}
				ancestors = &ancestry{id: id, parent: f.ancestors}
			}

			switch v := f.value.(type) {
			case ir.IRObject:
				if found, ok := visitObject(v, f); ok {
					if !yield(found) {
						return
					}
					continue
				}
				repKind := inheritKind(v, f.repKind)
				keys := v.SortedKeys()
				for i := len(keys) - 1; i >= 0; i-- {
					stack = append(stack, frame{value: v[keys[i]], path: keyPath(f.path, keys[i]), repKind: repKind, depth: f.depth + 1, ancestors: ancestors})
				}
			case map[string]any:
				if _, tagged := v[ir.ExpressionKindKey].(string); tagged {
					found := Found{Path: f.path, RepresentationKind: f.repKind}
					obj, err := ir.ObjectFromAny(v)
					if err != nil {
						found.Err = err
					} else {
						found, _ = visitObject(obj, f)
					}
					if !yield(found) {
						return
					}
					continue
				}
				repKind := f.repKind
				if k, ok := v[ir.RepresentationKindKey].(string); ok && k != "" {
					repKind = k
				}
				keys := slices.Sorted(maps.Keys(v))
				for i := len(keys) - 1; i >= 0; i-- {
					stack = append(stack, frame{value: v[keys[i]], path: keyPath(f.path, keys[i]), repKind: repKind, depth: f.depth + 1, ancestors: ancestors})
				}
			case ir.IRArray:
				for i := len(v) - 1; i >= 0; i-- {
					stack = append(stack, frame{value: v[i], path: indexPath(f.path, i), repKind: f.repKind, depth: f.depth + 1, ancestors: ancestors})
				}
			case []any:
				for i := len(v) - 1; i >= 0; i-- {
					stack = append(stack, frame{value: v[i], path: indexPath(f.path, i), repKind: f.repKind, depth: f.depth + 1, ancestors: ancestors})
				}
			}
		}
	}
}

// Discover collects Walk into a path-keyed map. The first decode error is
// returned alongside everything found.
func Discover(root any) (map[string]Found, error) {
	out := make(map[string]Found)
	var firstErr error
	for found := range Walk(root) {
		if found.Err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", found.Path, found.Err)
			}
			continue
		}
		out[found.Path] = found
	}
	return out, firstErr
}

// SortedPaths returns the keys of a Discover result in order.
func SortedPaths(found map[string]Found) []string {
	paths := make([]string, 0, len(found))
	for p := range found {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}

func visitObject(obj ir.IRObject, f frame) (Found, bool) {
	if !ir.IsExpressionObject(obj) {
		return Found{}, false
	}
	found := Found{Path: f.path, RepresentationKind: inheritKind(obj, f.repKind)}
	e, err := ir.DecodeExpression(obj)
	if err != nil {
		found.Err = err
		return found, true
	}
	found.Expression = e
	return found, true
}

func inheritKind(obj ir.IRObject, parent string) string {
	if k, ok := obj[ir.RepresentationKindKey].(ir.IRString); ok && k != "" {
		return string(k)
	}
	return parent
}

func identity(v any) (containerID, bool) {
	switch v.(type) {
	case ir.IRObject, map[string]any, ir.IRArray, []any:
		rv := reflect.ValueOf(v)
		if rv.Len() == 0 {
			return containerID{}, false
		}
		return containerID{ptr: rv.Pointer(), len: rv.Len()}, true
	}
	return containerID{}, false
}

func keyPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

func indexPath(parent string, i int) string {
	return fmt.Sprintf("%s[%d]", parent, i)
}
