package expr

import (
	"fmt"

	"github.com/roach88/unirep/internal/ir"
)

// RenderFunc produces the value substituted for one discovered expression.
type RenderFunc func(found Found) (ir.IRValue, error)

// Render returns a copy of template where every expression object is replaced
// by the value fn returns for it. Paths and inherited representation kinds
// match Walk. ViewItem wrappers are kept so consumers still see their kind.
func Render(template ir.IRValue, fn RenderFunc) (ir.IRValue, error) {
	return render(template, "", "", 0, fn)
}

func render(v ir.IRValue, path, repKind string, depth int, fn RenderFunc) (ir.IRValue, error) {
	if depth > MaxDiscoveryDepth {
		return nil, fmt.Errorf("%s: nesting exceeds %d levels", path, MaxDiscoveryDepth)
	}
	switch val := v.(type) {
	case ir.IRObject:
		if found, ok := visitObject(val, frame{path: path, repKind: repKind}); ok {
			if found.Err != nil {
				return nil, fmt.Errorf("%s: %w", path, found.Err)
			}
			return fn(found)
		}
		kind := inheritKind(val, repKind)
		out := make(ir.IRObject, len(val))
		for _, k := range val.SortedKeys() {
			rendered, err := render(val[k], keyPath(path, k), kind, depth+1, fn)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case ir.IRArray:
		out := make(ir.IRArray, len(val))
		for i, elem := range val {
			rendered, err := render(elem, indexPath(path, i), repKind, depth+1, fn)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	}
	return v, nil
}

// EvalRenderer returns a RenderFunc evaluating each expression against env.
// Empty results render as null.
func EvalRenderer(env *Env) RenderFunc {
	return func(found Found) (ir.IRValue, error) {
		res, err := Eval(found.Expression, env)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", found.Path, err)
		}
		return res.ValueOrNull(), nil
	}
}
