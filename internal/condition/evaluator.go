package condition

import (
	"errors"
	"fmt"
)

// ErrFieldMissing is returned when an expression references a field the
// context cannot resolve. Rule evaluation treats it as "does not match".
var ErrFieldMissing = errors.New("field not found")

// EvalContext provides data for expression evaluation.
type EvalContext interface {
	Resolve(path []string) (any, bool)
}

// Evaluate walks the AST and returns true/false or an error.
func Evaluate(expr Expr, ctx EvalContext) (bool, error) {
	switch e := expr.(type) {
	case *BinaryExpr:
		return evalBinary(e, ctx)
	case *NotExpr:
		v, err := Evaluate(e.Expr, ctx)
		if err != nil {
			return false, err
		}
		return !v, nil
	case *ComparisonExpr:
		return evalComparison(e, ctx)
	default:
		return false, fmt.Errorf("unknown expr type %T", expr)
	}
}

func evalBinary(e *BinaryExpr, ctx EvalContext) (bool, error) {
	left, err := Evaluate(e.Left, ctx)
	if err != nil {
		return false, err
	}
	switch e.Op {
	case "AND":
		if !left {
			return false, nil
		}
		return Evaluate(e.Right, ctx)
	case "OR":
		if left {
			return true, nil
		}
		return Evaluate(e.Right, ctx)
	default:
		return false, fmt.Errorf("unknown binary op %q", e.Op)
	}
}

func evalComparison(e *ComparisonExpr, ctx EvalContext) (bool, error) {
	left, err := resolveOperand(e.Left, ctx)
	if err != nil {
		return false, err
	}
	right, err := resolveOperand(e.Right, ctx)
	if err != nil {
		return false, err
	}
	if e.re != nil {
		s, ok := left.(string)
		if !ok {
			return false, fmt.Errorf("matches: left operand must be a string, got %T", left)
		}
		return e.re.MatchString(s), nil
	}
	return compare(e.Op, left, right)
}

func resolveOperand(op Operand, ctx EvalContext) (any, error) {
	switch o := op.(type) {
	case *LiteralOperand:
		return o.Value, nil
	case *FieldOperand:
		val, ok := ctx.Resolve(o.Path)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrFieldMissing, o)
		}
		return val, nil
	default:
		return nil, fmt.Errorf("unknown operand type %T", op)
	}
}
