// Package expr implements the side-effect-free expression language used by
// edge conditions and by switch, assign, script, loop and foreach nodes.
// Expressions evaluate over the instance scope; unresolved references degrade
// to the empty string instead of failing.
package expr

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Expr is a compiled expression ready for repeated evaluation.
type Expr struct {
	src string
	ast astNode
}

// Compile normalizes, lexes and parses src.
func Compile(src string) (*Expr, error) {
	normalized := Normalize(src)
	if normalized == "" {
		return nil, fmt.Errorf("empty expression")
	}
	toks, err := lex(normalized)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", src, err)
	}
	ast, err := parse(toks)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", src, err)
	}
	return &Expr{src: src, ast: ast}, nil
}

// Source returns the original expression text.
func (e *Expr) Source() string { return e.src }

// Eval evaluates against the scope plus optional loop locals (item, index,
// total). Locals shadow scope roots.
func (e *Expr) Eval(scope map[string]any, locals map[string]any) (any, error) {
	env := &env{scope: scope, locals: locals}
	return env.eval(e.ast)
}

// Eval compiles and evaluates src in one step.
func Eval(src string, scope map[string]any) (any, error) {
	compiled, err := Compile(src)
	if err != nil {
		return nil, err
	}
	return compiled.Eval(scope, nil)
}

// EvalCondition evaluates an edge condition: blank is true, compile or
// evaluation failure is false.
func EvalCondition(src string, scope map[string]any) bool {
	if strings.TrimSpace(src) == "" {
		return true
	}
	v, err := Eval(src, scope)
	if err != nil {
		return false
	}
	return Truthy(v)
}

// Truthy follows loose semantics: nil, false, zero, empty string and empty
// collections are false; everything else is true.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0 && !math.IsNaN(x)
	case float32:
		return x != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}

type env struct {
	scope  map[string]any
	locals map[string]any
}

func (ev *env) eval(node astNode) (any, error) {
	switch n := node.(type) {
	case numLit:
		return float64(n), nil
	case strLit:
		return string(n), nil
	case boolLit:
		return bool(n), nil
	case nullLit:
		return nil, nil
	case identRef:
		return ev.resolve(string(n)), nil
	case memberNode:
		obj, err := ev.eval(n.obj)
		if err != nil {
			return nil, err
		}
		return access(obj, n.key), nil
	case indexNode:
		obj, err := ev.eval(n.obj)
		if err != nil {
			return nil, err
		}
		idx, err := ev.eval(n.idx)
		if err != nil {
			return nil, err
		}
		return indexInto(obj, idx), nil
	case unaryNode:
		operand, err := ev.eval(n.operand)
		if err != nil {
			return nil, err
		}
		switch n.op {
		case "-":
			return -toNum(operand), nil
		case "not":
			return !Truthy(operand), nil
		}
		return nil, fmt.Errorf("unknown unary operator %q", n.op)
	case binaryNode:
		return ev.evalBinary(n)
	case ternaryNode:
		cond, err := ev.eval(n.cond)
		if err != nil {
			return nil, err
		}
		if Truthy(cond) {
			return ev.eval(n.then)
		}
		return ev.eval(n.els)
	case callNode:
		args := make([]any, len(n.args))
		for i, arg := range n.args {
			v, err := ev.eval(arg)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		return callBuiltin(n.name, args)
	}
	return nil, fmt.Errorf("unknown expression form %T", node)
}

func (ev *env) evalBinary(n binaryNode) (any, error) {
	// and / or short-circuit.
	switch n.op {
	case "and":
		left, err := ev.eval(n.left)
		if err != nil {
			return nil, err
		}
		if !Truthy(left) {
			return false, nil
		}
		right, err := ev.eval(n.right)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	case "or":
		left, err := ev.eval(n.left)
		if err != nil {
			return nil, err
		}
		if Truthy(left) {
			return true, nil
		}
		right, err := ev.eval(n.right)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	}

	left, err := ev.eval(n.left)
	if err != nil {
		return nil, err
	}
	right, err := ev.eval(n.right)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "+":
		if isString(left) || isString(right) {
			return toStr(left) + toStr(right), nil
		}
		return toNum(left) + toNum(right), nil
	case "-":
		return toNum(left) - toNum(right), nil
	case "*":
		return toNum(left) * toNum(right), nil
	case "/":
		d := toNum(right)
		if d == 0 {
			return float64(0), nil
		}
		return toNum(left) / d, nil
	case "%":
		d := toNum(right)
		if d == 0 {
			return float64(0), nil
		}
		return math.Mod(toNum(left), d), nil
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	case "<", "<=", ">", ">=":
		return compare(n.op, left, right), nil
	}
	return nil, fmt.Errorf("unknown operator %q", n.op)
}

// resolve looks an identifier up in loop locals, then scope roots, then the
// variables and outputs maps. Unresolved names become the empty string.
func (ev *env) resolve(name string) any {
	if ev.locals != nil {
		if v, ok := ev.locals[name]; ok {
			return v
		}
	}
	if ev.scope != nil {
		if v, ok := ev.scope[name]; ok {
			return v
		}
		if vars, ok := ev.scope["variables"].(map[string]any); ok {
			if v, ok := vars[name]; ok {
				return v
			}
		}
		if outs, ok := ev.scope["outputs"].(map[string]any); ok {
			if v, ok := outs[name]; ok {
				return v
			}
		}
	}
	return ""
}

// access resolves property access on maps; anything else degrades to "".
func access(obj any, key string) any {
	switch m := obj.(type) {
	case map[string]any:
		if v, ok := m[key]; ok {
			return v
		}
	case map[string]string:
		if v, ok := m[key]; ok {
			return v
		}
	}
	return ""
}

func indexInto(obj, idx any) any {
	switch c := obj.(type) {
	case []any:
		i := int(toNum(idx))
		if i >= 0 && i < len(c) {
			return c[i]
		}
	case map[string]any:
		return access(c, toStr(idx))
	case string:
		i := int(toNum(idx))
		runes := []rune(c)
		if i >= 0 && i < len(runes) {
			return string(runes[i])
		}
	}
	return ""
}

func isString(v any) bool {
	_, ok := v.(string)
	return ok
}

func toNum(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case bool:
		if x {
			return 1
		}
		return 0
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0
		}
		return n
	case nil:
		return 0
	default:
		return 0
	}
}

func toStr(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func numeric(v any) bool {
	switch x := v.(type) {
	case float64, float32, int, int32, int64, bool:
		return true
	case string:
		_, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return err == nil && strings.TrimSpace(x) != ""
	default:
		return false
	}
}

func looseEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if numeric(a) && numeric(b) {
		return toNum(a) == toNum(b)
	}
	return toStr(a) == toStr(b)
}

func compare(op string, a, b any) bool {
	if numeric(a) && numeric(b) {
		l, r := toNum(a), toNum(b)
		switch op {
		case "<":
			return l < r
		case "<=":
			return l <= r
		case ">":
			return l > r
		case ">=":
			return l >= r
		}
	}
	l, r := toStr(a), toStr(b)
	switch op {
	case "<":
		return l < r
	case "<=":
		return l <= r
	case ">":
		return l > r
	case ">=":
		return l >= r
	}
	return false
}

func callBuiltin(name string, args []any) (any, error) {
	arg := func(i int) any {
		if i < len(args) {
			return args[i]
		}
		return nil
	}
	switch name {
	case "len":
		switch c := arg(0).(type) {
		case string:
			return float64(len([]rune(c))), nil
		case []any:
			return float64(len(c)), nil
		case map[string]any:
			return float64(len(c)), nil
		default:
			return float64(0), nil
		}
	case "has":
		switch c := arg(0).(type) {
		case map[string]any:
			_, ok := c[toStr(arg(1))]
			return ok, nil
		case []any:
			for _, v := range c {
				if looseEqual(v, arg(1)) {
					return true, nil
				}
			}
			return false, nil
		default:
			return false, nil
		}
	case "get":
		v := indexInto(arg(0), arg(1))
		if v == "" || v == nil {
			if len(args) > 2 {
				return arg(2), nil
			}
		}
		return v, nil
	case "str":
		return toStr(arg(0)), nil
	case "num":
		return toNum(arg(0)), nil
	case "bool":
		return Truthy(arg(0)), nil
	case "now":
		return float64(time.Now().UnixMilli()), nil
	case "floor":
		return math.Floor(toNum(arg(0))), nil
	case "ceil":
		return math.Ceil(toNum(arg(0))), nil
	case "round":
		return math.Round(toNum(arg(0))), nil
	case "min":
		if len(args) == 0 {
			return float64(0), nil
		}
		m := toNum(args[0])
		for _, v := range args[1:] {
			m = math.Min(m, toNum(v))
		}
		return m, nil
	case "max":
		if len(args) == 0 {
			return float64(0), nil
		}
		m := toNum(args[0])
		for _, v := range args[1:] {
			m = math.Max(m, toNum(v))
		}
		return m, nil
	case "abs":
		return math.Abs(toNum(arg(0))), nil
	case "includes":
		switch c := arg(0).(type) {
		case string:
			return strings.Contains(c, toStr(arg(1))), nil
		case []any:
			for _, v := range c {
				if looseEqual(v, arg(1)) {
					return true, nil
				}
			}
			return false, nil
		default:
			return false, nil
		}
	case "startsWith":
		return strings.HasPrefix(toStr(arg(0)), toStr(arg(1))), nil
	case "lower":
		return strings.ToLower(toStr(arg(0))), nil
	case "upper":
		return strings.ToUpper(toStr(arg(0))), nil
	}
	return nil, fmt.Errorf("unknown builtin %q", name)
}
