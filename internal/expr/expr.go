// Package expr evaluates MongoDB aggregation expressions: field references,
// system variables, arithmetic/string/date/array operators, and the
// conditional family, against a document and a set of bound variables.
//
// Grounded on teacher's modern_aggregation.go, which builds pipeline stage
// documents for the driver to execute server-side; here the aggregation
// expression language is interpreted directly since there is no upstream
// mongod to hand it to.
package expr

import (
	"strings"
	"time"

	"github.com/oxidedb/oxidedb/internal/bsonutil"
	"github.com/oxidedb/oxidedb/internal/oxerr"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Env carries the evaluation context for one expression tree: the current
// document, the pipeline's root document (for $$ROOT), user-defined $let
// bindings, and the wall-clock instant pipelines agree to treat as "now"
// ($$NOW), fixed once per pipeline run for determinism.
type Env struct {
	Current interface{}
	Root    interface{}
	Vars    map[string]interface{}
	Now     time.Time
}

// Child returns a copy of e with cur as the new $$CURRENT / default field
// root, preserving $$ROOT and variable bindings.
func (e Env) Child(cur interface{}) Env {
	return Env{Current: cur, Root: e.Root, Vars: e.Vars, Now: e.Now}
}

// WithVar returns a copy of e with name bound to v for the scope of a $let
// or $map/$filter/$reduce body.
func (e Env) WithVar(name string, v interface{}) Env {
	vars := make(map[string]interface{}, len(e.Vars)+1)
	for k, val := range e.Vars {
		vars[k] = val
	}
	vars[name] = v
	return Env{Current: e.Current, Root: e.Root, Vars: vars, Now: e.Now}
}

// Eval evaluates an arbitrary aggregation expression tree against env.
// Literal values (most scalars) evaluate to themselves; "$field" evaluates
// to a field reference; "$$var" to a system/user variable; bson.M with
// an operator key dispatches to that operator; any other bson.M is an
// object-literal whose fields are themselves evaluated; bson.A maps Eval
// over each element.
func Eval(e interface{}, env Env) (interface{}, error) {
	switch t := e.(type) {
	case string:
		return evalString(t, env)
	case bson.M:
		return evalDoc(t, env)
	case map[string]interface{}:
		return evalDoc(bson.M(t), env)
	case bson.D:
		m := bson.M{}
		for _, el := range t {
			m[el.Key] = el.Value
		}
		return evalDoc(m, env)
	case bson.A:
		out := make(bson.A, len(t))
		for i, v := range t {
			r, err := Eval(v, env)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case []interface{}:
		return Eval(bson.A(t), env)
	default:
		return t, nil
	}
}

func evalString(s string, env Env) (interface{}, error) {
	if strings.HasPrefix(s, "$$") {
		return evalSystemVar(s[2:], env)
	}
	if strings.HasPrefix(s, "$") {
		path := s[1:]
		if path == "" {
			return nil, nil
		}
		v, ok := bsonutil.Get(normalizeRoot(env.Current), path)
		if !ok {
			return nil, nil
		}
		return v, nil
	}
	return s, nil
}

func normalizeRoot(v interface{}) bson.M {
	if m, ok := bsonutil.ToM(v); ok {
		return m
	}
	return bson.M{}
}

func evalSystemVar(name string, env Env) (interface{}, error) {
	switch name {
	case "ROOT":
		return env.Root, nil
	case "CURRENT":
		if env.Current != nil {
			return env.Current, nil
		}
		return env.Root, nil
	case "REMOVE":
		return bsonutil.Remove, nil
	case "NOW":
		return primitive.NewDateTimeFromTime(env.Now), nil
	default:
		if v, ok := env.Vars[name]; ok {
			return v, nil
		}
		// Fields of $$CURRENT may be addressed as "$$CURRENT.a" -> here as
		// a dotted continuation of a bound variable, e.g. "$$this.a".
		if dot := strings.IndexByte(name, '.'); dot >= 0 {
			base, rest := name[:dot], name[dot+1:]
			v, ok := env.Vars[base]
			if !ok && (base == "ROOT" || base == "CURRENT") {
				v, _ = evalSystemVar(base, env)
				ok = true
			}
			if ok {
				r, found := bsonutil.Get(normalizeRoot(v), rest)
				if !found {
					return nil, nil
				}
				return r, nil
			}
		}
		return nil, oxerr.FailedToParse("use of undefined variable: %s", name)
	}
}

func evalDoc(m bson.M, env Env) (interface{}, error) {
	if op, args, isOp := soleOperator(m); isOp {
		fn, ok := operators[op]
		if !ok {
			return nil, oxerr.FailedToParse("unrecognized expression operator %q", op)
		}
		return fn(args, env)
	}
	out := bson.M{}
	for k, v := range m {
		r, err := Eval(v, env)
		if err != nil {
			return nil, err
		}
		if bsonutil.IsRemove(r) {
			continue
		}
		out[k] = r
	}
	return out, nil
}

// soleOperator reports whether m is a single-key document whose key is a
// recognized (or at least "$"-prefixed) operator name.
func soleOperator(m bson.M) (op string, args interface{}, ok bool) {
	if len(m) != 1 {
		return "", nil, false
	}
	for k, v := range m {
		if strings.HasPrefix(k, "$") {
			return k, v, true
		}
	}
	return "", nil, false
}

// evalArgs evaluates an operator's argument list, which is given either as
// a bare single expression or as an array of expressions.
func evalArgs(args interface{}, env Env) ([]interface{}, error) {
	if arr, ok := bsonutil.ToA(args); ok {
		out := make([]interface{}, len(arr))
		for i, a := range arr {
			v, err := Eval(a, env)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}
	v, err := Eval(args, env)
	if err != nil {
		return nil, err
	}
	return []interface{}{v}, nil
}

func arg(args []interface{}, i int) interface{} {
	if i < len(args) {
		return args[i]
	}
	return nil
}

func wantFloat(v interface{}) (float64, error) {
	f, ok := bsonutil.AsFloat64(v)
	if !ok {
		return 0, oxerr.TypeMismatch("expected numeric argument, got %T", v)
	}
	return f, nil
}

func wantString(v interface{}) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", oxerr.TypeMismatch("expected string argument, got %T", v)
	}
	return s, nil
}

func wantArray(v interface{}) (bson.A, error) {
	a, ok := bsonutil.ToA(v)
	if !ok {
		return nil, oxerr.TypeMismatch("expected array argument, got %T", v)
	}
	return a, nil
}

func wantTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case primitive.DateTime:
		return t.Time(), nil
	}
	return time.Time{}, oxerr.TypeMismatch("expected date argument, got %T", v)
}
