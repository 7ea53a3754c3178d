package filter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/oxidedb/oxidedb/internal/bsonutil"
	"go.mongodb.org/mongo-driver/bson"
)

// Predicate is the SQL-side translation of a filter document: either a
// containment object for the fast jsonb @> path, or an opaque predicate
// string with positional parameters.
type Predicate struct {
	Containment bson.M // non-nil => use `doc @> $1::jsonb`
	SQL         string // otherwise, a boolean SQL expression referencing "doc"
	Args        []interface{}
	Source      bson.M // the original filter document, kept for in-memory fakes/evaluators
}

// Translate converts a filter document into its SQL pushdown form. Per
// spec.md §4.3's decision rule: if every key is a non-dotted field equated
// to a constant with no operators, emit a containment object; otherwise
// build a predicate expression.
func Translate(f bson.M) (*Predicate, error) {
	if isPureContainment(f) {
		return &Predicate{Containment: f, Source: f}, nil
	}
	b := &builder{}
	expr, err := b.and(f)
	if err != nil {
		return nil, err
	}
	return &Predicate{SQL: expr, Args: b.args, Source: f}, nil
}

func isPureContainment(f bson.M) bool {
	if len(f) == 0 {
		return true
	}
	for k, v := range f {
		if strings.HasPrefix(k, "$") {
			return false
		}
		if strings.Contains(k, ".") {
			return false
		}
		if m, ok := bsonutil.ToM(v); ok {
			_ = m
			return false
		}
	}
	return true
}

type builder struct {
	args []interface{}
}

func (b *builder) bind(v interface{}) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

// and builds the conjunction of every key in f.
func (b *builder) and(f bson.M) (string, error) {
	var parts []string
	for _, k := range sortedKeys(f) {
		v := f[k]
		expr, err := b.key(k, v)
		if err != nil {
			return "", err
		}
		if expr != "" {
			parts = append(parts, expr)
		}
	}
	if len(parts) == 0 {
		return "TRUE", nil
	}
	return "(" + strings.Join(parts, " AND ") + ")", nil
}

func sortedKeys(m bson.M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (b *builder) key(k string, v interface{}) (string, error) {
	switch k {
	case "$and":
		return b.logical(v, " AND ")
	case "$or":
		return b.logical(v, " OR ")
	case "$nor":
		expr, err := b.logical(v, " OR ")
		if err != nil {
			return "", err
		}
		return "(NOT " + expr + ")", nil
	case "$not":
		m, _ := bsonutil.ToM(v)
		expr, err := b.and(m)
		if err != nil {
			return "", err
		}
		return "(NOT " + expr + ")", nil
	}
	return b.field(k, v)
}

func (b *builder) logical(v interface{}, joiner string) (string, error) {
	arr, _ := bsonutil.ToA(v)
	var parts []string
	for _, sub := range arr {
		m, _ := bsonutil.ToM(sub)
		expr, err := b.and(m)
		if err != nil {
			return "", err
		}
		parts = append(parts, expr)
	}
	if len(parts) == 0 {
		return "TRUE", nil
	}
	return "(" + strings.Join(parts, joiner) + ")", nil
}

// jsonPath renders the `$."a"."b"` JSON-path expression for a dotted field.
func jsonPath(field string) string {
	var sb strings.Builder
	sb.WriteString("$")
	for _, seg := range strings.Split(field, ".") {
		sb.WriteString(`."`)
		sb.WriteString(strings.ReplaceAll(seg, `"`, `\"`))
		sb.WriteString(`"`)
	}
	return sb.String()
}

// field builds the predicate for one (possibly operator-valued) field.
func (b *builder) field(field string, cond interface{}) (string, error) {
	path := jsonPath(field)

	m, isDoc := bsonutil.ToM(cond)
	if isDoc && isOperatorDoc(m) && len(m) > 0 {
		var parts []string
		for _, op := range sortedKeys(m) {
			expr, err := b.opExpr(field, path, op, m[op])
			if err != nil {
				return "", err
			}
			parts = append(parts, expr)
		}
		return "(" + strings.Join(parts, " AND ") + ")", nil
	}

	return b.scalarEquality(path, cond), nil
}

// scalarEquality implements the dual-path pattern: a scalar value matches
// the field directly, or any element if the field holds an array.
func (b *builder) scalarEquality(path string, v interface{}) string {
	ph := b.bind(v)
	return fmt.Sprintf(
		"(jsonb_path_exists(doc, '%s ? (@ == $_v)', jsonb_build_object('_v', %s::jsonb)) OR jsonb_path_exists(doc, '%s[*] ? (@ == $_v)', jsonb_build_object('_v', %s::jsonb)))",
		path, ph, path, ph,
	)
}

func (b *builder) opExpr(field, path, op string, arg interface{}) (string, error) {
	sqlOp, ok := comparisonOps[op]
	if ok {
		ph := b.bind(arg)
		return fmt.Sprintf(
			"(jsonb_path_exists(doc, '%s ? (@ %s $_v)', jsonb_build_object('_v', %s::jsonb)) OR jsonb_path_exists(doc, '%s[*] ? (@ %s $_v)', jsonb_build_object('_v', %s::jsonb)))",
			path, sqlOp, ph, path, sqlOp, ph,
		), nil
	}
	switch op {
	case "$in":
		arr, _ := bsonutil.ToA(arg)
		var parts []string
		for _, v := range arr {
			parts = append(parts, b.scalarEquality(path, v))
		}
		if len(parts) == 0 {
			return "FALSE", nil
		}
		return "(" + strings.Join(parts, " OR ") + ")", nil
	case "$nin":
		arr, _ := bsonutil.ToA(arg)
		var parts []string
		for _, v := range arr {
			parts = append(parts, b.scalarEquality(path, v))
		}
		if len(parts) == 0 {
			return "TRUE", nil
		}
		return "(NOT (" + strings.Join(parts, " OR ") + "))", nil
	case "$exists":
		want, _ := arg.(bool)
		if want {
			return fmt.Sprintf("jsonb_path_exists(doc, '%s')", path), nil
		}
		return fmt.Sprintf("(NOT jsonb_path_exists(doc, '%s'))", path), nil
	case "$regex":
		pattern, _ := arg.(string)
		ph := b.bind("%" + pattern + "%")
		return fmt.Sprintf("(doc#>>'{%s}') LIKE %s", strings.ReplaceAll(field, ".", ","), ph), nil
	case "$elemMatch":
		// Opaque for SQL pushdown purposes; the in-memory matcher is
		// authoritative for $elemMatch semantics (spec.md §4.3).
		return "TRUE", nil
	case "$size":
		n, _ := bsonutil.AsInt64(arg)
		return fmt.Sprintf("jsonb_array_length(doc#>'{%s}') = %d", strings.ReplaceAll(field, ".", ","), n), nil
	case "$text":
		search, _ := arg.(string)
		ph := b.bind(search)
		return fmt.Sprintf("to_tsvector('english', doc#>>'{%s}') @@ plainto_tsquery('english', %s)", strings.ReplaceAll(field, ".", ","), ph), nil
	default:
		// Unrecognized operator: handled only by the in-memory matcher.
		return "TRUE", nil
	}
}

var comparisonOps = map[string]string{
	"$eq":  "==",
	"$ne":  "!=",
	"$gt":  ">",
	"$gte": ">=",
	"$lt":  "<",
	"$lte": "<=",
}

// TranslateSort produces an ORDER BY clause body (without the "ORDER BY"
// keyword) for a sort document, with a stable id ASC tiebreak appended.
// _id maps onto the `id` column directly.
func TranslateSort(s bson.D) string {
	var parts []string
	for _, e := range s {
		dir := "ASC"
		if n, ok := bsonutil.AsFloat64(e.Value); ok && n < 0 {
			dir = "DESC"
		}
		if e.Key == "_id" {
			parts = append(parts, "id "+dir)
			continue
		}
		path := strings.ReplaceAll(e.Key, ".", ",")
		// Numeric-first tiebreak: try numeric comparison, fall back to text.
		parts = append(parts, fmt.Sprintf(
			"(CASE WHEN jsonb_typeof(doc#>'{%s}') = 'number' THEN (doc#>'{%s}')::text::numeric ELSE NULL END) %s NULLS LAST, (doc#>>'{%s}') %s",
			path, path, dir, path, dir,
		))
	}
	parts = append(parts, "id ASC")
	return strings.Join(parts, ", ")
}

// TranslateProjection attempts to push a pure-inclusion projection down to
// a jsonb_build_object(...) SQL expression. Returns ok=false when the
// projection mixes inclusion/exclusion, contains dotted paths, or computed
// expressions — any of which force in-memory projection instead.
func TranslateProjection(p bson.M) (expr string, ok bool) {
	if len(p) == 0 {
		return "", false
	}
	var fields []string
	includeID := true
	for k, v := range p {
		if strings.Contains(k, ".") {
			return "", false
		}
		n, isNum := bsonutil.AsFloat64(v)
		b, isBool := v.(bool)
		included := (isNum && n != 0) || (isBool && b)
		excluded := (isNum && n == 0) || (isBool && !b)
		if k == "_id" {
			includeID = included
			continue
		}
		if !included && !excluded {
			return "", false // computed expression
		}
		if excluded {
			return "", false // mixing exclusion with inclusion pushdown
		}
		fields = append(fields, k)
	}
	sort.Strings(fields)
	var parts []string
	if includeID {
		parts = append(parts, "'_id', doc->'_id'")
	}
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("'%s', doc->'%s'", f, f))
	}
	if len(parts) == 0 {
		return "", false
	}
	return "jsonb_build_object(" + strings.Join(parts, ", ") + ")", true
}
