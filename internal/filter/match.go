// Package filter translates MongoDB filter documents into SQL predicates
// for the storage facade's pushdown path (translate.go) and provides an
// in-memory matcher with the same semantics for the aggregation executor's
// $match stage and the in-process storage fake (match.go).
//
// Operator coverage and the array-membership-equivalence rule follow
// spec.md §4.3; the document shape is grounded on teacher's modern_query.go
// filter assembly and
// other_examples/2bfbfe9a_bytebase-gomongo__internal-translator-types.go.go's
// operator vocabulary.
package filter

import (
	"strings"

	"github.com/oxidedb/oxidedb/internal/bsonutil"
	"go.mongodb.org/mongo-driver/bson"
)

// Match reports whether doc satisfies the filter document f, applying
// MongoDB's array-membership equivalence: a scalar filter value matches a
// field that is either that scalar or an array containing it.
func Match(doc bson.M, f bson.M) bool {
	for key, cond := range f {
		switch key {
		case "$and":
			if !matchLogical(doc, cond, true) {
				return false
			}
			continue
		case "$or":
			if !matchLogical(doc, cond, false) {
				return false
			}
			continue
		case "$nor":
			if matchLogical(doc, cond, false) {
				return false
			}
			continue
		}
		if !matchField(doc, key, cond) {
			return false
		}
	}
	return true
}

func matchLogical(doc bson.M, cond interface{}, and bool) bool {
	arr, _ := bsonutil.ToA(cond)
	if len(arr) == 0 {
		return and
	}
	for _, sub := range arr {
		m, _ := bsonutil.ToM(sub)
		ok := Match(doc, m)
		if and && !ok {
			return false
		}
		if !and && ok {
			return true
		}
	}
	return and
}

// matchField evaluates one top-level (possibly dotted) filter key against
// doc's array-fanned-out candidate values.
func matchField(doc bson.M, path string, cond interface{}) bool {
	if path == "$not" {
		// top-level $not with a nested document negates the whole thing.
		m, _ := bsonutil.ToM(cond)
		return !Match(doc, m)
	}

	candidates := bsonutil.FieldValues(doc, path)

	if m, ok := bsonutil.ToM(cond); ok && isOperatorDoc(m) {
		return matchOperators(doc, path, candidates, m)
	}

	// Plain scalar/array/document equality: dual-path semantics - matches
	// if the field itself equals cond, or (when the field is an array) any
	// element equals cond.
	for _, v := range candidates {
		if bsonutil.Equal(v, cond) {
			return true
		}
	}
	if len(candidates) == 0 && cond == nil {
		return true
	}
	return false
}

func isOperatorDoc(m bson.M) bool {
	for k := range m {
		if strings.HasPrefix(k, "$") {
			return true
		}
		return false
	}
	return true // empty doc: treated as an (vacuous) operator doc
}

func matchOperators(doc bson.M, path string, candidates []interface{}, ops bson.M) bool {
	for op, arg := range ops {
		if !matchOp(doc, path, candidates, op, arg) {
			return false
		}
	}
	return true
}

func matchOp(doc bson.M, path string, candidates []interface{}, op string, arg interface{}) bool {
	switch op {
	case "$eq":
		return anyEqual(candidates, arg)
	case "$ne":
		return !anyEqual(candidates, arg)
	case "$gt":
		return anyCompare(candidates, arg, func(c int) bool { return c > 0 })
	case "$gte":
		return anyCompare(candidates, arg, func(c int) bool { return c >= 0 })
	case "$lt":
		return anyCompare(candidates, arg, func(c int) bool { return c < 0 })
	case "$lte":
		return anyCompare(candidates, arg, func(c int) bool { return c <= 0 })
	case "$in":
		arr, _ := bsonutil.ToA(arg)
		for _, want := range arr {
			if anyEqual(candidates, want) {
				return true
			}
		}
		return false
	case "$nin":
		arr, _ := bsonutil.ToA(arg)
		for _, want := range arr {
			if anyEqual(candidates, want) {
				return false
			}
		}
		return true
	case "$exists":
		want, _ := arg.(bool)
		exists := len(candidates) > 0
		return exists == want
	case "$not":
		m, ok := bsonutil.ToM(arg)
		if ok {
			return !matchOperators(doc, path, candidates, m)
		}
		return !matchOp(doc, path, candidates, "$eq", arg)
	case "$size":
		n, _ := bsonutil.AsInt64(arg)
		if raw, ok := bsonutil.Get(doc, path); ok {
			if a, ok := bsonutil.ToA(raw); ok {
				return int64(len(a)) == n
			}
		}
		return false
	case "$all":
		arr, _ := bsonutil.ToA(arg)
		raw, ok := bsonutil.Get(doc, path)
		fieldArr, _ := bsonutil.ToA(raw)
		if !ok {
			return len(arr) == 0
		}
		for _, want := range arr {
			found := false
			for _, v := range fieldArr {
				if bsonutil.Equal(v, want) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	case "$type":
		// Minimal support: match numeric/string/object/array/bool type names.
		want, _ := arg.(string)
		for _, v := range candidates {
			if bsonTypeName(v) == want {
				return true
			}
		}
		return false
	case "$mod":
		arr, _ := bsonutil.ToA(arg)
		if len(arr) != 2 {
			return false
		}
		div, _ := bsonutil.AsFloat64(arr[0])
		rem, _ := bsonutil.AsFloat64(arr[1])
		for _, v := range candidates {
			if f, ok := bsonutil.AsFloat64(v); ok && div != 0 {
				if mod := float64(int64(f) % int64(div)); mod == rem {
					return true
				}
			}
		}
		return false
	case "$regex":
		pattern, _ := arg.(string)
		for _, v := range candidates {
			if s, ok := v.(string); ok && strings.Contains(s, pattern) {
				return true
			}
		}
		return false
	case "$elemMatch":
		raw, ok := bsonutil.Get(doc, path)
		arr, isArr := bsonutil.ToA(raw)
		if !ok || !isArr {
			return false
		}
		sub, _ := bsonutil.ToM(arg)
		for _, elem := range arr {
			if m, ok := bsonutil.ToM(elem); ok {
				if Match(m, sub) {
					return true
				}
			} else if isOperatorDoc(sub) {
				if matchOperators(doc, path, []interface{}{elem}, sub) {
					return true
				}
			}
		}
		return false
	case "$text":
		search, _ := arg.(string)
		return matchText(doc, search)
	default:
		// Unknown operators are treated conservatively as non-matching
		// rather than panicking the connection loop.
		return false
	}
}

func anyEqual(candidates []interface{}, want interface{}) bool {
	for _, v := range candidates {
		if bsonutil.Equal(v, want) {
			return true
		}
	}
	return false
}

func anyCompare(candidates []interface{}, want interface{}, pred func(int) bool) bool {
	for _, v := range candidates {
		if bsonutil.IsNumeric(v) != bsonutil.IsNumeric(want) && !(isStr(v) && isStr(want)) {
			continue
		}
		if pred(bsonutil.Compare(v, want)) {
			return true
		}
	}
	return false
}

func isStr(v interface{}) bool {
	_, ok := v.(string)
	return ok
}

func matchText(doc bson.M, search string) bool {
	search = strings.ToLower(strings.TrimSpace(search))
	if search == "" {
		return false
	}
	terms := strings.Fields(search)
	var sb strings.Builder
	collectStrings(doc, &sb)
	hay := strings.ToLower(sb.String())
	for _, t := range terms {
		if strings.Contains(hay, t) {
			return true
		}
	}
	return false
}

func collectStrings(v interface{}, sb *strings.Builder) {
	switch t := v.(type) {
	case string:
		sb.WriteString(t)
		sb.WriteByte(' ')
	case bson.M:
		for _, val := range t {
			collectStrings(val, sb)
		}
	case bson.A:
		for _, val := range t {
			collectStrings(val, sb)
		}
	}
}

func bsonTypeName(v interface{}) string {
	switch v.(type) {
	case string:
		return "string"
	case int, int32, int64, float64:
		return "number"
	case bool:
		return "bool"
	case bson.M, map[string]interface{}:
		return "object"
	case bson.A, []interface{}:
		return "array"
	case nil:
		return "null"
	default:
		return "unknown"
	}
}
