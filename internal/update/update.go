// Package update implements the update-operator engine: path-addressed
// mutation of an in-memory BSON document tree for $set, $unset, $inc,
// $rename, $push (with $each/$position/$slice), and $pull.
//
// Grounded on teacher's modern_bulk.go, which builds one mongodrv.WriteModel
// per requested mutation; here the "write model" is executed directly
// against the document tree instead of being handed to a driver.
package update

import (
	"sort"
	"strings"

	"github.com/oxidedb/oxidedb/internal/bsonutil"
	"github.com/oxidedb/oxidedb/internal/filter"
	"github.com/oxidedb/oxidedb/internal/oxerr"
	"go.mongodb.org/mongo-driver/bson"
)

// Apply mutates doc in place according to the update document, which may be
// a map of "$operator" -> {path: value, ...} entries. A plain (non-$-prefixed)
// update document is treated as a full replacement and is not handled here;
// callers distinguish replacement vs operator documents before calling Apply.
func Apply(doc bson.M, upd bson.M) error {
	// Apply in a fixed, deterministic order so that e.g. $rename followed
	// by $set on the renamed path behaves predictably.
	order := []string{"$rename", "$unset", "$set", "$inc", "$push", "$pull", "$pullAll", "$addToSet", "$pop"}
	seen := map[string]bool{}
	for _, op := range order {
		if args, ok := upd[op]; ok {
			if err := applyOp(doc, op, args); err != nil {
				return err
			}
			seen[op] = true
		}
	}
	for op, args := range upd {
		if seen[op] {
			continue
		}
		if !strings.HasPrefix(op, "$") {
			continue
		}
		if err := applyOp(doc, op, args); err != nil {
			return err
		}
	}
	return nil
}

// IsOperatorUpdate reports whether upd is an operator-style update document
// (every top-level key starts with "$") as opposed to a full replacement.
func IsOperatorUpdate(upd bson.M) bool {
	for k := range upd {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return len(upd) > 0
}

func applyOp(doc bson.M, op string, args interface{}) error {
	m, _ := bsonutil.ToM(args)
	switch op {
	case "$set":
		for path, v := range m {
			if err := bsonutil.Set(doc, path, v); err != nil {
				return oxerr.TypeMismatch("$set: %s", err)
			}
		}
	case "$unset":
		for path := range m {
			if err := bsonutil.Unset(doc, path); err != nil {
				return oxerr.TypeMismatch("$unset: %s", err)
			}
		}
	case "$inc":
		for path, v := range m {
			if err := inc(doc, path, v); err != nil {
				return err
			}
		}
	case "$rename":
		for from, toV := range m {
			to, _ := toV.(string)
			if err := rename(doc, from, to); err != nil {
				return err
			}
		}
	case "$push":
		for path, v := range m {
			if err := push(doc, path, v); err != nil {
				return err
			}
		}
	case "$pull":
		for path, criterion := range m {
			if err := pull(doc, path, criterion); err != nil {
				return err
			}
		}
	case "$pullAll":
		for path, v := range m {
			arr, _ := bsonutil.ToA(v)
			if err := pullAll(doc, path, arr); err != nil {
				return err
			}
		}
	case "$addToSet":
		for path, v := range m {
			if err := addToSet(doc, path, v); err != nil {
				return err
			}
		}
	case "$pop":
		for path, v := range m {
			if err := pop(doc, path, v); err != nil {
				return err
			}
		}
	default:
		return oxerr.FailedToParse("unsupported update operator %q", op)
	}
	return nil
}

func inc(doc bson.M, path string, delta interface{}) error {
	if !bsonutil.IsNumeric(delta) {
		return oxerr.TypeMismatch("$inc: increment value at %q is not numeric", path)
	}
	cur, ok := bsonutil.Get(doc, path)
	if !ok || cur == nil {
		return bsonutil.Set(doc, path, delta)
	}
	if !bsonutil.IsNumeric(cur) {
		return oxerr.TypeMismatch("$inc: existing value at %q is not numeric", path)
	}

	if bsonutil.IsInteger(cur) && bsonutil.IsInteger(delta) {
		ci, _ := bsonutil.AsInt64(cur)
		di, _ := bsonutil.AsInt64(delta)
		sum := ci + di
		// Preserve int32 width when both operands fit and the result does too.
		if _, curIsI32 := cur.(int32); curIsI32 {
			if sum >= -(1<<31) && sum < (1<<31) {
				return bsonutil.Set(doc, path, int32(sum))
			}
		}
		return bsonutil.Set(doc, path, sum)
	}
	cf, _ := bsonutil.AsFloat64(cur)
	df, _ := bsonutil.AsFloat64(delta)
	return bsonutil.Set(doc, path, cf+df)
}

func rename(doc bson.M, from, to string) error {
	if from == to {
		return oxerr.TypeMismatch("$rename: source and target are identical (%q)", from)
	}
	if strings.HasPrefix(to, from+".") || strings.HasPrefix(from, to+".") {
		return oxerr.TypeMismatch("$rename: %q and %q are ancestor/descendant paths", from, to)
	}
	v, ok := bsonutil.Get(doc, from)
	if !ok {
		// mirrors mongo: renaming an absent field is a silent no-op.
		return nil
	}
	if err := bsonutil.Unset(doc, from); err != nil {
		return oxerr.TypeMismatch("$rename: %s", err)
	}
	if err := bsonutil.Set(doc, to, v); err != nil {
		return oxerr.TypeMismatch("$rename: %s", err)
	}
	return nil
}

// pushSpec is the modifier form {$each, $position, $slice}.
type pushSpec struct {
	each     bson.A
	position *int
	slice    *int
	hasMods  bool
}

func parsePushArg(v interface{}) pushSpec {
	m, ok := bsonutil.ToM(v)
	if !ok {
		return pushSpec{each: bson.A{v}}
	}
	eachV, hasEach := m["$each"]
	if !hasEach {
		return pushSpec{each: bson.A{v}}
	}
	each, _ := bsonutil.ToA(eachV)
	spec := pushSpec{each: each, hasMods: true}
	if p, ok := m["$position"]; ok {
		if n, ok2 := bsonutil.AsInt64(p); ok2 {
			i := int(n)
			spec.position = &i
		}
	}
	if s, ok := m["$slice"]; ok {
		if n, ok2 := bsonutil.AsInt64(s); ok2 {
			i := int(n)
			spec.slice = &i
		}
	}
	return spec
}

func push(doc bson.M, path string, v interface{}) error {
	spec := parsePushArg(v)

	cur, ok := bsonutil.Get(doc, path)
	var arr bson.A
	if ok && cur != nil {
		a, isArr := bsonutil.ToA(cur)
		if !isArr {
			return oxerr.TypeMismatch("$push: value at %q is not an array", path)
		}
		arr = a
	}

	pos := len(arr)
	if spec.position != nil {
		pos = *spec.position
		if pos < 0 {
			pos = len(arr) + pos + 1
		}
		if pos < 0 {
			pos = 0
		}
		if pos > len(arr) {
			pos = len(arr)
		}
	}

	merged := make(bson.A, 0, len(arr)+len(spec.each))
	merged = append(merged, arr[:pos]...)
	merged = append(merged, spec.each...)
	merged = append(merged, arr[pos:]...)

	if spec.slice != nil {
		merged = applySlice(merged, *spec.slice)
	}
	return bsonutil.Set(doc, path, merged)
}

func applySlice(arr bson.A, n int) bson.A {
	if n >= 0 {
		if n > len(arr) {
			n = len(arr)
		}
		return arr[:n]
	}
	n = -n
	if n > len(arr) {
		n = len(arr)
	}
	return arr[len(arr)-n:]
}

func pull(doc bson.M, path string, criterion interface{}) error {
	cur, ok := bsonutil.Get(doc, path)
	if !ok {
		return nil
	}
	arr, isArr := bsonutil.ToA(cur)
	if !isArr {
		return oxerr.TypeMismatch("$pull: value at %q is not an array", path)
	}

	m, isDoc := bsonutil.ToM(criterion)
	out := make(bson.A, 0, len(arr))
	for _, elem := range arr {
		remove := false
		switch {
		case isDoc && looksLikeOperatorDoc(m):
			remove = matchesPullOps(elem, m)
		case isDoc:
			// criterion is itself a sub-document predicate to match against
			// array elements that are documents.
			if em, ok := bsonutil.ToM(elem); ok {
				remove = filter.Match(em, m)
			}
		default:
			if carr, ok := bsonutil.ToA(criterion); ok {
				for _, c := range carr {
					if bsonutil.Equal(elem, c) {
						remove = true
						break
					}
				}
			} else {
				remove = bsonutil.Equal(elem, criterion)
			}
		}
		if !remove {
			out = append(out, elem)
		}
	}
	return bsonutil.Set(doc, path, out)
}

func looksLikeOperatorDoc(m bson.M) bool {
	for k := range m {
		return strings.HasPrefix(k, "$")
	}
	return false
}

func matchesPullOps(elem interface{}, ops bson.M) bool {
	for op, arg := range ops {
		switch op {
		case "$gt":
			if bsonutil.Compare(elem, arg) <= 0 {
				return false
			}
		case "$gte":
			if bsonutil.Compare(elem, arg) < 0 {
				return false
			}
		case "$lt":
			if bsonutil.Compare(elem, arg) >= 0 {
				return false
			}
		case "$lte":
			if bsonutil.Compare(elem, arg) > 0 {
				return false
			}
		case "$eq":
			if !bsonutil.Equal(elem, arg) {
				return false
			}
		case "$in":
			arr, _ := bsonutil.ToA(arg)
			found := false
			for _, c := range arr {
				if bsonutil.Equal(elem, c) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func pullAll(doc bson.M, path string, values bson.A) error {
	cur, ok := bsonutil.Get(doc, path)
	if !ok {
		return nil
	}
	arr, isArr := bsonutil.ToA(cur)
	if !isArr {
		return oxerr.TypeMismatch("$pullAll: value at %q is not an array", path)
	}
	out := make(bson.A, 0, len(arr))
	for _, elem := range arr {
		drop := false
		for _, v := range values {
			if bsonutil.Equal(elem, v) {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, elem)
		}
	}
	return bsonutil.Set(doc, path, out)
}

func addToSet(doc bson.M, path string, v interface{}) error {
	cur, ok := bsonutil.Get(doc, path)
	var arr bson.A
	if ok && cur != nil {
		a, isArr := bsonutil.ToA(cur)
		if !isArr {
			return oxerr.TypeMismatch("$addToSet: value at %q is not an array", path)
		}
		arr = a
	}
	var toAdd bson.A
	if m, ok := bsonutil.ToM(v); ok {
		if eachV, ok := m["$each"]; ok {
			toAdd, _ = bsonutil.ToA(eachV)
		} else {
			toAdd = bson.A{v}
		}
	} else {
		toAdd = bson.A{v}
	}
	for _, cand := range toAdd {
		found := false
		for _, existing := range arr {
			if bsonutil.Equal(existing, cand) {
				found = true
				break
			}
		}
		if !found {
			arr = append(arr, cand)
		}
	}
	return bsonutil.Set(doc, path, arr)
}

func pop(doc bson.M, path string, v interface{}) error {
	cur, ok := bsonutil.Get(doc, path)
	if !ok {
		return nil
	}
	arr, isArr := bsonutil.ToA(cur)
	if !isArr || len(arr) == 0 {
		return nil
	}
	n, _ := bsonutil.AsFloat64(v)
	if n < 0 {
		arr = arr[1:]
	} else {
		arr = arr[:len(arr)-1]
	}
	return bsonutil.Set(doc, path, arr)
}

// SortKeys returns m's keys in sorted order, for deterministic iteration
// over an update document's operator set; Apply does not use it, as it
// fixes its own order.
func SortKeys(m bson.M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
