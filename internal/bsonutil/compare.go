package bsonutil

import (
	"bytes"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// typeRank assigns MongoDB's canonical type-ordering rank:
// Null < Numeric < String < Document < Array < Boolean < Date < ...
func typeRank(v interface{}) int {
	switch v.(type) {
	case nil, primitive.Null, primitive.Undefined:
		return 0
	case int, int32, int64, float64, primitive.Decimal128:
		return 1
	case string:
		return 2
	case bson.M, map[string]interface{}, bson.D:
		return 3
	case bson.A, []interface{}:
		return 4
	case bool:
		return 5
	case time.Time, primitive.DateTime:
		return 6
	case primitive.ObjectID:
		return 7
	case primitive.Binary:
		return 8
	case primitive.Regex:
		return 9
	case primitive.Timestamp:
		return 10
	default:
		return 11
	}
}

// IsNumeric reports whether v is one of the BSON numeric types.
func IsNumeric(v interface{}) bool {
	switch v.(type) {
	case int, int32, int64, float64:
		return true
	case primitive.Decimal128:
		return true
	default:
		return false
	}
}

// AsFloat64 widens any numeric BSON value to float64 for comparison and
// arithmetic where integer precision does not matter.
func AsFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case primitive.Decimal128:
		f, err := strconv.ParseFloat(n.String(), 64)
		return f, err == nil
	}
	return 0, false
}

// AsInt64 narrows any integer-typed BSON value to int64. Returns ok=false
// for float64/Decimal128 inputs (callers decide how to widen those).
func AsInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

// IsInteger reports whether v is an exact-integer BSON numeric (int/int32/int64).
func IsInteger(v interface{}) bool {
	switch v.(type) {
	case int, int32, int64:
		return true
	}
	return false
}

// Compare implements MongoDB's canonical cross-type comparator. Returns a
// negative number, 0, or a positive number, matching bytes.Compare's
// contract.
func Compare(a, b interface{}) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return ra - rb
	}
	switch ra {
	case 0:
		return 0
	case 1:
		fa, _ := AsFloat64(a)
		fb, _ := AsFloat64(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	case 2:
		sa, _ := a.(string)
		sb, _ := b.(string)
		return bytes.Compare([]byte(sa), []byte(sb))
	case 3:
		return compareDocs(toM(a), toM(b))
	case 4:
		return compareArrays(toA(a), toA(b))
	case 5:
		ba, _ := a.(bool)
		bb, _ := b.(bool)
		if ba == bb {
			return 0
		}
		if !ba {
			return -1
		}
		return 1
	case 6:
		ta := toTime(a)
		tb := toTime(b)
		if ta.Before(tb) {
			return -1
		}
		if ta.After(tb) {
			return 1
		}
		return 0
	case 7:
		oa, _ := a.(primitive.ObjectID)
		ob, _ := b.(primitive.ObjectID)
		return bytes.Compare(oa[:], ob[:])
	default:
		return 0
	}
}

func toM(v interface{}) bson.M {
	switch m := v.(type) {
	case bson.M:
		return m
	case map[string]interface{}:
		return bson.M(m)
	case bson.D:
		out := bson.M{}
		for _, e := range m {
			out[e.Key] = e.Value
		}
		return out
	}
	return nil
}

func toA(v interface{}) bson.A {
	switch a := v.(type) {
	case bson.A:
		return a
	case []interface{}:
		return bson.A(a)
	}
	return nil
}

func toTime(v interface{}) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case primitive.DateTime:
		return t.Time()
	}
	return time.Time{}
}

func compareDocs(a, b bson.M) int {
	// Document ordering compares elements pairwise using arbitrary but
	// stable (sorted) key order, which is sufficient for our purposes
	// since SQL predicates never need sub-document ordering, only equality.
	ak := sortedKeys(a)
	bk := sortedKeys(b)
	for i := 0; i < len(ak) && i < len(bk); i++ {
		if c := bytes.Compare([]byte(ak[i]), []byte(bk[i])); c != 0 {
			return c
		}
		if c := Compare(a[ak[i]], b[bk[i]]); c != 0 {
			return c
		}
	}
	return len(ak) - len(bk)
}

func sortedKeys(m bson.M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

func compareArrays(a, b bson.A) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

// Equal reports value equality using the canonical comparator.
func Equal(a, b interface{}) bool { return Compare(a, b) == 0 }

// Truthy implements MongoDB's truthiness rule: false, Null, Undefined, 0,
// 0.0, "", empty array, and empty document are falsy; everything else is
// truthy.
func Truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil, primitive.Null, primitive.Undefined:
		return false
	case bool:
		return t
	case int:
		return t != 0
	case int32:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case string:
		return t != ""
	case bson.A:
		return len(t) != 0
	case []interface{}:
		return len(t) != 0
	case bson.M:
		return len(t) != 0
	case map[string]interface{}:
		return len(t) != 0
	case bson.D:
		return len(t) != 0
	default:
		return true
	}
}
