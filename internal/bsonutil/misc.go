package bsonutil

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Remove is the distinguished "absent" value that $$REMOVE evaluates to.
// $addFields/$project/$set treat it as an instruction to unset the target
// path rather than write a literal value.
type removeType struct{}

// Remove is the single instance of removeType, comparable with ==.
var Remove = removeType{}

// IsRemove reports whether v is the $$REMOVE sentinel.
func IsRemove(v interface{}) bool {
	_, ok := v.(removeType)
	return ok
}

// Clone performs a deep copy of a BSON document/array tree so that pipeline
// stages can mutate a working copy without aliasing the original document
// or other in-flight branches (e.g. $facet, which runs several
// sub-pipelines against the same input).
func Clone(v interface{}) interface{} {
	switch t := v.(type) {
	case bson.M:
		out := make(bson.M, len(t))
		for k, val := range t {
			out[k] = Clone(val)
		}
		return out
	case map[string]interface{}:
		out := make(bson.M, len(t))
		for k, val := range t {
			out[k] = Clone(val)
		}
		return out
	case bson.D:
		out := make(bson.D, len(t))
		for i, e := range t {
			out[i] = bson.E{Key: e.Key, Value: Clone(e.Value)}
		}
		return out
	case bson.A:
		out := make(bson.A, len(t))
		for i, val := range t {
			out[i] = Clone(val)
		}
		return out
	case []interface{}:
		out := make(bson.A, len(t))
		for i, val := range t {
			out[i] = Clone(val)
		}
		return out
	default:
		return v
	}
}

// NewObjectID mints a fresh object-id, used when a client inserts a
// document without a top-level _id (spec.md Data Model invariant 1).
func NewObjectID() primitive.ObjectID {
	return primitive.NewObjectID()
}

// IDBytes returns the canonical byte encoding of an _id value: raw
// object-id bytes for primitive.ObjectID, UTF-8 bytes for a string _id.
// This is the value stored in the collection table's `id` column.
func IDBytes(id interface{}) ([]byte, error) {
	switch v := id.(type) {
	case primitive.ObjectID:
		b := make([]byte, 12)
		copy(b, v[:])
		return b, nil
	case string:
		return []byte(v), nil
	default:
		// Fall back to the BSON encoding of the value so any _id type
		// (int, composite document, etc.) still yields a stable byte key.
		data, err := bson.Marshal(bson.M{"v": v})
		if err != nil {
			return nil, err
		}
		return data, nil
	}
}

// ToM coerces any document-shaped value to bson.M, or returns nil, false.
func ToM(v interface{}) (bson.M, bool) {
	switch t := v.(type) {
	case bson.M:
		return t, true
	case map[string]interface{}:
		return bson.M(t), true
	case bson.D:
		out := bson.M{}
		for _, e := range t {
			out[e.Key] = e.Value
		}
		return out, true
	}
	return nil, false
}

// ToA coerces any array-shaped value to bson.A, or returns nil, false.
func ToA(v interface{}) (bson.A, bool) {
	switch t := v.(type) {
	case bson.A:
		return t, true
	case []interface{}:
		return bson.A(t), true
	}
	return nil, false
}
