package bsonutil

import (
	"go.mongodb.org/mongo-driver/bson"
)

// Get reads the value at a dotted path, descending into bson.A only when
// the current segment is a valid array index and the current container is
// already an array. It returns ok=false when any segment along the way is
// absent.
func Get(doc interface{}, path string) (interface{}, bool) {
	segs := SplitPath(path)
	cur := doc
	for _, seg := range segs {
		switch c := cur.(type) {
		case bson.M:
			v, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]interface{}:
			v, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case bson.A:
			idx, isIdx := IsArrayIndex(seg)
			if !isIdx || idx < 0 || idx >= len(c) {
				return nil, false
			}
			cur = c[idx]
		case []interface{}:
			idx, isIdx := IsArrayIndex(seg)
			if !isIdx || idx < 0 || idx >= len(c) {
				return nil, false
			}
			cur = c[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// FieldValues reads the value(s) that MongoDB's array-membership equivalence
// considers for a dotted path: the value at the path itself, plus (if an
// intervening container is an array and the remaining segment is not a
// valid index into it) the value from each element. Used by the in-memory
// matcher and $unwind-adjacent expression evaluation.
func FieldValues(doc interface{}, path string) []interface{} {
	segs := SplitPath(path)
	return fieldValues(doc, segs)
}

func fieldValues(cur interface{}, segs []string) []interface{} {
	if len(segs) == 0 {
		return []interface{}{cur}
	}
	seg := segs[0]
	rest := segs[1:]

	switch c := cur.(type) {
	case bson.M:
		v, ok := c[seg]
		if !ok {
			return nil
		}
		return fieldValues(v, rest)
	case map[string]interface{}:
		v, ok := c[seg]
		if !ok {
			return nil
		}
		return fieldValues(v, rest)
	case bson.A:
		if idx, ok := IsArrayIndex(seg); ok && idx >= 0 && idx < len(c) {
			return fieldValues(c[idx], rest)
		}
		var out []interface{}
		for _, elem := range c {
			out = append(out, fieldValues(elem, segs)...)
		}
		return out
	case []interface{}:
		if idx, ok := IsArrayIndex(seg); ok && idx >= 0 && idx < len(c) {
			return fieldValues(c[idx], rest)
		}
		var out []interface{}
		for _, elem := range c {
			out = append(out, fieldValues(elem, segs)...)
		}
		return out
	default:
		return nil
	}
}

// Set writes value at a dotted path inside root (a bson.M), creating
// intermediate documents/arrays as needed. Numeric segments descend into
// arrays (growing with nil padding); string segments descend into
// documents, auto-creating empty ones when traversing an absent key.
// Negative array indexes are rejected.
func Set(root bson.M, path string, value interface{}) error {
	segs := SplitPath(path)
	if len(segs) == 0 {
		return nil
	}
	if err := checkNoNegativeIndex(segs); err != nil {
		return err
	}
	newRoot, err := setAt(root, segs, value)
	if err != nil {
		return err
	}
	// root is a map, so in-place mutation already applies; newRoot is root
	// itself unless it had to be replaced, which can't happen for a bson.M.
	if m, ok := newRoot.(bson.M); ok {
		for k, v := range m {
			root[k] = v
		}
	}
	return nil
}

func checkNoNegativeIndex(segs []string) error {
	for _, s := range segs {
		if len(s) > 0 && s[0] == '-' {
			if _, ok := IsArrayIndex(s[1:]); ok {
				return errNegativeIndex
			}
		}
	}
	return nil
}

// setAt returns the (possibly newly created) container for `cur` after
// writing value at segs, descending recursively.
func setAt(cur interface{}, segs []string, value interface{}) (interface{}, error) {
	seg := segs[0]
	last := len(segs) == 1

	if idx, isIdx := IsArrayIndex(seg); isIdx {
		arr, _ := cur.(bson.A)
		if arr == nil {
			if cur != nil {
				if a2, ok := cur.([]interface{}); ok {
					arr = bson.A(a2)
				}
			}
		}
		for len(arr) <= idx {
			arr = append(arr, nil)
		}
		if last {
			arr[idx] = value
			return arr, nil
		}
		child, err := setAt(arr[idx], segs[1:], value)
		if err != nil {
			return nil, err
		}
		arr[idx] = child
		return arr, nil
	}

	doc, _ := cur.(bson.M)
	if doc == nil {
		if cur != nil {
			if m2, ok := cur.(map[string]interface{}); ok {
				doc = bson.M(m2)
			}
		}
	}
	if doc == nil {
		doc = bson.M{}
	}
	if last {
		doc[seg] = value
		return doc, nil
	}
	child, err := setAt(doc[seg], segs[1:], value)
	if err != nil {
		return nil, err
	}
	doc[seg] = child
	return doc, nil
}

// Unset removes the value at a dotted path. Inside an array the element is
// replaced with nil rather than removed (matching $unset's documented
// array behavior); inside a document the key is deleted outright.
func Unset(root bson.M, path string) error {
	segs := SplitPath(path)
	if len(segs) == 0 {
		return nil
	}
	if err := checkNoNegativeIndex(segs); err != nil {
		return err
	}
	unsetAt(root, segs)
	return nil
}

func unsetAt(cur interface{}, segs []string) {
	seg := segs[0]
	last := len(segs) == 1

	switch c := cur.(type) {
	case bson.M:
		if last {
			delete(c, seg)
			return
		}
		if child, ok := c[seg]; ok {
			unsetAt(child, segs[1:])
		}
	case bson.A:
		idx, ok := IsArrayIndex(seg)
		if !ok || idx < 0 || idx >= len(c) {
			return
		}
		if last {
			c[idx] = nil
			return
		}
		unsetAt(c[idx], segs[1:])
	}
}

var errNegativeIndex = &pathError{"negative array index in path is not allowed"}

type pathError struct{ msg string }

func (e *pathError) Error() string { return e.msg }
