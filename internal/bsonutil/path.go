// Package bsonutil provides the BSON-tree helpers shared by the filter
// translator, update-operator engine, and expression evaluator: dotted-path
// segmentation, get/set/unset on bson.M/bson.A trees, canonical type
// ordering, and MongoDB truthiness.
//
// Conversion between the driver's bson.M/bson.D/bson.A and this package's
// working tree follows the same shape as the teacher's
// convertMGOToOfficial/convertOfficialToMGO helpers, generalized to operate
// purely within the official driver's own types.
package bsonutil

import "strings"

// SplitPath splits a dotted field path into its segments. "a.b.c" -> [a b c].
func SplitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// JoinPath reassembles path segments into a dotted path.
func JoinPath(segs []string) string {
	return strings.Join(segs, ".")
}

// IsArrayIndex reports whether a path segment is a non-negative decimal
// integer, in which case it addresses an array element rather than a
// document field.
func IsArrayIndex(seg string) (int, bool) {
	if seg == "" {
		return 0, false
	}
	n := 0
	for _, r := range seg {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}
