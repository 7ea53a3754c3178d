package pipeline

import (
	"github.com/oxidedb/oxidedb/internal/bsonutil"
	"go.mongodb.org/mongo-driver/bson"
)

// accumulator is a tagged running-state variant for one $group/$bucket/
// $bucketAuto output accumulator field (spec.md §9's "Accumulator state"
// data-structure note): each kind keeps only the state it needs rather than
// every field generically, mirroring a small sum type.
type accumulator struct {
	kind       string
	sum        float64
	sumIsInt   bool
	intSum     int64
	count      int64
	avgSum     float64
	avgCount   int64
	min, max   interface{}
	haveMinMax bool
	first      interface{}
	haveFirst  bool
	last       interface{}
	values     bson.A
	set        bson.A
}

func newAccumulator(kind string) *accumulator {
	return &accumulator{kind: kind, sumIsInt: true}
}

func (a *accumulator) add(v interface{}) {
	switch a.kind {
	case "$sum":
		if v == nil {
			return
		}
		if bsonutil.IsInteger(v) {
			n, _ := bsonutil.AsInt64(v)
			a.intSum += n
		} else if f, ok := bsonutil.AsFloat64(v); ok {
			a.sumIsInt = false
			a.sum += f
		}
	case "$avg":
		if f, ok := bsonutil.AsFloat64(v); ok {
			a.avgSum += f
			a.avgCount++
		}
	case "$min":
		if v == nil {
			return
		}
		if !a.haveMinMax || bsonutil.Compare(v, a.min) < 0 {
			a.min = v
		}
		a.haveMinMax = true
	case "$max":
		if v == nil {
			return
		}
		if !a.haveMinMax || bsonutil.Compare(v, a.max) > 0 {
			a.max = v
		}
		a.haveMinMax = true
	case "$first":
		if !a.haveFirst {
			a.first = v
			a.haveFirst = true
		}
	case "$last":
		a.last = v
	case "$push":
		a.values = append(a.values, v)
	case "$addToSet":
		for _, existing := range a.set {
			if bsonutil.Equal(existing, v) {
				return
			}
		}
		a.set = append(a.set, v)
	case "$count":
		a.count++
	}
}

func (a *accumulator) result() interface{} {
	switch a.kind {
	case "$sum":
		if a.sumIsInt {
			return a.intSum
		}
		return a.sum + float64(a.intSum)
	case "$avg":
		if a.avgCount == 0 {
			return nil
		}
		return a.avgSum / float64(a.avgCount)
	case "$min":
		return a.min
	case "$max":
		return a.max
	case "$first":
		return a.first
	case "$last":
		return a.last
	case "$push":
		if a.values == nil {
			return bson.A{}
		}
		return a.values
	case "$addToSet":
		if a.set == nil {
			return bson.A{}
		}
		return a.set
	case "$count":
		return a.count
	default:
		return nil
	}
}
