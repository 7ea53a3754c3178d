// Package pipeline parses, validates, and executes aggregation pipelines:
// stage ordering rules from spec section 4.6, and the SQL-pushdown-prefix /
// in-memory-tail execution model from section 4.7.
//
// Grounded on teacher's modern_aggregation.go, which builds a
// mongodrv.Pipeline and options struct for the driver to run server-side;
// here the stage documents are interpreted directly, there being no
// upstream mongod.
package pipeline

import (
	"strings"

	"github.com/oxidedb/oxidedb/internal/bsonutil"
	"github.com/oxidedb/oxidedb/internal/oxerr"
	"go.mongodb.org/mongo-driver/bson"
)

// Stage is one parsed pipeline stage: its operator name and raw argument.
type Stage struct {
	Op   string
	Args interface{}
}

// Parse converts a raw pipeline array into typed stages, rejecting any
// stage document that does not have exactly one operator key.
func Parse(raw bson.A) ([]Stage, error) {
	stages := make([]Stage, 0, len(raw))
	for i, s := range raw {
		m, ok := bsonutil.ToM(s)
		if !ok {
			return nil, oxerr.FailedToParse("pipeline stage %d is not a document", i)
		}
		if len(m) != 1 {
			return nil, oxerr.FailedToParse("pipeline stage %d must have exactly one operator", i)
		}
		for op, args := range m {
			if !strings.HasPrefix(op, "$") {
				return nil, oxerr.FailedToParse("pipeline stage %d: %q is not a stage operator", i, op)
			}
			stages = append(stages, Stage{Op: op, Args: args})
		}
	}
	return stages, nil
}

// Validate enforces spec's global pipeline-ordering invariants:
// $geoNear only at index 0; at most one terminal $out/$merge, which must be
// last; $facet must be last and its sub-pipelines may not nest $out/$merge/
// $geoNear; $match rejects $where at any position and $near/$nearSphere/
// $text outside stage 0.
func Validate(stages []Stage) error {
	for i, st := range stages {
		if st.Op == "$geoNear" && i != 0 {
			return oxerr.FailedToParse("$geoNear is only valid as the first stage in a pipeline")
		}
		if (st.Op == "$out" || st.Op == "$merge") && i != len(stages)-1 {
			return oxerr.FailedToParse("%s must be the last stage in the pipeline", st.Op)
		}
		if st.Op == "$facet" {
			if i != len(stages)-1 {
				return oxerr.FailedToParse("$facet must be the last stage in the pipeline")
			}
			if err := validateFacet(st.Args); err != nil {
				return err
			}
		}
		if st.Op == "$match" {
			if err := validateMatchStage(st.Args, i); err != nil {
				return err
			}
		}
	}
	outOrMerge := 0
	for _, st := range stages {
		if st.Op == "$out" || st.Op == "$merge" {
			outOrMerge++
		}
	}
	if outOrMerge > 1 {
		return oxerr.FailedToParse("a pipeline may contain at most one $out or $merge stage")
	}
	return nil
}

func validateFacet(args interface{}) error {
	m, ok := bsonutil.ToM(args)
	if !ok {
		return oxerr.FailedToParse("$facet requires a document of named sub-pipelines")
	}
	for name, sub := range m {
		arr, ok := bsonutil.ToA(sub)
		if !ok {
			return oxerr.FailedToParse("$facet.%s must be an array", name)
		}
		subStages, err := Parse(arr)
		if err != nil {
			return err
		}
		for _, s := range subStages {
			if s.Op == "$out" || s.Op == "$merge" || s.Op == "$geoNear" {
				return oxerr.FailedToParse("$facet sub-pipelines may not contain %s", s.Op)
			}
		}
	}
	return nil
}

func validateMatchStage(args interface{}, index int) error {
	m, ok := bsonutil.ToM(args)
	if !ok {
		return nil
	}
	if _, ok := m["$where"]; ok {
		return oxerr.FailedToParse("$where is not supported")
	}
	if index != 0 {
		if _, ok := m["$near"]; ok {
			return oxerr.FailedToParse("$near is only allowed in the first $match stage")
		}
		if _, ok := m["$nearSphere"]; ok {
			return oxerr.FailedToParse("$nearSphere is only allowed in the first $match stage")
		}
		if _, ok := m["$text"]; ok {
			return oxerr.FailedToParse("$text is only allowed in the first $match stage")
		}
	}
	return nil
}
