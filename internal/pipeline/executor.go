package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/oxidedb/oxidedb/internal/bsonutil"
	"github.com/oxidedb/oxidedb/internal/expr"
	"github.com/oxidedb/oxidedb/internal/filter"
	"github.com/oxidedb/oxidedb/internal/oxerr"
	"github.com/oxidedb/oxidedb/internal/storage"
	"go.mongodb.org/mongo-driver/bson"
)

// WriteStats summarizes a terminal $out/$merge stage instead of a result
// cursor (spec.md §4.7: "writes ... no cursor is created").
type WriteStats struct {
	Inserted int64
	Matched  int64
	Modified int64
	Deleted  int64
}

// Result is the outcome of running a pipeline: either a document stream or
// write statistics, never both.
type Result struct {
	Docs  []bson.M
	Write *WriteStats
}

// Executor runs a parsed, validated pipeline in-memory. Facade is optional;
// when nil, $lookup/$out/$merge/$unionWith are no-ops (spec.md §9: "the
// pipeline executor must accept an optional facade").
type Executor struct {
	Facade storage.Facade
	DB     string
	Now    time.Time

	// letVars carries $lookup pipeline-form $let bindings into every
	// expression evaluated while running the bound sub-pipeline.
	letVars map[string]interface{}
}

// Run executes stages against an initial in-memory document set. Callers
// that can push a filter/sort/limit prefix down to SQL do so before calling
// Run and simply pass the already-materialized rows as docs.
func (e *Executor) Run(ctx context.Context, docs []bson.M, stages []Stage) (Result, error) {
	cur := docs
	for i, st := range stages {
		isLast := i == len(stages)-1
		switch st.Op {
		case "$match":
			cur = e.stageMatch(cur, st.Args)
		case "$project":
			out, err := e.stageProject(cur, st.Args)
			if err != nil {
				return Result{}, err
			}
			cur = out
		case "$addFields", "$set":
			out, err := e.stageAddFields(cur, st.Args)
			if err != nil {
				return Result{}, err
			}
			cur = out
		case "$unset":
			cur = e.stageUnset(cur, st.Args)
		case "$replaceRoot", "$replaceWith":
			out, err := e.stageReplaceRoot(cur, st.Args)
			if err != nil {
				return Result{}, err
			}
			cur = out
		case "$sort":
			out, err := e.stageSort(cur, st.Args)
			if err != nil {
				return Result{}, err
			}
			cur = out
		case "$limit":
			n, _ := bsonutil.AsInt64(st.Args)
			if n >= 0 && int64(len(cur)) > n {
				cur = cur[:n]
			}
		case "$skip":
			n, _ := bsonutil.AsInt64(st.Args)
			if n < 0 {
				n = 0
			}
			if int64(len(cur)) > n {
				cur = cur[n:]
			} else {
				cur = nil
			}
		case "$count":
			field, _ := st.Args.(string)
			cur = []bson.M{{field: countValue(int64(len(cur)))}}
		case "$sample":
			out, err := e.stageSample(cur, st.Args)
			if err != nil {
				return Result{}, err
			}
			cur = out
		case "$group":
			out, err := e.stageGroup(cur, st.Args)
			if err != nil {
				return Result{}, err
			}
			cur = out
		case "$unwind":
			out, err := e.stageUnwind(cur, st.Args)
			if err != nil {
				return Result{}, err
			}
			cur = out
		case "$lookup":
			out, err := e.stageLookup(ctx, cur, st.Args)
			if err != nil {
				return Result{}, err
			}
			cur = out
		case "$facet":
			out, err := e.stageFacet(ctx, cur, st.Args)
			if err != nil {
				return Result{}, err
			}
			cur = out
		case "$bucket":
			out, err := e.stageBucket(cur, st.Args)
			if err != nil {
				return Result{}, err
			}
			cur = out
		case "$bucketAuto":
			out, err := e.stageBucketAuto(cur, st.Args)
			if err != nil {
				return Result{}, err
			}
			cur = out
		case "$geoNear":
			out, err := e.stageGeoNear(cur, st.Args)
			if err != nil {
				return Result{}, err
			}
			cur = out
		case "$setWindowFields":
			out, err := e.stageSetWindowFields(cur, st.Args)
			if err != nil {
				return Result{}, err
			}
			cur = out
		case "$unionWith":
			out, err := e.stageUnionWith(ctx, cur, st.Args)
			if err != nil {
				return Result{}, err
			}
			cur = out
		case "$redact":
			out, err := e.stageRedact(cur, st.Args)
			if err != nil {
				return Result{}, err
			}
			cur = out
		case "$out":
			ws, err := e.stageOut(ctx, cur, st.Args)
			if err != nil {
				return Result{}, err
			}
			if !isLast {
				return Result{}, oxerr.FailedToParse("$out must be the last stage")
			}
			return Result{Write: ws}, nil
		case "$merge":
			ws, err := e.stageMerge(ctx, cur, st.Args)
			if err != nil {
				return Result{}, err
			}
			if !isLast {
				return Result{}, oxerr.FailedToParse("$merge must be the last stage")
			}
			return Result{Write: ws}, nil
		default:
			return Result{}, oxerr.FailedToParse("unsupported pipeline stage %q", st.Op)
		}
	}
	return Result{Docs: cur}, nil
}

func countValue(n int64) interface{} {
	if n >= -(1<<31) && n < (1<<31) {
		return int32(n)
	}
	return n
}

func (e *Executor) env(doc bson.M) expr.Env {
	vars := map[string]interface{}{}
	for k, v := range e.letVars {
		vars[k] = v
	}
	return expr.Env{Current: doc, Root: doc, Vars: vars, Now: e.Now}
}

func (e *Executor) stageMatch(docs []bson.M, args interface{}) []bson.M {
	f, ok := bsonutil.ToM(args)
	if !ok {
		return docs
	}
	var out []bson.M
	for _, d := range docs {
		if filter.Match(d, f) {
			out = append(out, d)
		}
	}
	return out
}

func (e *Executor) stageProject(docs []bson.M, args interface{}) ([]bson.M, error) {
	spec, ok := bsonutil.ToM(args)
	if !ok {
		return nil, oxerr.FailedToParse("$project requires a document argument")
	}

	inclusionMode, exclusionMode := false, false
	for k, v := range spec {
		if k == "_id" {
			continue
		}
		if isComputedProjectField(v) {
			inclusionMode = true
			continue
		}
		n, isNum := bsonutil.AsFloat64(v)
		b, isBool := v.(bool)
		included := (isNum && n != 0) || (isBool && b)
		if included {
			inclusionMode = true
		} else {
			exclusionMode = true
		}
	}
	if inclusionMode && exclusionMode {
		return nil, oxerr.FailedToParse("$project cannot mix inclusion and exclusion")
	}

	out := make([]bson.M, len(docs))
	for i, d := range docs {
		res, err := e.projectOne(d, spec, inclusionMode)
		if err != nil {
			return nil, err
		}
		out[i] = res
	}
	return out, nil
}

func isComputedProjectField(v interface{}) bool {
	if m, ok := bsonutil.ToM(v); ok {
		for k := range m {
			if len(k) > 0 && k[0] == '$' {
				return true
			}
		}
	}
	return false
}

func (e *Executor) projectOne(d bson.M, spec bson.M, inclusionMode bool) (bson.M, error) {
	out := bson.M{}
	includeID := true
	if v, ok := spec["_id"]; ok {
		n, isNum := bsonutil.AsFloat64(v)
		b, isBool := v.(bool)
		includeID = (isNum && n != 0) || (isBool && b) || isComputedProjectField(v)
	}

	if inclusionMode {
		if includeID {
			if v, ok := d["_id"]; ok {
				out["_id"] = v
			}
		}
		for k, v := range spec {
			if k == "_id" {
				continue
			}
			if isComputedProjectField(v) || isBareExprRef(v) {
				r, err := expr.Eval(v, e.env(d))
				if err != nil {
					return nil, err
				}
				if bsonutil.IsRemove(r) {
					continue
				}
				if err := bsonutil.Set(out, k, r); err != nil {
					return nil, err
				}
				continue
			}
			if fv, ok := bsonutil.Get(d, k); ok {
				if err := bsonutil.Set(out, k, fv); err != nil {
					return nil, err
				}
			}
		}
		return out, nil
	}

	// Exclusion mode: start from the full document, drop the named fields.
	clone, _ := bsonutil.Clone(d).(bson.M)
	if clone == nil {
		clone = bson.M{}
	}
	if !includeID {
		delete(clone, "_id")
	}
	for k, v := range spec {
		if k == "_id" {
			continue
		}
		n, isNum := bsonutil.AsFloat64(v)
		b, isBool := v.(bool)
		if (isNum && n == 0) || (isBool && !b) {
			_ = bsonutil.Unset(clone, k)
		}
	}
	return clone, nil
}

func isBareExprRef(v interface{}) bool {
	s, ok := v.(string)
	return ok && len(s) > 0 && s[0] == '$'
}

func (e *Executor) stageAddFields(docs []bson.M, args interface{}) ([]bson.M, error) {
	spec, ok := bsonutil.ToM(args)
	if !ok {
		return nil, oxerr.FailedToParse("$addFields/$set requires a document argument")
	}
	out := make([]bson.M, len(docs))
	for i, d := range docs {
		clone, _ := bsonutil.Clone(d).(bson.M)
		if clone == nil {
			clone = bson.M{}
		}
		for k, v := range spec {
			r, err := expr.Eval(v, e.env(d))
			if err != nil {
				return nil, err
			}
			if bsonutil.IsRemove(r) {
				_ = bsonutil.Unset(clone, k)
				continue
			}
			if err := bsonutil.Set(clone, k, r); err != nil {
				return nil, err
			}
		}
		out[i] = clone
	}
	return out, nil
}

func (e *Executor) stageUnset(docs []bson.M, args interface{}) []bson.M {
	var fields []string
	if s, ok := args.(string); ok {
		fields = []string{s}
	} else if arr, ok := bsonutil.ToA(args); ok {
		for _, v := range arr {
			if s, ok := v.(string); ok {
				fields = append(fields, s)
			}
		}
	}
	out := make([]bson.M, len(docs))
	for i, d := range docs {
		clone, _ := bsonutil.Clone(d).(bson.M)
		if clone == nil {
			clone = bson.M{}
		}
		for _, f := range fields {
			_ = bsonutil.Unset(clone, f)
		}
		out[i] = clone
	}
	return out
}

func (e *Executor) stageReplaceRoot(docs []bson.M, args interface{}) ([]bson.M, error) {
	expression := args
	if m, ok := bsonutil.ToM(args); ok {
		if v, ok := m["newRoot"]; ok {
			expression = v
		}
	}
	out := make([]bson.M, len(docs))
	for i, d := range docs {
		r, err := expr.Eval(expression, e.env(d))
		if err != nil {
			return nil, err
		}
		rm, ok := bsonutil.ToM(r)
		if !ok {
			return nil, oxerr.TypeMismatch("$replaceRoot/$replaceWith requires the new root to evaluate to a document")
		}
		out[i] = rm
	}
	return out, nil
}

func (e *Executor) stageSort(docs []bson.M, args interface{}) ([]bson.M, error) {
	spec, ok := bsonutil.ToM(args)
	if !ok {
		return nil, oxerr.FailedToParse("$sort requires a document argument")
	}
	keys := sortedSpecKeys(spec)
	out := make([]bson.M, len(docs))
	copy(out, docs)
	sort.SliceStable(out, func(i, j int) bool {
		for _, k := range keys {
			dir := 1
			if n, ok := bsonutil.AsFloat64(spec[k]); ok && n < 0 {
				dir = -1
			}
			vi, _ := bsonutil.Get(out[i], k)
			vj, _ := bsonutil.Get(out[j], k)
			c := bsonutil.Compare(vi, vj) * dir
			if c != 0 {
				return c < 0
			}
		}
		idI, _ := bsonutil.Get(out[i], "_id")
		idJ, _ := bsonutil.Get(out[j], "_id")
		return bsonutil.Compare(idI, idJ) < 0
	})
	return out, nil
}

func sortedSpecKeys(spec bson.M) []string {
	keys := make([]string, 0, len(spec))
	for k := range spec {
		keys = append(keys, k)
	}
	return keys
}

func (e *Executor) stageSample(docs []bson.M, args interface{}) ([]bson.M, error) {
	m, ok := bsonutil.ToM(args)
	if !ok {
		return nil, oxerr.FailedToParse("$sample requires a document argument")
	}
	n, _ := bsonutil.AsInt64(m["size"])
	if n < 0 || n >= int64(len(docs)) {
		out := make([]bson.M, len(docs))
		copy(out, docs)
		return out, nil
	}
	// Deterministic sampling (no math/rand use): take an evenly-spaced
	// stride through the input.
	out := make([]bson.M, 0, n)
	stride := float64(len(docs)) / float64(n)
	for i := int64(0); i < n; i++ {
		idx := int(float64(i) * stride)
		out = append(out, docs[idx])
	}
	return out, nil
}
