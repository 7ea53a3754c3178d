package pipeline

import (
	"context"
	"math"
	"sort"

	"github.com/oxidedb/oxidedb/internal/bsonutil"
	"github.com/oxidedb/oxidedb/internal/expr"
	"github.com/oxidedb/oxidedb/internal/filter"
	"github.com/oxidedb/oxidedb/internal/oxerr"
	"github.com/oxidedb/oxidedb/internal/storage"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func (e *Executor) stageGroup(docs []bson.M, args interface{}) ([]bson.M, error) {
	spec, ok := bsonutil.ToM(args)
	if !ok {
		return nil, oxerr.FailedToParse("$group requires a document argument")
	}
	idExpr, hasID := spec["_id"]
	if !hasID {
		return nil, oxerr.FailedToParse("$group requires an _id expression")
	}

	type bucket struct {
		key   interface{}
		accs  map[string]*accumulator
		order []string
	}
	order := []string{}
	buckets := map[string]*bucket{}

	accSpecs := map[string]bson.M{}
	for field, v := range spec {
		if field == "_id" {
			continue
		}
		m, ok := bsonutil.ToM(v)
		if !ok || len(m) != 1 {
			return nil, oxerr.FailedToParse("$group.%s must name exactly one accumulator", field)
		}
		accSpecs[field] = m
	}

	for _, d := range docs {
		keyVal, err := expr.Eval(idExpr, e.env(d))
		if err != nil {
			return nil, err
		}
		keyStr := groupKeyString(keyVal)
		b, ok := buckets[keyStr]
		if !ok {
			b = &bucket{key: keyVal, accs: map[string]*accumulator{}}
			for field, m := range accSpecs {
				for op := range m {
					b.accs[field] = newAccumulator(op)
				}
			}
			buckets[keyStr] = b
			order = append(order, keyStr)
		}
		for field, m := range accSpecs {
			for op, operand := range m {
				v, err := expr.Eval(operand, e.env(d))
				if err != nil {
					return nil, err
				}
				_ = op
				b.accs[field].add(v)
			}
		}
	}

	out := make([]bson.M, 0, len(order))
	for _, k := range order {
		b := buckets[k]
		row := bson.M{"_id": b.key}
		for field, acc := range b.accs {
			row[field] = acc.result()
		}
		out = append(out, row)
	}
	return out, nil
}

func groupKeyString(v interface{}) string {
	data, err := bson.Marshal(bson.M{"k": v})
	if err != nil {
		return ""
	}
	return string(data)
}

func (e *Executor) stageUnwind(docs []bson.M, args interface{}) ([]bson.M, error) {
	path := ""
	preserveEmpty := false
	includeIndex := ""
	if s, ok := args.(string); ok {
		path = s
	} else if m, ok := bsonutil.ToM(args); ok {
		p, _ := m["path"].(string)
		path = p
		if b, ok := m["preserveNullAndEmptyArrays"].(bool); ok {
			preserveEmpty = b
		}
		if s, ok := m["includeArrayIndex"].(string); ok {
			includeIndex = s
		}
	}
	if len(path) == 0 || path[0] != '$' {
		return nil, oxerr.FailedToParse("$unwind requires a field path")
	}
	field := path[1:]

	var out []bson.M
	for _, d := range docs {
		v, ok := bsonutil.Get(d, field)
		arr, isArr := bsonutil.ToA(v)
		if !ok || !isArr || len(arr) == 0 {
			if preserveEmpty {
				clone, _ := bsonutil.Clone(d).(bson.M)
				if includeIndex != "" {
					_ = bsonutil.Set(clone, includeIndex, nil)
				}
				out = append(out, clone)
			}
			continue
		}
		for i, elem := range arr {
			clone, _ := bsonutil.Clone(d).(bson.M)
			if err := bsonutil.Set(clone, field, elem); err != nil {
				return nil, err
			}
			if includeIndex != "" {
				_ = bsonutil.Set(clone, includeIndex, int64(i))
			}
			out = append(out, clone)
		}
	}
	return out, nil
}

func (e *Executor) stageLookup(ctx context.Context, docs []bson.M, args interface{}) ([]bson.M, error) {
	m, ok := bsonutil.ToM(args)
	if !ok {
		return nil, oxerr.FailedToParse("$lookup requires a document argument")
	}
	from, _ := m["from"].(string)
	as, _ := m["as"].(string)
	if from == "" || as == "" {
		return nil, oxerr.FailedToParse("$lookup requires 'from' and 'as'")
	}

	if e.Facade == nil {
		out := make([]bson.M, len(docs))
		for i, d := range docs {
			clone, _ := bsonutil.Clone(d).(bson.M)
			clone[as] = bson.A{}
			out[i] = clone
		}
		return out, nil
	}

	if _, hasPipeline := m["pipeline"]; hasPipeline {
		return e.stageLookupPipeline(ctx, docs, m, from, as)
	}

	localField, _ := m["localField"].(string)
	foreignField, _ := m["foreignField"].(string)
	if localField == "" || foreignField == "" {
		return nil, oxerr.FailedToParse("$lookup requires 'localField' and 'foreignField' (or a pipeline)")
	}

	foreign, err := e.Facade.FindDocs(ctx, e.DB, from, nil, "", 0)
	if err != nil {
		return nil, oxerr.Wrap(err)
	}
	foreignDocs := make([]bson.M, 0, len(foreign))
	for _, fd := range foreign {
		bm, err := storage.DocToBSONM(fd)
		if err != nil {
			return nil, oxerr.Wrap(err)
		}
		foreignDocs = append(foreignDocs, bm)
	}

	out := make([]bson.M, len(docs))
	for i, d := range docs {
		localV, _ := bsonutil.Get(d, localField)
		var matched bson.A
		for _, fd := range foreignDocs {
			foreignV, _ := bsonutil.Get(fd, foreignField)
			if bsonutil.Equal(localV, foreignV) {
				matched = append(matched, fd)
			}
		}
		if matched == nil {
			matched = bson.A{}
		}
		clone, _ := bsonutil.Clone(d).(bson.M)
		clone[as] = matched
		out[i] = clone
	}
	return out, nil
}

func (e *Executor) stageLookupPipeline(ctx context.Context, docs []bson.M, m bson.M, from, as string) ([]bson.M, error) {
	letSpec, _ := bsonutil.ToM(m["let"])
	subRaw, _ := bsonutil.ToA(m["pipeline"])
	subStages, err := Parse(subRaw)
	if err != nil {
		return nil, err
	}

	foreign, err := e.Facade.FindDocs(ctx, e.DB, from, nil, "", 0)
	if err != nil {
		return nil, oxerr.Wrap(err)
	}
	foreignDocs := make([]bson.M, 0, len(foreign))
	for _, fd := range foreign {
		bm, err := storage.DocToBSONM(fd)
		if err != nil {
			return nil, oxerr.Wrap(err)
		}
		foreignDocs = append(foreignDocs, bm)
	}

	out := make([]bson.M, len(docs))
	for i, d := range docs {
		letVars := map[string]interface{}{}
		for k, expression := range letSpec {
			v, err := expr.Eval(expression, e.env(d))
			if err != nil {
				return nil, err
			}
			letVars[k] = v
		}
		sub := &Executor{Facade: e.Facade, DB: e.DB, Now: e.Now}
		res, err := sub.runWithVars(ctx, foreignDocs, subStages, letVars)
		if err != nil {
			return nil, err
		}
		clone, _ := bsonutil.Clone(d).(bson.M)
		if res.Docs == nil {
			res.Docs = []bson.M{}
		}
		arr := make(bson.A, len(res.Docs))
		for j, rd := range res.Docs {
			arr[j] = rd
		}
		clone[as] = arr
		out[i] = clone
	}
	return out, nil
}

// runWithVars is Run, but every stage's expression evaluation sees the
// given $let-bound variables in scope (used by $lookup's pipeline form).
func (e *Executor) runWithVars(ctx context.Context, docs []bson.M, stages []Stage, vars map[string]interface{}) (Result, error) {
	if len(vars) == 0 {
		return e.Run(ctx, docs, stages)
	}
	// $match's in-memory matcher doesn't see expression variables, so only
	// expression-evaluating stages benefit; wrap the initial doc set so
	// $project/$addFields etc. can reach "$$var" via a synthetic top-level
	// binding carried alongside each document is unnecessary here because
	// expr.Env threads Vars explicitly — so we special-case by evaluating
	// stages through a variable-aware Run variant.
	pe := *e
	pe.letVars = vars
	return pe.Run(ctx, docs, stages)
}

func (e *Executor) stageFacet(ctx context.Context, docs []bson.M, args interface{}) ([]bson.M, error) {
	m, ok := bsonutil.ToM(args)
	if !ok {
		return nil, oxerr.FailedToParse("$facet requires a document argument")
	}
	result := bson.M{}
	for name, subRaw := range m {
		arr, ok := bsonutil.ToA(subRaw)
		if !ok {
			return nil, oxerr.FailedToParse("$facet.%s must be an array", name)
		}
		subStages, err := Parse(arr)
		if err != nil {
			return nil, err
		}
		input := make([]bson.M, len(docs))
		for i, d := range docs {
			clone, _ := bsonutil.Clone(d).(bson.M)
			input[i] = clone
		}
		sub := &Executor{Facade: e.Facade, DB: e.DB, Now: e.Now}
		res, err := sub.Run(ctx, input, subStages)
		if err != nil {
			return nil, err
		}
		if res.Docs == nil {
			res.Docs = []bson.M{}
		}
		arrOut := make(bson.A, len(res.Docs))
		for j, d := range res.Docs {
			arrOut[j] = d
		}
		result[name] = arrOut
	}
	return []bson.M{result}, nil
}

func (e *Executor) stageBucket(docs []bson.M, args interface{}) ([]bson.M, error) {
	m, ok := bsonutil.ToM(args)
	if !ok {
		return nil, oxerr.FailedToParse("$bucket requires a document argument")
	}
	groupBy, hasGroupBy := m["groupBy"]
	if !hasGroupBy {
		return nil, oxerr.FailedToParse("$bucket requires 'groupBy'")
	}
	boundaries, _ := bsonutil.ToA(m["boundaries"])
	if len(boundaries) < 2 {
		return nil, oxerr.FailedToParse("$bucket 'boundaries' must have at least 2 elements")
	}
	for i := 1; i < len(boundaries); i++ {
		if bsonutil.Compare(boundaries[i-1], boundaries[i]) > 0 {
			return nil, oxerr.FailedToParse("$bucket 'boundaries' must be sorted ascending")
		}
	}
	hasDefault := false
	var defaultVal interface{}
	if v, ok := m["default"]; ok {
		hasDefault = true
		defaultVal = v
	}
	accSpecs := map[string]bson.M{}
	if outputSpec, ok := bsonutil.ToM(m["output"]); ok {
		for field, v := range outputSpec {
			am, ok := bsonutil.ToM(v)
			if ok {
				accSpecs[field] = am
			}
		}
	}

	type bucket struct {
		id    interface{}
		accs  map[string]*accumulator
		count int64
	}
	order := []string{}
	buckets := map[string]*bucket{}
	getBucket := func(id interface{}) *bucket {
		key := groupKeyString(id)
		b, ok := buckets[key]
		if !ok {
			b = &bucket{id: id, accs: map[string]*accumulator{}}
			for field, spec := range accSpecs {
				for op := range spec {
					b.accs[field] = newAccumulator(op)
				}
			}
			buckets[key] = b
			order = append(order, key)
		}
		return b
	}

	for _, d := range docs {
		v, err := expr.Eval(groupBy, e.env(d))
		if err != nil {
			return nil, err
		}
		var bucketID interface{}
		placed := false
		for i := 0; i < len(boundaries)-1; i++ {
			if bsonutil.Compare(v, boundaries[i]) >= 0 && bsonutil.Compare(v, boundaries[i+1]) < 0 {
				bucketID = boundaries[i]
				placed = true
				break
			}
		}
		if !placed {
			if !hasDefault {
				continue
			}
			bucketID = defaultVal
		}
		b := getBucket(bucketID)
		b.count++
		for field, spec := range accSpecs {
			for op, operand := range spec {
				av, err := expr.Eval(operand, e.env(d))
				if err != nil {
					return nil, err
				}
				b.accs[field].add(av)
				_ = op
			}
		}
	}

	out := make([]bson.M, 0, len(order))
	for _, k := range order {
		b := buckets[k]
		row := bson.M{"_id": b.id, "count": b.count}
		for field, acc := range b.accs {
			row[field] = acc.result()
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		return bsonutil.Compare(out[i]["_id"], out[j]["_id"]) < 0
	})
	return out, nil
}

func (e *Executor) stageBucketAuto(docs []bson.M, args interface{}) ([]bson.M, error) {
	m, ok := bsonutil.ToM(args)
	if !ok {
		return nil, oxerr.FailedToParse("$bucketAuto requires a document argument")
	}
	groupBy, hasGroupBy := m["groupBy"]
	if !hasGroupBy {
		return nil, oxerr.FailedToParse("$bucketAuto requires 'groupBy'")
	}
	buckets, _ := bsonutil.AsInt64(m["buckets"])
	if buckets <= 0 {
		return nil, oxerr.FailedToParse("$bucketAuto requires a positive 'buckets' count")
	}

	type keyed struct {
		doc bson.M
		key interface{}
	}
	keyedDocs := make([]keyed, len(docs))
	for i, d := range docs {
		v, err := expr.Eval(groupBy, e.env(d))
		if err != nil {
			return nil, err
		}
		keyedDocs[i] = keyed{doc: d, key: v}
	}
	sort.SliceStable(keyedDocs, func(i, j int) bool {
		return bsonutil.Compare(keyedDocs[i].key, keyedDocs[j].key) < 0
	})

	n := int64(len(keyedDocs))
	if n == 0 {
		return nil, nil
	}
	if buckets > n {
		buckets = n
	}
	per := n / buckets
	extra := n % buckets

	accSpecs := map[string]bson.M{}
	if outputSpec, ok := bsonutil.ToM(m["output"]); ok {
		for field, v := range outputSpec {
			if am, ok := bsonutil.ToM(v); ok {
				accSpecs[field] = am
			}
		}
	}

	var out []bson.M
	idx := int64(0)
	for b := int64(0); b < buckets; b++ {
		size := per
		if b < extra {
			size++
		}
		if size == 0 {
			continue
		}
		group := keyedDocs[idx : idx+size]
		idx += size
		minV := group[0].key
		var maxV interface{}
		if int(idx) < len(keyedDocs) {
			maxV = keyedDocs[idx].key
		} else {
			maxV = group[len(group)-1].key
		}
		row := bson.M{"_id": bson.M{"min": minV, "max": maxV}, "count": int64(len(group))}
		accs := map[string]*accumulator{}
		for field, spec := range accSpecs {
			for op := range spec {
				accs[field] = newAccumulator(op)
			}
		}
		for _, kd := range group {
			for field, spec := range accSpecs {
				for op, operand := range spec {
					av, err := expr.Eval(operand, e.env(kd.doc))
					if err != nil {
						return nil, err
					}
					accs[field].add(av)
					_ = op
				}
			}
		}
		for field, acc := range accs {
			row[field] = acc.result()
		}
		out = append(out, row)
	}
	return out, nil
}

func (e *Executor) stageGeoNear(docs []bson.M, args interface{}) ([]bson.M, error) {
	m, ok := bsonutil.ToM(args)
	if !ok {
		return nil, oxerr.FailedToParse("$geoNear requires a document argument")
	}
	nearCoords, ok := geoCoords(m["near"])
	if !ok {
		return nil, oxerr.FailedToParse("$geoNear requires 'near' as [lng, lat]")
	}
	key, _ := m["key"].(string)
	if key == "" {
		key = "location"
	}
	distanceField, _ := m["distanceField"].(string)
	if distanceField == "" {
		return nil, oxerr.FailedToParse("$geoNear requires 'distanceField'")
	}
	spherical, _ := m["spherical"].(bool)
	var minDist, maxDist *float64
	if v, ok := m["minDistance"]; ok {
		f, _ := bsonutil.AsFloat64(v)
		minDist = &f
	}
	if v, ok := m["maxDistance"]; ok {
		f, _ := bsonutil.AsFloat64(v)
		maxDist = &f
	}
	mult := 1.0
	if v, ok := m["distanceMultiplier"]; ok {
		mult, _ = bsonutil.AsFloat64(v)
	}
	var queryFilter bson.M
	if q, ok := bsonutil.ToM(m["query"]); ok {
		queryFilter = q
	}

	type withDist struct {
		doc  bson.M
		dist float64
	}
	var results []withDist
	for _, d := range docs {
		if queryFilter != nil && !filter.Match(d, queryFilter) {
			continue
		}
		v, ok := bsonutil.Get(d, key)
		if !ok {
			continue
		}
		coords, ok := geoCoords(v)
		if !ok {
			continue
		}
		dist := geoDistance(nearCoords, coords, spherical) * mult
		if minDist != nil && dist < *minDist {
			continue
		}
		if maxDist != nil && dist > *maxDist {
			continue
		}
		clone, _ := bsonutil.Clone(d).(bson.M)
		if err := bsonutil.Set(clone, distanceField, dist); err != nil {
			return nil, err
		}
		results = append(results, withDist{doc: clone, dist: dist})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].dist < results[j].dist })
	out := make([]bson.M, len(results))
	for i, r := range results {
		out[i] = r.doc
	}
	return out, nil
}

func geoCoords(v interface{}) ([2]float64, bool) {
	if arr, ok := bsonutil.ToA(v); ok && len(arr) == 2 {
		lng, ok1 := bsonutil.AsFloat64(arr[0])
		lat, ok2 := bsonutil.AsFloat64(arr[1])
		if ok1 && ok2 {
			return [2]float64{lng, lat}, true
		}
	}
	if m, ok := bsonutil.ToM(v); ok {
		if coords, ok := bsonutil.ToA(m["coordinates"]); ok && len(coords) == 2 {
			return geoCoords(coords)
		}
	}
	return [2]float64{}, false
}

func geoDistance(a, b [2]float64, spherical bool) float64 {
	if !spherical {
		dx := a[0] - b[0]
		dy := a[1] - b[1]
		return math.Sqrt(dx*dx + dy*dy)
	}
	return haversine(a[1], a[0], b[1], b[0])
}

const earthRadiusMeters = 6378137.0

func haversine(lat1, lng1, lat2, lng2 float64) float64 {
	rad := func(deg float64) float64 { return deg * (math.Pi / 180.0) }
	dLat := rad(lat2 - lat1)
	dLng := rad(lng2 - lng1)
	s := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Asin(math.Sqrt(s))
	return earthRadiusMeters * c
}

func (e *Executor) stageSetWindowFields(docs []bson.M, args interface{}) ([]bson.M, error) {
	m, ok := bsonutil.ToM(args)
	if !ok {
		return nil, oxerr.FailedToParse("$setWindowFields requires a document argument")
	}
	sortSpec, hasSort := bsonutil.ToM(m["sortBy"])
	if !hasSort {
		return nil, oxerr.FailedToParse("$setWindowFields requires 'sortBy'")
	}
	outputSpec, _ := bsonutil.ToM(m["output"])

	partitions := partitionDocs(docs, m["partitionBy"], e)
	var out []bson.M
	for _, part := range partitions {
		sorted, err := e.stageSort(part, sortSpec)
		if err != nil {
			return nil, err
		}
		for i, d := range sorted {
			clone, _ := bsonutil.Clone(d).(bson.M)
			for field, spec := range outputSpec {
				opm, ok := bsonutil.ToM(spec)
				if !ok {
					continue
				}
				for op, operand := range opm {
					if op == "window" {
						continue
					}
					acc := newAccumulator(op)
					for _, wd := range sorted[:i+1] {
						v, err := expr.Eval(operand, e.env(wd))
						if err != nil {
							return nil, err
						}
						acc.add(v)
					}
					if err := bsonutil.Set(clone, field, acc.result()); err != nil {
						return nil, err
					}
				}
			}
			out = append(out, clone)
		}
	}
	return out, nil
}

func partitionDocs(docs []bson.M, partitionBy interface{}, e *Executor) [][]bson.M {
	if partitionBy == nil {
		return [][]bson.M{docs}
	}
	order := []string{}
	groups := map[string][]bson.M{}
	for _, d := range docs {
		v, err := expr.Eval(partitionBy, e.env(d))
		if err != nil {
			v = nil
		}
		key := groupKeyString(v)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], d)
	}
	out := make([][]bson.M, 0, len(order))
	for _, k := range order {
		out = append(out, groups[k])
	}
	return out
}

func (e *Executor) stageUnionWith(ctx context.Context, docs []bson.M, args interface{}) ([]bson.M, error) {
	var coll string
	var subStages []Stage
	if s, ok := args.(string); ok {
		coll = s
	} else if m, ok := bsonutil.ToM(args); ok {
		coll, _ = m["coll"].(string)
		if raw, ok := bsonutil.ToA(m["pipeline"]); ok {
			st, err := Parse(raw)
			if err != nil {
				return nil, err
			}
			subStages = st
		}
	}
	if coll == "" || e.Facade == nil {
		return docs, nil
	}
	foreign, err := e.Facade.FindDocs(ctx, e.DB, coll, nil, "", 0)
	if err != nil {
		return nil, oxerr.Wrap(err)
	}
	foreignDocs := make([]bson.M, 0, len(foreign))
	for _, fd := range foreign {
		bm, err := storage.DocToBSONM(fd)
		if err != nil {
			return nil, oxerr.Wrap(err)
		}
		foreignDocs = append(foreignDocs, bm)
	}
	if len(subStages) > 0 {
		sub := &Executor{Facade: e.Facade, DB: e.DB, Now: e.Now}
		res, err := sub.Run(ctx, foreignDocs, subStages)
		if err != nil {
			return nil, err
		}
		foreignDocs = res.Docs
	}
	return append(append([]bson.M{}, docs...), foreignDocs...), nil
}

func (e *Executor) stageRedact(docs []bson.M, args interface{}) ([]bson.M, error) {
	out := make([]bson.M, 0, len(docs))
	for _, d := range docs {
		r, err := e.redactOne(d, args)
		if err != nil {
			return nil, err
		}
		if r != nil {
			out = append(out, r.(bson.M))
		}
	}
	return out, nil
}

func (e *Executor) redactOne(d bson.M, expression interface{}) (interface{}, error) {
	v, err := expr.Eval(expression, e.env(d))
	if err != nil {
		return nil, err
	}
	switch s, _ := v.(string); s {
	case "$$PRUNE":
		return nil, nil
	case "$$KEEP":
		return d, nil
	case "$$DESCEND":
		out := bson.M{}
		for k, fv := range d {
			out[k] = e.redactDescend(fv, expression)
		}
		return out, nil
	default:
		return d, nil
	}
}

func (e *Executor) redactDescend(v interface{}, expression interface{}) interface{} {
	switch t := v.(type) {
	case bson.M:
		r, err := e.redactOne(t, expression)
		if err != nil || r == nil {
			return nil
		}
		return r
	case bson.A:
		var out bson.A
		for _, elem := range t {
			if m, ok := elem.(bson.M); ok {
				r, err := e.redactOne(m, expression)
				if err == nil && r != nil {
					out = append(out, r)
				}
				continue
			}
			out = append(out, elem)
		}
		return out
	default:
		return v
	}
}

func (e *Executor) stageOut(ctx context.Context, docs []bson.M, args interface{}) (*WriteStats, error) {
	if e.Facade == nil {
		return &WriteStats{}, nil
	}
	db, coll := e.DB, ""
	if s, ok := args.(string); ok {
		coll = s
	} else if m, ok := bsonutil.ToM(args); ok {
		if d, ok := m["db"].(string); ok && d != "" {
			db = d
		}
		coll, _ = m["coll"].(string)
	}
	if coll == "" {
		return nil, oxerr.FailedToParse("$out requires a target collection")
	}
	sdocs, err := toStorageDocs(docs)
	if err != nil {
		return nil, err
	}
	if err := e.Facade.ReplaceAll(ctx, db, coll, sdocs); err != nil {
		return nil, oxerr.Wrap(err)
	}
	return &WriteStats{Inserted: int64(len(sdocs))}, nil
}

func (e *Executor) stageMerge(ctx context.Context, docs []bson.M, args interface{}) (*WriteStats, error) {
	if e.Facade == nil {
		return &WriteStats{}, nil
	}
	m, ok := bsonutil.ToM(args)
	coll := ""
	db := e.DB
	if !ok {
		if s, ok := args.(string); ok {
			coll = s
		}
	} else {
		if d, ok := m["db"].(string); ok && d != "" {
			db = d
		}
		if c, ok := m["into"].(string); ok {
			coll = c
		} else if c, ok := m["coll"].(string); ok {
			coll = c
		}
	}
	if coll == "" {
		return nil, oxerr.FailedToParse("$merge requires a target collection")
	}
	onFields := []string{"_id"}
	whenMatched := "merge"
	whenNotMatched := "insert"
	if ok {
		if on, isStr := m["on"].(string); isStr {
			onFields = []string{on}
		} else if onArr, isArr := bsonutil.ToA(m["on"]); isArr {
			onFields = nil
			for _, f := range onArr {
				if s, ok := f.(string); ok {
					onFields = append(onFields, s)
				}
			}
		}
		if s, ok := m["whenMatched"].(string); ok {
			whenMatched = s
		}
		if s, ok := m["whenNotMatched"].(string); ok {
			whenNotMatched = s
		}
	}

	stats := &WriteStats{}
	for _, d := range docs {
		onFilter := bson.M{}
		for _, f := range onFields {
			v, _ := bsonutil.Get(d, f)
			onFilter[f] = v
		}
		pred, err := filter.Translate(onFilter)
		if err != nil {
			return nil, err
		}
		existing, err := e.Facade.FindDocs(ctx, db, coll, pred, "", 1)
		if err != nil {
			return nil, oxerr.Wrap(err)
		}
		if len(existing) == 0 {
			switch whenNotMatched {
			case "discard":
				continue
			case "fail":
				return nil, oxerr.FailedToParse("$merge: no matching document and whenNotMatched is 'fail'")
			default:
				sd, err := toStorageDoc(d)
				if err != nil {
					return nil, err
				}
				if _, err := e.Facade.InsertOne(ctx, db, coll, sd); err != nil {
					return nil, oxerr.Wrap(err)
				}
				stats.Inserted++
			}
			continue
		}
		switch whenMatched {
		case "keepExisting":
			continue
		case "fail":
			return nil, oxerr.FailedToParse("$merge: matching document found and whenMatched is 'fail'")
		case "replace":
			sd, err := toStorageDoc(d)
			if err != nil {
				return nil, err
			}
			if _, err := e.Facade.UpdateDocByID(ctx, db, coll, existing[0].ID, sd); err != nil {
				return nil, oxerr.Wrap(err)
			}
			stats.Modified++
		default: // "merge"
			base, err := storage.DocToBSONM(existing[0])
			if err != nil {
				return nil, oxerr.Wrap(err)
			}
			merged, _ := bsonutil.Clone(base).(bson.M)
			for k, v := range d {
				merged[k] = v
			}
			sd, err := toStorageDocWithID(merged, existing[0].ID)
			if err != nil {
				return nil, err
			}
			if _, err := e.Facade.UpdateDocByID(ctx, db, coll, existing[0].ID, sd); err != nil {
				return nil, oxerr.Wrap(err)
			}
			stats.Modified++
		}
	}
	return stats, nil
}

func toStorageDocs(docs []bson.M) ([]storage.Document, error) {
	out := make([]storage.Document, len(docs))
	for i, d := range docs {
		sd, err := toStorageDoc(d)
		if err != nil {
			return nil, err
		}
		out[i] = sd
	}
	return out, nil
}

func toStorageDoc(d bson.M) (storage.Document, error) {
	id, ok := d["_id"]
	if !ok {
		id = primitive.NewObjectID()
		d["_id"] = id
	}
	return toStorageDocWithID(d, nil)
}

func toStorageDocWithID(d bson.M, id []byte) (storage.Document, error) {
	idBytes := id
	if idBytes == nil {
		b, err := bsonutil.IDBytes(d["_id"])
		if err != nil {
			return storage.Document{}, oxerr.Wrap(err)
		}
		idBytes = b
	}
	raw, err := bson.Marshal(d)
	if err != nil {
		return storage.Document{}, oxerr.Wrap(err)
	}
	return storage.Document{ID: idBytes, Doc: d, BSON: raw}, nil
}
