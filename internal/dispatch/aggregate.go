package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/oxidedb/oxidedb/internal/bsonutil"
	"github.com/oxidedb/oxidedb/internal/filter"
	"github.com/oxidedb/oxidedb/internal/oxerr"
	"github.com/oxidedb/oxidedb/internal/pipeline"
	"github.com/oxidedb/oxidedb/internal/storage"
	"go.mongodb.org/mongo-driver/bson"
)

// projectDocs runs a single $project stage through the aggregation
// executor, reused by find's projection argument (spec.md §4.7 note: find's
// projection shares $project's semantics).
func projectDocs(docs []bson.M, spec bson.M) ([]bson.M, error) {
	stages := []pipeline.Stage{{Op: "$project", Args: spec}}
	exec := &pipeline.Executor{Now: time.Now()}
	res, err := exec.Run(context.Background(), docs, stages)
	if err != nil {
		return nil, err
	}
	return res.Docs, nil
}

// cmdAggregate implements the aggregate command. Per the pragmatic scope
// decision recorded in DESIGN.md, only a single leading $match is pushed
// down to SQL; everything else (including every other stage) runs against
// the in-memory executor.
func (d *Dispatcher) cmdAggregate(ctx context.Context, db string, m bson.M) (bson.M, error) {
	coll, err := stringField(m, "aggregate")
	if err != nil {
		return nil, err
	}
	rawStages, ok := bsonutil.ToA(m["pipeline"])
	if !ok {
		return nil, oxerr.FailedToParse("aggregate requires a pipeline array")
	}
	stages, perr := pipeline.Parse(rawStages)
	if perr != nil {
		return nil, perr
	}
	if verr := pipeline.Validate(stages); verr != nil {
		return nil, verr
	}

	docs, tail, err := d.loadPipelineInput(ctx, db, coll, stages)
	if err != nil {
		return nil, err
	}

	exec := &pipeline.Executor{Facade: d.Facade, DB: db, Now: time.Now()}
	res, rerr := exec.Run(ctx, docs, tail)
	if rerr != nil {
		return nil, rerr
	}

	if res.Write != nil {
		return bson.M{
			"ok":         1.0,
			"n":          res.Write.Inserted + res.Write.Modified,
			"nInserted":  res.Write.Inserted,
			"nModified":  res.Write.Modified,
			"nDeleted":   res.Write.Deleted,
		}, nil
	}

	cursorOpts, _ := bsonutil.ToM(m["cursor"])
	batchSize := int32Field(cursorOpts, "batchSize", 0)
	var firstBatch []bson.M
	var cursorID int64
	if d.Cursors != nil {
		firstBatch, cursorID = d.Cursors.Open(namespace(db, coll), res.Docs, batchSize)
	} else {
		firstBatch = res.Docs
	}
	return bson.M{
		"cursor": bson.M{"id": cursorID, "ns": namespace(db, coll), "firstBatch": firstBatch},
		"ok":     1.0,
	}, nil
}

// loadPipelineInput materializes the pipeline's input set, pushing a
// leading $match down to SQL via FindDocs when present and returning the
// remaining (non-pushed) stages to run in-memory.
func (d *Dispatcher) loadPipelineInput(ctx context.Context, db, coll string, stages []pipeline.Stage) ([]bson.M, []pipeline.Stage, error) {
	var pred *filter.Predicate
	tail := stages
	if len(stages) > 0 && stages[0].Op == "$match" {
		f, ok := bsonutil.ToM(stages[0].Args)
		if ok {
			p, err := filter.Translate(f)
			if err != nil {
				return nil, nil, oxerr.Wrap(err)
			}
			pred = p
			tail = stages[1:]
		}
	}
	rows, err := d.Facade.FindDocs(ctx, db, coll, pred, "", 0)
	if err != nil {
		return nil, nil, oxerr.Wrap(err)
	}
	docs := make([]bson.M, len(rows))
	for i, r := range rows {
		doc, derr := storage.DocToBSONM(r)
		if derr != nil {
			return nil, nil, oxerr.Wrap(derr)
		}
		docs[i] = doc
	}
	return docs, tail, nil
}

// cmdCount implements the count command.
func (d *Dispatcher) cmdCount(ctx context.Context, db string, m bson.M) (bson.M, error) {
	coll, err := stringField(m, "count")
	if err != nil {
		return nil, err
	}
	q, _ := bsonutil.ToM(m["query"])
	pred, perr := filter.Translate(q)
	if perr != nil {
		return nil, oxerr.Wrap(perr)
	}
	n, cerr := d.Facade.CountDocs(ctx, db, coll, pred)
	if cerr != nil {
		return nil, oxerr.Wrap(cerr)
	}
	return bson.M{"n": n, "ok": 1.0}, nil
}

// cmdExplain reports the pushdown boundary for find/count/aggregate
// without executing the command, per SPEC_FULL.md's 4.10 supplement.
func (d *Dispatcher) cmdExplain(ctx context.Context, db string, m bson.M) (bson.M, error) {
	innerD, ok := toD(m["explain"])
	if !ok {
		return nil, oxerr.FailedToParse("explain requires a command document")
	}
	name, ok := firstKey(innerD)
	if !ok {
		return nil, oxerr.FailedToParse("explain: empty inner command")
	}
	inner := docToM(innerD)

	switch strings.ToLower(name) {
	case "find":
		q, _ := bsonutil.ToM(inner["filter"])
		pred, err := filter.Translate(q)
		if err != nil {
			return nil, oxerr.Wrap(err)
		}
		return explainReply("find", pred), nil
	case "count":
		q, _ := bsonutil.ToM(inner["query"])
		pred, err := filter.Translate(q)
		if err != nil {
			return nil, oxerr.Wrap(err)
		}
		return explainReply("count", pred), nil
	case "aggregate":
		rawStages, ok := bsonutil.ToA(inner["pipeline"])
		if !ok {
			return nil, oxerr.FailedToParse("aggregate requires a pipeline array")
		}
		stages, perr := pipeline.Parse(rawStages)
		if perr != nil {
			return nil, perr
		}
		pushedDown := false
		var pred *filter.Predicate
		if len(stages) > 0 && stages[0].Op == "$match" {
			if f, ok := bsonutil.ToM(stages[0].Args); ok {
				p, err := filter.Translate(f)
				if err != nil {
					return nil, oxerr.Wrap(err)
				}
				pred = p
				pushedDown = true
			}
		}
		reply := explainReply("aggregate", pred)
		qp, _ := reply["queryPlanner"].(bson.M)
		qp["pushdownPrefixStages"] = boolToInt(pushedDown)
		qp["inMemoryStages"] = int32(len(stages) - boolToInt(pushedDown))
		return reply, nil
	default:
		return nil, oxerr.CommandNotFound("explain does not support command %q", name)
	}
}

func boolToInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

func explainReply(command string, pred *filter.Predicate) bson.M {
	pushdown := bson.M{}
	if pred != nil {
		if pred.Containment != nil {
			pushdown["mode"] = "containment"
		} else if pred.SQL != "" {
			pushdown["mode"] = "sql"
			pushdown["expression"] = pred.SQL
		} else {
			pushdown["mode"] = "none"
		}
	} else {
		pushdown["mode"] = "none"
	}
	return bson.M{
		"queryPlanner": bson.M{
			"command":  command,
			"pushdown": pushdown,
		},
		"ok": 1.0,
	}
}

