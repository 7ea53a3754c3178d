package dispatch

import (
	"context"

	"github.com/oxidedb/oxidedb/internal/oxerr"
	"go.mongodb.org/mongo-driver/bson"
)

// cmdStartTransaction implements spec.md §4.10's startTransaction command.
// Per DESIGN.md's open-question decision, autocommit:true is rejected (real
// drivers never send it) rather than tolerated the way original_source did;
// an absent or non-boolean autocommit is treated as false.
func (d *Dispatcher) cmdStartTransaction(ctx context.Context, db string, m bson.M) (bson.M, error) {
	if d.Sessions == nil {
		return nil, oxerr.IllegalOperation("sessions are not enabled")
	}
	lsid, ok := lsidFromCommand(m)
	if !ok {
		return nil, oxerr.FailedToParse("startTransaction requires lsid.id")
	}
	if boolField(m, "autocommit", false) {
		return nil, oxerr.IllegalOperation("autocommit transactions are not supported")
	}
	txnNumber := int64Field(m, "txnNumber", 0)

	sess := d.Sessions.Get(lsid)
	if _, err := sess.CheckTxnNumber(txnNumber); err != nil {
		return nil, err
	}

	tx, err := d.Facade.BeginTx(ctx)
	if err != nil {
		return nil, oxerr.Wrap(err)
	}
	if err := sess.BeginTransaction(tx, false); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	return bson.M{"ok": 1.0}, nil
}

func (d *Dispatcher) cmdCommitTransaction(ctx context.Context, m bson.M) (bson.M, error) {
	if d.Sessions == nil {
		return nil, oxerr.NoSuchTransaction("no transaction is in progress")
	}
	lsid, ok := lsidFromCommand(m)
	if !ok {
		return nil, oxerr.FailedToParse("commitTransaction requires lsid.id")
	}
	sess := d.Sessions.Get(lsid)
	if err := sess.CommitTransaction(ctx); err != nil {
		return nil, err
	}
	return bson.M{"ok": 1.0}, nil
}

func (d *Dispatcher) cmdAbortTransaction(ctx context.Context, m bson.M) (bson.M, error) {
	if d.Sessions == nil {
		return nil, oxerr.NoSuchTransaction("no transaction is in progress")
	}
	lsid, ok := lsidFromCommand(m)
	if !ok {
		return nil, oxerr.FailedToParse("abortTransaction requires lsid.id")
	}
	sess := d.Sessions.Get(lsid)
	if err := sess.AbortTransaction(ctx); err != nil {
		return nil, err
	}
	return bson.M{"ok": 1.0}, nil
}
