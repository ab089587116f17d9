package collection

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/arlobennett/monolite/internal/queryengine"
	"github.com/arlobennett/monolite/internal/txn"
)

// The transactional write variants acquire the collection's exclusive lock
// on the transaction before touching data, then record the inverse
// operation on its undo log so Abort can replay it.

func (c *Collection) lockResource() string { return "collection:" + c.Name }

// InsertOneTxn is the transactional variant of InsertOne.
func (c *Collection) InsertOneTxn(ctx context.Context, doc bson.D, tm *txn.Manager, tx *txn.Transaction, timeout time.Duration) (bson.D, error) {
	if err := tm.AcquireLock(ctx, tx, c.lockResource(), txn.LockExclusive, timeout); err != nil {
		return nil, err
	}
	inserted, err := c.InsertOne(ctx, doc)
	if err != nil {
		return nil, err
	}
	tm.RecordUndo(tx, txn.UndoRecord{Op: txn.UndoInsert, Collection: c.Name, ID: idOf(inserted)})
	return inserted, nil
}

// UpdateMatchingTxn is the transactional variant of UpdateMatching. The old
// documents are captured before mutation so each modified document can be
// restored on abort.
func (c *Collection) UpdateMatchingTxn(ctx context.Context, matcher *queryengine.Matcher, update bson.D, multi, upsert bool, tm *txn.Manager, tx *txn.Transaction, timeout time.Duration) (matched, modified int64, upserted bson.D, err error) {
	if err := tm.AcquireLock(ctx, tx, c.lockResource(), txn.LockExclusive, timeout); err != nil {
		return 0, 0, nil, err
	}
	limit := 1
	if multi {
		limit = 0
	}
	olds, err := c.FindByFilter(matcher, nil, 0, limit)
	if err != nil {
		return 0, 0, nil, err
	}
	matched, modified, upserted, err = c.UpdateMatching(ctx, matcher, update, multi, upsert)
	if err != nil {
		return matched, modified, upserted, err
	}
	for _, old := range olds {
		tm.RecordUndo(tx, txn.UndoRecord{Op: txn.UndoUpdate, Collection: c.Name, ID: idOf(old), OldDoc: old})
	}
	if upserted != nil {
		tm.RecordUndo(tx, txn.UndoRecord{Op: txn.UndoInsert, Collection: c.Name, ID: idOf(upserted)})
	}
	return matched, modified, upserted, nil
}

// DeleteMatchingTxn is the transactional variant of DeleteMatching.
func (c *Collection) DeleteMatchingTxn(ctx context.Context, matcher *queryengine.Matcher, multi bool, tm *txn.Manager, tx *txn.Transaction, timeout time.Duration) (int64, error) {
	if err := tm.AcquireLock(ctx, tx, c.lockResource(), txn.LockExclusive, timeout); err != nil {
		return 0, err
	}
	limit := 1
	if multi {
		limit = 0
	}
	olds, err := c.FindByFilter(matcher, nil, 0, limit)
	if err != nil {
		return 0, err
	}
	deleted, err := c.DeleteMatching(ctx, matcher, multi)
	if err != nil {
		return deleted, err
	}
	for _, old := range olds {
		tm.RecordUndo(tx, txn.UndoRecord{Op: txn.UndoDelete, Collection: c.Name, OldDoc: old})
	}
	return deleted, nil
}
