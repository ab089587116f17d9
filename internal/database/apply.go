package database

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/arlobennett/monolite/internal/monoerr"
	"github.com/arlobennett/monolite/internal/queryengine"
)

// UndoInsert, UndoUpdate, and UndoDelete implement txn.Applier, letting
// Transaction.Abort replay a transaction's undo log against live
// collection storage without internal/txn importing internal/collection.
func (db *Database) UndoInsert(collName string, id interface{}) error {
	c, ok := db.GetCollection(collName)
	if !ok {
		return nil
	}
	matcher := queryengine.CompileFilter(bson.D{{Key: "_id", Value: id}})
	_, err := c.DeleteMatching(context.Background(), matcher, false)
	return err
}

func (db *Database) UndoUpdate(collName string, id interface{}, oldDoc bson.D) error {
	c, ok := db.GetCollection(collName)
	if !ok {
		return monoerr.Newf(monoerr.InternalError, "undo update: collection %s missing", collName)
	}
	matcher := queryengine.CompileFilter(bson.D{{Key: "_id", Value: id}})
	// replacement-style update restores the pre-image exactly, including
	// dropping any fields the aborted update added
	_, _, _, err := c.UpdateMatching(context.Background(), matcher, stripID(oldDoc), false, false)
	return err
}

func (db *Database) UndoDelete(collName string, oldDoc bson.D) error {
	c, err := db.Collection(collName)
	if err != nil {
		return err
	}
	_, err = c.InsertOne(context.Background(), oldDoc)
	return err
}

func stripID(doc bson.D) bson.D {
	out := make(bson.D, 0, len(doc))
	for _, e := range doc {
		if e.Key != "_id" {
			out = append(out, e)
		}
	}
	return out
}
