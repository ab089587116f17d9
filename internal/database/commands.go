package database

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/arlobennett/monolite/internal/bsonx"
	"github.com/arlobennett/monolite/internal/collection"
	"github.com/arlobennett/monolite/internal/index"
	"github.com/arlobennett/monolite/internal/monoerr"
	"github.com/arlobennett/monolite/internal/pagefmt"
	"github.com/arlobennett/monolite/internal/queryengine"
	"github.com/arlobennett/monolite/internal/txn"
)

const serverVersion = "1.0.0"

// RunCommand dispatches cmd by its first key against dbName. It never
// returns a Go error for a command-level failure: those come back as
// {ok:0, errmsg, code, codeName} documents the way a driver expects.
func (db *Database) RunCommand(ctx context.Context, dbName string, cmd bson.D, session *txn.Session) bson.D {
	if len(cmd) == 0 {
		return errDoc(monoerr.New(monoerr.CommandNotFound, "empty command document"))
	}
	name := cmd[0].Key
	db.recordOp(name)
	start := time.Now()

	if maxTimeMS := getInt(cmd, "maxTimeMS"); maxTimeMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(maxTimeMS)*time.Millisecond)
		defer cancel()
	}

	var resp bson.D
	var err error
	switch name {
	case "ping":
		resp = bson.D{{Key: "ok", Value: 1}}
	case "isMaster", "ismaster", "hello":
		resp = helloResponse(name)
	case "buildInfo", "buildinfo":
		resp = bson.D{{Key: "version", Value: serverVersion}, {Key: "ok", Value: 1}}
	case "listCollections":
		resp, err = db.cmdListCollections(dbName)
	case "insert":
		resp, err = db.cmdInsert(ctx, dbName, cmd, session)
	case "find":
		resp, err = db.cmdFind(dbName, cmd)
	case "getMore":
		resp, err = db.cmdGetMore(dbName, cmd)
	case "killCursors":
		resp = db.cmdKillCursors(cmd)
	case "update":
		resp, err = db.cmdUpdate(ctx, dbName, cmd, session)
	case "delete":
		resp, err = db.cmdDelete(ctx, dbName, cmd, session)
	case "count":
		resp, err = db.cmdCount(dbName, cmd)
	case "drop":
		resp, err = db.cmdDrop(cmd)
	case "createIndexes":
		resp, err = db.cmdCreateIndexes(cmd)
	case "listIndexes":
		resp, err = db.cmdListIndexes(dbName, cmd)
	case "dropIndexes":
		resp, err = db.cmdDropIndexes(cmd)
	case "aggregate":
		resp, err = db.cmdAggregate(dbName, cmd)
	case "validate":
		resp, err = db.Validate(cmd)
	case "distinct":
		resp, err = db.cmdDistinct(cmd)
	case "findAndModify":
		resp, err = db.cmdFindAndModify(ctx, cmd, session)
	case "dbStats":
		resp = db.cmdDbStats(dbName)
	case "collStats":
		resp, err = db.cmdCollStats(cmd)
	case "explain":
		resp, err = db.cmdExplain(dbName, cmd)
	case "serverStatus":
		resp = db.cmdServerStatus()
	case "connectionStatus":
		resp = bson.D{
			{Key: "authInfo", Value: bson.D{{Key: "authenticatedUsers", Value: bson.A{}}, {Key: "authenticatedUserRoles", Value: bson.A{}}}},
			{Key: "ok", Value: 1},
		}
	case "startTransaction":
		resp, err = db.cmdStartTransaction(session)
	case "commitTransaction":
		resp, err = db.cmdCommitTransaction(session)
	case "abortTransaction":
		resp, err = db.cmdAbortTransaction(session)
	case "endSessions":
		db.cmdEndSessions(cmd)
		resp = bson.D{{Key: "ok", Value: 1}}
	case "refreshSessions":
		db.cmdRefreshSessions(cmd)
		resp = bson.D{{Key: "ok", Value: 1}}
	default:
		err = monoerr.Newf(monoerr.CommandNotFound, "no such command: %s", name)
	}

	status := "ok"
	if err != nil {
		status = "error"
		resp = errDoc(err)
	}
	if db.metrics != nil {
		db.metrics.RecordDbOperation(name, status, time.Since(start))
	}
	if db.log != nil {
		db.log.LogCommand(name, time.Since(start), err)
	}
	return resp
}

func errDoc(err error) bson.D {
	kind := monoerr.KindOf(err)
	return bson.D{
		{Key: "ok", Value: 0},
		{Key: "errmsg", Value: err.Error()},
		{Key: "code", Value: codeOf(kind)},
		{Key: "codeName", Value: string(kind)},
	}
}

func codeOf(kind monoerr.Kind) int32 {
	return (&monoerr.Error{Kind: kind}).Code()
}

func helloResponse(name string) bson.D {
	resp := bson.D{
		{Key: "ismaster", Value: true},
		{Key: "isWritablePrimary", Value: true},
		{Key: "maxBsonObjectSize", Value: int32(16 * 1024 * 1024)},
		{Key: "maxWireVersion", Value: int32(17)},
		{Key: "minWireVersion", Value: int32(0)},
		{Key: "readOnly", Value: false},
		{Key: "ok", Value: 1},
	}
	if name == "hello" {
		resp = append(bson.D{{Key: "helloOk", Value: true}}, resp...)
	}
	return resp
}

func getD(cmd bson.D, key string) bson.D {
	for _, e := range cmd {
		if e.Key == key {
			d, _ := e.Value.(bson.D)
			return d
		}
	}
	return nil
}

func getArr(cmd bson.D, key string) bson.A {
	for _, e := range cmd {
		if e.Key == key {
			a, _ := e.Value.(bson.A)
			return a
		}
	}
	return nil
}

func getStr(cmd bson.D, key string) string {
	for _, e := range cmd {
		if e.Key == key {
			s, _ := e.Value.(string)
			return s
		}
	}
	return ""
}

func getBool(cmd bson.D, key string) bool {
	for _, e := range cmd {
		if e.Key == key {
			b, _ := e.Value.(bool)
			return b
		}
	}
	return false
}

func getInt(cmd bson.D, key string) int {
	for _, e := range cmd {
		if e.Key == key {
			n, _ := bsonxToInt(e.Value)
			return n
		}
	}
	return 0
}

func bsonxToInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

func ns(dbName, coll string) string { return dbName + "." + coll }

// maxWriteBatchSize bounds the number of documents one insert command may
// carry, matching the limit real servers report in hello responses.
const maxWriteBatchSize = 100000

// activeTxn unwraps the session's in-progress transaction, if any.
func activeTxn(session *txn.Session) *txn.Transaction {
	if session == nil {
		return nil
	}
	return session.Active
}

func (db *Database) cmdListCollections(dbName string) (bson.D, error) {
	names := db.ListCollections()
	batch := make([]bson.D, 0, len(names))
	for _, name := range names {
		batch = append(batch, bson.D{{Key: "name", Value: name}, {Key: "type", Value: "collection"}})
	}
	return bson.D{
		{Key: "cursor", Value: bson.D{{Key: "id", Value: int64(0)}, {Key: "ns", Value: ns(dbName, "$cmd.listCollections")}, {Key: "firstBatch", Value: toA(batch)}}},
		{Key: "ok", Value: 1},
	}, nil
}

func toA(docs []bson.D) bson.A {
	out := make(bson.A, len(docs))
	for i, d := range docs {
		out[i] = d
	}
	return out
}

func (db *Database) cmdInsert(ctx context.Context, dbName string, cmd bson.D, session *txn.Session) (bson.D, error) {
	collName := getStr(cmd, "insert")
	c, err := db.Collection(collName)
	if err != nil {
		return nil, err
	}
	docs := getArr(cmd, "documents")
	if len(docs) > maxWriteBatchSize {
		return nil, monoerr.Newf(monoerr.BadValue, "write batch sizes must not exceed %d", maxWriteBatchSize)
	}
	tx := activeTxn(session)
	var n int32
	for _, raw := range docs {
		doc, ok := raw.(bson.D)
		if !ok {
			continue
		}
		if tx != nil {
			_, err = c.InsertOneTxn(ctx, doc, db.Txns, tx, db.lockTimeout)
		} else {
			_, err = c.InsertOne(ctx, doc)
		}
		if err != nil {
			if n > 0 {
				_ = db.SaveCatalog()
			}
			return nil, err
		}
		n++
	}
	if err := db.SaveCatalog(); err != nil {
		return nil, err
	}
	return bson.D{{Key: "n", Value: n}, {Key: "ok", Value: 1}}, nil
}

func (db *Database) cmdFind(dbName string, cmd bson.D) (bson.D, error) {
	collName := getStr(cmd, "find")
	c, ok := db.GetCollection(collName)
	if !ok {
		return bson.D{
			{Key: "cursor", Value: bson.D{{Key: "id", Value: int64(0)}, {Key: "ns", Value: ns(dbName, collName)}, {Key: "firstBatch", Value: bson.A{}}}},
			{Key: "ok", Value: 1},
		}, nil
	}
	matcher := queryengine.CompileFilter(getD(cmd, "filter"))
	projection := getD(cmd, "projection")
	skip := getInt(cmd, "skip")
	limit := getInt(cmd, "limit")
	sort := getD(cmd, "sort")

	docs, err := c.FindByFilter(matcher, nil, 0, 0)
	if err != nil {
		return nil, err
	}
	if len(sort) > 0 {
		bsonx.SortStable(docs, sort)
	}
	if skip > len(docs) {
		skip = len(docs)
	}
	docs = docs[skip:]
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	if len(projection) > 0 {
		for i, d := range docs {
			docs[i] = queryengine.ApplyProjection(d, projection)
		}
	}

	batchSize := int32(getInt(cmd, "batchSize"))
	if getBool(cmd, "singleBatch") {
		return bson.D{
			{Key: "cursor", Value: bson.D{{Key: "id", Value: int64(0)}, {Key: "ns", Value: ns(dbName, collName)}, {Key: "firstBatch", Value: toA(docs)}}},
			{Key: "ok", Value: 1},
		}, nil
	}
	cur, firstBatch := db.Cursors.Open(ns(dbName, collName), docs, batchSize)
	cursorID := int64(0)
	if cur != nil {
		cursorID = cur.ID
	}
	return bson.D{
		{Key: "cursor", Value: bson.D{{Key: "id", Value: cursorID}, {Key: "ns", Value: ns(dbName, collName)}, {Key: "firstBatch", Value: toA(firstBatch)}}},
		{Key: "ok", Value: 1},
	}, nil
}

func (db *Database) cmdGetMore(dbName string, cmd bson.D) (bson.D, error) {
	cursorID, _ := bsonxToInt(cmd[0].Value)
	collName := getStr(cmd, "collection")
	batchSize := int32(getInt(cmd, "batchSize"))
	batch, more, err := db.Cursors.GetMore(int64(cursorID), ns(dbName, collName), batchSize)
	if err != nil {
		return nil, err
	}
	nextID := int64(0)
	if more {
		nextID = int64(cursorID)
	}
	return bson.D{
		{Key: "cursor", Value: bson.D{{Key: "id", Value: nextID}, {Key: "ns", Value: ns(dbName, collName)}, {Key: "nextBatch", Value: toA(batch)}}},
		{Key: "ok", Value: 1},
	}, nil
}

func (db *Database) cmdKillCursors(cmd bson.D) bson.D {
	var ids []int64
	for _, v := range getArr(cmd, "cursors") {
		n, _ := bsonxToInt(v)
		ids = append(ids, int64(n))
	}
	killed, notFound := db.Cursors.Kill(ids)
	return bson.D{
		{Key: "cursorsKilled", Value: toInt64A(killed)},
		{Key: "cursorsNotFound", Value: toInt64A(notFound)},
		{Key: "cursorsAlive", Value: bson.A{}},
		{Key: "cursorsUnknown", Value: bson.A{}},
		{Key: "ok", Value: 1},
	}
}

func toInt64A(ids []int64) bson.A {
	out := bson.A{}
	for _, id := range ids {
		out = append(out, id)
	}
	return out
}

func (db *Database) cmdUpdate(ctx context.Context, dbName string, cmd bson.D, session *txn.Session) (bson.D, error) {
	collName := getStr(cmd, "update")
	c, err := db.Collection(collName)
	if err != nil {
		return nil, err
	}
	tx := activeTxn(session)
	var n, nModified int64
	var upserted bson.A
	for i, raw := range getArr(cmd, "updates") {
		spec, _ := raw.(bson.D)
		matcher := queryengine.CompileFilter(getD(spec, "q"))
		multi := getBool(spec, "multi")
		upsert := getBool(spec, "upsert")
		var matched, modified int64
		var inserted bson.D
		if tx != nil {
			matched, modified, inserted, err = c.UpdateMatchingTxn(ctx, matcher, getD(spec, "u"), multi, upsert, db.Txns, tx, db.lockTimeout)
		} else {
			matched, modified, inserted, err = c.UpdateMatching(ctx, matcher, getD(spec, "u"), multi, upsert)
		}
		if err != nil {
			return nil, err
		}
		n += matched
		nModified += modified
		if inserted != nil {
			n++
			id := collectionIDOf(inserted)
			upserted = append(upserted, bson.D{{Key: "index", Value: int32(i)}, {Key: "_id", Value: id}})
		}
	}
	if err := db.SaveCatalog(); err != nil {
		return nil, err
	}
	resp := bson.D{{Key: "n", Value: n}, {Key: "nModified", Value: nModified}}
	if len(upserted) > 0 {
		resp = append(resp, bson.E{Key: "upserted", Value: upserted})
	}
	resp = append(resp, bson.E{Key: "ok", Value: 1})
	return resp, nil
}

func collectionIDOf(doc bson.D) interface{} {
	for _, e := range doc {
		if e.Key == "_id" {
			return e.Value
		}
	}
	return nil
}

func (db *Database) cmdDelete(ctx context.Context, dbName string, cmd bson.D, session *txn.Session) (bson.D, error) {
	collName := getStr(cmd, "delete")
	c, ok := db.GetCollection(collName)
	if !ok {
		return bson.D{{Key: "n", Value: int64(0)}, {Key: "ok", Value: 1}}, nil
	}
	tx := activeTxn(session)
	var n int64
	for _, raw := range getArr(cmd, "deletes") {
		spec, _ := raw.(bson.D)
		matcher := queryengine.CompileFilter(getD(spec, "q"))
		limit := getInt(spec, "limit")
		var deleted int64
		var err error
		if tx != nil {
			deleted, err = c.DeleteMatchingTxn(ctx, matcher, limit != 1, db.Txns, tx, db.lockTimeout)
		} else {
			deleted, err = c.DeleteMatching(ctx, matcher, limit != 1)
		}
		if err != nil {
			return nil, err
		}
		n += deleted
	}
	if err := db.SaveCatalog(); err != nil {
		return nil, err
	}
	return bson.D{{Key: "n", Value: n}, {Key: "ok", Value: 1}}, nil
}

func (db *Database) cmdCount(dbName string, cmd bson.D) (bson.D, error) {
	collName := getStr(cmd, "count")
	c, ok := db.GetCollection(collName)
	if !ok {
		return bson.D{{Key: "n", Value: int64(0)}, {Key: "ok", Value: 1}}, nil
	}
	matcher := queryengine.CompileFilter(getD(cmd, "query"))
	docs, err := c.FindByFilter(matcher, nil, 0, 0)
	if err != nil {
		return nil, err
	}
	return bson.D{{Key: "n", Value: int64(len(docs))}, {Key: "ok", Value: 1}}, nil
}

func (db *Database) cmdDrop(cmd bson.D) (bson.D, error) {
	collName := getStr(cmd, "drop")
	ok, err := db.DropCollection(collName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, monoerr.Newf(monoerr.BadValue, "ns %s not found", collName)
	}
	return bson.D{{Key: "nIndexesWas", Value: int32(0)}, {Key: "ns", Value: collName}, {Key: "ok", Value: 1}}, nil
}

func (db *Database) cmdCreateIndexes(cmd bson.D) (bson.D, error) {
	collName := getStr(cmd, "createIndexes")
	c, err := db.Collection(collName)
	if err != nil {
		return nil, err
	}
	var n int32
	for _, raw := range getArr(cmd, "indexes") {
		spec, _ := raw.(bson.D)
		keyDoc := getD(spec, "key")
		var keys []index.KeySpec
		for _, e := range keyDoc {
			dir, _ := bsonxToInt(e.Value)
			keys = append(keys, index.KeySpec{Field: e.Key, Ascending: dir >= 0})
		}
		name := getStr(spec, "name")
		unique := getBool(spec, "unique")
		_, err := c.Indexes().CreateIndex(keys, unique, name, func(yield func(id interface{}, doc bson.D) bool) error {
			return c.ForEach(func(loc collection.Location, doc bson.D) (bool, error) {
				return yield(collectionIDOf(doc), doc), nil
			})
		})
		if err != nil {
			return nil, err
		}
		n++
	}
	if err := db.SaveCatalog(); err != nil {
		return nil, err
	}
	return bson.D{{Key: "numIndexesAfter", Value: n}, {Key: "ok", Value: 1}}, nil
}

func (db *Database) cmdListIndexes(dbName string, cmd bson.D) (bson.D, error) {
	collName := getStr(cmd, "listIndexes")
	c, ok := db.GetCollection(collName)
	if !ok {
		return nil, monoerr.Newf(monoerr.BadValue, "ns %s not found", collName)
	}
	var batch []bson.D
	for _, idx := range c.Indexes().All() {
		keys := bson.D{}
		for _, k := range idx.Info.Keys {
			dir := 1
			if !k.Ascending {
				dir = -1
			}
			keys = append(keys, bson.E{Key: k.Field, Value: dir})
		}
		entry := bson.D{{Key: "name", Value: idx.Info.Name}, {Key: "key", Value: keys}}
		if idx.Info.Unique {
			entry = append(entry, bson.E{Key: "unique", Value: true})
		}
		batch = append(batch, entry)
	}
	return bson.D{
		{Key: "cursor", Value: bson.D{{Key: "id", Value: int64(0)}, {Key: "ns", Value: ns(dbName, collName)}, {Key: "firstBatch", Value: toA(batch)}}},
		{Key: "ok", Value: 1},
	}, nil
}

func (db *Database) cmdDropIndexes(cmd bson.D) (bson.D, error) {
	collName := getStr(cmd, "dropIndexes")
	c, ok := db.GetCollection(collName)
	if !ok {
		return nil, monoerr.Newf(monoerr.BadValue, "ns %s not found", collName)
	}
	target := getStr(cmd, "index")
	dropped := 0
	if target == "*" {
		for _, idx := range c.Indexes().All() {
			if idx.Info.Name == "_id_" {
				continue
			}
			if c.Indexes().DropIndex(idx.Info.Name) {
				dropped++
			}
		}
	} else if c.Indexes().DropIndex(target) {
		dropped++
	}
	if err := db.SaveCatalog(); err != nil {
		return nil, err
	}
	return bson.D{{Key: "nIndexesWas", Value: int32(dropped)}, {Key: "ok", Value: 1}}, nil
}

func (db *Database) cmdAggregate(dbName string, cmd bson.D) (bson.D, error) {
	collName := getStr(cmd, "aggregate")
	c, ok := db.GetCollection(collName)
	var docs []bson.D
	if ok {
		var err error
		docs, err = c.FindByFilter(nil, nil, 0, 0)
		if err != nil {
			return nil, err
		}
	}
	var pipeline []bson.D
	for _, v := range getArr(cmd, "pipeline") {
		if d, ok := v.(bson.D); ok {
			pipeline = append(pipeline, d)
		}
	}
	out, err := queryengine.RunPipeline(docs, pipeline)
	if err != nil {
		return nil, err
	}
	batchSize := int32(0)
	if opts := getD(cmd, "cursor"); opts != nil {
		batchSize = int32(getInt(opts, "batchSize"))
	}
	cur, firstBatch := db.Cursors.Open(ns(dbName, collName), out, batchSize)
	cursorID := int64(0)
	if cur != nil {
		cursorID = cur.ID
	}
	return bson.D{
		{Key: "cursor", Value: bson.D{{Key: "id", Value: cursorID}, {Key: "ns", Value: ns(dbName, collName)}, {Key: "firstBatch", Value: toA(firstBatch)}}},
		{Key: "ok", Value: 1},
	}, nil
}

func (db *Database) cmdDistinct(cmd bson.D) (bson.D, error) {
	collName := getStr(cmd, "distinct")
	field := getStr(cmd, "key")
	c, ok := db.GetCollection(collName)
	if !ok {
		return bson.D{{Key: "values", Value: bson.A{}}, {Key: "ok", Value: 1}}, nil
	}
	matcher := queryengine.CompileFilter(getD(cmd, "query"))
	docs, err := c.FindByFilter(matcher, nil, 0, 0)
	if err != nil {
		return nil, err
	}
	var values bson.A
	seen := map[string]bool{}
	for _, d := range docs {
		v, present := bsonx.DottedGet(d, field)
		if !present {
			continue
		}
		raw, err := bson.Marshal(bson.D{{Key: "v", Value: v}})
		if err != nil {
			return nil, monoerr.Wrap(monoerr.InternalError, err, "marshal distinct value")
		}
		key := string(raw)
		if seen[key] {
			continue
		}
		seen[key] = true
		values = append(values, v)
	}
	if values == nil {
		values = bson.A{}
	}
	return bson.D{{Key: "values", Value: values}, {Key: "ok", Value: 1}}, nil
}

// cmdFindAndModify selects its target via filter+sort with limit 1, then
// deletes or updates it by _id so a concurrent scan cannot drift onto a
// different document between selection and mutation.
func (db *Database) cmdFindAndModify(ctx context.Context, cmd bson.D, session *txn.Session) (bson.D, error) {
	collName := getStr(cmd, "findAndModify")
	c, err := db.Collection(collName)
	if err != nil {
		return nil, err
	}
	matcher := queryengine.CompileFilter(getD(cmd, "query"))
	remove := getBool(cmd, "remove")
	upsert := getBool(cmd, "upsert")
	returnNew := getBool(cmd, "new")
	update := getD(cmd, "update")
	fields := getD(cmd, "fields")
	tx := activeTxn(session)

	var target bson.D
	if sortSpec := getD(cmd, "sort"); len(sortSpec) > 0 {
		docs, err := c.FindByFilter(matcher, nil, 0, 0)
		if err != nil {
			return nil, err
		}
		bsonx.SortStable(docs, sortSpec)
		if len(docs) > 0 {
			target = docs[0]
		}
	} else {
		docs, err := c.FindByFilter(matcher, nil, 0, 1)
		if err != nil {
			return nil, err
		}
		if len(docs) > 0 {
			target = docs[0]
		}
	}

	var value bson.D
	var updatedExisting bool
	var upsertedID interface{}

	switch {
	case remove:
		if target != nil {
			value = target
			byID := queryengine.CompileFilter(bson.D{{Key: "_id", Value: collectionIDOf(target)}})
			if tx != nil {
				_, err = c.DeleteMatchingTxn(ctx, byID, false, db.Txns, tx, db.lockTimeout)
			} else {
				_, err = c.DeleteMatching(ctx, byID, false)
			}
			if err != nil {
				return nil, err
			}
		}

	case target != nil:
		value = target
		updatedExisting = true
		byID := queryengine.CompileFilter(bson.D{{Key: "_id", Value: collectionIDOf(target)}})
		if tx != nil {
			_, _, _, err = c.UpdateMatchingTxn(ctx, byID, update, false, false, db.Txns, tx, db.lockTimeout)
		} else {
			_, _, _, err = c.UpdateMatching(ctx, byID, update, false, false)
		}
		if err != nil {
			return nil, err
		}
		if returnNew {
			after, err := c.FindByFilter(byID, nil, 0, 1)
			if err == nil && len(after) > 0 {
				value = after[0]
			}
		}

	case upsert:
		var inserted bson.D
		if tx != nil {
			_, _, inserted, err = c.UpdateMatchingTxn(ctx, matcher, update, false, true, db.Txns, tx, db.lockTimeout)
		} else {
			_, _, inserted, err = c.UpdateMatching(ctx, matcher, update, false, true)
		}
		if err != nil {
			return nil, err
		}
		if inserted != nil {
			upsertedID = collectionIDOf(inserted)
			if returnNew {
				value = inserted
			}
		}
	}
	if err := db.SaveCatalog(); err != nil {
		return nil, err
	}

	n := 0
	if value != nil || upsertedID != nil {
		n = 1
	}
	if value != nil && len(fields) > 0 {
		value = queryengine.ApplyProjection(value, fields)
	}
	lastErr := bson.D{{Key: "n", Value: n}, {Key: "updatedExisting", Value: updatedExisting}}
	if upsertedID != nil {
		lastErr = append(lastErr, bson.E{Key: "upserted", Value: upsertedID})
	}
	return bson.D{{Key: "lastErrorObject", Value: lastErr}, {Key: "value", Value: value}, {Key: "ok", Value: 1}}, nil
}

func (db *Database) cmdDbStats(dbName string) bson.D {
	names := db.ListCollections()
	var docCount int64
	for _, name := range names {
		if c, ok := db.GetCollection(name); ok {
			docCount += c.DocumentCount
		}
	}
	if db.metrics != nil {
		sizeBytes := int64(db.pager.PageCount()) * pagefmt.PageSize
		db.metrics.UpdateDbStats(sizeBytes, docCount, int64(len(names)))
	}
	return bson.D{
		{Key: "db", Value: dbName},
		{Key: "collections", Value: int32(len(names))},
		{Key: "objects", Value: docCount},
		{Key: "ok", Value: 1},
	}
}

func (db *Database) cmdCollStats(cmd bson.D) (bson.D, error) {
	collName := getStr(cmd, "collStats")
	c, ok := db.GetCollection(collName)
	if !ok {
		return nil, monoerr.Newf(monoerr.BadValue, "ns %s not found", collName)
	}
	return bson.D{
		{Key: "ns", Value: collName},
		{Key: "count", Value: c.DocumentCount},
		{Key: "nindexes", Value: int32(len(c.Indexes().All()))},
		{Key: "ok", Value: 1},
	}, nil
}

func (db *Database) cmdExplain(dbName string, cmd bson.D) (bson.D, error) {
	inner := getD(cmd, "explain")
	collName := getStr(inner, "find")
	if collName == "" {
		collName = getStr(inner, "aggregate")
	}
	var nReturned, docsExamined int
	if c, ok := db.GetCollection(collName); ok {
		matcher := queryengine.CompileFilter(getD(inner, "filter"))
		docs, err := c.FindByFilter(matcher, nil, 0, 0)
		if err != nil {
			return nil, err
		}
		nReturned = len(docs)
		docsExamined = int(c.DocumentCount)
	}
	resp := bson.D{
		{Key: "queryPlanner", Value: bson.D{
			{Key: "namespace", Value: ns(dbName, collName)},
			{Key: "winningPlan", Value: bson.D{{Key: "stage", Value: "COLLSCAN"}, {Key: "indexName", Value: nil}, {Key: "isMultiKey", Value: false}}},
		}},
	}
	// no planner exists, so verbosity only decides whether the scan stats
	// appear alongside the plan
	if getStr(cmd, "verbosity") != "queryPlanner" {
		resp = append(resp, bson.E{Key: "executionStats", Value: bson.D{
			{Key: "nReturned", Value: int32(nReturned)},
			{Key: "executionTimeMillis", Value: int32(0)},
			{Key: "totalKeysExamined", Value: int32(0)},
			{Key: "totalDocsExamined", Value: int32(docsExamined)},
			{Key: "hasSortStage", Value: getD(inner, "sort") != nil},
			{Key: "hasProjection", Value: getD(inner, "projection") != nil},
			{Key: "note", Value: "the engine never builds an index plan; every query is a full collection scan"},
		}})
	}
	resp = append(resp, bson.E{Key: "ok", Value: 1})
	return resp, nil
}

func (db *Database) cmdServerStatus() bson.D {
	return bson.D{
		{Key: "host", Value: "monolite"},
		{Key: "version", Value: serverVersion},
		{Key: "uptime", Value: time.Since(db.startTime).Seconds()},
		{Key: "connections", Value: bson.D{{Key: "current", Value: int32(0)}}},
		{Key: "ok", Value: 1},
	}
}

func (db *Database) cmdStartTransaction(session *txn.Session) (bson.D, error) {
	if session == nil {
		return nil, monoerr.New(monoerr.IllegalOperation, "startTransaction requires a session")
	}
	if session.Active != nil {
		return nil, monoerr.New(monoerr.IllegalOperation, "transaction already in progress")
	}
	session.Active = db.Txns.Begin(session.ID)
	return bson.D{{Key: "ok", Value: 1}}, nil
}

func (db *Database) cmdCommitTransaction(session *txn.Session) (bson.D, error) {
	if session == nil || session.Active == nil {
		return nil, monoerr.New(monoerr.IllegalOperation, "no transaction in progress")
	}
	if err := db.Txns.Commit(session.Active); err != nil {
		return nil, err
	}
	session.Active = nil
	return bson.D{{Key: "ok", Value: 1}}, nil
}

func (db *Database) cmdAbortTransaction(session *txn.Session) (bson.D, error) {
	if session == nil || session.Active == nil {
		return nil, monoerr.New(monoerr.IllegalOperation, "no transaction in progress")
	}
	if err := db.Txns.Abort(session.Active, db); err != nil {
		return nil, err
	}
	session.Active = nil
	return bson.D{{Key: "ok", Value: 1}}, nil
}

func (db *Database) cmdEndSessions(cmd bson.D) {
	for _, v := range getArr(cmd, "endSessions") {
		if d, ok := v.(bson.D); ok {
			if id, ok := lsidOf(d); ok {
				db.Sessions.End(id)
			}
		}
	}
}

func (db *Database) cmdRefreshSessions(cmd bson.D) {
	for _, v := range getArr(cmd, "refreshSessions") {
		if d, ok := v.(bson.D); ok {
			if id, ok := lsidOf(d); ok {
				db.Sessions.Refresh(id)
			}
		}
	}
}

func lsidOf(d bson.D) (string, bool) {
	for _, e := range d {
		if e.Key == "id" {
			return SessionKey(e.Value), true
		}
	}
	return "", false
}

// SessionKey derives the SessionManager key for an lsid.id field value.
// It marshals the value to canonical BSON bytes rather than reaching into
// a specific type (e.g. primitive.Binary) so that every lsid.id shape a
// driver might send maps to the same stable key, and so the wire layer's
// session resolution (cmd/monolited's sessionOf) and this command layer's
// endSessions/refreshSessions agree on the same session.
func SessionKey(v interface{}) string {
	raw, _ := bson.Marshal(bson.D{{Key: "v", Value: v}})
	return string(raw)
}
