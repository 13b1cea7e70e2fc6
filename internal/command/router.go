package command

import (
	"context"
	"time"

	"github.com/monodb/monodb/bson"
	"github.com/monodb/monodb/internal/aggregation"
	"github.com/monodb/monodb/internal/bitset"
	"github.com/monodb/monodb/internal/catalog"
	"github.com/monodb/monodb/internal/collection"
	"github.com/monodb/monodb/internal/monoerr"
	"github.com/monodb/monodb/internal/session"
	"github.com/monodb/monodb/internal/txn"
)

// handlerFunc implements one command surface entry (spec.md §6). It
// receives the already-extracted session/transaction context alongside
// the raw command document.
type handlerFunc func(ctx context.Context, d *Database, cmd *bson.Document, cc session.CommandContext) (*bson.Document, error)

var handlers = map[string]handlerFunc{
	"ping":              handlePing,
	"hello":             handleHello,
	"isMaster":          handleHello,
	"buildInfo":         handleBuildInfo,
	"serverStatus":      handleServerStatus,
	"dbStats":           handleDBStats,
	"collStats":         handleCollStats,
	"listCollections":   handleListCollections,
	"listIndexes":       handleListIndexes,
	"create":            handleCreate,
	"drop":              handleDrop,
	"createIndexes":     handleCreateIndexes,
	"dropIndexes":       handleDropIndexes,
	"insert":            handleInsert,
	"find":              handleFind,
	"getMore":           handleGetMore,
	"killCursors":       handleKillCursors,
	"update":            handleUpdate,
	"delete":            handleDelete,
	"findAndModify":     handleFindAndModify,
	"distinct":          handleDistinct,
	"count":             handleCount,
	"aggregate":         handleAggregate,
	"explain":           handleExplain,
	"validate":          handleValidate,
	"startSession":      handleStartSession,
	"endSessions":       handleEndSessions,
	"refreshSessions":   handleRefreshSessions,
	"startTransaction":  handleStartTransaction,
	"commitTransaction": handleCommitTransaction,
	"abortTransaction":  handleAbortTransaction,
}

// firstCommandName returns cmd's first field name, the MongoDB wire
// convention for naming the command a document carries.
func firstCommandName(cmd *bson.Document) string {
	els := cmd.Elements()
	if len(els) == 0 {
		return ""
	}
	return els[0].Name
}

// Run dispatches cmd to its handler and always returns a BSON reply
// document, never an error: failures are translated to the {ok:0,
// errmsg, code, codeName} envelope in place (spec.md §7 — the wire
// layer never aborts the connection over a command failure).
func (d *Database) Run(ctx context.Context, cmd *bson.Document) *bson.Document {
	start := time.Now()
	name := firstCommandName(cmd)

	cc, err := d.sess.ExtractCommandContext(cmd)
	if err != nil {
		return errorReply(err)
	}

	h, ok := handlers[name]
	if !ok {
		return errorReply(monoerr.New(monoerr.CodeCommandNotFound, "no such command: '"+name+"'"))
	}

	reply, err := h(ctx, d, cmd, cc)
	d.stats.record(name, time.Since(start))
	if err != nil {
		return errorReply(err)
	}
	return reply
}

func errorReply(err error) *bson.Document {
	me, ok := monoerr.As(err)
	if !ok {
		me = monoerr.Wrap(monoerr.CodeInternalError, "unexpected error", err)
	}
	env := me.ToEnvelope()
	return bson.DocFromElements(
		bson.Element{Name: "ok", Value: bson.Double(env.Ok)},
		bson.Element{Name: "errmsg", Value: bson.String(env.ErrMsg)},
		bson.Element{Name: "code", Value: bson.Int32(env.Code)},
		bson.Element{Name: "codeName", Value: bson.String(env.CodeName)},
	)
}

func okReply(fields ...bson.Element) *bson.Document {
	doc := bson.DocFromElements(fields...)
	doc.Set("ok", bson.Double(1))
	return doc
}

func collectionName(cmd *bson.Document, field string) (string, error) {
	v, ok := cmd.Get(field)
	if !ok {
		return "", monoerr.New(monoerr.CodeBadValue, "missing required field: "+field)
	}
	s, ok := v.AsString()
	if !ok {
		return "", monoerr.New(monoerr.CodeBadValue, field+" must be a string")
	}
	return s, nil
}

// writeTxn resolves the transaction a write operation should run
// under: the session's active transaction when one is in progress
// (the caller must not commit it — it is committed by a later
// explicit commitTransaction), or a fresh auto-committing transaction
// otherwise.
func writeTxn(d *Database, cc session.CommandContext) (t *txn.Txn, autocommit bool) {
	if cc.Session != nil {
		if active, _, ok := cc.Session.ActiveTxn(); ok {
			return active, false
		}
	}
	return d.txns.Begin(txn.ReadCommitted), true
}

func finishWriteTxn(d *Database, t *txn.Txn, autocommit bool, opErr error) error {
	if !autocommit {
		return opErr
	}
	if opErr != nil {
		if abortErr := d.txns.Abort(t, d); abortErr != nil {
			return abortErr
		}
		return opErr
	}
	return d.txns.Commit(t)
}

func handlePing(_ context.Context, _ *Database, _ *bson.Document, _ session.CommandContext) (*bson.Document, error) {
	return okReply(), nil
}

func handleHello(_ context.Context, _ *Database, _ *bson.Document, _ session.CommandContext) (*bson.Document, error) {
	return okReply(
		bson.Element{Name: "ismaster", Value: bson.Bool(true)},
		bson.Element{Name: "maxWireVersion", Value: bson.Int32(17)},
		bson.Element{Name: "minWireVersion", Value: bson.Int32(0)},
		bson.Element{Name: "maxBsonObjectSize", Value: bson.Int32(16 * 1024 * 1024)},
		bson.Element{Name: "maxMessageSizeBytes", Value: bson.Int32(48 * 1024 * 1024)},
		bson.Element{Name: "maxWriteBatchSize", Value: bson.Int32(100000)},
		bson.Element{Name: "readOnly", Value: bson.Bool(false)},
	), nil
}

func handleBuildInfo(_ context.Context, _ *Database, _ *bson.Document, _ session.CommandContext) (*bson.Document, error) {
	return okReply(
		bson.Element{Name: "version", Value: bson.String("7.0.0-monodb")},
		bson.Element{Name: "bits", Value: bson.Int32(64)},
	), nil
}

func handleServerStatus(_ context.Context, d *Database, _ *bson.Document, _ session.CommandContext) (*bson.Document, error) {
	opcounts := bson.NewDocument()
	for name, n := range d.stats.totalOps() {
		opcounts.Set(name, bson.Int64(int64(n)))
	}
	latencies := bson.NewDocument()
	for name := range d.stats.totalOps() {
		p50, p99, ok := d.stats.percentiles(name)
		if !ok {
			continue
		}
		latencies.Set(name, bson.Doc(bson.DocFromElements(
			bson.Element{Name: "p50us", Value: bson.Double(p50)},
			bson.Element{Name: "p99us", Value: bson.Double(p99)},
		)))
	}
	return okReply(
		bson.Element{Name: "opcounters", Value: bson.Doc(opcounts)},
		bson.Element{Name: "opLatencies", Value: bson.Doc(latencies)},
	), nil
}

func handleDBStats(_ context.Context, d *Database, _ *bson.Document, _ session.CommandContext) (*bson.Document, error) {
	header := d.pg.Header()
	return okReply(
		bson.Element{Name: "collections", Value: bson.Int32(int32(len(d.CollectionNames())))},
		bson.Element{Name: "pageCount", Value: bson.Int64(int64(header.PageCount))},
		bson.Element{Name: "pageSize", Value: bson.Int64(int64(header.PageSize))},
	), nil
}

func handleCollStats(_ context.Context, d *Database, cmd *bson.Document, _ session.CommandContext) (*bson.Document, error) {
	name, err := collectionName(cmd, "collStats")
	if err != nil {
		return nil, err
	}
	c, err := d.Collection(name, false)
	if err != nil {
		return nil, err
	}
	n, err := c.Count(nil)
	if err != nil {
		return nil, err
	}
	return okReply(
		bson.Element{Name: "ns", Value: bson.String(name)},
		bson.Element{Name: "count", Value: bson.Int64(int64(n))},
	), nil
}

func handleListCollections(_ context.Context, d *Database, _ *bson.Document, _ session.CommandContext) (*bson.Document, error) {
	names := d.CollectionNames()
	arr := bson.NewArray()
	for _, n := range names {
		arr.Append(bson.Doc(bson.DocFromElements(
			bson.Element{Name: "name", Value: bson.String(n)},
			bson.Element{Name: "type", Value: bson.String("collection")},
		)))
	}
	return okReply(bson.Element{Name: "cursor", Value: bson.Doc(bson.DocFromElements(
		bson.Element{Name: "id", Value: bson.Int64(0)},
		bson.Element{Name: "firstBatch", Value: bson.Arr(arr)},
	))}), nil
}

func handleListIndexes(_ context.Context, d *Database, cmd *bson.Document, _ session.CommandContext) (*bson.Document, error) {
	name, err := collectionName(cmd, "listIndexes")
	if err != nil {
		return nil, err
	}
	spec, ok := d.cat.Collection(name)
	if !ok {
		return nil, monoerr.New(monoerr.CodeNamespaceNotFound, "namespace not found: "+name)
	}
	arr := bson.NewArray()
	for _, idx := range spec.Indexes {
		keyDoc := bson.NewDocument()
		for _, f := range idx.Key {
			keyDoc.Set(f.Field, bson.Int32(f.Direction))
		}
		arr.Append(bson.Doc(bson.DocFromElements(
			bson.Element{Name: "name", Value: bson.String(idx.Name)},
			bson.Element{Name: "key", Value: bson.Doc(keyDoc)},
			bson.Element{Name: "unique", Value: bson.Bool(idx.Unique)},
		)))
	}
	return okReply(bson.Element{Name: "cursor", Value: bson.Doc(bson.DocFromElements(
		bson.Element{Name: "id", Value: bson.Int64(0)},
		bson.Element{Name: "firstBatch", Value: bson.Arr(arr)},
	))}), nil
}

func handleCreate(_ context.Context, d *Database, cmd *bson.Document, _ session.CommandContext) (*bson.Document, error) {
	name, err := collectionName(cmd, "create")
	if err != nil {
		return nil, err
	}
	if _, err := d.Collection(name, true); err != nil {
		return nil, err
	}
	return okReply(), nil
}

func handleDrop(_ context.Context, d *Database, cmd *bson.Document, _ session.CommandContext) (*bson.Document, error) {
	name, err := collectionName(cmd, "drop")
	if err != nil {
		return nil, err
	}
	if err := d.DropCollection(name); err != nil {
		return nil, err
	}
	return okReply(), nil
}

func handleCreateIndexes(_ context.Context, d *Database, cmd *bson.Document, _ session.CommandContext) (*bson.Document, error) {
	name, err := collectionName(cmd, "createIndexes")
	if err != nil {
		return nil, err
	}
	c, err := d.Collection(name, true)
	if err != nil {
		return nil, err
	}
	indexesVal, ok := cmd.Get("indexes")
	if !ok {
		return nil, monoerr.New(monoerr.CodeBadValue, "createIndexes requires indexes")
	}
	arr, ok := indexesVal.AsArray()
	if !ok {
		return nil, monoerr.New(monoerr.CodeBadValue, "indexes must be an array")
	}
	created := 0
	for _, v := range arr.Values() {
		specDoc, ok := v.AsDocument()
		if !ok {
			return nil, monoerr.New(monoerr.CodeBadValue, "each index must be a document")
		}
		spec, err := parseIndexSpec(specDoc)
		if err != nil {
			return nil, err
		}
		if err := c.CreateIndex(spec); err != nil {
			return nil, err
		}
		created++
	}
	return okReply(bson.Element{Name: "numIndexesAfter", Value: bson.Int32(int32(created))}), nil
}

func parseIndexSpec(specDoc *bson.Document) (catalog.IndexSpec, error) {
	keyVal, ok := specDoc.Get("key")
	if !ok {
		return catalog.IndexSpec{}, monoerr.New(monoerr.CodeBadValue, "index spec requires key")
	}
	keyDoc, ok := keyVal.AsDocument()
	if !ok {
		return catalog.IndexSpec{}, monoerr.New(monoerr.CodeBadValue, "index key must be a document")
	}
	if keyDoc.Len() > 32 {
		return catalog.IndexSpec{}, monoerr.New(monoerr.CodeBadValue, "compound index exceeds 32 fields")
	}
	var fields []catalog.KeyField
	for _, el := range keyDoc.Elements() {
		dir, _ := el.Value.AsInt32()
		fields = append(fields, catalog.KeyField{Field: el.Name, Direction: dir})
	}
	name := ""
	if nameVal, ok := specDoc.Get("name"); ok {
		name, _ = nameVal.AsString()
	}
	if name == "" {
		for _, f := range fields {
			if name != "" {
				name += "_"
			}
			name += f.Field
		}
	}
	unique := false
	if uniqueVal, ok := specDoc.Get("unique"); ok {
		unique, _ = uniqueVal.AsBool()
	}
	return catalog.IndexSpec{Name: name, Key: fields, Unique: unique}, nil
}

func handleDropIndexes(_ context.Context, d *Database, cmd *bson.Document, _ session.CommandContext) (*bson.Document, error) {
	name, err := collectionName(cmd, "dropIndexes")
	if err != nil {
		return nil, err
	}
	c, err := d.Collection(name, false)
	if err != nil {
		return nil, err
	}
	indexVal, ok := cmd.Get("index")
	if !ok {
		return nil, monoerr.New(monoerr.CodeBadValue, "dropIndexes requires index")
	}
	indexName, ok := indexVal.AsString()
	if !ok {
		return nil, monoerr.New(monoerr.CodeBadValue, "index must be a string")
	}
	if err := c.DropIndex(indexName); err != nil {
		return nil, err
	}
	return okReply(), nil
}

func handleInsert(_ context.Context, d *Database, cmd *bson.Document, cc session.CommandContext) (*bson.Document, error) {
	name, err := collectionName(cmd, "insert")
	if err != nil {
		return nil, err
	}
	c, err := d.Collection(name, true)
	if err != nil {
		return nil, err
	}
	docsVal, ok := cmd.Get("documents")
	if !ok {
		return nil, monoerr.New(monoerr.CodeBadValue, "insert requires documents")
	}
	arr, ok := docsVal.AsArray()
	if !ok {
		return nil, monoerr.New(monoerr.CodeBadValue, "documents must be an array")
	}
	if arr.Len() > 100000 {
		return nil, monoerr.New(monoerr.CodeBadValue, "batch write exceeds 100000 documents")
	}

	t, autocommit := writeTxn(d, cc)
	writeErrors := bson.NewArray()
	n := 0
	for i, v := range arr.Values() {
		docVal, ok := v.AsDocument()
		if !ok {
			writeErrors.Append(bson.Doc(writeErrorDoc(i, monoerr.New(monoerr.CodeBadValue, "document must be a document"))))
			continue
		}
		if _, err := c.Insert(t, docVal); err != nil {
			writeErrors.Append(bson.Doc(writeErrorDoc(i, err)))
			continue
		}
		n++
	}
	if err := finishWriteTxn(d, t, autocommit, nil); err != nil {
		return nil, err
	}
	reply := okReply(bson.Element{Name: "n", Value: bson.Int32(int32(n))})
	if writeErrors.Len() > 0 {
		reply.Set("writeErrors", bson.Arr(writeErrors))
	}
	return reply, nil
}

func writeErrorDoc(index int, err error) *bson.Document {
	me, ok := monoerr.As(err)
	if !ok {
		me = monoerr.Wrap(monoerr.CodeInternalError, "unexpected error", err)
	}
	env := me.ToEnvelope()
	return bson.DocFromElements(
		bson.Element{Name: "index", Value: bson.Int32(int32(index))},
		bson.Element{Name: "code", Value: bson.Int32(env.Code)},
		bson.Element{Name: "errmsg", Value: bson.String(env.ErrMsg)},
	)
}

func handleFind(_ context.Context, d *Database, cmd *bson.Document, _ session.CommandContext) (*bson.Document, error) {
	name, err := collectionName(cmd, "find")
	if err != nil {
		return nil, err
	}
	c, err := d.Collection(name, false)
	if err != nil {
		return nil, err
	}
	var filter *bson.Document
	if fv, ok := cmd.Get("filter"); ok {
		filter, _ = fv.AsDocument()
	}
	docs, err := c.Find(filter)
	if err != nil {
		return nil, err
	}
	batchSize := 101
	if bv, ok := cmd.Get("batchSize"); ok {
		if n, ok := bv.AsInt32(); ok {
			batchSize = int(n)
		}
	}
	batch, cursorID := d.curs.FirstBatch(name, docs, batchSize)
	arr := bson.NewArray()
	for _, doc := range batch {
		arr.Append(bson.Doc(doc))
	}
	return okReply(bson.Element{Name: "cursor", Value: bson.Doc(bson.DocFromElements(
		bson.Element{Name: "id", Value: bson.Int64(cursorID)},
		bson.Element{Name: "ns", Value: bson.String(name)},
		bson.Element{Name: "firstBatch", Value: bson.Arr(arr)},
	))}), nil
}

func handleGetMore(_ context.Context, d *Database, cmd *bson.Document, _ session.CommandContext) (*bson.Document, error) {
	idVal, ok := cmd.Get("getMore")
	if !ok {
		return nil, monoerr.New(monoerr.CodeBadValue, "getMore requires a cursor id")
	}
	id, ok := idVal.AsInt64()
	if !ok {
		return nil, monoerr.New(monoerr.CodeBadValue, "getMore id must be an int64")
	}
	batchSize := 101
	if bv, ok := cmd.Get("batchSize"); ok {
		if n, ok := bv.AsInt32(); ok {
			batchSize = int(n)
		}
	}
	docs, nextID, err := d.curs.GetMore(id, batchSize)
	if err != nil {
		return nil, monoerr.Wrap(monoerr.CodeOperationFailed, "cursor not found", err)
	}
	arr := bson.NewArray()
	for _, doc := range docs {
		arr.Append(bson.Doc(doc))
	}
	return okReply(bson.Element{Name: "cursor", Value: bson.Doc(bson.DocFromElements(
		bson.Element{Name: "id", Value: bson.Int64(nextID)},
		bson.Element{Name: "nextBatch", Value: bson.Arr(arr)},
	))}), nil
}

func handleKillCursors(_ context.Context, d *Database, cmd *bson.Document, _ session.CommandContext) (*bson.Document, error) {
	idsVal, ok := cmd.Get("cursors")
	if !ok {
		return nil, monoerr.New(monoerr.CodeBadValue, "killCursors requires cursors")
	}
	arr, ok := idsVal.AsArray()
	if !ok {
		return nil, monoerr.New(monoerr.CodeBadValue, "cursors must be an array")
	}
	var ids []int64
	for _, v := range arr.Values() {
		id, ok := v.AsInt64()
		if ok {
			ids = append(ids, id)
		}
	}
	killed := d.curs.Kill(ids)
	arr2 := bson.NewArray()
	for _, id := range killed {
		arr2.Append(bson.Int64(id))
	}
	return okReply(bson.Element{Name: "cursorsKilled", Value: bson.Arr(arr2)}), nil
}

func handleUpdate(_ context.Context, d *Database, cmd *bson.Document, cc session.CommandContext) (*bson.Document, error) {
	name, err := collectionName(cmd, "update")
	if err != nil {
		return nil, err
	}
	c, err := d.Collection(name, true)
	if err != nil {
		return nil, err
	}
	updatesVal, ok := cmd.Get("updates")
	if !ok {
		return nil, monoerr.New(monoerr.CodeBadValue, "update requires updates")
	}
	arr, ok := updatesVal.AsArray()
	if !ok {
		return nil, monoerr.New(monoerr.CodeBadValue, "updates must be an array")
	}

	t, autocommit := writeTxn(d, cc)
	matchedTotal, modifiedTotal := 0, 0
	var writeErrors *bson.Array
	upserted := bson.NewArray()
	for i, v := range arr.Values() {
		spec, ok := v.AsDocument()
		if !ok {
			continue
		}
		q, _ := spec.Get("q")
		u, _ := spec.Get("u")
		qDoc, _ := q.AsDocument()
		uDoc, _ := u.AsDocument()
		multi := false
		if mv, ok := spec.Get("multi"); ok {
			multi, _ = mv.AsBool()
		}
		upsert := false
		if uv, ok := spec.Get("upsert"); ok {
			upsert, _ = uv.AsBool()
		}

		var matched, modified int
		var upsertedID bson.Value
		var opErr error
		if multi {
			matched, modified, upsertedID, opErr = c.UpdateMany(t, qDoc, uDoc, collection.UpdateOptions{Upsert: upsert})
		} else {
			matched, modified, upsertedID, opErr = c.UpdateOne(t, qDoc, uDoc, collection.UpdateOptions{Upsert: upsert})
		}
		if opErr != nil {
			if writeErrors == nil {
				writeErrors = bson.NewArray()
			}
			writeErrors.Append(bson.Doc(writeErrorDoc(i, opErr)))
			continue
		}
		matchedTotal += matched
		modifiedTotal += modified
		if !upsertedID.IsZero() {
			upserted.Append(bson.Doc(bson.DocFromElements(
				bson.Element{Name: "index", Value: bson.Int32(int32(i))},
				bson.Element{Name: "_id", Value: upsertedID},
			)))
		}
	}
	if err := finishWriteTxn(d, t, autocommit, nil); err != nil {
		return nil, err
	}
	reply := okReply(
		bson.Element{Name: "n", Value: bson.Int32(int32(matchedTotal))},
		bson.Element{Name: "nModified", Value: bson.Int32(int32(modifiedTotal))},
	)
	if upserted.Len() > 0 {
		reply.Set("upserted", bson.Arr(upserted))
	}
	if writeErrors != nil {
		reply.Set("writeErrors", bson.Arr(writeErrors))
	}
	return reply, nil
}

func handleDelete(_ context.Context, d *Database, cmd *bson.Document, cc session.CommandContext) (*bson.Document, error) {
	name, err := collectionName(cmd, "delete")
	if err != nil {
		return nil, err
	}
	c, err := d.Collection(name, false)
	if err != nil {
		return nil, err
	}
	deletesVal, ok := cmd.Get("deletes")
	if !ok {
		return nil, monoerr.New(monoerr.CodeBadValue, "delete requires deletes")
	}
	arr, ok := deletesVal.AsArray()
	if !ok {
		return nil, monoerr.New(monoerr.CodeBadValue, "deletes must be an array")
	}

	t, autocommit := writeTxn(d, cc)
	total := 0
	for _, v := range arr.Values() {
		spec, ok := v.AsDocument()
		if !ok {
			continue
		}
		q, _ := spec.Get("q")
		qDoc, _ := q.AsDocument()
		limit := int32(0)
		if lv, ok := spec.Get("limit"); ok {
			limit, _ = lv.AsInt32()
		}
		if limit == 1 {
			ok, opErr := c.DeleteOne(t, qDoc)
			if opErr != nil {
				return nil, finishWriteTxn(d, t, autocommit, opErr)
			}
			if ok {
				total++
			}
			continue
		}
		n, opErr := c.DeleteMany(t, qDoc)
		if opErr != nil {
			return nil, finishWriteTxn(d, t, autocommit, opErr)
		}
		total += n
	}
	if err := finishWriteTxn(d, t, autocommit, nil); err != nil {
		return nil, err
	}
	return okReply(bson.Element{Name: "n", Value: bson.Int32(int32(total))}), nil
}

func handleFindAndModify(_ context.Context, d *Database, cmd *bson.Document, cc session.CommandContext) (*bson.Document, error) {
	name, err := collectionName(cmd, "findAndModify")
	if err != nil {
		return nil, err
	}
	c, err := d.Collection(name, true)
	if err != nil {
		return nil, err
	}
	var filter, update, sort *bson.Document
	if fv, ok := cmd.Get("query"); ok {
		filter, _ = fv.AsDocument()
	}
	if uv, ok := cmd.Get("update"); ok {
		update, _ = uv.AsDocument()
	}
	if sv, ok := cmd.Get("sort"); ok {
		sort, _ = sv.AsDocument()
	}
	opts := collection.FindAndModifyOptions{Sort: sort}
	if rv, ok := cmd.Get("remove"); ok {
		opts.Remove, _ = rv.AsBool()
	}
	if nv, ok := cmd.Get("new"); ok {
		opts.New, _ = nv.AsBool()
	}
	if upv, ok := cmd.Get("upsert"); ok {
		opts.Upsert, _ = upv.AsBool()
	}

	t, autocommit := writeTxn(d, cc)
	result, opErr := c.FindAndModify(t, filter, update, opts)
	if err := finishWriteTxn(d, t, autocommit, opErr); err != nil {
		return nil, err
	}
	var value bson.Value
	if result != nil {
		value = bson.Doc(result)
	} else {
		value = bson.Null()
	}
	return okReply(bson.Element{Name: "value", Value: value}), nil
}

func handleDistinct(_ context.Context, d *Database, cmd *bson.Document, _ session.CommandContext) (*bson.Document, error) {
	name, err := collectionName(cmd, "distinct")
	if err != nil {
		return nil, err
	}
	c, err := d.Collection(name, false)
	if err != nil {
		return nil, err
	}
	field, err := collectionName(cmd, "key")
	if err != nil {
		return nil, err
	}
	var filter *bson.Document
	if fv, ok := cmd.Get("query"); ok {
		filter, _ = fv.AsDocument()
	}
	values, err := c.Distinct(field, filter)
	if err != nil {
		return nil, err
	}
	arr := bson.NewArray(values...)
	return okReply(bson.Element{Name: "values", Value: bson.Arr(arr)}), nil
}

func handleCount(_ context.Context, d *Database, cmd *bson.Document, _ session.CommandContext) (*bson.Document, error) {
	name, err := collectionName(cmd, "count")
	if err != nil {
		return nil, err
	}
	c, err := d.Collection(name, false)
	if err != nil {
		return nil, err
	}
	var filter *bson.Document
	if qv, ok := cmd.Get("query"); ok {
		filter, _ = qv.AsDocument()
	}
	n, err := c.Count(filter)
	if err != nil {
		return nil, err
	}
	return okReply(bson.Element{Name: "n", Value: bson.Int32(int32(n))}), nil
}

func handleAggregate(ctx context.Context, d *Database, cmd *bson.Document, _ session.CommandContext) (*bson.Document, error) {
	name, err := collectionName(cmd, "aggregate")
	if err != nil {
		return nil, err
	}
	c, err := d.Collection(name, false)
	if err != nil {
		return nil, err
	}
	pipelineVal, ok := cmd.Get("pipeline")
	if !ok {
		return nil, monoerr.New(monoerr.CodeBadValue, "aggregate requires pipeline")
	}
	stages, ok := pipelineVal.AsArray()
	if !ok {
		return nil, monoerr.New(monoerr.CodeBadValue, "pipeline must be an array")
	}
	pipeline, err := aggregation.Build(stages, d.lookupForeign)
	if err != nil {
		return nil, err
	}
	docs, err := c.Find(nil)
	if err != nil {
		return nil, err
	}
	out, err := pipeline.Run(ctx, docs)
	if err != nil {
		return nil, err
	}
	arr := bson.NewArray()
	for _, doc := range out {
		arr.Append(bson.Doc(doc))
	}
	return okReply(bson.Element{Name: "cursor", Value: bson.Doc(bson.DocFromElements(
		bson.Element{Name: "id", Value: bson.Int64(0)},
		bson.Element{Name: "firstBatch", Value: bson.Arr(arr)},
	))}), nil
}

func bytesFromVal(v bson.Value) ([16]byte, bool) {
	var key [16]byte
	bin, ok := v.AsBinary()
	if !ok || len(bin.Data) != 16 {
		return key, false
	}
	copy(key[:], bin.Data)
	return key, true
}

func lsidsFromArray(v bson.Value) ([][16]byte, error) {
	arr, ok := v.AsArray()
	if !ok {
		return nil, monoerr.New(monoerr.CodeBadValue, "expected an array of session identifiers")
	}
	ids := make([][16]byte, 0, arr.Len())
	for _, item := range arr.Values() {
		lsidDoc, ok := item.AsDocument()
		if !ok {
			return nil, monoerr.New(monoerr.CodeBadValue, "each session identifier must be a document")
		}
		idVal, ok := lsidDoc.Get("id")
		if !ok {
			return nil, monoerr.New(monoerr.CodeBadValue, "session identifier requires id")
		}
		key, ok := bytesFromVal(idVal)
		if !ok {
			return nil, monoerr.New(monoerr.CodeBadValue, "session id must be a 16-byte binary")
		}
		ids = append(ids, key)
	}
	return ids, nil
}

func handleStartSession(_ context.Context, d *Database, _ *bson.Document, _ session.CommandContext) (*bson.Document, error) {
	s := d.sess.StartSession()
	return okReply(bson.Element{Name: "id", Value: bson.Doc(bson.DocFromElements(
		bson.Element{Name: "id", Value: bson.Bin(bson.Binary{Subtype: 4, Data: s.ID[:]})},
	))}), nil
}

func handleEndSessions(_ context.Context, d *Database, cmd *bson.Document, _ session.CommandContext) (*bson.Document, error) {
	v, ok := cmd.Get("endSessions")
	if !ok {
		return nil, monoerr.New(monoerr.CodeBadValue, "endSessions requires a session id list")
	}
	ids, err := lsidsFromArray(v)
	if err != nil {
		return nil, err
	}
	if err := d.sess.EndSessions(ids, d); err != nil {
		return nil, err
	}
	return okReply(), nil
}

func handleRefreshSessions(_ context.Context, d *Database, cmd *bson.Document, _ session.CommandContext) (*bson.Document, error) {
	v, ok := cmd.Get("refreshSessions")
	if !ok {
		return nil, monoerr.New(monoerr.CodeBadValue, "refreshSessions requires a session id list")
	}
	ids, err := lsidsFromArray(v)
	if err != nil {
		return nil, err
	}
	d.sess.RefreshSessions(ids)
	return okReply(), nil
}

func handleStartTransaction(ctx context.Context, d *Database, _ *bson.Document, cc session.CommandContext) (*bson.Document, error) {
	if _, err := d.sess.BeginTransaction(ctx, cc, d); err != nil {
		return nil, err
	}
	return okReply(), nil
}

func handleCommitTransaction(_ context.Context, d *Database, _ *bson.Document, cc session.CommandContext) (*bson.Document, error) {
	if err := d.sess.CommitTransaction(cc); err != nil {
		return nil, err
	}
	return okReply(), nil
}

func handleAbortTransaction(_ context.Context, d *Database, _ *bson.Document, cc session.CommandContext) (*bson.Document, error) {
	if err := d.sess.AbortTransaction(cc, d); err != nil {
		return nil, err
	}
	return okReply(), nil
}

// handleValidate runs a bounded structural check of one collection's
// storage roots: every root/head/index-root page id the catalog
// records for it must fall within the file's allocated page range, and
// no two of those roots may share a page. A Bitmap tracks the page ids
// claimed so far in this pass.
func handleValidate(_ context.Context, d *Database, cmd *bson.Document, _ session.CommandContext) (*bson.Document, error) {
	name, err := collectionName(cmd, "validate")
	if err != nil {
		return nil, err
	}
	spec, ok := d.cat.Collection(name)
	if !ok {
		return nil, monoerr.New(monoerr.CodeNamespaceNotFound, "namespace not found: "+name)
	}
	header := d.pg.Header()
	claimed := bitset.New(header.PageCount)

	var errs []string
	claim := func(label string, pageID uint32) {
		if pageID >= header.PageCount {
			errs = append(errs, label+" page id out of range")
			return
		}
		if claimed.Test(pageID) {
			errs = append(errs, label+" page id reused by another root")
			return
		}
		claimed.Set(pageID)
	}
	claim("root", spec.Root)
	claim("head", spec.Head)
	for _, idx := range spec.Indexes {
		claim("index "+idx.Name, idx.Root)
	}

	c, err := d.Collection(name, false)
	if err != nil {
		return nil, err
	}
	n, err := c.Count(nil)
	if err != nil {
		return nil, err
	}

	return okReply(
		bson.Element{Name: "ns", Value: bson.String(name)},
		bson.Element{Name: "valid", Value: bson.Bool(len(errs) == 0)},
		bson.Element{Name: "nrecords", Value: bson.Int64(int64(n))},
		bson.Element{Name: "errors", Value: bson.Arr(stringsToArray(errs))},
	), nil
}

func stringsToArray(ss []string) *bson.Array {
	arr := bson.NewArray()
	for _, s := range ss {
		arr.Append(bson.String(s))
	}
	return arr
}

func handleExplain(ctx context.Context, d *Database, cmd *bson.Document, cc session.CommandContext) (*bson.Document, error) {
	innerVal, ok := cmd.Get("explain")
	if !ok {
		return nil, monoerr.New(monoerr.CodeBadValue, "explain requires an inner command")
	}
	inner, ok := innerVal.AsDocument()
	if !ok {
		return nil, monoerr.New(monoerr.CodeBadValue, "explain's inner command must be a document")
	}
	innerName := firstCommandName(inner)
	return okReply(bson.Element{Name: "queryPlanner", Value: bson.Doc(bson.DocFromElements(
		bson.Element{Name: "command", Value: bson.String(innerName)},
		bson.Element{Name: "winningPlan", Value: bson.Doc(bson.DocFromElements(
			bson.Element{Name: "stage", Value: bson.String("COLLSCAN")},
		))},
	))}), nil
}
