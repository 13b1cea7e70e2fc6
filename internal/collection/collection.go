package collection

import (
	"encoding/binary"
	"sync"

	"github.com/monodb/monodb/bson"
	"github.com/monodb/monodb/internal/btree"
	"github.com/monodb/monodb/internal/catalog"
	"github.com/monodb/monodb/internal/keystring"
	"github.com/monodb/monodb/internal/monoerr"
	"github.com/monodb/monodb/internal/page"
	"github.com/monodb/monodb/internal/pager"
	"github.com/monodb/monodb/internal/txn"
)

const (
	maxDocumentSize = 16 * 1024 * 1024
	maxNestingDepth = 100
)

// RecordID identifies a document's storage location: the data page
// holding it and its slot index within that page's SlottedPage
// directory (spec.md §4.9, "Insert").
type RecordID struct {
	PageID uint32
	Slot   int
}

func (r RecordID) encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], r.PageID)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(r.Slot))
	return buf
}

type secondaryIndex struct {
	spec catalog.IndexSpec
	tree *btree.Tree
}

// Collection implements the collection engine (spec.md §4.9): CRUD,
// filter/update evaluation, and index maintenance, serialized through a
// single write mutex per the "per-collection serial write queue"
// requirement so that "mutate page + mutate index" composes as one
// logical step. A plain mutex is a degenerate FIFO queue (Go's runtime
// already queues blocked lockers in roughly arrival order); it needs no
// separate channel/worker machinery to satisfy the invariant.
type Collection struct {
	name string
	pg   *pager.Pager
	cat  *catalog.Catalog

	writeMu sync.Mutex
	primary *btree.Tree
	head    uint32
	secondary []*secondaryIndex
}

// Create registers a new, empty collection in cat and allocates its
// initial data page and primary _id_ index.
func Create(pg *pager.Pager, cat *catalog.Catalog, name string) (*Collection, error) {
	headPage, err := pg.AllocatePage(page.TypeData)
	if err != nil {
		return nil, err
	}
	if err := pg.WritePage(headPage); err != nil {
		return nil, err
	}

	primary, err := btree.Create(pg)
	if err != nil {
		return nil, err
	}

	if err := cat.AddCollection(catalog.CollectionSpec{
		Name: name,
		Root: primary.RootPageID(),
		Head: headPage.PageID(),
	}); err != nil {
		return nil, err
	}

	return &Collection{name: name, pg: pg, cat: cat, primary: primary, head: headPage.PageID()}, nil
}

// Open loads an existing collection's trees from the catalog.
func Open(pg *pager.Pager, cat *catalog.Catalog, name string) (*Collection, error) {
	spec, ok := cat.Collection(name)
	if !ok {
		return nil, monoerr.New(monoerr.CodeNamespaceNotFound, "no such collection: "+name)
	}
	c := &Collection{
		name:    name,
		pg:      pg,
		cat:     cat,
		primary: btree.Open(pg, spec.Root),
		head:    spec.Head,
	}
	for _, idx := range spec.Indexes {
		c.secondary = append(c.secondary, &secondaryIndex{spec: idx, tree: btree.Open(pg, idx.Root)})
	}
	return c, nil
}

// Name returns the collection's namespace-local name.
func (c *Collection) Name() string { return c.name }

// CreateIndex builds a new secondary index over every existing document
// and registers it in the catalog.
func (c *Collection) CreateIndex(spec catalog.IndexSpec) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tree, err := btree.Create(c.pg)
	if err != nil {
		return err
	}
	spec.Root = tree.RootPageID()

	docs, recordIDs, err := c.scanAllLocked()
	if err != nil {
		return err
	}
	for i, doc := range docs {
		key := indexKey(doc, spec)
		if spec.Unique {
			if _, ok, _ := tree.Get(key); ok {
				return monoerr.Newf(monoerr.CodeDuplicateKey, "duplicate key on index %s", spec.Name)
			}
		}
		if err := tree.Insert(key, recordIDs[i].encode()); err != nil {
			return err
		}
	}

	if err := c.cat.AddIndex(c.name, spec); err != nil {
		return err
	}
	if tree.RootPageID() != spec.Root {
		if err := c.cat.UpdateIndexRoot(c.name, spec.Name, tree.RootPageID()); err != nil {
			return err
		}
	}
	c.secondary = append(c.secondary, &secondaryIndex{spec: spec, tree: tree})
	return nil
}

// DropIndex removes a secondary index by name.
func (c *Collection) DropIndex(name string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for i, idx := range c.secondary {
		if idx.spec.Name == name {
			c.secondary = append(c.secondary[:i], c.secondary[i+1:]...)
			return c.cat.DropIndex(c.name, name)
		}
	}
	return monoerr.New(monoerr.CodeIndexNotFound, "no such index: "+name)
}

// indexKey composes the KeyString for spec's compound key over doc.
func indexKey(doc *bson.Document, spec catalog.IndexSpec) []byte {
	var buf []byte
	for _, f := range spec.Key {
		v, ok := doc.Lookup(f.Field)
		if !ok {
			v = bson.Null()
		}
		buf = keystring.Encode(buf, v, f.Direction < 0)
	}
	return buf
}

func checkDepth(v bson.Value, depth int) error {
	if depth > maxNestingDepth {
		return monoerr.New(monoerr.CodeBadValue, "document exceeds maximum nesting depth")
	}
	switch v.Type() {
	case bson.TypeDocument:
		d, _ := v.AsDocument()
		for _, el := range d.Elements() {
			if err := checkDepth(el.Value, depth+1); err != nil {
				return err
			}
		}
	case bson.TypeArray:
		a, _ := v.AsArray()
		for _, el := range a.Values() {
			if err := checkDepth(el, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateInsertable enforces spec.md §4.9's insert-time document
// constraints: size, nesting depth, and no top-level $-prefixed keys.
func validateInsertable(doc *bson.Document) error {
	for _, el := range doc.Elements() {
		if len(el.Name) > 0 && el.Name[0] == '$' {
			return monoerr.New(monoerr.CodeBadValue, "top-level field names cannot start with '$': "+el.Name)
		}
	}
	if err := checkDepth(bson.Doc(doc), 0); err != nil {
		return err
	}
	raw, err := bson.Encode(doc)
	if err != nil {
		return monoerr.Wrap(monoerr.CodeBadValue, "encode document", err)
	}
	if len(raw) > maxDocumentSize {
		return monoerr.New(monoerr.CodeDocumentTooLarge, "document exceeds 16MiB")
	}
	return nil
}

// Insert stores doc, generating an ObjectId _id if absent, and updates
// every index. If t is non-nil, an undo record is appended so the
// insert can be reversed on abort.
func (c *Collection) Insert(t *txn.Txn, doc *bson.Document) (bson.Value, error) {
	doc = doc.Clone()
	if !doc.Has("_id") {
		doc.Set("_id", bson.OID(bson.NewObjectID()))
	}
	if err := validateInsertable(doc); err != nil {
		return bson.Value{}, err
	}
	idVal, _ := doc.Get("_id")

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.insertLocked(doc, idVal); err != nil {
		return bson.Value{}, err
	}
	if t != nil {
		t.Record(txn.UndoRecord{Op: txn.OpInsert, Collection: c.name, DocID: idVal})
	}
	return idVal, nil
}

func (c *Collection) insertLocked(doc *bson.Document, idVal bson.Value) error {
	primaryKey := keystring.Encode(nil, idVal, false)
	if _, ok, _ := c.primary.Get(primaryKey); ok {
		return monoerr.Newf(monoerr.CodeDuplicateKey, "duplicate key on _id_: %v", idVal)
	}

	secondaryKeys := make([][]byte, len(c.secondary))
	for i, idx := range c.secondary {
		key := indexKey(doc, idx.spec)
		secondaryKeys[i] = key
		if idx.spec.Unique {
			if _, ok, _ := idx.tree.Get(key); ok {
				return monoerr.Newf(monoerr.CodeDuplicateKey, "duplicate key on index %s", idx.spec.Name)
			}
		}
	}

	raw, err := bson.Encode(doc)
	if err != nil {
		return monoerr.Wrap(monoerr.CodeBadValue, "encode document", err)
	}
	rid, err := c.appendRecordLocked(raw)
	if err != nil {
		return err
	}

	if err := c.primary.Insert(primaryKey, rid.encode()); err != nil {
		return err
	}
	if err := c.syncPrimaryRootLocked(); err != nil {
		return err
	}
	for i, idx := range c.secondary {
		if err := idx.tree.Insert(secondaryKeys[i], rid.encode()); err != nil {
			return err
		}
		if err := c.syncIndexRootLocked(idx); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collection) syncPrimaryRootLocked() error {
	spec, ok := c.cat.Collection(c.name)
	if !ok {
		return monoerr.New(monoerr.CodeNamespaceNotFound, "no such collection: "+c.name)
	}
	if spec.Root == c.primary.RootPageID() && spec.Head == c.head {
		return nil
	}
	return c.cat.UpdateRoots(c.name, c.primary.RootPageID(), c.head)
}

func (c *Collection) syncIndexRootLocked(idx *secondaryIndex) error {
	if idx.spec.Root == idx.tree.RootPageID() {
		return nil
	}
	idx.spec.Root = idx.tree.RootPageID()
	return c.cat.UpdateIndexRoot(c.name, idx.spec.Name, idx.spec.Root)
}

// appendRecordLocked stores raw on the first data page with room, or
// appends a fresh page to the chain if none has room.
func (c *Collection) appendRecordLocked(raw []byte) (RecordID, error) {
	id := c.head
	var last *page.Page
	for id != 0 {
		pg, err := c.pg.GetPage(id)
		if err != nil {
			return RecordID{}, err
		}
		sp := page.NewSlotted(pg)
		if slot, err := sp.InsertRecord(raw); err == nil {
			if err := c.pg.WritePage(pg); err != nil {
				return RecordID{}, err
			}
			return RecordID{PageID: id, Slot: slot}, nil
		}
		last = pg
		id = pg.NextPageID()
	}

	fresh, err := c.pg.AllocatePage(page.TypeData)
	if err != nil {
		return RecordID{}, err
	}
	sp := page.NewSlotted(fresh)
	slot, err := sp.InsertRecord(raw)
	if err != nil {
		return RecordID{}, err
	}
	if err := c.pg.WritePage(fresh); err != nil {
		return RecordID{}, err
	}
	if last != nil {
		last.SetNextPageID(fresh.PageID())
		fresh.SetPrevPageID(last.PageID())
		if err := c.pg.WritePage(last); err != nil {
			return RecordID{}, err
		}
		if err := c.pg.WritePage(fresh); err != nil {
			return RecordID{}, err
		}
	} else {
		c.head = fresh.PageID()
	}
	return RecordID{PageID: fresh.PageID(), Slot: slot}, nil
}

// scanAllLocked returns every live document and its RecordID, walking
// the data page chain in order. Caller must hold c.writeMu (or accept
// that concurrent writers are excluded, per the serial write queue).
func (c *Collection) scanAllLocked() ([]*bson.Document, []RecordID, error) {
	var docs []*bson.Document
	var rids []RecordID
	id := c.head
	for id != 0 {
		pg, err := c.pg.GetPage(id)
		if err != nil {
			return nil, nil, err
		}
		sp := page.NewSlotted(pg)
		for slot := 0; slot < sp.ItemCount(); slot++ {
			raw, err := sp.ReadRecord(slot)
			if err != nil {
				return nil, nil, err
			}
			if raw == nil {
				continue
			}
			doc, err := bson.Decode(raw)
			if err != nil {
				return nil, nil, err
			}
			docs = append(docs, doc)
			rids = append(rids, RecordID{PageID: id, Slot: slot})
		}
		id = pg.NextPageID()
	}
	return docs, rids, nil
}

// Find returns every document matching filter, in data-chain order.
// Cursor batching over this result is the session layer's concern
// (spec.md §4.11), not the collection engine's.
func (c *Collection) Find(filter *bson.Document) ([]*bson.Document, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	docs, _, err := c.scanAllLocked()
	if err != nil {
		return nil, err
	}
	var out []*bson.Document
	for _, doc := range docs {
		ok, err := matchFilter(doc, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

// Count returns the number of documents matching filter.
func (c *Collection) Count(filter *bson.Document) (int, error) {
	docs, err := c.Find(filter)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// Distinct returns the set of distinct values at field across every
// document matching filter, in first-seen order.
func (c *Collection) Distinct(field string, filter *bson.Document) ([]bson.Value, error) {
	docs, err := c.Find(filter)
	if err != nil {
		return nil, err
	}
	var out []bson.Value
	for _, doc := range docs {
		for _, v := range bson.LookupAll(bson.Doc(doc), field) {
			found := false
			for _, existing := range out {
				if bson.Equal(existing, v) {
					found = true
					break
				}
			}
			if !found {
				out = append(out, v)
			}
		}
	}
	return out, nil
}

// DeleteMany removes every document matching filter, updating every
// index and recording an undo entry per deletion.
func (c *Collection) DeleteMany(t *txn.Txn, filter *bson.Document) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	docs, rids, err := c.scanAllLocked()
	if err != nil {
		return 0, err
	}
	n := 0
	for i, doc := range docs {
		ok, err := matchFilter(doc, filter)
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}
		oldDoc, err := bson.Encode(doc)
		if err != nil {
			return n, err
		}
		idVal, _ := doc.Get("_id")
		if err := c.deleteRecordLocked(doc, rids[i]); err != nil {
			return n, err
		}
		if t != nil {
			t.Record(txn.UndoRecord{Op: txn.OpDelete, Collection: c.name, DocID: idVal, OldDoc: oldDoc})
		}
		n++
	}
	return n, nil
}

// DeleteOne removes the first document matching filter.
func (c *Collection) DeleteOne(t *txn.Txn, filter *bson.Document) (bool, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	docs, rids, err := c.scanAllLocked()
	if err != nil {
		return false, err
	}
	for i, doc := range docs {
		ok, err := matchFilter(doc, filter)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		oldDoc, err := bson.Encode(doc)
		if err != nil {
			return false, err
		}
		idVal, _ := doc.Get("_id")
		if err := c.deleteRecordLocked(doc, rids[i]); err != nil {
			return false, err
		}
		if t != nil {
			t.Record(txn.UndoRecord{Op: txn.OpDelete, Collection: c.name, DocID: idVal, OldDoc: oldDoc})
		}
		return true, nil
	}
	return false, nil
}

func (c *Collection) deleteRecordLocked(doc *bson.Document, rid RecordID) error {
	idVal, _ := doc.Get("_id")
	primaryKey := keystring.Encode(nil, idVal, false)
	if err := c.primary.Delete(primaryKey); err != nil {
		return err
	}
	if err := c.syncPrimaryRootLocked(); err != nil {
		return err
	}
	for _, idx := range c.secondary {
		key := indexKey(doc, idx.spec)
		if err := idx.tree.Delete(key); err != nil {
			return err
		}
		if err := c.syncIndexRootLocked(idx); err != nil {
			return err
		}
	}
	pg, err := c.pg.GetPage(rid.PageID)
	if err != nil {
		return err
	}
	sp := page.NewSlotted(pg)
	if err := sp.DeleteRecord(rid.Slot); err != nil {
		return err
	}
	return c.pg.WritePage(pg)
}

// UpdateOptions controls UpdateMany/UpdateOne/FindAndModify behavior.
type UpdateOptions struct {
	Upsert bool
}

// UpdateMany applies update to every document matching filter.
func (c *Collection) UpdateMany(t *txn.Txn, filter, update *bson.Document, opts UpdateOptions) (matched, modified int, upsertedID bson.Value, err error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	docs, rids, err := c.scanAllLocked()
	if err != nil {
		return 0, 0, bson.Value{}, err
	}
	for i, doc := range docs {
		ok, err := matchFilter(doc, filter)
		if err != nil {
			return matched, modified, bson.Value{}, err
		}
		if !ok {
			continue
		}
		matched++
		changed, err := c.applyUpdateLocked(t, doc, update, rids[i])
		if err != nil {
			return matched, modified, bson.Value{}, err
		}
		if changed {
			modified++
		}
	}
	if matched == 0 && opts.Upsert {
		doc := synthesizeFromFilter(filter, update)
		if !doc.Has("_id") {
			doc.Set("_id", bson.OID(bson.NewObjectID()))
		}
		if err := applyUpdate(doc, update); err != nil {
			return matched, modified, bson.Value{}, err
		}
		if err := validateInsertable(doc); err != nil {
			return matched, modified, bson.Value{}, err
		}
		idVal, _ := doc.Get("_id")
		if err := c.insertLocked(doc, idVal); err != nil {
			return matched, modified, bson.Value{}, err
		}
		if t != nil {
			t.Record(txn.UndoRecord{Op: txn.OpInsert, Collection: c.name, DocID: idVal})
		}
		return matched, modified, idVal, nil
	}
	return matched, modified, bson.Value{}, nil
}

// UpdateOne applies update to the first document matching filter.
func (c *Collection) UpdateOne(t *txn.Txn, filter, update *bson.Document, opts UpdateOptions) (matched, modified int, upsertedID bson.Value, err error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	docs, rids, err := c.scanAllLocked()
	if err != nil {
		return 0, 0, bson.Value{}, err
	}
	for i, doc := range docs {
		ok, err := matchFilter(doc, filter)
		if err != nil {
			return 0, 0, bson.Value{}, err
		}
		if !ok {
			continue
		}
		changed, err := c.applyUpdateLocked(t, doc, update, rids[i])
		if err != nil {
			return 1, 0, bson.Value{}, err
		}
		modified := 0
		if changed {
			modified = 1
		}
		return 1, modified, bson.Value{}, nil
	}
	if opts.Upsert {
		doc := synthesizeFromFilter(filter, update)
		if !doc.Has("_id") {
			doc.Set("_id", bson.OID(bson.NewObjectID()))
		}
		if err := applyUpdate(doc, update); err != nil {
			return 0, 0, bson.Value{}, err
		}
		if err := validateInsertable(doc); err != nil {
			return 0, 0, bson.Value{}, err
		}
		idVal, _ := doc.Get("_id")
		if err := c.insertLocked(doc, idVal); err != nil {
			return 0, 0, bson.Value{}, err
		}
		if t != nil {
			t.Record(txn.UndoRecord{Op: txn.OpInsert, Collection: c.name, DocID: idVal})
		}
		return 0, 0, idVal, nil
	}
	return 0, 0, bson.Value{}, nil
}

// applyUpdateLocked re-serializes doc after applying update, relocating
// it if it no longer fits in place, and refreshes every index entry
// whose KeyString changed. Caller must hold c.writeMu.
func (c *Collection) applyUpdateLocked(t *txn.Txn, doc *bson.Document, update *bson.Document, rid RecordID) (bool, error) {
	oldRaw, err := bson.Encode(doc)
	if err != nil {
		return false, err
	}
	oldIDVal, _ := doc.Get("_id")
	oldSecondaryKeys := make([][]byte, len(c.secondary))
	for i, idx := range c.secondary {
		oldSecondaryKeys[i] = indexKey(doc, idx.spec)
	}

	updated := doc.Clone()
	if err := applyUpdate(updated, update); err != nil {
		return false, err
	}
	if err := validateInsertable(updated); err != nil {
		return false, err
	}
	newIDVal, _ := updated.Get("_id")
	if !bson.Equal(oldIDVal, newIDVal) {
		return false, monoerr.New(monoerr.CodeInvalidOptions, "update cannot modify the immutable _id field")
	}

	newRaw, err := bson.Encode(updated)
	if err != nil {
		return false, err
	}
	if string(newRaw) == string(oldRaw) {
		return false, nil
	}

	newRID, err := c.relocateRecordLocked(rid, newRaw)
	if err != nil {
		return false, err
	}

	if newRID != rid {
		primaryKey := keystring.Encode(nil, oldIDVal, false)
		if err := c.primary.Insert(primaryKey, newRID.encode()); err != nil {
			return false, err
		}
		if err := c.syncPrimaryRootLocked(); err != nil {
			return false, err
		}
	}

	for i, idx := range c.secondary {
		newKey := indexKey(updated, idx.spec)
		if string(newKey) != string(oldSecondaryKeys[i]) || newRID != rid {
			if idx.spec.Unique && string(newKey) != string(oldSecondaryKeys[i]) {
				if _, ok, _ := idx.tree.Get(newKey); ok {
					return false, monoerr.Newf(monoerr.CodeDuplicateKey, "duplicate key on index %s", idx.spec.Name)
				}
			}
			if err := idx.tree.Delete(oldSecondaryKeys[i]); err != nil {
				return false, err
			}
			if err := idx.tree.Insert(newKey, newRID.encode()); err != nil {
				return false, err
			}
			if err := c.syncIndexRootLocked(idx); err != nil {
				return false, err
			}
		}
	}

	*doc = *updated
	if t != nil {
		t.Record(txn.UndoRecord{Op: txn.OpUpdate, Collection: c.name, DocID: oldIDVal, OldDoc: oldRaw})
	}
	return true, nil
}

// relocateRecordLocked updates the record at rid in place if newRaw
// fits; otherwise it deletes the old slot and appends newRaw elsewhere,
// per spec.md §4.9 ("Update"): index entries referring to the old
// RecordId are the engine's responsibility, not the slotted page's.
func (c *Collection) relocateRecordLocked(rid RecordID, newRaw []byte) (RecordID, error) {
	pg, err := c.pg.GetPage(rid.PageID)
	if err != nil {
		return RecordID{}, err
	}
	sp := page.NewSlotted(pg)
	if err := sp.UpdateRecord(rid.Slot, newRaw); err == nil {
		if err := c.pg.WritePage(pg); err != nil {
			return RecordID{}, err
		}
		return rid, nil
	}

	if err := sp.DeleteRecord(rid.Slot); err != nil {
		return RecordID{}, err
	}
	if err := c.pg.WritePage(pg); err != nil {
		return RecordID{}, err
	}
	return c.appendRecordLocked(newRaw)
}

// UndoInsert implements txn.Undoer: reverse an insert by deleting the
// document with docID.
func (c *Collection) UndoInsert(collection string, docID bson.Value) error {
	_, err := c.DeleteOne(nil, bson.DocFromElements(bson.Element{Name: "_id", Value: docID}))
	return err
}

// UndoUpdate implements txn.Undoer: reverse an update by replacing the
// current document with its pre-image.
func (c *Collection) UndoUpdate(collection string, docID bson.Value, oldDoc []byte) error {
	old, err := bson.Decode(oldDoc)
	if err != nil {
		return err
	}
	_, _, _, err = c.UpdateOne(nil, bson.DocFromElements(bson.Element{Name: "_id", Value: docID}),
		replaceUpdate(old), UpdateOptions{})
	return err
}

// UndoDelete implements txn.Undoer: reverse a delete by reinserting the
// pre-image.
func (c *Collection) UndoDelete(collection string, docID bson.Value, oldDoc []byte) error {
	old, err := bson.Decode(oldDoc)
	if err != nil {
		return err
	}
	_, err = c.Insert(nil, old)
	return err
}

// replaceUpdate passes replacement through unchanged: applyUpdate treats
// a non-operator-prefixed update document as a full replacement, which
// is exactly what replaceOne and undo-update both need (the latter to
// restore a pre-image exactly, not merge over whatever fields the
// aborted transaction had set).
func replaceUpdate(replacement *bson.Document) *bson.Document {
	return replacement
}

// ReplaceOne replaces the first document matching filter with
// replacement's fields (preserving _id), or upserts replacement if
// opts.Upsert is set and nothing matched.
func (c *Collection) ReplaceOne(t *txn.Txn, filter, replacement *bson.Document, opts UpdateOptions) (matched, modified int, upsertedID bson.Value, err error) {
	return c.UpdateOne(t, filter, replaceUpdate(replacement), opts)
}

// FindAndModifyOptions controls FindAndModify's return-image and sort
// behavior (spec.md §4.9).
type FindAndModifyOptions struct {
	Sort   *bson.Document
	Remove bool
	New    bool
	Upsert bool
}

// FindAndModify finds the document matching filter (honoring Sort for
// tie-breaking among matches), then deletes or updates it, returning
// the pre- or post-image per opts.New.
func (c *Collection) FindAndModify(t *txn.Txn, filter, update *bson.Document, opts FindAndModifyOptions) (*bson.Document, error) {
	matches, err := c.Find(filter)
	if err != nil {
		return nil, err
	}
	if opts.Sort != nil && len(matches) > 1 {
		sortDocs(matches, opts.Sort)
	}
	if len(matches) == 0 {
		if !opts.Upsert || opts.Remove {
			return nil, nil
		}
		doc := synthesizeFromFilter(filter, update)
		if err := applyUpdate(doc, update); err != nil {
			return nil, err
		}
		if !doc.Has("_id") {
			doc.Set("_id", bson.OID(bson.NewObjectID()))
		}
		if _, err := c.Insert(t, doc); err != nil {
			return nil, err
		}
		if !opts.New {
			return nil, nil
		}
		return doc.Clone(), nil
	}

	target := matches[0]
	idFilter := bson.DocFromElements(bson.Element{Name: "_id", Value: mustGet(target, "_id")})
	if opts.Remove {
		pre := target.Clone()
		if _, err := c.DeleteOne(t, idFilter); err != nil {
			return nil, err
		}
		return pre, nil
	}

	pre := target.Clone()
	if _, _, _, err := c.UpdateOne(t, idFilter, update, UpdateOptions{}); err != nil {
		return nil, err
	}
	if opts.New {
		post, err := c.Find(idFilter)
		if err != nil {
			return nil, err
		}
		if len(post) > 0 {
			return post[0], nil
		}
		return nil, nil
	}
	return pre, nil
}

func mustGet(doc *bson.Document, name string) bson.Value {
	v, _ := doc.Get(name)
	return v
}

// sortDocs orders docs by spec's field->direction pairs, stable for ties.
func sortDocs(docs []*bson.Document, spec *bson.Document) {
	fields := spec.Elements()
	insertionSortDocs(docs, func(a, b *bson.Document) bool {
		for _, f := range fields {
			dir, _ := f.Value.AsInt32()
			av, _ := a.Lookup(f.Name)
			bv, _ := b.Lookup(f.Name)
			cmp := bson.Compare(av, bv)
			if cmp == 0 {
				continue
			}
			if dir < 0 {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

// insertionSortDocs is a small stable sort; collections are expected to
// be modest in size for findAndModify's tie-breaking sort (a full index
// scan, not a bulk query path), so O(n^2) insertion sort keeps the
// implementation simple without pulling in a generic sort.Interface
// adapter for a single call site.
func insertionSortDocs(docs []*bson.Document, less func(a, b *bson.Document) bool) {
	for i := 1; i < len(docs); i++ {
		for j := i; j > 0 && less(docs[j], docs[j-1]); j-- {
			docs[j], docs[j-1] = docs[j-1], docs[j]
		}
	}
}
