// Package catalog implements the collection catalog (spec.md §3,
// "Collection catalog"): a single BSON document, persisted across a
// chain of catalog pages, enumerating every collection's name, root and
// head data-page ids, and per-index entries.
//
// gdbx keeps its named-DBI directory as a tree rooted at a well-known
// page (see `persistNamedDBTrees`/`openNamedDBI` in
// `_examples/Giulio2002-gdbx/txn.go`), serializing each tree's root as a
// small fixed record. MonoDB's catalog generalizes that idea to a
// single BSON document describing every collection and its indexes at
// once, since spec.md's Open Question resolution (SPEC_FULL.md,
// "Catalog layout decision") settles on one document rather than gdbx's
// per-name directory entries.
package catalog

import (
	"encoding/binary"
	"sync"

	"github.com/monodb/monodb/bson"
	"github.com/monodb/monodb/internal/monoerr"
	"github.com/monodb/monodb/internal/page"
	"github.com/monodb/monodb/internal/pager"
)

// KeyField is one field of an index key spec, in declaration order.
type KeyField struct {
	Field     string
	Direction int32 // 1 ascending, -1 descending
}

// IndexSpec describes one index on a collection.
type IndexSpec struct {
	Name   string
	Key    []KeyField
	Unique bool
	Root   uint32
}

// CollectionSpec describes one collection's storage roots and indexes.
type CollectionSpec struct {
	Name    string
	Root    uint32
	Head    uint32
	Indexes []IndexSpec
}

// Catalog is the in-memory, pager-backed collection directory. All
// methods are safe for concurrent use.
type Catalog struct {
	pg     *pager.Pager
	mu     sync.RWMutex
	pageID uint32
	colls  []CollectionSpec
}

// Create allocates a fresh, empty catalog and records its page id in the
// pager's file header.
func Create(pg *pager.Pager) (*Catalog, error) {
	c := &Catalog{pg: pg}
	if err := c.persistLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads the catalog from the page chain rooted at the pager's
// recorded catalog page id.
func Load(pg *pager.Pager) (*Catalog, error) {
	headID := pg.Header().CatalogPageID
	c := &Catalog{pg: pg, pageID: headID}
	if headID == 0 {
		return c, nil
	}
	raw, err := c.readChain(headID)
	if err != nil {
		return nil, err
	}
	doc, err := bson.Decode(raw)
	if err != nil {
		return nil, monoerr.Wrap(monoerr.CodeInternalError, "decode catalog document", err)
	}
	colls, err := decodeCatalog(doc)
	if err != nil {
		return nil, err
	}
	c.colls = colls
	return c, nil
}

// Collections returns a snapshot of every registered collection.
func (c *Catalog) Collections() []CollectionSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CollectionSpec, len(c.colls))
	copy(out, c.colls)
	return out
}

// Collection looks up a collection by name.
func (c *Catalog) Collection(name string) (CollectionSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, cs := range c.colls {
		if cs.Name == name {
			return cs, true
		}
	}
	return CollectionSpec{}, false
}

// AddCollection registers a new collection and persists the catalog.
// Returns BadValue if the name is already registered.
func (c *Catalog) AddCollection(spec CollectionSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cs := range c.colls {
		if cs.Name == spec.Name {
			return monoerr.New(monoerr.CodeBadValue, "collection already exists: "+spec.Name)
		}
	}
	c.colls = append(c.colls, spec)
	return c.persistLocked()
}

// DropCollection removes a collection by name and persists the catalog.
// Returns NamespaceNotFound if no such collection is registered.
func (c *Catalog) DropCollection(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cs := range c.colls {
		if cs.Name == name {
			c.colls = append(c.colls[:i], c.colls[i+1:]...)
			return c.persistLocked()
		}
	}
	return monoerr.New(monoerr.CodeNamespaceNotFound, "no such collection: "+name)
}

// UpdateCollection replaces the stored spec for an existing collection
// (e.g. after relocating its head page) and persists the catalog.
func (c *Catalog) UpdateCollection(spec CollectionSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cs := range c.colls {
		if cs.Name == spec.Name {
			c.colls[i] = spec
			return c.persistLocked()
		}
	}
	return monoerr.New(monoerr.CodeNamespaceNotFound, "no such collection: "+spec.Name)
}

// AddIndex appends an index spec to collection and persists the catalog.
func (c *Catalog) AddIndex(collection string, idx IndexSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cs := range c.colls {
		if cs.Name == collection {
			for _, existing := range cs.Indexes {
				if existing.Name == idx.Name {
					return monoerr.New(monoerr.CodeIndexOptionsConflict, "index already exists: "+idx.Name)
				}
			}
			c.colls[i].Indexes = append(c.colls[i].Indexes, idx)
			return c.persistLocked()
		}
	}
	return monoerr.New(monoerr.CodeNamespaceNotFound, "no such collection: "+collection)
}

// UpdateIndexRoot updates an index's root page id after a B+Tree split
// or root collapse moves it, and persists the catalog. A no-op (no
// persist) if root already matches, since index mutations call this
// after every write and most writes never move the root.
func (c *Catalog) UpdateIndexRoot(collection, indexName string, root uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cs := range c.colls {
		if cs.Name != collection {
			continue
		}
		for j, idx := range cs.Indexes {
			if idx.Name == indexName {
				if idx.Root == root {
					return nil
				}
				c.colls[i].Indexes[j].Root = root
				return c.persistLocked()
			}
		}
		return monoerr.New(monoerr.CodeIndexNotFound, "no such index: "+indexName)
	}
	return monoerr.New(monoerr.CodeNamespaceNotFound, "no such collection: "+collection)
}

// UpdateRoots updates a collection's primary root and/or head page ids
// after a B+Tree split/collapse or data-chain append moves them, and
// persists the catalog only if something actually changed.
func (c *Catalog) UpdateRoots(collection string, root, head uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cs := range c.colls {
		if cs.Name == collection {
			if cs.Root == root && cs.Head == head {
				return nil
			}
			c.colls[i].Root = root
			c.colls[i].Head = head
			return c.persistLocked()
		}
	}
	return monoerr.New(monoerr.CodeNamespaceNotFound, "no such collection: "+collection)
}

// DropIndex removes an index spec from collection and persists the catalog.
func (c *Catalog) DropIndex(collection, indexName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cs := range c.colls {
		if cs.Name != collection {
			continue
		}
		for j, idx := range cs.Indexes {
			if idx.Name == indexName {
				c.colls[i].Indexes = append(cs.Indexes[:j], cs.Indexes[j+1:]...)
				return c.persistLocked()
			}
		}
		return monoerr.New(monoerr.CodeIndexNotFound, "no such index: "+indexName)
	}
	return monoerr.New(monoerr.CodeNamespaceNotFound, "no such collection: "+collection)
}

// encode renders the catalog's in-memory state as the BSON document
// described by the catalog layout decision:
// {collections: [{name, root, head, indexes: [{name, key, unique, root}]}]}.
func (c *Catalog) encode() *bson.Document {
	collVals := make([]bson.Value, 0, len(c.colls))
	for _, cs := range c.colls {
		idxVals := make([]bson.Value, 0, len(cs.Indexes))
		for _, idx := range cs.Indexes {
			keyDoc := bson.NewDocument()
			for _, f := range idx.Key {
				keyDoc.Append(f.Field, bson.Int32(f.Direction))
			}
			idxVals = append(idxVals, bson.Doc(bson.DocFromElements(
				bson.Element{Name: "name", Value: bson.String(idx.Name)},
				bson.Element{Name: "key", Value: bson.Doc(keyDoc)},
				bson.Element{Name: "unique", Value: bson.Bool(idx.Unique)},
				bson.Element{Name: "root", Value: bson.Int64(int64(idx.Root))},
			)))
		}
		collVals = append(collVals, bson.Doc(bson.DocFromElements(
			bson.Element{Name: "name", Value: bson.String(cs.Name)},
			bson.Element{Name: "root", Value: bson.Int64(int64(cs.Root))},
			bson.Element{Name: "head", Value: bson.Int64(int64(cs.Head))},
			bson.Element{Name: "indexes", Value: bson.Arr(bson.NewArray(idxVals...))},
		)))
	}
	return bson.DocFromElements(bson.Element{Name: "collections", Value: bson.Arr(bson.NewArray(collVals...))})
}

// decodeCatalog is the inverse of encode, tolerant of a missing
// "collections" field (an empty, freshly created catalog).
func decodeCatalog(doc *bson.Document) ([]CollectionSpec, error) {
	collsVal, ok := doc.Get("collections")
	if !ok {
		return nil, nil
	}
	collArr, ok := collsVal.AsArray()
	if !ok {
		return nil, monoerr.New(monoerr.CodeInternalError, "catalog collections field is not an array")
	}

	out := make([]CollectionSpec, 0, collArr.Len())
	for _, cv := range collArr.Values() {
		cd, ok := cv.AsDocument()
		if !ok {
			return nil, monoerr.New(monoerr.CodeInternalError, "catalog collection entry is not a document")
		}
		nameVal, _ := cd.Get("name")
		name, _ := nameVal.AsString()
		rootVal, _ := cd.Get("root")
		root, _ := rootVal.AsInt64()
		headVal, _ := cd.Get("head")
		head, _ := headVal.AsInt64()

		var indexes []IndexSpec
		if idxVal, ok := cd.Get("indexes"); ok {
			idxArr, ok := idxVal.AsArray()
			if !ok {
				return nil, monoerr.New(monoerr.CodeInternalError, "catalog indexes field is not an array")
			}
			for _, iv := range idxArr.Values() {
				id, ok := iv.AsDocument()
				if !ok {
					return nil, monoerr.New(monoerr.CodeInternalError, "catalog index entry is not a document")
				}
				inameVal, _ := id.Get("name")
				iname, _ := inameVal.AsString()
				keyVal, _ := id.Get("key")
				keyDoc, _ := keyVal.AsDocument()
				var key []KeyField
				if keyDoc != nil {
					for _, el := range keyDoc.Elements() {
						dir, _ := el.Value.AsInt32()
						key = append(key, KeyField{Field: el.Name, Direction: dir})
					}
				}
				uniqueVal, _ := id.Get("unique")
				unique, _ := uniqueVal.AsBool()
				idxRootVal, _ := id.Get("root")
				idxRoot, _ := idxRootVal.AsInt64()
				indexes = append(indexes, IndexSpec{Name: iname, Key: key, Unique: unique, Root: uint32(idxRoot)})
			}
		}
		out = append(out, CollectionSpec{Name: name, Root: uint32(root), Head: uint32(head), Indexes: indexes})
	}
	return out, nil
}

// persistLocked re-encodes the catalog, writes it to a freshly allocated
// page chain, frees the previous chain, and records the new head page id
// in the pager's file header. Caller must hold c.mu.
func (c *Catalog) persistLocked() error {
	raw, err := bson.Encode(c.encode())
	if err != nil {
		return monoerr.Wrap(monoerr.CodeInternalError, "encode catalog document", err)
	}

	newIDs, err := c.writeChain(raw)
	if err != nil {
		return err
	}

	oldHead := c.pageID
	c.pageID = newIDs[0]
	if err := c.pg.SetCatalogPageID(c.pageID); err != nil {
		return err
	}

	for id := oldHead; id != 0 && id != c.pageID; {
		pg, err := c.pg.GetPage(id)
		if err != nil {
			break
		}
		next := pg.NextPageID()
		if err := c.pg.FreePage(id); err != nil {
			return err
		}
		id = next
	}
	return nil
}

// writeChain allocates and links as many catalog pages as raw requires;
// the first page's payload is prefixed with a 4-byte total length so
// readChain knows when to stop walking the NextPageID chain.
func (c *Catalog) writeChain(raw []byte) ([]uint32, error) {
	const headCap = page.PayloadSize - 4

	first, err := c.pg.AllocatePage(page.TypeCatalog)
	if err != nil {
		return nil, err
	}
	ids := []uint32{first.PageID()}

	payload := first.Payload()
	binary.LittleEndian.PutUint32(payload[0:4], uint32(len(raw)))
	remaining := raw
	chunk := remaining
	if len(chunk) > headCap {
		chunk = chunk[:headCap]
	}
	copy(payload[4:], chunk)
	remaining = remaining[len(chunk):]

	prev := first
	for len(remaining) > 0 {
		next, err := c.pg.AllocatePage(page.TypeCatalog)
		if err != nil {
			return nil, err
		}
		prev.SetNextPageID(next.PageID())
		if err := c.pg.WritePage(prev); err != nil {
			return nil, err
		}
		ids = append(ids, next.PageID())

		chunk = remaining
		if len(chunk) > page.PayloadSize {
			chunk = chunk[:page.PayloadSize]
		}
		copy(next.Payload(), chunk)
		remaining = remaining[len(chunk):]
		prev = next
	}

	if err := c.pg.WritePage(prev); err != nil {
		return nil, err
	}
	return ids, nil
}

// readChain reassembles the raw BSON bytes starting at headID.
func (c *Catalog) readChain(headID uint32) ([]byte, error) {
	pg, err := c.pg.GetPage(headID)
	if err != nil {
		return nil, err
	}
	payload := pg.Payload()
	n := binary.LittleEndian.Uint32(payload[0:4])

	buf := make([]byte, 0, n)
	buf = append(buf, payload[4:]...)
	next := pg.NextPageID()
	for uint32(len(buf)) < n && next != 0 {
		pg, err = c.pg.GetPage(next)
		if err != nil {
			return nil, err
		}
		buf = append(buf, pg.Payload()...)
		next = pg.NextPageID()
	}
	if uint32(len(buf)) < n {
		return nil, monoerr.New(monoerr.CodeInternalError, "catalog page chain truncated")
	}
	return buf[:n], nil
}
