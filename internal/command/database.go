// Package command implements the command router (spec.md §6): a
// dispatch table from command name to handler, and the MongoDB-
// compatible error envelope every failure is translated into.
//
// Database is the single-writer owner of the storage stack: pager,
// catalog, lock manager, transaction manager, session/cursor managers,
// and the open collection handles. It has no knowledge of the wire
// protocol; internal/server frames bytes into commands and hands them
// to Database.Run.
package command

import (
	"context"
	"log/slog"
	"sync"

	"github.com/monodb/monodb/bson"
	"github.com/monodb/monodb/internal/catalog"
	"github.com/monodb/monodb/internal/collection"
	"github.com/monodb/monodb/internal/lockmgr"
	"github.com/monodb/monodb/internal/monoerr"
	"github.com/monodb/monodb/internal/pager"
	"github.com/monodb/monodb/internal/session"
	"github.com/monodb/monodb/internal/txn"
)

// Database owns every piece of storage state for one open .monodb file.
type Database struct {
	pg    *pager.Pager
	cat   *catalog.Catalog
	locks *lockmgr.Manager
	txns  *txn.Manager
	sess  *session.Manager
	curs  *session.CursorManager

	mu    sync.Mutex
	colls map[string]*collection.Collection

	stats *latencyStats
}

// Open opens (or initializes) a MonoDB data file at dataPath, with its
// WAL at walPath.
func Open(dataPath, walPath string) (*Database, error) {
	pg, err := pager.Open(dataPath, walPath)
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Load(pg)
	if err != nil {
		cat, err = catalog.Create(pg)
		if err != nil {
			pg.Close()
			return nil, err
		}
	}
	locks := lockmgr.New()
	txns := txn.New(locks, pg)
	d := &Database{
		pg:    pg,
		cat:   cat,
		locks: locks,
		txns:  txns,
		sess:  session.New(txns),
		curs:  session.NewCursorManager(),
		colls: make(map[string]*collection.Collection),
		stats: newLatencyStats(),
	}
	for _, spec := range cat.Collections() {
		c, err := collection.Open(pg, cat, spec.Name)
		if err != nil {
			pg.Close()
			return nil, err
		}
		d.colls[spec.Name] = c
	}
	return d, nil
}

// Close flushes and closes the underlying pager.
func (d *Database) Close() error {
	d.curs.CloseAll()
	return d.pg.Close()
}

// SetLogger injects the logger the pager, lock manager, and
// transaction manager report through, replacing the slog.Default()
// each starts with.
func (d *Database) SetLogger(l *slog.Logger) {
	d.pg.SetLogger(l.With("component", "pager"))
	d.locks.SetLogger(l.With("component", "lockmgr"))
	d.txns.SetLogger(l.With("component", "txn"))
}

// Checkpoint forces a WAL checkpoint, the operation the server's
// periodic maintenance job runs on a schedule.
func (d *Database) Checkpoint() error {
	return d.pg.Checkpoint()
}

// ReapIdleCursors drops every open cursor idle past its timeout,
// returning the count reaped.
func (d *Database) ReapIdleCursors() int {
	return d.curs.ReapIdle()
}

// ReapIdleSessions aborts and drops every session idle past its
// timeout, returning the count reaped.
func (d *Database) ReapIdleSessions() int {
	return d.sess.ReapIdle(d)
}

// Collection returns the named collection handle, creating it
// implicitly on first write (matching MongoDB's create-on-insert
// behavior) when create is true.
func (d *Database) Collection(name string, create bool) (*collection.Collection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.colls[name]; ok {
		return c, nil
	}
	if !create {
		return nil, monoerr.New(monoerr.CodeNamespaceNotFound, "namespace not found: "+name)
	}
	c, err := collection.Create(d.pg, d.cat, name)
	if err != nil {
		return nil, err
	}
	d.colls[name] = c
	return c, nil
}

// DropCollection removes a collection's storage registration and
// in-memory handle.
func (d *Database) DropCollection(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.colls[name]; !ok {
		return monoerr.New(monoerr.CodeNamespaceNotFound, "namespace not found: "+name)
	}
	if err := d.cat.DropCollection(name); err != nil {
		return err
	}
	delete(d.colls, name)
	return nil
}

// CollectionNames lists every registered collection, for listCollections.
func (d *Database) CollectionNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.colls))
	for name := range d.colls {
		names = append(names, name)
	}
	return names
}

// UndoInsert implements txn.Undoer by dispatching to the named
// collection, since a single transaction's undo log can span multiple
// collections but txn.Manager knows nothing about collection handles.
func (d *Database) UndoInsert(coll string, docID bson.Value) error {
	c, err := d.Collection(coll, false)
	if err != nil {
		return err
	}
	return c.UndoInsert(coll, docID)
}

// UndoUpdate implements txn.Undoer; see UndoInsert.
func (d *Database) UndoUpdate(coll string, docID bson.Value, oldDoc []byte) error {
	c, err := d.Collection(coll, false)
	if err != nil {
		return err
	}
	return c.UndoUpdate(coll, docID, oldDoc)
}

// UndoDelete implements txn.Undoer; see UndoInsert.
func (d *Database) UndoDelete(coll string, docID bson.Value, oldDoc []byte) error {
	c, err := d.Collection(coll, false)
	if err != nil {
		return err
	}
	return c.UndoDelete(coll, docID, oldDoc)
}

// lookupForeign adapts Database.Collection into aggregation.ForeignLookup
// for the $lookup stage: fetch every document of a named collection.
func (d *Database) lookupForeign(_ context.Context, name string) ([]*bson.Document, error) {
	c, err := d.Collection(name, false)
	if err != nil {
		return nil, nil // $lookup against a missing collection yields no matches, not an error
	}
	return c.Find(nil)
}
