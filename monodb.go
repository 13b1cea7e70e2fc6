// Package monodb is the embeddable public API described in spec.md §1:
// a single-file document database opened directly inside a Go process,
// with no wire protocol required. internal/command.Database already
// does all the work; this package is a thin, idiomatic wrapper giving
// language-binding callers Open/Collection/InsertOne/Find/... instead
// of hand-building BSON command documents.
package monodb

import (
	"log/slog"

	"github.com/monodb/monodb/bson"
	"github.com/monodb/monodb/internal/catalog"
	"github.com/monodb/monodb/internal/collection"
	"github.com/monodb/monodb/internal/command"
)

// Options configures Open. The zero value is usable: it opens (or
// creates) path's WAL alongside it at path+".wal" and logs through
// slog.Default().
type Options struct {
	// WALPath overrides the default path+".wal" location.
	WALPath string
	// Logger routes the pager/lock-manager/transaction-manager log
	// lines described in SPEC_FULL.md's ambient stack section.
	Logger *slog.Logger
}

// Database is one open MonoDB data file.
type Database struct {
	db *command.Database
}

// Open opens (or creates) the MonoDB data file at path.
func Open(path string, opts Options) (*Database, error) {
	walPath := opts.WALPath
	if walPath == "" {
		walPath = path + ".wal"
	}
	db, err := command.Open(path, walPath)
	if err != nil {
		return nil, err
	}
	if opts.Logger != nil {
		db.SetLogger(opts.Logger)
	}
	return &Database{db: db}, nil
}

// Close flushes and closes the underlying data file.
func (d *Database) Close() error { return d.db.Close() }

// Collection returns a handle to name, creating it on first use.
func (d *Database) Collection(name string) (*Collection, error) {
	c, err := d.db.Collection(name, true)
	if err != nil {
		return nil, err
	}
	return &Collection{c: c}, nil
}

// CollectionNames lists every collection currently registered in the
// catalog.
func (d *Database) CollectionNames() []string { return d.db.CollectionNames() }

// Collection is a handle to one named collection within a Database.
// Every method runs its own implicit, auto-committing mutation — there
// is no exposed multi-statement transaction at this layer; use the
// wire protocol (internal/server) or internal/txn directly for that.
type Collection struct {
	c *collection.Collection
}

// Name returns the collection's name.
func (c *Collection) Name() string { return c.c.Name() }

// InsertOne inserts doc, generating an ObjectId _id if doc has none,
// and returns the inserted _id.
func (c *Collection) InsertOne(doc *bson.Document) (bson.Value, error) {
	return c.c.Insert(nil, doc)
}

// Find returns every document matching filter (nil matches all).
func (c *Collection) Find(filter *bson.Document) ([]*bson.Document, error) {
	return c.c.Find(filter)
}

// Count returns the number of documents matching filter.
func (c *Collection) Count(filter *bson.Document) (int, error) {
	return c.c.Count(filter)
}

// Distinct returns the distinct values of field among documents
// matching filter.
func (c *Collection) Distinct(field string, filter *bson.Document) ([]bson.Value, error) {
	return c.c.Distinct(field, filter)
}

// UpdateOne applies update to the first document matching filter.
func (c *Collection) UpdateOne(filter, update *bson.Document, opts collection.UpdateOptions) (matched, modified int, upsertedID bson.Value, err error) {
	return c.c.UpdateOne(nil, filter, update, opts)
}

// UpdateMany applies update to every document matching filter.
func (c *Collection) UpdateMany(filter, update *bson.Document, opts collection.UpdateOptions) (matched, modified int, upsertedID bson.Value, err error) {
	return c.c.UpdateMany(nil, filter, update, opts)
}

// ReplaceOne replaces the first document matching filter with
// replacement's fields, preserving _id.
func (c *Collection) ReplaceOne(filter, replacement *bson.Document, opts collection.UpdateOptions) (matched, modified int, upsertedID bson.Value, err error) {
	return c.c.ReplaceOne(nil, filter, replacement, opts)
}

// DeleteOne removes the first document matching filter, reporting
// whether one was found.
func (c *Collection) DeleteOne(filter *bson.Document) (bool, error) {
	return c.c.DeleteOne(nil, filter)
}

// DeleteMany removes every document matching filter, returning the
// count removed.
func (c *Collection) DeleteMany(filter *bson.Document) (int, error) {
	return c.c.DeleteMany(nil, filter)
}

// FindAndModify atomically finds and updates or deletes one document
// matching filter, returning the pre- or post-image per opts.New.
func (c *Collection) FindAndModify(filter, update *bson.Document, opts collection.FindAndModifyOptions) (*bson.Document, error) {
	return c.c.FindAndModify(nil, filter, update, opts)
}

// CreateIndex builds a new secondary index on the collection.
func (c *Collection) CreateIndex(spec catalog.IndexSpec) error {
	return c.c.CreateIndex(spec)
}

// DropIndex removes the named secondary index.
func (c *Collection) DropIndex(name string) error {
	return c.c.DropIndex(name)
}
