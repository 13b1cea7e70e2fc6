// Package btree implements the persistent B+Tree described in spec.md
// §4.6: ordered byte-string keys (produced by internal/keystring) mapping
// to byte-string values (RecordId-encoding is the caller's concern, not
// this package's), built on top of internal/pager's page store.
//
// The node layout borrows the teacher's (Giulio2002/gdbx) general
// technique from node.go — a small pointer array addressing variable-
// length cells packed into the rest of the page — but keeps the pointer
// array sorted by key (gdbx's node pointer array is insertion-ordered,
// since gdbx performs its own binary search against keys stored inline
// in each node rather than via the array) so descent is a single
// sort.Search per level. Nodes are always rewritten in full on mutation
// rather than patched in place, trading a little CPU for an implementation
// with no incremental-offset bookkeeping to get subtly wrong.
package btree

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/monodb/monodb/internal/monoerr"
	"github.com/monodb/monodb/internal/page"
	"github.com/monodb/monodb/internal/pager"
)

// PayloadSize mirrors page.PayloadSize; node content never exceeds it.
const PayloadSize = page.PayloadSize

// cell is a decoded, in-memory representation of one node entry: a key
// and either a value (leaf) or a 4-byte little-endian child page id
// (internal).
type cell struct {
	key     []byte
	payload []byte
}

func encodeCell(c cell) []byte {
	buf := make([]byte, 4+len(c.key)+len(c.payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(c.key)))
	copy(buf[2:2+len(c.key)], c.key)
	off := 2 + len(c.key)
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(c.payload)))
	copy(buf[off+2:], c.payload)
	return buf
}

func cellSize(c cell) int { return 4 + len(c.key) + len(c.payload) }

// loadCells decodes every cell from pg via its sorted pointer array.
func loadCells(pg *page.Page) []cell {
	n := int(pg.ItemCount())
	payload := pg.Payload()
	cells := make([]cell, n)
	for i := 0; i < n; i++ {
		off := binary.LittleEndian.Uint16(payload[i*2 : i*2+2])
		keyLen := binary.LittleEndian.Uint16(payload[off : off+2])
		key := make([]byte, keyLen)
		copy(key, payload[off+2:off+2+keyLen])
		valOff := off + 2 + keyLen
		valLen := binary.LittleEndian.Uint16(payload[valOff : valOff+2])
		val := make([]byte, valLen)
		copy(val, payload[valOff+2:valOff+2+valLen])
		cells[i] = cell{key: key, payload: val}
	}
	return cells
}

// storeCells rewrites pg's payload from scratch: a sorted pointer array
// followed by packed cell data. cells must already be sorted by key.
func storeCells(pg *page.Page, cells []cell) error {
	n := len(cells)
	offset := n * 2
	encoded := make([][]byte, n)
	for i, c := range cells {
		encoded[i] = encodeCell(c)
		offset += len(encoded[i])
	}
	if offset > PayloadSize {
		return monoerr.New(monoerr.CodeOperationFailed, "node page full: cells do not fit")
	}

	payload := pg.Payload()
	for i := range payload {
		payload[i] = 0
	}
	cur := n * 2
	for i, e := range encoded {
		binary.LittleEndian.PutUint16(payload[i*2:i*2+2], uint16(cur))
		copy(payload[cur:cur+len(e)], e)
		cur += len(e)
	}
	pg.SetItemCount(uint16(n))
	pg.SetFreeSpace(uint16(PayloadSize - cur))
	return nil
}

// Tree is a persistent B+Tree rooted at a caller-owned page id. The tree
// does not persist its own root pointer: it tracks the current root in
// memory from Open on, and callers (the collection/catalog layer) read
// RootPageID() and store it themselves, since only they know where that
// pointer itself lives (an index catalog entry, typically).
type Tree struct {
	pg   *pager.Pager
	root uint32
}

// Open wraps an existing root page id as a Tree.
func Open(pg *pager.Pager, rootPageID uint32) *Tree {
	return &Tree{pg: pg, root: rootPageID}
}

// Create allocates a fresh empty leaf page and returns a Tree rooted there.
func Create(pg *pager.Pager) (*Tree, error) {
	leaf, err := pg.AllocatePage(page.TypeBTreeLeaf)
	if err != nil {
		return nil, err
	}
	if err := storeCells(leaf, nil); err != nil {
		return nil, err
	}
	if err := pg.WritePage(leaf); err != nil {
		return nil, err
	}
	return &Tree{pg: pg, root: leaf.PageID()}, nil
}

// RootPageID returns the tree's current root page id, which may change
// after Insert (root split) or Delete (root collapse).
func (t *Tree) RootPageID() uint32 { return t.root }

func (t *Tree) loadNode(id uint32) (*page.Page, error) { return t.pg.GetPage(id) }

// childFor returns the index of the child to descend into for key within
// an internal node's sorted cells: the largest i such that cells[i].key <=
// key, or -1 to mean the leftmost child (stored in the node's NextPageID
// field, since internal nodes have no leaf-chain use for it).
func childFor(cells []cell, key []byte) int {
	idx := sort.Search(len(cells), func(i int) bool {
		return bytes.Compare(cells[i].key, key) > 0
	})
	return idx - 1
}

func childPageID(node *page.Page, cells []cell, key []byte) uint32 {
	idx := childFor(cells, key)
	if idx < 0 {
		return node.NextPageID()
	}
	return binary.LittleEndian.Uint32(cells[idx].payload)
}

// Get returns the value stored for key, if present.
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	id := t.root
	for {
		node, err := t.loadNode(id)
		if err != nil {
			return nil, false, err
		}
		cells := loadCells(node)
		if node.Type() == page.TypeBTreeLeaf {
			i := sort.Search(len(cells), func(i int) bool {
				return bytes.Compare(cells[i].key, key) >= 0
			})
			if i < len(cells) && bytes.Equal(cells[i].key, key) {
				return cells[i].payload, true, nil
			}
			return nil, false, nil
		}
		id = childPageID(node, cells, key)
	}
}

// pathEntry records one step of a root-to-leaf descent so Insert/Delete
// can walk back up to fix parents after a split or merge.
type pathEntry struct {
	pageID    uint32
	childSlot int // index of the child we descended through, -1 for leftmost
}

func (t *Tree) descend(key []byte) (leafID uint32, path []pathEntry, err error) {
	id := t.root
	for {
		node, err := t.loadNode(id)
		if err != nil {
			return 0, nil, err
		}
		if node.Type() == page.TypeBTreeLeaf {
			return id, path, nil
		}
		cells := loadCells(node)
		idx := childFor(cells, key)
		path = append(path, pathEntry{pageID: id, childSlot: idx})
		id = childPageID(node, cells, key)
	}
}

// Insert adds or overwrites the value for key.
func (t *Tree) Insert(key, value []byte) error {
	leafID, path, err := t.descend(key)
	if err != nil {
		return err
	}
	leaf, err := t.loadNode(leafID)
	if err != nil {
		return err
	}
	cells := loadCells(leaf)
	i := sort.Search(len(cells), func(i int) bool { return bytes.Compare(cells[i].key, key) >= 0 })
	if i < len(cells) && bytes.Equal(cells[i].key, key) {
		cells[i].payload = value
	} else {
		cells = append(cells, cell{})
		copy(cells[i+1:], cells[i:])
		cells[i] = cell{key: key, payload: value}
	}

	if err := storeCells(leaf, cells); err == nil {
		return t.pg.WritePage(leaf)
	}

	// Leaf overflowed: split it in half and propagate the separator up.
	mid := len(cells) / 2
	left := cells[:mid]
	right := cells[mid:]

	newLeaf, err := t.pg.AllocatePage(page.TypeBTreeLeaf)
	if err != nil {
		return err
	}
	newLeaf.SetNextPageID(leaf.NextPageID())
	newLeaf.SetPrevPageID(leaf.PageID())
	if err := storeCells(newLeaf, right); err != nil {
		return err
	}
	if err := t.pg.WritePage(newLeaf); err != nil {
		return err
	}

	if oldNext := leaf.NextPageID(); oldNext != 0 {
		nextNode, err := t.loadNode(oldNext)
		if err != nil {
			return err
		}
		nextNode.SetPrevPageID(newLeaf.PageID())
		if err := t.pg.WritePage(nextNode); err != nil {
			return err
		}
	}

	leaf.SetNextPageID(newLeaf.PageID())
	if err := storeCells(leaf, left); err != nil {
		return err
	}
	if err := t.pg.WritePage(leaf); err != nil {
		return err
	}

	return t.insertIntoParent(path, leaf.PageID(), right[0].key, newLeaf.PageID())
}

// insertIntoParent attaches a new right-hand child with separator sepKey
// to the parent named by the tail of path, splitting that parent in turn
// (recursively) if it overflows, or creating a new root if there is no
// parent.
func (t *Tree) insertIntoParent(path []pathEntry, leftChild uint32, sepKey []byte, rightChild uint32) error {
	if len(path) == 0 {
		return t.createNewRoot(leftChild, sepKey, rightChild)
	}

	parentEntry := path[len(path)-1]
	parent, err := t.loadNode(parentEntry.pageID)
	if err != nil {
		return err
	}
	cells := loadCells(parent)

	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, rightChild)
	newCell := cell{key: sepKey, payload: payload}

	insertAt := parentEntry.childSlot + 1
	cells = append(cells, cell{})
	copy(cells[insertAt+1:], cells[insertAt:])
	cells[insertAt] = newCell

	if err := storeCells(parent, cells); err == nil {
		return t.pg.WritePage(parent)
	}

	mid := len(cells) / 2
	promoted := cells[mid]
	left := cells[:mid]
	right := cells[mid+1:]

	newRight, err := t.pg.AllocatePage(page.TypeBTreeInternal)
	if err != nil {
		return err
	}
	newRight.SetNextPageID(binary.LittleEndian.Uint32(promoted.payload))
	if err := storeCells(newRight, right); err != nil {
		return err
	}
	if err := t.pg.WritePage(newRight); err != nil {
		return err
	}

	if err := storeCells(parent, left); err != nil {
		return err
	}
	if err := t.pg.WritePage(parent); err != nil {
		return err
	}

	return t.insertIntoParent(path[:len(path)-1], parent.PageID(), promoted.key, newRight.PageID())
}

func (t *Tree) createNewRoot(leftChild uint32, sepKey []byte, rightChild uint32) error {
	root, err := t.pg.AllocatePage(page.TypeBTreeInternal)
	if err != nil {
		return err
	}
	root.SetNextPageID(leftChild)
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, rightChild)
	if err := storeCells(root, []cell{{key: sepKey, payload: payload}}); err != nil {
		return err
	}
	if err := t.pg.WritePage(root); err != nil {
		return err
	}
	t.root = root.PageID()
	return nil
}

// Delete removes key, if present. It is a no-op if the key is absent.
func (t *Tree) Delete(key []byte) error {
	leafID, path, err := t.descend(key)
	if err != nil {
		return err
	}
	leaf, err := t.loadNode(leafID)
	if err != nil {
		return err
	}
	cells := loadCells(leaf)
	i := sort.Search(len(cells), func(i int) bool { return bytes.Compare(cells[i].key, key) >= 0 })
	if i >= len(cells) || !bytes.Equal(cells[i].key, key) {
		return nil
	}
	cells = append(cells[:i], cells[i+1:]...)
	if err := storeCells(leaf, cells); err != nil {
		return err
	}
	if err := t.pg.WritePage(leaf); err != nil {
		return err
	}

	if len(cells) > 0 || len(path) == 0 {
		return nil
	}
	return t.fixUnderflow(leaf.PageID(), path)
}

// fixUnderflow handles a node (child) that became completely empty after
// a delete: it is unlinked from its parent and freed, unless it is the
// parent's only child, in which case it stays in place. A parent left with
// no separator keys still routes every key to its one remaining child;
// if that parent is the root, the root collapses into the child. This is
// a simplification of classic
// B-tree rebalancing (borrow-from-sibling / merge-at-half-full) — with
// variable-length keys and values there is no single definition of "half
// full", so MonoDB only rebalances the degenerate case of a fully empty
// node, accepting more internal fragmentation than a strict half-full
// invariant in exchange for a merge rule simple enough to get right.
func (t *Tree) fixUnderflow(emptyChildID uint32, path []pathEntry) error {
	parentEntry := path[len(path)-1]
	parent, err := t.loadNode(parentEntry.pageID)
	if err != nil {
		return err
	}
	cells := loadCells(parent)

	if parentEntry.childSlot < 0 {
		// The empty child was the leftmost pointer; promote cells[0]'s
		// child to leftmost and drop cells[0].
		if len(cells) == 0 {
			// The empty child is the parent's only child: keep it.
			return nil
		}
		parent.SetNextPageID(binary.LittleEndian.Uint32(cells[0].payload))
		cells = cells[1:]
	} else {
		cells = append(cells[:parentEntry.childSlot], cells[parentEntry.childSlot+1:]...)
	}

	if err := storeCells(parent, cells); err != nil {
		return err
	}
	if err := t.pg.WritePage(parent); err != nil {
		return err
	}
	if err := t.pg.FreePage(emptyChildID); err != nil {
		return err
	}

	if len(cells) > 0 {
		return nil
	}

	if len(path) == 1 {
		// The root is now a childless internal node with a single
		// leftmost pointer: that pointer becomes the new root.
		t.root = parent.NextPageID()
		return t.pg.FreePage(parent.PageID())
	}
	// A non-root parent with no separator keys left still holds its
	// leftmost child, so it stays in place.
	return nil
}

// Cursor walks leaf entries in ascending key order starting at the first
// key >= start (or the first key overall, if start is nil).
type Cursor struct {
	tree    *Tree
	node    *page.Page
	cells   []cell
	idx     int
	atStart bool
}

// NewCursor positions a forward-scanning cursor at the first key >= start.
func (t *Tree) NewCursor(start []byte) (*Cursor, error) {
	id := t.root
	for {
		node, err := t.loadNode(id)
		if err != nil {
			return nil, err
		}
		if node.Type() == page.TypeBTreeLeaf {
			cells := loadCells(node)
			idx := 0
			if start != nil {
				idx = sort.Search(len(cells), func(i int) bool { return bytes.Compare(cells[i].key, start) >= 0 })
			}
			return &Cursor{tree: t, node: node, cells: cells, idx: idx}, nil
		}
		cells := loadCells(node)
		if start == nil {
			id = node.NextPageID()
			continue
		}
		id = childPageID(node, cells, start)
	}
}

// Next returns the current (key, value) pair and advances, or reports
// false once the scan is exhausted.
func (c *Cursor) Next() (key, value []byte, ok bool, err error) {
	for {
		if c.idx < len(c.cells) {
			cell := c.cells[c.idx]
			c.idx++
			return cell.key, cell.payload, true, nil
		}
		next := c.node.NextPageID()
		if next == 0 {
			return nil, nil, false, nil
		}
		node, err := c.tree.loadNode(next)
		if err != nil {
			return nil, nil, false, err
		}
		c.node = node
		c.cells = loadCells(node)
		c.idx = 0
	}
}
