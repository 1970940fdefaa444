package btree

import (
	"bytes"

	"github.com/kartikbazzad/vaultfile/internal/errors"
	"github.com/kartikbazzad/vaultfile/internal/page"
)

// MultiTree maps each key to an unordered collection of fixed-width items.
// The tree itself stores a 12-byte record per key, a head pointer plus an
// item count; items live in a chain of overflow pages so one key can hold
// far more than a node can.
type MultiTree struct {
	tree     *Tree
	itemSize int
	perPage  int
}

const multiRecordSize = 12 // head pointer(8) count(4)

// chain page header: tag(1) next(8) count(4)
const chainHeaderSize = 13

// NewMulti creates an empty multi-value tree.
func NewMulti(p page.Pager, id uint32, itemSize, order int) (*MultiTree, error) {
	t, err := New(p, id, multiRecordSize, order)
	if err != nil {
		return nil, err
	}
	return wrapMulti(t, itemSize)
}

// LoadMulti attaches to an existing multi-value tree.
func LoadMulti(p page.Pager, id uint32, itemSize, order int, root uint64) (*MultiTree, error) {
	t, err := Load(p, id, multiRecordSize, order, root)
	if err != nil {
		return nil, err
	}
	return wrapMulti(t, itemSize)
}

func wrapMulti(t *Tree, itemSize int) (*MultiTree, error) {
	perPage := (t.pager.PageDataSize() - chainHeaderSize) / itemSize
	if itemSize <= 0 || perPage < 1 {
		return nil, errors.ErrInvalidFormat
	}
	return &MultiTree{tree: t, itemSize: itemSize, perPage: perPage}, nil
}

func (m *MultiTree) Root() uint64 {
	return m.tree.Root()
}

func (m *MultiTree) record(head uint64, count int) []byte {
	buf := make([]byte, multiRecordSize)
	bePutUint64(buf[0:8], head)
	bePutUint32(buf[8:12], uint32(count))
	return buf
}

func (m *MultiTree) decodeRecord(buf []byte) (uint64, int) {
	return beUint64(buf[0:8]), int(beUint32(buf[8:12]))
}

// Insert stores a fresh collection. Fails with ErrKeyExists on a duplicate.
func (m *MultiTree) Insert(key Key, items [][]byte) error {
	for _, it := range items {
		if len(it) != m.itemSize {
			return errors.ErrInvalidFormat
		}
	}
	if _, err := m.tree.Get(key); err == nil {
		return errors.ErrKeyExists
	}
	head, err := m.writeChain(items)
	if err != nil {
		return err
	}
	return m.tree.Insert(key, m.record(head, len(items)))
}

// Get loads the full collection under key. An absent key yields an empty
// collection, not an error; absence is an ordinary state here.
func (m *MultiTree) Get(key Key) ([][]byte, error) {
	rec, err := m.tree.Get(key)
	if err == errors.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	head, count := m.decodeRecord(rec)
	items := make([][]byte, 0, count)
	err = m.walkChain(head, func(item []byte) error {
		items = append(items, append([]byte(nil), item...))
		return nil
	})
	return items, err
}

// Update applies a set delta: items in deletions leave the collection,
// insertions join it. The chain is rewritten in place of the old one.
func (m *MultiTree) Update(key Key, insertions, deletions [][]byte) error {
	for _, it := range insertions {
		if len(it) != m.itemSize {
			return errors.ErrInvalidFormat
		}
	}
	rec, err := m.tree.Get(key)
	if err != nil {
		return err
	}
	head, _ := m.decodeRecord(rec)

	var items [][]byte
	err = m.walkChain(head, func(item []byte) error {
		for _, del := range deletions {
			if bytes.Equal(item, del) {
				return nil
			}
		}
		items = append(items, append([]byte(nil), item...))
		return nil
	})
	if err != nil {
		return err
	}
	items = append(items, insertions...)

	if err := freeByteChain(m.tree.pager, head); err != nil {
		return err
	}
	newHead, err := m.writeChain(items)
	if err != nil {
		return err
	}
	return m.tree.Update(key, m.record(newHead, len(items)))
}

// Delete removes the key and releases its overflow chain.
func (m *MultiTree) Delete(key Key) error {
	rec, err := m.tree.Get(key)
	if err != nil {
		return err
	}
	head, _ := m.decodeRecord(rec)
	if err := freeByteChain(m.tree.pager, head); err != nil {
		return err
	}
	return m.tree.Delete(key)
}

// Traverse streams the collection under key one item at a time, loading a
// single chain page into memory at once. Absent keys visit nothing.
func (m *MultiTree) Traverse(key Key, fn func(item []byte) error) error {
	rec, err := m.tree.Get(key)
	if err == errors.ErrKeyNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	head, _ := m.decodeRecord(rec)
	return m.walkChain(head, fn)
}

// Count returns the collection size without touching the chain. Absent
// keys count zero.
func (m *MultiTree) Count(key Key) (int, error) {
	rec, err := m.tree.Get(key)
	if err == errors.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	_, count := m.decodeRecord(rec)
	return count, nil
}

// TraverseKeys visits every key and its collection size in key order.
func (m *MultiTree) TraverseKeys(fn func(key Key, count int) error) error {
	return m.tree.Traverse(func(k Key, rec []byte) error {
		_, count := m.decodeRecord(rec)
		return fn(k, count)
	})
}

func (m *MultiTree) walkChain(head uint64, fn func(item []byte) error) error {
	for head != nilPage {
		buf, err := m.tree.pager.ReadPage(head)
		if err != nil {
			return err
		}
		if buf[0] != page.TagData {
			return errors.ErrCorruptRecord
		}
		next := beUint64(buf[1:9])
		count := int(beUint32(buf[9:13]))
		if chainHeaderSize+count*m.itemSize > len(buf) {
			return errors.ErrCorruptRecord
		}
		off := chainHeaderSize
		for i := 0; i < count; i++ {
			if err := fn(buf[off : off+m.itemSize]); err != nil {
				return err
			}
			off += m.itemSize
		}
		head = next
	}
	return nil
}

func (m *MultiTree) writeChain(items [][]byte) (uint64, error) {
	if len(items) == 0 {
		return nilPage, nil
	}
	// Pages are written back to front so each one knows its successor.
	head := nilPage
	for end := len(items); end > 0; {
		start := end - end%m.perPage
		if start == end {
			start = end - m.perPage
		}
		chunk := items[start:end]

		id, err := m.tree.pager.AllocatePage()
		if err != nil {
			return nilPage, err
		}
		buf := make([]byte, m.tree.pager.PageDataSize())
		buf[0] = page.TagData
		bePutUint64(buf[1:9], head)
		bePutUint32(buf[9:13], uint32(len(chunk)))
		off := chainHeaderSize
		for _, it := range chunk {
			copy(buf[off:], it)
			off += m.itemSize
		}
		if err := m.tree.pager.WritePage(id, buf); err != nil {
			return nilPage, err
		}
		head = id
		end = start
	}
	return head, nil
}

