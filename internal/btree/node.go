// Package btree implements the fixed-key B+Trees the container indexes
// its records with. Trees operate over a page.Pager, so the same code
// serves durable container pages, stream-backed pages and the in-memory
// pager used for registry rebuilds.
//
// Keys are fixed 16 bytes (UUID sized) and values are fixed width per
// tree. All records live in leaves; internal nodes only route. Leaves are
// chained left to right for ordered traversal.
package btree

import (
	"bytes"

	"github.com/kartikbazzad/vaultfile/internal/errors"
	"github.com/kartikbazzad/vaultfile/internal/page"
)

// KeySize is the fixed width of every tree key.
const KeySize = 16

// Key is a fixed-width tree key.
type Key [KeySize]byte

// nilPage marks an absent page reference. Page 0 is a valid page in some
// pagers, so zero cannot serve as the null pointer.
const nilPage = ^uint64(0)

// node header: tag(1) treeID(4) count(2) next(8)
const nodeHeaderSize = 15

type node struct {
	id       uint64
	leaf     bool
	next     uint64 // right sibling, leaves only
	keys     []Key
	values   [][]byte // leaves: one fixed-width value per key
	children []uint64 // internal: len(keys)+1 routes
}

func compareKeys(a, b Key) int {
	return bytes.Compare(a[:], b[:])
}

// searchKeys returns the index of k, or the index it would be inserted at.
func searchKeys(keys []Key, k Key) (int, bool) {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := (lo + hi) / 2
		switch compareKeys(keys[mid], k) {
		case -1:
			lo = mid + 1
		case 1:
			hi = mid
		default:
			return mid, true
		}
	}
	return lo, false
}

func (t *Tree) encodeNode(n *node) []byte {
	buf := make([]byte, t.pager.PageDataSize())
	if n.leaf {
		buf[0] = page.TagLeaf
	} else {
		buf[0] = page.TagInternal
	}
	bePutUint32(buf[1:5], t.id)
	bePutUint16(buf[5:7], uint16(len(n.keys)))
	bePutUint64(buf[7:15], n.next)

	off := nodeHeaderSize
	if n.leaf {
		for i, k := range n.keys {
			copy(buf[off:], k[:])
			off += KeySize
			copy(buf[off:], n.values[i])
			off += t.slotSize
		}
		return buf
	}
	bePutUint64(buf[off:], n.children[0])
	off += 8
	for i, k := range n.keys {
		copy(buf[off:], k[:])
		off += KeySize
		bePutUint64(buf[off:], n.children[i+1])
		off += 8
	}
	return buf
}

func (t *Tree) decodeNode(id uint64, buf []byte) (*node, error) {
	if len(buf) < nodeHeaderSize {
		return nil, errors.ErrCorruptRecord
	}
	if buf[0] != page.TagLeaf && buf[0] != page.TagInternal {
		return nil, errors.ErrCorruptRecord
	}
	if beUint32(buf[1:5]) != t.id {
		return nil, errors.ErrCorruptRecord
	}

	n := &node{
		id:   id,
		leaf: buf[0] == page.TagLeaf,
		next: beUint64(buf[7:15]),
	}
	count := int(beUint16(buf[5:7]))
	off := nodeHeaderSize

	if n.leaf {
		if off+count*(KeySize+t.slotSize) > len(buf) {
			return nil, errors.ErrCorruptRecord
		}
		n.keys = make([]Key, count)
		n.values = make([][]byte, count)
		for i := 0; i < count; i++ {
			copy(n.keys[i][:], buf[off:off+KeySize])
			off += KeySize
			n.values[i] = append([]byte(nil), buf[off:off+t.slotSize]...)
			off += t.slotSize
		}
		return n, nil
	}

	if off+8+count*(KeySize+8) > len(buf) {
		return nil, errors.ErrCorruptRecord
	}
	n.keys = make([]Key, count)
	n.children = make([]uint64, count+1)
	n.children[0] = beUint64(buf[off : off+8])
	off += 8
	for i := 0; i < count; i++ {
		copy(n.keys[i][:], buf[off:off+KeySize])
		off += KeySize
		n.children[i+1] = beUint64(buf[off : off+8])
		off += 8
	}
	return n, nil
}

func (t *Tree) readNode(id uint64) (*node, error) {
	buf, err := t.pager.ReadPage(id)
	if err != nil {
		return nil, err
	}
	return t.decodeNode(id, buf)
}

func (t *Tree) writeNode(n *node) error {
	return t.pager.WritePage(n.id, t.encodeNode(n))
}
