package page

import (
	"encoding/binary"

	"github.com/kartikbazzad/vaultfile/internal/errors"
)

// FreeList tracks reclaimable page numbers.
//
// Policy is LIFO: the most recently freed page is reused first. That keeps
// both operations O(1) and makes allocation deterministic, at the cost of
// not packing ranges. A page is either on the list or owned by exactly one
// structure; Push de-duplicates to protect that invariant.
type FreeList struct {
	items []uint64
	set   map[uint64]struct{}
}

func NewFreeList() *FreeList {
	return &FreeList{set: make(map[uint64]struct{})}
}

func (f *FreeList) Push(id uint64) {
	if _, ok := f.set[id]; ok {
		return
	}
	f.items = append(f.items, id)
	f.set[id] = struct{}{}
}

// Pop returns the most recently freed page, if any.
func (f *FreeList) Pop() (uint64, bool) {
	if len(f.items) == 0 {
		return 0, false
	}
	id := f.items[len(f.items)-1]
	f.items = f.items[:len(f.items)-1]
	delete(f.set, id)
	return id, true
}

// Remove drops a specific page from the list. Used when replay shows a
// committed transaction already consumed it.
func (f *FreeList) Remove(id uint64) {
	if _, ok := f.set[id]; !ok {
		return
	}
	delete(f.set, id)
	for i, v := range f.items {
		if v == id {
			f.items = append(f.items[:i], f.items[i+1:]...)
			return
		}
	}
}

func (f *FreeList) Contains(id uint64) bool {
	_, ok := f.set[id]
	return ok
}

func (f *FreeList) Len() int {
	return len(f.items)
}

// perPage is how many page ids fit in one freelist chain page.
func freelistPerPage(dataSize int) int {
	return (dataSize - freelistHeaderSize) / 8
}

const freelistHeaderSize = 1 + 8 + 4 // tag, next pointer, count

// encodeChainPage serializes one chunk of the list into a page buffer.
func encodeChainPage(dataSize int, next uint64, ids []uint64) []byte {
	buf := make([]byte, dataSize)
	buf[0] = TagFreelist
	binary.BigEndian.PutUint64(buf[1:9], next)
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(ids)))
	off := freelistHeaderSize
	for _, id := range ids {
		binary.BigEndian.PutUint64(buf[off:off+8], id)
		off += 8
	}
	return buf
}

// decodeChainPage returns the next pointer and the ids held by one page.
func decodeChainPage(buf []byte) (uint64, []uint64, error) {
	if len(buf) < freelistHeaderSize || buf[0] != TagFreelist {
		return 0, nil, errors.ErrCorruptRecord
	}
	next := binary.BigEndian.Uint64(buf[1:9])
	count := int(binary.BigEndian.Uint32(buf[9:13]))
	if freelistHeaderSize+count*8 > len(buf) {
		return 0, nil, errors.ErrCorruptRecord
	}
	ids := make([]uint64, count)
	off := freelistHeaderSize
	for i := 0; i < count; i++ {
		ids[i] = binary.BigEndian.Uint64(buf[off : off+8])
		off += 8
	}
	return next, ids, nil
}
