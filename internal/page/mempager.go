package page

import (
	"github.com/kartikbazzad/vaultfile/internal/errors"
)

// MemPager is a Pager backed by plain memory. The registry keeps its
// lookup tree in one of these, rebuilt at open and serialized back into
// its stream at checkpoint. Tests use it to exercise tree logic without
// a container file.
type MemPager struct {
	pages    map[uint64][]byte
	free     *FreeList
	count    uint64
	dataSize int
}

func NewMemPager(dataSize int) *MemPager {
	return &MemPager{
		pages:    make(map[uint64][]byte),
		free:     NewFreeList(),
		dataSize: dataSize,
	}
}

func (m *MemPager) ReadPage(id uint64) ([]byte, error) {
	buf, ok := m.pages[id]
	if !ok {
		return nil, errors.ErrFileRead
	}
	return cloneBytes(buf), nil
}

func (m *MemPager) WritePage(id uint64, data []byte) error {
	if len(data) > m.dataSize {
		return errors.ErrFileWrite
	}
	buf := make([]byte, m.dataSize)
	copy(buf, data)
	m.pages[id] = buf
	return nil
}

func (m *MemPager) AllocatePage() (uint64, error) {
	if id, ok := m.free.Pop(); ok {
		return id, nil
	}
	id := m.count
	m.count++
	return id, nil
}

func (m *MemPager) FreePage(id uint64) error {
	delete(m.pages, id)
	m.free.Push(id)
	return nil
}

func (m *MemPager) PageDataSize() int {
	return m.dataSize
}

func (m *MemPager) PageCount() uint64 {
	return m.count
}
