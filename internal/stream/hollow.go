package stream

import (
	"github.com/kartikbazzad/vaultfile/internal/errors"
	"github.com/kartikbazzad/vaultfile/internal/page"
)

// HollowStreamManager is a stream manager with no container behind it:
// blocks live in an in-memory pager and vanish on Close. It exists to
// hammer the stream and file logic in tests and fuzz runs without paying
// for encryption or disk.
type HollowStreamManager struct {
	pager    *page.MemPager
	specials []*Stream
	closed   bool
}

// NewHollowStreamManager builds an in-memory manager with one special
// stream per index up to count.
func NewHollowStreamManager(pageDataSize, count int) (*HollowStreamManager, error) {
	if count < 1 || BlockCapacity(pageDataSize) < 1 {
		return nil, errors.ErrStreamRange
	}
	m := &HollowStreamManager{pager: page.NewMemPager(pageDataSize)}
	for i := 0; i < count; i++ {
		m.specials = append(m.specials, New(m.pager, specialIdentity(i)))
	}
	return m, nil
}

// SpecialStream returns one of the in-memory streams by index.
func (m *HollowStreamManager) SpecialStream(index int) (*Stream, error) {
	if m.closed {
		return nil, errors.ErrClosed
	}
	if index < 0 || index >= len(m.specials) {
		return nil, errors.ErrStreamRange
	}
	return m.specials[index], nil
}

// StreamCount returns the number of special streams.
func (m *HollowStreamManager) StreamCount() int {
	return len(m.specials)
}

// Close discards everything.
func (m *HollowStreamManager) Close() error {
	m.closed = true
	return nil
}
