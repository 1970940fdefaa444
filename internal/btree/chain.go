package btree

import (
	"github.com/kartikbazzad/vaultfile/internal/errors"
	"github.com/kartikbazzad/vaultfile/internal/page"
)

// Byte chains back every record too wide for its leaf slot: the slot keeps
// a head pointer and the bytes live in linked TagData pages. Both tree
// variants share this layout, so the analyzer and repair scans only ever
// meet one kind of overflow page.

func chainCapacity(dataSize int) int {
	return dataSize - chainHeaderSize
}

// writeByteChain stores data in a fresh chain, pages written back to front
// so each one knows its successor. Returns the head page.
func writeByteChain(p page.Pager, data []byte) (uint64, error) {
	if len(data) == 0 {
		return nilPage, nil
	}
	per := chainCapacity(p.PageDataSize())
	head := nilPage
	for end := len(data); end > 0; {
		start := end - end%per
		if start == end {
			start = end - per
		}
		if start < 0 {
			start = 0
		}
		chunk := data[start:end]

		id, err := p.AllocatePage()
		if err != nil {
			return nilPage, err
		}
		buf := make([]byte, p.PageDataSize())
		buf[0] = page.TagData
		bePutUint64(buf[1:9], head)
		bePutUint32(buf[9:13], uint32(len(chunk)))
		copy(buf[chainHeaderSize:], chunk)
		if err := p.WritePage(id, buf); err != nil {
			return nilPage, err
		}
		head = id
		end = start
	}
	return head, nil
}

// readByteChain reassembles a chain into a record of the expected size.
func readByteChain(p page.Pager, head uint64, size int) ([]byte, error) {
	out := make([]byte, 0, size)
	for head != nilPage {
		buf, err := p.ReadPage(head)
		if err != nil {
			return nil, err
		}
		if len(buf) < chainHeaderSize || buf[0] != page.TagData {
			return nil, errors.ErrCorruptRecord
		}
		next := beUint64(buf[1:9])
		count := int(beUint32(buf[9:13]))
		if count < 0 || chainHeaderSize+count > len(buf) {
			return nil, errors.ErrCorruptRecord
		}
		out = append(out, buf[chainHeaderSize:chainHeaderSize+count]...)
		head = next
	}
	if len(out) != size {
		return nil, errors.ErrCorruptRecord
	}
	return out, nil
}

// freeByteChain releases every page of a chain.
func freeByteChain(p page.Pager, head uint64) error {
	for head != nilPage {
		buf, err := p.ReadPage(head)
		if err != nil {
			return err
		}
		next := beUint64(buf[1:9])
		if err := p.FreePage(head); err != nil {
			return err
		}
		head = next
	}
	return nil
}
