// Package stream multiplexes logical byte streams over the page store.
// A stream is a doubly linked chain of fixed-size blocks, one block per
// page, with exactly one block resident in memory at a time. Managers
// hand out streams and keep the registry that maps identities to chains.
package stream

import (
	"github.com/google/uuid"

	"github.com/kartikbazzad/vaultfile/internal/errors"
	"github.com/kartikbazzad/vaultfile/internal/page"
)

// block header: tag(1) stream(16) position(8) length(4) next(8) previous(8)
const blockHeaderSize = 45

// Block is one link of a stream chain, backed by a single page.
type Block struct {
	Page     uint64
	Stream   uuid.UUID
	Position uint64 // index within the chain
	Next     uint64 // page of the following block, NilPage at the tail
	Previous uint64 // page of the preceding block, NilPage at the head
	Length   int    // used bytes in Data
	Data     []byte // fixed capacity buffer
}

// NilPage marks an absent chain link.
const NilPage = ^uint64(0)

// BlockCapacity is the data payload one block holds at a pager's page size.
func BlockCapacity(dataSize int) int {
	return dataSize - blockHeaderSize
}

func newBlock(pageID uint64, stream uuid.UUID, position uint64, capacity int) *Block {
	return &Block{
		Page:     pageID,
		Stream:   stream,
		Position: position,
		Next:     NilPage,
		Previous: NilPage,
		Data:     make([]byte, capacity),
	}
}

func encodeBlock(b *Block) []byte {
	buf := make([]byte, blockHeaderSize+len(b.Data))
	buf[0] = page.TagBlock
	copy(buf[1:17], b.Stream[:])
	bePutUint64(buf[17:25], b.Position)
	bePutUint32(buf[25:29], uint32(b.Length))
	bePutUint64(buf[29:37], b.Next)
	bePutUint64(buf[37:45], b.Previous)
	copy(buf[blockHeaderSize:], b.Data)
	return buf
}

func decodeBlock(pageID uint64, buf []byte, capacity int) (*Block, error) {
	if len(buf) < blockHeaderSize+capacity || buf[0] != page.TagBlock {
		return nil, errors.ErrCorruptRecord
	}
	b := &Block{
		Page:     pageID,
		Position: beUint64(buf[17:25]),
		Length:   int(beUint32(buf[25:29])),
		Next:     beUint64(buf[29:37]),
		Previous: beUint64(buf[37:45]),
		Data:     append([]byte(nil), buf[blockHeaderSize:blockHeaderSize+capacity]...),
	}
	copy(b.Stream[:], buf[1:17])
	if b.Length > capacity {
		return nil, errors.ErrCorruptRecord
	}
	return b, nil
}
