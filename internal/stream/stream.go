package stream

import (
	"github.com/google/uuid"

	"github.com/kartikbazzad/vaultfile/internal/errors"
	"github.com/kartikbazzad/vaultfile/internal/page"
)

// recordSize is the serialized stream descriptor: begin, end, block count
// and byte length.
const recordSize = 32

// Stream is one logical byte sequence inside the container. Exactly one
// block is resident; navigation flushes it before loading another.
type Stream struct {
	pager    page.Pager
	identity uuid.UUID
	capacity int

	begin  uint64
	end    uint64
	count  uint64
	length uint64

	block *Block
	dirty bool
}

// New returns an empty stream with no blocks yet.
func New(p page.Pager, identity uuid.UUID) *Stream {
	return &Stream{
		pager:    p,
		identity: identity,
		capacity: BlockCapacity(p.PageDataSize()),
		begin:    NilPage,
		end:      NilPage,
	}
}

// Open attaches to a stored stream and loads its head block.
func Open(p page.Pager, identity uuid.UUID, record []byte) (*Stream, error) {
	s := New(p, identity)
	if err := s.setRecord(record); err != nil {
		return nil, err
	}
	if s.count > 0 {
		blk, err := s.loadBlock(s.begin)
		if err != nil {
			return nil, err
		}
		s.block = blk
	}
	return s, nil
}

func (s *Stream) setRecord(record []byte) error {
	if len(record) != recordSize {
		return errors.ErrRegistryInconsistent
	}
	s.begin = beUint64(record[0:8])
	s.end = beUint64(record[8:16])
	s.count = beUint64(record[16:24])
	s.length = beUint64(record[24:32])
	return nil
}

// Record serializes the stream descriptor for the registry.
func (s *Stream) Record() []byte {
	buf := make([]byte, recordSize)
	bePutUint64(buf[0:8], s.begin)
	bePutUint64(buf[8:16], s.end)
	bePutUint64(buf[16:24], s.count)
	bePutUint64(buf[24:32], s.length)
	return buf
}

func (s *Stream) Identity() uuid.UUID { return s.identity }
func (s *Stream) Length() uint64      { return s.length }
func (s *Stream) BlockCount() uint64  { return s.count }
func (s *Stream) Capacity() int       { return s.capacity }

// Current returns the resident block, nil for an empty stream. Callers
// mutating Data or Length must MarkDirty.
func (s *Stream) Current() *Block {
	return s.block
}

// MarkDirty flags the resident block for write-back.
func (s *Stream) MarkDirty() {
	s.dirty = true
}

// SetLength records the stream's byte length after a tail write.
func (s *Stream) SetLength(n uint64) {
	s.length = n
}

func (s *Stream) loadBlock(pageID uint64) (*Block, error) {
	buf, err := s.pager.ReadPage(pageID)
	if err != nil {
		return nil, err
	}
	blk, err := decodeBlock(pageID, buf, s.capacity)
	if err != nil {
		return nil, err
	}
	if blk.Stream != s.identity {
		return nil, errors.ErrRegistryInconsistent
	}
	return blk, nil
}

// Save writes the resident block back if it changed.
func (s *Stream) Save() error {
	if !s.dirty || s.block == nil {
		return nil
	}
	if err := s.pager.WritePage(s.block.Page, encodeBlock(s.block)); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// Next moves to the following block. Returns false at the tail.
func (s *Stream) Next() (bool, error) {
	if s.block == nil || s.block.Next == NilPage {
		return false, nil
	}
	if err := s.Save(); err != nil {
		return false, err
	}
	blk, err := s.loadBlock(s.block.Next)
	if err != nil {
		return false, err
	}
	s.block = blk
	return true, nil
}

// Previous moves to the preceding block. Returns false at the head.
func (s *Stream) Previous() (bool, error) {
	if s.block == nil || s.block.Previous == NilPage {
		return false, nil
	}
	if err := s.Save(); err != nil {
		return false, err
	}
	blk, err := s.loadBlock(s.block.Previous)
	if err != nil {
		return false, err
	}
	s.block = blk
	return true, nil
}

// Extend appends a fresh block at the tail and makes it resident.
func (s *Stream) Extend() error {
	if err := s.Save(); err != nil {
		return err
	}
	pageID, err := s.pager.AllocatePage()
	if err != nil {
		return err
	}
	blk := newBlock(pageID, s.identity, s.count, s.capacity)

	if s.count == 0 {
		s.begin = pageID
	} else {
		blk.Previous = s.end
		tail := s.block
		if tail == nil || tail.Page != s.end {
			tail, err = s.loadBlock(s.end)
			if err != nil {
				return err
			}
		}
		tail.Next = pageID
		if err := s.pager.WritePage(tail.Page, encodeBlock(tail)); err != nil {
			return err
		}
	}
	s.end = pageID
	s.count++
	s.block = blk
	s.dirty = true
	return nil
}

// Push appends a block already filled with data, leaving the resident
// block in place unless the stream was empty.
func (s *Stream) Push(data []byte) error {
	if len(data) > s.capacity {
		return errors.ErrStreamRange
	}
	resident := s.block
	if err := s.Extend(); err != nil {
		return err
	}
	copy(s.block.Data, data)
	s.block.Length = len(data)
	s.length += uint64(len(data))
	if err := s.Save(); err != nil {
		return err
	}
	if resident != nil {
		// Extend moved residency to the tail; move back.
		blk, err := s.loadBlock(resident.Page)
		if err != nil {
			return err
		}
		s.block = blk
	}
	return nil
}

// Pop removes the tail block and returns its page to the store.
func (s *Stream) Pop() error {
	if s.count == 0 {
		return errors.ErrStreamRange
	}
	if err := s.Save(); err != nil {
		return err
	}
	last := s.block
	if last == nil || last.Page != s.end {
		var err error
		last, err = s.loadBlock(s.end)
		if err != nil {
			return err
		}
	}
	residentPopped := s.block != nil && s.block.Page == last.Page

	if err := s.pager.FreePage(last.Page); err != nil {
		return err
	}
	s.length -= uint64(last.Length)
	s.count--

	if s.count == 0 {
		s.begin, s.end = NilPage, NilPage
		s.block = nil
		s.dirty = false
		return nil
	}

	tail, err := s.loadBlock(last.Previous)
	if err != nil {
		return err
	}
	tail.Next = NilPage
	if err := s.pager.WritePage(tail.Page, encodeBlock(tail)); err != nil {
		return err
	}
	s.end = tail.Page
	if residentPopped || (s.block != nil && s.block.Page == tail.Page) {
		s.block = tail
		s.dirty = false
	}
	return nil
}

// Truncate shrinks the stream to size bytes, releasing surplus blocks.
func (s *Stream) Truncate(size uint64) error {
	if size > s.length {
		return errors.ErrStreamRange
	}
	if size == 0 {
		for s.count > 0 {
			if err := s.Pop(); err != nil {
				return err
			}
		}
		s.length = 0
		return nil
	}

	needed := (size + uint64(s.capacity) - 1) / uint64(s.capacity)
	for s.count > needed {
		if err := s.Pop(); err != nil {
			return err
		}
	}
	if err := s.Wind(needed - 1); err != nil {
		return err
	}
	s.block.Length = int(size - (needed-1)*uint64(s.capacity))
	s.dirty = true
	s.length = size
	return s.Save()
}

// Wind positions the resident block at the given chain index.
func (s *Stream) Wind(position uint64) error {
	if position >= s.count {
		return errors.ErrStreamRange
	}
	if s.block == nil {
		blk, err := s.loadBlock(s.begin)
		if err != nil {
			return err
		}
		s.block = blk
	}
	for s.block.Position < position {
		ok, err := s.Next()
		if err != nil {
			return err
		}
		if !ok {
			return errors.ErrStreamRange
		}
	}
	for s.block.Position > position {
		ok, err := s.Previous()
		if err != nil {
			return err
		}
		if !ok {
			return errors.ErrStreamRange
		}
	}
	return nil
}

// Reclaim walks the whole chain and frees every block. The stream is
// unusable afterwards.
func (s *Stream) Reclaim() error {
	if err := s.Save(); err != nil {
		return err
	}
	pageID := s.begin
	for pageID != NilPage {
		blk, err := s.loadBlock(pageID)
		if err != nil {
			return err
		}
		if err := s.pager.FreePage(pageID); err != nil {
			return err
		}
		pageID = blk.Next
	}
	s.begin, s.end = NilPage, NilPage
	s.count, s.length = 0, 0
	s.block = nil
	s.dirty = false
	return nil
}
