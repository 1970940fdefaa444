package stream

import (
	"io"

	"github.com/kartikbazzad/vaultfile/internal/errors"
)

// VirtualFileObject gives a stream the surface of a random access file:
// Read, Write, Seek, Truncate, Flush and Close. Only the stream's resident
// block is held in memory, so files far larger than RAM stay cheap.
type VirtualFileObject struct {
	stream   *Stream
	name     string
	writable bool
	pos      uint64
	closed   bool
}

// NewFile wraps a stream for reading.
func NewFile(s *Stream, name string) *VirtualFileObject {
	return &VirtualFileObject{stream: s, name: name}
}

// NewFileWriter wraps a stream for reading and writing.
func NewFileWriter(s *Stream, name string) *VirtualFileObject {
	return &VirtualFileObject{stream: s, name: name, writable: true}
}

func (f *VirtualFileObject) Name() string {
	return f.name
}

// Size returns the current byte length of the underlying stream.
func (f *VirtualFileObject) Size() uint64 {
	return f.stream.Length()
}

// Read fills p from the current position. Returns io.EOF at end of stream.
func (f *VirtualFileObject) Read(p []byte) (int, error) {
	if f.closed {
		return 0, errors.ErrClosed
	}
	capacity := uint64(f.stream.Capacity())
	n := 0
	for n < len(p) && f.pos < f.stream.Length() {
		if err := f.stream.Wind(f.pos / capacity); err != nil {
			return n, err
		}
		blk := f.stream.Current()
		off := int(f.pos % capacity)
		if off >= blk.Length {
			break
		}
		c := copy(p[n:], blk.Data[off:blk.Length])
		n += c
		f.pos += uint64(c)
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// ReadAll returns everything from the current position to the end.
func (f *VirtualFileObject) ReadAll() ([]byte, error) {
	if f.closed {
		return nil, errors.ErrClosed
	}
	remaining := f.stream.Length() - f.pos
	out := make([]byte, remaining)
	n := 0
	for uint64(n) < remaining {
		c, err := f.Read(out[n:])
		if err != nil {
			return out[:n], err
		}
		n += c
	}
	return out, nil
}

// Write stores p at the current position, extending the stream as needed.
func (f *VirtualFileObject) Write(p []byte) (int, error) {
	if f.closed {
		return 0, errors.ErrClosed
	}
	if !f.writable {
		return 0, errors.ErrNotFile
	}
	capacity := uint64(f.stream.Capacity())
	n := 0
	for n < len(p) {
		idx := f.pos / capacity
		if idx >= f.stream.BlockCount() {
			if err := f.stream.Extend(); err != nil {
				return n, err
			}
		}
		if err := f.stream.Wind(idx); err != nil {
			return n, err
		}
		blk := f.stream.Current()
		off := int(f.pos % capacity)
		c := copy(blk.Data[off:], p[n:])
		if off+c > blk.Length {
			blk.Length = off + c
		}
		f.stream.MarkDirty()
		n += c
		f.pos += uint64(c)
		if f.pos > f.stream.Length() {
			f.stream.SetLength(f.pos)
		}
	}
	return n, nil
}

// Seek moves the position, clamping the target into [0, length].
func (f *VirtualFileObject) Seek(offset int64, whence int) (int64, error) {
	if f.closed {
		return 0, errors.ErrClosed
	}
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(f.pos) + offset
	case io.SeekEnd:
		abs = int64(f.stream.Length()) + offset
	default:
		return 0, errors.ErrStreamRange
	}
	if abs < 0 {
		abs = 0
	}
	if end := int64(f.stream.Length()); abs > end {
		abs = end
	}
	f.pos = uint64(abs)
	return abs, nil
}

// Truncate cuts the stream at the current position.
func (f *VirtualFileObject) Truncate() error {
	if f.closed {
		return errors.ErrClosed
	}
	if !f.writable {
		return errors.ErrNotFile
	}
	return f.stream.Truncate(f.pos)
}

// Flush writes the resident block back.
func (f *VirtualFileObject) Flush() error {
	if f.closed {
		return errors.ErrClosed
	}
	return f.stream.Save()
}

// Close flushes and detaches. The stream itself stays open.
func (f *VirtualFileObject) Close() error {
	if f.closed {
		return nil
	}
	if err := f.stream.Save(); err != nil {
		return err
	}
	f.closed = true
	return nil
}
