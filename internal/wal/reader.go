// Package wal implements the write-ahead log for the page store.
//
// Reader provides:
//   - Sequential frame reading
//   - CRC32 checksum validation
//   - Corruption detection (returns error)
//   - Truncated file handling (returns nil frame)
//
// Thread safety: not thread-safe; the engine is single-writer by contract.
package wal

import (
	"io"
	"os"

	"github.com/kartikbazzad/vaultfile/internal/errors"
	"github.com/kartikbazzad/vaultfile/internal/logger"
)

// Reader manages sequential frame reading during recovery and checkpoint.
type Reader struct {
	file   *os.File
	path   string
	offset int64
	logger *logger.Logger
}

func NewReader(path string, log *logger.Logger) *Reader {
	return &Reader{
		path:   path,
		logger: log,
	}
}

func (r *Reader) Open() error {
	file, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return err
		}
		return errors.ErrFileOpen
	}
	r.file = file
	r.offset = 0
	return nil
}

// Next returns the next frame, or (nil, nil) at end of log.
func (r *Reader) Next() (*Frame, error) {
	if r.file == nil {
		return nil, errors.ErrFileRead
	}

	lenBuf := make([]byte, FrameLenSize)
	if _, err := io.ReadFull(r.file, lenBuf); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, errors.ErrCorruptRecord
	}

	frameLen := byteOrder.Uint32(lenBuf)
	if frameLen < FrameOverhead || frameLen > MaxPayloadSize+FrameOverhead {
		return nil, errors.ErrCorruptRecord
	}

	buf := make([]byte, frameLen)
	copy(buf, lenBuf)
	if _, err := io.ReadFull(r.file, buf[FrameLenSize:]); err != nil {
		return nil, errors.ErrCorruptRecord
	}

	frame, err := DecodeFrame(buf)
	if err != nil {
		return nil, err
	}

	r.offset += int64(frameLen)
	return frame, nil
}

// Offset returns the byte offset after the last successfully decoded frame.
func (r *Reader) Offset() int64 {
	return r.offset
}

func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
