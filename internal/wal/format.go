package wal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/kartikbazzad/vaultfile/internal/errors"
)

var byteOrder = binary.LittleEndian

// FrameKind discriminates what a WAL frame carries.
type FrameKind byte

const (
	// FramePage carries the new encrypted image of one page.
	FramePage FrameKind = 1
	// FrameFree marks a page as released back to the free list.
	FrameFree FrameKind = 2
	// FrameCommit marks every preceding frame of the transaction as durable.
	FrameCommit FrameKind = 3
)

const (
	FrameLenSize   = 4
	KindSize       = 1
	TxIDSize       = 8
	PageIDSize     = 8
	PayloadLenSize = 4
	CRCSize        = 4

	FrameOverhead = FrameLenSize + KindSize + TxIDSize + PageIDSize + PayloadLenSize + CRCSize
)

// MaxPayloadSize bounds one frame payload. A payload is always a single
// encrypted page, so anything past the largest supported page size is corrupt.
const MaxPayloadSize = 1 << 20

// Frame is one decoded WAL record.
type Frame struct {
	Kind    FrameKind
	TxID    uint64
	PageID  uint64
	Payload []byte
}

// EncodeFrame encodes a frame in the canonical on-disk format:
// FrameLen | Kind | TxID | PageID | PayloadLen | Payload | CRC
func EncodeFrame(kind FrameKind, txID, pageID uint64, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, errors.ErrCorruptRecord
	}

	totalLen := FrameOverhead + len(payload)
	buf := make([]byte, totalLen)

	offset := 0
	byteOrder.PutUint32(buf[offset:], uint32(totalLen))
	offset += FrameLenSize

	buf[offset] = byte(kind)
	offset += KindSize

	byteOrder.PutUint64(buf[offset:], txID)
	offset += TxIDSize

	byteOrder.PutUint64(buf[offset:], pageID)
	offset += PageIDSize

	byteOrder.PutUint32(buf[offset:], uint32(len(payload)))
	offset += PayloadLenSize

	copy(buf[offset:], payload)
	offset += len(payload)

	crc := crc32.ChecksumIEEE(buf[:offset])
	byteOrder.PutUint32(buf[offset:], crc)

	return buf, nil
}

// DecodeFrame decodes and validates one frame.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < FrameOverhead {
		return nil, errors.ErrCorruptRecord
	}

	offset := 0
	frameLen := byteOrder.Uint32(data[offset:])
	offset += FrameLenSize

	if int(frameLen) != len(data) {
		return nil, errors.ErrCorruptRecord
	}

	storedCRC := byteOrder.Uint32(data[len(data)-CRCSize:])
	computedCRC := crc32.ChecksumIEEE(data[:len(data)-CRCSize])
	if storedCRC != computedCRC {
		return nil, errors.ErrCRCMismatch
	}

	kind := FrameKind(data[offset])
	offset += KindSize
	if kind != FramePage && kind != FrameFree && kind != FrameCommit {
		return nil, errors.ErrCorruptRecord
	}

	txID := byteOrder.Uint64(data[offset:])
	offset += TxIDSize

	pageID := byteOrder.Uint64(data[offset:])
	offset += PageIDSize

	payloadLen := byteOrder.Uint32(data[offset:])
	offset += PayloadLenSize

	if int(payloadLen) != len(data)-FrameOverhead {
		return nil, errors.ErrCorruptRecord
	}

	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		copy(payload, data[offset:offset+int(payloadLen)])
	}

	return &Frame{
		Kind:    kind,
		TxID:    txID,
		PageID:  pageID,
		Payload: payload,
	}, nil
}
