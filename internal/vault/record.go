// Package vault layers a hierarchical filesystem over the stream manager:
// directories, files and links addressed by path, with file content held
// in dynamic streams and verified by digest. Three indexes drive lookup,
// an entry tree (id to record), a path tree (hashed path to id) and a
// listing tree (directory id to child ids), each rebuilt in memory at
// open and serialized into a reserved stream at checkpoint.
package vault

import (
	"time"

	"github.com/google/uuid"

	"github.com/kartikbazzad/vaultfile/internal/errors"
)

// EntryType discriminates filesystem entries.
type EntryType byte

const (
	EntryDir  EntryType = 1
	EntryFile EntryType = 2
	EntryLink EntryType = 3
)

// Entry flags.
const flagDeleted = 0x01

// nameMax bounds entry names inside the fixed-width record.
const nameMax = 64

// entryRecordSize is the serialized width of one EntryRecord.
// type(1) flags(1) id(16) parent(16) owner(16) stream(16)
// created(8) modified(8) length(8) digest(20) perms(2) namelen(1) name(64)
const entryRecordSize = 177

// EntryRecord is the durable state of one filesystem entry. For files,
// Stream names the content stream; for links it holds the target entry id.
type EntryRecord struct {
	Type     EntryType
	Deleted  bool
	ID       uuid.UUID
	Parent   uuid.UUID
	Owner    uuid.UUID
	Stream   uuid.UUID
	Created  int64
	Modified int64
	Length   uint64
	Digest   [20]byte
	Perms    uint16
	Name     string
}

func newEntry(kind EntryType, parent, owner uuid.UUID, name string) (*EntryRecord, error) {
	if len(name) == 0 || len(name) > nameMax {
		return nil, errors.ErrNameTooLong
	}
	now := time.Now().Unix()
	return &EntryRecord{
		Type:     kind,
		ID:       uuid.New(),
		Parent:   parent,
		Owner:    owner,
		Created:  now,
		Modified: now,
		Perms:    0644,
		Name:     name,
	}, nil
}

func (e *EntryRecord) encode() []byte {
	buf := make([]byte, entryRecordSize)
	buf[0] = byte(e.Type)
	if e.Deleted {
		buf[1] |= flagDeleted
	}
	copy(buf[2:18], e.ID[:])
	copy(buf[18:34], e.Parent[:])
	copy(buf[34:50], e.Owner[:])
	copy(buf[50:66], e.Stream[:])
	bePutUint64(buf[66:74], uint64(e.Created))
	bePutUint64(buf[74:82], uint64(e.Modified))
	bePutUint64(buf[82:90], e.Length)
	copy(buf[90:110], e.Digest[:])
	bePutUint16(buf[110:112], e.Perms)
	buf[112] = byte(len(e.Name))
	copy(buf[113:113+nameMax], e.Name)
	return buf
}

func decodeEntry(buf []byte) (*EntryRecord, error) {
	if len(buf) != entryRecordSize {
		return nil, errors.ErrCorruptRecord
	}
	kind := EntryType(buf[0])
	if kind != EntryDir && kind != EntryFile && kind != EntryLink {
		return nil, errors.ErrCorruptRecord
	}
	nameLen := int(buf[112])
	if nameLen == 0 || nameLen > nameMax {
		return nil, errors.ErrCorruptRecord
	}
	e := &EntryRecord{
		Type:     kind,
		Deleted:  buf[1]&flagDeleted != 0,
		Created:  int64(beUint64(buf[66:74])),
		Modified: int64(beUint64(buf[74:82])),
		Length:   beUint64(buf[82:90]),
		Perms:    beUint16(buf[110:112]),
		Name:     string(buf[113 : 113+nameLen]),
	}
	copy(e.ID[:], buf[2:18])
	copy(e.Parent[:], buf[18:34])
	copy(e.Owner[:], buf[34:50])
	copy(e.Stream[:], buf[50:66])
	copy(e.Digest[:], buf[90:110])
	return e, nil
}

func (e *EntryRecord) touch() {
	e.Modified = time.Now().Unix()
}
