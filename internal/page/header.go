package page

import (
	"encoding/binary"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/kartikbazzad/vaultfile/internal/codec"
	"github.com/kartikbazzad/vaultfile/internal/errors"
)

// HeaderSize is the reserved region at the start of the container file.
// Page 0 begins right after it.
const HeaderSize = 1024

// headerPrefixSize is the plaintext portion of the header region: magic,
// version, page size and the boot counter. Everything the codec needs
// before a key is available.
const headerPrefixSize = 32

// headerBodySize is the sealed portion: identity and role fields.
const headerBodySize = 1 + 1 + 1 + 16 + 16 + 16 + 16 + 8

var magic = [8]byte{'v', 'a', 'u', 'l', 't', 'f', '7', 0}

// Header describes a container. Written once at setup; only the boot
// counter in the plaintext prefix changes afterwards.
type Header struct {
	Major    uint16
	Minor    uint16
	PageSize uint32
	Boots    uint32

	Type    byte
	Role    byte
	Use     byte
	ID      uuid.UUID
	Owner   uuid.UUID
	Domain  uuid.UUID
	Node    uuid.UUID
	Created int64
}

// NewHeader returns a header for a fresh container.
func NewHeader(pageSize int, kind, role, use byte, owner uuid.UUID) *Header {
	return &Header{
		Major:    1,
		Minor:    0,
		PageSize: uint32(pageSize),
		Boots:    1,
		Type:     kind,
		Role:     role,
		Use:      use,
		ID:       uuid.New(),
		Owner:    owner,
		Created:  time.Now().Unix(),
	}
}

func (h *Header) encodePrefix() []byte {
	buf := make([]byte, headerPrefixSize)
	copy(buf[0:8], magic[:])
	binary.BigEndian.PutUint16(buf[8:10], h.Major)
	binary.BigEndian.PutUint16(buf[10:12], h.Minor)
	binary.BigEndian.PutUint32(buf[12:16], h.PageSize)
	binary.BigEndian.PutUint32(buf[16:20], h.Boots)
	return buf
}

func (h *Header) decodePrefix(buf []byte) error {
	if len(buf) < headerPrefixSize {
		return errors.ErrInvalidFormat
	}
	if [8]byte(buf[0:8]) != magic {
		return errors.ErrInvalidFormat
	}
	h.Major = binary.BigEndian.Uint16(buf[8:10])
	h.Minor = binary.BigEndian.Uint16(buf[10:12])
	h.PageSize = binary.BigEndian.Uint32(buf[12:16])
	h.Boots = binary.BigEndian.Uint32(buf[16:20])
	if h.Major != 1 || h.PageSize < 512 {
		return errors.ErrInvalidFormat
	}
	return nil
}

func (h *Header) encodeBody() []byte {
	buf := make([]byte, headerBodySize)
	buf[0] = h.Type
	buf[1] = h.Role
	buf[2] = h.Use
	copy(buf[3:19], h.ID[:])
	copy(buf[19:35], h.Owner[:])
	copy(buf[35:51], h.Domain[:])
	copy(buf[51:67], h.Node[:])
	binary.BigEndian.PutUint64(buf[67:75], uint64(h.Created))
	return buf
}

func (h *Header) decodeBody(buf []byte) error {
	if len(buf) < headerBodySize {
		return errors.ErrInvalidFormat
	}
	h.Type = buf[0]
	h.Role = buf[1]
	h.Use = buf[2]
	copy(h.ID[:], buf[3:19])
	copy(h.Owner[:], buf[19:35])
	copy(h.Domain[:], buf[35:51])
	copy(h.Node[:], buf[51:67])
	h.Created = int64(binary.BigEndian.Uint64(buf[67:75]))
	return nil
}

// writeHeader writes the full header region: plaintext prefix plus the
// sealed body, zero padded to HeaderSize.
func writeHeader(file *os.File, h *Header, c *codec.Codec) error {
	region := make([]byte, HeaderSize)
	copy(region, h.encodePrefix())
	sealed := c.Encrypt(codec.HeaderPageID, h.encodeBody())
	copy(region[headerPrefixSize:], sealed)

	if _, err := file.WriteAt(region, 0); err != nil {
		return errors.ErrFileWrite
	}
	return nil
}

// readHeaderPrefix reads only the plaintext prefix. Needed before the
// codec exists.
func readHeaderPrefix(file *os.File) (*Header, error) {
	buf := make([]byte, headerPrefixSize)
	if _, err := file.ReadAt(buf, 0); err != nil {
		return nil, errors.ErrInvalidFormat
	}
	h := &Header{}
	if err := h.decodePrefix(buf); err != nil {
		return nil, err
	}
	return h, nil
}

// readHeaderBody unseals the identity fields into h. Fails with ErrDecrypt
// when the secret is wrong.
func readHeaderBody(file *os.File, h *Header, c *codec.Codec) error {
	sealed := make([]byte, codec.Overhead+headerBodySize)
	if _, err := file.ReadAt(sealed, headerPrefixSize); err != nil {
		return errors.ErrFileRead
	}
	body, err := c.Decrypt(codec.HeaderPageID, sealed)
	if err != nil {
		return err
	}
	return h.decodeBody(body)
}

// bumpBoots persists an incremented boot counter. Called on every open so
// nonce generation never collides with an earlier session.
func bumpBoots(file *os.File, h *Header) error {
	h.Boots++
	if _, err := file.WriteAt(h.encodePrefix(), 0); err != nil {
		return errors.ErrFileWrite
	}
	return file.Sync()
}
