// Package codec encrypts and decrypts fixed-size container pages.
//
// Every page on disk is nonce || ciphertext || tag. Nonces are generated
// deterministically from a persisted boot counter and an in-session write
// sequence, so rewriting the same page never reuses a nonce under the same
// key. The page number is bound as additional authenticated data, which
// makes a page unreadable if its ciphertext is moved to another slot.
package codec

import (
	"crypto/cipher"
	"encoding/binary"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/kartikbazzad/vaultfile/internal/errors"
)

const (
	// NonceSize is the nonce prefix stored with every page.
	NonceSize = chacha20poly1305.NonceSize

	// TagSize is the authentication tag appended to every page.
	TagSize = chacha20poly1305.Overhead

	// Overhead is the total ciphertext expansion per page.
	Overhead = NonceSize + TagSize

	// KeySize is the required secret length in bytes.
	KeySize = chacha20poly1305.KeySize
)

// HeaderPageID is the AAD page number used for the container header blob,
// outside the ordinary page number space.
const HeaderPageID = ^uint64(0)

// Codec seals and opens single pages with an authenticated cipher.
//
// Not safe for concurrent sealing with the same instance; the engine is
// single-writer by contract.
type Codec struct {
	aead  cipher.AEAD
	boots uint32
	seq   atomic.Uint64
}

// New creates a codec from a 32-byte secret. The boot counter must be
// unique per container open (the header keeps it) so that nonces never
// collide across sessions.
func New(secret []byte, boots uint32) (*Codec, error) {
	if len(secret) != KeySize {
		return nil, errors.ErrDecrypt
	}
	aead, err := chacha20poly1305.New(secret)
	if err != nil {
		return nil, errors.ErrDecrypt
	}
	return &Codec{aead: aead, boots: boots}, nil
}

// Encrypt seals plaintext into a page-sized buffer: nonce || ct || tag.
// The result is len(plaintext) + Overhead bytes.
func (c *Codec) Encrypt(pageID uint64, plaintext []byte) []byte {
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	binary.BigEndian.PutUint32(out[0:4], c.boots)
	binary.BigEndian.PutUint64(out[4:12], c.seq.Add(1))

	var aad [8]byte
	binary.BigEndian.PutUint64(aad[:], pageID)

	return c.aead.Seal(out, out[:NonceSize], plaintext, aad[:])
}

// Decrypt opens a sealed page. Returns ErrDecrypt when the secret is wrong,
// the ciphertext was tampered with, or the page was relocated.
func (c *Codec) Decrypt(pageID uint64, sealed []byte) ([]byte, error) {
	if len(sealed) < Overhead {
		return nil, errors.ErrDecrypt
	}

	var aad [8]byte
	binary.BigEndian.PutUint64(aad[:], pageID)

	plaintext, err := c.aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], aad[:])
	if err != nil {
		return nil, errors.ErrDecrypt
	}
	return plaintext, nil
}
