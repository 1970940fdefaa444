package errors

import (
	"errors"
)

// Engine errors shared across the page store, trees and streams.
var (
	// ErrDecrypt is returned when a page cannot be authenticated or decrypted
	// (wrong secret or corrupted ciphertext). The page is unreadable.
	ErrDecrypt = errors.New("page decryption failed")

	// ErrPageExhausted is returned when neither the free list nor file
	// extension can produce a page (e.g. disk full).
	ErrPageExhausted = errors.New("page allocation exhausted")

	// ErrTxAborted is returned when a write transaction is discarded without
	// a commit marker.
	ErrTxAborted = errors.New("write transaction aborted")

	// ErrTxActive is returned when a second write transaction is opened
	// while one is already in flight.
	ErrTxActive = errors.New("write transaction already active")

	// ErrTxReadOnly is returned when a mutation is staged inside a
	// read transaction.
	ErrTxReadOnly = errors.New("transaction is read-only")

	// ErrKeyNotFound is returned by single-value tree lookups and deletes
	// on an absent key.
	ErrKeyNotFound = errors.New("tree key not found")

	// ErrKeyExists is returned when inserting a key that is already present
	// in a single-value tree.
	ErrKeyExists = errors.New("tree key already exists")

	// ErrStreamRange is returned when a seek, wind or truncate lands outside
	// the valid bounds of a stream, or a block chain pointer is dangling.
	ErrStreamRange = errors.New("stream position out of range")

	// ErrRegistryInconsistent is returned when the stream registry claims an
	// identity whose head block cannot be resolved.
	ErrRegistryInconsistent = errors.New("stream registry inconsistent")

	// ErrCorruptRecord is returned when a WAL frame has an invalid length or format.
	ErrCorruptRecord = errors.New("corrupt frame: invalid length or format")

	// ErrCRCMismatch is returned when a WAL frame checksum doesn't match.
	ErrCRCMismatch = errors.New("CRC mismatch")

	// ErrFileOpen is returned when the container or WAL file cannot be opened.
	ErrFileOpen = errors.New("failed to open file")

	// ErrFileWrite is returned when the container or WAL file cannot be written.
	ErrFileWrite = errors.New("failed to write file")

	// ErrFileSync is returned when the container or WAL file cannot be synced.
	ErrFileSync = errors.New("failed to sync file")

	// ErrFileRead is returned when the container or WAL file cannot be read.
	ErrFileRead = errors.New("failed to read file")

	// ErrClosed is returned when operating on a closed container or manager.
	ErrClosed = errors.New("container is closed")

	// ErrInvalidFormat is returned when the container header magic or
	// version is not recognized.
	ErrInvalidFormat = errors.New("invalid container format")

	// Filesystem layer errors
	ErrPathNotFound  = errors.New("path not found")
	ErrPathExists    = errors.New("path already exists")
	ErrNotDirectory  = errors.New("entry is not a directory")
	ErrNotFile       = errors.New("entry is not a file")
	ErrDirNotEmpty   = errors.New("directory is not empty")
	ErrNameTooLong   = errors.New("entry name too long")
	ErrInvalidPath   = errors.New("invalid path operation")
	ErrLinkToLink    = errors.New("link target is a link")
	ErrDigestInvalid = errors.New("file digest mismatch")
)
