// Package page implements the encrypted page store and its write-ahead log.
//
// All mutations go to the log first, page images sealed by the codec. The
// main container file is only touched by Checkpoint, which applies every
// committed frame and truncates the log. Opening a container replays the
// committed portion of the log and checkpoints immediately, so a crashed
// writer never leaves a partially applied transaction behind.
//
// Thread safety: none. The engine is single-writer, single-process by
// contract; callers serialize access (see internal/executor).
package page

import (
	stderrors "errors"
	"fmt"
	"math"
	"os"
	"sort"
	"syscall"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kartikbazzad/vaultfile/internal/codec"
	"github.com/kartikbazzad/vaultfile/internal/config"
	"github.com/kartikbazzad/vaultfile/internal/errors"
	"github.com/kartikbazzad/vaultfile/internal/logger"
	"github.com/kartikbazzad/vaultfile/internal/wal"
)

// Page type tags, first plaintext byte of every page.
const (
	TagFree     byte = 0x00
	TagMeta     byte = 0x01
	TagState    byte = 0x02
	TagFreelist byte = 0x03
	TagLeaf     byte = 0x04
	TagInternal byte = 0x05
	TagData     byte = 0x06
	TagBlock    byte = 0x07
)

// Reserved pages.
const (
	MetaPageID  uint64 = 0
	StatePageID uint64 = 1
)

// Pager is the page access surface the tree and stream layers build on.
// Implemented by Store (durable, encrypted) and by in-memory pagers used
// for registry rebuilds and tests.
type Pager interface {
	ReadPage(id uint64) ([]byte, error)
	WritePage(id uint64, data []byte) error
	AllocatePage() (uint64, error)
	FreePage(id uint64) error
	PageDataSize() int
	PageCount() uint64
}

// Store is the durable page store of one container file.
type Store struct {
	file     *os.File
	path     string
	header   *Header
	codec    *codec.Codec
	pageSize int
	dataSize int

	wal    *wal.Writer
	walCfg config.WALConfig

	cache     *lru.Cache[uint64, []byte]
	walPages  map[uint64][]byte // committed sealed images pending checkpoint
	free      *FreeList
	freeChain []uint64
	pageCount uint64
	meta      map[string][]byte

	tx     *Tx
	nextTx uint64

	logger *logger.Logger
	closed bool
}

// WalPath returns the companion log path for a container path.
func WalPath(path string) string {
	return path + ".wal"
}

// Create sets up a brand new container file with the given header and
// secret, and returns an open store.
func Create(path string, secret []byte, header *Header, cfg *config.Config, log *logger.Logger) (*Store, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errors.ErrFileOpen
	}

	c, err := codec.New(secret, header.Boots)
	if err != nil {
		file.Close()
		return nil, err
	}
	if err := writeHeader(file, header, c); err != nil {
		file.Close()
		return nil, err
	}

	s, err := newStore(file, path, header, c, cfg, log)
	if err != nil {
		file.Close()
		return nil, err
	}

	// Reserve the meta and state pages and flush the empty layout.
	s.pageCount = 2
	if err := s.WritePage(MetaPageID, s.encodeMeta()); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.Checkpoint(); err != nil {
		s.Close()
		return nil, err
	}
	s.logger.Info("container created: %s id=%s page_size=%d", path, header.ID, s.pageSize)
	return s, nil
}

// Open opens an existing container, replays the committed log and
// checkpoints. Fails with ErrDecrypt when the secret is wrong.
func Open(path string, secret []byte, cfg *config.Config, log *logger.Logger) (*Store, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, errors.ErrFileOpen
	}

	header, err := readHeaderPrefix(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	if err := bumpBoots(file, header); err != nil {
		file.Close()
		return nil, err
	}

	c, err := codec.New(secret, header.Boots)
	if err != nil {
		file.Close()
		return nil, err
	}
	if err := readHeaderBody(file, header, c); err != nil {
		file.Close()
		return nil, err
	}

	s, err := newStore(file, path, header, c, cfg, log)
	if err != nil {
		file.Close()
		return nil, err
	}

	if err := s.recover(); err != nil {
		s.wal.Close()
		file.Close()
		return nil, err
	}
	s.logger.Info("container opened: %s id=%s pages=%d free=%d",
		path, header.ID, s.pageCount, s.free.Len())
	return s, nil
}

func newStore(file *os.File, path string, header *Header, c *codec.Codec, cfg *config.Config, log *logger.Logger) (*Store, error) {
	pageSize := int(header.PageSize)
	cache, err := lru.New[uint64, []byte](cfg.CacheSize)
	if err != nil {
		return nil, err
	}

	s := &Store{
		file:     file,
		path:     path,
		header:   header,
		codec:    c,
		pageSize: pageSize,
		dataSize: pageSize - codec.Overhead,
		wal:      wal.NewWriter(WalPath(path), cfg.WAL.FsyncOnCommit, log),
		walCfg:   cfg.WAL,
		cache:    cache,
		walPages: make(map[uint64][]byte),
		free:     NewFreeList(),
		meta:     make(map[string][]byte),
		nextTx:   1,
		logger:   log,
	}
	if err := s.wal.Open(); err != nil {
		return nil, err
	}
	return s, nil
}

// recover replays committed frames, reconciles the free list and applies
// everything to the main file.
func (s *Store) recover() error {
	info, err := s.file.Stat()
	if err != nil {
		return errors.ErrFileRead
	}
	if onDisk := info.Size() - HeaderSize; onDisk > 0 {
		s.pageCount = uint64(onDisk) / uint64(s.pageSize)
	}

	freed := make(map[uint64]struct{})
	rec := wal.NewRecovery(WalPath(s.path), s.logger)
	applied, err := rec.Replay(func(f *wal.Frame) error {
		switch f.Kind {
		case wal.FramePage:
			s.walPages[f.PageID] = f.Payload
			delete(freed, f.PageID)
			if f.PageID >= s.pageCount {
				s.pageCount = f.PageID + 1
			}
		case wal.FrameFree:
			delete(s.walPages, f.PageID)
			freed[f.PageID] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if applied > 0 {
		s.logger.Info("replayed %d committed frame(s)", applied)
	}

	if err := s.loadState(); err != nil {
		return err
	}

	// Frees committed after the last checkpoint.
	for id := range freed {
		s.free.Push(id)
	}
	// Pages a committed transaction took off the free list.
	for id := range s.walPages {
		s.free.Remove(id)
	}

	if err := s.loadMeta(); err != nil {
		return err
	}
	return s.Checkpoint()
}

func (s *Store) loadState() error {
	if s.pageCount <= StatePageID {
		s.pageCount = 2
		return nil
	}
	buf, err := s.ReadPage(StatePageID)
	if err != nil {
		// A fresh store checkpointed before any state write; nothing to load.
		return nil
	}
	if buf[0] != TagState {
		return errors.ErrCorruptRecord
	}
	count := beUint64(buf[1:9])
	if count > s.pageCount {
		s.pageCount = count
	}
	head := beUint64(buf[9:17])

	s.freeChain = nil
	for head != 0 {
		s.freeChain = append(s.freeChain, head)
		chainBuf, err := s.ReadPage(head)
		if err != nil {
			return err
		}
		next, ids, err := decodeChainPage(chainBuf)
		if err != nil {
			return err
		}
		for _, id := range ids {
			s.free.Push(id)
		}
		head = next
	}
	return nil
}

// Header returns the container header.
func (s *Store) Header() *Header {
	return s.header
}

func (s *Store) PageDataSize() int {
	return s.dataSize
}

func (s *Store) PageCount() uint64 {
	return s.pageCount
}

// FreeCount returns how many pages sit on the free list.
func (s *Store) FreeCount() int {
	return s.free.Len()
}

// ReadPage returns the decrypted content of a page.
func (s *Store) ReadPage(id uint64) ([]byte, error) {
	if s.closed {
		return nil, errors.ErrClosed
	}
	if s.tx != nil {
		if buf, ok := s.tx.writes[id]; ok {
			return cloneBytes(buf), nil
		}
		if _, ok := s.tx.frees[id]; ok {
			return nil, errors.ErrFileRead
		}
	}
	if s.free.Contains(id) || id >= s.pageCount {
		return nil, errors.ErrFileRead
	}

	if buf, ok := s.cache.Get(id); ok {
		return cloneBytes(buf), nil
	}

	if image, ok := s.walPages[id]; ok {
		plain, err := s.codec.Decrypt(id, image)
		if err != nil {
			return nil, err
		}
		s.cache.Add(id, plain)
		return cloneBytes(plain), nil
	}

	image := make([]byte, s.pageSize)
	if _, err := s.file.ReadAt(image, HeaderSize+int64(id)*int64(s.pageSize)); err != nil {
		return nil, errors.ErrFileRead
	}
	plain, err := s.codec.Decrypt(id, image)
	if err != nil {
		return nil, err
	}
	s.cache.Add(id, plain)
	return cloneBytes(plain), nil
}

// WritePage stages a page write. Outside a transaction the write commits
// immediately as a one-page transaction.
func (s *Store) WritePage(id uint64, data []byte) error {
	if s.closed {
		return errors.ErrClosed
	}
	if len(data) > s.dataSize {
		return errors.ErrFileWrite
	}
	if s.tx != nil {
		return s.tx.stageWrite(id, data)
	}
	return s.WriteTransaction(func(tx *Tx) error {
		return tx.stageWrite(id, data)
	})
}

// AllocatePage hands out a page, free list first, else by extending the file.
func (s *Store) AllocatePage() (uint64, error) {
	if s.closed {
		return 0, errors.ErrClosed
	}
	if s.tx != nil {
		return s.tx.allocate()
	}
	var id uint64
	err := s.WriteTransaction(func(tx *Tx) error {
		var err error
		id, err = tx.allocate()
		return err
	})
	return id, err
}

// FreePage releases a page back to the free list.
func (s *Store) FreePage(id uint64) error {
	if s.closed {
		return errors.ErrClosed
	}
	if s.tx != nil {
		return s.tx.stageFree(id)
	}
	return s.WriteTransaction(func(tx *Tx) error {
		return tx.stageFree(id)
	})
}

// GetMetadata returns a container-level metadata value.
func (s *Store) GetMetadata(key string) ([]byte, bool) {
	v, ok := s.meta[key]
	if !ok {
		return nil, false
	}
	return cloneBytes(v), true
}

// SetMetadata stores a container-level metadata value. The meta page is an
// ordinary page, so the update participates in the active transaction; a
// rolled back transaction restores the in-memory map too.
func (s *Store) SetMetadata(key string, value []byte) error {
	if s.tx != nil {
		s.tx.snapshotMeta()
		s.meta[key] = cloneBytes(value)
		return s.tx.stageWrite(MetaPageID, s.encodeMeta())
	}
	return s.WriteTransaction(func(tx *Tx) error {
		tx.snapshotMeta()
		s.meta[key] = cloneBytes(value)
		return tx.stageWrite(MetaPageID, s.encodeMeta())
	})
}

// DelMetadata removes a container-level metadata value.
func (s *Store) DelMetadata(key string) error {
	if _, ok := s.meta[key]; !ok {
		return nil
	}
	if s.tx != nil {
		s.tx.snapshotMeta()
		delete(s.meta, key)
		return s.tx.stageWrite(MetaPageID, s.encodeMeta())
	}
	return s.WriteTransaction(func(tx *Tx) error {
		tx.snapshotMeta()
		delete(s.meta, key)
		return tx.stageWrite(MetaPageID, s.encodeMeta())
	})
}

// WriteTransaction runs fn inside a write transaction. Every staged write
// becomes visible atomically at commit; any error rolls everything back.
func (s *Store) WriteTransaction(fn func(tx *Tx) error) error {
	if s.closed {
		return errors.ErrClosed
	}
	if s.tx != nil {
		return errors.ErrTxActive
	}

	tx := newTx(s, false)
	s.tx = tx
	err := fn(tx)
	s.tx = nil

	if err != nil {
		tx.rollback()
		return fmt.Errorf("%w: %w", errors.ErrTxAborted, err)
	}
	return s.commit(tx)
}

// ReadTransaction runs fn with a read-only view. Staging writes fails.
func (s *Store) ReadTransaction(fn func(tx *Tx) error) error {
	if s.closed {
		return errors.ErrClosed
	}
	if s.tx != nil {
		return errors.ErrTxActive
	}
	tx := newTx(s, true)
	s.tx = tx
	err := fn(tx)
	s.tx = nil
	return err
}

func (s *Store) commit(tx *Tx) error {
	if len(tx.writeOrder) == 0 && len(tx.freeOrder) == 0 {
		return nil
	}

	txID := s.nextTx
	s.nextTx++

	staged := make(map[uint64][]byte, len(tx.writeOrder))
	for _, id := range tx.writeOrder {
		plain := make([]byte, s.dataSize)
		copy(plain, tx.writes[id])
		image := s.codec.Encrypt(id, plain)
		if err := s.wal.WritePage(txID, id, image); err != nil {
			tx.rollback()
			return err
		}
		staged[id] = image
	}
	for _, id := range tx.freeOrder {
		if err := s.wal.WriteFree(txID, id); err != nil {
			tx.rollback()
			return err
		}
	}
	if err := s.wal.WriteCommit(txID); err != nil {
		tx.rollback()
		return err
	}

	for _, id := range tx.writeOrder {
		s.walPages[id] = staged[id]
		plain := make([]byte, s.dataSize)
		copy(plain, tx.writes[id])
		s.cache.Add(id, plain)
	}
	for _, id := range tx.freeOrder {
		delete(s.walPages, id)
		s.cache.Remove(id)
		s.free.Push(id)
	}

	if s.walCfg.CheckpointEveryFrames > 0 && s.wal.Frames() >= s.walCfg.CheckpointEveryFrames {
		return s.Checkpoint()
	}
	return nil
}

// Checkpoint applies every committed frame to the main file, persists the
// free list and store state, syncs and truncates the log. This is the only
// path that mutates the container file.
func (s *Store) Checkpoint() error {
	if s.closed {
		return errors.ErrClosed
	}
	if s.tx != nil {
		return errors.ErrTxActive
	}

	if err := s.wal.Sync(); err != nil {
		return err
	}

	ids := make([]uint64, 0, len(s.walPages))
	for id := range s.walPages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := s.writeImage(id, s.walPages[id]); err != nil {
			return err
		}
	}

	if err := s.persistFreelist(); err != nil {
		return err
	}
	if err := s.persistState(); err != nil {
		return err
	}

	if err := s.file.Sync(); err != nil {
		return errors.ErrFileSync
	}
	if err := s.wal.Reset(); err != nil {
		return err
	}
	s.walPages = make(map[uint64][]byte)
	s.logger.Debug("checkpoint complete: %d page(s) applied", len(ids))
	return nil
}

func (s *Store) writeImage(id uint64, image []byte) error {
	if _, err := s.file.WriteAt(image, HeaderSize+int64(id)*int64(s.pageSize)); err != nil {
		if stderrors.Is(err, syscall.ENOSPC) {
			return errors.ErrPageExhausted
		}
		return errors.ErrFileWrite
	}
	return nil
}

// maxPages bounds the page id space so file offsets stay within int64.
func (s *Store) maxPages() uint64 {
	return uint64((math.MaxInt64 - HeaderSize) / int64(s.pageSize))
}

func (s *Store) writeDirect(id uint64, plain []byte) error {
	buf := make([]byte, s.dataSize)
	copy(buf, plain)
	s.cache.Remove(id)
	delete(s.walPages, id)
	return s.writeImage(id, s.codec.Encrypt(id, buf))
}

// persistFreelist rewrites the freelist chain in place, extending or
// shrinking it as the list grew or shrank since the last checkpoint.
func (s *Store) persistFreelist() error {
	per := freelistPerPage(s.dataSize)
	ids := make([]uint64, len(s.free.items))
	copy(ids, s.free.items)
	chain := s.freeChain

	for {
		need := (len(ids) + per - 1) / per
		if need <= len(chain) {
			surplus := chain[need:]
			chain = chain[:need]
			if len(surplus) > 0 {
				ids = append(ids, surplus...)
				continue
			}
			break
		}
		for len(chain) < need {
			chain = append(chain, s.pageCount)
			s.pageCount++
		}
	}

	for i, pageID := range chain {
		next := uint64(0)
		if i+1 < len(chain) {
			next = chain[i+1]
		}
		lo := i * per
		hi := lo + per
		if hi > len(ids) {
			hi = len(ids)
		}
		if err := s.writeDirect(pageID, encodeChainPage(s.dataSize, next, ids[lo:hi])); err != nil {
			return err
		}
	}

	// The in-memory list must match what was written, including surplus
	// chain pages folded back in.
	s.free = NewFreeList()
	for _, id := range ids {
		s.free.Push(id)
	}
	s.freeChain = chain
	return nil
}

func (s *Store) persistState() error {
	buf := make([]byte, s.dataSize)
	buf[0] = TagState
	bePutUint64(buf[1:9], s.pageCount)
	head := uint64(0)
	if len(s.freeChain) > 0 {
		head = s.freeChain[0]
	}
	bePutUint64(buf[9:17], head)
	return s.writeDirect(StatePageID, buf)
}

// Close checkpoints and releases the store.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	if err := s.Checkpoint(); err != nil {
		return err
	}
	s.closed = true
	if err := s.wal.Close(); err != nil {
		return err
	}
	if err := s.file.Close(); err != nil {
		return errors.ErrFileWrite
	}
	s.logger.Info("container closed: %s", s.path)
	return nil
}

func (s *Store) loadMeta() error {
	if s.pageCount <= MetaPageID {
		return nil
	}
	buf, err := s.ReadPage(MetaPageID)
	if err != nil {
		return nil
	}
	if buf[0] != TagMeta {
		return nil
	}
	count := int(beUint16(buf[1:3]))
	off := 3
	for i := 0; i < count; i++ {
		if off+1 > len(buf) {
			return errors.ErrCorruptRecord
		}
		klen := int(buf[off])
		off++
		if off+klen+2 > len(buf) {
			return errors.ErrCorruptRecord
		}
		key := string(buf[off : off+klen])
		off += klen
		vlen := int(beUint16(buf[off : off+2]))
		off += 2
		if off+vlen > len(buf) {
			return errors.ErrCorruptRecord
		}
		s.meta[key] = cloneBytes(buf[off : off+vlen])
		off += vlen
	}
	return nil
}

func (s *Store) encodeMeta() []byte {
	keys := make([]string, 0, len(s.meta))
	for k := range s.meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := make([]byte, s.dataSize)
	buf[0] = TagMeta
	bePutUint16(buf[1:3], uint16(len(keys)))
	off := 3
	for _, k := range keys {
		v := s.meta[k]
		buf[off] = byte(len(k))
		off++
		copy(buf[off:], k)
		off += len(k)
		bePutUint16(buf[off:off+2], uint16(len(v)))
		off += 2
		copy(buf[off:], v)
		off += len(v)
	}
	return buf[:off]
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
