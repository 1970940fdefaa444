package page

import (
	"github.com/kartikbazzad/vaultfile/internal/errors"
)

// Tx collects the page effects of one transaction. Writes and frees are
// staged in memory; nothing reaches the log until the scope function
// returns nil and the store commits.
type Tx struct {
	store    *Store
	readonly bool

	writes     map[uint64][]byte
	writeOrder []uint64
	frees      map[uint64]struct{}
	freeOrder  []uint64

	fromFree []uint64 // pages popped off the free list, for rollback
	extended uint64   // pages minted past the old end of file

	metaPrev map[string][]byte
}

func newTx(s *Store, readonly bool) *Tx {
	return &Tx{
		store:    s,
		readonly: readonly,
		writes:   make(map[uint64][]byte),
		frees:    make(map[uint64]struct{}),
	}
}

// ReadPage reads through the transaction: staged writes win over the store.
func (tx *Tx) ReadPage(id uint64) ([]byte, error) {
	return tx.store.ReadPage(id)
}

// WritePage stages a page write in this transaction.
func (tx *Tx) WritePage(id uint64, data []byte) error {
	return tx.stageWrite(id, data)
}

// AllocatePage allocates inside this transaction. Rolled back on error.
func (tx *Tx) AllocatePage() (uint64, error) {
	return tx.allocate()
}

// FreePage stages a page release in this transaction.
func (tx *Tx) FreePage(id uint64) error {
	return tx.stageFree(id)
}

func (tx *Tx) PageDataSize() int {
	return tx.store.dataSize
}

func (tx *Tx) PageCount() uint64 {
	return tx.store.pageCount
}

func (tx *Tx) stageWrite(id uint64, data []byte) error {
	if tx.readonly {
		return errors.ErrTxReadOnly
	}
	if len(data) > tx.store.dataSize {
		return errors.ErrFileWrite
	}
	if _, ok := tx.frees[id]; ok {
		return errors.ErrFileWrite
	}
	if _, ok := tx.writes[id]; !ok {
		tx.writeOrder = append(tx.writeOrder, id)
	}
	tx.writes[id] = cloneBytes(data)
	return nil
}

func (tx *Tx) allocate() (uint64, error) {
	if tx.readonly {
		return 0, errors.ErrTxReadOnly
	}
	if id, ok := tx.store.free.Pop(); ok {
		tx.fromFree = append(tx.fromFree, id)
		return id, nil
	}
	if tx.store.pageCount >= tx.store.maxPages() {
		return 0, errors.ErrPageExhausted
	}
	id := tx.store.pageCount
	tx.store.pageCount++
	tx.extended++
	return id, nil
}

func (tx *Tx) stageFree(id uint64) error {
	if tx.readonly {
		return errors.ErrTxReadOnly
	}
	if id <= StatePageID || id >= tx.store.pageCount {
		return errors.ErrFileWrite
	}
	if _, ok := tx.writes[id]; ok {
		delete(tx.writes, id)
		for i, v := range tx.writeOrder {
			if v == id {
				tx.writeOrder = append(tx.writeOrder[:i], tx.writeOrder[i+1:]...)
				break
			}
		}
	}
	if _, ok := tx.frees[id]; ok {
		return nil
	}
	tx.frees[id] = struct{}{}
	tx.freeOrder = append(tx.freeOrder, id)
	return nil
}

// snapshotMeta captures the metadata map before its first change so a
// rollback can restore it.
func (tx *Tx) snapshotMeta() {
	if tx.metaPrev != nil {
		return
	}
	tx.metaPrev = make(map[string][]byte, len(tx.store.meta))
	for k, v := range tx.store.meta {
		tx.metaPrev[k] = cloneBytes(v)
	}
}

// rollback undoes every side effect the transaction had on the store.
func (tx *Tx) rollback() {
	for i := len(tx.fromFree) - 1; i >= 0; i-- {
		tx.store.free.Push(tx.fromFree[i])
	}
	tx.store.pageCount -= tx.extended
	if tx.metaPrev != nil {
		tx.store.meta = tx.metaPrev
	}
}
