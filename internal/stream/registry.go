package stream

import (
	"github.com/google/uuid"

	"github.com/kartikbazzad/vaultfile/internal/btree"
	"github.com/kartikbazzad/vaultfile/internal/errors"
	"github.com/kartikbazzad/vaultfile/internal/page"
)

// registryTreeID tags the in-memory lookup tree's pages.
const registryTreeID = 1

// registryEntrySize is one serialized registry row: identity plus record.
const registryEntrySize = btree.KeySize + recordSize

// Registry maps stream identities to their chain descriptors. The lookup
// tree lives in an in-memory pager, rebuilt from the backing stream at
// open and serialized back at checkpoint, so registry churn never costs
// container pages mid-session.
type Registry struct {
	mem     *page.MemPager
	tree    *btree.Tree
	backing *Stream
	order   int
}

// LoadRegistry rebuilds the lookup tree from the backing stream's content.
func LoadRegistry(backing *Stream, order int) (*Registry, error) {
	mem := page.NewMemPager(backing.pager.PageDataSize())
	tree, err := btree.New(mem, registryTreeID, recordSize, order)
	if err != nil {
		return nil, err
	}
	r := &Registry{mem: mem, tree: tree, backing: backing, order: order}

	file := NewFile(backing, "registry")
	raw, err := file.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(raw)%registryEntrySize != 0 {
		return nil, errors.ErrRegistryInconsistent
	}
	for off := 0; off < len(raw); off += registryEntrySize {
		var key btree.Key
		copy(key[:], raw[off:off+btree.KeySize])
		if err := tree.Insert(key, raw[off+btree.KeySize:off+registryEntrySize]); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Set stores or replaces the record for an identity.
func (r *Registry) Set(identity uuid.UUID, record []byte) error {
	key := btree.Key(identity)
	err := r.tree.Update(key, record)
	if err == errors.ErrKeyNotFound {
		return r.tree.Insert(key, record)
	}
	return err
}

// Get returns the record for an identity.
func (r *Registry) Get(identity uuid.UUID) ([]byte, error) {
	rec, err := r.tree.Get(btree.Key(identity))
	if err == errors.ErrKeyNotFound {
		return nil, errors.ErrRegistryInconsistent
	}
	return rec, err
}

// Remove forgets an identity.
func (r *Registry) Remove(identity uuid.UUID) error {
	err := r.tree.Delete(btree.Key(identity))
	if err == errors.ErrKeyNotFound {
		return errors.ErrRegistryInconsistent
	}
	return err
}

// Count returns the number of registered streams.
func (r *Registry) Count() (int, error) {
	return r.tree.Count()
}

// Traverse visits every identity and record in identity order.
func (r *Registry) Traverse(fn func(identity uuid.UUID, record []byte) error) error {
	return r.tree.Traverse(func(k btree.Key, v []byte) error {
		return fn(uuid.UUID(k), v)
	})
}

// Checkpoint serializes the tree back into the backing stream.
func (r *Registry) Checkpoint() error {
	if err := r.backing.Truncate(0); err != nil {
		return err
	}
	file := NewFileWriter(r.backing, "registry")
	err := r.tree.Traverse(func(k btree.Key, v []byte) error {
		row := make([]byte, 0, registryEntrySize)
		row = append(row, k[:]...)
		row = append(row, v...)
		_, werr := file.Write(row)
		return werr
	})
	if err != nil {
		return err
	}
	return file.Close()
}

// replace swaps in a rebuilt record set, discarding the current tree.
func (r *Registry) replace(records map[uuid.UUID][]byte) error {
	mem := page.NewMemPager(r.mem.PageDataSize())
	tree, err := btree.New(mem, registryTreeID, recordSize, r.order)
	if err != nil {
		return err
	}
	for id, rec := range records {
		if err := tree.Insert(btree.Key(id), rec); err != nil {
			return err
		}
	}
	r.mem = mem
	r.tree = tree
	return nil
}

// ScanStreams reconstructs stream records straight from block pages,
// ignoring the registry entirely. Identities in skip are left out. This is
// the recovery path for a lost or corrupt registry.
func ScanStreams(p page.Pager, skip map[uuid.UUID]bool) (map[uuid.UUID][]byte, error) {
	type summary struct {
		begin, end uint64
		maxPos     uint64
		count      uint64
		length     uint64
	}
	found := make(map[uuid.UUID]*summary)

	total := p.PageCount()
	for id := uint64(0); id < total; id++ {
		buf, err := p.ReadPage(id)
		if err != nil {
			continue
		}
		if len(buf) < blockHeaderSize || buf[0] != page.TagBlock {
			continue
		}
		var identity uuid.UUID
		copy(identity[:], buf[1:17])
		if skip[identity] {
			continue
		}
		position := beUint64(buf[17:25])
		length := uint64(beUint32(buf[25:29]))

		sum := found[identity]
		if sum == nil {
			sum = &summary{begin: NilPage, end: NilPage}
			found[identity] = sum
		}
		sum.count++
		sum.length += length
		if position == 0 {
			sum.begin = id
		}
		if position >= sum.maxPos {
			sum.maxPos = position
			sum.end = id
		}
	}

	records := make(map[uuid.UUID][]byte, len(found))
	for identity, sum := range found {
		if sum.begin == NilPage || sum.maxPos+1 != sum.count {
			return nil, errors.ErrRegistryInconsistent
		}
		rec := make([]byte, recordSize)
		bePutUint64(rec[0:8], sum.begin)
		bePutUint64(rec[8:16], sum.end)
		bePutUint64(rec[16:24], sum.count)
		bePutUint64(rec[24:32], sum.length)
		records[identity] = rec
	}
	return records, nil
}
