package btree

import (
	"github.com/kartikbazzad/vaultfile/internal/page"
)

// Analyzer recovers a tree's records without descending from the root. It
// scans every page of the pager in raw order and collects the leaves that
// carry the tree's id, so records survive a lost root reference or broken
// internal nodes. Unreadable pages are skipped, not fatal.
type Analyzer struct {
	tree *Tree
}

// Pair is one recovered record.
type Pair struct {
	Key   Key
	Value []byte
}

// NewAnalyzer prepares an offline scan of tree id over the given pager.
// valueSize must match what the tree was written with.
func NewAnalyzer(p page.Pager, id uint32, valueSize int) (*Analyzer, error) {
	t, err := newTree(p, id, valueSize, 0)
	if err != nil {
		return nil, err
	}
	return &Analyzer{tree: t}, nil
}

// Scan visits every recovered record in page order, not key order.
func (a *Analyzer) Scan(fn func(key Key, value []byte) error) error {
	total := a.tree.pager.PageCount()
	for id := uint64(0); id < total; id++ {
		buf, err := a.tree.pager.ReadPage(id)
		if err != nil {
			continue
		}
		if len(buf) == 0 || buf[0] != page.TagLeaf {
			continue
		}
		n, err := a.tree.decodeNode(id, buf)
		if err != nil {
			continue
		}
		for i, k := range n.keys {
			v, verr := a.tree.resolveValue(n.values[i])
			if verr != nil {
				// A record with a broken chain is lost, not fatal.
				continue
			}
			if err := fn(k, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// Pairs returns every recovered record.
func (a *Analyzer) Pairs() ([]Pair, error) {
	var pairs []Pair
	err := a.Scan(func(k Key, v []byte) error {
		pairs = append(pairs, Pair{Key: k, Value: append([]byte(nil), v...)})
		return nil
	})
	return pairs, err
}

// Keys returns every recovered key.
func (a *Analyzer) Keys() ([]Key, error) {
	var keys []Key
	err := a.Scan(func(k Key, _ []byte) error {
		keys = append(keys, k)
		return nil
	})
	return keys, err
}
