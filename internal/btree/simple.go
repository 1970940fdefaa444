package btree

import (
	"github.com/kartikbazzad/vaultfile/internal/errors"
	"github.com/kartikbazzad/vaultfile/internal/page"
)

// Tree is a single-value B+Tree: every key maps to exactly one fixed-width
// record. Records wider than a leaf can hold spill into overflow chains,
// with the leaf slot keeping only the chain head; reads follow the chain
// transparently. The root page moves as the tree grows and shrinks; owners
// persist Root() after mutations.
type Tree struct {
	pager       page.Pager
	id          uint32
	root        uint64
	valueSize   int
	slotSize    int
	overflow    bool
	leafCap     int
	internalCap int
}

const overflowSlotSize = 8

// New creates an empty tree with a fresh root leaf.
func New(p page.Pager, id uint32, valueSize, order int) (*Tree, error) {
	t, err := newTree(p, id, valueSize, order)
	if err != nil {
		return nil, err
	}
	rootID, err := p.AllocatePage()
	if err != nil {
		return nil, err
	}
	t.root = rootID
	if err := t.writeNode(&node{id: rootID, leaf: true, next: nilPage}); err != nil {
		return nil, err
	}
	return t, nil
}

// Load attaches to an existing tree at the given root.
func Load(p page.Pager, id uint32, valueSize, order int, root uint64) (*Tree, error) {
	t, err := newTree(p, id, valueSize, order)
	if err != nil {
		return nil, err
	}
	t.root = root
	return t, nil
}

func newTree(p page.Pager, id uint32, valueSize, order int) (*Tree, error) {
	dataSize := p.PageDataSize()
	if valueSize <= 0 {
		return nil, errors.ErrInvalidFormat
	}
	slotSize := valueSize
	overflow := false
	leafFit := (dataSize - nodeHeaderSize) / (KeySize + slotSize)
	if leafFit < 2 {
		// Records this wide spill into chains; the slot keeps the head.
		overflow = true
		slotSize = overflowSlotSize
		leafFit = (dataSize - nodeHeaderSize) / (KeySize + slotSize)
	}
	internalFit := (dataSize - nodeHeaderSize - 8) / (KeySize + 8)
	if leafFit < 2 || internalFit < 2 {
		return nil, errors.ErrInvalidFormat
	}
	t := &Tree{
		pager:       p,
		id:          id,
		valueSize:   valueSize,
		slotSize:    slotSize,
		overflow:    overflow,
		leafCap:     leafFit,
		internalCap: internalFit,
	}
	if order >= 2 {
		if order < t.leafCap {
			t.leafCap = order
		}
		if order < t.internalCap {
			t.internalCap = order
		}
	}
	return t, nil
}

// Root returns the current root page.
func (t *Tree) Root() uint64 {
	return t.root
}

// ValueSize returns the fixed record width of this tree.
func (t *Tree) ValueSize() int {
	return t.valueSize
}

type pathEntry struct {
	n   *node
	idx int // child index taken during descent
}

// descend walks to the leaf responsible for key, recording the path.
func (t *Tree) descend(key Key) (*node, []pathEntry, error) {
	var stack []pathEntry
	n, err := t.readNode(t.root)
	if err != nil {
		return nil, nil, err
	}
	for !n.leaf {
		idx, found := searchKeys(n.keys, key)
		if found {
			idx++ // keys equal to a separator live in the right subtree
		}
		stack = append(stack, pathEntry{n: n, idx: idx})
		n, err = t.readNode(n.children[idx])
		if err != nil {
			return nil, nil, err
		}
	}
	return n, stack, nil
}

// Get returns the record stored under key.
func (t *Tree) Get(key Key) ([]byte, error) {
	leaf, _, err := t.descend(key)
	if err != nil {
		return nil, err
	}
	pos, found := searchKeys(leaf.keys, key)
	if !found {
		return nil, errors.ErrKeyNotFound
	}
	return t.resolveValue(leaf.values[pos])
}

// resolveValue turns a leaf slot into the full record, following the
// overflow chain when values are chained.
func (t *Tree) resolveValue(slot []byte) ([]byte, error) {
	if !t.overflow {
		return append([]byte(nil), slot...), nil
	}
	return readByteChain(t.pager, beUint64(slot), t.valueSize)
}

// storeValue produces the leaf slot for a record, chaining it out when it
// does not fit inline.
func (t *Tree) storeValue(value []byte) ([]byte, error) {
	if !t.overflow {
		return append([]byte(nil), value...), nil
	}
	head, err := writeByteChain(t.pager, value)
	if err != nil {
		return nil, err
	}
	slot := make([]byte, overflowSlotSize)
	bePutUint64(slot, head)
	return slot, nil
}

// Insert stores a new record. Fails with ErrKeyExists on a duplicate.
func (t *Tree) Insert(key Key, value []byte) error {
	if len(value) != t.valueSize {
		return errors.ErrInvalidFormat
	}
	leaf, stack, err := t.descend(key)
	if err != nil {
		return err
	}
	pos, found := searchKeys(leaf.keys, key)
	if found {
		return errors.ErrKeyExists
	}
	slot, err := t.storeValue(value)
	if err != nil {
		return err
	}

	leaf.keys = append(leaf.keys, Key{})
	copy(leaf.keys[pos+1:], leaf.keys[pos:])
	leaf.keys[pos] = key
	leaf.values = append(leaf.values, nil)
	copy(leaf.values[pos+1:], leaf.values[pos:])
	leaf.values[pos] = slot

	if len(leaf.keys) <= t.leafCap {
		return t.writeNode(leaf)
	}
	return t.splitLeaf(leaf, stack)
}

// Update replaces the record under key. Fails with ErrKeyNotFound.
func (t *Tree) Update(key Key, value []byte) error {
	if len(value) != t.valueSize {
		return errors.ErrInvalidFormat
	}
	leaf, _, err := t.descend(key)
	if err != nil {
		return err
	}
	pos, found := searchKeys(leaf.keys, key)
	if !found {
		return errors.ErrKeyNotFound
	}
	if t.overflow {
		if err := freeByteChain(t.pager, beUint64(leaf.values[pos])); err != nil {
			return err
		}
	}
	slot, err := t.storeValue(value)
	if err != nil {
		return err
	}
	leaf.values[pos] = slot
	return t.writeNode(leaf)
}

func (t *Tree) splitLeaf(leaf *node, stack []pathEntry) error {
	rightID, err := t.pager.AllocatePage()
	if err != nil {
		return err
	}
	mid := len(leaf.keys) / 2
	right := &node{
		id:     rightID,
		leaf:   true,
		next:   leaf.next,
		keys:   append([]Key(nil), leaf.keys[mid:]...),
		values: append([][]byte(nil), leaf.values[mid:]...),
	}
	leaf.keys = leaf.keys[:mid]
	leaf.values = leaf.values[:mid]
	leaf.next = rightID

	if err := t.writeNode(leaf); err != nil {
		return err
	}
	if err := t.writeNode(right); err != nil {
		return err
	}
	return t.insertSeparator(stack, right.keys[0], rightID)
}

// insertSeparator pushes a split upward, splitting internal nodes as needed.
func (t *Tree) insertSeparator(stack []pathEntry, sep Key, rightID uint64) error {
	for {
		if len(stack) == 0 {
			newRootID, err := t.pager.AllocatePage()
			if err != nil {
				return err
			}
			oldRoot := t.root
			root := &node{
				id:       newRootID,
				next:     nilPage,
				keys:     []Key{sep},
				children: []uint64{oldRoot, rightID},
			}
			if err := t.writeNode(root); err != nil {
				return err
			}
			t.root = newRootID
			return nil
		}

		entry := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := entry.n

		n.keys = append(n.keys, Key{})
		copy(n.keys[entry.idx+1:], n.keys[entry.idx:])
		n.keys[entry.idx] = sep
		n.children = append(n.children, 0)
		copy(n.children[entry.idx+2:], n.children[entry.idx+1:])
		n.children[entry.idx+1] = rightID

		if len(n.keys) <= t.internalCap {
			return t.writeNode(n)
		}

		// Split the internal node, promoting the middle key.
		newID, err := t.pager.AllocatePage()
		if err != nil {
			return err
		}
		mid := len(n.keys) / 2
		promoted := n.keys[mid]
		right := &node{
			id:       newID,
			next:     nilPage,
			keys:     append([]Key(nil), n.keys[mid+1:]...),
			children: append([]uint64(nil), n.children[mid+1:]...),
		}
		n.keys = n.keys[:mid]
		n.children = n.children[:mid+1]

		if err := t.writeNode(n); err != nil {
			return err
		}
		if err := t.writeNode(right); err != nil {
			return err
		}
		sep, rightID = promoted, newID
	}
}

// Delete removes the record under key, rebalancing so every non-root node
// stays at least half full.
func (t *Tree) Delete(key Key) error {
	leaf, stack, err := t.descend(key)
	if err != nil {
		return err
	}
	pos, found := searchKeys(leaf.keys, key)
	if !found {
		return errors.ErrKeyNotFound
	}
	if t.overflow {
		if err := freeByteChain(t.pager, beUint64(leaf.values[pos])); err != nil {
			return err
		}
	}

	leaf.keys = append(leaf.keys[:pos], leaf.keys[pos+1:]...)
	leaf.values = append(leaf.values[:pos], leaf.values[pos+1:]...)

	if len(stack) == 0 || len(leaf.keys) >= t.minLeaf() {
		return t.writeNode(leaf)
	}
	return t.rebalanceLeaf(leaf, stack)
}

func (t *Tree) minLeaf() int {
	return t.leafCap / 2
}

func (t *Tree) minInternal() int {
	return t.internalCap / 2
}

func (t *Tree) rebalanceLeaf(n *node, stack []pathEntry) error {
	entry := stack[len(stack)-1]
	parent, idx := entry.n, entry.idx

	// Borrow from the left sibling.
	if idx > 0 {
		left, err := t.readNode(parent.children[idx-1])
		if err != nil {
			return err
		}
		if len(left.keys) > t.minLeaf() {
			last := len(left.keys) - 1
			n.keys = append([]Key{left.keys[last]}, n.keys...)
			n.values = append([][]byte{left.values[last]}, n.values...)
			left.keys = left.keys[:last]
			left.values = left.values[:last]
			parent.keys[idx-1] = n.keys[0]
			return writeAll(t, left, n, parent)
		}
	}

	// Borrow from the right sibling.
	if idx < len(parent.children)-1 {
		right, err := t.readNode(parent.children[idx+1])
		if err != nil {
			return err
		}
		if len(right.keys) > t.minLeaf() {
			n.keys = append(n.keys, right.keys[0])
			n.values = append(n.values, right.values[0])
			right.keys = right.keys[1:]
			right.values = right.values[1:]
			parent.keys[idx] = right.keys[0]
			return writeAll(t, n, right, parent)
		}
	}

	// Merge into the left sibling, or absorb the right one.
	if idx > 0 {
		left, err := t.readNode(parent.children[idx-1])
		if err != nil {
			return err
		}
		left.keys = append(left.keys, n.keys...)
		left.values = append(left.values, n.values...)
		left.next = n.next
		if err := t.writeNode(left); err != nil {
			return err
		}
		if err := t.pager.FreePage(n.id); err != nil {
			return err
		}
		return t.removeSeparator(parent, idx-1, stack[:len(stack)-1])
	}

	right, err := t.readNode(parent.children[idx+1])
	if err != nil {
		return err
	}
	n.keys = append(n.keys, right.keys...)
	n.values = append(n.values, right.values...)
	n.next = right.next
	if err := t.writeNode(n); err != nil {
		return err
	}
	if err := t.pager.FreePage(right.id); err != nil {
		return err
	}
	return t.removeSeparator(parent, idx, stack[:len(stack)-1])
}

// removeSeparator drops parent.keys[sepIdx] and the right-hand child route
// after a merge, cascading rebalance up the path.
func (t *Tree) removeSeparator(parent *node, sepIdx int, stack []pathEntry) error {
	parent.keys = append(parent.keys[:sepIdx], parent.keys[sepIdx+1:]...)
	parent.children = append(parent.children[:sepIdx+1], parent.children[sepIdx+2:]...)

	if len(stack) == 0 {
		// Parent is the root. Collapse it when it routes a single child.
		if len(parent.keys) == 0 {
			t.root = parent.children[0]
			return t.pager.FreePage(parent.id)
		}
		return t.writeNode(parent)
	}
	if len(parent.keys) >= t.minInternal() {
		return t.writeNode(parent)
	}
	return t.rebalanceInternal(parent, stack)
}

func (t *Tree) rebalanceInternal(n *node, stack []pathEntry) error {
	entry := stack[len(stack)-1]
	parent, idx := entry.n, entry.idx

	if idx > 0 {
		left, err := t.readNode(parent.children[idx-1])
		if err != nil {
			return err
		}
		if len(left.keys) > t.minInternal() {
			last := len(left.keys) - 1
			n.keys = append([]Key{parent.keys[idx-1]}, n.keys...)
			n.children = append([]uint64{left.children[last+1]}, n.children...)
			parent.keys[idx-1] = left.keys[last]
			left.keys = left.keys[:last]
			left.children = left.children[:last+1]
			return writeAll(t, left, n, parent)
		}
	}

	if idx < len(parent.children)-1 {
		right, err := t.readNode(parent.children[idx+1])
		if err != nil {
			return err
		}
		if len(right.keys) > t.minInternal() {
			n.keys = append(n.keys, parent.keys[idx])
			n.children = append(n.children, right.children[0])
			parent.keys[idx] = right.keys[0]
			right.keys = right.keys[1:]
			right.children = right.children[1:]
			return writeAll(t, n, right, parent)
		}
	}

	if idx > 0 {
		left, err := t.readNode(parent.children[idx-1])
		if err != nil {
			return err
		}
		left.keys = append(left.keys, parent.keys[idx-1])
		left.keys = append(left.keys, n.keys...)
		left.children = append(left.children, n.children...)
		if err := t.writeNode(left); err != nil {
			return err
		}
		if err := t.pager.FreePage(n.id); err != nil {
			return err
		}
		return t.removeSeparator(parent, idx-1, stack[:len(stack)-1])
	}

	right, err := t.readNode(parent.children[idx+1])
	if err != nil {
		return err
	}
	n.keys = append(n.keys, parent.keys[idx])
	n.keys = append(n.keys, right.keys...)
	n.children = append(n.children, right.children...)
	if err := t.writeNode(n); err != nil {
		return err
	}
	if err := t.pager.FreePage(right.id); err != nil {
		return err
	}
	return t.removeSeparator(parent, idx, stack[:len(stack)-1])
}

func writeAll(t *Tree, nodes ...*node) error {
	for _, n := range nodes {
		if err := t.writeNode(n); err != nil {
			return err
		}
	}
	return nil
}

// Traverse visits every record in key order.
func (t *Tree) Traverse(fn func(key Key, value []byte) error) error {
	n, err := t.readNode(t.root)
	if err != nil {
		return err
	}
	for !n.leaf {
		n, err = t.readNode(n.children[0])
		if err != nil {
			return err
		}
	}
	for {
		for i, k := range n.keys {
			v, verr := t.resolveValue(n.values[i])
			if verr != nil {
				return verr
			}
			if err := fn(k, v); err != nil {
				return err
			}
		}
		if n.next == nilPage {
			return nil
		}
		n, err = t.readNode(n.next)
		if err != nil {
			return err
		}
	}
}

// Count walks the leaf chain and returns the number of records.
func (t *Tree) Count() (int, error) {
	count := 0
	err := t.Traverse(func(Key, []byte) error {
		count++
		return nil
	})
	return count, err
}
