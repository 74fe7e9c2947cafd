package split

import (
	"github.com/bobg/hashsplit"

	"github.com/bobg/snapsync"
)

var _ hashsplit.Node = (*nodeWrapper)(nil)

// nodeWrapper is the in-memory form of a tree node during a Write.
// Leaf chunks are already in the store;
// the node itself is stored only once the root is known,
// so nodes pruned from the top of the tree are never written.
type nodeWrapper struct {
	offset, size uint64
	leaves       []snapsync.Ref
	children     []*nodeWrapper
}

func (n *nodeWrapper) Offset() uint64   { return n.offset }
func (n *nodeWrapper) Size() uint64     { return n.size }
func (n *nodeWrapper) NumChildren() int { return len(n.children) }

func (n *nodeWrapper) Child(i int) (hashsplit.Node, error) {
	return n.children[i], nil
}
