// Package split implements reading and writing of hashsplit trees in a blob store.
// See github.com/bobg/hashsplit for more information.
package split

import (
	"context"
	"io"

	"github.com/bobg/hashsplit"
	"github.com/pkg/errors"

	"github.com/bobg/snapsync"
)

// Node is a stored node of a hashsplit tree.
// Interior nodes list the refs of their children in Nodes;
// leaf-level nodes list the refs of content chunks in Leaves.
type Node struct {
	Size   uint64         `json:"size"`
	Leaves []snapsync.Ref `json:"leaves,omitempty"`
	Nodes  []snapsync.Ref `json:"nodes,omitempty"`
}

// Writer is an io.WriteCloser that splits its input with a hashsplit.Splitter,
// writing the chunks to a snapsync.Store as separate blobs.
// It additionally assembles those chunks into a tree with a hashsplit.TreeBuilder.
// The tree nodes are also written to the store as JSON-encoded Node objects.
// The ref of the tree root is available as Writer.Root after a call to Close.
// Empty input produces the zero ref.
type Writer struct {
	Ctx    context.Context
	Root   snapsync.Ref // populated by Close
	N      int64        // bytes written
	st     snapsync.Store
	spl    *hashsplit.Splitter
	tb     *hashsplit.TreeBuilder
	fanout uint

	// Each chunk is added to tb one chunk late,
	// so the final one can be added at level 0.
	pending      []byte
	pendingLevel uint
}

// NewWriter produces a new Writer writing to the given blob store.
// The given context object is stored in the Writer and used in subsequent calls to Write and Close.
// This is an antipattern but acceptable when an object must adhere to a context-free stdlib interface
// (https://github.com/golang/go/wiki/CodeReviewComments#contexts).
// Callers may replace the context object during the lifetime of the Writer as needed.
func NewWriter(ctx context.Context, st snapsync.Store, opts ...Option) *Writer {
	w := &Writer{
		Ctx:    ctx,
		st:     st,
		fanout: 4,
	}
	w.tb = &hashsplit.TreeBuilder{F: w.transform}
	spl := hashsplit.NewSplitter(func(chunk []byte, level uint) error {
		if err := w.flush(); err != nil {
			return err
		}
		w.pending, w.pendingLevel = chunk, level
		return nil
	})
	spl.MinSize = 1024
	spl.SplitBits = 14
	w.spl = spl
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Writer) flush() error {
	if w.pending == nil {
		return nil
	}
	level := w.pendingLevel
	if w.fanout > 0 {
		level /= w.fanout
	}
	err := w.tb.Add(w.pending, level)
	w.pending = nil
	return errors.Wrap(err, "adding chunk to tree")
}

// transform stores the chunks of a completed leaf node
// and replaces the node with its in-memory summary.
func (w *Writer) transform(n *hashsplit.TreeBuilderNode) (hashsplit.Node, error) {
	nw := &nodeWrapper{offset: n.Offset(), size: n.Size()}
	for _, chunk := range n.Chunks {
		ref, _, err := w.st.Put(w.Ctx, chunk)
		if err != nil {
			return nil, errors.Wrap(err, "writing split chunk to store")
		}
		nw.leaves = append(nw.leaves, ref)
	}
	for _, child := range n.Nodes {
		cw, ok := child.(*nodeWrapper)
		if !ok {
			return nil, errors.Errorf("unexpected tree node type %T", child)
		}
		nw.children = append(nw.children, cw)
	}
	return nw, nil
}

// Write implements io.Writer.
func (w *Writer) Write(inp []byte) (int, error) {
	n, err := w.spl.Write(inp)
	w.N += int64(n)
	return n, err
}

// Close implements io.Closer.
func (w *Writer) Close() error {
	if w.tb == nil {
		return nil
	}
	err := w.spl.Close()
	if err != nil {
		return err
	}
	if w.N == 0 {
		w.tb = nil
		return nil
	}
	w.pendingLevel = 0
	if err = w.flush(); err != nil {
		return err
	}
	root, err := w.tb.Root()
	if err != nil {
		return errors.Wrap(err, "computing tree root")
	}
	rw, ok := root.(*nodeWrapper)
	if !ok {
		return errors.Errorf("unexpected tree root type %T", root)
	}
	rootRef, err := storeTree(w.Ctx, w.st, rw)
	if err != nil {
		return err
	}
	w.Root = rootRef
	w.tb = nil
	return nil
}

func storeTree(ctx context.Context, s snapsync.Store, n *nodeWrapper) (snapsync.Ref, error) {
	tn := &Node{Size: n.size, Leaves: n.leaves}
	for _, child := range n.children {
		childRef, err := storeTree(ctx, s, child)
		if err != nil {
			return snapsync.Zero, err
		}
		tn.Nodes = append(tn.Nodes, childRef)
	}
	ref, _, err := snapsync.PutJSON(ctx, s, tn)
	return ref, errors.Wrap(err, "storing tree node")
}

type Option func(*Writer)

func Bits(n uint) Option {
	return func(w *Writer) {
		w.spl.SplitBits = n
	}
}

func MinSize(n int) Option {
	return func(w *Writer) {
		w.spl.MinSize = n
	}
}

func Fanout(n uint) Option {
	return func(w *Writer) {
		w.fanout = n
	}
}

// Write splits the content of r into st
// and returns the root ref and the number of bytes consumed.
func Write(ctx context.Context, st snapsync.Store, r io.Reader, opts ...Option) (snapsync.Ref, int64, error) {
	w := NewWriter(ctx, st, opts...)
	if _, err := io.Copy(w, r); err != nil {
		return snapsync.Zero, 0, errors.Wrap(err, "splitting input")
	}
	if err := w.Close(); err != nil {
		return snapsync.Zero, 0, errors.Wrap(err, "finishing split tree")
	}
	return w.Root, w.N, nil
}

// Read reads blobs from `g`,
// reassembling the content of the blob tree created with Write
// and writing it to `w`.
// The ref of the root Node is given by `ref`.
func Read(ctx context.Context, g snapsync.Getter, ref snapsync.Ref, w io.Writer) error {
	if ref.IsZero() {
		return nil
	}
	var tn Node
	err := snapsync.GetJSON(ctx, g, ref, &tn)
	if err != nil {
		return err
	}
	return splitRead(ctx, g, &tn, w)
}

func splitRead(ctx context.Context, g snapsync.Getter, n *Node, w io.Writer) error {
	if len(n.Leaves) > 0 {
		return splitReadHelper(ctx, g, n.Leaves, func(m []byte) error {
			_, err := w.Write(m)
			return err
		})
	}
	for _, child := range n.Nodes {
		var tn Node
		err := snapsync.GetJSON(ctx, g, child, &tn)
		if err != nil {
			return err
		}
		if err = splitRead(ctx, g, &tn, w); err != nil {
			return err
		}
	}
	return nil
}

func splitReadHelper(ctx context.Context, g snapsync.Getter, subrefs []snapsync.Ref, do func([]byte) error) error {
	blobs, err := snapsync.GetMulti(ctx, g, subrefs)
	if err != nil {
		return errors.Wrap(err, "getting chunks")
	}
	for _, subref := range subrefs {
		err = do(blobs[subref])
		if err != nil {
			return err
		}
	}
	return nil
}

// Refs calls f for every ref in the tree rooted at ref:
// the nodes themselves and the content chunks they point to.
// Children are visited before their parents.
func Refs(ctx context.Context, g snapsync.Getter, ref snapsync.Ref, f func(snapsync.Ref) error) error {
	if ref.IsZero() {
		return nil
	}
	var tn Node
	err := snapsync.GetJSON(ctx, g, ref, &tn)
	if err != nil {
		return err
	}
	for _, leaf := range tn.Leaves {
		if err = f(leaf); err != nil {
			return err
		}
	}
	for _, child := range tn.Nodes {
		if err = Refs(ctx, g, child, f); err != nil {
			return err
		}
	}
	return f(ref)
}
