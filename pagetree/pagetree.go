// Package pagetree implements a single-pass, pull-based depth-first
// walk over a document's pages tree. Each call to Iterator.Next
// resolves exactly the nodes needed to produce the next leaf Page,
// rather than materializing the whole tree up front.
package pagetree

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/harborpdf/docmodel/object"
	"github.com/harborpdf/docmodel/observability"
	"github.com/harborpdf/docmodel/store"
	"github.com/harborpdf/docmodel/structures"
)

// frame is one pending intermediate node on the DFS stack: its
// inherited attributes, and the index of the next kid to descend into.
type frame struct {
	kids       []object.ObjectRef
	next       int
	attributes structures.InheritableAttributes
}

// Iterator walks a pages tree in pre-order, yielding leaves as Pages.
type Iterator struct {
	ctx      context.Context
	store    *store.Store
	stack    []frame
	visited  map[object.ObjectRef]bool
	sizeHint int64
	pending  *structures.Node

	// Tracer, if set, wraps each Next call in a span. Left nil by New;
	// callers that want tracing set it after construction.
	Tracer observability.Tracer
}

// ErrCycle is returned from Next when the tree reaches a node already
// visited earlier in this walk, which would otherwise loop forever.
var ErrCycle = errors.New("pagetree: cycle detected in pages tree")

// New starts an iterator rooted at the Catalog's /Pages entry. A
// sizeHint of zero or less is replaced by the root's own /Count.
func New(ctx context.Context, st *store.Store, rootRef object.ObjectRef, sizeHint int64) (*Iterator, error) {
	root, err := structures.LoadNode(ctx, st, rootRef, structures.InheritableAttributes{})
	if err != nil {
		return nil, fmt.Errorf("pagetree: load root: %w", err)
	}
	if sizeHint <= 0 {
		sizeHint = root.CountHint
	}
	it := &Iterator{
		ctx:      ctx,
		store:    st,
		visited:  map[object.ObjectRef]bool{rootRef: true},
		sizeHint: sizeHint,
	}
	if root.IsLeaf {
		// A tree with a single page for its own root; keep the
		// already-loaded node pending so Next returns it as-is.
		it.pending = &root
		return it, nil
	}
	it.stack = append(it.stack, frame{kids: root.Kids, attributes: root.Attributes})
	return it, nil
}

// Next returns the next leaf page in pre-order, or io.EOF when the
// tree is exhausted.
func (it *Iterator) Next() (structures.Page, error) {
	if it.Tracer != nil {
		var span observability.Span
		it.ctx, span = it.Tracer.StartSpan(it.ctx, "pagetree.Next")
		defer span.Finish()
	}
	if it.pending != nil {
		n := *it.pending
		it.pending = nil
		page, err := structures.NewPage(it.ctx, it.store, n)
		if err != nil {
			return structures.Page{}, fmt.Errorf("pagetree: build page %s: %w", n.Ref, err)
		}
		return page, nil
	}
	for len(it.stack) > 0 {
		top := &it.stack[len(it.stack)-1]
		if top.next >= len(top.kids) {
			it.stack = it.stack[:len(it.stack)-1]
			continue
		}
		ref := top.kids[top.next]
		top.next++

		if it.visited[ref] {
			return structures.Page{}, ErrCycle
		}
		it.visited[ref] = true

		node, err := structures.LoadNode(it.ctx, it.store, ref, top.attributes)
		if err != nil {
			return structures.Page{}, fmt.Errorf("pagetree: load node %s: %w", ref, err)
		}
		if node.IsLeaf {
			page, err := structures.NewPage(it.ctx, it.store, node)
			if err != nil {
				return structures.Page{}, fmt.Errorf("pagetree: build page %s: %w", node.Ref, err)
			}
			return page, nil
		}
		it.stack = append(it.stack, frame{kids: node.Kids, attributes: node.Attributes})
	}
	return structures.Page{}, io.EOF
}

// SizeHint returns the /Count advertised by the tree's root, if any.
// It is a hint, not a guarantee: a document with a wrong or missing
// /Count is still walked correctly by Next, just without an accurate
// upfront count.
func (it *Iterator) SizeHint() int64 { return it.sizeHint }

// CountPages walks the entire tree once, returning how many leaves it
// actually contains. Unlike SizeHint, this is always correct, since it
// counts what Next would yield rather than trusting /Count.
func CountPages(ctx context.Context, st *store.Store, rootRef object.ObjectRef) (int64, error) {
	it, err := New(ctx, st, rootRef, 0)
	if err != nil {
		return 0, err
	}
	var n int64
	for {
		_, err := it.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, err
		}
		n++
	}
}
