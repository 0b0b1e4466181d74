package pagetree

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/harborpdf/docmodel/object"
	"github.com/harborpdf/docmodel/store"
)

type memReader struct{ data []byte }

func (r *memReader) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[off:])
	if off+int64(n) >= int64(len(r.data)) {
		return n, io.EOF
	}
	return n, nil
}

// buildPagesTree lays out a real byte-addressable PDF fragment (no
// header/trailer needed) so the store's normal offset-based loader can
// resolve each node, and returns a Store plus the ref of the tree root.
// The root's /Count (5) overstates the two leaves the tree really has.
func buildPagesTree(t *testing.T) (*store.Store, object.ObjectRef) {
	t.Helper()
	type obj struct {
		num  int
		body string
	}
	defs := []obj{
		{1, "<< /Type /Pages /Kids [2 0 R 3 0 R] /Count 5 /MediaBox [0 0 612 792] >>"},
		{2, "<< /Type /Page /Parent 1 0 R >>"},
		{3, "<< /Type /Page /Parent 1 0 R /Rotate 90 >>"},
	}
	var raw []byte
	offsets := map[int]int64{}
	for _, d := range defs {
		offsets[d.num] = int64(len(raw))
		raw = append(raw, []byte(itoaObj(d.num)+" 0 obj\n"+d.body+"\nendobj\n")...)
	}
	r := &memReader{data: raw}
	tbl := &offsetTable{offsets: offsets}
	st := store.New(r, tbl, store.Config{})
	return st, object.ObjectRef{Num: 1}
}

func itoaObj(n int) string {
	switch n {
	case 1:
		return "1"
	case 2:
		return "2"
	case 3:
		return "3"
	default:
		return "?"
	}
}

type offsetTable struct {
	offsets map[int]int64
}

func (t *offsetTable) Lookup(num int) (int64, int, bool) {
	off, ok := t.offsets[num]
	return off, 0, ok
}
func (t *offsetTable) ObjStream(num int) (int, int, bool) { return 0, 0, false }
func (t *offsetTable) Free(num int) bool                  { return false }
func (t *offsetTable) Trailer() *object.DictObj           { return nil }
func (t *offsetTable) Objects() []int                     { return nil }
func (t *offsetTable) Type() string                       { return "offsetTable" }

func TestIteratorWalksPreOrderWithInheritance(t *testing.T) {
	st, rootRef := buildPagesTree(t)
	it, err := New(context.Background(), st, rootRef, 0)
	if err != nil {
		t.Fatalf("new iterator: %v", err)
	}

	page, err := it.Next()
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if page.MediaBox.URx != 612 {
		t.Fatalf("expected inherited MediaBox from the root, got %+v", page.MediaBox)
	}
	if page.Rotate != 0 {
		t.Fatalf("expected first page's own Rotate (unset->0), got %d", page.Rotate)
	}

	page, err = it.Next()
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if page.Rotate != 90 {
		t.Fatalf("expected second page's own Rotate 90, got %d", page.Rotate)
	}
	if page.MediaBox.URx != 612 {
		t.Fatalf("expected second page to inherit the root's MediaBox, got %+v", page.MediaBox)
	}

	if _, err := it.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after the last page, got %v", err)
	}
}

func TestCountPagesIgnoresWrongCountHint(t *testing.T) {
	st, rootRef := buildPagesTree(t)
	n, err := CountPages(context.Background(), st, rootRef)
	if err != nil {
		t.Fatalf("count pages: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 actual pages, got %d", n)
	}
}
