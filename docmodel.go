// Package docmodel is the read-only PDF document model: given a
// reader, it locates and parses just enough of the file (header,
// cross-reference information, catalog) to answer Info/Version/Pages
// queries, resolving the rest of the document lazily as callers ask
// for it.
package docmodel

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/harborpdf/docmodel/docerr"
	"github.com/harborpdf/docmodel/object"
	"github.com/harborpdf/docmodel/observability"
	"github.com/harborpdf/docmodel/pagetree"
	"github.com/harborpdf/docmodel/recovery"
	"github.com/harborpdf/docmodel/security"
	"github.com/harborpdf/docmodel/store"
	"github.com/harborpdf/docmodel/structures"
	"github.com/harborpdf/docmodel/xref"
)

// Options configures how a Document is opened.
type Options struct {
	Recovery recovery.Strategy
	Limits   security.Limits
	Logger   observability.Logger
	Tracer   observability.Tracer
}

// Document is a lazily-resolved handle on an open PDF file.
type Document struct {
	reader   io.ReaderAt
	fileSize int64
	version  string
	table    xref.Table
	store    *store.Store
	catalog  structures.Catalog
	info     structures.Info
	logger   observability.Logger
	tracer   observability.Tracer
}

var headerPattern = regexp.MustCompile(`%PDF-(\d\.\d)`)

// Open parses the header and cross-reference information of the PDF
// in r (size bytes long) and returns a Document. It returns a
// *docerr.Error wrapping docerr.ErrEncryptedDocument, without reading
// any further, if the document's trailer names an /Encrypt dictionary:
// decrypting documents is out of scope for this model.
func Open(ctx context.Context, r io.ReaderAt, size int64, opts Options) (*Document, error) {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NopLogger{}
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = observability.NopTracer()
	}
	ctx, span := tracer.StartSpan(ctx, "docmodel.Open")
	defer span.Finish()

	if opts.Limits.MaxParseTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Limits.MaxParseTime)
		defer cancel()
	}

	version, err := readVersion(r)
	if err != nil {
		span.SetError(err)
		return nil, docerr.New(docerr.KindOpen, "header", err)
	}
	logger.Debug("parsed header", observability.String("version", version))

	resolver := xref.NewResolver(xref.ResolverConfig{
		MaxXRefDepth: opts.Limits.MaxXRefDepth,
		Recovery:     opts.Recovery,
		Logger:       logger,
		Size:         size,
	})
	table, err := resolver.Resolve(ctx, r)
	if err != nil {
		span.SetError(err)
		return nil, docerr.New(docerr.KindXref, "resolve", err)
	}

	trailer := table.Trailer()
	if security.IsEncrypted(trailer) {
		logger.Warn("rejected encrypted document")
		err := docerr.EncryptedDocument()
		span.SetError(err)
		return nil, err
	}

	st := store.New(r, table, store.Config{
		MaxIndirectDepth: opts.Limits.MaxIndirectDepth,
		Limits:           opts.Limits,
		Logger:           logger,
		Recovery:         opts.Recovery,
	})

	doc := &Document{
		reader:   r,
		fileSize: size,
		version:  version,
		table:    table,
		store:    st,
		logger:   logger,
		tracer:   tracer,
	}

	if rootObj, ok := trailer.Get(object.NameObj{Val: "Root"}); ok {
		ref, ok := rootObj.(object.Reference)
		if !ok {
			err := fmt.Errorf("not an indirect reference")
			span.SetError(err)
			return nil, docerr.New(docerr.KindStructure, "trailer /Root", err)
		}
		obj, err := st.Get(ctx, ref.Ref())
		if err != nil {
			span.SetError(err)
			return nil, docerr.New(docerr.KindObject, "load catalog", err)
		}
		dict, ok := obj.(object.Dictionary)
		if !ok {
			err := fmt.Errorf("root object is not a dictionary")
			span.SetError(err)
			return nil, docerr.New(docerr.KindStructure, "catalog", err)
		}
		cat, err := structures.DecodeCatalog(dict)
		if err != nil {
			span.SetError(err)
			return nil, docerr.New(docerr.KindStructure, "catalog", err)
		}
		doc.catalog = cat
	} else {
		err := fmt.Errorf("missing /Root")
		span.SetError(err)
		return nil, docerr.New(docerr.KindStructure, "trailer", err)
	}

	if infoObj, ok := trailer.Get(object.NameObj{Val: "Info"}); ok {
		if ref, ok := infoObj.(object.Reference); ok {
			if obj, err := st.Get(ctx, ref.Ref()); err == nil {
				if dict, ok := obj.(object.Dictionary); ok {
					doc.info = structures.DecodeInfo(dict)
				}
			}
		}
	}

	logger.Info("opened document", observability.String("version", version))
	return doc, nil
}

func readVersion(r io.ReaderAt) (string, error) {
	buf := make([]byte, 1024)
	n, err := r.ReadAt(buf, 0)
	if err != nil && n == 0 {
		return "", err
	}
	buf = buf[:n]
	m := headerPattern.FindSubmatch(buf)
	if m == nil {
		return "", fmt.Errorf("docmodel: no %%PDF- header found")
	}
	return string(m[1]), nil
}

// Version returns the document's declared PDF version, e.g. "1.7".
func (d *Document) Version() string { return d.version }

// FileSize returns the size in bytes of the underlying file.
func (d *Document) FileSize() int64 { return d.fileSize }

// Info returns the document information dictionary, if present.
func (d *Document) Info() structures.Info { return d.info }

// Catalog returns the decoded document catalog.
func (d *Document) Catalog() structures.Catalog { return d.catalog }

// Hash is a document's trailer /ID: a pair of byte strings an incremental
// update carries unchanged (Initial) and may rewrite on every save
// (Current). It identifies a document's lineage across revisions; it is
// not a content digest.
type Hash struct {
	Initial []byte
	Current []byte
}

// String formats the pair as paired hex bytes, dashed every 8 bytes,
// joined by a colon: "initial:current".
func (h Hash) String() string {
	return hashHex(h.Initial) + ":" + hashHex(h.Current)
}

func hashHex(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b)*2 + len(b)/8)
	for i, el := range b {
		if i != 0 && i%8 == 0 {
			sb.WriteByte('-')
		}
		fmt.Fprintf(&sb, "%02x", el)
	}
	return sb.String()
}

// Hash returns the document's trailer /ID pair, if present. Producers
// are not required to write /ID, so callers must handle the ok=false
// case rather than assume every document identifies itself this way.
func (d *Document) Hash() (Hash, bool) {
	id, ok := d.table.Trailer().Get(object.NameObj{Val: "ID"})
	if !ok {
		return Hash{}, false
	}
	arr, ok := id.(*object.ArrayObj)
	if !ok || arr.Len() != 2 {
		return Hash{}, false
	}
	first, ok := arr.Get(0)
	if !ok {
		return Hash{}, false
	}
	second, ok := arr.Get(1)
	if !ok {
		return Hash{}, false
	}
	initial, ok := first.(object.String)
	if !ok {
		return Hash{}, false
	}
	current, ok := second.(object.String)
	if !ok {
		return Hash{}, false
	}
	return Hash{Initial: initial.Value(), Current: current.Value()}, true
}

// Pages returns a pull-based iterator over the document's pages, in
// pre-order, with inheritable attributes (Resources, MediaBox, CropBox,
// Rotate) already cascaded down from ancestor nodes.
func (d *Document) Pages(ctx context.Context) (*pagetree.Iterator, error) {
	it, err := pagetree.New(ctx, d.store, d.catalog.PagesRef, 0)
	if err != nil {
		return nil, err
	}
	it.Tracer = d.tracer
	return it, nil
}

// PageCount walks the whole pages tree once to report an exact count.
// Use this rather than trusting any single node's /Count, which
// producers sometimes get wrong.
func (d *Document) PageCount(ctx context.Context) (int64, error) {
	ctx, span := d.tracer.StartSpan(ctx, "docmodel.PageCount")
	defer span.Finish()
	n, err := pagetree.CountPages(ctx, d.store, d.catalog.PagesRef)
	if err != nil {
		span.SetError(err)
		return 0, err
	}
	span.SetTag(observability.MetricPageCount, n)
	d.logger.Debug("counted pages", observability.Int64(observability.MetricPageCount, n))
	return n, nil
}

// Object resolves a single indirect object by reference, for callers
// that need to walk beyond what Catalog/Info/Pages expose directly.
func (d *Document) Object(ctx context.Context, ref object.ObjectRef) (object.Object, error) {
	return d.store.Get(ctx, ref)
}

// DecodeStream applies stream's filter pipeline and returns the
// decoded bytes.
func (d *Document) DecodeStream(ctx context.Context, stream object.Stream) ([]byte, error) {
	return d.store.DecodeStream(ctx, stream)
}
