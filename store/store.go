// Package store provides a lazy, per-object PDF object loader: objects
// are parsed from the underlying file (or decoded out of an object
// stream) only the first time something asks for them, and the result
// is cached so a second request for the same reference is free.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/harborpdf/docmodel/docerr"
	"github.com/harborpdf/docmodel/filters"
	"github.com/harborpdf/docmodel/object"
	"github.com/harborpdf/docmodel/observability"
	"github.com/harborpdf/docmodel/recovery"
	"github.com/harborpdf/docmodel/scanner"
	"github.com/harborpdf/docmodel/security"
	"github.com/harborpdf/docmodel/xref"
)

// Config controls how a Store resolves and bounds object loading.
type Config struct {
	MaxIndirectDepth int
	Limits           security.Limits
	Logger           observability.Logger
	Recovery         recovery.Strategy
}

// Store lazily resolves indirect PDF objects against a reader and an
// already-resolved xref table. A single mutex guards the loader state,
// mirroring the single-owner borrow discipline a document model needs
// when objects may reference each other cyclically.
type Store struct {
	reader io.ReaderAt
	xref   xref.Table
	cfg    Config

	mu       sync.Mutex
	objects  map[object.ObjectRef]object.Object
	objstm   map[int]objStreamContents
	loading  map[object.ObjectRef]bool
}

type objStreamContents struct {
	byNum map[int]object.Object
}

// New returns a Store reading indirect objects from r, resolved
// through table.
func New(r io.ReaderAt, table xref.Table, cfg Config) *Store {
	if cfg.MaxIndirectDepth <= 0 {
		cfg.MaxIndirectDepth = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger{}
	}
	return &Store{
		reader:  r,
		xref:    table,
		cfg:     cfg,
		objects: make(map[object.ObjectRef]object.Object),
		objstm:  make(map[int]objStreamContents),
		loading: make(map[object.ObjectRef]bool),
	}
}

// ErrObjectCycle is returned when resolving an indirect reference would
// recurse back into an object already being loaded on the same call
// stack, or recursion exceeds Config.MaxIndirectDepth.
var ErrObjectCycle = errors.New("store: indirect reference cycle")

// Get resolves the object numbered by ref, loading and caching it on
// first access. The gen recorded in ref is informational only: like
// most readers, lookups are keyed on object number, since PDF writers
// essentially never emit more than one live generation of an object.
func (s *Store) Get(ctx context.Context, ref object.ObjectRef) (object.Object, error) {
	return s.get(ctx, ref, 0)
}

func (s *Store) get(ctx context.Context, ref object.ObjectRef, depth int) (object.Object, error) {
	if depth > s.cfg.MaxIndirectDepth {
		return nil, ErrObjectCycle
	}
	s.mu.Lock()
	if obj, ok := s.objects[ref]; ok {
		s.mu.Unlock()
		return obj, nil
	}
	if s.loading[ref] {
		s.mu.Unlock()
		return nil, ErrObjectCycle
	}
	s.loading[ref] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.loading, ref)
		s.mu.Unlock()
	}()

	obj, err := s.load(ctx, ref, depth)
	if err != nil {
		s.cfg.Logger.Warn("failed to load object", observability.Int("num", ref.Num), observability.Error("err", err))
		return nil, err
	}
	s.cfg.Logger.Debug("loaded object", observability.Int("num", ref.Num))

	s.mu.Lock()
	s.objects[ref] = obj
	s.mu.Unlock()
	return obj, nil
}

func (s *Store) load(ctx context.Context, ref object.ObjectRef, depth int) (object.Object, error) {
	if offset, _, ok := s.xref.Lookup(ref.Num); ok {
		return s.loadAtOffset(ctx, offset)
	}
	if streamNum, index, ok := s.xref.ObjStream(ref.Num); ok {
		return s.loadFromObjectStream(ctx, streamNum, ref.Num, index, depth)
	}
	if s.xref.Free(ref.Num) {
		return nil, docerr.ReferenceIsFree(ref.Num)
	}
	return nil, fmt.Errorf("store: object %d not found in xref", ref.Num)
}

func (s *Store) loadAtOffset(ctx context.Context, offset int64) (object.Object, error) {
	sc := scanner.New(s.reader, scanner.Config{
		MaxStreamLength: s.cfg.Limits.MaxStreamLength,
		MaxArrayDepth:   s.cfg.Limits.MaxIndirectDepth,
		MaxDictDepth:    s.cfg.Limits.MaxIndirectDepth,
		Recovery:        s.cfg.Recovery,
	})
	if err := sc.Seek(offset); err != nil {
		return nil, err
	}
	tr := object.NewTokenSource(sc)
	numTok, err := tr.Next()
	if err != nil {
		return nil, err
	}
	if numTok.Type != scanner.TokenNumber || !numTok.IsInt {
		return nil, errors.New("store: expected object number at xref offset")
	}

	// A stream's /Length may be an indirect reference; give ParseValue a
	// scanner that can resolve it by temporarily peeking into the file.
	length, hasLength := s.peekStreamLength(ctx, sc, numTok.Pos)
	if hasLength {
		sc.SetNextStreamLength(length)
	}

	_, val, err := object.ParseIndirectObject(tr, numTok)
	if err != nil {
		return nil, err
	}
	return val, nil
}

// peekStreamLength looks ahead from an object's start to see whether it
// opens a dictionary with a numeric /Length, so the scanner can be told
// the stream's exact byte length before it scans the stream payload. A
// /Length that is itself an indirect reference is resolved by scanning
// just that one small object, not by loading the whole store.
func (s *Store) peekStreamLength(ctx context.Context, probe scanner.Scanner, objStart int64) (int64, bool) {
	save := probe.Position()
	defer probe.Seek(save)

	// The probe scanner is already positioned right after the object
	// number token; read gen, "obj", and a dict open, then hunt for /Length.
	genTok, err := probe.Next()
	if err != nil || genTok.Type != scanner.TokenNumber {
		return 0, false
	}
	kwTok, err := probe.Next()
	if err != nil || kwTok.Type != scanner.TokenKeyword || kwTok.Str != "obj" {
		return 0, false
	}
	dictTok, err := probe.Next()
	if err != nil || dictTok.Type != scanner.TokenDict {
		return 0, false
	}
	depth := 1
	for depth > 0 {
		tok, err := probe.Next()
		if err != nil {
			return 0, false
		}
		switch tok.Type {
		case scanner.TokenDict:
			depth++
		case scanner.TokenArray:
			// skip nested array contents at a shallow level; good enough
			// for the common case of a flat stream dictionary.
			for {
				t, err := probe.Next()
				if err != nil {
					return 0, false
				}
				if t.Type == scanner.TokenKeyword && t.Str == "]" {
					break
				}
			}
		case scanner.TokenKeyword:
			if tok.Str == ">>" {
				depth--
				continue
			}
		case scanner.TokenName:
			if tok.Str == "Length" && depth == 1 {
				valTok, err := probe.Next()
				if err != nil {
					return 0, false
				}
				switch valTok.Type {
				case scanner.TokenNumber:
					return valTok.Int, valTok.IsInt
				case scanner.TokenRef:
					return s.resolveLengthRef(ctx, object.ObjectRef{Num: int(valTok.Int), Gen: valTok.Gen})
				}
			}
		}
	}
	return 0, false
}

func (s *Store) resolveLengthRef(ctx context.Context, ref object.ObjectRef) (int64, bool) {
	offset, _, ok := s.xref.Lookup(ref.Num)
	if !ok {
		return 0, false
	}
	sc := scanner.New(s.reader, scanner.Config{Recovery: s.cfg.Recovery})
	if err := sc.Seek(offset); err != nil {
		return 0, false
	}
	tr := object.NewTokenSource(sc)
	numTok, err := tr.Next()
	if err != nil {
		return 0, false
	}
	_, val, err := object.ParseIndirectObject(tr, numTok)
	if err != nil {
		return 0, false
	}
	n, ok := val.(object.NumberObj)
	if !ok {
		return 0, false
	}
	return n.Int(), n.IsInteger()
}

// loadFromObjectStream decodes the object stream streamNum (caching the
// whole thing the first time any of its members is requested) and
// returns the member identified by objNum/index within it.
func (s *Store) loadFromObjectStream(ctx context.Context, streamNum, objNum, index, depth int) (object.Object, error) {
	s.mu.Lock()
	contents, ok := s.objstm[streamNum]
	s.mu.Unlock()
	if !ok {
		var err error
		contents, err = s.decodeObjectStream(ctx, streamNum, depth)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.objstm[streamNum] = contents
		s.mu.Unlock()
	}
	obj, ok := contents.byNum[objNum]
	if !ok {
		return nil, fmt.Errorf("store: object %d not present in object stream %d", objNum, streamNum)
	}
	return obj, nil
}

func (s *Store) decodeObjectStream(ctx context.Context, streamNum, depth int) (objStreamContents, error) {
	streamObj, err := s.get(ctx, object.ObjectRef{Num: streamNum}, depth+1)
	if err != nil {
		return objStreamContents{}, err
	}
	stream, ok := streamObj.(object.Stream)
	if !ok {
		return objStreamContents{}, fmt.Errorf("store: object %d is not a stream", streamNum)
	}
	dict := stream.Dictionary()
	data := stream.RawData()

	if names, params := filters.ExtractFilters(dict); len(names) > 0 {
		p := filters.NewPipeline([]filters.Decoder{
			filters.NewFlateDecoder(),
			filters.NewLZWDecoder(),
			filters.NewASCII85Decoder(),
			filters.NewASCIIHexDecoder(),
			filters.NewRunLengthDecoder(),
			filters.NewCryptDecoder(),
		}, filters.Limits{MaxDecompressedSize: s.cfg.Limits.MaxDecompressedSize, MaxDecodeTime: s.cfg.Limits.MaxDecodeTime})
		decoded, err := p.Decode(ctx, data, names, params)
		if err != nil {
			return objStreamContents{}, fmt.Errorf("store: decode object stream %d: %w", streamNum, err)
		}
		data = decoded
	}
	s.cfg.Logger.Debug("decoded object stream", observability.Int("stream", streamNum), observability.Int(observability.MetricDecodedBytes, len(data)))

	nObj, ok := dict.Get(object.NameObj{Val: "N"})
	if !ok {
		return objStreamContents{}, fmt.Errorf("store: object stream %d missing /N", streamNum)
	}
	n, ok := nObj.(object.NumberObj)
	if !ok {
		return objStreamContents{}, fmt.Errorf("store: object stream %d /N is not a number", streamNum)
	}
	firstObj, ok := dict.Get(object.NameObj{Val: "First"})
	if !ok {
		return objStreamContents{}, fmt.Errorf("store: object stream %d missing /First", streamNum)
	}
	first, ok := firstObj.(object.NumberObj)
	if !ok {
		return objStreamContents{}, fmt.Errorf("store: object stream %d /First is not a number", streamNum)
	}

	headerScanner := scanner.New(bytes.NewReader(data[:first.Int()]), scanner.Config{Recovery: s.cfg.Recovery})
	htr := object.NewTokenSource(headerScanner)
	type pair struct{ num, offset int }
	pairs := make([]pair, 0, n.Int())
	for i := int64(0); i < n.Int(); i++ {
		numTok, err := htr.Next()
		if err != nil {
			return objStreamContents{}, fmt.Errorf("store: object stream %d header truncated: %w", streamNum, err)
		}
		offTok, err := htr.Next()
		if err != nil {
			return objStreamContents{}, fmt.Errorf("store: object stream %d header truncated: %w", streamNum, err)
		}
		if numTok.Type != scanner.TokenNumber || offTok.Type != scanner.TokenNumber {
			return objStreamContents{}, fmt.Errorf("store: object stream %d header malformed", streamNum)
		}
		pairs = append(pairs, pair{num: int(numTok.Int), offset: int(offTok.Int)})
	}

	byNum := make(map[int]object.Object, len(pairs))
	for _, p := range pairs {
		if first.Int()+int64(p.offset) > int64(len(data)) {
			return objStreamContents{}, fmt.Errorf("store: object stream %d member %d offset out of range", streamNum, p.num)
		}
		bodyScanner := scanner.New(bytes.NewReader(data[first.Int()+int64(p.offset):]), scanner.Config{Recovery: s.cfg.Recovery})
		btr := object.NewTokenSource(bodyScanner)
		val, err := object.ParseValue(btr)
		if err != nil {
			return objStreamContents{}, fmt.Errorf("store: object stream %d member %d: %w", streamNum, p.num, err)
		}
		byNum[p.num] = val
	}
	return objStreamContents{byNum: byNum}, nil
}

// Resolve follows obj one level if it is an indirect reference,
// otherwise returns it unchanged. Callers walking a dictionary's values
// typically want this rather than a raw type assertion.
func (s *Store) Resolve(ctx context.Context, obj object.Object) (object.Object, error) {
	ref, ok := obj.(object.Reference)
	if !ok {
		return obj, nil
	}
	return s.Get(ctx, ref.Ref())
}

// DecodeStream applies the filter pipeline named by a stream's own
// dictionary to its raw bytes.
func (s *Store) DecodeStream(ctx context.Context, stream object.Stream) ([]byte, error) {
	dict := stream.Dictionary()
	names, params := filters.ExtractFilters(dict)
	if len(names) == 0 {
		return stream.RawData(), nil
	}
	p := filters.NewPipeline([]filters.Decoder{
		filters.NewFlateDecoder(),
		filters.NewLZWDecoder(),
		filters.NewASCII85Decoder(),
		filters.NewASCIIHexDecoder(),
		filters.NewRunLengthDecoder(),
		filters.NewCryptDecoder(),
		filters.NewDCTDecoder(),
		filters.NewCCITTFaxDecoder(),
		filters.NewJPXDecoder(),
		filters.NewJBIG2Decoder(),
	}, filters.Limits{MaxDecompressedSize: s.cfg.Limits.MaxDecompressedSize, MaxDecodeTime: s.cfg.Limits.MaxDecodeTime})
	return p.Decode(ctx, stream.RawData(), names, params)
}
