// Package xref locates and parses a PDF's cross-reference information:
// classic xref tables, cross-reference streams, and the /Prev chain of
// incremental updates that links one version of the file to the next.
package xref

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/harborpdf/docmodel/filters"
	"github.com/harborpdf/docmodel/object"
	"github.com/harborpdf/docmodel/observability"
	"github.com/harborpdf/docmodel/recovery"
	"github.com/harborpdf/docmodel/scanner"
)

// Table holds object offsets for one resolved generation of a PDF's
// cross-reference information, already merged across any /Prev chain.
type Table interface {
	Lookup(objNum int) (offset int64, gen int, found bool)
	ObjStream(objNum int) (streamObj int, index int, ok bool)
	// Free reports whether objNum's xref entry is explicitly marked free
	// (type 'f' in a classic table, type 0 in a cross-reference stream),
	// as opposed to simply being absent from the table altogether.
	Free(objNum int) bool
	Objects() []int
	Type() string
	Trailer() *object.DictObj
}

// Resolver locates and parses xref information in a PDF.
type Resolver interface {
	Resolve(ctx context.Context, r io.ReaderAt) (Table, error)
	Linearized() bool
	Incremental() []Table
}

type ResolverConfig struct {
	MaxXRefDepth int
	Recovery     recovery.Strategy
	Logger       observability.Logger
	// Size, if known, is the total byte size of the document being
	// resolved. When set, Resolve first probes a small tail window
	// instead of reading the whole file just to locate startxref.
	Size int64
}

// NewResolver returns a resolver that follows startxref, parses either
// a classic table or an xref stream, and chains through /Prev until it
// runs out of predecessors, a cycle is detected, or MaxXRefDepth
// generations have been visited.
func NewResolver(cfg ResolverConfig) Resolver {
	depth := cfg.MaxXRefDepth
	if depth <= 0 {
		depth = 50
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger{}
	}
	return &tableResolver{maxDepth: depth, logger: logger, recovery: cfg.Recovery, size: cfg.Size}
}

type tableResolver struct {
	maxDepth    int
	generations []Table
	logger      observability.Logger
	recovery    recovery.Strategy
	size        int64
}

// tailWindowSize bounds the bootstrap probe used to locate startxref
// before falling back to reading the whole file: most producers write
// the trailer and startxref pointer in the last few hundred bytes.
const tailWindowSize = int64(4096)

func (t *tableResolver) Resolve(ctx context.Context, r io.ReaderAt) (Table, error) {
	data, windowed := t.bootstrapWindow(r)

	startxref := bytes.LastIndex(data, []byte("startxref"))
	if startxref < 0 && windowed {
		// The tail window didn't carry a startxref keyword (an unusually
		// long trailer, or padding after %%EOF); fall back to reading
		// and searching the whole file before giving up on it entirely.
		data = readAll(r)
		windowed = false
		startxref = bytes.LastIndex(data, []byte("startxref"))
	}
	if startxref < 0 {
		t.logger.Warn("no startxref found, falling back to repair scan")
		return repair(ctx, r, int64(len(data)), t.recovery)
	}
	offset, err := parseStartxrefOffset(data[startxref+len("startxref"):])
	if err != nil && windowed {
		data = readAll(r)
		windowed = false
		if startxref = bytes.LastIndex(data, []byte("startxref")); startxref >= 0 {
			offset, err = parseStartxrefOffset(data[startxref+len("startxref"):])
		}
	}
	if err != nil {
		t.logger.Warn("unparsable startxref offset, falling back to repair scan", observability.Error("err", err))
		return repair(ctx, r, int64(len(data)), t.recovery)
	}

	if windowed {
		// Locating startxref from the tail window is cheap, but actually
		// walking the xref chain needs file-anchored absolute offsets,
		// which may point anywhere earlier in the file.
		data = readAll(r)
	}

	visited := make(map[int64]bool)
	var chain []Table
	for offset > 0 {
		if offset >= int64(len(data)) {
			return nil, fmt.Errorf("xref offset out of range: %d", offset)
		}
		if visited[offset] {
			break // /Prev cycle: stop chaining, keep what we already merged
		}
		visited[offset] = true
		if len(chain) >= t.maxDepth {
			break
		}

		gen, err := parseGeneration(ctx, data, offset, t.recovery)
		if err != nil {
			if len(chain) == 0 {
				return nil, err
			}
			break
		}
		chain = append(chain, gen)

		prev, ok := prevOffset(gen.Trailer())
		if !ok {
			break
		}
		offset = prev
	}

	if len(chain) == 0 {
		t.logger.Warn("no xref generation parsed, falling back to repair scan")
		return repair(ctx, r, int64(len(data)), t.recovery)
	}

	t.logger.Debug("resolved xref chain", observability.Int("generations", len(chain)))
	t.generations = chain
	return mergeChain(chain), nil
}

// bootstrapWindow returns the last tailWindowSize bytes of the file when
// its size is known to be worth windowing, reporting windowed=true; it
// falls back to reading the whole file (windowed=false) when the size
// wasn't supplied or is small enough that windowing buys nothing.
func (t *tableResolver) bootstrapWindow(r io.ReaderAt) ([]byte, bool) {
	if t.size <= tailWindowSize {
		return readAll(r), false
	}
	tail := make([]byte, tailWindowSize)
	n, err := r.ReadAt(tail, t.size-tailWindowSize)
	if err != nil && err != io.EOF {
		return readAll(r), false
	}
	return tail[:n], true
}

func (t *tableResolver) Linearized() bool     { return false }
func (t *tableResolver) Incremental() []Table { return t.generations }

func parseStartxrefOffset(rest []byte) (int64, error) {
	lines := bufio.NewScanner(bytes.NewReader(rest))
	for lines.Scan() {
		text := strings.TrimSpace(lines.Text())
		if text == "" {
			continue
		}
		val, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse startxref: %w", err)
		}
		return val, nil
	}
	return 0, errors.New("startxref has no offset")
}

func prevOffset(trailer *object.DictObj) (int64, bool) {
	if trailer == nil {
		return 0, false
	}
	v, ok := trailer.Get(object.NameObj{Val: "Prev"})
	if !ok {
		return 0, false
	}
	n, ok := v.(object.NumberObj)
	if !ok {
		return 0, false
	}
	return n.Int(), true
}

// parseGeneration parses a single xref section (classic table or
// stream) at offset, without following /Prev.
func parseGeneration(ctx context.Context, data []byte, offset int64, rec recovery.Strategy) (Table, error) {
	tableData := data[offset:]
	sc := bufio.NewScanner(bytes.NewReader(tableData))
	if !sc.Scan() || strings.TrimSpace(sc.Text()) != "xref" {
		st, err := parseXRefStream(ctx, data, offset, rec)
		if err != nil {
			return nil, fmt.Errorf("xref keyword not found at offset %d: %w", offset, err)
		}
		return st, nil
	}
	return parseClassicTable(tableData[len("xref\n"):], rec)
}

func parseClassicTable(rest []byte, rec recovery.Strategy) (Table, error) {
	sc := bufio.NewScanner(bytes.NewReader(rest))
	entries := make(map[int]entry)
	var trailerStart int
	consumed := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		consumed += len(sc.Bytes()) + 1
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "trailer") {
			trailerStart = consumed
			break
		}
		parts := strings.Fields(line)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid xref subsection header: %q", line)
		}
		startObj, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("parse xref start: %w", err)
		}
		count, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("parse xref count: %w", err)
		}
		for i := 0; i < count; i++ {
			if !sc.Scan() {
				return nil, errors.New("unexpected end of xref section")
			}
			consumed += len(sc.Bytes()) + 1
			entryLine := strings.TrimSpace(sc.Text())
			fields := strings.Fields(entryLine)
			if len(fields) < 3 {
				return nil, fmt.Errorf("invalid xref entry: %q", entryLine)
			}
			off, err := strconv.ParseInt(fields[0], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse xref offset: %w", err)
			}
			gen, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, fmt.Errorf("parse xref gen: %w", err)
			}
			if _, exists := entries[startObj+i]; exists {
				continue
			}
			if len(fields[2]) == 0 || fields[2][0] != 'n' {
				entries[startObj+i] = entry{free: true}
				continue
			}
			entries[startObj+i] = entry{offset: off, gen: gen}
		}
	}

	var trailer *object.DictObj
	if trailerStart > 0 && trailerStart <= len(rest) {
		s := scanner.New(bytes.NewReader(rest[trailerStart:]), scanner.Config{Recovery: rec})
		tr := object.NewTokenSource(s)
		tok, err := tr.Next()
		if err == nil && tok.Type == scanner.TokenDict {
			tr.Unread(tok)
			if val, err := object.ParseValue(tr); err == nil {
				if dict, ok := val.(*object.DictObj); ok {
					trailer = dict
				}
			}
		}
	}
	if trailer == nil {
		trailer = object.Dict()
	}
	return &table{entries: entries, trailerDict: trailer}, nil
}

// entry is one xref row, either an occupied object with its offset and
// generation, or an explicitly free one (free being true, offset/gen
// meaningless).
type entry struct {
	offset int64
	gen    int
	free   bool
}

type table struct {
	entries     map[int]entry
	trailerDict *object.DictObj
}

func (t *table) Lookup(objNum int) (int64, int, bool) {
	e, ok := t.entries[objNum]
	if !ok || e.free {
		return 0, 0, false
	}
	return e.offset, e.gen, true
}

func (t *table) Free(objNum int) bool {
	e, ok := t.entries[objNum]
	return ok && e.free
}

func (t *table) Objects() []int {
	out := make([]int, 0, len(t.entries))
	for k := range t.entries {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

func (t *table) Type() string                          { return "table" }
func (t *table) ObjStream(objNum int) (int, int, bool) { return 0, 0, false }
func (t *table) Trailer() *object.DictObj               { return t.trailerDict }

// streamTable supports xref streams with object stream references.
type streamTable struct {
	offsets   map[int]entry
	objStream map[int]compressedRef
	trailer   *object.DictObj
}

type compressedRef struct {
	objstm int
	idx    int
}

func (t *streamTable) Lookup(objNum int) (int64, int, bool) {
	if e, ok := t.offsets[objNum]; ok && !e.free {
		return e.offset, e.gen, true
	}
	return 0, 0, false
}

func (t *streamTable) Free(objNum int) bool {
	e, ok := t.offsets[objNum]
	return ok && e.free
}

func (t *streamTable) ObjStream(objNum int) (int, int, bool) {
	if e, ok := t.objStream[objNum]; ok {
		return e.objstm, e.idx, true
	}
	return 0, 0, false
}

func (t *streamTable) Objects() []int {
	seen := make(map[int]struct{})
	for k := range t.offsets {
		seen[k] = struct{}{}
	}
	for k := range t.objStream {
		seen[k] = struct{}{}
	}
	out := make([]int, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

func (t *streamTable) Type() string                  { return "xref-stream" }
func (t *streamTable) Trailer() *object.DictObj { return t.trailer }

// mergeChain flattens a /Prev chain into one Table, the newest
// generation's entries taking priority over any older generation's
// entry for the same object number. The merged trailer is the newest
// generation's trailer with any keys missing from it filled in from
// older generations (so /Root found only in an older trailer still
// surfaces, matching how incrementally-updated PDFs are read in
// practice).
func mergeChain(chain []Table) Table {
	if len(chain) == 1 {
		return chain[0]
	}
	merged := &table{entries: make(map[int]entry)}
	var objStream map[int]compressedRef
	trailer := object.Dict()
	// Walk oldest to newest so newer entries/trailer keys overwrite older
	// ones. A newer generation marking an object free must mask an older
	// generation's occupied entry for the same number, including any
	// compressed (object-stream) entry it previously had.
	for i := len(chain) - 1; i >= 0; i-- {
		gen := chain[i]
		for _, num := range gen.Objects() {
			if gen.Free(num) {
				merged.entries[num] = entry{free: true}
				delete(objStream, num)
				continue
			}
			if off, g, ok := gen.Lookup(num); ok {
				merged.entries[num] = entry{offset: off, gen: g}
				delete(objStream, num)
			}
			if objstm, idx, ok := gen.ObjStream(num); ok {
				if objStream == nil {
					objStream = make(map[int]compressedRef)
				}
				objStream[num] = compressedRef{objstm: objstm, idx: idx}
				delete(merged.entries, num)
			}
		}
		if td := gen.Trailer(); td != nil {
			for _, k := range td.Keys() {
				if v, ok := td.Get(k); ok {
					trailer.Set(k, v)
				}
			}
		}
	}
	merged.trailerDict = trailer
	if objStream != nil {
		return &streamTable{offsets: merged.entries, objStream: objStream, trailer: trailer}
	}
	return merged
}

// parseXRefStream decodes a cross-reference stream at the given offset.
func parseXRefStream(ctx context.Context, data []byte, offset int64, rec recovery.Strategy) (Table, error) {
	s := scanner.New(bytes.NewReader(data), scanner.Config{Recovery: rec})
	if err := s.Seek(offset); err != nil {
		return nil, err
	}
	tr := object.NewTokenSource(s)
	numTok, err := tr.Next()
	if err != nil {
		return nil, err
	}
	_, val, err := object.ParseIndirectObject(tr, numTok)
	if err != nil {
		return nil, err
	}
	stream, ok := val.(object.Stream)
	if !ok {
		return nil, errors.New("xref stream object did not decode to a stream")
	}
	dict, ok := stream.Dictionary().(*object.DictObj)
	if !ok {
		return nil, errors.New("xref stream dictionary malformed")
	}
	streamData := stream.RawData()
	if fTok, ok := dict.Get(object.NameObj{Val: "Filter"}); ok {
		filterNames, filterParams := toFilters(fTok, dict)
		p := filters.NewPipeline([]filters.Decoder{
			filters.NewFlateDecoder(),
			filters.NewLZWDecoder(),
			filters.NewASCII85Decoder(),
			filters.NewASCIIHexDecoder(),
			filters.NewRunLengthDecoder(),
		}, filters.Limits{})
		decoded, err := p.Decode(ctx, streamData, filterNames, filterParams)
		if err != nil {
			return nil, fmt.Errorf("decode xref stream: %w", err)
		}
		streamData = decoded
	}
	wArrObj, ok := dict.Get(object.NameObj{Val: "W"})
	if !ok {
		return nil, errors.New("xref stream missing W")
	}
	w := toIntArray(wArrObj)
	if len(w) != 3 {
		return nil, errors.New("xref stream W must have 3 integers")
	}
	sizeObj, ok := dict.Get(object.NameObj{Val: "Size"})
	if !ok {
		return nil, errors.New("xref stream missing Size")
	}
	size := toInt64(sizeObj)
	indexes := []int{0, int(size)}
	if idxObj, ok := dict.Get(object.NameObj{Val: "Index"}); ok {
		idxArr := toIntArray(idxObj)
		if len(idxArr)%2 == 0 && len(idxArr) > 0 {
			indexes = idxArr
		}
	}

	st := &streamTable{offsets: make(map[int]entry), objStream: make(map[int]compressedRef), trailer: dict}
	cursor := 0
	entrySize := w[0] + w[1] + w[2]
	for i := 0; i < len(indexes); i += 2 {
		startObj := indexes[i]
		count := indexes[i+1]
		for j := 0; j < count; j++ {
			if cursor+entrySize > len(streamData) {
				return nil, errors.New("xref stream truncated")
			}
			fields := streamData[cursor : cursor+entrySize]
			cursor += entrySize
			tVal := 1
			if w[0] > 0 {
				tVal = parseField(fields[:w[0]])
			}
			f1 := parseField(fields[w[0] : w[0]+w[1]])
			f2 := parseField(fields[w[0]+w[1]:])
			objNum := startObj + j
			switch tVal {
			case 0:
				st.offsets[objNum] = entry{free: true}
			case 1:
				st.offsets[objNum] = entry{offset: int64(f1), gen: f2}
			case 2:
				st.objStream[objNum] = compressedRef{objstm: f1, idx: f2}
			default:
				continue
			}
		}
	}
	return st, nil
}

func parseField(b []byte) int {
	val := 0
	for _, c := range b {
		val = (val << 8) + int(c)
	}
	return val
}

func toIntArray(obj object.Object) []int {
	arr, ok := obj.(*object.ArrayObj)
	if !ok {
		return nil
	}
	out := make([]int, 0, arr.Len())
	for _, it := range arr.Items {
		if n, ok := it.(object.NumberObj); ok {
			out = append(out, int(n.Int()))
		}
	}
	return out
}

func toInt64(obj object.Object) int64 {
	if n, ok := obj.(object.NumberObj); ok {
		return n.Int()
	}
	return 0
}

func toFilters(filterObj object.Object, dict *object.DictObj) ([]string, []object.Dictionary) {
	var names []string
	var params []object.Dictionary
	switch v := filterObj.(type) {
	case object.NameObj:
		names = append(names, v.Val)
	case *object.ArrayObj:
		for _, it := range v.Items {
			if n, ok := it.(object.NameObj); ok {
				names = append(names, n.Val)
			}
		}
	}
	if dp, ok := dict.Get(object.NameObj{Val: "DecodeParms"}); ok {
		switch p := dp.(type) {
		case *object.DictObj:
			params = append(params, p)
		case *object.ArrayObj:
			for _, it := range p.Items {
				if d, ok := it.(*object.DictObj); ok {
					params = append(params, d)
				}
			}
		}
	}
	return names, params
}

func readAll(r io.ReaderAt) []byte {
	var buf bytes.Buffer
	const chunk = int64(32 * 1024)
	for off := int64(0); ; off += chunk {
		tmp := make([]byte, chunk)
		n, err := r.ReadAt(tmp, off)
		if n > 0 {
			buf.Write(tmp[:n])
		}
		if err != nil {
			break
		}
		if int64(n) < chunk {
			break
		}
	}
	return buf.Bytes()
}
