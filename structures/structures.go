// Package structures decodes the semantic PDF objects built on top of
// the raw object model: the document Info dictionary, the Catalog, the
// pages tree, individual Page dictionaries, and the small value types
// (Rectangle, dates) they carry.
package structures

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/harborpdf/docmodel/object"
	"github.com/harborpdf/docmodel/store"
)

// Rectangle is a normalized PDF rectangle: LLx<=URx and LLy<=URy
// regardless of the order the four numbers appeared in the source
// array, since PDF producers do not always write them low-to-high.
type Rectangle struct {
	LLx, LLy, URx, URy float64
}

func (r Rectangle) Width() float64  { return r.URx - r.LLx }
func (r Rectangle) Height() float64 { return r.URy - r.LLy }

func rectangleFromArray(arr *object.ArrayObj) (Rectangle, bool) {
	if arr == nil || arr.Len() != 4 {
		return Rectangle{}, false
	}
	vals := make([]float64, 4)
	for i := 0; i < 4; i++ {
		item, ok := arr.Get(i)
		if !ok {
			return Rectangle{}, false
		}
		n, ok := item.(object.Number)
		if !ok {
			return Rectangle{}, false
		}
		vals[i] = n.Float()
	}
	r := Rectangle{LLx: vals[0], LLy: vals[1], URx: vals[2], URy: vals[3]}
	if r.LLx > r.URx {
		r.LLx, r.URx = r.URx, r.LLx
	}
	if r.LLy > r.URy {
		r.LLy, r.URy = r.URy, r.LLy
	}
	return r, true
}

// Info holds the optional document information dictionary (/Info).
type Info struct {
	Title, Author, Subject, Keywords, Creator, Producer string
	CreationDate, ModDate                               *time.Time
}

// DecodeInfo reads an Info dictionary's well-known string/date keys.
func DecodeInfo(dict object.Dictionary) Info {
	var info Info
	if dict == nil {
		return info
	}
	info.Title = stringField(dict, "Title")
	info.Author = stringField(dict, "Author")
	info.Subject = stringField(dict, "Subject")
	info.Keywords = stringField(dict, "Keywords")
	info.Creator = stringField(dict, "Creator")
	info.Producer = stringField(dict, "Producer")
	info.CreationDate = dateField(dict, "CreationDate")
	info.ModDate = dateField(dict, "ModDate")
	return info
}

func stringField(dict object.Dictionary, key string) string {
	v, ok := dict.Get(object.NameObj{Val: key})
	if !ok {
		return ""
	}
	s, ok := v.(object.String)
	if !ok {
		return ""
	}
	return string(s.Value())
}

func dateField(dict object.Dictionary, key string) *time.Time {
	v, ok := dict.Get(object.NameObj{Val: key})
	if !ok {
		return nil
	}
	s, ok := v.(object.String)
	if !ok {
		return nil
	}
	t, ok := ParseDate(string(s.Value()))
	if !ok {
		return nil
	}
	return &t
}

// ParseDate parses a PDF date string of the form
// "D:YYYYMMDDHHmmSSOHH'mm" (any trailing fields may be omitted, and O
// is '+', '-', or 'Z'). A leading "D:" is optional since some writers
// omit it, which the spec tolerates but doesn't recommend.
func ParseDate(s string) (time.Time, bool) {
	if len(s) >= 2 && s[0:2] == "D:" {
		s = s[2:]
	}
	if len(s) < 4 {
		return time.Time{}, false
	}
	field := func(start, length int, def int) (int, bool) {
		if len(s) < start+length {
			return def, true
		}
		v, err := strconv.Atoi(s[start : start+length])
		if err != nil {
			return 0, false
		}
		return v, true
	}
	year, ok := field(0, 4, 0)
	if !ok {
		return time.Time{}, false
	}
	month, ok := field(4, 2, 1)
	if !ok {
		return time.Time{}, false
	}
	day, ok := field(6, 2, 1)
	if !ok {
		return time.Time{}, false
	}
	hour, ok := field(8, 2, 0)
	if !ok {
		return time.Time{}, false
	}
	min, ok := field(10, 2, 0)
	if !ok {
		return time.Time{}, false
	}
	sec, ok := field(12, 2, 0)
	if !ok {
		return time.Time{}, false
	}

	loc := time.UTC
	if len(s) > 14 {
		switch s[14] {
		case 'Z':
			loc = time.UTC
		case '+', '-':
			offH, ok := field(15, 2, 0)
			if !ok {
				break
			}
			offM := 0
			if len(s) > 17 && (s[17] == '\'' || s[17] == ':') {
				offM, _ = field(18, 2, 0)
			}
			secOff := offH*3600 + offM*60
			if s[14] == '-' {
				secOff = -secOff
			}
			loc = time.FixedZone("", secOff)
		}
	}
	return time.Date(year, time.Month(month), day, hour, min, sec, 0, loc), true
}

// Catalog is the document's root object (/Type /Catalog), holding the
// page tree's root plus a handful of document-wide attributes.
type Catalog struct {
	PagesRef   object.ObjectRef
	Lang       string
	Marked     bool
	Version    string        // /Version, a name like "1.7" overriding the header version
	PageLayout string        // /PageLayout, e.g. "SinglePage", "TwoColumnLeft"
	PageMode   string        // /PageMode, e.g. "UseOutlines", "FullScreen"
	Dests      object.Object // /Names /Dests, or the legacy top-level /Dests; nil if absent
	Extra      object.Dictionary
}

// DecodeCatalog reads the well-known Catalog keys, leaving anything it
// doesn't specifically model reachable through Extra.
func DecodeCatalog(dict object.Dictionary) (Catalog, error) {
	var cat Catalog
	pagesObj, ok := dict.Get(object.NameObj{Val: "Pages"})
	if !ok {
		return cat, fmt.Errorf("structures: catalog missing /Pages")
	}
	ref, ok := pagesObj.(object.Reference)
	if !ok {
		return cat, fmt.Errorf("structures: catalog /Pages is not an indirect reference")
	}
	cat.PagesRef = ref.Ref()
	cat.Lang = stringField(dict, "Lang")
	if v, ok := dict.Get(object.NameObj{Val: "Version"}); ok {
		if n, ok := v.(object.Name); ok {
			cat.Version = n.Value()
		}
	}
	if pl, ok := dict.Get(object.NameObj{Val: "PageLayout"}); ok {
		if n, ok := pl.(object.Name); ok {
			cat.PageLayout = n.Value()
		}
	}
	if pm, ok := dict.Get(object.NameObj{Val: "PageMode"}); ok {
		if n, ok := pm.(object.Name); ok {
			cat.PageMode = n.Value()
		}
	}
	if mi, ok := dict.Get(object.NameObj{Val: "MarkInfo"}); ok {
		if miDict, ok := mi.(object.Dictionary); ok {
			if marked, ok := miDict.Get(object.NameObj{Val: "Marked"}); ok {
				if b, ok := marked.(object.Boolean); ok {
					cat.Marked = b.Value()
				}
			}
		}
	}
	if namesObj, ok := dict.Get(object.NameObj{Val: "Names"}); ok {
		if namesDict, ok := namesObj.(object.Dictionary); ok {
			if dests, ok := namesDict.Get(object.NameObj{Val: "Dests"}); ok {
				cat.Dests = dests
			}
		}
	}
	if cat.Dests == nil {
		if dests, ok := dict.Get(object.NameObj{Val: "Dests"}); ok {
			cat.Dests = dests
		}
	}
	cat.Extra = dict
	return cat, nil
}

// InheritableAttributes are page-tree attributes that cascade from an
// ancestor node to its descendants when a node doesn't set its own
// value (PDF 7.7.3.4).
type InheritableAttributes struct {
	Resources object.Dictionary
	MediaBox  *Rectangle
	CropBox   *Rectangle
	Rotate    int
}

// merge returns the attributes that apply to a child node: the child's
// own value for each field if set, else the parent's.
func (parent InheritableAttributes) merge(node object.Dictionary) InheritableAttributes {
	out := parent
	if res, ok := node.Get(object.NameObj{Val: "Resources"}); ok {
		if d, ok := res.(object.Dictionary); ok {
			out.Resources = d
		}
	}
	if mb, ok := node.Get(object.NameObj{Val: "MediaBox"}); ok {
		if arr, ok := mb.(*object.ArrayObj); ok {
			if rect, ok := rectangleFromArray(arr); ok {
				out.MediaBox = &rect
			}
		}
	}
	if cb, ok := node.Get(object.NameObj{Val: "CropBox"}); ok {
		if arr, ok := cb.(*object.ArrayObj); ok {
			if rect, ok := rectangleFromArray(arr); ok {
				out.CropBox = &rect
			}
		}
	}
	if rot, ok := node.Get(object.NameObj{Val: "Rotate"}); ok {
		if n, ok := rot.(object.Number); ok {
			out.Rotate = int(n.Int())
		}
	}
	return out
}

// Node is one entry of the pages tree: either an intermediate /Pages
// node with Kids, or a leaf /Page.
type Node struct {
	Ref        object.ObjectRef
	IsLeaf     bool
	Kids       []object.ObjectRef
	CountHint  int64
	Attributes InheritableAttributes
	Dict       object.Dictionary
}

// DecodeNode reads a single pages-tree node's fields. Attributes holds
// parent's inheritable attributes overridden by whatever this node
// itself sets, so the caller (pagetree) passes each node's Attributes
// down as the parent of its kids.
func DecodeNode(ref object.ObjectRef, dict object.Dictionary, parent InheritableAttributes) (Node, error) {
	typeName := ""
	if t, ok := dict.Get(object.NameObj{Val: "Type"}); ok {
		if n, ok := t.(object.Name); ok {
			typeName = n.Value()
		}
	}
	node := Node{
		Ref:        ref,
		Dict:       dict,
		Attributes: parent.merge(dict),
	}
	if typeName == "Page" {
		node.IsLeaf = true
		return node, nil
	}
	// /Type /Pages, or missing/malformed Type: treat as an intermediate
	// node if it has Kids, else fall back to a leaf so a single
	// malformed node doesn't stop the whole tree from being walked.
	kidsObj, ok := dict.Get(object.NameObj{Val: "Kids"})
	if !ok {
		node.IsLeaf = true
		return node, nil
	}
	arr, ok := kidsObj.(*object.ArrayObj)
	if !ok {
		return node, fmt.Errorf("structures: /Kids is not an array")
	}
	for i := 0; i < arr.Len(); i++ {
		item, _ := arr.Get(i)
		ref, ok := item.(object.Reference)
		if !ok {
			continue // skip malformed kid entries rather than fail the whole tree
		}
		node.Kids = append(node.Kids, ref.Ref())
	}
	if c, ok := dict.Get(object.NameObj{Val: "Count"}); ok {
		if n, ok := c.(object.Number); ok {
			node.CountHint = n.Int()
		}
	}
	return node, nil
}

// LoadNode resolves ref through st and decodes it as a pages-tree node.
func LoadNode(ctx context.Context, st *store.Store, ref object.ObjectRef, parent InheritableAttributes) (Node, error) {
	obj, err := st.Get(ctx, ref)
	if err != nil {
		return Node{}, err
	}
	dict, ok := obj.(object.Dictionary)
	if !ok {
		return Node{}, fmt.Errorf("structures: object %s is not a dictionary", ref)
	}
	return DecodeNode(ref, dict, parent)
}

// Page is a fully-resolved leaf of the pages tree.
type Page struct {
	Ref       object.ObjectRef
	Resources object.Dictionary
	MediaBox  Rectangle
	CropBox   Rectangle
	BleedBox  Rectangle
	TrimBox   Rectangle
	ArtBox    Rectangle
	Rotate    int
	UserUnit  float64
	Contents  []object.Stream
	Dict      object.Dictionary
}

// defaultUserUnit is used when a page doesn't set /UserUnit (PDF 7.7.3.3).
const defaultUserUnit = 1.0

// NewPage builds a Page from a decoded leaf Node, applying the box
// defaulting cascade of PDF 7.7.3.3: /CropBox defaults to the
// (inherited) /MediaBox, and /BleedBox, /TrimBox, /ArtBox each default
// to the resolved CropBox. /MediaBox itself is required after
// inheritance; a page whose cascade never supplies one is an error
// rather than a silently-assumed page size.
func NewPage(ctx context.Context, st *store.Store, node Node) (Page, error) {
	if node.Attributes.MediaBox == nil {
		return Page{}, fmt.Errorf("structures: page %s: missing required field /MediaBox", node.Ref)
	}
	dict := node.Dict
	if dict == nil {
		dict = object.Dict()
	}
	p := Page{
		Ref:       node.Ref,
		Resources: node.Attributes.Resources,
		MediaBox:  *node.Attributes.MediaBox,
		Rotate:    normalizeRotate(node.Attributes.Rotate),
		UserUnit:  defaultUserUnit,
		Dict:      node.Dict,
	}
	if node.Attributes.CropBox != nil {
		p.CropBox = *node.Attributes.CropBox
	} else {
		p.CropBox = p.MediaBox
	}
	p.BleedBox = boxOrDefault(dict, "BleedBox", p.CropBox)
	p.TrimBox = boxOrDefault(dict, "TrimBox", p.CropBox)
	p.ArtBox = boxOrDefault(dict, "ArtBox", p.CropBox)

	if uu, ok := dict.Get(object.NameObj{Val: "UserUnit"}); ok {
		if n, ok := uu.(object.Number); ok {
			p.UserUnit = n.Float()
		}
	}

	contents, err := resolveContents(ctx, st, dict)
	if err != nil {
		return Page{}, fmt.Errorf("structures: page %s: /Contents: %w", node.Ref, err)
	}
	p.Contents = contents

	return p, nil
}

// boxOrDefault reads a page-local (non-inheritable) box entry, falling
// back to def when the entry is absent or malformed.
func boxOrDefault(dict object.Dictionary, key string, def Rectangle) Rectangle {
	v, ok := dict.Get(object.NameObj{Val: key})
	if !ok {
		return def
	}
	arr, ok := v.(*object.ArrayObj)
	if !ok {
		return def
	}
	rect, ok := rectangleFromArray(arr)
	if !ok {
		return def
	}
	return rect
}

// resolveContents reads /Contents, which is either absent, a single
// stream (possibly indirect), or an array of streams (each possibly
// indirect), and resolves every indirect reference to its stream.
func resolveContents(ctx context.Context, st *store.Store, dict object.Dictionary) ([]object.Stream, error) {
	v, ok := dict.Get(object.NameObj{Val: "Contents"})
	if !ok {
		return nil, nil
	}
	switch c := v.(type) {
	case *object.ArrayObj:
		streams := make([]object.Stream, 0, c.Len())
		for i := 0; i < c.Len(); i++ {
			item, _ := c.Get(i)
			stream, err := resolveContentItem(ctx, st, item)
			if err != nil {
				return nil, err
			}
			streams = append(streams, stream)
		}
		return streams, nil
	default:
		stream, err := resolveContentItem(ctx, st, v)
		if err != nil {
			return nil, err
		}
		return []object.Stream{stream}, nil
	}
}

func resolveContentItem(ctx context.Context, st *store.Store, v object.Object) (object.Stream, error) {
	if ref, ok := v.(object.Reference); ok {
		obj, err := st.Get(ctx, ref.Ref())
		if err != nil {
			return nil, err
		}
		v = obj
	}
	stream, ok := v.(object.Stream)
	if !ok {
		return nil, fmt.Errorf("content entry did not resolve to a stream (got %T)", v)
	}
	return stream, nil
}

func normalizeRotate(deg int) int {
	deg %= 360
	if deg < 0 {
		deg += 360
	}
	// Rotate must be a multiple of 90; anything else collapses to 0 as
	// required by the spec's handling of malformed producers.
	if deg%90 != 0 {
		return 0
	}
	return deg
}
