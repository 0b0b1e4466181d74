// Package docerr defines the error taxonomy surfaced by the document
// model: a small set of Kinds, each wrapping an underlying cause so
// callers can both branch on what went wrong (errors.Is/As against a
// Kind or a sentinel) and log the original error via %w.
package docerr

import (
	"errors"
	"fmt"
)

// Kind classifies where in the open/read pipeline an error originated.
type Kind int

const (
	KindOpen Kind = iota
	KindXref
	KindObject
	KindFilter
	KindStructure
	KindPage
)

func (k Kind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindXref:
		return "xref"
	case KindObject:
		return "object"
	case KindFilter:
		return "filter"
	case KindStructure:
		return "structure"
	case KindPage:
		return "page"
	default:
		return "unknown"
	}
}

// Error wraps a lower-level cause with the Kind of operation that
// failed and enough positional context to locate it.
type Error struct {
	Kind    Kind
	Context string
	Err     error
}

func (e *Error) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Context, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, context string, err error) *Error {
	return &Error{Kind: kind, Context: context, Err: err}
}

// ErrEncryptedDocument is returned by Open when a document's trailer
// carries an /Encrypt entry. Decryption is out of scope; an encrypted
// document is always rejected rather than partially read.
var ErrEncryptedDocument = errors.New("docmodel: document is encrypted")

// EncryptedDocument wraps ErrEncryptedDocument with no further cause,
// so callers can test errors.Is(err, docerr.ErrEncryptedDocument).
func EncryptedDocument() *Error {
	return &Error{Kind: KindOpen, Context: "encrypted document", Err: ErrEncryptedDocument}
}

// ErrReferenceFree is returned when resolving an indirect reference
// whose xref entry is explicitly marked free (type 'f' in a classic
// table, type 0 in a cross-reference stream). A free entry is a
// deliberate "this object number is not in use" marker, distinct from
// an object number the xref never mentions at all.
var ErrReferenceFree = errors.New("docmodel: reference is free")

// ReferenceIsFree wraps ErrReferenceFree with the object number that
// was looked up.
func ReferenceIsFree(objNum int) *Error {
	return &Error{Kind: KindObject, Context: fmt.Sprintf("object %d", objNum), Err: ErrReferenceFree}
}
