// Package security detects encrypted documents so they can be rejected
// before anything in the object model tries to interpret their
// contents. It does not decrypt anything: this module is a read-only
// document model and implementing a security handler is out of scope.
package security

import "github.com/harborpdf/docmodel/object"

// Permissions mirrors the bit flags of a document's /Encrypt /P entry.
// It exists so callers that only care about what an already-open
// (necessarily unencrypted, since encrypted documents are rejected at
// Open) document permits can inspect them uniformly; every field is
// true for a document this module was able to open at all.
type Permissions struct {
	Print, Modify, Copy, ModifyAnnotations, FillForms, ExtractAccessible, Assemble, PrintHighQuality bool
}

// FullPermissions reports the permission set for a document that opened
// successfully (there is no encryption dictionary restricting it).
func FullPermissions() Permissions {
	return Permissions{
		Print: true, Modify: true, Copy: true, ModifyAnnotations: true,
		FillForms: true, ExtractAccessible: true, Assemble: true, PrintHighQuality: true,
	}
}

// IsEncrypted reports whether a trailer dictionary carries an /Encrypt
// entry. A document that is encrypted must be rejected by its caller,
// never partially opened.
func IsEncrypted(trailer object.Dictionary) bool {
	if trailer == nil {
		return false
	}
	_, ok := trailer.Get(object.NameObj{Val: "Encrypt"})
	return ok
}
