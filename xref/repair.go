package xref

import (
	"context"
	"errors"
	"io"

	"github.com/harborpdf/docmodel/object"
	"github.com/harborpdf/docmodel/recovery"
	"github.com/harborpdf/docmodel/scanner"
)

// repair scans the entire file looking for "<num> <gen> obj" patterns
// and a trailing "trailer" dictionary, for use when startxref is
// missing or points somewhere that doesn't parse. The scan runs only
// when rec is set and does not answer ActionFail for the unusable
// startxref; otherwise that error is returned.
func repair(ctx context.Context, r io.ReaderAt, size int64, rec recovery.Strategy) (Table, error) {
	errNoXref := errors.New("xref: startxref missing or unusable")
	if rec == nil || rec.OnError(ctx, errNoXref, recovery.Location{Component: "xref"}) == recovery.ActionFail {
		return nil, errNoXref
	}
	s := scanner.New(r, scanner.Config{Recovery: rec})
	tr := object.NewTokenSource(s)
	entries := make(map[int]entry)
	var lastTrailer *object.DictObj

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		tok, err := tr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			continue
		}

		if tok.Type == scanner.TokenNumber && tok.IsInt {
			objNum := int(tok.Int)

			tokGen, err := tr.Next()
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				continue
			}

			if tokGen.Type == scanner.TokenNumber && tokGen.IsInt {
				gen := int(tokGen.Int)

				tokObj, err := tr.Next()
				if err != nil {
					if errors.Is(err, io.EOF) {
						break
					}
					continue
				}

				if tokObj.Type == scanner.TokenKeyword && tokObj.Str == "obj" {
					entries[objNum] = entry{offset: tok.Pos, gen: gen}
					continue
				}

				// Mismatch: tokGen might itself start the next candidate
				// ("999 1 0 obj"), so both lookahead tokens are put back,
				// tokGen last so it is read first.
				tr.Unread(tokObj)
				tr.Unread(tokGen)
				continue
			}
			tr.Unread(tokGen)
		} else if tok.Type == scanner.TokenKeyword && tok.Str == "trailer" {
			if val, err := object.ParseValue(tr); err == nil {
				if dict, ok := val.(*object.DictObj); ok {
					lastTrailer = dict
				}
			}
		}
	}

	if len(entries) == 0 {
		return nil, errors.New("repair failed: no objects found")
	}

	if lastTrailer == nil {
		lastTrailer = object.Dict()
		lastTrailer.Set(object.NameObj{Val: "Size"}, object.NumberObj{I: int64(len(entries)), IsInt: true})
	}

	return &table{entries: entries, trailerDict: lastTrailer}, nil
}
