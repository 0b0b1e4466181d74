package object

import (
	"errors"
	"fmt"

	"github.com/harborpdf/docmodel/scanner"
)

// TokenReader is the minimal surface ParseValue needs from a token
// source: pull the next token, or push one back for a single token of
// lookahead. scanner.Scanner plus a small unread buffer satisfies it.
type TokenReader interface {
	Next() (scanner.Token, error)
	Unread(tok scanner.Token)
}

// TokenSource adapts a scanner.Scanner into a TokenReader whose
// pushback is a stack: tokens passed to Unread come back from Next in
// reverse order. Parsing a value needs one token of pushback (to
// notice a trailing "obj"-style keyword isn't part of the value just
// parsed); the xref repair scan pushes back two.
type TokenSource struct {
	S   scanner.Scanner
	buf []scanner.Token
}

func NewTokenSource(s scanner.Scanner) *TokenSource { return &TokenSource{S: s} }

func (r *TokenSource) Next() (scanner.Token, error) {
	if n := len(r.buf); n > 0 {
		t := r.buf[n-1]
		r.buf = r.buf[:n-1]
		return t, nil
	}
	return r.S.Next()
}

func (r *TokenSource) Unread(tok scanner.Token) { r.buf = append(r.buf, tok) }

// ParseValue consumes the tokens for a single PDF value (possibly a
// compound array or dictionary, recursively) from tr and builds the
// corresponding Object. It does not consume the stream keyword/payload
// that may follow a dictionary; callers that need the "<dict> stream
// ... endstream" construct check for a following TokenStream
// themselves (see ParseIndirectObject).
func ParseValue(tr TokenReader) (Object, error) {
	tok, err := tr.Next()
	if err != nil {
		return nil, err
	}
	switch tok.Type {
	case scanner.TokenName:
		return NameObj{Val: tok.Str}, nil
	case scanner.TokenNumber:
		if tok.IsInt {
			return NumberObj{I: tok.Int, IsInt: true}, nil
		}
		return NumberObj{F: tok.Float}, nil
	case scanner.TokenBoolean:
		return BoolObj{V: tok.Bool}, nil
	case scanner.TokenNull:
		return NullObj{}, nil
	case scanner.TokenString:
		return StringObj{Bytes: tok.Bytes, Hex: tok.Hex}, nil
	case scanner.TokenRef:
		return RefObj{R: ObjectRef{Num: int(tok.Int), Gen: tok.Gen}}, nil
	case scanner.TokenArray:
		return parseArrayBody(tr)
	case scanner.TokenDict:
		return parseDictBody(tr)
	}
	return nil, fmt.Errorf("object: unexpected token %v at offset %d", tok.Type, tok.Pos)
}

func parseArrayBody(tr TokenReader) (Object, error) {
	arr := NewArray()
	for {
		tok, err := tr.Next()
		if err != nil {
			return nil, err
		}
		if tok.Type == scanner.TokenKeyword && tok.Str == "]" {
			return arr, nil
		}
		tr.Unread(tok)
		val, err := ParseValue(tr)
		if err != nil {
			return nil, err
		}
		arr.Append(val)
	}
}

func parseDictBody(tr TokenReader) (*DictObj, error) {
	d := Dict()
	for {
		tok, err := tr.Next()
		if err != nil {
			return nil, err
		}
		if tok.Type == scanner.TokenKeyword && tok.Str == ">>" {
			return d, nil
		}
		if tok.Type != scanner.TokenName {
			return nil, fmt.Errorf("object: expected name key in dictionary, got %v", tok.Type)
		}
		key := NameObj{Val: tok.Str}
		val, err := ParseValue(tr)
		if err != nil {
			return nil, err
		}
		d.Set(key, val)
	}
}

// ParseIndirectObject consumes "<num> <gen> obj <value> [stream ...
// endstream]" starting at the current scanner position (the
// object-number token must already have been read and passed in as
// numTok). It returns the object's value, turning it into a Stream
// when a stream payload follows a dictionary. The closing "endobj"
// keyword is not consumed.
func ParseIndirectObject(tr TokenReader, numTok scanner.Token) (ObjectRef, Object, error) {
	if numTok.Type != scanner.TokenNumber || !numTok.IsInt {
		return ObjectRef{}, nil, errors.New("object: expected object number")
	}
	genTok, err := tr.Next()
	if err != nil {
		return ObjectRef{}, nil, err
	}
	if genTok.Type != scanner.TokenNumber || !genTok.IsInt {
		return ObjectRef{}, nil, errors.New("object: expected generation number")
	}
	kwTok, err := tr.Next()
	if err != nil {
		return ObjectRef{}, nil, err
	}
	if kwTok.Type != scanner.TokenKeyword || kwTok.Str != "obj" {
		return ObjectRef{}, nil, fmt.Errorf("object: expected 'obj' keyword, got %q", kwTok.Str)
	}
	ref := ObjectRef{Num: int(numTok.Int), Gen: int(genTok.Int)}
	val, err := ParseValue(tr)
	if err != nil {
		return ref, nil, err
	}
	if dict, ok := val.(*DictObj); ok {
		next, err := tr.Next()
		if err == nil {
			if next.Type == scanner.TokenStream {
				return ref, NewStream(dict, next.Bytes), nil
			}
			tr.Unread(next)
		}
	}
	return ref, val, nil
}
