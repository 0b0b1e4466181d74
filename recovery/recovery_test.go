package recovery_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/harborpdf/docmodel/recovery"
	"github.com/harborpdf/docmodel/scanner"
)

// brokenDict is missing the closing ">>" on object 1's dictionary, so the
// scanner reaches end of input with a dictionary still open.
const brokenDict = `1 0 obj
<< /Type /Catalog /Pages 2 0 R
endobj`

func scanAll(strategy recovery.Strategy) ([]scanner.Token, error) {
	s := scanner.New(bytes.NewReader([]byte(brokenDict)), scanner.Config{Recovery: strategy})
	var toks []scanner.Token
	for {
		tok, err := s.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return toks, nil
			}
			return toks, err
		}
		toks = append(toks, tok)
	}
}

func TestRecoveryStrategies(t *testing.T) {
	t.Run("StrictStrategy", func(t *testing.T) {
		_, err := scanAll(recovery.NewStrictStrategy())
		if err == nil {
			t.Fatal("expected an error from StrictStrategy on an unclosed dictionary, got nil")
		}
	})

	t.Run("LenientStrategy", func(t *testing.T) {
		rec := recovery.NewLenientStrategy()
		toks, err := scanAll(rec)
		if err == nil {
			t.Fatal("expected an error even from LenientStrategy: there is no byte to recover, the dictionary is genuinely unterminated")
		}
		if len(toks) == 0 {
			t.Fatal("expected the tokens preceding the unclosed dictionary to still be produced")
		}
		if len(rec.Errors) == 0 {
			t.Fatal("expected LenientStrategy to record the error before surfacing it")
		}
	})
}
