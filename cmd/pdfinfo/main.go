// Command pdfinfo prints a document's header version, info dictionary,
// and page count/box summary without decoding page content.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/harborpdf/docmodel"
	"github.com/harborpdf/docmodel/docerr"
	"github.com/harborpdf/docmodel/observability"
	"github.com/harborpdf/docmodel/recovery"
)

type options struct {
	pdfPath string
	lenient bool
	pages   bool
	verbose bool
}

// stderrLogger writes each log line to stderr, keyed fields included, so
// -verbose runs don't interleave with the JSON summary on stdout.
type stderrLogger struct{ fields []observability.Field }

func (l stderrLogger) log(level, msg string, fields []observability.Field) {
	fmt.Fprintf(os.Stderr, "pdfinfo: %s %s", level, msg)
	for _, f := range append(append([]observability.Field{}, l.fields...), fields...) {
		fmt.Fprintf(os.Stderr, " %s=%v", f.Key(), f.Value())
	}
	fmt.Fprintln(os.Stderr)
}

func (l stderrLogger) Debug(msg string, fields ...observability.Field) { l.log("debug", msg, fields) }
func (l stderrLogger) Info(msg string, fields ...observability.Field)  { l.log("info", msg, fields) }
func (l stderrLogger) Warn(msg string, fields ...observability.Field)  { l.log("warn", msg, fields) }
func (l stderrLogger) Error(msg string, fields ...observability.Field) { l.log("error", msg, fields) }
func (l stderrLogger) With(fields ...observability.Field) observability.Logger {
	return stderrLogger{fields: append(append([]observability.Field{}, l.fields...), fields...)}
}

func main() {
	opts, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pdfinfo: %v\n", err)
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "pdfinfo: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var opts options
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: go run ./cmd/pdfinfo [flags] <pdf>\n")
		flag.PrintDefaults()
	}
	lenient := flag.Bool("lenient", false, "Use a best-effort recovery strategy instead of failing fast")
	pages := flag.Bool("pages", false, "List each page's MediaBox and Rotate")
	verbose := flag.Bool("verbose", false, "Log xref/object resolution to stderr as it happens")
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return options{}, fmt.Errorf("missing pdf path")
	}
	opts.pdfPath = flag.Arg(0)
	opts.lenient = *lenient
	opts.pages = *pages
	opts.verbose = *verbose
	return opts, nil
}

type summary struct {
	Version  string      `json:"version"`
	FileSize int64       `json:"fileSize"`
	Hash     string      `json:"hash"`
	Info     infoSummary `json:"info"`
	Pages    int64       `json:"pageCount"`
}

type infoSummary struct {
	Title, Author, Subject, Creator, Producer string
}

type pageSummary struct {
	Index  int       `json:"index"`
	Box    []float64 `json:"mediaBox"`
	Rotate int       `json:"rotate"`
}

func run(opts options) error {
	file, err := os.Open(opts.pdfPath)
	if err != nil {
		return fmt.Errorf("open pdf: %w", err)
	}
	defer file.Close()

	st, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat pdf: %w", err)
	}

	var strategy recovery.Strategy = recovery.NewStrictStrategy()
	if opts.lenient {
		strategy = recovery.NewLenientStrategy()
	}

	var logger observability.Logger = observability.NopLogger{}
	if opts.verbose {
		logger = stderrLogger{}
	}

	ctx := context.Background()
	doc, err := docmodel.Open(ctx, file, st.Size(), docmodel.Options{Recovery: strategy, Logger: logger})
	if err != nil {
		if errors.Is(err, docerr.ErrEncryptedDocument) {
			return fmt.Errorf("document is encrypted, skipping: %w", err)
		}
		return fmt.Errorf("open document: %w", err)
	}

	var hash string
	if h, ok := doc.Hash(); ok {
		hash = h.String()
	}
	count, err := doc.PageCount(ctx)
	if err != nil {
		return fmt.Errorf("count pages: %w", err)
	}

	info := doc.Info()
	out := summary{
		Version:  doc.Version(),
		FileSize: doc.FileSize(),
		Hash:     hash,
		Info: infoSummary{
			Title: info.Title, Author: info.Author, Subject: info.Subject,
			Creator: info.Creator, Producer: info.Producer,
		},
		Pages: count,
	}
	if err := emit(out); err != nil {
		return err
	}

	if opts.pages {
		it, err := doc.Pages(ctx)
		if err != nil {
			return fmt.Errorf("iterate pages: %w", err)
		}
		idx := 0
		for {
			page, err := it.Next()
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return fmt.Errorf("page %d: %w", idx, err)
			}
			if err := emit(pageSummary{
				Index:  idx,
				Box:    []float64{page.MediaBox.LLx, page.MediaBox.LLy, page.MediaBox.URx, page.MediaBox.URy},
				Rotate: page.Rotate,
			}); err != nil {
				return err
			}
			idx++
		}
	}
	return nil
}

func emit(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	fmt.Printf("%s\n", data)
	return nil
}
