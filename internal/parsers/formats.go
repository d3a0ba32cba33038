package parsers

import (
	"bufio"
	"compress/gzip"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (r *readCloser) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i].Close())
	}
	return errors.Join(errs...)
}

// open returns the file contents, transparently gunzipping .gz files.
func open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") && !strings.HasSuffix(path, ".gzip") {
		return f, nil
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to open %s as gzip: %w", path, err)
	}
	return &readCloser{Reader: zr, closers: []io.Closer{f, zr}}, nil
}

// row is one line of a tab-separated table keyed by header column.
type row map[string]string

func (r row) get(col string) string {
	v := strings.TrimSpace(r[col])
	if v == "-" {
		return ""
	}
	return v
}

// readTable streams a tab-separated file with a header line to fn. A leading
// '#' on the header is ignored; later lines starting with '#' are comments.
func readTable(path string, fn func(row) error) error {
	rc, err := open(path)
	if err != nil {
		return err
	}
	defer rc.Close()

	cr := csv.NewReader(bufio.NewReaderSize(rc, 1<<20))
	cr.Comma = '\t'
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	rec, err := cr.Read()
	if err != nil {
		return fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	header := make([]string, len(rec))
	for i, h := range rec {
		header[i] = strings.TrimSpace(h)
	}
	header[0] = strings.TrimPrefix(header[0], "#")

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		if len(rec) == 0 || strings.HasPrefix(rec[0], "#") {
			continue
		}
		r := make(row, len(header))
		for i, h := range header {
			if i < len(rec) {
				r[h] = rec[i]
			}
		}
		if err := fn(r); err != nil {
			return err
		}
	}
}

// splitList splits a delimited cell, dropping blanks and placeholders.
func splitList(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" && p != "-" {
			out = append(out, p)
		}
	}
	return out
}

// oboTerm is a [Term] stanza of an OBO ontology file.
type oboTerm struct {
	ID       string
	Name     string
	Def      string
	Synonyms []string
	Xrefs    []string
	IsA      []string
	Obsolete bool
}

// readOBO streams every [Term] stanza of an OBO file to fn.
func readOBO(r io.Reader, fn func(oboTerm) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)

	var (
		term   *oboTerm
		inTerm bool
	)
	emit := func() error {
		if term != nil && term.ID != "" {
			if err := fn(*term); err != nil {
				return err
			}
		}
		term = nil
		return nil
	}

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "[") {
			if err := emit(); err != nil {
				return err
			}
			inTerm = line == "[Term]"
			if inTerm {
				term = &oboTerm{}
			}
			continue
		}
		if !inTerm || line == "" || strings.HasPrefix(line, "!") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "id":
			term.ID = value
		case "name":
			term.Name = value
		case "def":
			term.Def = quoted(value)
		case "synonym":
			if s := quoted(value); s != "" {
				term.Synonyms = append(term.Synonyms, s)
			}
		case "xref":
			term.Xrefs = append(term.Xrefs, firstField(value))
		case "is_a":
			term.IsA = append(term.IsA, firstField(value))
		case "is_obsolete":
			term.Obsolete = value == "true"
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return emit()
}

// quoted returns the text between the first pair of double quotes.
func quoted(s string) string {
	_, rest, ok := strings.Cut(s, `"`)
	if !ok {
		return ""
	}
	text, _, ok := strings.Cut(rest, `"`)
	if !ok {
		return ""
	}
	return text
}

func firstField(s string) string {
	if f := strings.Fields(s); len(f) > 0 {
		return f[0]
	}
	return ""
}
