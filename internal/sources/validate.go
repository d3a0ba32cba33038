package sources

import (
	"archive/zip"
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v4"
)

// Validator checks the structure of a downloaded file.
type Validator func(path string) error

// ParseValidator turns a validator name from the configuration into a Validator.
// The empty string yields nil.
func ParseValidator(spec string) (Validator, error) {
	name, arg, _ := strings.Cut(spec, ":")
	switch name {
	case "":
		return nil, nil
	case "nonempty":
		return validateNonEmpty, nil
	case "gzip":
		return validateGzip, nil
	case "columns":
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid column count in validator %q", spec)
		}
		return func(path string) error { return validateColumns(path, n) }, nil
	default:
		return nil, fmt.Errorf("unknown validator %q", spec)
	}
}

func validateNonEmpty(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return errors.New("file is empty")
	}
	return nil
}

func validateGzip(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()
	_, err = io.Copy(io.Discard, zr)
	return err
}

// validateColumns requires every non-blank, non-comment line of a tab separated
// file to have exactly n fields.
func validateColumns(path string, n int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line, rows := 0, 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		rows++
		if got := strings.Count(text, "\t") + 1; got != n {
			return fmt.Errorf("line %d has %d columns, want %d", line, got, n)
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if rows == 0 {
		return errors.New("no data rows")
	}
	return nil
}

// extractMember replaces the zip archive at archive with the single member
// named member, written to target. A member whose base name equals member wins;
// otherwise exactly one member must contain it. Ambiguity is permanent: a
// fresh download would not change the archive's listing.
func extractMember(archive, member, target string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}

	var exact, partial []*zip.File
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		base := filepath.Base(zf.Name)
		switch {
		case base == member:
			exact = append(exact, zf)
		case strings.Contains(base, member):
			partial = append(partial, zf)
		}
	}
	candidates := exact
	if len(candidates) == 0 {
		candidates = partial
	}
	if len(candidates) != 1 {
		zr.Close()
		return backoff.Permanent(fmt.Errorf("archive %s has %d members matching %q, want exactly 1",
			filepath.Base(archive), len(candidates), member))
	}

	err = copyMember(candidates[0], target)
	zr.Close()
	if err != nil {
		return err
	}
	return os.Remove(archive)
}

func copyMember(zf *zip.File, target string) error {
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*.part")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	_, err = io.Copy(tmp, rc)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to extract %s: %w", zf.Name, err)
	}
	return os.Rename(tmp.Name(), target)
}
