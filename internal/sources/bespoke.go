package sources

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/xkilldash9x/helix-cli/api/schemas"
	"golang.org/x/net/html"
)

// versionPlaceholder in a configured file URL is replaced by the probed version.
const versionPlaceholder = "{version}"

const (
	defaultChEMBLListing = "https://ftp.ebi.ac.uk/pub/databases/chembl/ChEMBLdb/latest/"
	defaultBioGRIDStats  = "https://wiki.thebiogrid.org/doku.php/statistics"
)

// versioned sources publish releases under version-specific URLs, so the
// download has to probe first and substitute the version into each file URL.
type versioned struct {
	*generic
	probe func(ctx context.Context) (string, error)
}

func (v *versioned) Generic() bool { return false }

func (v *versioned) ProbeVersion(ctx context.Context) (schemas.SourceVersion, error) {
	sv := schemas.SourceVersion{Date: v.today()}
	version, err := v.probe(ctx)
	if err != nil {
		return sv, fmt.Errorf("failed to probe version of %s: %w", v.name, err)
	}
	sv.Version = version
	return sv, nil
}

func (v *versioned) Download(ctx context.Context, dir string) error {
	version, err := v.probe(ctx)
	if err != nil {
		return fmt.Errorf("failed to probe version of %s: %w", v.name, err)
	}
	return v.downloadFiles(ctx, dir, func(u string) string {
		return strings.ReplaceAll(u, versionPlaceholder, version)
	})
}

func (g *generic) versionURL(fallback string) string {
	if g.cfg.VersionURL != "" {
		return g.cfg.VersionURL
	}
	return fallback
}

var chemblRelease = regexp.MustCompile(`href="chembl_(\d+)_sqlite\.tar\.gz"`)

// newChEMBL reads the release number off the "latest" directory listing.
func newChEMBL(base *generic) Source {
	v := &versioned{generic: base}
	v.probe = func(ctx context.Context) (string, error) {
		body, err := base.fetcher.Text(ctx, base.versionURL(defaultChEMBLListing))
		if err != nil {
			return "", err
		}
		m := chemblRelease.FindStringSubmatch(body)
		if m == nil {
			return "", errors.New("no sqlite release found in listing")
		}
		return m[1], nil
	}
	return v
}

// newBioGRID reads the release from the statistics page heading, e.g.
// "Current Build Statistics (4.4.229) - February 2024".
func newBioGRID(base *generic) Source {
	v := &versioned{generic: base}
	v.probe = func(ctx context.Context) (string, error) {
		body, err := base.fetcher.Text(ctx, base.versionURL(defaultBioGRIDStats))
		if err != nil {
			return "", err
		}
		return bioGRIDVersion(body)
	}
	return v
}

func bioGRIDVersion(page string) (string, error) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return "", fmt.Errorf("failed to parse statistics page: %w", err)
	}
	heading := findText(doc, func(s string) bool {
		return strings.HasPrefix(strings.TrimSpace(s), "Current Build Statistics")
	})
	if heading == "" {
		return "", errors.New("statistics heading not found")
	}
	_, rest, ok := strings.Cut(heading, "(")
	version, _, closed := strings.Cut(rest, ")")
	if !ok || !closed || strings.TrimSpace(version) == "" {
		return "", fmt.Errorf("no version in heading %q", strings.TrimSpace(heading))
	}
	return strings.TrimSpace(version), nil
}

// findText returns the first text node, in document order, accepted by match.
func findText(n *html.Node, match func(string) bool) string {
	if n.Type == html.TextNode && match(n.Data) {
		return n.Data
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if s := findText(c, match); s != "" {
			return s
		}
	}
	return ""
}

// ncg serves its table only in response to a form submission. Only the first
// configured file is the table; further files are fetched as they are.
type ncg struct {
	*generic
}

func newNCG(base *generic) Source { return &ncg{generic: base} }

func (n *ncg) Generic() bool { return false }

func (n *ncg) Download(ctx context.Context, dir string) error {
	for i, file := range n.cfg.Files {
		req := n.request(file.URL)
		if i == 0 {
			req.Method = http.MethodPost
			req.Form = url.Values{"downloadcancergenes": {"Download"}}
		}
		if err := n.downloadFile(ctx, dir, file, req); err != nil {
			return err
		}
	}
	return nil
}

// intogen links its current release archive from the download page. The URL of
// the first configured file is that page and Extract names the member to keep;
// further files are fetched as they are.
type intogen struct {
	*generic
}

func newIntOGen(base *generic) Source { return &intogen{generic: base} }

func (i *intogen) Generic() bool { return false }

func (i *intogen) Download(ctx context.Context, dir string) error {
	for n, file := range i.cfg.Files {
		if n > 0 {
			if err := i.downloadFile(ctx, dir, file, i.request(file.URL)); err != nil {
				return err
			}
			continue
		}
		link, err := i.archiveLink(ctx, file.URL)
		if err != nil {
			return fmt.Errorf("%s/%s: %w", i.name, file.Name(), err)
		}
		if file.Extract == "" {
			file.Extract = file.Name()
		}
		if err := i.downloadFile(ctx, dir, file, i.request(link)); err != nil {
			return err
		}
	}
	return nil
}

func (i *intogen) archiveLink(ctx context.Context, page string) (string, error) {
	body, err := i.fetcher.Text(ctx, page)
	if err != nil {
		return "", err
	}
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to parse download page: %w", err)
	}
	href := findHref(doc, func(h string) bool { return strings.Contains(h, "Drivers") })
	if href == "" {
		return "", errors.New("no drivers archive linked from download page")
	}
	base, err := url.Parse(page)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

func findHref(n *html.Node, match func(string) bool) string {
	if n.Type == html.ElementNode && n.Data == "a" {
		for _, attr := range n.Attr {
			if attr.Key == "href" && match(attr.Val) {
				return attr.Val
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if s := findHref(c, match); s != "" {
			return s
		}
	}
	return ""
}
