// Package sources knows how to find out which release each upstream database
// is on and how to fetch its files into the local cache.
package sources

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/xkilldash9x/helix-cli/api/schemas"
	"github.com/xkilldash9x/helix-cli/internal/config"
	"go.uber.org/zap"
)

// Source is one upstream database.
type Source interface {
	Name() string
	// ProbeVersion determines the release currently published upstream.
	ProbeVersion(ctx context.Context) (schemas.SourceVersion, error)
	// Download fetches every file of the source into dir. Afterwards each
	// entry of Files exists under dir.
	Download(ctx context.Context, dir string) error
	// Generic is false for sources with bespoke probing or downloading.
	Generic() bool
	Files() []config.FileConfig
}

const dateLayout = "2006-01-02"

var digitRuns = regexp.MustCompile(`\d+`)

// ExtractVersion finds the first match of pattern in body (its first group
// when the pattern has one), concatenates the digit runs of the match, drops
// the first skip digits and formats the rest. Mode "date" yields YYYY-MM-DD,
// mode "dotted" yields the first two digits, a dot, then the remainder.
func ExtractVersion(body, pattern, mode string, skip int) (string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("invalid version pattern: %w", err)
	}
	m := re.FindStringSubmatch(body)
	if m == nil {
		return "", fmt.Errorf("version pattern %q did not match", pattern)
	}
	text := m[0]
	if len(m) > 1 {
		text = m[1]
	}

	digits := strings.Join(digitRuns.FindAllString(text, -1), "")
	if skip > len(digits) {
		return "", fmt.Errorf("cannot skip %d digits of %q", skip, digits)
	}
	digits = digits[skip:]

	switch mode {
	case "", "date":
		if len(digits) < 8 {
			return "", fmt.Errorf("%q is too short for a date version", digits)
		}
		return digits[0:4] + "-" + digits[4:6] + "-" + digits[6:], nil
	case "dotted":
		if len(digits) < 3 {
			return "", fmt.Errorf("%q is too short for a dotted version", digits)
		}
		return digits[0:2] + "." + digits[2:], nil
	default:
		return "", fmt.Errorf("unknown version mode %q", mode)
	}
}

// generic fetches plain files over HTTP and probes versions from a page.
type generic struct {
	name    string
	cfg     config.SourceConfig
	fetcher *Fetcher
	now     func() time.Time
	log     *zap.Logger
}

func (g *generic) Name() string               { return g.name }
func (g *generic) Generic() bool              { return true }
func (g *generic) Files() []config.FileConfig { return g.cfg.Files }

func (g *generic) today() string { return g.now().Format(dateLayout) }

// ProbeVersion scrapes version_url when configured, else reports the static
// version, else today's date. The date is always today.
func (g *generic) ProbeVersion(ctx context.Context) (schemas.SourceVersion, error) {
	sv := schemas.SourceVersion{Date: g.today()}
	switch {
	case g.cfg.VersionURL != "":
		body, err := g.fetcher.Text(ctx, g.cfg.VersionURL)
		if err != nil {
			return sv, fmt.Errorf("failed to fetch version page of %s: %w", g.name, err)
		}
		v, err := ExtractVersion(body, g.cfg.VersionPattern, g.cfg.VersionMode, g.cfg.SkipDigits)
		if err != nil {
			return sv, fmt.Errorf("failed to extract version of %s: %w", g.name, err)
		}
		sv.Version = v
	case g.cfg.Version != "":
		sv.Version = g.cfg.Version
	default:
		sv.Version = sv.Date
	}
	return sv, nil
}

func (g *generic) request(rawURL string) Request {
	return Request{URL: rawURL, Username: g.cfg.Username, Password: g.cfg.Password}
}

// Download fetches every configured file in order.
func (g *generic) Download(ctx context.Context, dir string) error {
	return g.downloadFiles(ctx, dir, nil)
}

// downloadFiles fetches every configured file, passing each URL through
// rewrite first when one is given.
func (g *generic) downloadFiles(ctx context.Context, dir string, rewrite func(string) string) error {
	for _, file := range g.cfg.Files {
		rawURL := file.URL
		if rewrite != nil {
			rawURL = rewrite(rawURL)
		}
		if err := g.downloadFile(ctx, dir, file, g.request(rawURL)); err != nil {
			return err
		}
	}
	return nil
}

func (g *generic) downloadFile(ctx context.Context, dir string, file config.FileConfig, req Request) error {
	validate, err := ParseValidator(file.Validator)
	if err != nil {
		return fmt.Errorf("%s/%s: %w", g.name, file.Name(), err)
	}
	target := filepath.Join(dir, file.Name())

	fetchTo := target
	if file.Extract != "" {
		fetchTo = filepath.Join(dir, config.FileConfig{URL: req.URL}.Name())
		if fetchTo == target || fetchTo == dir {
			fetchTo = target + ".zip"
		}
	}

	check := func(path string) error {
		if file.Extract != "" {
			if err := extractMember(path, file.Extract, target); err != nil {
				return err
			}
		}
		if validate != nil {
			return validate(target)
		}
		return nil
	}

	g.log.Info("Downloading file", zap.String("source", g.name), zap.String("file", file.Name()))
	if err := g.fetcher.Fetch(ctx, req, fetchTo, check); err != nil {
		return fmt.Errorf("%s/%s: %w", g.name, file.Name(), err)
	}
	return nil
}

// Registry maps source names to their implementation.
type Registry struct {
	sources map[string]Source
}

type bespokeFactory func(base *generic) Source

// bespoke lists the sources whose probe or download differs from the generic one.
var bespoke = map[string]bespokeFactory{
	"chembl":  newChEMBL,
	"biogrid": newBioGRID,
	"ncg":     newNCG,
	"intogen": newIntOGen,
}

// NewRegistry registers every configured source. Bespoke implementations replace
// the generic one for the names that need them.
func NewRegistry(cfg config.SourcesConfig, fetcher *Fetcher, logger *zap.Logger) *Registry {
	return newRegistry(cfg, fetcher, time.Now, logger)
}

func newRegistry(cfg config.SourcesConfig, fetcher *Fetcher, now func() time.Time, logger *zap.Logger) *Registry {
	log := logger.Named("sources")
	r := &Registry{sources: make(map[string]Source, len(cfg.Entries))}
	for name, sc := range cfg.Entries {
		base := &generic{name: name, cfg: sc, fetcher: fetcher, now: now, log: log}
		if factory, ok := bespoke[name]; ok {
			r.sources[name] = factory(base)
			continue
		}
		r.sources[name] = base
	}
	return r
}

// Register adds or replaces a source.
func (r *Registry) Register(s Source) {
	r.sources[s.Name()] = s
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.sources))
	for n := range r.sources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Get returns the named source.
func (r *Registry) Get(name string) (Source, bool) {
	s, ok := r.sources[name]
	return s, ok
}

// Active returns the registered sources that are not ignored, sorted by name.
func (r *Registry) Active(ignored []string) []Source {
	skip := make(map[string]struct{}, len(ignored))
	for _, n := range ignored {
		skip[n] = struct{}{}
	}
	var out []Source
	for _, n := range r.Names() {
		if _, ok := skip[n]; !ok {
			out = append(out, r.sources[n])
		}
	}
	return out
}

// FilesPresent reports whether every file of s exists in dir.
func FilesPresent(s Source, dir string) bool {
	for _, f := range s.Files() {
		if _, err := os.Stat(filepath.Join(dir, f.Name())); err != nil {
			return false
		}
	}
	return true
}
