// Package ledger keeps the build version and the per-source versions that went
// into it, and decides which sources can skip downloading.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"github.com/xkilldash9x/helix-cli/api/schemas"
	"github.com/xkilldash9x/helix-cli/internal/config"
	"github.com/xkilldash9x/helix-cli/internal/sources"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoLiveInstance means the previous build could not be reached at all.
	ErrNoLiveInstance = errors.New("no live instance reachable")
	// ErrMalformedMetadata means a metadata document exists but cannot be read.
	ErrMalformedMetadata = errors.New("malformed metadata document")
	// ErrMultipleMetadata means the metadata collection is not a singleton.
	ErrMultipleMetadata = errors.New("metadata collection holds more than one document")
)

const (
	fallbackFile = "fallback_version"
	dateLayout   = "2006-01-02"
	snapshotFile = "metadata.json"

	carryForwardAttempts = 5
	carryForwardDelay    = time.Second
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// PreviousReader returns the metadata documents of the build currently serving.
type PreviousReader interface {
	PreviousMetadata(ctx context.Context) ([]schemas.Metadata, error)
}

type storeReader struct {
	store schemas.StagingStore
}

// NewStoreReader reads previous metadata from a staging store.
func NewStoreReader(st schemas.StagingStore) PreviousReader {
	return &storeReader{store: st}
}

func (r *storeReader) PreviousMetadata(ctx context.Context) ([]schemas.Metadata, error) {
	docs, err := r.store.Find(ctx, schemas.MetadataCollection, schemas.Document{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoLiveInstance, err)
	}
	out := make([]schemas.Metadata, 0, len(docs))
	for _, d := range docs {
		md, err := DecodeMetadata(d)
		if err != nil {
			return nil, err
		}
		out = append(out, md)
	}
	return out, nil
}

type unreachable struct {
	err error
}

// Unreachable is the reader used when the live store could not be opened.
func Unreachable(err error) PreviousReader {
	return unreachable{err: err}
}

func (u unreachable) PreviousMetadata(context.Context) ([]schemas.Metadata, error) {
	return nil, fmt.Errorf("%w: %v", ErrNoLiveInstance, u.err)
}

// DecodeMetadata converts a stored metadata document.
func DecodeMetadata(doc schemas.Document) (schemas.Metadata, error) {
	version, ok := doc["version"].(string)
	if !ok {
		return schemas.Metadata{}, fmt.Errorf("%w: version is %T", ErrMalformedMetadata, doc["version"])
	}
	md := schemas.Metadata{Version: version, SourceDatabases: map[string]schemas.SourceVersion{}}

	raw, present := doc["source_databases"]
	if !present || raw == nil {
		return md, nil
	}
	entries, ok := raw.(map[string]any)
	if !ok {
		return schemas.Metadata{}, fmt.Errorf("%w: source_databases is %T", ErrMalformedMetadata, raw)
	}
	for name, e := range entries {
		entry, ok := e.(map[string]any)
		if !ok {
			return schemas.Metadata{}, fmt.Errorf("%w: source %s is %T", ErrMalformedMetadata, name, e)
		}
		date, _ := entry["date"].(string)
		v, _ := entry["version"].(string)
		md.SourceDatabases[name] = schemas.SourceVersion{Date: date, Version: v}
	}
	return md, nil
}

// Ledger computes and records build metadata.
type Ledger struct {
	cfg      config.SourcesConfig
	root     string
	registry *sources.Registry
	log      *zap.Logger
	delay    time.Duration
	now      func() time.Time
}

// New creates a ledger over the configured sources.
func New(cfg *config.Config, registry *sources.Registry, logger *zap.Logger) *Ledger {
	return &Ledger{
		cfg:      cfg.Sources,
		root:     cfg.DB.RootDirectory,
		registry: registry,
		log:      logger.Named("ledger"),
		delay:    carryForwardDelay,
		now:      time.Now,
	}
}

// Probe asks every active source for its current version. A source that cannot
// be probed is recorded as unavailable and a warning is logged.
func (l *Ledger) Probe(ctx context.Context, ignored []string) map[string]schemas.SourceVersion {
	active := l.registry.Active(ignored)
	out := make(map[string]schemas.SourceVersion, len(active))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	if l.cfg.ProbeConcurrency > 0 {
		g.SetLimit(l.cfg.ProbeConcurrency)
	}
	for _, src := range active {
		g.Go(func() error {
			sv, err := src.ProbeVersion(gctx)
			if err != nil {
				l.log.Warn("Could not determine source version",
					zap.String("source", src.Name()), zap.Error(err))
				sv.Version = schemas.VersionUnavailable
				if sv.Date == "" {
					sv.Date = l.now().Format(dateLayout)
				}
			}
			mu.Lock()
			out[src.Name()] = sv
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Previous reads the metadata of the serving build. It returns nil when there is
// none, including when the live instance cannot be reached.
func (l *Ledger) Previous(ctx context.Context, r PreviousReader) (*schemas.Metadata, error) {
	docs, err := r.PreviousMetadata(ctx)
	if errors.Is(err, ErrNoLiveInstance) {
		l.log.Warn("No previous build available, treating every source as new", zap.Error(err))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	switch len(docs) {
	case 0:
		return nil, nil
	case 1:
		return &docs[0], nil
	default:
		return nil, fmt.Errorf("%w: found %d", ErrMultipleMetadata, len(docs))
	}
}

// UpdateVersions probes every active source, computes the next build version and
// writes the result into dst's metadata collection.
func (l *Ledger) UpdateVersions(ctx context.Context, dst schemas.StagingStore, prev *schemas.Metadata, ignored []string, defaultVersion string) (schemas.Metadata, error) {
	base := defaultVersion
	if base == "" {
		base = l.cfg.DefaultVersion
	}
	if prev != nil {
		base = prev.Version
	}
	if l.cfg.ForceVersionOverride {
		l.log.Info("Forcing build version override", zap.String("version", l.cfg.DefaultVersion))
		base = l.cfg.DefaultVersion
	}
	v, err := ParseVersion(base)
	if err != nil {
		return schemas.Metadata{}, fmt.Errorf("%w: %v", ErrMalformedMetadata, err)
	}

	md := schemas.Metadata{
		Version:         v.IncrementPatch().String(),
		SourceDatabases: l.Probe(ctx, ignored),
	}
	if err := dst.ReplaceOne(ctx, schemas.MetadataCollection, schemas.Document{}, md.Document()); err != nil {
		return schemas.Metadata{}, fmt.Errorf("failed to write metadata: %w", err)
	}
	l.log.Info("Build version computed",
		zap.String("previous", base), zap.String("version", md.Version), zap.Int("sources", len(md.SourceDatabases)))
	return md, nil
}

// NoDownload returns the sources whose probed version matches the previous
// build, sorted. Unavailable versions never match and force disables reuse.
func NoDownload(prev *schemas.Metadata, cur schemas.Metadata, force bool) []string {
	if force || prev == nil {
		return nil
	}
	var out []string
	for name, sv := range cur.SourceDatabases {
		old, ok := prev.SourceDatabases[name]
		if !ok || sv.Version == schemas.VersionUnavailable || old.Version == schemas.VersionUnavailable {
			continue
		}
		if sv.Version == old.Version {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ReadFallback returns the version stored in the fallback file, or "" when the
// file does not exist.
func (l *Ledger) ReadFallback() (string, error) {
	b, err := os.ReadFile(filepath.Join(l.root, fallbackFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read fallback version: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// WriteFallback records version in the fallback file.
func (l *Ledger) WriteFallback(version string) error {
	if err := os.MkdirAll(l.root, 0o755); err != nil {
		return fmt.Errorf("failed to create root directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.root, fallbackFile), []byte(version), 0o644); err != nil {
		return fmt.Errorf("failed to write fallback version: %w", err)
	}
	return nil
}

// WriteSnapshot writes md as indented JSON next to the fallback file.
func (l *Ledger) WriteSnapshot(md schemas.Metadata) error {
	b, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata snapshot: %w", err)
	}
	if err := os.MkdirAll(l.root, 0o755); err != nil {
		return fmt.Errorf("failed to create root directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.root, snapshotFile), b, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata snapshot: %w", err)
	}
	return nil
}

// CarryForward copies the serving build's metadata into dst for a build that
// does not download. Sources that are no longer configured are dropped, and the
// patch is incremented when increment is set.
func (l *Ledger) CarryForward(ctx context.Context, dst schemas.StagingStore, r PreviousReader, increment bool) (schemas.Metadata, error) {
	prev, err := l.Previous(ctx, r)
	if err != nil {
		return schemas.Metadata{}, err
	}
	md := schemas.Metadata{Version: "0.0.0"}
	if prev != nil {
		md = *prev
	}
	carried := make(map[string]schemas.SourceVersion, len(md.SourceDatabases))
	for name, sv := range md.SourceDatabases {
		if _, ok := l.cfg.Entries[name]; ok {
			carried[name] = sv
		} else {
			l.log.Info("Dropping source that is no longer configured", zap.String("source", name))
		}
	}
	md.SourceDatabases = carried

	if increment {
		v, err := ParseVersion(md.Version)
		if err != nil {
			return schemas.Metadata{}, fmt.Errorf("%w: %v", ErrMalformedMetadata, err)
		}
		md.Version = v.IncrementPatch().String()
	}

	attempt := 0
	write := func() error {
		attempt++
		return dst.ReplaceOne(ctx, schemas.MetadataCollection, schemas.Document{}, md.Document())
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(l.delay), carryForwardAttempts-1), ctx)
	notify := func(err error, wait time.Duration) {
		l.log.Warn("Metadata write failed, retrying", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(write, b, notify); err != nil {
		return schemas.Metadata{}, fmt.Errorf("failed to write metadata after %d attempts: %w", attempt, err)
	}
	l.log.Info("Carried metadata forward", zap.String("version", md.Version), zap.Int("sources", len(md.SourceDatabases)))
	return md, nil
}
