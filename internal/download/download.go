// Package download fills the local file cache from the upstream sources.
package download

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xkilldash9x/helix-cli/internal/sources"
	"go.uber.org/zap"
)

// Downloader runs every active source's download into its own directory.
type Downloader struct {
	registry *sources.Registry
	root     string
	ignored  []string
	log      *zap.Logger
}

// New creates a downloader writing below root.
func New(registry *sources.Registry, root string, ignored []string, logger *zap.Logger) *Downloader {
	return &Downloader{
		registry: registry,
		root:     root,
		ignored:  ignored,
		log:      logger.Named("download"),
	}
}

// Dir returns the directory holding the files of the named source.
func (d *Downloader) Dir(source string) string {
	return filepath.Join(d.root, source)
}

// DownloadAll downloads every source in turn. A source listed in noDownload is
// skipped when all of its files are already cached. The first failure aborts.
func (d *Downloader) DownloadAll(ctx context.Context, noDownload []string) error {
	reuse := make(map[string]struct{}, len(noDownload))
	for _, n := range noDownload {
		reuse[n] = struct{}{}
	}

	for _, src := range d.registry.Active(d.ignored) {
		if err := ctx.Err(); err != nil {
			return err
		}
		dir := d.Dir(src.Name())
		if _, ok := reuse[src.Name()]; ok && sources.FilesPresent(src, dir) {
			d.log.Info("Source unchanged, reusing cached files", zap.String("source", src.Name()))
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create download directory for %s: %w", src.Name(), err)
		}
		d.log.Info("Downloading source", zap.String("source", src.Name()), zap.String("dir", dir))
		if err := src.Download(ctx, dir); err != nil {
			return fmt.Errorf("download of %s failed: %w", src.Name(), err)
		}
	}
	return nil
}
