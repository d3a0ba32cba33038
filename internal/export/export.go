// Package export hands a finished staging build to the serving graph database.
// Every node and edge collection becomes one CSV file in neo4j-admin's bulk
// import header format; the files are then imported offline inside the dev
// graph container.
package export

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/xkilldash9x/helix-cli/api/schemas"
	"github.com/xkilldash9x/helix-cli/internal/config"
	"github.com/xkilldash9x/helix-cli/internal/lifecycle"
	"go.uber.org/zap"
)

var (
	// ErrMixedTypes is returned in strict mode when a column holds values of different kinds.
	ErrMixedTypes = errors.New("column holds values of mixed types")
	// ErrImportFailed is returned when the bulk import exits non-zero.
	ErrImportFailed = errors.New("bulk import failed")
)

// containerImportDir is where the import directory is mounted in the graph container.
const containerImportDir = "/import"

// Execer runs a command inside a container.
type Execer interface {
	Exec(ctx context.Context, container, user string, cmd []string) (lifecycle.ExecResult, error)
}

// Files are the CSV files written for one export, as host paths.
type Files struct {
	Nodes []string
	Edges []string
}

// All returns node files followed by edge files.
func (f Files) All() []string {
	return append(slices.Clone(f.Nodes), f.Edges...)
}

// Exporter converts the staging store into bulk import files and imports them.
type Exporter struct {
	store       schemas.StagingStore
	exec        Execer
	cfg         config.ExportConfig
	collections config.CollectionsConfig
	sleep       func(context.Context, time.Duration) error
	log         *zap.Logger
}

// New creates an exporter reading from st and importing through exec.
func New(st schemas.StagingStore, exec Execer, cfg *config.Config, logger *zap.Logger) *Exporter {
	return &Exporter{
		store:       st,
		exec:        exec,
		cfg:         cfg.Export,
		collections: cfg.Collections,
		sleep:       lifecycle.Sleep,
		log:         logger.Named("export"),
	}
}

// Export writes the import files and bulk-imports them into container.
func (e *Exporter) Export(ctx context.Context, container string) error {
	files, err := e.WriteFiles(ctx)
	if err != nil {
		return err
	}
	return e.Import(ctx, container, files)
}

// WriteFiles writes one CSV file per non-empty exported collection.
func (e *Exporter) WriteFiles(ctx context.Context) (Files, error) {
	var files Files
	if err := os.MkdirAll(e.cfg.ImportDir, 0o755); err != nil {
		return files, fmt.Errorf("failed to create import directory: %w", err)
	}
	existing, err := e.store.ListCollections(ctx)
	if err != nil {
		return files, fmt.Errorf("failed to list collections: %w", err)
	}

	nodeIDs := map[string]struct{}{}
	for _, name := range e.collections.Nodes {
		if !slices.Contains(existing, name) {
			continue
		}
		file, err := e.writeCollection(ctx, name, nodeRoles, func(d flatDoc) bool {
			if id, ok := d[schemas.FieldPrimaryDomainID].(string); ok {
				nodeIDs[id] = struct{}{}
			}
			return true
		})
		if err != nil {
			return files, err
		}
		if file != "" {
			files.Nodes = append(files.Nodes, file)
		}
	}

	for _, name := range e.collections.Edges {
		if !slices.Contains(existing, name) {
			continue
		}
		var dangling int
		file, err := e.writeCollection(ctx, name, edgeRoles, func(d flatDoc) bool {
			if !e.cfg.DropDanglingEdges {
				return true
			}
			start, end := d.endpoints()
			_, okStart := nodeIDs[start]
			_, okEnd := nodeIDs[end]
			if okStart && okEnd {
				return true
			}
			dangling++
			return false
		})
		if err != nil {
			return files, err
		}
		if dangling > 0 {
			e.log.Warn("Dropped edges with endpoints outside the exported nodes",
				zap.String("collection", name), zap.Int("count", dangling))
		}
		if file != "" {
			files.Edges = append(files.Edges, file)
		}
	}
	e.log.Info("Wrote import files", zap.Int("nodes", len(files.Nodes)), zap.Int("edges", len(files.Edges)))
	return files, nil
}

// writeCollection makes two passes over a collection: the first infers the
// column kinds, the second writes rows for which keep returns true. It returns
// "" when the collection has no documents.
func (e *Exporter) writeCollection(ctx context.Context, name string, roles map[string]role, keep func(flatDoc) bool) (string, error) {
	inf := newInference()
	err := e.store.Scan(ctx, name, func(d schemas.Document) error {
		inf.observe(flatten(d))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", name, err)
	}
	if inf.docs == 0 {
		return "", nil
	}
	if mixed := inf.mixedFields(roles); len(mixed) > 0 {
		if e.cfg.StrictTypes {
			return "", fmt.Errorf("%w: %s: %s", ErrMixedTypes, name, strings.Join(mixed, ", "))
		}
		e.log.Warn("Dropping columns with mixed types", zap.String("collection", name), zap.Strings("fields", mixed))
	}
	cols := inf.columns(roles)

	file := filepath.Join(e.cfg.ImportDir, name+".csv")
	f, err := os.Create(file)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", file, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := make([]string, len(cols))
	for i, c := range cols {
		header[i] = c.header
	}
	if err := w.Write(header); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", file, err)
	}

	var rows int
	err = e.store.Scan(ctx, name, func(d schemas.Document) error {
		fd := flatten(d)
		if !keep(fd) {
			return nil
		}
		rec := make([]string, len(cols))
		for i, c := range cols {
			rec[i] = formatValue(fd[c.field], c.typ, e.cfg.ArrayDelimiter)
		}
		rows++
		return w.Write(rec)
	})
	if err != nil {
		return "", fmt.Errorf("failed to write %s: %w", file, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", file, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", file, err)
	}
	e.log.Debug("Exported collection", zap.String("collection", name), zap.Int("rows", rows), zap.Int("columns", len(cols)))
	return file, nil
}

// ImportCommand returns the neo4j-admin invocation for files.
func (e *Exporter) ImportCommand(files Files) []string {
	cmd := []string{
		"neo4j-admin", "database", "import", "full", "neo4j",
		"--array-delimiter=" + e.cfg.ArrayDelimiter,
		"--multiline-fields=true",
		"--overwrite-destination=true",
		"--ignore-empty-strings=true",
		"--skip-bad-relationships=true",
		"--skip-duplicate-nodes=true",
	}
	for _, f := range files.Nodes {
		cmd = append(cmd, "--nodes="+path.Join(containerImportDir, filepath.Base(f)))
	}
	for _, f := range files.Edges {
		cmd = append(cmd, "--relationships="+path.Join(containerImportDir, filepath.Base(f)))
	}
	return cmd
}

// Import runs the bulk import inside container. The files are removed only when
// the import succeeds.
func (e *Exporter) Import(ctx context.Context, container string, files Files) error {
	res, err := e.exec.Exec(ctx, container, "", []string{"chown", "-R", "neo4j:neo4j", "/data", "/logs"})
	switch {
	case err != nil:
		e.log.Warn("Could not change ownership of the graph directories", zap.Error(err))
	case res.ExitCode != 0:
		e.log.Warn("Changing ownership of the graph directories exited non-zero",
			zap.Int("exit_code", res.ExitCode), zap.String("output", res.Output))
	}
	if err := e.sleep(ctx, e.cfg.ChownSettle); err != nil {
		return err
	}

	e.log.Info("Starting bulk import", zap.String("container", container), zap.Int("files", len(files.All())))
	res, err = e.exec.Exec(ctx, container, "neo4j", e.ImportCommand(files))
	if err != nil {
		return fmt.Errorf("failed to run bulk import: %w", err)
	}
	if res.ExitCode != 0 {
		e.log.Error("Bulk import failed, keeping import files",
			zap.Int("exit_code", res.ExitCode), zap.String("import_dir", e.cfg.ImportDir))
		return fmt.Errorf("%w (exit code %d): %s", ErrImportFailed, res.ExitCode, strings.TrimSpace(res.Output))
	}
	if err := e.sleep(ctx, e.cfg.ImportSettle); err != nil {
		return err
	}

	for _, f := range files.All() {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.log.Warn("Could not remove import file", zap.String("file", f), zap.Error(err))
		}
	}
	e.log.Info("Bulk import complete")
	return nil
}

// sortedKeys returns the keys of m in order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
