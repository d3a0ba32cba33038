// Package parsers turns the downloaded source files into staged node and edge
// records. Parsers declare which collections they read and write; Plan orders
// them so every parser runs after all producers of what it requires.
package parsers

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/xkilldash9x/helix-cli/api/schemas"
	"github.com/xkilldash9x/helix-cli/internal/config"
	"github.com/xkilldash9x/helix-cli/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrMissingDependency means a required collection has no producer in the plan.
	ErrMissingDependency = errors.New("required collection has no producer")
	// ErrDependencyCycle means the requires/produces graph is not acyclic.
	ErrDependencyCycle = errors.New("parser dependencies form a cycle")
	// ErrDependencyEmpty means a required collection exists in the plan but is empty at run time.
	ErrDependencyEmpty = errors.New("required collection is empty")
)

// Parser reads one source's files and writes records to the staging store.
type Parser interface {
	Name() string
	// Source names the configured source whose files the parser reads.
	Source() string
	Requires() []string
	Produces() []string
	// Editions lists the editions the parser runs in; empty means all.
	Editions() []string
	Parse(ctx context.Context, env *Env) error
}

// Default returns the standard parser fleet in registration order.
func Default() []Parser {
	return []Parser{
		&mondoParser{},
		&uberonParser{},
		&ncbiParser{},
		&uniprotParser{},
		&biogridParser{},
		&hpaParser{},
		&ncgParser{},
		&intogenParser{},
		&orphanetParser{},
	}
}

// Plan keeps the parsers that run in edition and orders them topologically.
// Among parsers that are ready at the same time, registration order wins.
func Plan(parsers []Parser, edition string) ([]Parser, error) {
	var active []Parser
	for _, p := range parsers {
		if eds := p.Editions(); len(eds) == 0 || slices.Contains(eds, edition) {
			active = append(active, p)
		}
	}

	producers := map[string][]int{}
	for i, p := range active {
		for _, c := range p.Produces() {
			producers[c] = append(producers[c], i)
		}
	}

	indegree := make([]int, len(active))
	dependents := make([][]int, len(active))
	for i, p := range active {
		for _, c := range p.Requires() {
			prods, ok := producers[c]
			if !ok {
				return nil, fmt.Errorf("%w: %s requires %s", ErrMissingDependency, p.Name(), c)
			}
			for _, j := range prods {
				if j == i {
					continue
				}
				dependents[j] = append(dependents[j], i)
				indegree[i]++
			}
		}
	}

	done := make([]bool, len(active))
	out := make([]Parser, 0, len(active))
	for len(out) < len(active) {
		next := -1
		for i := range active {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			var stuck []string
			for i, p := range active {
				if !done[i] {
					stuck = append(stuck, p.Name())
				}
			}
			return nil, fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(stuck, ", "))
		}
		done[next] = true
		out = append(out, active[next])
		for _, d := range dependents[next] {
			indegree[d]--
		}
	}
	return out, nil
}

// Runner executes a plan against the staging store.
type Runner struct {
	store     schemas.StagingStore
	sources   map[string]config.SourceConfig
	dir       string
	batchSize int
	log       *zap.Logger
}

// NewRunner creates a runner reading files from below dir, one subdirectory per source.
func NewRunner(st schemas.StagingStore, cfg *config.Config, dir string, logger *zap.Logger) *Runner {
	return &Runner{
		store:     st,
		sources:   cfg.Sources.Entries,
		dir:       dir,
		batchSize: cfg.DB.BatchSize,
		log:       logger.Named("parsers"),
	}
}

// Run executes each parser in order, stopping at the first failure.
func (r *Runner) Run(ctx context.Context, plan []Parser) error {
	for _, p := range plan {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, c := range p.Requires() {
			n, err := r.store.Count(ctx, c)
			if err != nil {
				return fmt.Errorf("failed to count %s before %s: %w", c, p.Name(), err)
			}
			if n == 0 {
				return fmt.Errorf("%w: %s requires %s", ErrDependencyEmpty, p.Name(), c)
			}
		}

		start := time.Now()
		r.log.Info("Running parser", zap.String("parser", p.Name()), zap.String("source", p.Source()))
		if err := p.Parse(ctx, r.env(p)); err != nil {
			return fmt.Errorf("parser %s failed: %w", p.Name(), err)
		}
		r.log.Info("Parser finished", zap.String("parser", p.Name()), zap.Duration("took", time.Since(start)))
	}
	return nil
}

func (r *Runner) env(p Parser) *Env {
	return &Env{
		Store:     r.store,
		source:    p.Source(),
		dir:       filepath.Join(r.dir, p.Source()),
		files:     r.sources[p.Source()].Files,
		batchSize: r.batchSize,
		log:       r.log.With(zap.String("parser", p.Name())),
	}
}

// Env is what a parser sees while it runs.
type Env struct {
	Store     schemas.StagingStore
	source    string
	dir       string
	files     []config.FileConfig
	batchSize int
	log       *zap.Logger
}

// Logger returns the parser's logger.
func (e *Env) Logger() *zap.Logger { return e.log }

// Path resolves the local path of the source file registered under key.
func (e *Env) Path(key string) (string, error) {
	for _, f := range e.files {
		if f.Lookup() != key {
			continue
		}
		p := filepath.Join(e.dir, f.Name())
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("file %q of %s: %w", key, e.source, err)
		}
		return p, nil
	}
	return "", fmt.Errorf("file %q of %s is not configured: %w", key, e.source, fs.ErrNotExist)
}

// Writer returns a batch writer over the staging store.
func (e *Env) Writer() *store.BatchWriter {
	return store.NewBatchWriter(e.Store, e.batchSize, e.log)
}

// IDs returns the primary ids present in a node collection.
func (e *Env) IDs(ctx context.Context, collection string) (map[string]struct{}, error) {
	ids := map[string]struct{}{}
	err := e.Store.Scan(ctx, collection, func(d schemas.Document) error {
		if id := d.String(schemas.FieldPrimaryDomainID); id != "" {
			ids[id] = struct{}{}
		}
		return nil
	})
	return ids, err
}

// Index maps each value of field (each element for array fields) to the
// primary ids of the documents holding it.
func (e *Env) Index(ctx context.Context, collection, field string) (map[string][]string, error) {
	idx := map[string][]string{}
	err := e.Store.Scan(ctx, collection, func(d schemas.Document) error {
		id := d.String(schemas.FieldPrimaryDomainID)
		if id == "" {
			return nil
		}
		values := d.Strings(field)
		if s := d.String(field); s != "" {
			values = []string{s}
		}
		for _, v := range values {
			idx[v] = appendUnique(idx[v], id)
		}
		return nil
	})
	return idx, err
}

// DomainIndex maps the cross-reference ids starting with prefix, with the
// prefix removed, to the primary ids carrying them.
func (e *Env) DomainIndex(ctx context.Context, collection, prefix string) (map[string][]string, error) {
	idx := map[string][]string{}
	err := e.Store.Scan(ctx, collection, func(d schemas.Document) error {
		id := d.String(schemas.FieldPrimaryDomainID)
		for _, x := range d.Strings(schemas.FieldDomainIDs) {
			if rest, ok := strings.CutPrefix(x, prefix); ok {
				idx[rest] = appendUnique(idx[rest], id)
			}
		}
		return nil
	})
	return idx, err
}

func appendUnique(list []string, v string) []string {
	if slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}
