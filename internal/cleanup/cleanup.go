// Package cleanup prunes and profiles the staging store once every parser has run.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/xkilldash9x/helix-cli/api/schemas"
	"github.com/xkilldash9x/helix-cli/internal/config"
	"go.uber.org/zap"
)

// ErrUnprofiledCollection means a data collection has no profile record.
var ErrUnprofiledCollection = errors.New("collections missing from profile")

// edgeEndpoints are the fields through which an edge references a node.
var edgeEndpoints = []string{
	schemas.FieldSourceDomainID,
	schemas.FieldTargetDomainID,
	schemas.FieldMemberOne,
	schemas.FieldMemberTwo,
}

// Cleaner runs the post-integration steps over one staging store.
type Cleaner struct {
	store       schemas.StagingStore
	collections config.CollectionsConfig
	rules       []config.TrimRule
	log         *zap.Logger
}

// New creates a cleaner for the configured collections and trim rules.
func New(st schemas.StagingStore, cfg *config.Config, logger *zap.Logger) *Cleaner {
	return &Cleaner{
		store:       st,
		collections: cfg.Collections,
		rules:       cfg.Cleanup.Trim,
		log:         logger.Named("cleanup"),
	}
}

// Run trims, drops empty collections, profiles and verifies, in that order.
func (c *Cleaner) Run(ctx context.Context) error {
	if _, err := c.Trim(ctx, c.rules); err != nil {
		return err
	}
	if _, err := c.DropEmpty(ctx); err != nil {
		return err
	}
	if _, err := c.Profile(ctx); err != nil {
		return err
	}
	return c.Verify(ctx)
}

// Trim deletes the nodes named by each rule, optionally with every descendant
// reachable through the rule's hierarchy collection, and every configured edge
// touching a deleted node. It returns the number of deleted nodes.
func (c *Cleaner) Trim(ctx context.Context, rules []config.TrimRule) (int64, error) {
	var total int64
	for _, rule := range rules {
		ids := slices.Clone(rule.IDs)
		if rule.IncludeDescendants && rule.Hierarchy != "" {
			desc, err := c.descendants(ctx, rule.Hierarchy, rule.IDs)
			if err != nil {
				return total, err
			}
			ids = append(ids, desc...)
		}

		n, err := c.store.DeleteMany(ctx, rule.Collection, schemas.FieldPrimaryDomainID, ids)
		if err != nil {
			return total, fmt.Errorf("failed to trim %s: %w", rule.Collection, err)
		}
		total += n

		var edges int64
		for _, coll := range c.collections.Edges {
			for _, field := range edgeEndpoints {
				m, err := c.store.DeleteMany(ctx, coll, field, ids)
				if err != nil {
					return total, fmt.Errorf("failed to remove edges of trimmed %s from %s: %w", rule.Collection, coll, err)
				}
				edges += m
			}
		}
		c.log.Info("Trimmed collection",
			zap.String("collection", rule.Collection),
			zap.Int("roots", len(rule.IDs)),
			zap.Int64("nodes", n),
			zap.Int64("edges", edges))
	}
	return total, nil
}

// descendants walks child->parent edges backwards from roots.
func (c *Cleaner) descendants(ctx context.Context, hierarchy string, roots []string) ([]string, error) {
	children := map[string][]string{}
	err := c.store.Scan(ctx, hierarchy, func(d schemas.Document) error {
		parent := d.String(schemas.FieldTargetDomainID)
		children[parent] = append(children[parent], d.String(schemas.FieldSourceDomainID))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read hierarchy %s: %w", hierarchy, err)
	}

	seen := map[string]struct{}{}
	for _, r := range roots {
		seen[r] = struct{}{}
	}
	queue := slices.Clone(roots)
	var out []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, child := range children[id] {
			if _, ok := seen[child]; ok {
				continue
			}
			seen[child] = struct{}{}
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	sort.Strings(out)
	return out, nil
}

// DropEmpty drops every configured collection that exists but holds no documents.
func (c *Cleaner) DropEmpty(ctx context.Context) ([]string, error) {
	existing, err := c.store.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	var dropped []string
	for _, name := range c.collections.All() {
		if !slices.Contains(existing, name) {
			continue
		}
		n, err := c.store.Count(ctx, name)
		if err != nil {
			return dropped, fmt.Errorf("failed to count %s: %w", name, err)
		}
		if n > 0 {
			continue
		}
		if err := c.store.DropCollection(ctx, name); err != nil {
			return dropped, fmt.Errorf("failed to drop %s: %w", name, err)
		}
		dropped = append(dropped, name)
	}
	if len(dropped) > 0 {
		c.log.Info("Dropped empty collections", zap.Strings("collections", dropped))
	}
	return dropped, nil
}

// Profile records the document count and attribute frequencies of every
// configured collection. Missing and empty collections are skipped.
func (c *Cleaner) Profile(ctx context.Context) ([]schemas.CollectionProfile, error) {
	existing, err := c.store.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	var out []schemas.CollectionProfile
	for _, name := range c.collections.All() {
		if !slices.Contains(existing, name) {
			c.log.Warn("Collection does not exist, not profiling it", zap.String("collection", name))
			continue
		}
		p := schemas.CollectionProfile{Collection: name, AttributeCounts: map[string]int64{}}
		err := c.store.Scan(ctx, name, func(d schemas.Document) error {
			p.DocumentCount++
			for k := range d {
				p.AttributeCounts[k]++
			}
			return nil
		})
		if err != nil {
			return out, fmt.Errorf("failed to profile %s: %w", name, err)
		}
		if p.DocumentCount == 0 {
			c.log.Warn("Collection is empty, not profiling it", zap.String("collection", name))
			continue
		}
		for k := range p.AttributeCounts {
			p.UniqueAttributes = append(p.UniqueAttributes, k)
		}
		sort.Strings(p.UniqueAttributes)

		if err := c.store.ReplaceOne(ctx, schemas.ProfileCollection, schemas.Document{"collection": name}, p.Document()); err != nil {
			return out, fmt.Errorf("failed to store profile of %s: %w", name, err)
		}
		c.log.Debug("Profiled collection", zap.String("collection", name), zap.Int64("documents", p.DocumentCount))
		out = append(out, p)
	}
	c.log.Info("Profiled collections", zap.Int("count", len(out)))
	return out, nil
}

// Verify checks that every data collection in the store has a profile record.
func (c *Cleaner) Verify(ctx context.Context) error {
	existing, err := c.store.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	profiles, err := c.store.Find(ctx, schemas.ProfileCollection, schemas.Document{})
	if err != nil {
		return fmt.Errorf("failed to read profiles: %w", err)
	}
	profiled := make(map[string]struct{}, len(profiles))
	for _, p := range profiles {
		profiled[p.String("collection")] = struct{}{}
	}

	var missing []string
	for _, name := range existing {
		if schemas.IsSystemCollection(name) {
			continue
		}
		if _, ok := profiled[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: %s", ErrUnprofiledCollection, strings.Join(missing, ", "))
	}
	return nil
}
