// Package model defines the staged node and edge records and the merge
// operation each of them produces. Every parser writes through these types, so
// the idempotence of a build rests on GenerateUpdate being deterministic.
package model

import (
	"sort"
	"time"

	"github.com/xkilldash9x/helix-cli/api/schemas"
)

// Record is any staged node or edge that knows how to merge itself.
type Record interface {
	// Collection is the staging collection the record belongs to.
	Collection() string
	// GenerateUpdate returns the match key and mutation for the record. now is
	// used for the created/updated timestamps.
	GenerateUpdate(now time.Time) schemas.Update
}

// Kind distinguishes node collections from edge collections.
type Kind int

const (
	NodeKind Kind = iota
	EdgeKind
)

func (k Kind) String() string {
	if k == EdgeKind {
		return "edge"
	}
	return "node"
}

// CollectionInfo describes one staged collection.
type CollectionInfo struct {
	Name string
	Kind Kind
	// Type is the discriminator stored on each document; it becomes the node
	// label or relationship type in the serving graph.
	Type string
	// MatchKeys is the identifying field set, backed by a unique index.
	MatchKeys []string
}

// Indexes returns the indexes the collection needs in the staging store.
func (c CollectionInfo) Indexes() []schemas.IndexSpec {
	specs := []schemas.IndexSpec{{
		Name:   c.Name + "_match",
		Keys:   c.MatchKeys,
		Unique: true,
	}}
	if c.Kind == NodeKind {
		specs = append(specs, schemas.IndexSpec{Name: c.Name + "_domain_ids", Keys: []string{schemas.FieldDomainIDs}})
	} else {
		specs = append(specs, schemas.IndexSpec{Name: c.Name + "_target", Keys: c.MatchKeys[1:]})
	}
	return specs
}

// Collection names.
const (
	DisorderCollection                    = "disorder"
	GeneCollection                        = "gene"
	ProteinCollection                     = "protein"
	TissueCollection                      = "tissue"
	DisorderIsSubtypeOfDisorderCollection = "disorder_is_subtype_of_disorder"
	GeneAssociatedWithDisorderCollection  = "gene_associated_with_disorder"
	GeneExpressedInTissueCollection       = "gene_expressed_in_tissue"
	ProteinEncodedByGeneCollection        = "protein_encoded_by_gene"
	ProteinInteractsWithProteinCollection = "protein_interacts_with_protein"
)

var directed = []string{schemas.FieldSourceDomainID, schemas.FieldTargetDomainID}

var registry = []CollectionInfo{
	{Name: DisorderCollection, Kind: NodeKind, Type: "Disorder", MatchKeys: []string{schemas.FieldPrimaryDomainID}},
	{Name: GeneCollection, Kind: NodeKind, Type: "Gene", MatchKeys: []string{schemas.FieldPrimaryDomainID}},
	{Name: ProteinCollection, Kind: NodeKind, Type: "Protein", MatchKeys: []string{schemas.FieldPrimaryDomainID}},
	{Name: TissueCollection, Kind: NodeKind, Type: "Tissue", MatchKeys: []string{schemas.FieldPrimaryDomainID}},
	{Name: DisorderIsSubtypeOfDisorderCollection, Kind: EdgeKind, Type: "DisorderIsSubtypeOfDisorder", MatchKeys: directed},
	{Name: GeneAssociatedWithDisorderCollection, Kind: EdgeKind, Type: "GeneAssociatedWithDisorder", MatchKeys: directed},
	{Name: GeneExpressedInTissueCollection, Kind: EdgeKind, Type: "GeneExpressedInTissue", MatchKeys: directed},
	{Name: ProteinEncodedByGeneCollection, Kind: EdgeKind, Type: "ProteinEncodedByGene", MatchKeys: directed},
	{Name: ProteinInteractsWithProteinCollection, Kind: EdgeKind, Type: "ProteinInteractsWithProtein",
		MatchKeys: []string{schemas.FieldMemberOne, schemas.FieldMemberTwo}},
}

// Collections returns every registered collection in registration order.
func Collections() []CollectionInfo {
	out := make([]CollectionInfo, len(registry))
	copy(out, registry)
	return out
}

// Lookup finds a registered collection by name.
func Lookup(name string) (CollectionInfo, bool) {
	for _, c := range registry {
		if c.Name == name {
			return c, true
		}
	}
	return CollectionInfo{}, false
}

// LookupType finds a registered collection by its discriminator.
func LookupType(typ string) (CollectionInfo, bool) {
	for _, c := range registry {
		if c.Type == typ {
			return c, true
		}
	}
	return CollectionInfo{}, false
}

// mutation accumulates the parts of an Update while a record is converted.
type mutation struct {
	setOnInsert map[string]any
	set         map[string]any
	addToSet    map[string][]any
}

func newMutation(now time.Time, typ string) *mutation {
	return &mutation{
		setOnInsert: map[string]any{schemas.FieldCreated: now, schemas.FieldType: typ},
		set:         map[string]any{schemas.FieldUpdated: now},
		addToSet:    map[string][]any{},
	}
}

func (m *mutation) str(key, v string) {
	if v != "" {
		m.set[key] = v
	}
}

func (m *mutation) float(key string, v *float64) {
	if v != nil {
		m.set[key] = *v
	}
}

func (m *mutation) integer(key string, v *int) {
	if v != nil {
		m.set[key] = *v
	}
}

func (m *mutation) boolean(key string, v *bool) {
	if v != nil {
		m.set[key] = *v
	}
}

// strings adds the unique, non-empty values in sorted order. Empty input adds
// nothing so a partial record never touches another source's array.
func (m *mutation) strings(key string, values ...[]string) {
	seen := map[string]struct{}{}
	for _, vs := range values {
		for _, v := range vs {
			if v != "" {
				seen[v] = struct{}{}
			}
		}
	}
	if len(seen) == 0 {
		return
	}
	uniq := make([]string, 0, len(seen))
	for v := range seen {
		uniq = append(uniq, v)
	}
	sort.Strings(uniq)
	out := make([]any, len(uniq))
	for i, v := range uniq {
		out[i] = v
	}
	m.addToSet[key] = out
}

func (m *mutation) update(collection string, match map[string]any) schemas.Update {
	return schemas.Update{
		Collection:  collection,
		Match:       match,
		SetOnInsert: m.setOnInsert,
		Set:         m.set,
		AddToSet:    m.addToSet,
	}
}

// Float and Int return pointers for optional scalar attributes.
func Float(v float64) *float64 { return &v }
func Int(v int) *int           { return &v }
func Bool(v bool) *bool        { return &v }
