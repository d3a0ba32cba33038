package schemas

import (
	"sort"
	"strings"
)

// -- Canonical Staging Data Model --

// Reserved bookkeeping collections in the staging store.
const (
	MetadataCollection = "metadata"
	ProfileCollection  = "_collections"
)

// VersionUnavailable is recorded for a source whose version could not be probed.
// It never compares equal to a real version, so such sources are always re-fetched.
const VersionUnavailable = "N/A"

// Well-known document fields shared by every node and edge record.
const (
	FieldID              = "_id"
	FieldClass           = "_cls"
	FieldType            = "type"
	FieldCreated         = "created"
	FieldUpdated         = "updated"
	FieldDataSources     = "dataSources"
	FieldPrimaryDomainID = "primaryDomainId"
	FieldDomainIDs       = "domainIds"
	FieldSourceDomainID  = "sourceDomainId"
	FieldTargetDomainID  = "targetDomainId"
	FieldMemberOne       = "memberOne"
	FieldMemberTwo       = "memberTwo"
)

// Document is a single staged record as stored in a collection.
type Document map[string]any

// String returns the string value at key, or "" when absent or not a string.
func (d Document) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// Strings returns the string elements stored at key.
func (d Document) Strings(key string) []string {
	switch v := d[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// SourceVersion is the {date, version} pair recorded for one upstream source.
type SourceVersion struct {
	Date    string `json:"date" bson:"date"`
	Version string `json:"version" bson:"version"`
}

// Metadata is the singleton build ledger document.
type Metadata struct {
	Version         string                   `json:"version" bson:"version"`
	SourceDatabases map[string]SourceVersion `json:"source_databases" bson:"source_databases"`
}

// Document converts the metadata into its stored form.
func (m Metadata) Document() Document {
	sources := make(map[string]any, len(m.SourceDatabases))
	for name, sv := range m.SourceDatabases {
		sources[name] = map[string]any{"date": sv.Date, "version": sv.Version}
	}
	return Document{"version": m.Version, "source_databases": sources}
}

// SourceNames returns the recorded source names in sorted order.
func (m Metadata) SourceNames() []string {
	names := make([]string, 0, len(m.SourceDatabases))
	for name := range m.SourceDatabases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CollectionProfile summarizes the shape of one staged collection.
type CollectionProfile struct {
	Collection       string           `json:"collection" bson:"collection"`
	DocumentCount    int64            `json:"document_count" bson:"document_count"`
	UniqueAttributes []string         `json:"unique_attributes" bson:"unique_attributes"`
	AttributeCounts  map[string]int64 `json:"attribute_counts" bson:"attribute_counts"`
}

// Document converts the profile into its stored form.
func (p CollectionProfile) Document() Document {
	counts := make(map[string]any, len(p.AttributeCounts))
	for k, v := range p.AttributeCounts {
		counts[k] = v
	}
	attrs := make([]any, len(p.UniqueAttributes))
	for i, a := range p.UniqueAttributes {
		attrs[i] = a
	}
	return Document{
		"collection":        p.Collection,
		"document_count":    p.DocumentCount,
		"unique_attributes": attrs,
		"attribute_counts":  counts,
	}
}

// IsSystemCollection reports whether name is bookkeeping rather than graph data.
func IsSystemCollection(name string) bool {
	return name == MetadataCollection || name == ProfileCollection || strings.HasPrefix(name, "system.")
}
