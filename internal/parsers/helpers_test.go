package parsers

import (
	"testing"

	"github.com/xkilldash9x/helix-cli/internal/config"
)

func fixtureDir(t *testing.T) string {
	t.Helper()
	return "testdata"
}

func file(name, key string) config.FileConfig {
	return config.FileConfig{URL: "https://example.org/files/" + name, Key: key}
}

// fixtureConfig registers the files under testdata with the keys the parsers expect.
func fixtureConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Sources.Entries = map[string]config.SourceConfig{
		"mondo":    {Files: []config.FileConfig{file("mondo.obo", "ontology")}},
		"uberon":   {Files: []config.FileConfig{file("uberon.obo", "ontology")}},
		"ncbi":     {Files: []config.FileConfig{file("gene_info.tsv", "gene_info")}},
		"uniprot":  {Files: []config.FileConfig{file("uniprot.tsv", "proteins")}},
		"biogrid":  {Files: []config.FileConfig{file("human.tab3.txt", "human")}},
		"hpa":      {Files: []config.FileConfig{file("rna_tissue_consensus.tsv", "expression")}},
		"ncg":      {Files: []config.FileConfig{file("ncg.tsv", "annotation"), file("ncg2mondo.json", "mapping")}},
		"intogen":  {Files: []config.FileConfig{file("drivers.tsv", "drivers"), file("intogen2mondo.json", "mapping")}},
		"orphanet": {Files: []config.FileConfig{file("en_product6.xml", "data")}},
	}
	return cfg
}
