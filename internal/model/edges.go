package model

import (
	"time"

	"github.com/xkilldash9x/helix-cli/api/schemas"
)

func directedMatch(source, target string) map[string]any {
	return map[string]any{
		schemas.FieldSourceDomainID: source,
		schemas.FieldTargetDomainID: target,
	}
}

// GeneAssociatedWithDisorder links a gene to a disorder it is implicated in.
type GeneAssociatedWithDisorder struct {
	SourceDomainID   string
	TargetDomainID   string
	DataSources      []string
	OmimFlags        []string
	Score            *float64
	ScoreOpenTargets *float64
	OmimMappingCode  *int
}

func (e GeneAssociatedWithDisorder) Collection() string { return GeneAssociatedWithDisorderCollection }

func (e GeneAssociatedWithDisorder) GenerateUpdate(now time.Time) schemas.Update {
	m := newMutation(now, "GeneAssociatedWithDisorder")
	m.float("score", e.Score)
	m.float("scoreOpenTargets", e.ScoreOpenTargets)
	m.integer("omimMappingCode", e.OmimMappingCode)
	m.strings(schemas.FieldDataSources, e.DataSources)
	m.strings("omimFlags", e.OmimFlags)
	return m.update(GeneAssociatedWithDisorderCollection, directedMatch(e.SourceDomainID, e.TargetDomainID))
}

// GeneExpressedInTissue carries quantitative expression of a gene in a tissue.
type GeneExpressedInTissue struct {
	SourceDomainID string
	TargetDomainID string
	TPM            *float64
	NTPM           *float64
	PTPM           *float64
	DataSources    []string
}

func (e GeneExpressedInTissue) Collection() string { return GeneExpressedInTissueCollection }

func (e GeneExpressedInTissue) GenerateUpdate(now time.Time) schemas.Update {
	m := newMutation(now, "GeneExpressedInTissue")
	m.float("TPM", e.TPM)
	m.float("nTPM", e.NTPM)
	m.float("pTPM", e.PTPM)
	m.strings(schemas.FieldDataSources, e.DataSources)
	return m.update(GeneExpressedInTissueCollection, directedMatch(e.SourceDomainID, e.TargetDomainID))
}

// DisorderIsSubtypeOfDisorder points from the narrower disorder to its parent.
type DisorderIsSubtypeOfDisorder struct {
	SourceDomainID string
	TargetDomainID string
	DataSources    []string
}

func (e DisorderIsSubtypeOfDisorder) Collection() string {
	return DisorderIsSubtypeOfDisorderCollection
}

func (e DisorderIsSubtypeOfDisorder) GenerateUpdate(now time.Time) schemas.Update {
	m := newMutation(now, "DisorderIsSubtypeOfDisorder")
	m.strings(schemas.FieldDataSources, e.DataSources)
	return m.update(DisorderIsSubtypeOfDisorderCollection, directedMatch(e.SourceDomainID, e.TargetDomainID))
}

// ProteinEncodedByGene points from a protein to the gene encoding it.
type ProteinEncodedByGene struct {
	SourceDomainID string
	TargetDomainID string
	DataSources    []string
}

func (e ProteinEncodedByGene) Collection() string { return ProteinEncodedByGeneCollection }

func (e ProteinEncodedByGene) GenerateUpdate(now time.Time) schemas.Update {
	m := newMutation(now, "ProteinEncodedByGene")
	m.strings(schemas.FieldDataSources, e.DataSources)
	return m.update(ProteinEncodedByGeneCollection, directedMatch(e.SourceDomainID, e.TargetDomainID))
}

// ProteinInteractsWithProtein is an undirected interaction. The members are
// stored in lexicographic order, so (A,B) and (B,A) merge into one document.
type ProteinInteractsWithProtein struct {
	MemberOne            string
	MemberTwo            string
	Methods              []string
	DataSources          []string
	EvidenceTypes        []string
	DevelopmentStages    []string
	Tissues              []string
	JointTissues         []string
	BrainTissues         []string
	SubcellularLocations []string
	HippieScore          *float64
}

// Canonical returns a copy with the members in sorted order.
func (e ProteinInteractsWithProtein) Canonical() ProteinInteractsWithProtein {
	if e.MemberTwo < e.MemberOne {
		e.MemberOne, e.MemberTwo = e.MemberTwo, e.MemberOne
	}
	return e
}

func (e ProteinInteractsWithProtein) Collection() string { return ProteinInteractsWithProteinCollection }

func (e ProteinInteractsWithProtein) GenerateUpdate(now time.Time) schemas.Update {
	e = e.Canonical()
	m := newMutation(now, "ProteinInteractsWithProtein")
	m.float("hippie_score", e.HippieScore)
	m.strings("methods", e.Methods)
	m.strings(schemas.FieldDataSources, e.DataSources)
	m.strings("evidenceTypes", e.EvidenceTypes)
	m.strings("developmentStages", e.DevelopmentStages)
	m.strings("tissues", e.Tissues)
	m.strings("jointTissues", e.JointTissues)
	m.strings("brainTissues", e.BrainTissues)
	m.strings("subcellularLocations", e.SubcellularLocations)
	return m.update(ProteinInteractsWithProteinCollection, map[string]any{
		schemas.FieldMemberOne: e.MemberOne,
		schemas.FieldMemberTwo: e.MemberTwo,
	})
}
