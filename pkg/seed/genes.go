package seed

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/orneryd/graphbuilder/pkg/kg"
	"github.com/orneryd/graphbuilder/pkg/nodetypes"
)

// Gene tier names, used as metric labels.
const (
	TierPremapped = "premapped"
	TierIsoform   = "isoform"
	TierHGNC      = "hgnc"
	TierGeneID    = "gene_id"
	TierSingleton = "singleton"
	TierConflict  = "conflict"
)

// HGNCGene is one record of the HGNC complete set.
type HGNCGene struct {
	HGNCID        string   `json:"hgnc_id"`
	Symbol        string   `json:"symbol"`
	EntrezID      string   `json:"entrez_id"`
	UniProtIDs    []string `json:"uniprot_ids"`
	EnsemblGeneID string   `json:"ensembl_gene_id"`
}

// ParseHGNC decodes the HGNC complete-set JSON ({"response": {"docs": [...]}}).
func ParseHGNC(data []byte) ([]HGNCGene, error) {
	var doc struct {
		Response struct {
			Docs []HGNCGene `json:"docs"`
		} `json:"response"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("seed: decoding HGNC: %w", err)
	}
	return doc.Response.Docs, nil
}

// UniProtMapping holds the UniProt id-mapping file: accession -> database ->
// value. Accessions keeps file order.
type UniProtMapping struct {
	Accessions []string
	Xrefs      map[string]map[string]string
}

// ParseUniProtMapping reads the tab-separated accession/database/value lines of
// a UniProt idmapping .dat file. Short lines are ignored.
func ParseUniProtMapping(r io.Reader) (*UniProtMapping, error) {
	m := &UniProtMapping{Xrefs: make(map[string]map[string]string)}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		parts := strings.Split(sc.Text(), "\t")
		if len(parts) < 3 {
			continue
		}
		acc := parts[0]
		xrefs, ok := m.Xrefs[acc]
		if !ok {
			xrefs = make(map[string]string)
			m.Xrefs[acc] = xrefs
			m.Accessions = append(m.Accessions, acc)
		}
		if _, dup := xrefs[parts[1]]; !dup {
			xrefs[parts[1]] = parts[2]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("seed: reading UniProt mapping: %w", err)
	}
	return m, nil
}

// GeneStats counts the outcome of every tier of the gene cascade.
type GeneStats struct {
	Genes        int
	Premapped    int
	Isoforms     int
	Unpremapped  int
	HGNCMapped   int
	EntrezMapped int
	Unmapped     int
	Conflicts    int
}

// GeneOptions tunes BuildGeneSets.
type GeneOptions struct {
	// IncludeEnsembl adds the HGNC record's Ensembl gene id.
	IncludeEnsembl bool
}

// geneIndex maps identifiers to the group that claimed them.
type geneIndex struct {
	byID   map[string]*kg.EquivalenceSet
	groups []*kg.EquivalenceSet
}

func (ix *geneIndex) claim(set *kg.EquivalenceSet, id kg.LabeledID) bool {
	if _, taken := ix.byID[id.Identifier]; taken {
		return false
	}
	set.Add(id)
	ix.byID[id.Identifier] = set
	return true
}

// BuildGeneSets runs the gene cascade. Every HGNC record seeds one group with
// its symbol as label. Each UniProt accession then goes through, in order:
// already in a group (premapped), isoform (skipped), HGNC cross-reference,
// GeneID cross-reference, and finally a singleton group of its own.
// An identifier claimed by two HGNC records stays with the first.
func BuildGeneSets(genes []HGNCGene, uniprot *UniProtMapping, opts GeneOptions) ([]*kg.EquivalenceSet, GeneStats) {
	var stats GeneStats
	ix := &geneIndex{byID: make(map[string]*kg.EquivalenceSet)}

	for _, g := range genes {
		if g.HGNCID == "" {
			continue
		}
		set := kg.NewEquivalenceSet(nodetypes.Gene)
		ids := []kg.LabeledID{{Identifier: g.HGNCID, Label: g.Symbol}}
		if g.EntrezID != "" {
			ids = append(ids, kg.LabeledID{Identifier: "NCBIGENE:" + g.EntrezID, Label: g.Symbol})
		}
		for _, up := range g.UniProtIDs {
			ids = append(ids, kg.LabeledID{Identifier: "UniProtKB:" + up, Label: g.Symbol})
		}
		if opts.IncludeEnsembl && g.EnsemblGeneID != "" {
			ids = append(ids, kg.LabeledID{Identifier: "ENSEMBL:" + g.EnsemblGeneID, Label: g.Symbol})
		}
		for _, id := range ids {
			if !ix.claim(set, id) {
				stats.Conflicts++
				tierTotal.WithLabelValues("gene", TierConflict).Inc()
			}
		}
		if set.Len() > 0 {
			ix.groups = append(ix.groups, set)
			stats.Genes++
		}
	}

	if uniprot != nil {
		for _, acc := range uniprot.Accessions {
			id := "UniProtKB:" + acc
			tier := geneTier(ix, id, acc, uniprot.Xrefs[acc])
			tierTotal.WithLabelValues("gene", tier).Inc()
			switch tier {
			case TierPremapped:
				stats.Premapped++
				continue
			case TierIsoform:
				stats.Isoforms++
				continue
			}
			stats.Unpremapped++
			switch tier {
			case TierHGNC:
				stats.HGNCMapped++
			case TierGeneID:
				stats.EntrezMapped++
			case TierSingleton:
				stats.Unmapped++
			}
		}
	}
	return ix.groups, stats
}

// geneTier files one accession and reports the tier that took it.
func geneTier(ix *geneIndex, id, acc string, xrefs map[string]string) string {
	if _, ok := ix.byID[id]; ok {
		return TierPremapped
	}
	if strings.Contains(acc, "-") {
		return TierIsoform
	}
	if hgnc, ok := xrefs["HGNC"]; ok {
		if set, ok := ix.byID[hgnc]; ok {
			ix.claim(set, kg.LabeledID{Identifier: id})
			return TierHGNC
		}
	}
	if geneID, ok := xrefs["GeneID"]; ok {
		if set, ok := ix.byID["NCBIGENE:"+geneID]; ok {
			ix.claim(set, kg.LabeledID{Identifier: id})
			return TierGeneID
		}
	}
	set := kg.NewEquivalenceSet(nodetypes.Gene)
	ix.claim(set, kg.LabeledID{Identifier: id})
	ix.groups = append(ix.groups, set)
	return TierSingleton
}
