package seed

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/graphbuilder/pkg/equiv"
	"github.com/orneryd/graphbuilder/pkg/eutils"
	"github.com/orneryd/graphbuilder/pkg/fetch"
	"github.com/orneryd/graphbuilder/pkg/nodetypes"
	"github.com/orneryd/graphbuilder/pkg/storage"
)

const hgncJSON = `{"response":{"docs":[
	{"hgnc_id":"HGNC:5","symbol":"A1BG","entrez_id":"1","uniprot_ids":["P04217"],"ensembl_gene_id":"ENSG00000121410"},
	{"hgnc_id":"HGNC:37133","symbol":"A1BG-AS1","entrez_id":"503538"},
	{"hgnc_id":"HGNC:24086","symbol":"A1CF","entrez_id":"29974","uniprot_ids":["P04217"]}
]}}`

const uniprotDat = "P04217\tHGNC\tHGNC:5\n" +
	"Q9NQ94\tHGNC\tHGNC:24086\n" +
	"Q9NQ94\tGeneID\t29974\n" +
	"Q9NQ94-2\tHGNC\tHGNC:24086\n" +
	"X12345\tGeneID\t503538\n" +
	"Z99999\tGeneID\t424242\n" +
	"short line\n"

func newCache(t *testing.T) *equiv.Cache {
	t.Helper()
	kv := storage.NewMemoryEngine()
	t.Cleanup(func() { kv.Close() })
	return equiv.New(kv, equiv.Options{HotSize: -1})
}

func TestBuildGeneSetsTiers(t *testing.T) {
	genes, err := ParseHGNC([]byte(hgncJSON))
	require.NoError(t, err)
	uniprot, err := ParseUniProtMapping(strings.NewReader(uniprotDat))
	require.NoError(t, err)
	assert.Equal(t, []string{"P04217", "Q9NQ94", "Q9NQ94-2", "X12345", "Z99999"}, uniprot.Accessions)

	sets, stats := BuildGeneSets(genes, uniprot, GeneOptions{})

	assert.Equal(t, GeneStats{
		Genes:        3,
		Premapped:    1, // P04217 came with HGNC:5
		Isoforms:     1,
		Unpremapped:  3,
		HGNCMapped:   1, // Q9NQ94 via its HGNC cross-reference
		EntrezMapped: 1, // X12345 via GeneID 503538
		Unmapped:     1, // Z99999
		Conflicts:    1, // P04217 is listed by two HGNC records
	}, stats)

	require.Len(t, sets, 4)
	assert.ElementsMatch(t, []string{"HGNC:5", "NCBIGENE:1", "UniProtKB:P04217"}, sets[0].Identifiers())
	assert.ElementsMatch(t, []string{"HGNC:37133", "NCBIGENE:503538", "UniProtKB:X12345"}, sets[1].Identifiers())
	assert.ElementsMatch(t, []string{"HGNC:24086", "NCBIGENE:29974", "UniProtKB:Q9NQ94"}, sets[2].Identifiers())
	assert.Equal(t, []string{"UniProtKB:Z99999"}, sets[3].Identifiers())
	assert.Equal(t, "A1BG", sets[0].Label("HGNC:5"))
}

func TestBuildGeneSetsEnsemblOptIn(t *testing.T) {
	genes, err := ParseHGNC([]byte(hgncJSON))
	require.NoError(t, err)

	sets, _ := BuildGeneSets(genes, nil, GeneOptions{IncludeEnsembl: true})
	assert.True(t, sets[0].Contains("ENSEMBL:ENSG00000121410"))

	sets, _ = BuildGeneSets(genes, nil, GeneOptions{})
	assert.False(t, sets[0].Contains("ENSEMBL:ENSG00000121410"))
}

func TestSeederGenes(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hgnc.json"), []byte(hgncJSON), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "idmapping.dat"), []byte(uniprotDat), 0o644))

	cache := newCache(t)
	s := New(cache, &fetch.DirFetcher{Root: root}, nil, Options{
		HGNC:    fetch.Source{File: "hgnc.json"},
		UniProt: fetch.Source{File: "idmapping.dat"},
	})

	stats, err := s.Genes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Genes)

	set, ok, err := cache.Lookup(context.Background(), "UniProtKB:Q9NQ94")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "HGNC:24086", set.Canonical)
	assert.Equal(t, nodetypes.Gene, set.Type)
}

const meshNT = `# MeSH sample
<http://id.nlm.nih.gov/mesh/D000001> <http://id.nlm.nih.gov/mesh/vocab#treeNumber> <http://id.nlm.nih.gov/mesh/D03.633> .
<http://id.nlm.nih.gov/mesh/D000001> <http://id.nlm.nih.gov/mesh/vocab#preferredConcept> <http://id.nlm.nih.gov/mesh/M0000001> .
<http://id.nlm.nih.gov/mesh/M0000001> <http://id.nlm.nih.gov/mesh/vocab#registryNumber> "50-78-2" .
<http://id.nlm.nih.gov/mesh/M0000001> <http://id.nlm.nih.gov/mesh/vocab#registryNumber> "R16CO5Y76E" .
<http://id.nlm.nih.gov/mesh/C000002>	<http://www.w3.org/1999/02/22-rdf-syntax-ns#type>	<http://id.nlm.nih.gov/mesh/vocab#SCR_Chemical> .
<http://id.nlm.nih.gov/mesh/C000002> <http://id.nlm.nih.gov/mesh/vocab#preferredConcept> <http://id.nlm.nih.gov/mesh/M0000002> .
<http://id.nlm.nih.gov/mesh/M0000002> <http://id.nlm.nih.gov/mesh/vocab#registryNumber> "R16CO5Y76E" .
<http://id.nlm.nih.gov/mesh/D000003> <http://id.nlm.nih.gov/mesh/vocab#treeNumber> <http://id.nlm.nih.gov/mesh/D08.811> .
<http://id.nlm.nih.gov/mesh/D000003> <http://id.nlm.nih.gov/mesh/vocab#preferredConcept> <http://id.nlm.nih.gov/mesh/M0000003> .
<http://id.nlm.nih.gov/mesh/M0000003> <http://id.nlm.nih.gov/mesh/vocab#registryNumber> "EC 1.1.1.1" .
<http://id.nlm.nih.gov/mesh/D000004> <http://id.nlm.nih.gov/mesh/vocab#treeNumber> <http://id.nlm.nih.gov/mesh/D27.505> .
<http://id.nlm.nih.gov/mesh/D000004> <http://id.nlm.nih.gov/mesh/vocab#preferredConcept> <http://id.nlm.nih.gov/mesh/M0000004> .
<http://id.nlm.nih.gov/mesh/M0000004> <http://id.nlm.nih.gov/mesh/vocab#registryNumber> "0" .
<http://id.nlm.nih.gov/mesh/D000005> <http://id.nlm.nih.gov/mesh/vocab#treeNumber> <http://id.nlm.nih.gov/mesh/D27.505.1> .
<http://id.nlm.nih.gov/mesh/D000006> <http://id.nlm.nih.gov/mesh/vocab#treeNumber> <http://id.nlm.nih.gov/mesh/C01.100> .
<http://id.nlm.nih.gov/mesh/D000006> <http://id.nlm.nih.gov/mesh/vocab#preferredConcept> <http://id.nlm.nih.gov/mesh/M0000006> .
<http://id.nlm.nih.gov/mesh/M0000006> <http://id.nlm.nih.gov/mesh/vocab#registryNumber> "R16CO5Y76E" .
not a triple
`

func TestClassifyRegistryNumber(t *testing.T) {
	tests := []struct {
		in   string
		kind RegistryKind
		ok   bool
	}{
		{"50-78-2", KindCAS, true},
		{"EC 1.1.1.1", KindEC, true},
		{"R16CO5Y76E", KindUNII, true},
		{"0", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		kind, ok := ClassifyRegistryNumber(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.kind, kind, tt.in)
	}
}

func TestParseAndClassifyMesh(t *testing.T) {
	ix, err := ParseMesh(strings.NewReader(meshNT))
	require.NoError(t, err)

	// D000006 sits in the C (diseases) tree.
	assert.Len(t, ix.Chemicals, 5)
	_, ok := ix.Chemicals["D000006"]
	assert.False(t, ok)

	m := ix.Classify(nil)
	assert.Equal(t, map[string]string{"D000001": "50-78-2"}, m.ByKind[KindCAS])
	assert.Equal(t, map[string]string{"C000002": "R16CO5Y76E"}, m.ByKind[KindUNII])
	assert.Equal(t, map[string]string{"D000003": "EC 1.1.1.1"}, m.ByKind[KindEC])
	assert.Equal(t, []string{"D000004", "D000005"}, m.Unmapped)

	// A different rank order picks UNII over CAS for D000001.
	m = ix.Classify([]RegistryKind{KindUNII, KindCAS, KindEC})
	assert.Equal(t, "R16CO5Y76E", m.ByKind[KindUNII]["D000001"])
	assert.Empty(t, m.ByKind[KindCAS])
}

func TestChemicalEscalationThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// D000004 links to four compounds (accepted), D000005 to five (a class).
		w.Write([]byte(`{"linksets":[
			{"ids":["68000004"],"linksetdbs":[{"linkname":"mesh_pccompound","links":["1","2","3","4"]}]},
			{"ids":["68000005"],"linksetdbs":[{"linkname":"mesh_pccompound","links":["1","2","3","4","5"]}]}
		]}`))
	}))
	defer srv.Close()

	cache := newCache(t)
	dumpDir := t.TempDir()
	s := New(cache, nil, eutils.New(eutils.Options{BaseURL: srv.URL, APIKey: "k", RPS: 1000}), Options{DumpDir: dumpDir})

	res, err := s.ChemicalsFrom(context.Background(), strings.NewReader(meshNT))
	require.NoError(t, err)

	assert.Equal(t, ChemicalStats{
		Chemicals: 5, CAS: 1, UNII: 1, EC: 1,
		Escalated: 2, Linked: 1, Ambiguous: 1,
		Seeded: 3,
	}, res.Stats)
	assert.Equal(t, map[string][]string{"D000004": {"1", "2", "3", "4"}}, res.PubChem)

	set, ok, err := cache.Lookup(context.Background(), "PUBCHEM:3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, set.Contains("MESH:D000004"))

	_, ok, err = cache.Lookup(context.Background(), "MESH:D000005")
	require.NoError(t, err)
	assert.False(t, ok, "ambiguous terms are not seeded")

	data, err := os.ReadFile(filepath.Join(dumpDir, DumpMeshToUNII))
	require.NoError(t, err)
	assert.Equal(t, "C000002\tR16CO5Y76E\n", string(data))

	data, err = os.ReadFile(filepath.Join(dumpDir, DumpMeshToPubChem))
	require.NoError(t, err)
	assert.Equal(t, "D000004\t1,2,3,4\n", string(data))
}

func TestDumpRoundTripAndLoad(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteDump(&buf, map[string][]string{
		"D000002": {"R16CO5Y76E"},
		"D000001": {"2244", "5090"},
	}))
	assert.Equal(t, "D000001\t2244,5090\nD000002\tR16CO5Y76E\n", buf.String())

	got, err := ReadDump(strings.NewReader(buf.String() + "\n"))
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"D000001": {"2244", "5090"}, "D000002": {"R16CO5Y76E"}}, got)

	_, err = ReadDump(strings.NewReader("no tab here\n"))
	assert.Error(t, err)

	cache := newCache(t)
	s := New(cache, nil, nil, Options{})
	n, err := s.LoadDump(context.Background(), strings.NewReader(buf.String()), nodetypes.Chemical, "MESH", "PUBCHEM")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	set, ok, err := cache.Lookup(context.Background(), "PUBCHEM:5090")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "PUBCHEM:2244", set.Canonical)
	assert.True(t, set.Contains("MESH:D000001"))
}
