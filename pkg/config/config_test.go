package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/graphbuilder/pkg/nodetypes"
	"github.com/orneryd/graphbuilder/pkg/seed"
)

const sampleYAML = `
storage:
  in_memory: true
cache:
  hot_size: 50
  strict_canonical: true
executor:
  pool_size: 4
  service_timeout: 5s
compiler:
  max_programs: 20
logging:
  level: DEBUG
  format: json
priority:
  gene: [ncbigene, hgnc]
resolvers:
  - type: gene
    tiers:
      - name: mygene
        kind: xref
        base_url: http://localhost:9000/xrefs
        prefixes: [HGNC, NCBIGene]
        timeout: 2s
      - name: fallback
        kind: static
        groups:
          - [HGNC:5, NCBIGene:1]
sources:
  - name: biolink
    base_url: http://localhost:9001
    operations: [disease_get_gene]
    prefixes: [MONDO, DOID]
operations:
  - input: disease
    output: gene
    expr: biolink~disease_get_gene
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graphbuilder.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.Storage.InMemory)
	assert.Equal(t, 50, cfg.Cache.HotSize)
	assert.True(t, cfg.Cache.StrictCanonical)
	assert.Equal(t, 4, cfg.Executor.PoolSize)
	assert.Equal(t, 5*time.Second, cfg.Executor.ServiceTimeout)
	// Unset fields keep their defaults.
	assert.Equal(t, 10000, cfg.Executor.MaxFrontier)
	assert.Equal(t, 20, cfg.Compiler.MaxPrograms)
	assert.Equal(t, "debug", cfg.Logging.Level)

	require.Len(t, cfg.Resolvers, 1)
	assert.Equal(t, 2*time.Second, cfg.Resolvers[0].Tiers[0].Timeout)
	assert.Equal(t, [][]string{{"HGNC:5", "NCBIGene:1"}}, cfg.Resolvers[0].Tiers[1].Groups)
	require.Len(t, cfg.Sources, 1)
	assert.Equal(t, []string{"disease_get_gene"}, cfg.Sources[0].Operations)
	require.Len(t, cfg.Operations, 1)
	assert.Equal(t, "biolink~disease_get_gene", cfg.Operations[0].Expr)

	p, err := cfg.PriorityTable()
	require.NoError(t, err)
	assert.Equal(t, []string{"NCBIGENE", "HGNC"}, p[nodetypes.Gene])
	assert.Equal(t, nodetypes.DefaultPriority()[nodetypes.Disease], p[nodetypes.Disease])

	assert.Equal(t, []seed.RegistryKind{seed.KindCAS, seed.KindUNII, seed.KindEC}, cfg.RankOrder())
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("GRAPHBUILDER_POOL_SIZE", "16")
	t.Setenv("EUTILS_API_KEY", "legacy")

	cfg, err := LoadFile(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Executor.PoolSize)
	assert.Equal(t, "legacy", cfg.Seed.APIKey)
	assert.Equal(t, time.Hour, cfg.Server.JobRetention)

	t.Setenv("GRAPHBUILDER_JOB_RETENTION", "10m")
	t.Setenv("GRAPHBUILDER_MAX_FINISHED_JOBS", "50")
	cfg, err = LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.Server.JobRetention)
	assert.Equal(t, 50, cfg.Server.MaxFinishedJobs)

	t.Setenv("GRAPHBUILDER_EUTILS_API_KEY", "current")
	cfg, err = LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, "current", cfg.Seed.APIKey)
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadFile(writeConfig(t, "executor: [not, a, map]"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"pool size", func(c *Config) { c.Executor.PoolSize = 0 }},
		{"max programs", func(c *Config) { c.Compiler.MaxPrograms = 0 }},
		{"port", func(c *Config) { c.Server.Port = 70000 }},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"rank order", func(c *Config) { c.Seed.RankOrder = []string{"CAS", "SMILES"} }},
		{"data dir", func(c *Config) { c.Storage.DataDir = "" }},
		{"resolver type", func(c *Config) {
			c.Resolvers = []ResolverConfig{{Type: "protein", Tiers: []TierConfig{{Name: "x", Kind: "static"}}}}
		}},
		{"duplicate resolver", func(c *Config) {
			r := ResolverConfig{Type: "gene", Tiers: []TierConfig{{Name: "x", Kind: "static"}}}
			c.Resolvers = []ResolverConfig{r, r}
		}},
		{"xref without url", func(c *Config) {
			c.Resolvers = []ResolverConfig{{Type: "gene", Tiers: []TierConfig{{Name: "x", Kind: "xref"}}}}
		}},
		{"tier kind", func(c *Config) {
			c.Resolvers = []ResolverConfig{{Type: "gene", Tiers: []TierConfig{{Name: "x", Kind: "oracle"}}}}
		}},
		{"priority type", func(c *Config) { c.Priority = map[string][]string{"protein": {"UNIPROTKB"}} }},
	}

	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestString(t *testing.T) {
	cfg := Default()
	cfg.Storage.InMemory = true
	assert.Contains(t, cfg.String(), "Storage: memory")
	assert.Contains(t, cfg.String(), "HTTP: 0.0.0.0:6010")
}
