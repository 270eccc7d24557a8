// Package config loads graphbuilder configuration from a YAML file and
// environment variables.
//
// Configuration is layered: built-in defaults, then the YAML file (if any),
// then GRAPHBUILDER_* environment variables. Validate() checks the result
// with struct tags and a few cross-field rules before use.
//
// Example Usage:
//
//	cfg, err := config.LoadFile("graphbuilder.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
// Environment Variables:
//   - GRAPHBUILDER_DATA_DIR="./data"
//   - GRAPHBUILDER_IN_MEMORY=false
//   - GRAPHBUILDER_CACHE_SIZE=10000
//   - GRAPHBUILDER_POOL_SIZE=8
//   - GRAPHBUILDER_MAX_FRONTIER=10000
//   - GRAPHBUILDER_MAX_PROGRAMS=100
//   - GRAPHBUILDER_EUTILS_API_KEY="..." (EUTILS_API_KEY is also read)
//   - GRAPHBUILDER_HTTP_PORT=6010
//   - GRAPHBUILDER_LOG_LEVEL=info
//
// For a complete list, see LoadFromEnv.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/graphbuilder/pkg/nodetypes"
	"github.com/orneryd/graphbuilder/pkg/registry"
	"github.com/orneryd/graphbuilder/pkg/seed"
	"github.com/orneryd/graphbuilder/pkg/sources"
)

// Config holds all graphbuilder configuration.
//
// Resolvers, Sources and Operations describe the synonymization table and the
// knowledge-source registry; they normally come from the YAML file.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Cache    CacheConfig    `yaml:"cache"`
	Executor ExecutorConfig `yaml:"executor"`
	Compiler CompilerConfig `yaml:"compiler"`
	Seed     SeedConfig     `yaml:"seed"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Memory   MemoryConfig   `yaml:"memory"`

	// Priority overrides the canonical namespace order per node type.
	Priority map[string][]string `yaml:"priority"`

	Resolvers  []ResolverConfig         `yaml:"resolvers" validate:"dive"`
	Sources    []sources.Spec           `yaml:"sources" validate:"dive"`
	Operations []registry.OperationSpec `yaml:"operations" validate:"dive"`
}

// StorageConfig holds the badger settings.
type StorageConfig struct {
	// DataDir is the badger directory.
	DataDir string `yaml:"data_dir"`
	// InMemory keeps everything in memory; nothing survives a restart.
	InMemory   bool `yaml:"in_memory"`
	SyncWrites bool `yaml:"sync_writes"`
	// GCInterval runs value-log GC periodically. Zero disables it.
	GCInterval time.Duration `yaml:"gc_interval"`
}

// CacheConfig holds the equivalence cache settings.
type CacheConfig struct {
	// HotSize is the in-process LRU size; negative disables it.
	HotSize         int           `yaml:"hot_size"`
	HotTTL          time.Duration `yaml:"hot_ttl"`
	StrictCanonical bool          `yaml:"strict_canonical"`
}

// ExecutorConfig bounds program execution.
type ExecutorConfig struct {
	PoolSize       int           `yaml:"pool_size" validate:"min=1"`
	MaxFrontier    int           `yaml:"max_frontier" validate:"min=1"`
	ServiceTimeout time.Duration `yaml:"service_timeout"`
}

// CompilerConfig bounds program expansion.
type CompilerConfig struct {
	MaxPrograms int `yaml:"max_programs" validate:"min=1"`
}

// SeedConfig configures the bulk cascades.
type SeedConfig struct {
	BatchSize          int      `yaml:"batch_size" validate:"min=1"`
	AmbiguityThreshold int      `yaml:"ambiguity_threshold" validate:"min=1"`
	RankOrder          []string `yaml:"rank_order" validate:"dive,oneof=CAS UNII EC"`
	IncludeEnsembl     bool     `yaml:"include_ensembl"`
	ResolveCAS         bool     `yaml:"resolve_cas"`
	EutilsURL          string   `yaml:"eutils_url" validate:"omitempty,url"`
	APIKey             string   `yaml:"api_key"`
	RPS                float64  `yaml:"rps" validate:"min=0"`
	DumpDir            string   `yaml:"dump_dir"`
	// MirrorDir reads raw files from a local mirror instead of downloading.
	MirrorDir string `yaml:"mirror_dir"`
}

// ServerConfig holds the HTTP job API settings.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	Workers         int           `yaml:"workers" validate:"min=1"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	JobRetention    time.Duration `yaml:"job_retention"`
	MaxFinishedJobs int           `yaml:"max_finished_jobs" validate:"min=0"`
}

// LoggingConfig selects the zap configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// MemoryConfig holds Go runtime memory settings.
type MemoryConfig struct {
	// RuntimeLimitStr is the soft memory limit, e.g. "2GB". "0" is unlimited.
	RuntimeLimitStr string `yaml:"runtime_limit"`
	RuntimeLimit    int64  `yaml:"-"`
	GCPercent       int    `yaml:"gc_percent"`
}

// ResolverConfig is the cascade used for one node type.
type ResolverConfig struct {
	Type  string       `yaml:"type" validate:"required"`
	Tiers []TierConfig `yaml:"tiers" validate:"required,min=1,dive"`
}

// TierConfig is one tier of a resolver cascade.
type TierConfig struct {
	Name string `yaml:"name" validate:"required"`
	// Kind is "xref" (HTTP cross-reference service) or "static".
	Kind     string        `yaml:"kind" validate:"oneof=xref static"`
	BaseURL  string        `yaml:"base_url" validate:"required_if=Kind xref"`
	Prefixes []string      `yaml:"prefixes"`
	Timeout  time.Duration `yaml:"timeout"`
	// Groups lists equivalent identifiers for static tiers.
	Groups [][]string `yaml:"groups"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:    "./data",
			GCInterval: 10 * time.Minute,
		},
		Cache: CacheConfig{
			HotSize: 10000,
			HotTTL:  time.Hour,
		},
		Executor: ExecutorConfig{
			PoolSize:       8,
			MaxFrontier:    10000,
			ServiceTimeout: 30 * time.Second,
		},
		Compiler: CompilerConfig{MaxPrograms: 100},
		Seed: SeedConfig{
			BatchSize:          seed.DefaultBatchSize,
			AmbiguityThreshold: seed.DefaultAmbiguityThreshold,
			RankOrder:          []string{"CAS", "UNII", "EC"},
		},
		Server: ServerConfig{
			Address:         "0.0.0.0",
			Port:            6010,
			Workers:         2,
			ShutdownTimeout: 30 * time.Second,
			JobRetention:    time.Hour,
			MaxFinishedJobs: 1000,
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Memory:  MemoryConfig{RuntimeLimitStr: "0", GCPercent: 100},
	}
}

// LoadFromEnv returns the defaults overlaid with environment variables.
func LoadFromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// LoadFile reads a YAML file over the defaults, then applies environment
// variables. An empty path behaves like LoadFromEnv.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Storage.DataDir = getEnv("GRAPHBUILDER_DATA_DIR", c.Storage.DataDir)
	c.Storage.InMemory = getEnvBool("GRAPHBUILDER_IN_MEMORY", c.Storage.InMemory)
	c.Storage.SyncWrites = getEnvBool("GRAPHBUILDER_SYNC_WRITES", c.Storage.SyncWrites)
	c.Storage.GCInterval = getEnvDuration("GRAPHBUILDER_GC_INTERVAL", c.Storage.GCInterval)

	c.Cache.HotSize = getEnvInt("GRAPHBUILDER_CACHE_SIZE", c.Cache.HotSize)
	c.Cache.HotTTL = getEnvDuration("GRAPHBUILDER_CACHE_TTL", c.Cache.HotTTL)
	c.Cache.StrictCanonical = getEnvBool("GRAPHBUILDER_STRICT_CANONICAL", c.Cache.StrictCanonical)

	c.Executor.PoolSize = getEnvInt("GRAPHBUILDER_POOL_SIZE", c.Executor.PoolSize)
	c.Executor.MaxFrontier = getEnvInt("GRAPHBUILDER_MAX_FRONTIER", c.Executor.MaxFrontier)
	c.Executor.ServiceTimeout = getEnvDuration("GRAPHBUILDER_SERVICE_TIMEOUT", c.Executor.ServiceTimeout)

	c.Compiler.MaxPrograms = getEnvInt("GRAPHBUILDER_MAX_PROGRAMS", c.Compiler.MaxPrograms)

	c.Seed.BatchSize = getEnvInt("GRAPHBUILDER_SEED_BATCH_SIZE", c.Seed.BatchSize)
	c.Seed.AmbiguityThreshold = getEnvInt("GRAPHBUILDER_AMBIGUITY_THRESHOLD", c.Seed.AmbiguityThreshold)
	c.Seed.RankOrder = getEnvStringSlice("GRAPHBUILDER_RANK_ORDER", c.Seed.RankOrder)
	c.Seed.EutilsURL = getEnv("GRAPHBUILDER_EUTILS_URL", c.Seed.EutilsURL)
	c.Seed.APIKey = getEnv("EUTILS_API_KEY", c.Seed.APIKey)
	c.Seed.APIKey = getEnv("GRAPHBUILDER_EUTILS_API_KEY", c.Seed.APIKey)
	c.Seed.RPS = getEnvFloat("GRAPHBUILDER_EUTILS_RPS", c.Seed.RPS)
	c.Seed.DumpDir = getEnv("GRAPHBUILDER_DUMP_DIR", c.Seed.DumpDir)
	c.Seed.MirrorDir = getEnv("GRAPHBUILDER_MIRROR_DIR", c.Seed.MirrorDir)

	c.Server.Address = getEnv("GRAPHBUILDER_HTTP_ADDRESS", c.Server.Address)
	c.Server.Port = getEnvInt("GRAPHBUILDER_HTTP_PORT", c.Server.Port)
	c.Server.Workers = getEnvInt("GRAPHBUILDER_WORKERS", c.Server.Workers)
	c.Server.JobRetention = getEnvDuration("GRAPHBUILDER_JOB_RETENTION", c.Server.JobRetention)
	c.Server.MaxFinishedJobs = getEnvInt("GRAPHBUILDER_MAX_FINISHED_JOBS", c.Server.MaxFinishedJobs)

	c.Logging.Level = strings.ToLower(getEnv("GRAPHBUILDER_LOG_LEVEL", c.Logging.Level))
	c.Logging.Format = strings.ToLower(getEnv("GRAPHBUILDER_LOG_FORMAT", c.Logging.Format))

	c.Memory.RuntimeLimitStr = getEnv("GRAPHBUILDER_MEMORY_LIMIT", c.Memory.RuntimeLimitStr)
	c.Memory.RuntimeLimit = parseMemorySize(c.Memory.RuntimeLimitStr)
	c.Memory.GCPercent = getEnvInt("GRAPHBUILDER_GC_PERCENT", c.Memory.GCPercent)
}

var validate = validator.New()

// Validate checks struct constraints and the cross-references between
// sections: resolver types must be known node types, storage needs a
// directory unless in memory, and priority overrides must name known types.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		return errors.New("invalid config: storage.data_dir is required unless storage.in_memory is set")
	}

	seen := make(map[string]bool, len(c.Resolvers))
	for _, r := range c.Resolvers {
		t, err := nodetypes.Parse(r.Type)
		if err != nil || !t.Known() {
			return fmt.Errorf("invalid config: resolver type %q", r.Type)
		}
		if seen[r.Type] {
			return fmt.Errorf("invalid config: two resolvers for %s", r.Type)
		}
		seen[r.Type] = true
	}

	names := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		if names[s.Name] {
			return fmt.Errorf("invalid config: duplicate source %q", s.Name)
		}
		names[s.Name] = true
	}

	if _, err := c.PriorityTable(); err != nil {
		return err
	}
	return nil
}

// PriorityTable returns the default namespace priority with the configured
// overrides applied.
func (c *Config) PriorityTable() (nodetypes.Priority, error) {
	p := nodetypes.DefaultPriority()
	for name, prefixes := range c.Priority {
		t, err := nodetypes.Parse(name)
		if err != nil || !t.Known() {
			return nil, fmt.Errorf("invalid config: priority for unknown type %q", name)
		}
		upper := make([]string, len(prefixes))
		for i, prefix := range prefixes {
			upper[i] = strings.ToUpper(prefix)
		}
		p[t] = upper
	}
	return p, nil
}

// RankOrder converts the configured chemical rank order.
func (c *Config) RankOrder() []seed.RegistryKind {
	out := make([]seed.RegistryKind, len(c.Seed.RankOrder))
	for i, k := range c.Seed.RankOrder {
		out[i] = seed.RegistryKind(k)
	}
	return out
}

// String returns a short summary safe to log.
func (c *Config) String() string {
	storage := c.Storage.DataDir
	if c.Storage.InMemory {
		storage = "memory"
	}
	return fmt.Sprintf(
		"Config{Storage: %s, HTTP: %s:%d, Pool: %d, MaxFrontier: %d, MaxPrograms: %d, Sources: %d, Operations: %d}",
		storage,
		c.Server.Address, c.Server.Port,
		c.Executor.PoolSize, c.Executor.MaxFrontier, c.Compiler.MaxPrograms,
		len(c.Sources), len(c.Operations),
	)
}

// ApplyRuntimeMemory applies the memory limit and GC percent to the runtime.
func (c *MemoryConfig) ApplyRuntimeMemory() {
	if c.RuntimeLimit > 0 {
		debug.SetMemoryLimit(c.RuntimeLimit)
	}
	if c.GCPercent != 100 {
		debug.SetGCPercent(c.GCPercent)
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

func getEnvStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultVal
}

// parseMemorySize parses "2GB", "512MB", "1024" and similar. "0", "" and
// "unlimited" mean no limit.
func parseMemorySize(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" || s == "UNLIMITED" {
		return 0
	}

	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "T"):
		multiplier = 1024 * 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "T")
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return val * multiplier
}

// FormatMemorySize renders a byte count for humans.
func FormatMemorySize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.2f TB", float64(bytes)/float64(TB))
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
