// Package main provides the graphbuilder CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orneryd/graphbuilder/pkg/builder"
	"github.com/orneryd/graphbuilder/pkg/config"
	"github.com/orneryd/graphbuilder/pkg/jobs"
	"github.com/orneryd/graphbuilder/pkg/logging"
	"github.com/orneryd/graphbuilder/pkg/nodetypes"
	"github.com/orneryd/graphbuilder/pkg/pathway"
	"github.com/orneryd/graphbuilder/pkg/question"
	"github.com/orneryd/graphbuilder/pkg/seed"
	"github.com/orneryd/graphbuilder/pkg/server"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "graphbuilder",
		Short: "graphbuilder - biomedical knowledge graph builder",
		Long: `graphbuilder answers pathway questions such as "disease -> gene ->
genetic condition" by compiling them into traversal programs over configured
knowledge sources, running them, and merging the results into one knowledge
graph with every identifier mapped to its canonical synonym.

Node type letters:
  S chemical_substance   G gene        P biological_process_or_activity
  C cell                 A anatomical_entity
  T phenotypic_feature   D disease     X genetic_condition   ? any`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "YAML config file (env GRAPHBUILDER_* overrides it)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("graphbuilder v%s (%s)\n", version, commit)
		},
	})

	initCmd := &cobra.Command{
		Use:   "init [directory]",
		Short: "Write a starter config and data directory",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runInit,
	}
	rootCmd.AddCommand(initCmd)

	buildCmd := &cobra.Command{
		Use:   "build",
		Short: "Answer one pathway question and store the result graph",
		Long: `Answer one pathway question. The question is a pathway such as "DG",
"D(1-2)GX" or one of the shortcuts 1 (DGX), 2 (SGPCATD) and 3 (SGPCAT).`,
		RunE: runBuild,
	}
	buildCmd.Flags().StringP("question", "q", "", "Pathway or shortcut number")
	buildCmd.Flags().StringSlice("start", nil, "Start identifiers (curies)")
	buildCmd.Flags().String("start-name", "", "Start name, used in reports")
	buildCmd.Flags().StringSlice("end", nil, "Pin the end node to these identifiers")
	buildCmd.Flags().String("end-name", "", "End name, used in reports")
	buildCmd.Flags().String("export", "", "Write the accumulated graph to this JSON file")
	buildCmd.Flags().Bool("payload", false, "Print the question payload and exit")
	_ = buildCmd.MarkFlagRequired("question")
	_ = buildCmd.MarkFlagRequired("start")
	rootCmd.AddCommand(buildCmd)

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Pre-seed the equivalence cache",
	}
	seedCmd.AddCommand(&cobra.Command{
		Use:   "genes",
		Short: "Run the gene cascade (HGNC + UniProt)",
		RunE:  runSeedGenes,
	})
	seedChemicals := &cobra.Command{
		Use:   "chemicals",
		Short: "Run the chemical cascade (MeSH registry numbers + PubChem)",
		RunE:  runSeedChemicals,
	}
	seedChemicals.Flags().String("mesh-file", "", "Read MeSH N-Triples from this decompressed file instead of fetching")
	seedCmd.AddCommand(seedChemicals)
	seedDump := &cobra.Command{
		Use:   "dump [file]",
		Short: "Merge a key<TAB>values dump file into the cache",
		Args:  cobra.ExactArgs(1),
		RunE:  runSeedDump,
	}
	seedDump.Flags().String("type", "chemical_substance", "Node type of the sets")
	seedDump.Flags().String("key-prefix", "MESH", "Namespace of the keys")
	seedDump.Flags().String("value-prefix", "PUBCHEM", "Namespace of the values")
	seedCmd.AddCommand(seedDump)
	rootCmd.AddCommand(seedCmd)

	synCmd := &cobra.Command{
		Use:   "synonymize [curie...]",
		Short: "Print the equivalence set of identifiers",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSynonymize,
	}
	synCmd.Flags().String("type", "named_thing", "Node type of the identifiers")
	rootCmd.AddCommand(synCmd)

	showCmd := &cobra.Command{
		Use:   "show [curie]",
		Short: "Print a stored node with its edges, or every stored node of --type",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runShow,
	}
	showCmd.Flags().String("type", "", "List stored nodes of this type instead")
	rootCmd.AddCommand(showCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP job API",
		RunE:  runServe,
	}
	serveCmd.Flags().Int("http-port", 0, "HTTP port (overrides config)")
	serveCmd.Flags().Int("workers", 0, "Concurrent jobs (overrides config)")
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

// setup loads the config and logger shared by every command.
func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Logging.Level = strings.ToLower(lvl)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	cfg.Memory.ApplyRuntimeMemory()

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func openBuilder(cmd *cobra.Command) (*builder.Builder, *zap.Logger, error) {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return nil, nil, err
	}
	b, err := builder.Open(cfg, builder.Options{Logger: logger})
	if err != nil {
		return nil, nil, fmt.Errorf("opening builder: %w", err)
	}
	return b, logger, nil
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	fmt.Printf("📂 Initializing graphbuilder in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dataDir, err)
	}

	configPath := filepath.Join(dir, "graphbuilder.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("%s already exists", configPath)
	}
	if err := os.WriteFile(configPath, []byte(sampleConfig), 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Println("✅ Initialized successfully")
	fmt.Printf("   Config: %s\n", configPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Point sources and operations at your knowledge services in", configPath)
	fmt.Println("  2. Pre-seed genes:   graphbuilder seed genes --config", configPath)
	fmt.Println("  3. Ask a question:   graphbuilder build -q DG --start MONDO:0005148 --config", configPath)
	return nil
}

// questionText resolves a shortcut number to its pathway.
func questionText(raw string) (string, error) {
	if n, err := strconv.Atoi(raw); err == nil {
		text, ok := pathway.Shortcuts[n]
		if !ok {
			return "", fmt.Errorf("unknown question shortcut %d", n)
		}
		return text, nil
	}
	return raw, nil
}

func runBuild(cmd *cobra.Command, args []string) error {
	raw, _ := cmd.Flags().GetString("question")
	start, _ := cmd.Flags().GetStringSlice("start")
	startName, _ := cmd.Flags().GetString("start-name")
	end, _ := cmd.Flags().GetStringSlice("end")
	endName, _ := cmd.Flags().GetString("end-name")
	export, _ := cmd.Flags().GetString("export")
	payloadOnly, _ := cmd.Flags().GetBool("payload")

	text, err := questionText(raw)
	if err != nil {
		return err
	}
	var pinned *question.Endpoint
	if len(end) > 0 {
		pinned = &question.Endpoint{Identifiers: end, Name: endName}
	}
	q, err := question.FromPathway(text, start, startName, pinned)
	if err != nil {
		return err
	}
	payload := question.NewPayload(q)

	if payloadOnly {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}

	b, _, err := openBuilder(cmd)
	if err != nil {
		return err
	}
	defer b.Close()

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Printf("🔎 %s\n", payload.NaturalQuestion)
	startTime := time.Now()
	report, err := b.Run(ctx, q)
	if report != nil {
		for _, r := range report.Runs {
			mark := "✅"
			if r.Error != "" {
				mark = "⚠️ "
			}
			fmt.Printf("   %s %s %s\n", mark, r.Program, r.Error)
		}
	}
	if err != nil {
		return err
	}

	if report.Truncated {
		fmt.Printf("⚠️  Ran the first %d of %d programs\n", report.Programs, report.Candidates)
	}
	fmt.Printf("✅ %d nodes, %d edges in %v (saved %d nodes, %d new edges)\n",
		report.Nodes, report.Edges, time.Since(startTime).Round(time.Millisecond),
		report.Saved.Nodes, report.Saved.Edges)

	if export != "" {
		if err := b.Export(export); err != nil {
			return fmt.Errorf("exporting: %w", err)
		}
		fmt.Printf("💾 Graph written to %s\n", export)
	}
	return nil
}

func runSeedGenes(cmd *cobra.Command, args []string) error {
	b, _, err := openBuilder(cmd)
	if err != nil {
		return err
	}
	defer b.Close()

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Println("🧬 Running the gene cascade...")
	startTime := time.Now()
	stats, err := b.Seeder().Genes(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("✅ %d genes in %v\n", stats.Genes, time.Since(startTime).Round(time.Second))
	fmt.Printf("   Pre-mapped:   %d\n", stats.Premapped)
	fmt.Printf("   Isoforms:     %d skipped\n", stats.Isoforms)
	fmt.Printf("   Via HGNC:     %d\n", stats.HGNCMapped)
	fmt.Printf("   Via Entrez:   %d\n", stats.EntrezMapped)
	fmt.Printf("   Unmapped:     %d\n", stats.Unmapped)
	fmt.Printf("   Conflicts:    %d\n", stats.Conflicts)
	return nil
}

func runSeedChemicals(cmd *cobra.Command, args []string) error {
	meshFile, _ := cmd.Flags().GetString("mesh-file")

	b, _, err := openBuilder(cmd)
	if err != nil {
		return err
	}
	defer b.Close()

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Println("⚗️  Running the chemical cascade...")
	startTime := time.Now()
	seeder := b.Seeder()
	var res *seed.ChemicalResult
	if meshFile != "" {
		f, err := os.Open(meshFile)
		if err != nil {
			return err
		}
		defer f.Close()
		res, err = seeder.ChemicalsFrom(ctx, f)
		if err != nil {
			return err
		}
	} else {
		res, err = seeder.Chemicals(ctx)
		if err != nil {
			return err
		}
	}
	st := res.Stats
	fmt.Printf("✅ %d chemicals in %v\n", st.Chemicals, time.Since(startTime).Round(time.Second))
	fmt.Printf("   CAS:        %d\n", st.CAS)
	fmt.Printf("   UNII:       %d\n", st.UNII)
	fmt.Printf("   EC:         %d (dump only)\n", st.EC)
	fmt.Printf("   Escalated:  %d (linked %d, ambiguous %d, no link %d)\n", st.Escalated, st.Linked, st.Ambiguous, st.NoLink)
	fmt.Printf("   Seeded:     %d sets\n", st.Seeded)
	return nil
}

func runSeedDump(cmd *cobra.Command, args []string) error {
	typeName, _ := cmd.Flags().GetString("type")
	keyPrefix, _ := cmd.Flags().GetString("key-prefix")
	valuePrefix, _ := cmd.Flags().GetString("value-prefix")

	t, err := nodetypes.Parse(typeName)
	if err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	b, _, err := openBuilder(cmd)
	if err != nil {
		return err
	}
	defer b.Close()

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Printf("📥 Loading %s...\n", args[0])
	n, err := b.Seeder().LoadDump(ctx, f, t, keyPrefix, valuePrefix)
	if err != nil {
		return err
	}
	fmt.Printf("✅ Merged %d sets\n", n)
	return nil
}

func runSynonymize(cmd *cobra.Command, args []string) error {
	typeName, _ := cmd.Flags().GetString("type")
	t, err := nodetypes.Parse(typeName)
	if err != nil {
		return err
	}

	b, _, err := openBuilder(cmd)
	if err != nil {
		return err
	}
	defer b.Close()

	ctx, cancel := signalContext()
	defer cancel()

	for _, curie := range args {
		node, err := b.Synonymize(ctx, curie, t)
		if err != nil {
			return err
		}
		fmt.Printf("%s -> %s\n", curie, node.Identifier)
		for _, id := range node.Synonyms.Members() {
			if id.Label != "" {
				fmt.Printf("   %s (%s)\n", id.Identifier, id.Label)
			} else {
				fmt.Printf("   %s\n", id.Identifier)
			}
		}
	}
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	typeName, _ := cmd.Flags().GetString("type")
	if (typeName == "") == (len(args) == 0) {
		return fmt.Errorf("give either a curie or --type")
	}

	b, _, err := openBuilder(cmd)
	if err != nil {
		return err
	}
	defer b.Close()

	if typeName != "" {
		t, err := nodetypes.Parse(typeName)
		if err != nil {
			return err
		}
		nodes, err := b.NodesByType(t)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			fmt.Printf("%s\t%v\n", n.ID, n.Properties["name"])
		}
		fmt.Printf("%d %s nodes\n", len(nodes), t)
		return nil
	}

	ctx, cancel := signalContext()
	defer cancel()
	hood, err := b.Neighborhood(ctx, args[0])
	if err != nil {
		return err
	}
	printNeighborhood(os.Stdout, hood)
	return nil
}

func printNeighborhood(w io.Writer, h *builder.Neighborhood) {
	fmt.Fprintf(w, "%s %v", h.Node.ID, h.Node.Labels)
	if name, ok := h.Node.Properties["name"]; ok {
		fmt.Fprintf(w, " %q", name)
	}
	fmt.Fprintln(w)
	for _, e := range h.Outgoing {
		fmt.Fprintf(w, "  -[%s]-> %s  (%v)\n", e.Type, e.EndNode, e.Properties["service"])
	}
	for _, e := range h.Incoming {
		fmt.Fprintf(w, "  <-[%s]- %s  (%v)\n", e.Type, e.StartNode, e.Properties["service"])
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	b, logger, err := openBuilder(cmd)
	if err != nil {
		return err
	}
	defer b.Close()
	cfg := b.Config()

	if port, _ := cmd.Flags().GetInt("http-port"); port > 0 {
		cfg.Server.Port = port
	}
	if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
		cfg.Server.Workers = workers
	}

	fmt.Printf("🚀 Starting graphbuilder v%s\n", version)
	fmt.Printf("   %s\n", cfg)
	fmt.Println()

	queue := jobs.New(b.Handle, jobs.Config{
		Workers:     cfg.Server.Workers,
		Retention:   cfg.Server.JobRetention,
		MaxFinished: cfg.Server.MaxFinishedJobs,
		Logger:      logger,
	})
	defer queue.Close()

	serverConfig := server.DefaultConfig()
	serverConfig.Address = cfg.Server.Address
	serverConfig.Port = cfg.Server.Port

	httpServer, err := server.New(b, queue, serverConfig, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	fmt.Println("✅ graphbuilder is ready!")
	fmt.Println()
	fmt.Println("Endpoints:")
	fmt.Printf("  • Submit:   POST http://localhost:%d/api/v1/kg/update\n", cfg.Server.Port)
	fmt.Printf("  • Task:     GET  http://localhost:%d/api/v1/tasks/{id}\n", cfg.Server.Port)
	fmt.Printf("  • Health:   GET  http://localhost:%d/health\n", cfg.Server.Port)
	fmt.Printf("  • Metrics:  GET  http://localhost:%d/metrics\n", cfg.Server.Port)
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")

	ctx, cancel := signalContext()
	defer cancel()
	<-ctx.Done()

	fmt.Println("\n🛑 Shutting down...")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stopping server: %w", err)
	}
	fmt.Println("✅ Server stopped gracefully")
	return nil
}

const sampleConfig = `# graphbuilder configuration
storage:
  data_dir: ./data
  gc_interval: 10m

cache:
  hot_size: 10000
  hot_ttl: 1h

executor:
  pool_size: 8
  max_frontier: 10000
  service_timeout: 30s

compiler:
  max_programs: 100

seed:
  batch_size: 200
  ambiguity_threshold: 5
  rank_order: [CAS, UNII, EC]
  # api_key: set GRAPHBUILDER_EUTILS_API_KEY instead
  dump_dir: ./data/dumps

server:
  port: 6010
  workers: 2

logging:
  level: info
  format: console

# Synonym resolvers per node type, tried in order.
resolvers:
  - type: gene
    tiers:
      - name: xrefs
        kind: xref
        base_url: http://localhost:8080/xrefs
        prefixes: [HGNC, NCBIGene, ENSEMBL, UniProtKB]
        timeout: 10s

# Knowledge sources: GET {base_url}/{operation}/{curie}
sources:
  - name: biolink
    base_url: http://localhost:8081
    operations: [disease_get_gene, gene_get_genetic_condition]
    prefixes: [MONDO, DOID]
    timeout: 30s

# Operations available to the compiler.
operations:
  - input: disease
    output: gene
    expr: biolink~disease_get_gene
  - input: gene
    output: genetic_condition
    expr: upcast(biolink~gene_get_genetic_condition,genetic_condition)
`
