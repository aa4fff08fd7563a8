package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/whatsamyth/claimgraph/internal/ann"
	"github.com/whatsamyth/claimgraph/internal/config"
	"github.com/whatsamyth/claimgraph/internal/embed"
	"github.com/whatsamyth/claimgraph/internal/engine"
	"github.com/whatsamyth/claimgraph/internal/graph"
	mcpserver "github.com/whatsamyth/claimgraph/internal/mcp"
	"github.com/whatsamyth/claimgraph/internal/store"
	"github.com/whatsamyth/claimgraph/internal/verify"
)

const version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	var err error
	switch os.Args[1] {
	case "submit":
		err = runSubmit(os.Args[2:])
	case "verify":
		err = runVerify(os.Args[2:])
	case "clusters":
		err = runClusters(os.Args[2:])
	case "show":
		err = runShow(os.Args[2:])
	case "related":
		err = runRelated(os.Args[2:])
	case "spikes":
		err = runSpikes(os.Args[2:])
	case "predict":
		err = runPredict(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	case "rebuild-index":
		err = runRebuildIndex(os.Args[2:])
	case "mcp":
		err = runMCP(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("claimgraph %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app bundles the wired components behind every subcommand.
type app struct {
	cfg      config.ResolvedConfig
	store    *store.SQLiteStore
	engine   *engine.Engine
	graph    *graph.Graph
	embedder embed.Embedder
}

// openApp resolves config, opens the store, and brings up the index
// (snapshot if present and loadable, otherwise a rebuild from stored
// centroids).
func openApp(opts config.ResolveOptions) (*app, error) {
	cfg, err := config.ResolveConfig(opts)
	if err != nil {
		return nil, err
	}

	st, err := store.NewStore(store.Config{DBPath: cfg.DBPath.Value})
	if err != nil {
		return nil, err
	}

	engCfg := engine.Config{
		MatchThreshold: cfg.MatchThreshold.Float(0.75),
		RelationFloor:  cfg.RelationFloor.Float(0.55),
		TieEpsilon:     cfg.TieEpsilon.Float(0.005),
		BucketSize:     time.Duration(cfg.BucketHours.Int(1)) * time.Hour,
		SearchK:        5,
	}

	index, err := ann.Load(indexPath(cfg))
	if err != nil {
		// Missing or corrupt snapshot: the store is authoritative,
		// rebuild from centroids.
		index = ann.New(0)
	}

	eng := engine.New(st, index, engCfg)

	// A snapshot that disagrees with the store (crash before save) is
	// stale; rebuild rather than risk duplicate clusters.
	want, err := st.IndexableCount(context.Background())
	if err != nil {
		st.Close()
		return nil, err
	}
	if int64(index.Len()) != want {
		if _, err := eng.RebuildIndex(context.Background()); err != nil {
			st.Close()
			return nil, err
		}
	}

	graphCfg := graph.Config{
		SpikeMultiplier: cfg.SpikeMultiplier.Float(3.0),
		RearmFactor:     cfg.RearmFactor.Float(1.5),
		BaselineWindow:  cfg.BaselineWindow.Int(168),
		BucketSize:      engCfg.BucketSize,
		Retention:       time.Duration(cfg.RetentionHours.Int(336)) * time.Hour,
	}

	a := &app{
		cfg:    cfg,
		store:  st,
		engine: eng,
		graph:  graph.New(st, graphCfg),
	}

	if cfg.EmbedProvider.Value != "" {
		ec, err := embed.ParseProviderModel(cfg.EmbedProvider.Value)
		if err != nil {
			st.Close()
			return nil, err
		}
		if cfg.EmbedEndpoint.Value != "" {
			ec.Endpoint = cfg.EmbedEndpoint.Value
		}
		if cfg.EmbedAPIKey.Value != "" {
			ec.APIKey = cfg.EmbedAPIKey.Value
		}
		client, err := embed.NewClient(ec)
		if err != nil {
			st.Close()
			return nil, err
		}
		a.embedder = client
	}

	return a, nil
}

func (a *app) close() {
	// Best-effort snapshot; a stale or missing snapshot just means a
	// rebuild next start.
	_ = a.engine.Index().Save(indexPath(a.cfg))
	a.store.Close()
}

func indexPath(cfg config.ResolvedConfig) string {
	db := cfg.DBPath.Value
	if db == "" || db == ":memory:" {
		home, _ := os.UserHomeDir()
		return home + "/.claimgraph/index.hnsw"
	}
	return db + ".hnsw"
}

func (a *app) dispatcher() (*verify.Dispatcher, error) {
	if a.cfg.VerifyEndpoint.Value == "" {
		return nil, fmt.Errorf("no verification endpoint configured (set verify.endpoint in %s or CLAIMGRAPH_VERIFY_ENDPOINT)", a.cfg.ConfigPath)
	}
	verifier, err := verify.NewHTTPVerifier(verify.HTTPConfig{
		Endpoint: a.cfg.VerifyEndpoint.Value,
		APIKey:   a.cfg.VerifyAPIKey.Value,
		Timeout:  a.cfg.VerifyTimeout.Duration(30 * time.Second),
	})
	if err != nil {
		return nil, err
	}
	return verify.NewDispatcher(a.store, verifier, verify.Config{
		Timeout:    a.cfg.VerifyTimeout.Duration(60 * time.Second),
		MaxRetries: a.cfg.VerifyRetries.Int(2),
	}), nil
}

func runSubmit(args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	dbPath := fs.String("db", "", "database path")
	embedFlag := fs.String("embed", "", "embedding provider/model")
	messageID := fs.String("id", "", "message id (required)")
	source := fs.String("source", "", "originating channel tag")
	if err := fs.Parse(args); err != nil {
		return err
	}
	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		return fmt.Errorf("usage: claimgraph submit --id <message-id> [--source <tag>] <claim text>")
	}
	if *messageID == "" {
		return fmt.Errorf("--id is required")
	}

	a, err := openApp(config.ResolveOptions{CLIDBPath: *dbPath, CLIEmbed: *embedFlag})
	if err != nil {
		return err
	}
	defer a.close()

	if a.embedder == nil {
		return fmt.Errorf("no embedding provider configured (use --embed provider/model or CLAIMGRAPH_EMBED)")
	}

	ctx := context.Background()
	vector, err := a.embedder.Embed(ctx, text)
	if err != nil {
		if errors.Is(err, embed.ErrEmbeddingUnavailable) {
			return fmt.Errorf("embedding unavailable, claim not clustered — retry later: %w", err)
		}
		return err
	}

	res, err := a.engine.SubmitClaim(ctx, engine.Claim{
		MessageID:  *messageID,
		Text:       text,
		Vector:     vector,
		Source:     *source,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	if res.IsNew {
		fmt.Printf("New cluster %d created\n", res.ClusterID)
	} else if res.AlreadySeen {
		fmt.Printf("Message already recorded in cluster %d\n", res.ClusterID)
	} else {
		fmt.Printf("Joined cluster %d (similarity %.4f)\n", res.ClusterID, res.Similarity)
	}
	if res.Verdict != nil {
		fmt.Printf("Verdict: %s (%.2f) — %s\n", res.Verdict.Status, res.Verdict.Confidence, res.Verdict.ShortReply)
	} else if res.NeedsVerification {
		fmt.Println("Status: PENDING_VERIFICATION (run `claimgraph verify` to dispatch)")
	}
	return nil
}

func runVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	dbPath := fs.String("db", "", "database path")
	endpoint := fs.String("verify-endpoint", "", "verification service URL")
	timeout := fs.Duration("timeout", 0, "overall verification deadline (0 = config default)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: claimgraph verify [--verify-endpoint <url>] <cluster-id>")
	}
	var clusterID int64
	if _, err := fmt.Sscanf(fs.Arg(0), "%d", &clusterID); err != nil {
		return fmt.Errorf("invalid cluster id %q", fs.Arg(0))
	}

	a, err := openApp(config.ResolveOptions{CLIDBPath: *dbPath, CLIVerifyEndpoint: *endpoint})
	if err != nil {
		return err
	}
	defer a.close()

	d, err := a.dispatcher()
	if err != nil {
		return err
	}

	ctx := context.Background()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	verdict, err := d.Verify(ctx, clusterID)
	if err != nil {
		if errors.Is(err, verify.ErrVerificationUnavailable) {
			return fmt.Errorf("verification unavailable, cluster %d stays pending: %w", clusterID, err)
		}
		return err
	}

	data, _ := json.MarshalIndent(verdict, "", "  ")
	fmt.Println(string(data))
	return nil
}

func runClusters(args []string) error {
	fs := flag.NewFlagSet("clusters", flag.ExitOnError)
	dbPath := fs.String("db", "", "database path")
	status := fs.String("status", "", "filter by verification status")
	limit := fs.Int("limit", 50, "maximum results")
	offset := fs.Int("offset", 0, "pagination offset")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := openApp(config.ResolveOptions{CLIDBPath: *dbPath})
	if err != nil {
		return err
	}
	defer a.close()

	filter := store.ClusterFilter{Limit: *limit, Offset: *offset}
	if *status != "" {
		st, err := store.ParseStatus(*status)
		if err != nil {
			return err
		}
		filter.Status = st
	}

	clusters, err := a.store.ListClusters(context.Background(), filter)
	if err != nil {
		return err
	}

	if len(clusters) == 0 {
		fmt.Println("No clusters")
		return nil
	}
	for _, c := range clusters {
		fmt.Printf("#%d [%s] x%d  %s\n", c.ID, c.Status, c.MessageCount, truncate(c.CanonicalText, 80))
	}
	return nil
}

func runShow(args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	dbPath := fs.String("db", "", "database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: claimgraph show <cluster-id>")
	}
	var clusterID int64
	if _, err := fmt.Sscanf(fs.Arg(0), "%d", &clusterID); err != nil {
		return fmt.Errorf("invalid cluster id %q", fs.Arg(0))
	}

	a, err := openApp(config.ResolveOptions{CLIDBPath: *dbPath})
	if err != nil {
		return err
	}
	defer a.close()

	c, err := a.store.GetCluster(context.Background(), clusterID)
	if err != nil {
		return err
	}
	data, _ := json.MarshalIndent(c, "", "  ")
	fmt.Println(string(data))
	return nil
}

func runRelated(args []string) error {
	fs := flag.NewFlagSet("related", flag.ExitOnError)
	dbPath := fs.String("db", "", "database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: claimgraph related <cluster-id>")
	}
	var clusterID int64
	if _, err := fmt.Sscanf(fs.Arg(0), "%d", &clusterID); err != nil {
		return fmt.Errorf("invalid cluster id %q", fs.Arg(0))
	}

	a, err := openApp(config.ResolveOptions{CLIDBPath: *dbPath})
	if err != nil {
		return err
	}
	defer a.close()

	related, err := a.graph.Related(context.Background(), clusterID)
	if err != nil {
		return err
	}
	if len(related) == 0 {
		fmt.Println("No related clusters")
		return nil
	}
	for _, r := range related {
		fmt.Printf("#%d [%s] weight %.1f  %s\n", r.Cluster.ID, r.Cluster.Status, r.Weight, truncate(r.Cluster.CanonicalText, 70))
	}
	return nil
}

func runSpikes(args []string) error {
	fs := flag.NewFlagSet("spikes", flag.ExitOnError)
	dbPath := fs.String("db", "", "database path")
	sinceHours := fs.Int("since", 168, "how many hours back to list")
	limit := fs.Int("limit", 100, "maximum results")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := openApp(config.ResolveOptions{CLIDBPath: *dbPath})
	if err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()
	now := time.Now().UTC()

	fired, err := a.graph.CheckSpikes(ctx, now)
	if err != nil {
		return err
	}
	for _, ev := range fired {
		fmt.Printf("Spike detected: cluster %d at %.1f msgs/h (baseline %.2f)\n", ev.ClusterID, ev.ObservedRate, ev.BaselineRate)
	}

	events, err := a.store.ListSpikeEvents(ctx, 0, now.Add(-time.Duration(*sinceHours)*time.Hour), *limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No spike events")
		return nil
	}
	for _, ev := range events {
		fmt.Printf("%s  cluster %d  %.1f msgs/h (baseline %.2f)\n",
			ev.DetectedAt.Format(time.RFC3339), ev.ClusterID, ev.ObservedRate, ev.BaselineRate)
	}
	return nil
}

func runPredict(args []string) error {
	fs := flag.NewFlagSet("predict", flag.ExitOnError)
	dbPath := fs.String("db", "", "database path")
	topK := fs.Int("top", 5, "how many predictions")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := openApp(config.ResolveOptions{CLIDBPath: *dbPath})
	if err != nil {
		return err
	}
	defer a.close()

	preds, err := a.graph.PredictTop(context.Background(), time.Now().UTC(), *topK)
	if err != nil {
		return err
	}
	if len(preds) == 0 {
		fmt.Println("No spike history to predict from")
		return nil
	}
	for _, p := range preds {
		fmt.Printf("#%d  %.0f%%  %s — %s\n", p.ClusterID, p.Probability*100, p.Reason, truncate(p.CanonicalText, 60))
	}
	return nil
}

func runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	dbPath := fs.String("db", "", "database path")
	asJSON := fs.Bool("json", false, "print as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := openApp(config.ResolveOptions{CLIDBPath: *dbPath})
	if err != nil {
		return err
	}
	defer a.close()

	stats, err := a.store.Stats(context.Background())
	if err != nil {
		return err
	}

	if *asJSON {
		data, _ := json.MarshalIndent(stats, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("Clusters:      %d\n", stats.ClusterCount)
	fmt.Printf("Messages:      %d\n", stats.MessageCount)
	fmt.Printf("Verdicts:      %d\n", stats.VerdictCount)
	fmt.Printf("Spike events:  %d\n", stats.SpikeCount)
	fmt.Printf("Relations:     %d\n", stats.RelationCount)
	fmt.Printf("Indexed:       %d\n", a.engine.Index().Len())
	if stats.DBSizeBytes > 0 {
		fmt.Printf("DB size:       %.1f KB\n", float64(stats.DBSizeBytes)/1024)
	}
	return nil
}

func runRebuildIndex(args []string) error {
	fs := flag.NewFlagSet("rebuild-index", flag.ExitOnError)
	dbPath := fs.String("db", "", "database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := openApp(config.ResolveOptions{CLIDBPath: *dbPath})
	if err != nil {
		return err
	}
	defer a.close()

	n, err := a.engine.RebuildIndex(context.Background())
	if err != nil {
		return err
	}
	if err := a.engine.Index().Save(indexPath(a.cfg)); err != nil {
		return fmt.Errorf("saving index snapshot: %w", err)
	}
	fmt.Printf("Index rebuilt: %d centroids\n", n)
	return nil
}

func runMCP(args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	dbPath := fs.String("db", "", "database path")
	embedFlag := fs.String("embed", "", "embedding provider/model")
	endpoint := fs.String("verify-endpoint", "", "verification service URL")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := openApp(config.ResolveOptions{CLIDBPath: *dbPath, CLIEmbed: *embedFlag, CLIVerifyEndpoint: *endpoint})
	if err != nil {
		return err
	}
	defer a.close()

	var dispatcher *verify.Dispatcher
	if a.cfg.VerifyEndpoint.Value != "" {
		dispatcher, err = a.dispatcher()
		if err != nil {
			return err
		}
	}

	s := mcpserver.NewServer(mcpserver.ServerConfig{
		Store:      a.store,
		Engine:     a.engine,
		Dispatcher: dispatcher,
		Graph:      a.graph,
		Embedder:   a.embedder,
		Version:    version,
	})

	return server.ServeStdio(s)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func printUsage() {
	fmt.Printf(`claimgraph %s — Claim clustering and memory graph for fact checking

Usage:
  claimgraph <command> [arguments]

Commands:
  submit --id <mid> <text>   Cluster a claim (embeds the text first)
  verify <cluster-id>        Verify a cluster (cached verdict if available)
  clusters                   List clusters [--status S] [--limit N] [--offset N]
  show <cluster-id>          Show one cluster with its verdict
  related <cluster-id>       Show weakly related clusters
  spikes                     Run spike detection and list spike events
  predict                    Rank clusters likely to re-emerge
  stats                      Show store statistics
  rebuild-index              Rebuild the vector index from stored centroids
  mcp                        Serve the MCP interface over stdio
  version                    Print version

Common Flags:
  --db <path>                Database path (default ~/.claimgraph/claimgraph.db)
  --embed <provider/model>   Embedding provider (e.g. ollama/nomic-embed-text)
  --verify-endpoint <url>    Verification service URL

Configuration:
  ~/.claimgraph/config.yaml, CLAIMGRAPH_* environment variables
`, version)
}
