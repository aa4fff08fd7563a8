// Package mcp provides a Model Context Protocol server for claimgraph.
//
// It exposes claim submission, verification, cluster lookup, spike and
// relation queries as MCP tools, plus store statistics as an MCP
// resource. Stdio transport, same as the CLI `mcp` subcommand.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/whatsamyth/claimgraph/internal/embed"
	"github.com/whatsamyth/claimgraph/internal/engine"
	"github.com/whatsamyth/claimgraph/internal/graph"
	"github.com/whatsamyth/claimgraph/internal/store"
	"github.com/whatsamyth/claimgraph/internal/verify"
)

// ServerConfig holds the wired components for the MCP server.
type ServerConfig struct {
	Store      *store.SQLiteStore
	Engine     *engine.Engine
	Dispatcher *verify.Dispatcher
	Graph      *graph.Graph
	Embedder   embed.Embedder // optional; claim_submit then requires an inline embedding
	Version    string
}

// dbMu serializes MCP tool calls that touch the database. mcp-go
// dispatches handlers on separate goroutines; SQLite supports one
// writer at a time, and submits must land before reads see them.
var dbMu sync.Mutex

// NewServer creates the configured MCP server with all tools and
// resources registered.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"ClaimGraph",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	registerSubmitTool(s, cfg.Engine, cfg.Embedder)
	registerVerifyTool(s, cfg.Dispatcher)
	registerClusterGetTool(s, cfg.Store)
	registerClusterListTool(s, cfg.Store)
	registerSpikesTool(s, cfg.Store, cfg.Graph)
	registerRelatedTool(s, cfg.Graph)
	registerPredictTool(s, cfg.Graph)

	registerStatsResource(s, cfg.Store)

	return s
}

// --- Tools ---

func registerSubmitTool(s *server.MCPServer, eng *engine.Engine, embedder embed.Embedder) {
	tool := mcp.NewTool("claim_submit",
		mcp.WithDescription("Submit a claim for clustering. Attaches the claim to an existing cluster when its embedding is near-duplicate of a known myth, otherwise creates a new cluster. Returns the cluster, whether it is new, and any cached verdict."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("message_id",
			mcp.Required(),
			mcp.Description("Stable message identifier; resubmitting the same id returns the original placement"),
		),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("The claim text"),
		),
		mcp.WithString("source",
			mcp.Description("Originating channel tag (e.g. 'whatsapp', 'telegram')"),
		),
		mcp.WithString("embedding",
			mcp.Description("JSON array of floats. Optional when an embedding provider is configured; the text is embedded server-side."),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		messageID, err := req.RequireString("message_id")
		if err != nil {
			return mcp.NewToolResultError("message_id is required"), nil
		}
		text, err := req.RequireString("text")
		if err != nil || strings.TrimSpace(text) == "" {
			return mcp.NewToolResultError("text is required"), nil
		}

		source := ""
		if v, err := req.RequireString("source"); err == nil {
			source = v
		}

		var vector []float32
		if raw, err := req.RequireString("embedding"); err == nil && raw != "" {
			if err := json.Unmarshal([]byte(raw), &vector); err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid embedding: %v", err)), nil
			}
		} else {
			if embedder == nil {
				return mcp.NewToolResultError("no embedding given and no embedding provider configured"), nil
			}
			// Embedding happens outside the db lock.
			vector, err = embedder.Embed(ctx, text)
			if err != nil {
				if errors.Is(err, embed.ErrEmbeddingUnavailable) {
					return mcp.NewToolResultError(fmt.Sprintf("embedding unavailable, retry later: %v", err)), nil
				}
				return mcp.NewToolResultError(fmt.Sprintf("embedding error: %v", err)), nil
			}
		}

		dbMu.Lock()
		defer dbMu.Unlock()

		res, err := eng.SubmitClaim(ctx, engine.Claim{
			MessageID:  messageID,
			Text:       text,
			Vector:     vector,
			Source:     source,
			ReceivedAt: time.Now().UTC(),
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("submit error: %v", err)), nil
		}

		data, _ := json.MarshalIndent(res, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerVerifyTool(s *server.MCPServer, d *verify.Dispatcher) {
	tool := mcp.NewTool("claim_verify",
		mcp.WithDescription("Verify a claim cluster. Returns the cached verdict for already-verified clusters; otherwise dispatches one external verification (concurrent calls for the same cluster share it)."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("cluster_id",
			mcp.Required(),
			mcp.Description("The cluster to verify"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if d == nil {
			return mcp.NewToolResultError("no verification endpoint configured"), nil
		}
		idVal, err := req.RequireFloat("cluster_id")
		if err != nil {
			return mcp.NewToolResultError("cluster_id is required"), nil
		}

		// No dbMu here: verification is long-running and the
		// dispatcher serializes per cluster itself.
		verdict, err := d.Verify(ctx, int64(idVal))
		if err != nil {
			if errors.Is(err, verify.ErrVerificationUnavailable) {
				return mcp.NewToolResultError(fmt.Sprintf("verification unavailable, cluster stays pending: %v", err)), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("verify error: %v", err)), nil
		}

		data, _ := json.MarshalIndent(verdict, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerClusterGetTool(s *server.MCPServer, st *store.SQLiteStore) {
	tool := mcp.NewTool("cluster_get",
		mcp.WithDescription("Fetch one claim cluster by id, including its verdict if verified."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("cluster_id",
			mcp.Required(),
			mcp.Description("The cluster id"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		idVal, err := req.RequireFloat("cluster_id")
		if err != nil {
			return mcp.NewToolResultError("cluster_id is required"), nil
		}

		c, err := st.GetCluster(ctx, int64(idVal))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("lookup error: %v", err)), nil
		}

		data, _ := json.MarshalIndent(c, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerClusterListTool(s *server.MCPServer, st *store.SQLiteStore) {
	tool := mcp.NewTool("cluster_list",
		mcp.WithDescription("List claim clusters, most recently seen first. Filter by verification status and paginate."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("status",
			mcp.Description("Filter by status"),
			mcp.Enum("PENDING_VERIFICATION", "TRUE", "FALSE", "MISLEADING", "PARTIALLY_TRUE", "UNVERIFIABLE"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum results (default 50)"),
		),
		mcp.WithNumber("offset",
			mcp.Description("Pagination offset"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		filter := store.ClusterFilter{}
		if v, err := req.RequireString("status"); err == nil && v != "" {
			status, err := store.ParseStatus(v)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid status: %v", err)), nil
			}
			filter.Status = status
		}
		if v, err := req.RequireFloat("limit"); err == nil && v > 0 {
			filter.Limit = int(v)
		}
		if v, err := req.RequireFloat("offset"); err == nil && v > 0 {
			filter.Offset = int(v)
		}

		clusters, err := st.ListClusters(ctx, filter)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list error: %v", err)), nil
		}

		data, _ := json.MarshalIndent(clusters, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerSpikesTool(s *server.MCPServer, st *store.SQLiteStore, g *graph.Graph) {
	tool := mcp.NewTool("spikes_list",
		mcp.WithDescription("List spike events (surges in a cluster's sighting rate), newest first. Runs a detection sweep first so just-elevated clusters appear."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("cluster_id",
			mcp.Description("Restrict to one cluster"),
		),
		mcp.WithNumber("since_hours",
			mcp.Description("How far back to look (default 168)"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum results (default 100)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		now := time.Now().UTC()
		if _, err := g.CheckSpikes(ctx, now); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("spike sweep error: %v", err)), nil
		}

		var clusterID int64
		if v, err := req.RequireFloat("cluster_id"); err == nil {
			clusterID = int64(v)
		}
		sinceHours := 168.0
		if v, err := req.RequireFloat("since_hours"); err == nil && v > 0 {
			sinceHours = v
		}
		limit := 0
		if v, err := req.RequireFloat("limit"); err == nil && v > 0 {
			limit = int(v)
		}

		events, err := st.ListSpikeEvents(ctx, clusterID, now.Add(-time.Duration(sinceHours)*time.Hour), limit)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("spike list error: %v", err)), nil
		}

		data, _ := json.MarshalIndent(events, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerRelatedTool(s *server.MCPServer, g *graph.Graph) {
	tool := mcp.NewTool("related_get",
		mcp.WithDescription("List the clusters weakly related to one cluster (similar but distinct myths), strongest edge first."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("cluster_id",
			mcp.Required(),
			mcp.Description("The cluster id"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		idVal, err := req.RequireFloat("cluster_id")
		if err != nil {
			return mcp.NewToolResultError("cluster_id is required"), nil
		}

		related, err := g.Related(ctx, int64(idVal))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("related error: %v", err)), nil
		}

		data, _ := json.MarshalIndent(related, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerPredictTool(s *server.MCPServer, g *graph.Graph) {
	tool := mcp.NewTool("reemergence_predict",
		mcp.WithDescription("Rank the clusters most likely to spike again, from their spike history."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("top_k",
			mcp.Description("How many predictions to return (default 5)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		topK := 0
		if v, err := req.RequireFloat("top_k"); err == nil && v > 0 {
			topK = int(v)
		}

		preds, err := g.PredictTop(ctx, time.Now().UTC(), topK)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("predict error: %v", err)), nil
		}

		data, _ := json.MarshalIndent(preds, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

// --- Resources ---

func registerStatsResource(s *server.MCPServer, st *store.SQLiteStore) {
	resource := mcp.NewResource(
		"claimgraph://stats",
		"Cluster store statistics",
		mcp.WithResourceDescription("Row counts and database size for the claim cluster store"),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		stats, err := st.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading stats: %w", err)
		}

		data, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return nil, err
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}
