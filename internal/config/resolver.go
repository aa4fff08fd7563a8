// Package config resolves claimgraph settings from the config file
// (~/.claimgraph/config.yaml), CLAIMGRAPH_* environment variables, and
// CLI flags, in that order of increasing precedence. Every resolved
// value remembers where it came from so `claimgraph stats` can show
// provenance.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

// ResolveOptions carries the CLI flag overrides into resolution.
type ResolveOptions struct {
	ConfigPath        string
	CLIDBPath         string
	CLIEmbed          string
	CLIVerifyEndpoint string
}

// ResolvedConfig is the fully resolved configuration with provenance.
type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	DBPath ResolvedValue `json:"db_path"`

	EmbedProvider ResolvedValue `json:"embed_provider"`
	EmbedEndpoint ResolvedValue `json:"embed_endpoint"`
	EmbedAPIKey   ResolvedValue `json:"embed_api_key"`

	VerifyEndpoint ResolvedValue `json:"verify_endpoint"`
	VerifyAPIKey   ResolvedValue `json:"verify_api_key"`
	VerifyTimeout  ResolvedValue `json:"verify_timeout"`
	VerifyRetries  ResolvedValue `json:"verify_retries"`

	MatchThreshold  ResolvedValue `json:"match_threshold"`
	RelationFloor   ResolvedValue `json:"relation_floor"`
	TieEpsilon      ResolvedValue `json:"tie_epsilon"`
	SpikeMultiplier ResolvedValue `json:"spike_multiplier"`
	RearmFactor     ResolvedValue `json:"rearm_factor"`
	BaselineWindow  ResolvedValue `json:"baseline_window"`
	BucketHours     ResolvedValue `json:"bucket_hours"`
	RetentionHours  ResolvedValue `json:"retention_hours"`
}

type fileConfig struct {
	DBPath string `yaml:"db_path"`
	Embed  struct {
		Provider string `yaml:"provider"`
		Endpoint string `yaml:"endpoint"`
		APIKey   string `yaml:"api_key"`
	} `yaml:"embed"`
	Verify struct {
		Endpoint string `yaml:"endpoint"`
		APIKey   string `yaml:"api_key"`
		Timeout  string `yaml:"timeout"`
		Retries  string `yaml:"retries"`
	} `yaml:"verify"`
	Clustering struct {
		MatchThreshold string `yaml:"match_threshold"`
		RelationFloor  string `yaml:"relation_floor"`
		TieEpsilon     string `yaml:"tie_epsilon"`
	} `yaml:"clustering"`
	Spikes struct {
		Multiplier     string `yaml:"multiplier"`
		RearmFactor    string `yaml:"rearm_factor"`
		BaselineWindow string `yaml:"baseline_window"`
		BucketHours    string `yaml:"bucket_hours"`
		RetentionHours string `yaml:"retention_hours"`
	} `yaml:"spikes"`
}

// DefaultConfigPath is ~/.claimgraph/config.yaml.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".claimgraph", "config.yaml")
}

// ResolveConfig merges config file, environment, and CLI flags.
func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{ConfigPath: path}

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}

	if cfg != nil {
		apply(&out.DBPath, cfg.DBPath, SourceConfig, path)
		apply(&out.EmbedProvider, cfg.Embed.Provider, SourceConfig, path)
		apply(&out.EmbedEndpoint, cfg.Embed.Endpoint, SourceConfig, path)
		apply(&out.EmbedAPIKey, cfg.Embed.APIKey, SourceConfig, path)
		apply(&out.VerifyEndpoint, cfg.Verify.Endpoint, SourceConfig, path)
		apply(&out.VerifyAPIKey, cfg.Verify.APIKey, SourceConfig, path)
		apply(&out.VerifyTimeout, cfg.Verify.Timeout, SourceConfig, path)
		apply(&out.VerifyRetries, cfg.Verify.Retries, SourceConfig, path)
		apply(&out.MatchThreshold, cfg.Clustering.MatchThreshold, SourceConfig, path)
		apply(&out.RelationFloor, cfg.Clustering.RelationFloor, SourceConfig, path)
		apply(&out.TieEpsilon, cfg.Clustering.TieEpsilon, SourceConfig, path)
		apply(&out.SpikeMultiplier, cfg.Spikes.Multiplier, SourceConfig, path)
		apply(&out.RearmFactor, cfg.Spikes.RearmFactor, SourceConfig, path)
		apply(&out.BaselineWindow, cfg.Spikes.BaselineWindow, SourceConfig, path)
		apply(&out.BucketHours, cfg.Spikes.BucketHours, SourceConfig, path)
		apply(&out.RetentionHours, cfg.Spikes.RetentionHours, SourceConfig, path)
	}

	applyEnv(&out.DBPath, "CLAIMGRAPH_DB")
	applyEnv(&out.EmbedProvider, "CLAIMGRAPH_EMBED")
	applyEnv(&out.EmbedEndpoint, "CLAIMGRAPH_EMBED_ENDPOINT")
	applyEnv(&out.EmbedAPIKey, "CLAIMGRAPH_EMBED_API_KEY")
	applyEnv(&out.VerifyEndpoint, "CLAIMGRAPH_VERIFY_ENDPOINT")
	applyEnv(&out.VerifyAPIKey, "CLAIMGRAPH_VERIFY_API_KEY")
	applyEnv(&out.VerifyTimeout, "CLAIMGRAPH_VERIFY_TIMEOUT")
	applyEnv(&out.VerifyRetries, "CLAIMGRAPH_VERIFY_RETRIES")
	applyEnv(&out.MatchThreshold, "CLAIMGRAPH_MATCH_THRESHOLD")
	applyEnv(&out.RelationFloor, "CLAIMGRAPH_RELATION_FLOOR")
	applyEnv(&out.TieEpsilon, "CLAIMGRAPH_TIE_EPSILON")
	applyEnv(&out.SpikeMultiplier, "CLAIMGRAPH_SPIKE_MULTIPLIER")
	applyEnv(&out.RearmFactor, "CLAIMGRAPH_REARM_FACTOR")
	applyEnv(&out.BaselineWindow, "CLAIMGRAPH_BASELINE_WINDOW")
	applyEnv(&out.BucketHours, "CLAIMGRAPH_BUCKET_HOURS")
	applyEnv(&out.RetentionHours, "CLAIMGRAPH_RETENTION_HOURS")

	apply(&out.DBPath, opts.CLIDBPath, SourceCLI, "--db")
	apply(&out.EmbedProvider, opts.CLIEmbed, SourceCLI, "--embed")
	apply(&out.VerifyEndpoint, opts.CLIVerifyEndpoint, SourceCLI, "--verify-endpoint")

	if out.DBPath.Value != "" {
		out.DBPath.Value = expandUserPath(out.DBPath.Value)
	}

	return out, nil
}

// Float reads a resolved value as a float, falling back when unset or
// malformed.
func (v ResolvedValue) Float(fallback float64) float64 {
	s := strings.TrimSpace(v.Value)
	if s == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return f
}

// Int reads a resolved value as an int, falling back when unset or
// malformed.
func (v ResolvedValue) Int(fallback int) int {
	s := strings.TrimSpace(v.Value)
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

// Duration reads a resolved value as a duration ("45s", "2m"), falling
// back when unset or malformed.
func (v ResolvedValue) Duration(fallback time.Duration) time.Duration {
	s := strings.TrimSpace(v.Value)
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
