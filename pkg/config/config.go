// Package config loads and validates the per-report pipeline configuration.
// Reports are described by a JSON file; string values may reference
// environment variables, which are expanded at load time.
package config

import (
	"fmt"
	"path/filepath"
	"slices"
	"sort"
)

// Stage names in execution order. The status file and the skip/only flags
// all key on these.
const (
	StageExtraction       = "extraction"
	StageEmbedding        = "embedding"
	StageClustering       = "hierarchical_clustering"
	StageInitialLabelling = "hierarchical_initial_labelling"
	StageMergeLabelling   = "hierarchical_merge_labelling"
	StageOverview         = "hierarchical_overview"
	StageAggregation      = "hierarchical_aggregation"
	StageVisualization    = "hierarchical_visualization"
)

// StageOrder is the canonical pipeline sequence.
var StageOrder = []string{
	StageExtraction,
	StageEmbedding,
	StageClustering,
	StageInitialLabelling,
	StageMergeLabelling,
	StageOverview,
	StageAggregation,
	StageVisualization,
}

type ExtractionConfig struct {
	Prompt     string              `json:"prompt"`
	Model      string              `json:"model"`
	Workers    int                 `json:"workers"`
	Limit      int                 `json:"limit"`
	Properties []string            `json:"properties"`
	Categories map[string][]string `json:"categories"`
}

type EmbeddingConfig struct {
	Model string `json:"model"`
	// TokenLimit caps the cumulative token count of one embedding request;
	// BatchSize caps the item count. Whichever fills first closes a batch.
	TokenLimit int `json:"token_limit"`
	BatchSize  int `json:"batch_size"`
}

type ClusteringConfig struct {
	ClusterNums []int `json:"cluster_nums"`
}

type LabellingConfig struct {
	Prompt      string `json:"prompt"`
	Model       string `json:"model"`
	SamplingNum int    `json:"sampling_num"`
	Workers     int    `json:"workers"`
}

type OverviewConfig struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model"`
	// Skip replaces the overview with a placeholder instead of calling
	// the LLM.
	Skip bool `json:"skip"`
}

type AggregationConfig struct {
	SamplingNum      int                 `json:"sampling_num"`
	HiddenProperties map[string][]string `json:"hidden_properties"`
}

// Config is the full report configuration. Fields without json tags are
// runtime state injected by the CLI, never read from the file.
type Config struct {
	Name              string `json:"name"`
	Input             string `json:"input"`
	Question          string `json:"question"`
	Intro             string `json:"intro"`
	Model             string `json:"model"`
	Provider          string `json:"provider"`
	LocalLLMAddress   string `json:"local_llm_address"`
	IsEmbeddedAtLocal bool   `json:"is_embedded_at_local"`
	IsPubcom          bool   `json:"is_pubcom"`
	EnableSourceLink  bool   `json:"enable_source_link"`

	AutoClusterEnabled bool `json:"auto_cluster_enabled"`
	ClusterTopMin      int  `json:"cluster_top_min"`
	ClusterTopMax      int  `json:"cluster_top_max"`
	ClusterBottomMax   int  `json:"cluster_bottom_max"`

	Extraction              ExtractionConfig  `json:"extraction"`
	Embedding               EmbeddingConfig   `json:"embedding"`
	HierarchicalClustering  ClusteringConfig  `json:"hierarchical_clustering"`
	InitialLabelling        LabellingConfig   `json:"hierarchical_initial_labelling"`
	MergeLabelling          LabellingConfig   `json:"hierarchical_merge_labelling"`
	Overview                OverviewConfig    `json:"hierarchical_overview"`
	HierarchicalAggregation AggregationConfig `json:"hierarchical_aggregation"`

	OutputDir string `json:"output_dir"`

	// CLI state.
	Force       bool            `json:"-"`
	Only        string          `json:"-"`
	WithoutHTML bool            `json:"-"`
	SkipStages  map[string]bool `json:"-"`
	BaseDir     string          `json:"-"`
}

var knownTopLevelKeys = []string{
	"name", "input", "question", "intro", "model", "provider",
	"local_llm_address", "is_embedded_at_local", "is_pubcom", "enable_source_link",
	"auto_cluster_enabled", "cluster_top_min", "cluster_top_max", "cluster_bottom_max",
	"extraction", "embedding", "hierarchical_clustering",
	"hierarchical_initial_labelling", "hierarchical_merge_labelling",
	"hierarchical_overview", "hierarchical_aggregation", "output_dir",
}

func applyDefaults(c *Config) {
	if c.OutputDir == "" {
		c.OutputDir = c.Name
	}
	if c.Extraction.Model == "" {
		c.Extraction.Model = c.Model
	}
	if c.Extraction.Workers <= 0 {
		c.Extraction.Workers = 10
	}
	if c.Extraction.Limit <= 0 {
		c.Extraction.Limit = 1000
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "text-embedding-3-small"
	}
	if c.Embedding.TokenLimit <= 0 {
		c.Embedding.TokenLimit = 200000
	}
	if c.Embedding.BatchSize <= 0 {
		c.Embedding.BatchSize = 1000
	}
	for _, lc := range []*LabellingConfig{&c.InitialLabelling, &c.MergeLabelling} {
		if lc.Model == "" {
			lc.Model = c.Model
		}
		if lc.SamplingNum <= 0 {
			lc.SamplingNum = 30
		}
		if lc.Workers <= 0 {
			lc.Workers = 10
		}
	}
	if c.Overview.Model == "" {
		c.Overview.Model = c.Model
	}
	if c.ClusterTopMin <= 0 {
		c.ClusterTopMin = 2
	}
	if c.ClusterTopMax <= 0 {
		c.ClusterTopMax = 10
	}
	if c.ClusterBottomMax <= 0 {
		c.ClusterBottomMax = 20
	}
	if c.SkipStages == nil {
		c.SkipStages = map[string]bool{}
	}
}

var supportedProviders = []string{"openai", "azure", "gemini", "openrouter", "local"}

func (c *Config) validate() error {
	required := map[string]string{
		"name":              c.Name,
		"input":             c.Input,
		"question":          c.Question,
		"model":             c.Model,
		"provider":          c.Provider,
		"extraction.prompt": c.Extraction.Prompt,
	}
	for key, value := range required {
		if value == "" {
			return fmt.Errorf("config-invalid: missing required key %q", key)
		}
	}

	if !slices.Contains(supportedProviders, c.Provider) {
		return fmt.Errorf("config-invalid: unknown provider %q", c.Provider)
	}
	if c.Provider == "local" && c.LocalLLMAddress == "" {
		return fmt.Errorf("config-invalid: provider \"local\" requires local_llm_address")
	}

	if !c.AutoClusterEnabled {
		nums := c.HierarchicalClustering.ClusterNums
		if len(nums) == 0 {
			return fmt.Errorf("config-invalid: hierarchical_clustering.cluster_nums is required unless auto_cluster_enabled")
		}
		for _, n := range nums {
			if n < 2 {
				return fmt.Errorf("config-invalid: cluster_nums entries must be >= 2, got %d", n)
			}
		}
		if !sort.IntsAreSorted(nums) {
			return fmt.Errorf("config-invalid: cluster_nums must be in ascending order")
		}
	} else if c.ClusterTopMin > c.ClusterTopMax || c.ClusterTopMax >= c.ClusterBottomMax {
		return fmt.Errorf("config-invalid: auto cluster ranges need top_min <= top_max < bottom_max")
	}

	return nil
}

// InputPath is the source CSV for this report.
func (c *Config) InputPath() string {
	return filepath.Join(c.BaseDir, "inputs", c.Input+".csv")
}

// OutputPath resolves a file inside this report's output directory.
func (c *Config) OutputPath(file string) string {
	return filepath.Join(c.OutputRoot(), file)
}

// OutputRoot is the report's output directory.
func (c *Config) OutputRoot() string {
	return filepath.Join(c.BaseDir, "outputs", c.OutputDir)
}
