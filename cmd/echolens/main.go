package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/echolens/echolens/pkg/config"
	"github.com/echolens/echolens/pkg/llms"
	"github.com/echolens/echolens/pkg/logger"
	"github.com/echolens/echolens/pkg/pipeline"
)

// CLI is the full command-line surface. The positional config file selects
// the report; everything else tweaks one run.
type CLI struct {
	Config string `arg:"" help:"Path to the report config JSON file." type:"existingfile"`

	Force           bool   `short:"f" help:"Re-run every stage, ignoring previous outputs."`
	Only            string `short:"o" help:"Run only the named stage." enum:",extraction,embedding,hierarchical_clustering,hierarchical_initial_labelling,hierarchical_merge_labelling,hierarchical_overview,hierarchical_aggregation,hierarchical_visualization" default:""`
	SkipInteraction bool   `help:"Run without asking for confirmation."`
	WithoutHTML     bool   `name:"without-html" help:"Skip the static HTML report."`

	SkipExtraction       bool `help:"Mark the extraction stage as skipped."`
	SkipInitialLabelling bool `help:"Mark the initial labelling stage as skipped."`
	SkipMergeLabelling   bool `help:"Mark the merge labelling stage as skipped."`
	SkipOverview         bool `help:"Replace the overview with a placeholder."`

	AutoCluster      bool `help:"Pick cluster counts automatically by silhouette score."`
	ClusterTopMin    int  `help:"Auto-cluster: smallest top-level cluster count." default:"0"`
	ClusterTopMax    int  `help:"Auto-cluster: largest top-level cluster count." default:"0"`
	ClusterBottomMax int  `help:"Auto-cluster: largest bottom-level cluster count." default:"0"`

	BaseDir  string `help:"Working directory holding inputs/ and outputs/." default:"."`
	LogLevel string `help:"Log level (debug, info, warn, error)." env:"LOG_LEVEL" default:"info"`
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("echolens"),
		kong.Description("Hierarchical opinion clustering report pipeline"),
		kong.UsageOnError(),
	)

	logger.Init(logger.ParseLevel(cli.LogLevel), os.Stderr)
	ctx.FatalIfErrorf(run(&cli))
}

func run(cli *CLI) error {
	if err := config.LoadEnvFiles(); err != nil {
		return err
	}

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	applyCLIOverrides(cfg, cli)

	if !cli.SkipInteraction && !confirm(cfg) {
		fmt.Println("Aborted.")
		return nil
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := llms.NewProvider(runCtx, llms.ProviderConfig{
		Provider:         cfg.Provider,
		APIKey:           config.ProviderAPIKey(cfg.Provider),
		LocalAddress:     cfg.LocalLLMAddress,
		EmbeddingAtLocal: cfg.IsEmbeddedAtLocal,
	})
	if err != nil {
		return err
	}

	runner, err := pipeline.NewRunner(cfg, provider)
	if err != nil {
		return err
	}
	if err := runner.Run(runCtx); err != nil {
		return err
	}

	status := runner.Status().Snapshot()
	fmt.Printf("Report %s completed: %d tokens used (%d in / %d out)\n",
		cfg.Name, status.TotalTokenUsage, status.TokenUsageInput, status.TokenUsageOutput)
	return nil
}

func applyCLIOverrides(cfg *config.Config, cli *CLI) {
	cfg.BaseDir = cli.BaseDir
	cfg.Force = cli.Force
	cfg.Only = cli.Only

	if cli.WithoutHTML {
		cfg.SkipStages[config.StageVisualization] = true
	}
	if cli.SkipExtraction {
		cfg.SkipStages[config.StageExtraction] = true
	}
	if cli.SkipInitialLabelling {
		cfg.SkipStages[config.StageInitialLabelling] = true
	}
	if cli.SkipMergeLabelling {
		cfg.SkipStages[config.StageMergeLabelling] = true
	}
	if cli.SkipOverview {
		cfg.Overview.Skip = true
	}

	if cli.AutoCluster {
		cfg.AutoClusterEnabled = true
	}
	if cli.ClusterTopMin > 0 {
		cfg.ClusterTopMin = cli.ClusterTopMin
	}
	if cli.ClusterTopMax > 0 {
		cfg.ClusterTopMax = cli.ClusterTopMax
	}
	if cli.ClusterBottomMax > 0 {
		cfg.ClusterBottomMax = cli.ClusterBottomMax
	}
}

// confirm shows the run parameters and asks before spending tokens.
func confirm(cfg *config.Config) bool {
	fmt.Printf("Report:   %s\n", cfg.Name)
	fmt.Printf("Input:    %s\n", cfg.InputPath())
	fmt.Printf("Provider: %s (%s)\n", cfg.Provider, cfg.Model)
	if cfg.AutoClusterEnabled {
		fmt.Printf("Clusters: auto (top %d-%d, bottom up to %d)\n",
			cfg.ClusterTopMin, cfg.ClusterTopMax, cfg.ClusterBottomMax)
	} else {
		fmt.Printf("Clusters: %v\n", cfg.HierarchicalClustering.ClusterNums)
	}
	fmt.Print("Proceed? [y/N]: ")

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
