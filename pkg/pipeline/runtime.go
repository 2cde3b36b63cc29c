package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/echolens/echolens/pkg/config"
	"github.com/echolens/echolens/pkg/llms"
)

// Runner drives the stage sequence for one report. Stages run strictly in
// order; a stage error stops the pipeline and is recorded in the status
// file before the error is returned.
type Runner struct {
	cfg      *config.Config
	provider llms.Provider
	embedder llms.Provider
	status   *Tracker
}

func NewRunner(cfg *config.Config, provider llms.Provider) (*Runner, error) {
	if err := os.MkdirAll(cfg.OutputRoot(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	tracker, err := NewTracker(cfg.OutputPath(StatusFileName), cfg.Provider, cfg.Model, !cfg.Force)
	if err != nil {
		return nil, err
	}

	embedder := provider
	if cfg.IsEmbeddedAtLocal {
		embedder = llms.NewLocal(cfg.LocalLLMAddress)
	}
	return &Runner{cfg: cfg, provider: provider, embedder: embedder, status: tracker}, nil
}

// Status exposes the tracker, mainly for tests and the CLI summary.
func (r *Runner) Status() *Tracker {
	return r.status
}

type stageFunc func(ctx context.Context) error

// Run executes every stage. Skip decisions, in precedence order: --only
// runs one stage and skips the rest silently; a stage completed in a
// previous run is skipped unless --force; a skip flag writes a skipped
// marker.
func (r *Runner) Run(ctx context.Context) error {
	fns := map[string]stageFunc{
		config.StageExtraction:       r.runExtraction,
		config.StageEmbedding:        r.runEmbedding,
		config.StageClustering:       r.runClustering,
		config.StageInitialLabelling: r.runInitialLabelling,
		config.StageMergeLabelling:   r.runMergeLabelling,
		config.StageOverview:         r.runOverview,
		config.StageAggregation:      r.runAggregation,
		config.StageVisualization:    r.runVisualization,
	}

	for _, name := range config.StageOrder {
		if err := r.runStage(ctx, name, fns[name]); err != nil {
			r.status.Fail(err)
			return fmt.Errorf("stage %s failed: %w", name, err)
		}
	}
	return r.status.Complete()
}

func (r *Runner) runStage(ctx context.Context, name string, fn stageFunc) error {
	if r.cfg.Only != "" && r.cfg.Only != name {
		slog.Debug("stage not selected, skipping", "stage", name)
		return nil
	}
	if !r.cfg.Force && r.cfg.Only == "" && r.status.IsCompleted(name) {
		slog.Info("stage already completed, skipping", "stage", name)
		return nil
	}
	if r.cfg.SkipStages[name] {
		slog.Info("stage skipped by config", "stage", name)
		return r.status.SkipStage(name)
	}

	if err := r.status.StartStage(name); err != nil {
		return err
	}
	slog.Info("stage started", "stage", name)
	start := time.Now()

	if err := fn(ctx); err != nil {
		return err
	}

	elapsed := time.Since(start)
	slog.Info("stage finished", "stage", name, "duration", elapsed)
	return r.status.FinishStage(name, elapsed)
}
