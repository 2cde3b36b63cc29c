package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/echolens/echolens/pkg/llms"
)

// overviewPlaceholder is written when the overview is configured off.
const overviewPlaceholder = "（説明は省略されています）"

type overviewResponse struct {
	Summary string `json:"summary" jsonschema:"description=Overall summary of the clusters"`
}

// runOverview asks the model for a single paragraph summarising the
// top-level clusters.
func (r *Runner) runOverview(ctx context.Context) error {
	cfg := r.cfg.Overview
	path := r.cfg.OutputPath(OverviewFileName)

	if cfg.Skip {
		return os.WriteFile(path, []byte(overviewPlaceholder), 0o644)
	}

	labels, err := ReadMergeLabels(r.cfg.OutputPath(MergeLabelsFileName))
	if err != nil {
		return err
	}
	var top []MergeLabel
	for _, l := range labels {
		if l.Level == 1 {
			top = append(top, l)
		}
	}
	if len(top) == 0 {
		return fmt.Errorf("no top-level cluster labels found")
	}

	var input strings.Builder
	for i, l := range top {
		fmt.Fprintf(&input, "# Cluster %d/%d: %s\n\n%s\n\n", i, len(top), l.Label, l.Description)
	}

	resp, err := r.provider.Chat(ctx, llms.ChatRequest{
		Model: cfg.Model,
		Messages: []llms.Message{
			{Role: llms.RoleSystem, Content: cfg.Prompt},
			{Role: llms.RoleUser, Content: input.String()},
		},
		Schema: llms.SchemaFor[overviewResponse](),
	})
	if err != nil {
		return err
	}
	r.status.AddTokens(resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.Usage.TotalTokens)

	var parsed overviewResponse
	overview := ""
	if err := llms.DecodeJSON(resp.Text, &parsed); err == nil && parsed.Summary != "" {
		overview = parsed.Summary
	} else {
		// Fall back to the raw text with reasoning wrappers removed.
		overview = llms.StripReasoning(resp.Text)
	}
	return os.WriteFile(path, []byte(overview), 0o644)
}
