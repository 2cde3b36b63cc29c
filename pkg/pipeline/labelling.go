package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/echolens/echolens/pkg/llms"
	"github.com/echolens/echolens/pkg/workerpool"
)

// labelResponse is the structured output for both labelling passes.
type labelResponse struct {
	Label       string `json:"label" jsonschema:"description=Short cluster title"`
	Description string `json:"description" jsonschema:"description=A few sentences describing the cluster"`
}

type labelResult struct {
	Label       string
	Description string
	Usage       llms.Usage
}

// clusterGroup collects the member rows of one cluster id at one level.
type clusterGroup struct {
	id      string
	members []ClusterRow
}

// groupByLevel returns each level's clusters in order of first appearance.
func groupByLevel(rows []ClusterRow, level int) []clusterGroup {
	index := map[string]int{}
	var groups []clusterGroup
	for _, row := range rows {
		id := row.ClusterIDs[level]
		i, ok := index[id]
		if !ok {
			i = len(groups)
			index[id] = i
			groups = append(groups, clusterGroup{id: id})
		}
		groups[i].members = append(groups[i].members, row)
	}
	return groups
}

// runInitialLabelling labels every deepest-level cluster from a sample of
// its member arguments.
func (r *Runner) runInitialLabelling(ctx context.Context) error {
	cfg := r.cfg.InitialLabelling
	rows, err := ReadClusters(r.cfg.OutputPath(ClustersFileName))
	if err != nil {
		return err
	}

	deepest := len(rows[0].ClusterIDs) - 1
	groups := groupByLevel(rows, deepest)
	schema := llms.SchemaFor[labelResponse]()

	results := workerpool.Map(ctx, groups, workerpool.Options{
		Workers: cfg.Workers,
		OnProgress: func(done, total int) {
			r.status.SetProgress(done, total)
		},
	}, func(taskCtx context.Context, group clusterGroup) (labelResult, error) {
		sample := group.members
		if len(sample) > cfg.SamplingNum {
			sample = sample[:cfg.SamplingNum]
		}
		var input strings.Builder
		for _, row := range sample {
			fmt.Fprintf(&input, "* %s\n", row.Argument)
		}

		resp, err := r.provider.Chat(taskCtx, llms.ChatRequest{
			Model: cfg.Model,
			Messages: []llms.Message{
				{Role: llms.RoleSystem, Content: cfg.Prompt},
				{Role: llms.RoleUser, Content: input.String()},
			},
			Schema: schema,
		})
		if err != nil {
			return labelResult{}, err
		}
		var parsed labelResponse
		if err := llms.DecodeJSON(resp.Text, &parsed); err != nil {
			slog.Warn("unparseable label response", "cluster", group.id, "error", err)
			return labelResult{Usage: resp.Usage}, nil
		}
		return labelResult{Label: parsed.Label, Description: parsed.Description, Usage: resp.Usage}, nil
	})

	var usage llms.Usage
	labels := make([]InitialLabel, len(groups))
	for i, result := range results {
		usage.Add(result.Usage)
		labels[i] = InitialLabel{ID: groups[i].id, Label: result.Label, Description: result.Description}
	}
	r.status.AddTokens(usage.InputTokens, usage.OutputTokens, usage.TotalTokens)

	return WriteInitialLabels(r.cfg.OutputPath(InitialLabelsFileName), labels)
}

// runMergeLabelling produces the final label table: the deepest level takes
// the initial labels as-is, each coarser level is labelled by merging its
// children's labels, and every cluster gets a density ranking within its
// level.
func (r *Runner) runMergeLabelling(ctx context.Context) error {
	cfg := r.cfg.MergeLabelling
	rows, err := ReadClusters(r.cfg.OutputPath(ClustersFileName))
	if err != nil {
		return err
	}
	initial, err := ReadInitialLabels(r.cfg.OutputPath(InitialLabelsFileName))
	if err != nil {
		return err
	}

	levelCount := len(rows[0].ClusterIDs)
	labelByID := make(map[string]labelResponse, len(initial))
	for _, l := range initial {
		labelByID[l.ID] = labelResponse{Label: l.Label, Description: l.Description}
	}

	schema := llms.SchemaFor[labelResponse]()

	// Walk from the second-deepest level up so children are always labelled
	// before their parents.
	for level := levelCount - 2; level >= 0; level-- {
		groups := groupByLevel(rows, level)

		results := workerpool.Map(ctx, groups, workerpool.Options{
			Workers: cfg.Workers,
		}, func(taskCtx context.Context, group clusterGroup) (labelResult, error) {
			var input strings.Builder
			for _, childID := range childClusterIDs(group.members, level+1) {
				child := labelByID[childID]
				fmt.Fprintf(&input, "# %s\n\n%s\n\n", child.Label, child.Description)
			}

			resp, err := r.provider.Chat(taskCtx, llms.ChatRequest{
				Model: cfg.Model,
				Messages: []llms.Message{
					{Role: llms.RoleSystem, Content: cfg.Prompt},
					{Role: llms.RoleUser, Content: input.String()},
				},
				Schema: schema,
			})
			if err != nil {
				return labelResult{}, err
			}
			var parsed labelResponse
			if err := llms.DecodeJSON(resp.Text, &parsed); err != nil {
				slog.Warn("unparseable merge label response", "cluster", group.id, "error", err)
				return labelResult{Usage: resp.Usage}, nil
			}
			return labelResult{Label: parsed.Label, Description: parsed.Description, Usage: resp.Usage}, nil
		})

		var usage llms.Usage
		for i, result := range results {
			usage.Add(result.Usage)
			labelByID[groups[i].id] = labelResponse{Label: result.Label, Description: result.Description}
		}
		r.status.AddTokens(usage.InputTokens, usage.OutputTokens, usage.TotalTokens)
	}

	var merged []MergeLabel
	for level := 0; level < levelCount; level++ {
		groups := groupByLevel(rows, level)
		densities := make([]float64, len(groups))
		for i, group := range groups {
			densities[i] = clusterDensity(group.members)
		}
		ranks := rankDescending(densities)

		for i, group := range groups {
			label := labelByID[group.id]
			parent := "0"
			if level > 0 {
				parent = group.members[0].ClusterIDs[level-1]
			}
			merged = append(merged, MergeLabel{
				Level:                 level + 1,
				ID:                    group.id,
				Label:                 label.Label,
				Description:           label.Description,
				Value:                 len(group.members),
				Parent:                parent,
				Density:               densities[i],
				DensityRank:           ranks[i],
				DensityRankPercentile: float64(ranks[i]) / float64(len(groups)) * 100,
			})
		}
	}

	return WriteMergeLabels(r.cfg.OutputPath(MergeLabelsFileName), merged)
}

// childClusterIDs lists the distinct ids at childLevel among members, in
// order of first appearance.
func childClusterIDs(members []ClusterRow, childLevel int) []string {
	seen := map[string]bool{}
	var ids []string
	for _, m := range members {
		id := m.ClusterIDs[childLevel]
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// clusterDensity measures compactness as the inverse of the mean distance
// to the cluster centroid. Tighter clusters score higher.
func clusterDensity(members []ClusterRow) float64 {
	var cx, cy float64
	for _, m := range members {
		cx += m.X
		cy += m.Y
	}
	cx /= float64(len(members))
	cy /= float64(len(members))

	var total float64
	for _, m := range members {
		total += math.Hypot(m.X-cx, m.Y-cy)
	}
	mean := total / float64(len(members))
	return 1 / (1 + mean)
}

// rankDescending assigns rank 1 to the largest value.
func rankDescending(values []float64) []int {
	order := make([]int, len(values))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return values[order[a]] > values[order[b]]
	})
	ranks := make([]int, len(values))
	for rank, i := range order {
		ranks[i] = rank + 1
	}
	return ranks
}
