package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/echolens/echolens/pkg/cluster"
)

// clusteringSeed fixes the projection and k-means randomness so repeated
// runs over the same corpus produce the same layout.
const clusteringSeed = 42

// runClustering projects embeddings to 2D and assigns every argument a
// cluster id per level. In auto mode the level counts come from a
// silhouette sweep whose full result is persisted alongside the status.
func (r *Runner) runClustering(ctx context.Context) error {
	args, err := ReadArgs(r.cfg.OutputPath(ArgsFileName))
	if err != nil {
		return err
	}
	records, err := ReadEmbeddings(r.cfg.OutputPath(EmbeddingsFileName))
	if err != nil {
		return err
	}
	if len(records) != len(args) {
		return fmt.Errorf("have %d embeddings for %d arguments", len(records), len(args))
	}

	vectorByID := make(map[string][]float32, len(records))
	for _, rec := range records {
		vectorByID[rec.ArgID] = rec.Vector
	}
	embeddings := make([][]float32, len(args))
	for i, a := range args {
		vector, ok := vectorByID[a.ArgID]
		if !ok {
			return fmt.Errorf("no embedding for argument %s", a.ArgID)
		}
		embeddings[i] = vector
	}

	points, err := cluster.Project(embeddings, cluster.DefaultNeighbors(len(embeddings)), clusteringSeed)
	if err != nil {
		return fmt.Errorf("projection failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	clusterNums := r.cfg.HierarchicalClustering.ClusterNums
	if r.cfg.AutoClusterEnabled {
		result := cluster.AutoTune(points, r.cfg.ClusterTopMin, r.cfg.ClusterTopMax, r.cfg.ClusterBottomMax, clusteringSeed)
		if err := r.writeAutoClusterResult(result); err != nil {
			return err
		}
		r.status.SetAutoClusterResult(result)
		clusterNums, err = result.ClusterNums()
		if err != nil {
			return err
		}
	}

	levels, err := cluster.BuildLevels(points, clusterNums, clusteringSeed)
	if err != nil {
		return err
	}

	rows := make([]ClusterRow, len(args))
	for i, a := range args {
		ids := make([]string, len(levels))
		for lv, level := range levels {
			ids[lv] = cluster.ClusterID(lv+1, level.Labels[i])
		}
		rows[i] = ClusterRow{
			ArgID:      a.ArgID,
			Argument:   a.Text,
			X:          points[i].X,
			Y:          points[i].Y,
			ClusterIDs: ids,
		}
	}
	return WriteClusters(r.cfg.OutputPath(ClustersFileName), rows)
}

func (r *Runner) writeAutoClusterResult(result *cluster.AutoTuneResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode auto cluster result: %w", err)
	}
	return os.WriteFile(r.cfg.OutputPath(AutoClusterFileName), data, 0o644)
}
