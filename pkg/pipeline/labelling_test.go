package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echolens/echolens/pkg/llms"
)

func labelJSON(label, description string) string {
	raw, _ := json.Marshal(map[string]string{"label": label, "description": description})
	return string(raw)
}

func twoLevelClusters() []ClusterRow {
	return []ClusterRow{
		{ArgID: "A1_0", Argument: "犬が好き", X: 0, Y: 0, ClusterIDs: []string{"1_1", "2_1"}},
		{ArgID: "A2_0", Argument: "猫が好き", X: 0.1, Y: 0, ClusterIDs: []string{"1_1", "2_2"}},
		{ArgID: "A3_0", Argument: "公園が汚い", X: 5, Y: 5, ClusterIDs: []string{"1_2", "2_3"}},
		{ArgID: "A4_0", Argument: "道路が狭い", X: 9, Y: 9, ClusterIDs: []string{"1_2", "2_4"}},
	}
}

func TestInitialLabellingLabelsDeepestLevel(t *testing.T) {
	cfg := testConfig(t)
	cfg.InitialLabelling.SamplingNum = 30
	cfg.InitialLabelling.Workers = 2

	provider := &scriptedProvider{
		chatFn: func(req llms.ChatRequest) (*llms.ChatResponse, error) {
			first := strings.SplitN(strings.TrimPrefix(req.Messages[1].Content, "* "), "\n", 2)[0]
			return &llms.ChatResponse{
				Text:  labelJSON("L:"+first, "D:"+first),
				Usage: llms.Usage{TotalTokens: 2},
			}, nil
		},
	}

	runner, err := NewRunner(cfg, provider)
	require.NoError(t, err)
	require.NoError(t, WriteClusters(cfg.OutputPath(ClustersFileName), twoLevelClusters()))

	require.NoError(t, runner.runInitialLabelling(context.Background()))

	labels, err := ReadInitialLabels(cfg.OutputPath(InitialLabelsFileName))
	require.NoError(t, err)
	require.Len(t, labels, 4, "one label per deepest-level cluster")
	assert.Equal(t, "2_1", labels[0].ID)
	assert.Equal(t, "L:犬が好き", labels[0].Label)
	assert.Equal(t, "2_4", labels[3].ID)
	assert.Equal(t, 8, runner.Status().Snapshot().TotalTokenUsage)
}

func TestMergeLabellingBuildsFullTable(t *testing.T) {
	cfg := testConfig(t)
	cfg.MergeLabelling.Workers = 1

	var mergeInputs []string
	provider := &scriptedProvider{
		chatFn: func(req llms.ChatRequest) (*llms.ChatResponse, error) {
			mergeInputs = append(mergeInputs, req.Messages[1].Content)
			return &llms.ChatResponse{
				Text:  labelJSON("merged", "merged description"),
				Usage: llms.Usage{TotalTokens: 3},
			}, nil
		},
	}

	runner, err := NewRunner(cfg, provider)
	require.NoError(t, err)
	require.NoError(t, WriteClusters(cfg.OutputPath(ClustersFileName), twoLevelClusters()))
	require.NoError(t, WriteInitialLabels(cfg.OutputPath(InitialLabelsFileName), []InitialLabel{
		{ID: "2_1", Label: "犬", Description: "犬の話"},
		{ID: "2_2", Label: "猫", Description: "猫の話"},
		{ID: "2_3", Label: "公園", Description: "公園の話"},
		{ID: "2_4", Label: "道路", Description: "道路の話"},
	}))

	require.NoError(t, runner.runMergeLabelling(context.Background()))

	// Level 1 has two clusters, so two merge calls; each prompt carries the
	// children's labels.
	require.Len(t, mergeInputs, 2)
	assert.Contains(t, mergeInputs[0], "# 犬")
	assert.Contains(t, mergeInputs[0], "# 猫")
	assert.Contains(t, mergeInputs[1], "# 公園")

	labels, err := ReadMergeLabels(cfg.OutputPath(MergeLabelsFileName))
	require.NoError(t, err)
	require.Len(t, labels, 6)

	byID := map[string]MergeLabel{}
	for _, l := range labels {
		byID[l.ID] = l
	}

	assert.Equal(t, 1, byID["1_1"].Level)
	assert.Equal(t, "merged", byID["1_1"].Label)
	assert.Equal(t, "0", byID["1_1"].Parent)
	assert.Equal(t, 2, byID["1_1"].Value)

	assert.Equal(t, 2, byID["2_1"].Level)
	assert.Equal(t, "犬", byID["2_1"].Label, "deepest level keeps initial labels")
	assert.Equal(t, "1_1", byID["2_1"].Parent)
	assert.Equal(t, 1, byID["2_1"].Value)

	// 1_1's members sit within 0.1 of each other, 1_2's are 5.6 apart, so
	// 1_1 is the denser level-1 cluster.
	assert.Equal(t, 1, byID["1_1"].DensityRank)
	assert.Equal(t, 2, byID["1_2"].DensityRank)
	assert.Equal(t, float64(50), byID["1_1"].DensityRankPercentile)
	assert.Equal(t, float64(100), byID["1_2"].DensityRankPercentile)
}

func TestClusteringAssignsNestedIDs(t *testing.T) {
	cfg := testConfig(t)
	cfg.HierarchicalClustering.ClusterNums = []int{2, 4}

	runner, err := NewRunner(cfg, &scriptedProvider{})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	args := make([]Argument, 12)
	records := make([]EmbeddingRecord, 12)
	for i := range args {
		id := fmt.Sprintf("A%d_0", i+1)
		args[i] = Argument{ArgID: id, Text: fmt.Sprintf("opinion %d", i+1)}
		base := float32(0)
		if i >= 6 {
			base = 10
		}
		vec := make([]float32, 4)
		for j := range vec {
			vec[j] = base + float32(rng.NormFloat64())*0.3
		}
		records[i] = EmbeddingRecord{ArgID: id, Vector: vec}
	}
	require.NoError(t, WriteArgs(cfg.OutputPath(ArgsFileName), args))
	require.NoError(t, WriteEmbeddings(cfg.OutputPath(EmbeddingsFileName), records))

	require.NoError(t, runner.runClustering(context.Background()))

	rows, err := ReadClusters(cfg.OutputPath(ClustersFileName))
	require.NoError(t, err)
	require.Len(t, rows, 12)
	for _, row := range rows {
		require.Len(t, row.ClusterIDs, 2)
		assert.True(t, strings.HasPrefix(row.ClusterIDs[0], "1_"))
		assert.True(t, strings.HasPrefix(row.ClusterIDs[1], "2_"))
	}

	// Deterministic: a second run yields identical assignments.
	require.NoError(t, runner.runClustering(context.Background()))
	again, err := ReadClusters(cfg.OutputPath(ClustersFileName))
	require.NoError(t, err)
	assert.Equal(t, rows, again)
}

func TestClusteringRejectsMissingEmbedding(t *testing.T) {
	cfg := testConfig(t)
	cfg.HierarchicalClustering.ClusterNums = []int{2}

	runner, err := NewRunner(cfg, &scriptedProvider{})
	require.NoError(t, err)

	require.NoError(t, WriteArgs(cfg.OutputPath(ArgsFileName), []Argument{
		{ArgID: "A1_0", Text: "a"},
		{ArgID: "A2_0", Text: "b"},
	}))
	require.NoError(t, WriteEmbeddings(cfg.OutputPath(EmbeddingsFileName), []EmbeddingRecord{
		{ArgID: "A1_0", Vector: []float32{1, 2}},
		{ArgID: "A9_9", Vector: []float32{3, 4}},
	}))

	err = runner.runClustering(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "A2_0")
}

func TestGroupByLevelPreservesFirstAppearance(t *testing.T) {
	groups := groupByLevel(twoLevelClusters(), 0)
	require.Len(t, groups, 2)
	assert.Equal(t, "1_1", groups[0].id)
	assert.Equal(t, "1_2", groups[1].id)
	assert.Len(t, groups[0].members, 2)
}

func TestRankDescending(t *testing.T) {
	assert.Equal(t, []int{2, 1, 3}, rankDescending([]float64{0.5, 0.9, 0.1}))
	assert.Equal(t, []int{1}, rankDescending([]float64{1}))
}
