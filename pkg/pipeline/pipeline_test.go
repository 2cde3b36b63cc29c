package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echolens/echolens/pkg/config"
	"github.com/echolens/echolens/pkg/llms"
)

// scriptedProvider returns canned responses keyed on the user message.
type scriptedProvider struct {
	chatFn  func(req llms.ChatRequest) (*llms.ChatResponse, error)
	embedFn func(texts []string) ([][]float32, llms.Usage, error)
}

func (p *scriptedProvider) Chat(ctx context.Context, req llms.ChatRequest) (*llms.ChatResponse, error) {
	return p.chatFn(req)
}

func (p *scriptedProvider) Embed(ctx context.Context, texts []string, model string) ([][]float32, llms.Usage, error) {
	if p.embedFn != nil {
		return p.embedFn(texts)
	}
	return nil, llms.Usage{}, fmt.Errorf("embedding not scripted")
}

func (p *scriptedProvider) Name() string { return "scripted" }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "inputs"), 0o755))

	return &config.Config{
		Name:     "t",
		Input:    "t",
		Question: "q",
		Model:    "gpt-4o-mini",
		Provider: "openai",
		Extraction: config.ExtractionConfig{
			Prompt:  "extract opinions",
			Model:   "gpt-4o-mini",
			Workers: 2,
			Limit:   1000,
		},
		Embedding: config.EmbeddingConfig{
			Model:      "text-embedding-3-small",
			TokenLimit: 200000,
			BatchSize:  1000,
		},
		OutputDir:  "t",
		SkipStages: map[string]bool{},
		BaseDir:    base,
	}
}

func writeInputCSV(t *testing.T, cfg *config.Config, header []string, rows [][]string) {
	t.Helper()
	require.NoError(t, writeCSV(cfg.InputPath(), header, rows))
}

func opinionsJSON(opinions ...string) string {
	raw, _ := json.Marshal(map[string][]string{"extractedOpinionList": opinions})
	return string(raw)
}

func TestExtractionDeduplicatesSharedOpinions(t *testing.T) {
	cfg := testConfig(t)
	writeInputCSV(t, cfg, []string{"comment-id", "comment-body"}, [][]string{
		{"1", "dogs are great"},
		{"2", "dogs are great and cats too"},
	})

	provider := &scriptedProvider{
		chatFn: func(req llms.ChatRequest) (*llms.ChatResponse, error) {
			var text string
			switch req.Messages[1].Content {
			case "dogs are great":
				text = opinionsJSON("犬は素晴らしい")
			case "dogs are great and cats too":
				text = opinionsJSON("犬は素晴らしい", "猫も素晴らしい")
			}
			return &llms.ChatResponse{Text: text, Usage: llms.Usage{InputTokens: 5, OutputTokens: 3, TotalTokens: 8}}, nil
		},
	}

	runner, err := NewRunner(cfg, provider)
	require.NoError(t, err)
	require.NoError(t, runner.runExtraction(context.Background()))

	args, err := ReadArgs(cfg.OutputPath(ArgsFileName))
	require.NoError(t, err)
	require.Len(t, args, 2, "shared opinion must keep a single arg-id")
	assert.Equal(t, "A1_0", args[0].ArgID)
	assert.Equal(t, "A2_1", args[1].ArgID)

	relations, err := ReadRelations(cfg.OutputPath(RelationsFileName))
	require.NoError(t, err)
	require.Len(t, relations, 3)
	assert.Equal(t, Relation{ArgID: "A1_0", CommentID: "1"}, relations[0])
	assert.Equal(t, Relation{ArgID: "A1_0", CommentID: "2"}, relations[1])
	assert.Equal(t, Relation{ArgID: "A2_1", CommentID: "2"}, relations[2])

	status := runner.Status().Snapshot()
	assert.Equal(t, 16, status.TotalTokenUsage)
	assert.Equal(t, 10, status.TokenUsageInput)
}

func TestExtractionToleratesMalformedResponses(t *testing.T) {
	cfg := testConfig(t)
	writeInputCSV(t, cfg, []string{"comment-id", "comment-body"}, [][]string{
		{"1", "good comment"},
		{"2", "broken comment"},
	})

	provider := &scriptedProvider{
		chatFn: func(req llms.ChatRequest) (*llms.ChatResponse, error) {
			if req.Messages[1].Content == "broken comment" {
				return &llms.ChatResponse{Text: "not json", Usage: llms.Usage{TotalTokens: 4}}, nil
			}
			return &llms.ChatResponse{Text: opinionsJSON("valid opinion"), Usage: llms.Usage{TotalTokens: 4}}, nil
		},
	}

	runner, err := NewRunner(cfg, provider)
	require.NoError(t, err)
	require.NoError(t, runner.runExtraction(context.Background()))

	args, err := ReadArgs(cfg.OutputPath(ArgsFileName))
	require.NoError(t, err)
	require.Len(t, args, 1)

	// Usage from the malformed response still counts.
	assert.Equal(t, 8, runner.Status().Snapshot().TotalTokenUsage)
}

func TestExtractionFailsWhenNothingExtracted(t *testing.T) {
	cfg := testConfig(t)
	writeInputCSV(t, cfg, []string{"comment-id", "comment-body"}, [][]string{{"1", "x"}})

	provider := &scriptedProvider{
		chatFn: func(req llms.ChatRequest) (*llms.ChatResponse, error) {
			return &llms.ChatResponse{Text: opinionsJSON()}, nil
		},
	}

	runner, err := NewRunner(cfg, provider)
	require.NoError(t, err)
	err = runner.runExtraction(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no arguments extracted")
}

func TestEmbeddingPairsVectorsWithArgs(t *testing.T) {
	cfg := testConfig(t)
	runner, err := NewRunner(cfg, &scriptedProvider{
		embedFn: func(texts []string) ([][]float32, llms.Usage, error) {
			vectors := make([][]float32, len(texts))
			for i := range texts {
				vectors[i] = []float32{float32(i), float32(i)}
			}
			return vectors, llms.Usage{InputTokens: len(texts), TotalTokens: len(texts)}, nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, WriteArgs(cfg.OutputPath(ArgsFileName), []Argument{
		{ArgID: "A1_0", Text: "first"},
		{ArgID: "A2_0", Text: "second"},
	}))

	require.NoError(t, runner.runEmbedding(context.Background()))

	records, err := ReadEmbeddings(cfg.OutputPath(EmbeddingsFileName))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "A1_0", records[0].ArgID)
	assert.Equal(t, []float32{0, 0}, records[0].Vector)
	assert.Equal(t, "A2_0", records[1].ArgID)
}

func TestBatchByBudget(t *testing.T) {
	short := "hi"
	batches := batchByBudget([]string{short, short, short, short}, 1000, 2)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 2)

	// A token budget of 1 forces one text per batch, even though each text
	// alone exceeds it.
	batches = batchByBudget([]string{short, short}, 1, 10)
	require.Len(t, batches, 2)

	assert.Empty(t, batchByBudget(nil, 100, 10))
}

func TestTrackerResumeCarriesCompletedStages(t *testing.T) {
	path := filepath.Join(t.TempDir(), StatusFileName)

	first, err := NewTracker(path, "openai", "gpt-4o-mini", false)
	require.NoError(t, err)
	require.NoError(t, first.StartStage(config.StageExtraction))
	require.NoError(t, first.AddTokens(100, 50, 150))
	require.NoError(t, first.FinishStage(config.StageExtraction, 2*time.Second))

	resumed, err := NewTracker(path, "openai", "gpt-4o-mini", true)
	require.NoError(t, err)
	assert.True(t, resumed.IsCompleted(config.StageExtraction))
	assert.False(t, resumed.IsCompleted(config.StageEmbedding))
	assert.Equal(t, 150, resumed.Snapshot().TotalTokenUsage)

	fresh, err := NewTracker(path, "openai", "gpt-4o-mini", false)
	require.NoError(t, err)
	assert.False(t, fresh.IsCompleted(config.StageExtraction))
	assert.Zero(t, fresh.Snapshot().TotalTokenUsage)
}

func TestTrackerLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), StatusFileName)
	tracker, err := NewTracker(path, "openai", "gpt-4o-mini", false)
	require.NoError(t, err)

	require.NoError(t, tracker.StartStage(config.StageExtraction))
	require.NoError(t, tracker.SetProgress(3, 10))

	onDisk, err := ReadStatus(path)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, onDisk.Status)
	assert.Equal(t, config.StageExtraction, onDisk.CurrentJob)
	require.NotNil(t, onDisk.Progress)
	assert.Equal(t, 3, onDisk.Progress.Current)

	require.NoError(t, tracker.FinishStage(config.StageExtraction, time.Second))
	require.NoError(t, tracker.SkipStage(config.StageOverview))
	require.NoError(t, tracker.Complete())

	onDisk, err = ReadStatus(path)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, onDisk.Status)
	assert.Equal(t, "completed", onDisk.CurrentJob)
	assert.Nil(t, onDisk.Progress)
	require.Len(t, onDisk.CompletedJobs, 2)
	assert.False(t, onDisk.CompletedJobs[0].Skipped)
	assert.True(t, onDisk.CompletedJobs[1].Skipped)
}

func TestTrackerFailRecordsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), StatusFileName)
	tracker, err := NewTracker(path, "openai", "gpt-4o-mini", false)
	require.NoError(t, err)

	require.NoError(t, tracker.Fail(fmt.Errorf("stage exploded")))

	onDisk, err := ReadStatus(path)
	require.NoError(t, err)
	assert.Equal(t, StatusError, onDisk.Status)
	assert.Equal(t, "stage exploded", onDisk.Error)
}

func TestRunStageSkipPrecedence(t *testing.T) {
	cfg := testConfig(t)
	runner, err := NewRunner(cfg, &scriptedProvider{})
	require.NoError(t, err)

	calls := 0
	fn := func(ctx context.Context) error {
		calls++
		return nil
	}

	// --only on another stage skips silently, leaving no marker.
	cfg.Only = config.StageEmbedding
	require.NoError(t, runner.runStage(context.Background(), config.StageExtraction, fn))
	assert.Equal(t, 0, calls)
	assert.False(t, runner.status.IsCompleted(config.StageExtraction))
	cfg.Only = ""

	// Skip flag writes a skipped marker without running.
	cfg.SkipStages[config.StageExtraction] = true
	require.NoError(t, runner.runStage(context.Background(), config.StageExtraction, fn))
	assert.Equal(t, 0, calls)
	assert.True(t, runner.status.IsCompleted(config.StageExtraction))
	delete(cfg.SkipStages, config.StageExtraction)

	// An already-completed stage is skipped unless forced.
	require.NoError(t, runner.runStage(context.Background(), config.StageExtraction, fn))
	assert.Equal(t, 0, calls)

	cfg.Force = true
	require.NoError(t, runner.runStage(context.Background(), config.StageExtraction, fn))
	assert.Equal(t, 1, calls)
}

func TestReadCommentsValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "input.csv")
	require.NoError(t, writeCSV(path, []string{"comment-id", "comment-body", "source"}, [][]string{
		{"1", "first", "web"},
		{"2", "second", "mail"},
		{"3", "third", "web"},
	}))

	comments, err := ReadComments(path, []string{"source"}, 2)
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.Equal(t, "web", comments[0].Fields["source"])

	_, err = ReadComments(path, []string{"age"}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "age")
}

func TestAggregationBuildsResultArtifact(t *testing.T) {
	cfg := testConfig(t)
	cfg.Intro = "はじめに"
	cfg.EnableSourceLink = true

	writeInputCSV(t, cfg,
		[]string{"comment-id", "comment-body", "url", "attribute_region"},
		[][]string{
			{"1", "dogs are great", "https://example.com/1", "east"},
			{"2", "parks are dirty", "", "west"},
		})

	runner, err := NewRunner(cfg, &scriptedProvider{})
	require.NoError(t, err)

	require.NoError(t, WriteArgs(cfg.OutputPath(ArgsFileName), []Argument{
		{ArgID: "A1_0", Text: "犬は素晴らしい"},
		{ArgID: "A2_0", Text: "公園が汚い"},
	}))
	require.NoError(t, WriteRelations(cfg.OutputPath(RelationsFileName), []Relation{
		{ArgID: "A1_0", CommentID: "1"},
		{ArgID: "A2_0", CommentID: "2"},
	}))
	require.NoError(t, WriteClusters(cfg.OutputPath(ClustersFileName), []ClusterRow{
		{ArgID: "A1_0", Argument: "犬は素晴らしい", X: 0.1, Y: 0.2, ClusterIDs: []string{"1_1", "2_1"}},
		{ArgID: "A2_0", Argument: "公園が汚い", X: 0.3, Y: 0.4, ClusterIDs: []string{"1_2", "2_2"}},
	}))
	require.NoError(t, WriteMergeLabels(cfg.OutputPath(MergeLabelsFileName), []MergeLabel{
		{Level: 1, ID: "1_1", Label: "動物", Description: "動物の意見", Value: 1, Parent: "0", DensityRankPercentile: 50},
		{Level: 1, ID: "1_2", Label: "環境", Description: "環境の意見", Value: 1, Parent: "0", DensityRankPercentile: 100},
		{Level: 2, ID: "2_1", Label: "犬", Description: "犬の意見", Value: 1, Parent: "1_1", DensityRankPercentile: 50},
		{Level: 2, ID: "2_2", Label: "公園", Description: "公園の意見", Value: 1, Parent: "1_2", DensityRankPercentile: 100},
	}))
	require.NoError(t, os.WriteFile(cfg.OutputPath(OverviewFileName), []byte("全体の要約"), 0o644))

	require.NoError(t, runner.runAggregation(context.Background()))

	raw, err := os.ReadFile(cfg.OutputPath(ResultFileName))
	require.NoError(t, err)

	var result Result
	require.NoError(t, json.Unmarshal(raw, &result))

	require.Len(t, result.Arguments, 2)
	assert.Equal(t, []string{"0", "1_1", "2_1"}, result.Arguments[0].ClusterIDs)
	require.NotNil(t, result.Arguments[0].URL)
	assert.Equal(t, "https://example.com/1", *result.Arguments[0].URL)
	assert.Equal(t, "east", result.Arguments[0].Attributes["region"])
	assert.Nil(t, result.Arguments[1].URL)

	require.Len(t, result.Clusters, 5)
	root := result.Clusters[0]
	assert.Equal(t, 0, root.Level)
	assert.Equal(t, "0", root.ID)
	assert.Equal(t, "全体", root.Label)
	assert.Equal(t, 2, root.Value)
	assert.Empty(t, root.Parent)

	assert.Equal(t, 2, result.CommentNum)
	assert.Equal(t, "全体の要約", result.Overview)
	assert.Contains(t, result.Config.Intro, "はじめに")
	assert.Contains(t, result.Config.Intro, "2件")
}

func TestAggregationRejectsUnknownPropertyColumn(t *testing.T) {
	cfg := testConfig(t)
	cfg.HierarchicalAggregation.HiddenProperties = map[string][]string{"missing": nil}

	writeInputCSV(t, cfg, []string{"comment-id", "comment-body"}, [][]string{{"1", "x"}})

	runner, err := NewRunner(cfg, &scriptedProvider{})
	require.NoError(t, err)

	require.NoError(t, WriteArgs(cfg.OutputPath(ArgsFileName), []Argument{{ArgID: "A1_0", Text: "x"}}))
	require.NoError(t, WriteRelations(cfg.OutputPath(RelationsFileName), []Relation{{ArgID: "A1_0", CommentID: "1"}}))
	require.NoError(t, WriteClusters(cfg.OutputPath(ClustersFileName), []ClusterRow{
		{ArgID: "A1_0", Argument: "x", ClusterIDs: []string{"1_1"}},
	}))
	require.NoError(t, WriteMergeLabels(cfg.OutputPath(MergeLabelsFileName), []MergeLabel{
		{Level: 1, ID: "1_1", Label: "l", Value: 1, Parent: "0"},
	}))
	require.NoError(t, os.WriteFile(cfg.OutputPath(OverviewFileName), []byte("o"), 0o644))

	err = runner.runAggregation(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestPubcomCSVJoinsRelations(t *testing.T) {
	cfg := testConfig(t)
	cfg.IsPubcom = true

	writeInputCSV(t, cfg,
		[]string{"comment-id", "comment-body", "source"},
		[][]string{{"1", "original text", "web"}})

	runner, err := NewRunner(cfg, &scriptedProvider{})
	require.NoError(t, err)

	require.NoError(t, WriteArgs(cfg.OutputPath(ArgsFileName), []Argument{{ArgID: "A1_0", Text: "opinion"}}))
	require.NoError(t, WriteRelations(cfg.OutputPath(RelationsFileName), []Relation{{ArgID: "A1_0", CommentID: "1"}}))
	require.NoError(t, WriteClusters(cfg.OutputPath(ClustersFileName), []ClusterRow{
		{ArgID: "A1_0", Argument: "opinion", ClusterIDs: []string{"1_1"}},
	}))
	require.NoError(t, WriteMergeLabels(cfg.OutputPath(MergeLabelsFileName), []MergeLabel{
		{Level: 1, ID: "1_1", Label: "テーマ", Value: 1, Parent: "0"},
	}))
	require.NoError(t, os.WriteFile(cfg.OutputPath(OverviewFileName), []byte("o"), 0o644))

	require.NoError(t, runner.runAggregation(context.Background()))

	rows, header, err := readCSV(cfg.OutputPath(PubcomFileName))
	require.NoError(t, err)
	assert.Equal(t, []string{"comment-id", "original-comment", "arg_id", "argument", "category_id", "category", "source"}, header)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"1", "original text", "A1_0", "opinion", "1_1", "テーマ"}, rows[0][:6])
	assert.Equal(t, "web", rows[0][6])
}
