package pipeline

import (
	"context"
	"fmt"

	"github.com/echolens/echolens/pkg/llms"
)

// runEmbedding embeds every argument and stores (arg-id, vector) pairs.
// Remote providers get inputs batched under both the token cap and the item
// cap; a local embedding server takes everything in one request.
func (r *Runner) runEmbedding(ctx context.Context) error {
	args, err := ReadArgs(r.cfg.OutputPath(ArgsFileName))
	if err != nil {
		return err
	}

	texts := make([]string, len(args))
	for i, a := range args {
		texts[i] = a.Text
	}

	var batches [][]string
	if r.cfg.IsEmbeddedAtLocal {
		batches = [][]string{texts}
	} else {
		batches = batchByBudget(texts, r.cfg.Embedding.TokenLimit, r.cfg.Embedding.BatchSize)
	}

	records := make([]EmbeddingRecord, 0, len(args))
	var usage llms.Usage
	pos := 0
	for _, batch := range batches {
		vectors, batchUsage, err := r.embedder.Embed(ctx, batch, r.cfg.Embedding.Model)
		if err != nil {
			return fmt.Errorf("embedding request failed: %w", err)
		}
		usage.Add(batchUsage)
		for _, vector := range vectors {
			records = append(records, EmbeddingRecord{ArgID: args[pos].ArgID, Vector: vector})
			pos++
		}
	}
	if pos != len(args) {
		return fmt.Errorf("embedded %d of %d arguments", pos, len(args))
	}
	r.status.AddTokens(usage.InputTokens, usage.OutputTokens, usage.TotalTokens)

	return WriteEmbeddings(r.cfg.OutputPath(EmbeddingsFileName), records)
}

// batchByBudget greedily packs texts into batches closed by whichever cap
// fills first: cumulative token count or item count. A single oversized text
// still gets its own batch.
func batchByBudget(texts []string, tokenLimit, itemLimit int) [][]string {
	var batches [][]string
	var current []string
	currentTokens := 0

	for _, text := range texts {
		tokens := llms.CountTokens(text)
		if len(current) > 0 && (currentTokens+tokens > tokenLimit || len(current) >= itemLimit) {
			batches = append(batches, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, text)
		currentTokens += tokens
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}
