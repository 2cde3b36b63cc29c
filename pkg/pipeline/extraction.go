package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/echolens/echolens/pkg/llms"
	"github.com/echolens/echolens/pkg/workerpool"
)

// extractionResponse is the structured output requested from the model for
// each comment.
type extractionResponse struct {
	ExtractedOpinionList []string `json:"extractedOpinionList" jsonschema:"description=List of extracted opinions"`
}

type extractionResult struct {
	Opinions []string
	Usage    llms.Usage
}

// runExtraction turns each comment into zero or more atomic arguments. The
// same argument text appearing under several comments keeps a single arg-id;
// the relation table records every comment it came from.
func (r *Runner) runExtraction(ctx context.Context) error {
	cfg := r.cfg.Extraction
	comments, err := ReadComments(r.cfg.InputPath(), cfg.Properties, cfg.Limit)
	if err != nil {
		return err
	}
	r.status.SetProgress(0, len(comments))

	schema := llms.SchemaFor[extractionResponse]()
	results := workerpool.Map(ctx, comments, workerpool.Options{
		Workers: cfg.Workers,
		OnProgress: func(done, total int) {
			r.status.SetProgress(done, total)
		},
	}, func(taskCtx context.Context, comment Comment) (extractionResult, error) {
		resp, err := r.provider.Chat(taskCtx, llms.ChatRequest{
			Model: cfg.Model,
			Messages: []llms.Message{
				{Role: llms.RoleSystem, Content: cfg.Prompt},
				{Role: llms.RoleUser, Content: comment.Body},
			},
			Schema: schema,
		})
		if err != nil {
			return extractionResult{}, err
		}

		var parsed extractionResponse
		if err := llms.DecodeJSON(resp.Text, &parsed); err != nil {
			// Malformed output downgrades this comment to no arguments.
			slog.Warn("unparseable extraction response", "comment_id", comment.ID, "error", err)
			return extractionResult{Usage: resp.Usage}, nil
		}

		opinions := make([]string, 0, len(parsed.ExtractedOpinionList))
		for _, op := range parsed.ExtractedOpinionList {
			if strings.TrimSpace(op) != "" {
				opinions = append(opinions, op)
			}
		}
		return extractionResult{Opinions: opinions, Usage: resp.Usage}, nil
	})

	var usage llms.Usage
	argIDByText := map[string]string{}
	var args []Argument
	var relations []Relation
	for i, result := range results {
		usage.Add(result.Usage)
		commentID := comments[i].ID
		for j, text := range result.Opinions {
			argID, exists := argIDByText[text]
			if !exists {
				argID = fmt.Sprintf("A%s_%d", commentID, j)
				argIDByText[text] = argID
				args = append(args, Argument{ArgID: argID, Text: text})
			}
			relations = append(relations, Relation{ArgID: argID, CommentID: commentID})
		}
	}
	r.status.AddTokens(usage.InputTokens, usage.OutputTokens, usage.TotalTokens)

	if len(args) == 0 {
		return fmt.Errorf("no arguments extracted, check the extraction prompt")
	}

	if len(cfg.Categories) > 0 {
		if err := r.classifyArguments(ctx, args); err != nil {
			return err
		}
	}

	if err := WriteArgs(r.cfg.OutputPath(ArgsFileName), args); err != nil {
		return err
	}
	return WriteRelations(r.cfg.OutputPath(RelationsFileName), relations)
}

type classificationResponse struct {
	Category string `json:"category" jsonschema:"description=The single best matching category"`
}

// classifyArguments annotates every argument with one value per configured
// category via additional LLM calls. A failed classification leaves the
// category empty for that argument.
func (r *Runner) classifyArguments(ctx context.Context, args []Argument) error {
	cfg := r.cfg.Extraction

	categories := make([]string, 0, len(cfg.Categories))
	for name := range cfg.Categories {
		categories = append(categories, name)
	}
	sort.Strings(categories)

	schema := llms.SchemaFor[classificationResponse]()
	for _, category := range categories {
		values := cfg.Categories[category]
		prompt := fmt.Sprintf(
			"Classify the opinion into exactly one of the following %s categories: %s. Answer with the category only.",
			category, strings.Join(values, ", "),
		)

		results := workerpool.Map(ctx, args, workerpool.Options{
			Workers: cfg.Workers,
		}, func(taskCtx context.Context, arg Argument) (extractionResult, error) {
			resp, err := r.provider.Chat(taskCtx, llms.ChatRequest{
				Model: cfg.Model,
				Messages: []llms.Message{
					{Role: llms.RoleSystem, Content: prompt},
					{Role: llms.RoleUser, Content: arg.Text},
				},
				Schema: schema,
			})
			if err != nil {
				return extractionResult{}, err
			}
			var parsed classificationResponse
			if err := llms.DecodeJSON(resp.Text, &parsed); err != nil {
				slog.Warn("unparseable classification response", "arg_id", arg.ArgID, "error", err)
				return extractionResult{Usage: resp.Usage}, nil
			}
			return extractionResult{Opinions: []string{parsed.Category}, Usage: resp.Usage}, nil
		})

		var usage llms.Usage
		for i, result := range results {
			usage.Add(result.Usage)
			if args[i].Categories == nil {
				args[i].Categories = map[string]string{}
			}
			if len(result.Opinions) > 0 {
				args[i].Categories[category] = result.Opinions[0]
			} else {
				args[i].Categories[category] = ""
			}
		}
		r.status.AddTokens(usage.InputTokens, usage.OutputTokens, usage.TotalTokens)
	}
	return nil
}
