package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/echolens/echolens/pkg/config"
)

const attributePrefix = "attribute_"

// ResultArgument is one argument entry of the aggregated artifact.
type ResultArgument struct {
	ArgID      string         `json:"arg_id"`
	Argument   string         `json:"argument"`
	X          float64        `json:"x"`
	Y          float64        `json:"y"`
	P          float64        `json:"p"`
	ClusterIDs []string       `json:"cluster_ids"`
	Attributes map[string]any `json:"attributes"`
	URL        *string        `json:"url"`
}

// ResultCluster is one cluster entry, including the synthetic root.
type ResultCluster struct {
	Level                 int     `json:"level"`
	ID                    string  `json:"id"`
	Label                 string  `json:"label"`
	Takeaway              string  `json:"takeaway"`
	Value                 int     `json:"value"`
	Parent                string  `json:"parent"`
	DensityRankPercentile float64 `json:"density_rank_percentile"`
}

// Result is the final report artifact consumed by the presentation tier.
type Result struct {
	Arguments    []ResultArgument          `json:"arguments"`
	Clusters     []ResultCluster           `json:"clusters"`
	Comments     map[string]any            `json:"comments"`
	CommentNum   int                       `json:"comment_num"`
	PropertyMap  map[string]map[string]any `json:"propertyMap"`
	Translations map[string]any            `json:"translations"`
	Overview     string                    `json:"overview"`
	Config       *config.Config            `json:"config"`
}

// runAggregation joins every stage output into hierarchical_result.json,
// and, for public-comment reports, a flattened per-comment CSV.
func (r *Runner) runAggregation(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	args, err := ReadArgs(r.cfg.OutputPath(ArgsFileName))
	if err != nil {
		return err
	}
	relations, err := ReadRelations(r.cfg.OutputPath(RelationsFileName))
	if err != nil {
		return err
	}
	clusters, err := ReadClusters(r.cfg.OutputPath(ClustersFileName))
	if err != nil {
		return err
	}
	labels, err := ReadMergeLabels(r.cfg.OutputPath(MergeLabelsFileName))
	if err != nil {
		return err
	}
	comments, err := ReadComments(r.cfg.InputPath(), nil, 0)
	if err != nil {
		return err
	}
	overviewRaw, err := os.ReadFile(r.cfg.OutputPath(OverviewFileName))
	if err != nil {
		return err
	}

	commentByID := make(map[string]Comment, len(comments))
	for _, c := range comments {
		commentByID[c.ID] = c
	}
	// First relation wins when an argument maps to several comments.
	commentIDByArg := make(map[string]string, len(relations))
	for _, rel := range relations {
		if _, ok := commentIDByArg[rel.ArgID]; !ok {
			commentIDByArg[rel.ArgID] = rel.CommentID
		}
	}

	attributeColumns := collectAttributeColumns(comments)

	result := &Result{
		Comments:     map[string]any{},
		CommentNum:   len(comments),
		Translations: map[string]any{},
		Overview:     string(overviewRaw),
		Config:       r.effectiveConfig(len(comments), len(args)),
	}
	result.Arguments = buildArguments(clusters, commentByID, commentIDByArg, attributeColumns, r.cfg.EnableSourceLink)
	result.Clusters = buildClusters(labels, len(args))
	result.PropertyMap, err = buildPropertyMap(args, r.cfg)
	if err != nil {
		return err
	}

	if err := writeResultJSON(r.cfg.OutputPath(ResultFileName), result); err != nil {
		return err
	}

	if r.cfg.IsPubcom {
		return r.writePubcomCSV(args, relations, clusters, labels, comments, attributeColumns)
	}
	return nil
}

// effectiveConfig returns a copy of the config whose intro is extended with
// the processed-count sentence shown at the top of the published report.
func (r *Runner) effectiveConfig(commentNum, argNum int) *config.Config {
	cfg := *r.cfg
	processed := min(commentNum, cfg.Extraction.Limit)
	cfg.Intro = fmt.Sprintf(
		"%s\n分析対象となったデータの件数は%d件で、これらのデータに対してOpenAI APIを用いて%d件の意見（議論）を抽出し、クラスタリングを行った。\n",
		cfg.Intro, processed, argNum,
	)
	return &cfg
}

func collectAttributeColumns(comments []Comment) []string {
	seen := map[string]bool{}
	var columns []string
	for _, c := range comments {
		for name := range c.Fields {
			if strings.HasPrefix(name, attributePrefix) && !seen[name] {
				seen[name] = true
				columns = append(columns, name)
			}
		}
	}
	sort.Strings(columns)
	return columns
}

func buildArguments(
	clusters []ClusterRow,
	commentByID map[string]Comment,
	commentIDByArg map[string]string,
	attributeColumns []string,
	enableSourceLink bool,
) []ResultArgument {
	out := make([]ResultArgument, 0, len(clusters))
	for _, row := range clusters {
		arg := ResultArgument{
			ArgID:      row.ArgID,
			Argument:   row.Argument,
			X:          row.X,
			Y:          row.Y,
			P:          0,
			ClusterIDs: append([]string{"0"}, row.ClusterIDs...),
		}

		if commentID, ok := commentIDByArg[row.ArgID]; ok {
			if comment, ok := commentByID[commentID]; ok {
				if enableSourceLink {
					if url := comment.Fields["url"]; url != "" {
						arg.URL = &url
					}
				}
				attributes := map[string]any{}
				for _, col := range attributeColumns {
					if value := comment.Fields[col]; value != "" {
						attributes[strings.TrimPrefix(col, attributePrefix)] = value
					}
				}
				if len(attributes) > 0 {
					arg.Attributes = attributes
				}
			}
		}
		out = append(out, arg)
	}
	return out
}

func buildClusters(labels []MergeLabel, argNum int) []ResultCluster {
	out := []ResultCluster{{
		Level:                 0,
		ID:                    "0",
		Label:                 "全体",
		Takeaway:              "",
		Value:                 argNum,
		Parent:                "",
		DensityRankPercentile: 0,
	}}
	for _, l := range labels {
		out = append(out, ResultCluster{
			Level:                 l.Level,
			ID:                    l.ID,
			Label:                 l.Label,
			Takeaway:              l.Description,
			Value:                 l.Value,
			Parent:                l.Parent,
			DensityRankPercentile: l.DensityRankPercentile,
		})
	}
	return out
}

// buildPropertyMap exposes the hidden-property and category columns per
// argument. Naming a column that the args table does not carry is a config
// mistake and fails the stage.
func buildPropertyMap(args []Argument, cfg *config.Config) (map[string]map[string]any, error) {
	var properties []string
	for name := range cfg.HierarchicalAggregation.HiddenProperties {
		properties = append(properties, name)
	}
	for name := range cfg.Extraction.Categories {
		properties = append(properties, name)
	}
	sort.Strings(properties)

	propertyMap := map[string]map[string]any{}
	for _, prop := range properties {
		values := map[string]any{}
		for _, arg := range args {
			value, ok := arg.Categories[prop]
			if !ok {
				return nil, fmt.Errorf(
					"property column %q not found in %s, remove it from hidden_properties or categories",
					prop, ArgsFileName,
				)
			}
			if value == "" {
				values[arg.ArgID] = nil
			} else {
				values[arg.ArgID] = value
			}
		}
		propertyMap[prop] = values
	}
	return propertyMap, nil
}

// writeResultJSON writes UTF-8 JSON with 2-space indent, leaving non-ASCII
// text unescaped.
func writeResultJSON(path string, result *Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return nil
}

// writePubcomCSV joins every argument back to its source comments with the
// top-level cluster label, one row per (argument, comment) relation.
func (r *Runner) writePubcomCSV(
	args []Argument,
	relations []Relation,
	clusters []ClusterRow,
	labels []MergeLabel,
	comments []Comment,
	attributeColumns []string,
) error {
	level1ByArg := make(map[string]string, len(clusters))
	for _, row := range clusters {
		level1ByArg[row.ArgID] = row.ClusterIDs[0]
	}
	labelByID := map[string]string{}
	for _, l := range labels {
		if l.Level == 1 {
			labelByID[l.ID] = l.Label
		}
	}
	textByArg := make(map[string]string, len(args))
	for _, a := range args {
		textByArg[a.ArgID] = a.Text
	}
	commentByID := make(map[string]Comment, len(comments))
	for _, c := range comments {
		commentByID[c.ID] = c
	}

	extraColumns := []string{}
	for _, col := range []string{"x", "y", "source", "url"} {
		if commentsHaveColumn(comments, col) {
			extraColumns = append(extraColumns, col)
		}
	}
	extraColumns = append(extraColumns, attributeColumns...)

	header := append(
		[]string{"comment-id", "original-comment", "arg_id", "argument", "category_id", "category"},
		extraColumns...,
	)

	records := make([][]string, 0, len(relations))
	for _, rel := range relations {
		comment := commentByID[rel.CommentID]
		level1 := level1ByArg[rel.ArgID]
		row := []string{
			rel.CommentID,
			comment.Body,
			rel.ArgID,
			textByArg[rel.ArgID],
			level1,
			labelByID[level1],
		}
		for _, col := range extraColumns {
			row = append(row, comment.Fields[col])
		}
		records = append(records, row)
	}
	return writeCSV(r.cfg.OutputPath(PubcomFileName), header, records)
}

func commentsHaveColumn(comments []Comment, column string) bool {
	if len(comments) == 0 {
		return false
	}
	_, ok := comments[0].Fields[column]
	return ok
}
