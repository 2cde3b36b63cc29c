package pipeline

import (
	"encoding/csv"
	"encoding/gob"
	"fmt"
	"os"
	"sort"
	"strconv"
)

// Sidecar file names inside a report's output directory.
const (
	ArgsFileName          = "args.csv"
	RelationsFileName     = "relations.csv"
	EmbeddingsFileName    = "embeddings.gob"
	ClustersFileName      = "hierarchical_clusters.csv"
	InitialLabelsFileName = "hierarchical_initial_labels.csv"
	MergeLabelsFileName   = "hierarchical_merge_labels.csv"
	OverviewFileName      = "hierarchical_overview.txt"
	ResultFileName        = "hierarchical_result.json"
	AutoClusterFileName   = "auto_cluster_result.json"
	PubcomFileName        = "final_result_with_comments.csv"
	HTMLFileName          = "hierarchical_report.html"
)

// Comment is one row of the input corpus. Fields holds every column besides
// comment-id and comment-body, keyed by original header name.
type Comment struct {
	ID     string
	Body   string
	Fields map[string]string
}

// Argument is one extracted opinion. Categories holds the classification
// columns added by the optional category sub-step.
type Argument struct {
	ArgID      string
	Text       string
	Categories map[string]string
}

// Relation links an argument back to a source comment. An argument shared
// by several comments has several rows.
type Relation struct {
	ArgID     string
	CommentID string
}

// ClusterRow is one argument with its 2D position and per-level cluster ids
// (ascending granularity).
type ClusterRow struct {
	ArgID      string
	Argument   string
	X          float64
	Y          float64
	ClusterIDs []string
}

// InitialLabel is the leaf-level labelling output.
type InitialLabel struct {
	ID          string
	Label       string
	Description string
}

// MergeLabel is one cluster of the final label table, any level.
type MergeLabel struct {
	Level                 int
	ID                    string
	Label                 string
	Description           string
	Value                 int
	Parent                string
	Density               float64
	DensityRank           int
	DensityRankPercentile float64
}

// EmbeddingRecord pairs an argument with its vector.
type EmbeddingRecord struct {
	ArgID  string
	Vector []float32
}

// ReadComments loads the input corpus. Required columns are comment-id and
// comment-body; requiredFields must also be present or the read fails. A
// positive limit caps the number of rows.
func ReadComments(path string, requiredFields []string, limit int) ([]Comment, error) {
	rows, header, err := readCSV(path)
	if err != nil {
		return nil, err
	}

	col := map[string]int{}
	for i, name := range header {
		col[name] = i
	}
	for _, required := range append([]string{"comment-id", "comment-body"}, requiredFields...) {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("input %s is missing required column %q (columns: %v)", path, required, header)
		}
	}

	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	comments := make([]Comment, 0, len(rows))
	for _, row := range rows {
		c := Comment{
			ID:     row[col["comment-id"]],
			Body:   row[col["comment-body"]],
			Fields: map[string]string{},
		}
		for name, i := range col {
			if name == "comment-id" || name == "comment-body" {
				continue
			}
			c.Fields[name] = row[i]
		}
		comments = append(comments, c)
	}
	return comments, nil
}

// WriteArgs writes args.csv: arg-id, argument, then one column per category
// in sorted order.
func WriteArgs(path string, args []Argument) error {
	var categories []string
	seen := map[string]bool{}
	for _, a := range args {
		for name := range a.Categories {
			if !seen[name] {
				seen[name] = true
				categories = append(categories, name)
			}
		}
	}
	sort.Strings(categories)

	header := append([]string{"arg-id", "argument"}, categories...)
	records := make([][]string, 0, len(args))
	for _, a := range args {
		row := []string{a.ArgID, a.Text}
		for _, name := range categories {
			row = append(row, a.Categories[name])
		}
		records = append(records, row)
	}
	return writeCSV(path, header, records)
}

// ReadArgs loads args.csv; extra columns come back as categories.
func ReadArgs(path string) ([]Argument, error) {
	rows, header, err := readCSV(path)
	if err != nil {
		return nil, err
	}
	if len(header) < 2 || header[0] != "arg-id" || header[1] != "argument" {
		return nil, fmt.Errorf("%s has unexpected columns %v", path, header)
	}

	args := make([]Argument, 0, len(rows))
	for _, row := range rows {
		a := Argument{ArgID: row[0], Text: row[1]}
		if len(header) > 2 {
			a.Categories = map[string]string{}
			for i := 2; i < len(header); i++ {
				a.Categories[header[i]] = row[i]
			}
		}
		args = append(args, a)
	}
	return args, nil
}

func WriteRelations(path string, relations []Relation) error {
	records := make([][]string, 0, len(relations))
	for _, r := range relations {
		records = append(records, []string{r.ArgID, r.CommentID})
	}
	return writeCSV(path, []string{"arg-id", "comment-id"}, records)
}

func ReadRelations(path string) ([]Relation, error) {
	rows, _, err := readCSV(path)
	if err != nil {
		return nil, err
	}
	relations := make([]Relation, 0, len(rows))
	for _, row := range rows {
		relations = append(relations, Relation{ArgID: row[0], CommentID: row[1]})
	}
	return relations, nil
}

// WriteEmbeddings stores vectors as a gob stream, opaque to everything but
// the clustering stage.
func WriteEmbeddings(path string, records []EmbeddingRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(records); err != nil {
		return fmt.Errorf("failed to encode embeddings: %w", err)
	}
	return nil
}

func ReadEmbeddings(path string) ([]EmbeddingRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var records []EmbeddingRecord
	if err := gob.NewDecoder(f).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode embeddings from %s: %w", path, err)
	}
	return records, nil
}

// WriteClusters writes hierarchical_clusters.csv with one id column per
// level, named cluster-level-<n>-id.
func WriteClusters(path string, rows []ClusterRow) error {
	if len(rows) == 0 {
		return fmt.Errorf("no cluster rows to write")
	}
	header := []string{"arg-id", "argument", "x", "y"}
	for level := 1; level <= len(rows[0].ClusterIDs); level++ {
		header = append(header, fmt.Sprintf("cluster-level-%d-id", level))
	}

	records := make([][]string, 0, len(rows))
	for _, r := range rows {
		row := []string{
			r.ArgID,
			r.Argument,
			strconv.FormatFloat(r.X, 'g', -1, 64),
			strconv.FormatFloat(r.Y, 'g', -1, 64),
		}
		row = append(row, r.ClusterIDs...)
		records = append(records, row)
	}
	return writeCSV(path, header, records)
}

func ReadClusters(path string) ([]ClusterRow, error) {
	rows, header, err := readCSV(path)
	if err != nil {
		return nil, err
	}
	if len(header) < 5 {
		return nil, fmt.Errorf("%s has too few columns: %v", path, header)
	}

	out := make([]ClusterRow, 0, len(rows))
	for _, row := range rows {
		x, err := strconv.ParseFloat(row[2], 64)
		if err != nil {
			return nil, fmt.Errorf("bad x coordinate %q in %s: %w", row[2], path, err)
		}
		y, err := strconv.ParseFloat(row[3], 64)
		if err != nil {
			return nil, fmt.Errorf("bad y coordinate %q in %s: %w", row[3], path, err)
		}
		out = append(out, ClusterRow{
			ArgID:      row[0],
			Argument:   row[1],
			X:          x,
			Y:          y,
			ClusterIDs: append([]string{}, row[4:]...),
		})
	}
	return out, nil
}

func WriteInitialLabels(path string, labels []InitialLabel) error {
	records := make([][]string, 0, len(labels))
	for _, l := range labels {
		records = append(records, []string{l.ID, l.Label, l.Description})
	}
	return writeCSV(path, []string{"id", "label", "description"}, records)
}

func ReadInitialLabels(path string) ([]InitialLabel, error) {
	rows, _, err := readCSV(path)
	if err != nil {
		return nil, err
	}
	labels := make([]InitialLabel, 0, len(rows))
	for _, row := range rows {
		labels = append(labels, InitialLabel{ID: row[0], Label: row[1], Description: row[2]})
	}
	return labels, nil
}

func WriteMergeLabels(path string, labels []MergeLabel) error {
	header := []string{
		"level", "id", "label", "description", "value", "parent",
		"density", "density_rank", "density_rank_percentile",
	}
	records := make([][]string, 0, len(labels))
	for _, l := range labels {
		records = append(records, []string{
			strconv.Itoa(l.Level),
			l.ID,
			l.Label,
			l.Description,
			strconv.Itoa(l.Value),
			l.Parent,
			strconv.FormatFloat(l.Density, 'g', -1, 64),
			strconv.Itoa(l.DensityRank),
			strconv.FormatFloat(l.DensityRankPercentile, 'g', -1, 64),
		})
	}
	return writeCSV(path, header, records)
}

func ReadMergeLabels(path string) ([]MergeLabel, error) {
	rows, _, err := readCSV(path)
	if err != nil {
		return nil, err
	}
	labels := make([]MergeLabel, 0, len(rows))
	for _, row := range rows {
		level, err := strconv.Atoi(row[0])
		if err != nil {
			return nil, fmt.Errorf("bad level %q in %s: %w", row[0], path, err)
		}
		value, err := strconv.Atoi(row[4])
		if err != nil {
			return nil, fmt.Errorf("bad value %q in %s: %w", row[4], path, err)
		}
		density, _ := strconv.ParseFloat(row[6], 64)
		rank, _ := strconv.Atoi(row[7])
		percentile, _ := strconv.ParseFloat(row[8], 64)
		labels = append(labels, MergeLabel{
			Level:                 level,
			ID:                    row[1],
			Label:                 row[2],
			Description:           row[3],
			Value:                 value,
			Parent:                row[5],
			Density:               density,
			DensityRank:           rank,
			DensityRankPercentile: percentile,
		})
	}
	return labels, nil
}

func readCSV(path string) (rows [][]string, header []string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	all, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(all) == 0 {
		return nil, nil, fmt.Errorf("%s is empty", path)
	}
	return all[1:], all[0], nil
}

func writeCSV(path string, header []string, records [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write header to %s: %w", path, err)
	}
	if err := w.WriteAll(records); err != nil {
		return fmt.Errorf("failed to write rows to %s: %w", path, err)
	}
	w.Flush()
	return w.Error()
}
