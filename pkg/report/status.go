package report

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Report states.
const (
	StateProcessing = "processing"
	StateReady      = "ready"
	StateError      = "error"
	StateDeleted    = "deleted"
)

// Visibility levels.
const (
	VisibilityPublic   = "public"
	VisibilityUnlisted = "unlisted"
	VisibilityPrivate  = "private"
)

// allowedTransitions encodes the state machine: deleted is terminal,
// everything funnels toward it.
var allowedTransitions = map[string][]string{
	StateProcessing: {StateReady, StateError, StateDeleted},
	StateReady:      {StateError, StateDeleted},
	StateError:      {StateDeleted},
	StateDeleted:    {},
}

// Record is one report's registry entry. IsPublic only exists to absorb the
// legacy on-disk format; it is cleared on load and never written back.
type Record struct {
	Slug             string  `json:"slug"`
	Status           string  `json:"status"`
	Title            string  `json:"title"`
	Description      string  `json:"description"`
	IsPubcom         bool    `json:"is_pubcom"`
	Visibility       string  `json:"visibility"`
	CreatedAt        string  `json:"created_at"`
	TokenUsage       int     `json:"token_usage"`
	TokenUsageInput  int     `json:"token_usage_input"`
	TokenUsageOutput int     `json:"token_usage_output"`
	EstimatedCost    float64 `json:"estimated_cost"`
	Provider         string  `json:"provider,omitempty"`
	Model            string  `json:"model,omitempty"`

	IsPublic *bool `json:"is_public,omitempty"`

	Analysis *Analysis `json:"analysis,omitempty"`
}

// Analysis is attached to ready reports on demand, never persisted.
type Analysis struct {
	CommentNum   int `json:"comment_num"`
	ArgumentsNum int `json:"arguments_num"`
	ClusterNum   int `json:"cluster_num"`
}

// StatusManager owns the report registry file. Every mutation happens under
// one lock and is persisted atomically before the method returns.
type StatusManager struct {
	mu          sync.Mutex
	path        string
	reportDir   string
	records     map[string]*Record
	revalidator *Revalidator
}

// NewStatusManager loads (or initialises) the registry at path. reportDir
// is where finished report artifacts live, used by EnrichWithAnalysis.
func NewStatusManager(path, reportDir string, revalidator *Revalidator) (*StatusManager, error) {
	m := &StatusManager{
		path:        path,
		reportDir:   reportDir,
		records:     map[string]*Record{},
		revalidator: revalidator,
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// load reads the registry, converting legacy is_public records to the
// visibility form. Conversion is idempotent; a missing or corrupt file
// yields an empty registry.
func (m *StatusManager) load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read status registry: %w", err)
	}

	records := map[string]*Record{}
	if err := json.Unmarshal(raw, &records); err != nil {
		slog.Warn("status registry is corrupt, starting empty", "path", m.path, "error", err)
		return nil
	}

	for _, record := range records {
		if record.IsPublic != nil {
			if *record.IsPublic {
				record.Visibility = VisibilityPublic
			} else {
				record.Visibility = VisibilityPrivate
			}
			record.IsPublic = nil
		}
	}
	m.records = records
	return nil
}

// save writes the registry atomically. Callers hold the lock.
func (m *StatusManager) save() error {
	data, err := json.MarshalIndent(m.records, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode status registry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".registry-*")
	if err != nil {
		return fmt.Errorf("failed to create temp registry file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close registry file: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace registry file: %w", err)
	}
	return nil
}

// ListReports returns every record, skipping deleted ones unless asked.
func (m *StatusManager) ListReports(includeDeleted bool) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0, len(m.records))
	for _, record := range m.records {
		if !includeDeleted && record.Status == StateDeleted {
			continue
		}
		out = append(out, *record)
	}
	return out
}

// Get returns a copy of one record.
func (m *StatusManager) Get(slug string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[slug]
	if !ok {
		return Record{}, false
	}
	return *record, true
}

// AddNew registers a freshly launched report: processing, unlisted, zero
// token usage.
func (m *StatusManager) AddNew(slug, title, description string, isPubcom bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[slug] = &Record{
		Slug:        slug,
		Status:      StateProcessing,
		Title:       title,
		Description: description,
		IsPubcom:    isPubcom,
		Visibility:  VisibilityUnlisted,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	return m.save()
}

// SetState applies a validated state transition.
func (m *StatusManager) SetState(slug, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[slug]
	if !ok {
		return fmt.Errorf("slug %s not found in report status", slug)
	}
	if record.Status == state {
		return nil
	}
	for _, allowed := range allowedTransitions[record.Status] {
		if allowed == state {
			record.Status = state
			return m.save()
		}
	}
	return fmt.Errorf("invalid state transition %s -> %s for %s", record.Status, state, slug)
}

// SetVisibility updates a report's visibility and invalidates its cached
// page. The registry write succeeds even if invalidation fails.
func (m *StatusManager) SetVisibility(slug, visibility string) (string, error) {
	switch visibility {
	case VisibilityPublic, VisibilityUnlisted, VisibilityPrivate:
	default:
		return "", fmt.Errorf("invalid visibility %q", visibility)
	}

	m.mu.Lock()
	record, ok := m.records[slug]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("slug %s not found in report status", slug)
	}
	record.Visibility = visibility
	err := m.save()
	m.mu.Unlock()
	if err != nil {
		return "", err
	}

	m.revalidator.Invalidate(slug)
	return visibility, nil
}

// TokenUpdate is a partial token-usage update. Cost is recomputed only when
// input, output, provider and model are all present.
type TokenUpdate struct {
	Total    int
	Input    *int
	Output   *int
	Provider *string
	Model    *string
}

// UpdateTokens records token usage for a report. A missing slug is logged
// and ignored so a late monitor callback cannot crash the control plane.
func (m *StatusManager) UpdateTokens(slug string, update TokenUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[slug]
	if !ok {
		slog.Warn("slug not found when updating token usage", "slug", slug)
		return nil
	}

	record.TokenUsage = update.Total
	if update.Input != nil {
		record.TokenUsageInput = *update.Input
	}
	if update.Output != nil {
		record.TokenUsageOutput = *update.Output
	}
	if update.Provider != nil {
		record.Provider = *update.Provider
	}
	if update.Model != nil {
		record.Model = *update.Model
	}
	if update.Input != nil && update.Output != nil && update.Provider != nil && update.Model != nil {
		record.EstimatedCost = Cost(*update.Provider, *update.Model, *update.Input, *update.Output)
		slog.Info("updated estimated cost", "slug", slug, "cost", FormatCost(record.EstimatedCost))
	}
	return m.save()
}

// ConfigUpdate carries the editable metadata fields.
type ConfigUpdate struct {
	Question *string
	Intro    *string
}

// UpdateConfig mutates a report's title and description, then invalidates
// the cached page.
func (m *StatusManager) UpdateConfig(slug string, update ConfigUpdate) (Record, error) {
	m.mu.Lock()
	record, ok := m.records[slug]
	if !ok {
		m.mu.Unlock()
		return Record{}, fmt.Errorf("slug %s not found in report status", slug)
	}
	if update.Question != nil {
		record.Title = *update.Question
	}
	if update.Intro != nil {
		record.Description = *update.Intro
	}
	err := m.save()
	updated := *record
	m.mu.Unlock()
	if err != nil {
		return Record{}, err
	}

	m.revalidator.Invalidate(slug)
	return updated, nil
}

// resultSummary is the slice of the aggregated artifact that analysis needs.
type resultSummary struct {
	CommentNum int `json:"comment_num"`
	Arguments  []struct {
		ArgID string `json:"arg_id"`
	} `json:"arguments"`
	Clusters []struct {
		Level int `json:"level"`
	} `json:"clusters"`
}

// EnrichWithAnalysis attaches corpus statistics from the aggregated
// artifact to a ready report. Non-ready reports pass through unchanged.
func (m *StatusManager) EnrichWithAnalysis(record Record) (Record, error) {
	if record.Status != StateReady {
		return record, nil
	}

	path := filepath.Join(m.reportDir, record.Slug, "hierarchical_result.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return record, fmt.Errorf("failed to read report artifact for %s: %w", record.Slug, err)
	}
	var summary resultSummary
	if err := json.Unmarshal(raw, &summary); err != nil {
		return record, fmt.Errorf("failed to parse report artifact for %s: %w", record.Slug, err)
	}

	level2 := 0
	for _, c := range summary.Clusters {
		if c.Level == 2 {
			level2++
		}
	}
	record.Analysis = &Analysis{
		CommentNum:   summary.CommentNum,
		ArgumentsNum: len(summary.Arguments),
		ClusterNum:   level2,
	}
	return record, nil
}
