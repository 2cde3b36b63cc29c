// Package pipeline orchestrates the report generation stages: argument
// extraction, embedding, hierarchical clustering, labelling, overview and
// aggregation. Every stage reports into a single status file that the
// control plane polls.
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/echolens/echolens/pkg/cluster"
)

// StatusFileName is the pipeline status sidecar inside the output dir.
const StatusFileName = "hierarchical_status.json"

const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

// CompletedJob records one finished stage and how long it took.
type CompletedJob struct {
	Step     string  `json:"step"`
	Duration float64 `json:"duration"`
	Skipped  bool    `json:"skipped,omitempty"`
}

// Progress tracks per-item completion within the current stage.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Status is the on-disk shape of hierarchical_status.json.
type Status struct {
	Status            string                  `json:"status"`
	CurrentJob        string                  `json:"current_job"`
	CompletedJobs     []CompletedJob          `json:"completed_jobs"`
	TotalTokenUsage   int                     `json:"total_token_usage"`
	TokenUsageInput   int                     `json:"token_usage_input"`
	TokenUsageOutput  int                     `json:"token_usage_output"`
	Provider          string                  `json:"provider,omitempty"`
	Model             string                  `json:"model,omitempty"`
	AutoClusterResult *cluster.AutoTuneResult `json:"auto_cluster_result,omitempty"`
	Progress          *Progress               `json:"progress,omitempty"`
	Error             string                  `json:"error,omitempty"`
}

// Tracker owns the status file for one pipeline run. All mutations persist
// immediately so an external watcher always sees a consistent view.
type Tracker struct {
	mu     sync.Mutex
	path   string
	status Status
}

// NewTracker starts a fresh status unless resume is set and a previous
// status file exists, in which case completed stages and token counts
// carry over.
func NewTracker(path, provider, model string, resume bool) (*Tracker, error) {
	t := &Tracker{
		path: path,
		status: Status{
			Status:   StatusProcessing,
			Provider: provider,
			Model:    model,
		},
	}

	if resume {
		if raw, err := os.ReadFile(path); err == nil {
			var prev Status
			if err := json.Unmarshal(raw, &prev); err == nil {
				t.status.CompletedJobs = prev.CompletedJobs
				t.status.TotalTokenUsage = prev.TotalTokenUsage
				t.status.TokenUsageInput = prev.TokenUsageInput
				t.status.TokenUsageOutput = prev.TokenUsageOutput
				t.status.AutoClusterResult = prev.AutoClusterResult
			}
		}
	}

	if err := t.save(); err != nil {
		return nil, err
	}
	return t, nil
}

// IsCompleted reports whether a stage finished (or was skipped) in this run
// or a resumed one.
func (t *Tracker) IsCompleted(step string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, job := range t.status.CompletedJobs {
		if job.Step == step {
			return true
		}
	}
	return false
}

func (t *Tracker) StartStage(step string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.CurrentJob = step
	t.status.Progress = nil
	return t.save()
}

func (t *Tracker) FinishStage(step string, duration time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.CompletedJobs = append(t.status.CompletedJobs, CompletedJob{
		Step:     step,
		Duration: duration.Seconds(),
	})
	t.status.Progress = nil
	return t.save()
}

func (t *Tracker) SkipStage(step string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.CompletedJobs = append(t.status.CompletedJobs, CompletedJob{Step: step, Skipped: true})
	return t.save()
}

// AddTokens accumulates usage. Counts only ever grow.
func (t *Tracker) AddTokens(input, output, total int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.TokenUsageInput += input
	t.status.TokenUsageOutput += output
	t.status.TotalTokenUsage += total
	return t.save()
}

func (t *Tracker) SetProgress(current, total int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.Progress = &Progress{Current: current, Total: total}
	return t.save()
}

func (t *Tracker) SetAutoClusterResult(result *cluster.AutoTuneResult) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.AutoClusterResult = result
	return t.save()
}

// Complete marks the run as finished.
func (t *Tracker) Complete() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.Status = StatusCompleted
	t.status.CurrentJob = "completed"
	t.status.Progress = nil
	return t.save()
}

// Fail records a fatal error against the stage that was running.
func (t *Tracker) Fail(err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.Status = StatusError
	t.status.Error = err.Error()
	return t.save()
}

// Snapshot returns a copy of the current status.
func (t *Tracker) Snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// save writes atomically: temp file in the same directory, then rename.
func (t *Tracker) save() error {
	data, err := json.MarshalIndent(t.status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}

	dir := filepath.Dir(t.path)
	tmp, err := os.CreateTemp(dir, ".status-*")
	if err != nil {
		return fmt.Errorf("failed to create temp status file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write status: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close status file: %w", err)
	}
	if err := os.Rename(tmp.Name(), t.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace status file: %w", err)
	}
	return nil
}

// ReadStatus loads a status file, for callers outside the running pipeline.
func ReadStatus(path string) (*Status, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Status
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to parse status file %s: %w", path, err)
	}
	return &s, nil
}
