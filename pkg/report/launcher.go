package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/echolens/echolens/pkg/config"
	"github.com/echolens/echolens/pkg/pipeline"
)

// Syncer pushes finished report files to external storage. Implementations
// are storage-specific; a nil Syncer means local-only operation.
type Syncer interface {
	SyncReportFiles(slug string) error
	SyncInputFile(slug string) error
	SyncConfigFile(slug string) error
	SyncStatusFile() error
}

// JobPrompts carries the per-stage prompt texts of one job request.
type JobPrompts struct {
	Extraction       string `json:"extraction"`
	InitialLabelling string `json:"initial_labelling"`
	MergeLabelling   string `json:"merge_labelling"`
	Overview         string `json:"overview"`
}

// JobComment is one input comment of a job request. Attributes become extra
// CSV columns.
type JobComment struct {
	ID         string            `json:"id"`
	Comment    string            `json:"comment"`
	Source     string            `json:"source"`
	URL        string            `json:"url"`
	Attributes map[string]string `json:"attributes"`
}

// JobInput is a full report-generation request from the control plane.
type JobInput struct {
	Input             string       `json:"input"`
	Question          string       `json:"question"`
	Intro             string       `json:"intro"`
	Model             string       `json:"model"`
	Provider          string       `json:"provider"`
	IsPubcom          bool         `json:"is_pubcom"`
	IsEmbeddedAtLocal bool         `json:"is_embedded_at_local"`
	EnableSourceLink  bool         `json:"enable_source_link"`
	LocalLLMAddress   string       `json:"local_llm_address"`
	Workers           int          `json:"workers"`
	ClusterNums       []int        `json:"cluster"`
	Prompts           JobPrompts   `json:"prompt"`
	Comments          []JobComment `json:"comments"`

	// UserAPIKey is the requester's own provider key. It reaches the child
	// only through its environment, never the config file.
	UserAPIKey string `json:"-"`
}

// Launcher spawns the pipeline binary for job requests and keeps the
// status registry in step with what the children do.
type Launcher struct {
	manager     *StatusManager
	pipelineBin string
	baseDir     string
	syncer      Syncer
}

// NewLauncher wires a launcher. baseDir is the pipeline working directory
// holding inputs/, outputs/ and configs/.
func NewLauncher(manager *StatusManager, pipelineBin, baseDir string, syncer Syncer) *Launcher {
	return &Launcher{
		manager:     manager,
		pipelineBin: pipelineBin,
		baseDir:     baseDir,
		syncer:      syncer,
	}
}

// JobHandle tracks one running pipeline child.
type JobHandle struct {
	Slug string

	cmd      *exec.Cmd
	launcher *Launcher

	doneOnce sync.Once
	done     chan struct{}
	exitErr  error
}

// Launch registers the job, materialises its config and input corpus, and
// starts the pipeline child. Monitoring runs in a goroutine owned by the
// returned handle.
func (l *Launcher) Launch(input JobInput) (*JobHandle, error) {
	if input.Input == "" {
		input.Input = uuid.NewString()
	}
	if err := l.manager.AddNew(input.Input, input.Question, input.Intro, input.IsPubcom); err != nil {
		return nil, err
	}

	configPath, err := l.writeConfigFile(input)
	if err != nil {
		l.manager.SetState(input.Input, StateError)
		return nil, err
	}
	if err := l.writeInputFile(input); err != nil {
		l.manager.SetState(input.Input, StateError)
		return nil, err
	}

	return l.spawn(input.Input, configPath, nil, input.UserAPIKey)
}

// ExecuteAggregation re-runs only the aggregation stage of an existing
// report, typically after a metadata edit. A non-empty userAPIKey is passed
// to the child the same way Launch passes it.
func (l *Launcher) ExecuteAggregation(slug, userAPIKey string) (*JobHandle, error) {
	configPath := filepath.Join(l.baseDir, "configs", slug+".json")
	if _, err := os.Stat(configPath); err != nil {
		return nil, fmt.Errorf("no config found for %s: %w", slug, err)
	}
	return l.spawn(slug, configPath, []string{"-o", config.StageAggregation}, userAPIKey)
}

func (l *Launcher) spawn(slug, configPath string, extraArgs []string, userAPIKey string) (*JobHandle, error) {
	if err := os.MkdirAll(filepath.Join(l.baseDir, "outputs", slug), 0o755); err != nil {
		l.manager.SetState(slug, StateError)
		return nil, fmt.Errorf("failed to create output directory for %s: %w", slug, err)
	}

	args := append([]string{configPath, "--skip-interaction", "--without-html"}, extraArgs...)
	cmd := exec.Command(l.pipelineBin, args...)
	cmd.Dir = l.baseDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if userAPIKey != "" {
		// Drop any inherited value first: the child resolves duplicate env
		// entries to the earliest one.
		env := make([]string, 0, len(os.Environ())+1)
		for _, kv := range os.Environ() {
			if !strings.HasPrefix(kv, "USER_API_KEY=") {
				env = append(env, kv)
			}
		}
		cmd.Env = append(env, "USER_API_KEY="+userAPIKey)
	}

	if err := cmd.Start(); err != nil {
		l.manager.SetState(slug, StateError)
		return nil, fmt.Errorf("failed to start pipeline for %s: %w", slug, err)
	}

	handle := &JobHandle{
		Slug:     slug,
		cmd:      cmd,
		launcher: l,
		done:     make(chan struct{}),
	}
	go handle.monitor()
	return handle, nil
}

// monitor waits for the child and flips the registry state. A clean exit
// pulls the pipeline's token totals into the registry and syncs files out.
func (h *JobHandle) monitor() {
	err := h.cmd.Wait()
	defer h.doneOnce.Do(func() {
		h.exitErr = err
		close(h.done)
	})

	l := h.launcher
	if err != nil {
		slog.Error("pipeline exited with failure", "slug", h.Slug, "error", err)
		l.manager.SetState(h.Slug, StateError)
		return
	}

	l.recordTokenUsage(h.Slug)
	if err := l.manager.SetState(h.Slug, StateReady); err != nil {
		slog.Error("failed to mark report ready", "slug", h.Slug, "error", err)
		return
	}
	l.syncOut(h.Slug)
}

func (l *Launcher) recordTokenUsage(slug string) {
	statusPath := filepath.Join(l.baseDir, "outputs", slug, pipeline.StatusFileName)
	status, err := pipeline.ReadStatus(statusPath)
	if err != nil {
		slog.Error("failed to read pipeline status", "slug", slug, "error", err)
		return
	}

	update := TokenUpdate{
		Total:  status.TotalTokenUsage,
		Input:  &status.TokenUsageInput,
		Output: &status.TokenUsageOutput,
	}
	configPath := filepath.Join(l.baseDir, "configs", slug+".json")
	if raw, err := os.ReadFile(configPath); err == nil {
		var cfg struct {
			Provider string `json:"provider"`
			Model    string `json:"model"`
		}
		if json.Unmarshal(raw, &cfg) == nil && cfg.Provider != "" && cfg.Model != "" {
			update.Provider = &cfg.Provider
			update.Model = &cfg.Model
		}
	}
	if err := l.manager.UpdateTokens(slug, update); err != nil {
		slog.Error("failed to update token usage", "slug", slug, "error", err)
	}
}

func (l *Launcher) syncOut(slug string) {
	if l.syncer == nil {
		return
	}
	steps := []struct {
		name string
		fn   func() error
	}{
		{"report files", func() error { return l.syncer.SyncReportFiles(slug) }},
		{"input file", func() error { return l.syncer.SyncInputFile(slug) }},
		{"config file", func() error { return l.syncer.SyncConfigFile(slug) }},
		{"status file", l.syncer.SyncStatusFile},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			slog.Error("storage sync failed", "slug", slug, "what", step.name, "error", err)
		}
	}
}

// Wait blocks until the child exits and returns its exit error, if any.
func (h *JobHandle) Wait() error {
	<-h.done
	return h.exitErr
}

// Cancel kills the child process. The monitor then records the job as
// errored.
func (h *JobHandle) Cancel() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

// StatusStream watches the job's pipeline status file and emits a snapshot
// on every change until the job finishes. The channel closes when the
// child exits or the watcher fails.
func (h *JobHandle) StatusStream() (<-chan pipeline.Status, error) {
	dir := filepath.Join(h.launcher.baseDir, "outputs", h.Slug)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create status watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	out := make(chan pipeline.Status, 1)
	statusPath := filepath.Join(dir, pipeline.StatusFileName)

	emit := func() {
		status, err := pipeline.ReadStatus(statusPath)
		if err != nil {
			return
		}
		select {
		case out <- *status:
		default:
		}
	}

	go func() {
		defer watcher.Close()
		defer close(out)
		emit()
		for {
			select {
			case <-h.done:
				emit()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) == pipeline.StatusFileName &&
					event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					emit()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("status watcher error", "slug", h.Slug, "error", err)
			}
		}
	}()
	return out, nil
}

// writeConfigFile serialises the job request into the pipeline config
// format under configs/<slug>.json.
func (l *Launcher) writeConfigFile(input JobInput) (string, error) {
	cfg := map[string]any{
		"name":                 input.Input,
		"input":                input.Input,
		"question":             input.Question,
		"intro":                input.Intro,
		"model":                input.Model,
		"provider":             input.Provider,
		"is_pubcom":            input.IsPubcom,
		"is_embedded_at_local": input.IsEmbeddedAtLocal,
		"enable_source_link":   input.EnableSourceLink,
		"extraction": map[string]any{
			"prompt":  input.Prompts.Extraction,
			"workers": input.Workers,
			"limit":   len(input.Comments),
		},
		"hierarchical_clustering": map[string]any{
			"cluster_nums": input.ClusterNums,
		},
		"hierarchical_initial_labelling": map[string]any{
			"prompt":       input.Prompts.InitialLabelling,
			"sampling_num": 30,
			"workers":      input.Workers,
		},
		"hierarchical_merge_labelling": map[string]any{
			"prompt":       input.Prompts.MergeLabelling,
			"sampling_num": 30,
			"workers":      input.Workers,
		},
		"hierarchical_overview": map[string]any{
			"prompt": input.Prompts.Overview,
		},
		"hierarchical_aggregation": map[string]any{
			"sampling_num": 30,
		},
	}
	if input.LocalLLMAddress != "" {
		cfg["local_llm_address"] = input.LocalLLMAddress
	}

	dir := filepath.Join(l.baseDir, "configs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create configs directory: %w", err)
	}
	path := filepath.Join(dir, input.Input+".json")

	data, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write config: %w", err)
	}
	return path, nil
}

// writeInputFile materialises the job's comments as the pipeline input CSV.
func (l *Launcher) writeInputFile(input JobInput) error {
	dir := filepath.Join(l.baseDir, "inputs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create inputs directory: %w", err)
	}

	var attrColumns []string
	seen := map[string]bool{}
	for _, comment := range input.Comments {
		for name := range comment.Attributes {
			if !seen[name] {
				seen[name] = true
				attrColumns = append(attrColumns, name)
			}
		}
	}
	sort.Strings(attrColumns)

	f, err := os.Create(filepath.Join(dir, input.Input+".csv"))
	if err != nil {
		return fmt.Errorf("failed to create input csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"comment-id", "comment-body", "source", "url"}
	for _, col := range attrColumns {
		header = append(header, attributeColumnName(col))
	}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, comment := range input.Comments {
		row := []string{comment.ID, comment.Comment, comment.Source, comment.URL}
		for _, col := range attrColumns {
			row = append(row, comment.Attributes[col])
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// attributeColumnName normalises a request attribute into the attribute_
// prefixed CSV column convention.
func attributeColumnName(name string) string {
	if strings.HasPrefix(name, "attribute_") {
		return name
	}
	return "attribute_" + name
}
