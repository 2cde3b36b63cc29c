package cluster

import (
	"fmt"
	"log/slog"
	"math"
	"time"
)

// CandidateScore records one evaluated cluster count during auto-tuning.
type CandidateScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

type BestCandidate struct {
	K     *int     `json:"k"`
	Score *float64 `json:"score"`
}

// AutoTuneResult is written to auto_cluster_result.json and mirrored into
// the pipeline status file.
type AutoTuneResult struct {
	Timestamp   string                   `json:"timestamp"`
	TopRange    [2]int                   `json:"top_range"`
	BottomRange [2]int                   `json:"bottom_range"`
	Best        map[string]BestCandidate `json:"best"`
	DurationSec float64                  `json:"duration_sec"`
	Results     []CandidateScore         `json:"results"`
}

// ClusterNums returns the chosen [top, bottom] pair, or an error when either
// sweep produced no scorable candidate.
func (r *AutoTuneResult) ClusterNums() ([]int, error) {
	top, bottom := r.Best["top"], r.Best["bottom"]
	if top.K == nil || bottom.K == nil {
		return nil, fmt.Errorf("auto-tuning found no viable cluster counts")
	}
	return []int{*top.K, *bottom.K}, nil
}

// AutoTune sweeps cluster counts over the top range [topMin, topMax] and the
// bottom range [topMax+1, bottomMax], scoring each k-means labelling by
// silhouette. Ranges are clamped to max(2, n-1). Candidates whose silhouette
// is undefined are skipped, not fatal.
func AutoTune(points []Point, topMin, topMax, bottomMax int, seed int64) *AutoTuneResult {
	start := time.Now()

	maxClusters := max(2, len(points)-1)
	topMax = min(topMax, maxClusters)
	bottomMax = min(bottomMax, maxClusters)
	topMin = max(2, min(topMin, topMax))

	result := &AutoTuneResult{
		Timestamp:   time.Now().Format(time.RFC3339),
		TopRange:    [2]int{topMin, topMax},
		BottomRange: [2]int{topMax + 1, bottomMax},
		Best:        map[string]BestCandidate{"top": {}, "bottom": {}},
	}

	sweep := func(name string, lo, hi int) {
		bestScore := math.Inf(-1)
		var bestK int
		found := false
		for k := lo; k <= hi; k++ {
			km, err := KMeans(points, k, seed)
			if err != nil {
				slog.Warn("auto-tune candidate failed", "range", name, "k", k, "error", err)
				continue
			}
			score, err := Silhouette(points, km.Labels)
			if err != nil {
				slog.Warn("auto-tune candidate unscorable", "range", name, "k", k, "error", err)
				continue
			}
			result.Results = append(result.Results, CandidateScore{
				Label: fmt.Sprintf("%s-%d", name, k),
				Score: score,
			})
			if score > bestScore {
				bestScore, bestK, found = score, k, true
			}
		}
		if found {
			k, s := bestK, bestScore
			result.Best[name] = BestCandidate{K: &k, Score: &s}
		}
	}

	sweep("top", topMin, topMax)
	sweep("bottom", topMax+1, bottomMax)

	result.DurationSec = math.Round(time.Since(start).Seconds()*1000) / 1000
	return result
}
