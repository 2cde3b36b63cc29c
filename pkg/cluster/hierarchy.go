package cluster

import (
	"fmt"
	"sort"
)

// Level is one granularity of the hierarchy: Count clusters, with a label
// per input point. Labels at the deepest level are the raw k-means labels
// (0-based); merged levels carry dendrogram cut labels (1-based).
type Level struct {
	Count  int
	Labels []int
}

// ClusterID formats the canonical id of point i at 1-based level number lv.
func ClusterID(lv, label int) string {
	return fmt.Sprintf("%d_%d", lv, label)
}

// BuildLevels clusters points at every granularity in clusterNums. The
// finest level is computed with k-means at max(clusterNums); every coarser
// level merges the k-means centroids with Ward linkage and cuts the
// dendrogram at that level's count. Results are ordered by ascending count.
func BuildLevels(points []Point, clusterNums []int, seed int64) ([]Level, error) {
	if len(clusterNums) == 0 {
		return nil, fmt.Errorf("no cluster counts given")
	}
	nums := append([]int{}, clusterNums...)
	sort.Ints(nums)
	if nums[0] < 1 {
		return nil, fmt.Errorf("cluster counts must be positive, got %d", nums[0])
	}

	deepest := nums[len(nums)-1]
	km, err := KMeans(points, deepest, seed)
	if err != nil {
		return nil, fmt.Errorf("initial clustering failed: %w", err)
	}

	levels := make([]Level, 0, len(nums))
	for _, cut := range nums[:len(nums)-1] {
		merged, err := WardMerge(km.Centers, cut)
		if err != nil {
			return nil, fmt.Errorf("merging to %d clusters failed: %w", cut, err)
		}
		labels := make([]int, len(points))
		for i, kl := range km.Labels {
			labels[i] = merged[kl]
		}
		levels = append(levels, Level{Count: cut, Labels: labels})
	}
	levels = append(levels, Level{Count: deepest, Labels: km.Labels})
	return levels, nil
}
