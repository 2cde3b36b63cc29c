package cluster

import (
	"fmt"
	"math"
)

// Silhouette computes the mean silhouette coefficient of a labelling.
// Singleton clusters contribute zero for their sample. Returns an error
// when the labelling has fewer than 2 or more than n-1 distinct clusters,
// where the coefficient is undefined.
func Silhouette(points []Point, labels []int) (float64, error) {
	n := len(points)
	if len(labels) != n {
		return 0, fmt.Errorf("got %d labels for %d points", len(labels), n)
	}

	members := make(map[int][]int)
	for i, l := range labels {
		members[l] = append(members[l], i)
	}
	if len(members) < 2 || len(members) > n-1 {
		return 0, fmt.Errorf("silhouette requires 2 to n-1 clusters, got %d for n=%d", len(members), n)
	}

	var total float64
	for i, p := range points {
		own := labels[i]
		if len(members[own]) == 1 {
			continue
		}

		var intra float64
		for _, j := range members[own] {
			if j != i {
				intra += dist(p, points[j])
			}
		}
		a := intra / float64(len(members[own])-1)

		b := math.Inf(1)
		for l, idxs := range members {
			if l == own {
				continue
			}
			var inter float64
			for _, j := range idxs {
				inter += dist(p, points[j])
			}
			if mean := inter / float64(len(idxs)); mean < b {
				b = mean
			}
		}

		if m := math.Max(a, b); m > 0 {
			total += (b - a) / m
		}
	}
	return total / float64(n), nil
}

func dist(a, b Point) float64 {
	return math.Sqrt(sqDist(a, b))
}
