package cluster

import (
	"fmt"
	"math"
)

// WardMerge runs agglomerative clustering with Ward linkage over the given
// centroids and cuts the dendrogram into exactly cut clusters. The returned
// slice maps each centroid index to a merged label in 1..cut, numbered by
// order of first appearance.
func WardMerge(centers []Point, cut int) ([]int, error) {
	n := len(centers)
	if cut < 1 || cut > n {
		return nil, fmt.Errorf("cannot cut %d centroids into %d clusters", n, cut)
	}

	// active[i] tracks which merged group each centroid belongs to.
	type group struct {
		centroid Point
		size     float64
		members  []int
	}
	groups := make([]*group, n)
	for i, c := range centers {
		groups[i] = &group{centroid: c, size: 1, members: []int{i}}
	}
	active := make(map[int]*group, n)
	for i, g := range groups {
		active[i] = g
	}

	// Ward distance between groups a and b over their centroids:
	// (|a|*|b| / (|a|+|b|)) * ||ca - cb||^2.
	wardDist := func(a, b *group) float64 {
		return a.size * b.size / (a.size + b.size) * sqDist(a.centroid, b.centroid)
	}

	keys := func() []int {
		out := make([]int, 0, len(active))
		for k := range active {
			out = append(out, k)
		}
		return out
	}

	nextID := n
	for len(active) > cut {
		ids := keys()
		bestDist := math.Inf(1)
		bestI, bestJ := -1, -1
		for x := 0; x < len(ids); x++ {
			for y := x + 1; y < len(ids); y++ {
				i, j := min(ids[x], ids[y]), max(ids[x], ids[y])
				d := wardDist(active[i], active[j])
				if d < bestDist || (d == bestDist && (i < bestI || (i == bestI && j < bestJ))) {
					bestDist = d
					bestI, bestJ = i, j
				}
			}
		}

		a, b := active[bestI], active[bestJ]
		total := a.size + b.size
		merged := &group{
			centroid: Point{
				X: (a.centroid.X*a.size + b.centroid.X*b.size) / total,
				Y: (a.centroid.Y*a.size + b.centroid.Y*b.size) / total,
			},
			size:    total,
			members: append(append([]int{}, a.members...), b.members...),
		}
		delete(active, bestI)
		delete(active, bestJ)
		active[nextID] = merged
		nextID++
	}

	labels := make([]int, n)
	next := 1
	assigned := make(map[int]bool, n)
	// Label groups by their lowest member index so numbering is stable.
	order := make([]*group, 0, len(active))
	for _, g := range active {
		order = append(order, g)
	}
	for i := 0; i < n; i++ {
		if assigned[i] {
			continue
		}
		for _, g := range order {
			if containsInt(g.members, i) {
				for _, m := range g.members {
					labels[m] = next
					assigned[m] = true
				}
				next++
				break
			}
		}
	}
	return labels, nil
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
