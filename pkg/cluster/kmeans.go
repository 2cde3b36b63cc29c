package cluster

import (
	"fmt"
	"math"
	"math/rand"
)

const kmeansMaxIterations = 300

// KMeansResult holds the finest-level partition.
type KMeansResult struct {
	Labels  []int
	Centers []Point
}

// KMeans partitions points into k clusters with k-means++ seeding and Lloyd
// iterations. The same seed and input always give the same partition.
func KMeans(points []Point, k int, seed int64) (*KMeansResult, error) {
	n := len(points)
	if k < 1 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if k > n {
		return nil, fmt.Errorf("cannot split %d points into %d clusters", n, k)
	}

	rng := rand.New(rand.NewSource(seed))
	centers := seedCenters(points, k, rng)
	labels := make([]int, n)

	for iter := 0; iter < kmeansMaxIterations; iter++ {
		changed := false
		for i, p := range points {
			best := nearestCenter(p, centers)
			if labels[i] != best {
				labels[i] = best
				changed = true
			}
		}

		counts := make([]int, k)
		sums := make([]Point, k)
		for i, p := range points {
			c := labels[i]
			counts[c]++
			sums[c].X += p.X
			sums[c].Y += p.Y
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				// Revive an empty cluster with the point farthest from
				// its current center.
				far := farthestPoint(points, labels, centers)
				labels[far] = c
				centers[c] = points[far]
				changed = true
				continue
			}
			centers[c] = Point{X: sums[c].X / float64(counts[c]), Y: sums[c].Y / float64(counts[c])}
		}

		if !changed && iter > 0 {
			break
		}
	}

	return &KMeansResult{Labels: labels, Centers: centers}, nil
}

// seedCenters implements k-means++: the first center is uniform, each later
// one is drawn proportionally to squared distance from the nearest chosen
// center.
func seedCenters(points []Point, k int, rng *rand.Rand) []Point {
	n := len(points)
	centers := make([]Point, 0, k)
	centers = append(centers, points[rng.Intn(n)])

	dists := make([]float64, n)
	for len(centers) < k {
		var total float64
		for i, p := range points {
			d := math.Inf(1)
			for _, c := range centers {
				if sq := sqDist(p, c); sq < d {
					d = sq
				}
			}
			dists[i] = d
			total += d
		}

		if total == 0 {
			centers = append(centers, points[rng.Intn(n)])
			continue
		}
		target := rng.Float64() * total
		var acc float64
		chosen := n - 1
		for i, d := range dists {
			acc += d
			if acc >= target {
				chosen = i
				break
			}
		}
		centers = append(centers, points[chosen])
	}
	return centers
}

func nearestCenter(p Point, centers []Point) int {
	best := 0
	bestDist := sqDist(p, centers[0])
	for c := 1; c < len(centers); c++ {
		if d := sqDist(p, centers[c]); d < bestDist {
			best = c
			bestDist = d
		}
	}
	return best
}

func farthestPoint(points []Point, labels []int, centers []Point) int {
	far := 0
	farDist := -1.0
	for i, p := range points {
		if d := sqDist(p, centers[labels[i]]); d > farDist {
			far = i
			farDist = d
		}
	}
	return far
}

func sqDist(a, b Point) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	return dx*dx + dy*dy
}
