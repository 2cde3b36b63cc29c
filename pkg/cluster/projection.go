// Package cluster reduces argument embeddings to 2D and builds the level
// structure of the cluster hierarchy: a deterministic neighbor-preserving
// projection, k-means at the finest granularity, and Ward merges of the
// k-means centroids for every coarser level.
package cluster

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// DefaultNeighbors returns the neighborhood size for n points: 15, reduced
// to max(2, n-1) when the dataset is smaller than that.
func DefaultNeighbors(n int) int {
	const defaultNeighbors = 15
	if n <= defaultNeighbors {
		return max(2, n-1)
	}
	return defaultNeighbors
}

// Point is a 2D projected coordinate.
type Point struct {
	X float64
	Y float64
}

const (
	projectionEpochs       = 200
	projectionLearningRate = 0.1
)

// Project embeds high-dimensional vectors into 2D. It seeds the layout with
// the two leading principal components, then refines it by pulling each
// point toward its nNeighbors nearest neighbors (measured in the original
// space) and pushing it away from sampled non-neighbors. The same seed and
// input always produce the same layout.
func Project(embeddings [][]float32, nNeighbors int, seed int64) ([]Point, error) {
	n := len(embeddings)
	if n < 2 {
		return nil, fmt.Errorf("projection requires at least 2 points, got %d", n)
	}
	dim := len(embeddings[0])
	for i, e := range embeddings {
		if len(e) != dim {
			return nil, fmt.Errorf("embedding %d has dimension %d, want %d", i, len(e), dim)
		}
	}
	if nNeighbors >= n {
		nNeighbors = n - 1
	}
	if nNeighbors < 1 {
		nNeighbors = 1
	}

	points := pcaSeed(embeddings)
	neighbors := nearestNeighbors(embeddings, nNeighbors)
	refineLayout(points, neighbors, rand.New(rand.NewSource(seed)))
	return points, nil
}

// pcaSeed projects onto the two leading principal components. When the
// decomposition fails (degenerate input) it falls back to the first two
// raw coordinates.
func pcaSeed(embeddings [][]float32) []Point {
	n := len(embeddings)
	dim := len(embeddings[0])

	data := mat.NewDense(n, dim, nil)
	for i, e := range embeddings {
		for j, v := range e {
			data.Set(i, j, float64(v))
		}
	}

	points := make([]Point, n)
	var pc stat.PC
	if dim >= 2 && pc.PrincipalComponents(data, nil) {
		var vecs mat.Dense
		pc.VectorsTo(&vecs)
		var projected mat.Dense
		projected.Mul(data, vecs.Slice(0, dim, 0, 2))
		for i := range points {
			points[i] = Point{X: projected.At(i, 0), Y: projected.At(i, 1)}
		}
	} else {
		for i, e := range embeddings {
			points[i].X = float64(e[0])
			if dim > 1 {
				points[i].Y = float64(e[1])
			}
		}
	}

	normalizeSpread(points)
	return points
}

// normalizeSpread rescales coordinates to unit standard deviation so the
// refinement forces work at a predictable scale.
func normalizeSpread(points []Point) {
	xs := make([]float64, len(points))
	ys := make([]float64, len(points))
	for i, p := range points {
		xs[i] = p.X
		ys[i] = p.Y
	}
	meanX, stdX := stat.MeanStdDev(xs, nil)
	meanY, stdY := stat.MeanStdDev(ys, nil)
	if stdX == 0 || math.IsNaN(stdX) {
		stdX = 1
	}
	if stdY == 0 || math.IsNaN(stdY) {
		stdY = 1
	}
	for i := range points {
		points[i].X = (points[i].X - meanX) / stdX
		points[i].Y = (points[i].Y - meanY) / stdY
	}
}

func nearestNeighbors(embeddings [][]float32, k int) [][]int {
	n := len(embeddings)
	type candidate struct {
		index int
		dist  float64
	}

	neighbors := make([][]int, n)
	for i := range embeddings {
		candidates := make([]candidate, 0, n-1)
		for j := range embeddings {
			if i == j {
				continue
			}
			candidates = append(candidates, candidate{index: j, dist: sqDistHighDim(embeddings[i], embeddings[j])})
		}
		sort.Slice(candidates, func(a, b int) bool {
			if candidates[a].dist != candidates[b].dist {
				return candidates[a].dist < candidates[b].dist
			}
			return candidates[a].index < candidates[b].index
		})
		ids := make([]int, k)
		for j := 0; j < k; j++ {
			ids[j] = candidates[j].index
		}
		neighbors[i] = ids
	}
	return neighbors
}

func sqDistHighDim(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

// refineLayout runs attraction along neighbor edges and repulsion against
// sampled non-neighbors with a linearly decaying learning rate.
func refineLayout(points []Point, neighbors [][]int, rng *rand.Rand) {
	n := len(points)
	for epoch := 0; epoch < projectionEpochs; epoch++ {
		lr := projectionLearningRate * (1 - float64(epoch)/float64(projectionEpochs))
		for i := 0; i < n; i++ {
			for _, j := range neighbors[i] {
				dx := points[j].X - points[i].X
				dy := points[j].Y - points[i].Y
				points[i].X += lr * dx
				points[i].Y += lr * dy
			}

			k := rng.Intn(n)
			if k == i {
				continue
			}
			dx := points[i].X - points[k].X
			dy := points[i].Y - points[k].Y
			sq := dx*dx + dy*dy + 1e-3
			points[i].X += lr * dx / sq
			points[i].Y += lr * dy / sq
		}
	}
}
