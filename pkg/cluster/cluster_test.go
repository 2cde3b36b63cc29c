package cluster

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blobs returns three well-separated groups of count points each.
func blobs(count int, seed int64) ([]Point, []int) {
	rng := rand.New(rand.NewSource(seed))
	centers := []Point{{0, 0}, {10, 0}, {0, 10}}

	var points []Point
	var truth []int
	for c, center := range centers {
		for i := 0; i < count; i++ {
			points = append(points, Point{
				X: center.X + rng.NormFloat64()*0.5,
				Y: center.Y + rng.NormFloat64()*0.5,
			})
			truth = append(truth, c)
		}
	}
	return points, truth
}

func TestKMeansRecoversBlobs(t *testing.T) {
	points, truth := blobs(20, 1)

	result, err := KMeans(points, 3, 42)
	require.NoError(t, err)
	require.Len(t, result.Labels, len(points))
	require.Len(t, result.Centers, 3)

	// Every ground-truth group must map to exactly one k-means label.
	mapping := map[int]int{}
	for i, label := range result.Labels {
		if prev, ok := mapping[truth[i]]; ok {
			assert.Equal(t, prev, label, "point %d crossed group boundaries", i)
		} else {
			mapping[truth[i]] = label
		}
	}
	assert.Len(t, mapping, 3)
}

func TestKMeansIsDeterministic(t *testing.T) {
	points, _ := blobs(15, 2)

	a, err := KMeans(points, 4, 42)
	require.NoError(t, err)
	b, err := KMeans(points, 4, 42)
	require.NoError(t, err)

	assert.Equal(t, a.Labels, b.Labels)
	assert.Equal(t, a.Centers, b.Centers)
}

func TestKMeansRejectsImpossibleK(t *testing.T) {
	points := []Point{{0, 0}, {1, 1}}
	_, err := KMeans(points, 3, 42)
	assert.Error(t, err)
	_, err = KMeans(points, 0, 42)
	assert.Error(t, err)
}

func TestWardMergeLabelsAreOneBasedAndStable(t *testing.T) {
	// Two tight pairs and one far singleton.
	centers := []Point{{0, 0}, {0.1, 0}, {10, 10}, {10.1, 10}, {50, 50}}

	labels, err := WardMerge(centers, 3)
	require.NoError(t, err)
	require.Len(t, labels, len(centers))

	assert.Equal(t, labels[0], labels[1])
	assert.Equal(t, labels[2], labels[3])
	assert.NotEqual(t, labels[0], labels[2])
	assert.NotEqual(t, labels[0], labels[4])

	// First appearance ordering: centroid 0's group is 1, centroid 2's is 2.
	assert.Equal(t, 1, labels[0])
	assert.Equal(t, 2, labels[2])
	assert.Equal(t, 3, labels[4])
}

func TestWardMergeRejectsBadCut(t *testing.T) {
	centers := []Point{{0, 0}, {1, 1}}
	_, err := WardMerge(centers, 3)
	assert.Error(t, err)
	_, err = WardMerge(centers, 0)
	assert.Error(t, err)
}

func TestBuildLevelsNestsPartitions(t *testing.T) {
	points, _ := blobs(10, 3)

	levels, err := BuildLevels(points, []int{3, 6}, 42)
	require.NoError(t, err)
	require.Len(t, levels, 2)

	assert.Equal(t, 3, levels[0].Count)
	assert.Equal(t, 6, levels[1].Count)

	// The coarse level must be a strict coarsening of the fine level: every
	// fine cluster sits entirely inside one coarse cluster.
	fineToCoarse := map[int]int{}
	for i := range points {
		fine := levels[1].Labels[i]
		coarse := levels[0].Labels[i]
		if prev, ok := fineToCoarse[fine]; ok {
			assert.Equal(t, prev, coarse, "fine cluster %d split across coarse clusters", fine)
		} else {
			fineToCoarse[fine] = coarse
		}
	}

	distinct := func(labels []int) int {
		seen := map[int]bool{}
		for _, l := range labels {
			seen[l] = true
		}
		return len(seen)
	}
	assert.LessOrEqual(t, distinct(levels[0].Labels), 3)
	assert.LessOrEqual(t, distinct(levels[1].Labels), 6)
}

func TestClusterID(t *testing.T) {
	assert.Equal(t, "1_3", ClusterID(1, 3))
	assert.Equal(t, "2_0", ClusterID(2, 0))
}

func TestSilhouetteSeparatedBlobsScoreHigh(t *testing.T) {
	points, truth := blobs(10, 4)

	score, err := Silhouette(points, truth)
	require.NoError(t, err)
	assert.Greater(t, score, 0.8)
}

func TestSilhouetteRejectsDegenerateLabellings(t *testing.T) {
	points := []Point{{0, 0}, {1, 1}, {2, 2}}

	_, err := Silhouette(points, []int{0, 0, 0})
	assert.Error(t, err)

	_, err = Silhouette(points, []int{0, 1, 2})
	assert.Error(t, err)

	_, err = Silhouette(points, []int{0, 1})
	assert.Error(t, err)
}

func TestAutoTunePicksSeparatedStructure(t *testing.T) {
	points, _ := blobs(10, 5)

	result := AutoTune(points, 2, 5, 10, 42)
	require.NotNil(t, result)
	assert.Equal(t, [2]int{2, 5}, result.TopRange)
	assert.Equal(t, [2]int{6, 10}, result.BottomRange)
	assert.NotEmpty(t, result.Results)

	nums, err := result.ClusterNums()
	require.NoError(t, err)
	require.Len(t, nums, 2)
	assert.Equal(t, 3, nums[0], "three blobs should win the top sweep")
	assert.Greater(t, nums[1], nums[0])
}

func TestAutoTuneClampsRangesToDataSize(t *testing.T) {
	points := []Point{{0, 0}, {5, 5}, {10, 0}, {0, 10}}

	result := AutoTune(points, 2, 10, 20, 42)
	assert.LessOrEqual(t, result.TopRange[1], 3)
	assert.LessOrEqual(t, result.BottomRange[1], 3)
}

func TestDefaultNeighbors(t *testing.T) {
	assert.Equal(t, 15, DefaultNeighbors(100))
	assert.Equal(t, 15, DefaultNeighbors(16))
	assert.Equal(t, 9, DefaultNeighbors(10))
	assert.Equal(t, 2, DefaultNeighbors(3))
	assert.Equal(t, 2, DefaultNeighbors(2))
}

func TestProjectIsDeterministicAndKeepsNeighborhoods(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	embeddings := make([][]float32, 30)
	for i := range embeddings {
		vec := make([]float32, 8)
		base := float32(0)
		if i >= 15 {
			base = 10
		}
		for j := range vec {
			vec[j] = base + float32(rng.NormFloat64())*0.2
		}
		embeddings[i] = vec
	}

	a, err := Project(embeddings, DefaultNeighbors(len(embeddings)), 42)
	require.NoError(t, err)
	b, err := Project(embeddings, DefaultNeighbors(len(embeddings)), 42)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// The two source groups should stay separable in 2D: k-means at k=2 must
	// not mix them.
	km, err := KMeans(a, 2, 42)
	require.NoError(t, err)
	for i := 1; i < 15; i++ {
		assert.Equal(t, km.Labels[0], km.Labels[i])
	}
	for i := 16; i < 30; i++ {
		assert.Equal(t, km.Labels[15], km.Labels[i])
	}
	assert.NotEqual(t, km.Labels[0], km.Labels[15])
}

func TestProjectValidatesInput(t *testing.T) {
	_, err := Project([][]float32{{1, 2}}, 2, 42)
	assert.Error(t, err)

	_, err = Project([][]float32{{1, 2}, {1}}, 2, 42)
	assert.Error(t, err)
}
