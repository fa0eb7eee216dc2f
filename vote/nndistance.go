package vote

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

// DistanceMode selects the per-coordinate distance used by NNDistance.
type DistanceMode string

const (
	// DistanceSmoothL1 sums the Huber (smooth L1, delta=1) loss over the 3
	// coordinates.
	DistanceSmoothL1 DistanceMode = "smooth_l1"

	// DistanceL1 averages the absolute coordinate differences.
	DistanceL1 DistanceMode = "l1"

	// DistanceL2 averages the squared coordinate differences.
	DistanceL2 DistanceMode = "l2"
)

// NNDistance computes the bidirectional nearest-neighbor distance between two
// batched point sets, shaped [batch, n, 3] and [batch, m, 3].
//
// It returns the distance from each point in points1 to its nearest neighbor
// in points2 along with that neighbor's index, and the same in the other
// direction: dist1 and idx1 are shaped [batch, n], dist2 and idx2 [batch, m].
// Indices are Int32. The full n*m pairwise distance matrix is materialized,
// which is fine for seed-sized point sets.
//
// Note the l1 and l2 modes average the per-coordinate terms rather than
// summing them, so they run at a third of the scale of the plain L1/squared-L2
// distance. Downstream loss weights were tuned against this scale; keep it.
//
// An unknown mode panics with an unsupported-mode error.
func NNDistance(points1, points2 *Node, mode DistanceMode) (dist1, idx1, dist2, idx2 *Node) {
	if points1.Rank() != 3 || points1.Shape().Dim(-1) != 3 {
		exceptions.Panicf("vote: points1 must be shaped [batch, n, 3], got %s", points1.Shape())
	}
	if points2.Rank() != 3 || points2.Shape().Dim(-1) != 3 {
		exceptions.Panicf("vote: points2 must be shaped [batch, m, 3], got %s", points2.Shape())
	}
	if points1.Shape().Dim(0) != points2.Shape().Dim(0) {
		exceptions.Panicf("vote: points1 %s and points2 %s disagree on batch size",
			points1.Shape(), points2.Shape())
	}

	batchSize := points1.Shape().Dim(0)
	n := points1.Shape().Dim(1)
	m := points2.Shape().Dim(1)

	// [batch, n, 1, 3] - [batch, 1, m, 3] -> [batch, n, m, 3]
	diff := Sub(
		Reshape(points1, batchSize, n, 1, 3),
		Reshape(points2, batchSize, 1, m, 3))

	var pairDist *Node // [batch, n, m]
	switch mode {
	case DistanceSmoothL1:
		a := Abs(diff)
		quadratic := MulScalar(Mul(a, a), 0.5)
		linear := AddScalar(a, -0.5)
		pairDist = ReduceSum(Where(LessThan(a, OnesLike(a)), quadratic, linear), 3)
	case DistanceL1:
		pairDist = ReduceMean(Abs(diff), 3)
	case DistanceL2:
		pairDist = ReduceMean(Mul(diff, diff), 3)
	default:
		exceptions.Panicf("vote: unsupported nearest-neighbor distance mode %q (want %q, %q or %q)",
			mode, DistanceSmoothL1, DistanceL1, DistanceL2)
	}

	dist1 = ReduceMin(pairDist, 2)
	idx1 = ArgMin(pairDist, 2, dtypes.Int32)
	dist2 = ReduceMin(pairDist, 1)
	idx2 = ArgMin(pairDist, 1, dtypes.Int32)
	return
}
