package vote

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

// Loss scores the votes cast by Forward against ground-truth vote targets
// and returns a scalar suitable for gradient descent.
//
// Arguments:
//   - seedPoints: [batch, numSeed, 3] coordinates of the seeds.
//   - votePoints: [batch, numSeed*votesPerSeed, 3] from Forward.
//   - seedIndices: [batch, numSeed] integer index of each seed's slot in the
//     ground-truth vote arrays.
//   - voteTargetsMask: [batch, numSlots] validity of each slot (nonzero means
//     the slot carries a real target); any numeric dtype.
//   - voteTargets: [batch, numSlots, 3*gtPerSeed] displacements from the slot
//     point to its candidate object centers, relative to the seed coordinate.
//
// Each seed is charged the distance (l1 mode) from its best-matching vote to
// the nearest of its gtPerSeed candidate targets; seeds without a valid
// target are masked out, and the total is normalized by the count of valid
// seeds (plus 1e-6, so an all-invalid batch yields a near-zero loss rather
// than a division by zero). The result is scaled by the configured loss
// weight.
func (m *Module) Loss(seedPoints, votePoints, seedIndices, voteTargetsMask, voteTargets *Node) *Node {
	if seedPoints.Rank() != 3 || seedPoints.Shape().Dim(-1) != 3 {
		exceptions.Panicf("vote: seedPoints must be shaped [batch, numSeed, 3], got %s", seedPoints.Shape())
	}
	batchSize := seedPoints.Shape().Dim(0)
	numSeed := seedPoints.Shape().Dim(1)
	if votePoints.Rank() != 3 || votePoints.Shape().Dim(-1) != 3 ||
		votePoints.Shape().Dim(0) != batchSize ||
		votePoints.Shape().Dim(1) != numSeed*m.cfg.votesPerSeed {
		exceptions.Panicf("vote: votePoints must be shaped [%d, %d, 3], got %s",
			batchSize, numSeed*m.cfg.votesPerSeed, votePoints.Shape())
	}
	if seedIndices.Rank() != 2 || seedIndices.Shape().Dim(0) != batchSize ||
		seedIndices.Shape().Dim(1) != numSeed {
		exceptions.Panicf("vote: seedIndices must be shaped [%d, %d], got %s",
			batchSize, numSeed, seedIndices.Shape())
	}
	if !seedIndices.DType().IsInt() {
		exceptions.Panicf("vote: seedIndices must be an integer tensor, got %s", seedIndices.DType())
	}
	if voteTargetsMask.Rank() != 2 || voteTargetsMask.Shape().Dim(0) != batchSize {
		exceptions.Panicf("vote: voteTargetsMask must be shaped [%d, numSlots], got %s",
			batchSize, voteTargetsMask.Shape())
	}
	numSlots := voteTargetsMask.Shape().Dim(1)
	if voteTargets.Rank() != 3 || voteTargets.Shape().Dim(0) != batchSize ||
		voteTargets.Shape().Dim(1) != numSlots ||
		voteTargets.Shape().Dim(2) != 3*m.cfg.gtPerSeed {
		exceptions.Panicf("vote: voteTargets must be shaped [%d, %d, %d], got %s",
			batchSize, numSlots, 3*m.cfg.gtPerSeed, voteTargets.Shape())
	}

	dtype := seedPoints.DType()

	// Per-seed gather over the slot axis, as a one-hot contraction:
	// slotSel is [batch, numSeed, numSlots].
	slotSel := OneHot(seedIndices, numSlots, dtype)
	seedGtMask := Einsum("bnk,bk->bn", slotSel, ConvertDType(voteTargetsMask, dtype))
	posNum := ReduceAllSum(seedGtMask)

	// Relative displacements -> absolute candidate coordinates, the seed
	// coordinate replicated once per candidate.
	seedGtVotes := Einsum("bnk,bkd->bnd", slotSel, ConvertDType(voteTargets, dtype))
	tiles := make([]*Node, m.cfg.gtPerSeed)
	for i := range tiles {
		tiles[i] = seedPoints
	}
	seedGtVotes = Add(seedGtVotes, Concatenate(tiles, -1))

	// Per seed: distance from each candidate to its nearest predicted vote,
	// then keep the closest candidate.
	pred := Reshape(votePoints, batchSize*numSeed, m.cfg.votesPerSeed, 3)
	gt := Reshape(seedGtVotes, batchSize*numSeed, m.cfg.gtPerSeed, 3)
	_, _, distToPred, _ := NNDistance(pred, gt, DistanceL1)
	votesDist := Reshape(ReduceMin(distToPred, 1), batchSize, numSeed)

	voteLoss := Div(
		ReduceAllSum(Mul(votesDist, seedGtMask)),
		AddScalar(posNum, 1e-6))
	return MulScalar(voteLoss, m.cfg.lossWeight)
}
