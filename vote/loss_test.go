package vote

import (
	"math"
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

func lossExec(backend backends.Backend, m *Module) *Exec {
	return MustNewExec(backend, func(seedPoints, votePoints, seedIndices, mask, targets *Node) *Node {
		return m.Loss(seedPoints, votePoints, seedIndices, mask, targets)
	})
}

func scalarOf(t *testing.T, ts *tensors.Tensor) float64 {
	t.Helper()
	return float64(tensors.MustCopyFlatData[float32](ts)[0])
}

// lossFixture builds a small hand-checkable scenario: one batch, two seeds,
// each pointing at its own target slot.
//
//	seed 0 at (0,0,0), vote at (1,0,0), candidate centers (1,0,0) and (4,0,0)
//	seed 1 at (2,0,0), vote at (2,0,0), candidate centers (3,0,0) and (2,1,0)
//
// With l1 distances averaged over coordinates, seed 0's best candidate is
// exact (0) and seed 1's best is 1/3. Both seeds valid: loss = (1/3)/2.
type lossFixture struct {
	seedPoints, votePoints, targets *tensors.Tensor
	seedIndices                     *tensors.Tensor
	mask                            *tensors.Tensor
}

func newLossFixture(maskVals []float32) *lossFixture {
	seedPoints := tensors.FromValue([][][]float32{{{0, 0, 0}, {2, 0, 0}}})
	votePoints := tensors.FromValue([][][]float32{{{1, 0, 0}, {2, 0, 0}}})
	seedIndices := tensors.FromValue([][]int32{{0, 1}})
	mask := tensors.FromValue([][]float32{maskVals})
	// Displacements relative to the seed coordinate, two candidates per slot.
	targets := tensors.FromValue([][][]float32{{
		{1, 0, 0 /* -> (1,0,0) */, 4, 0, 0 /* -> (4,0,0) */},
		{1, 0, 0 /* -> (3,0,0) */, 0, 1, 0 /* -> (2,1,0) */},
	}})
	return &lossFixture{
		seedPoints:  seedPoints,
		votePoints:  votePoints,
		seedIndices: seedIndices,
		mask:        mask,
		targets:     targets,
	}
}

func TestLossMatchesManualComputation(t *testing.T) {
	backend := newTestBackend(t)
	m, err := New(4).GTPerSeed(2).Done()
	if err != nil {
		t.Fatalf("Done: %v", err)
	}
	fx := newLossFixture([]float32{1, 1})
	got := scalarOf(t, lossExec(backend, m).MustExec(
		fx.seedPoints, fx.votePoints, fx.seedIndices, fx.mask, fx.targets)[0])

	want := (0.0 + 1.0/3.0) / (2 + 1e-6)
	if math.Abs(got-want) > 1e-5 {
		t.Fatalf("loss = %v, want %v", got, want)
	}
}

func TestLossMasksInvalidSeeds(t *testing.T) {
	backend := newTestBackend(t)
	m, err := New(4).GTPerSeed(2).Done()
	if err != nil {
		t.Fatalf("Done: %v", err)
	}
	// Seed 1 (the one contributing 1/3) is masked out; only seed 0 remains
	// and it votes exactly on target.
	fx := newLossFixture([]float32{1, 0})
	got := scalarOf(t, lossExec(backend, m).MustExec(
		fx.seedPoints, fx.votePoints, fx.seedIndices, fx.mask, fx.targets)[0])
	if math.Abs(got) > 1e-5 {
		t.Fatalf("loss = %v, want 0 (the only valid seed votes exactly on target)", got)
	}
}

func TestLossAllInvalidMaskIsNearZero(t *testing.T) {
	backend := newTestBackend(t)
	m, err := New(4).GTPerSeed(2).Done()
	if err != nil {
		t.Fatalf("Done: %v", err)
	}
	fx := newLossFixture([]float32{0, 0})
	got := scalarOf(t, lossExec(backend, m).MustExec(
		fx.seedPoints, fx.votePoints, fx.seedIndices, fx.mask, fx.targets)[0])
	// Only the 1e-6 normalization guard keeps this from dividing by zero;
	// the numerator is exactly zero.
	if got != 0 {
		t.Fatalf("loss = %v, want exactly 0 when every mask entry is 0", got)
	}
}

func TestLossScalesWithLossWeight(t *testing.T) {
	backend := newTestBackend(t)
	fx := newLossFixture([]float32{1, 1})

	losses := make([]float64, 2)
	for i, w := range []float64{1, 2} {
		m, err := New(4).GTPerSeed(2).LossWeight(w).Done()
		if err != nil {
			t.Fatalf("Done: %v", err)
		}
		losses[i] = scalarOf(t, lossExec(backend, m).MustExec(
			fx.seedPoints, fx.votePoints, fx.seedIndices, fx.mask, fx.targets)[0])
	}
	if math.Abs(losses[1]-2*losses[0]) > 1e-6 {
		t.Fatalf("doubling the loss weight should double the loss: got %v and %v",
			losses[0], losses[1])
	}
}

// TestLossPerfectVotes drives the full gather path with random scenes where
// every vote sits exactly on one of its candidate centers.
func TestLossPerfectVotes(t *testing.T) {
	backend := newTestBackend(t)
	rng := rand.New(rand.NewSource(23))

	const (
		batch    = 2
		numSeed  = 6
		numSlots = 10
		gt       = 3
	)
	m, err := New(4).GTPerSeed(gt).Done()
	if err != nil {
		t.Fatalf("Done: %v", err)
	}

	seedPoints := make([]float32, batch*numSeed*3)
	votePoints := make([]float32, batch*numSeed*3)
	seedIndices := make([]int32, batch*numSeed)
	mask := make([]float32, batch*numSlots)
	targets := make([]float32, batch*numSlots*3*gt)

	for b := 0; b < batch; b++ {
		slots := rng.Perm(numSlots) // distinct slot per seed
		for s := 0; s < numSeed; s++ {
			slot := slots[s]
			seedIndices[b*numSeed+s] = int32(slot)
			mask[b*numSlots+slot] = 1
			for k := 0; k < 3; k++ {
				seedPoints[(b*numSeed+s)*3+k] = rng.Float32()*2 - 1
			}
			// Fill the slot's candidates with random displacements...
			for c := 0; c < gt; c++ {
				for k := 0; k < 3; k++ {
					targets[((b*numSlots+slot)*gt+c)*3+k] = rng.Float32()*2 - 1
				}
			}
			// ...and put the vote exactly on one of them.
			chosen := rng.Intn(gt)
			for k := 0; k < 3; k++ {
				votePoints[(b*numSeed+s)*3+k] = seedPoints[(b*numSeed+s)*3+k] +
					targets[((b*numSlots+slot)*gt+chosen)*3+k]
			}
		}
	}

	got := scalarOf(t, lossExec(backend, m).MustExec(
		tensors.FromFlatDataAndDimensions(seedPoints, batch, numSeed, 3),
		tensors.FromFlatDataAndDimensions(votePoints, batch, numSeed, 3),
		tensors.FromFlatDataAndDimensions(seedIndices, batch, numSeed),
		tensors.FromFlatDataAndDimensions(mask, batch, numSlots),
		tensors.FromFlatDataAndDimensions(targets, batch, numSlots, 3*gt))[0])
	if math.Abs(got) > 1e-5 {
		t.Fatalf("loss = %v, want ~0 when every vote is on a candidate center", got)
	}
}
