// Package scenes produces the tensors the vote module trains on: seed
// points, seed features and per-slot vote targets.
//
// The primary dataset is synthetic: rooms containing a handful of objects,
// raw points sampled on object surfaces plus background clutter, and for
// every object point the displacement to its object center as the
// ground-truth vote target. A small CSV loader (see csv.go) reads
// pre-captured scenes in the same layout.
//
// Dataset implements the gomlx train.Dataset interface (Name/Yield/Reset) so
// it can be fed directly to a gomlx training loop.
package scenes

import (
	"fmt"
	"io"
	"math/rand"
	"sort"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Config holds the knobs for synthetic scene generation and batching.
type Config struct {
	// NumScenes is how many scenes to generate. Default 64.
	NumScenes int

	// NumPoints is the number of raw points per scene; this is also the
	// number of ground-truth vote slots. Default 256.
	NumPoints int

	// NumSeeds is how many seeds are sampled (without replacement) from the
	// raw points. Must be <= NumPoints. Default 64.
	NumSeeds int

	// FeatureDim is the seed feature width. Must be >= 5: the first five
	// channels carry local geometry, the rest per-point noise. Default 16.
	FeatureDim int

	// MaxObjects caps the number of objects per scene (at least one is
	// always placed). Default 4.
	MaxObjects int

	// GTPerSeed is the number of candidate ground-truth votes per slot.
	// Default 3.
	GTPerSeed int

	// RoomSize is the edge length of the cubic room points are placed in.
	// Default 8.
	RoomSize float64

	// ObjectRadius is the nominal radius of object surfaces. Default 0.6.
	ObjectRadius float64

	// ClutterRatio is the fraction of raw points that are background
	// clutter with no vote target. Default 0.3.
	ClutterRatio float64

	// BatchSize for Yield. Default 8.
	BatchSize int

	// Seed for the generator RNG. If zero, a time-based seed is used.
	Seed int64
}

func (c *Config) applyDefaults() {
	if c.NumScenes == 0 {
		c.NumScenes = 64
	}
	if c.NumPoints == 0 {
		c.NumPoints = 256
	}
	if c.NumSeeds == 0 {
		c.NumSeeds = 64
	}
	if c.FeatureDim == 0 {
		c.FeatureDim = 16
	}
	if c.MaxObjects == 0 {
		c.MaxObjects = 4
	}
	if c.GTPerSeed == 0 {
		c.GTPerSeed = 3
	}
	if c.RoomSize == 0 {
		c.RoomSize = 8
	}
	if c.ObjectRadius == 0 {
		c.ObjectRadius = 0.6
	}
	if c.ClutterRatio == 0 {
		c.ClutterRatio = 0.3
	}
	if c.BatchSize == 0 {
		c.BatchSize = 8
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
}

func (c *Config) validate() error {
	if c.NumScenes < 1 {
		return fmt.Errorf("NumScenes must be >= 1, got %d", c.NumScenes)
	}
	if c.NumSeeds > c.NumPoints {
		return fmt.Errorf("NumSeeds (%d) cannot exceed NumPoints (%d)", c.NumSeeds, c.NumPoints)
	}
	if c.FeatureDim < 5 {
		return fmt.Errorf("FeatureDim must be >= 5, got %d", c.FeatureDim)
	}
	if c.GTPerSeed < 1 {
		return fmt.Errorf("GTPerSeed must be >= 1, got %d", c.GTPerSeed)
	}
	if c.ClutterRatio < 0 || c.ClutterRatio >= 1 {
		return fmt.Errorf("ClutterRatio must be in [0, 1), got %v", c.ClutterRatio)
	}
	return nil
}

// Scene is one generated (or loaded) room.
type Scene struct {
	// Points are the raw points; their order defines the vote-target slots.
	Points []r3.Vec

	// Centers are the object centers, kept for plotting and evaluation.
	Centers []r3.Vec

	// SeedIndices are indices into Points for the sampled seeds.
	SeedIndices []int32

	// TargetsMask marks slots whose point belongs to an object (1) versus
	// clutter (0). Length NumPoints.
	TargetsMask []float32

	// Targets holds, per slot, GTPerSeed candidate displacements from the
	// point to an object center, flattened to 3*GTPerSeed values.
	Targets []float32

	// seedFeats caches the channel-major [FeatureDim, NumSeeds] features.
	seedFeats []float32
}

// Dataset generates and serves scenes. It is not safe for concurrent use.
type Dataset struct {
	cfg    Config
	scenes []*Scene
	order  []int
	next   int
	loop   bool
	rng    *rand.Rand
}

// New builds a synthetic dataset. Scenes are generated eagerly; with the
// default configuration this is a few MB of float32 data.
func New(cfg Config) (*Dataset, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	d := &Dataset{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}
	d.scenes = make([]*Scene, cfg.NumScenes)
	for i := range d.scenes {
		d.scenes[i] = d.generateScene()
	}
	d.order = make([]int, len(d.scenes))
	for i := range d.order {
		d.order[i] = i
	}
	return d, nil
}

// Loop controls what happens when every scene has been yielded once: with
// looping enabled Yield starts over, otherwise it returns io.EOF until Reset
// is called. Default is off.
func (d *Dataset) Loop(enabled bool) *Dataset {
	d.loop = enabled
	return d
}

// Config returns the configuration the dataset was built with, with defaults
// applied.
func (d *Dataset) Config() Config { return d.cfg }

// Len returns the number of scenes.
func (d *Dataset) Len() int { return len(d.scenes) }

// Scene returns the i-th scene.
func (d *Dataset) Scene(i int) (*Scene, error) {
	if i < 0 || i >= len(d.scenes) {
		return nil, fmt.Errorf("scene index %d out of range [0, %d)", i, len(d.scenes))
	}
	return d.scenes[i], nil
}

// Shuffle reorders the scenes served by Yield. A zero seed draws from the
// dataset's own rng, so repeated shuffles stay deterministic per Config.Seed.
// With looping enabled Yield reshuffles on its own at every wrap.
func (d *Dataset) Shuffle(seed int64) {
	rng := d.rng
	if seed != 0 {
		rng = rand.New(rand.NewSource(seed))
	}
	rng.Shuffle(len(d.order), func(i, j int) {
		d.order[i], d.order[j] = d.order[j], d.order[i]
	})
}

// Name implements the gomlx train.Dataset interface.
func (d *Dataset) Name() string { return "scenes" }

// Reset implements the gomlx train.Dataset interface.
func (d *Dataset) Reset() { d.next = 0 }

// Yield returns the next batch as gomlx tensors.
//
// Inputs: seedPoints [batch, NumSeeds, 3] and seedFeats
// [batch, FeatureDim, NumSeeds]. Labels: seedIndices [batch, NumSeeds]
// (int32), targetsMask [batch, NumPoints] and targets
// [batch, NumPoints, 3*GTPerSeed].
func (d *Dataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if d.next >= len(d.order) {
		if !d.loop {
			return nil, nil, nil, io.EOF
		}
		d.Shuffle(0)
		d.next = 0
	}
	end := d.next + d.cfg.BatchSize
	if end > len(d.order) {
		if d.loop {
			// Wrap instead of serving a short batch.
			d.Shuffle(0)
			d.next = 0
			end = min(d.cfg.BatchSize, len(d.order))
		} else {
			end = len(d.order)
		}
	}
	batch := d.order[d.next:end]
	d.next = end

	var (
		b      = len(batch)
		n      = d.cfg.NumSeeds
		c      = d.cfg.FeatureDim
		k      = d.cfg.NumPoints
		gtDim  = 3 * d.cfg.GTPerSeed
		points = make([]float32, b*n*3)
		feats  = make([]float32, b*c*n)
		idxs   = make([]int32, b*n)
		mask   = make([]float32, b*k)
		tgts   = make([]float32, b*k*gtDim)
	)
	for bi, si := range batch {
		s := d.scenes[si]
		for i, pi := range s.SeedIndices {
			p := s.Points[pi]
			points[(bi*n+i)*3+0] = float32(p.X)
			points[(bi*n+i)*3+1] = float32(p.Y)
			points[(bi*n+i)*3+2] = float32(p.Z)
			idxs[bi*n+i] = pi
		}
		copy(feats[bi*c*n:], s.seedFeats)
		copy(mask[bi*k:], s.TargetsMask)
		copy(tgts[bi*k*gtDim:], s.Targets)
	}
	inputs = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(points, b, n, 3),
		tensors.FromFlatDataAndDimensions(feats, b, c, n),
	}
	labels = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(idxs, b, n),
		tensors.FromFlatDataAndDimensions(mask, b, k),
		tensors.FromFlatDataAndDimensions(tgts, b, k, gtDim),
	}
	return nil, inputs, labels, nil
}

// generateScene places objects in the room, samples points on their surfaces
// plus clutter, and derives the vote targets.
func (d *Dataset) generateScene() *Scene {
	cfg := d.cfg
	s := &Scene{
		Points:      make([]r3.Vec, cfg.NumPoints),
		TargetsMask: make([]float32, cfg.NumPoints),
		Targets:     make([]float32, cfg.NumPoints*3*cfg.GTPerSeed),
	}

	numObjects := 1 + d.rng.Intn(cfg.MaxObjects)
	half := cfg.RoomSize / 2
	for o := 0; o < numObjects; o++ {
		s.Centers = append(s.Centers, r3.Vec{
			X: d.rng.Float64()*cfg.RoomSize - half,
			Y: d.rng.Float64()*cfg.RoomSize - half,
			Z: d.rng.Float64() * half,
		})
	}

	for i := range s.Points {
		if d.rng.Float64() < cfg.ClutterRatio {
			s.Points[i] = r3.Vec{
				X: d.rng.Float64()*cfg.RoomSize - half,
				Y: d.rng.Float64()*cfg.RoomSize - half,
				Z: d.rng.Float64() * half,
			}
			continue
		}
		center := s.Centers[d.rng.Intn(len(s.Centers))]
		radius := cfg.ObjectRadius * (0.8 + 0.4*d.rng.Float64())
		s.Points[i] = r3.Add(center, r3.Scale(radius, d.randomUnit()))
		s.TargetsMask[i] = 1

		// Candidate 0 votes for the true center; the others are slightly
		// jittered alternatives, as annotation would produce for points
		// shared between overlapping objects.
		base := i * 3 * cfg.GTPerSeed
		for g := 0; g < cfg.GTPerSeed; g++ {
			target := center
			if g > 0 {
				jitter := r3.Scale(0.05*cfg.ObjectRadius, d.randomUnit())
				target = r3.Add(center, jitter)
			}
			disp := r3.Sub(target, s.Points[i])
			s.Targets[base+g*3+0] = float32(disp.X)
			s.Targets[base+g*3+1] = float32(disp.Y)
			s.Targets[base+g*3+2] = float32(disp.Z)
		}
	}

	perm := d.rng.Perm(cfg.NumPoints)
	s.SeedIndices = make([]int32, cfg.NumSeeds)
	for i := 0; i < cfg.NumSeeds; i++ {
		s.SeedIndices[i] = int32(perm[i])
	}

	s.seedFeats = computeSeedFeatures(s, cfg.FeatureDim, d.rng)
	return s
}

// randomUnit samples a uniformly distributed unit vector.
func (d *Dataset) randomUnit() r3.Vec {
	for {
		v := r3.Vec{
			X: d.rng.Float64()*2 - 1,
			Y: d.rng.Float64()*2 - 1,
			Z: d.rng.Float64()*2 - 1,
		}
		n := r3.Norm(v)
		if n > 1e-3 && n <= 1 {
			return r3.Scale(1/n, v)
		}
	}
}

// computeSeedFeatures builds channel-major [featureDim, numSeeds] features
// using only label-free geometry: the offset to the centroid of the seed's
// nearest neighbors, its height, and its mean neighbor distance. Remaining
// channels get per-point noise so the feature width is exercised.
func computeSeedFeatures(s *Scene, featureDim int, rng *rand.Rand) []float32 {
	const numNeighbors = 8
	numSeeds := len(s.SeedIndices)
	feats := make([]float32, featureDim*numSeeds)

	for i, pi := range s.SeedIndices {
		p := s.Points[pi]
		centroid, meanDist := neighborStats(s.Points, int(pi), numNeighbors)
		toCentroid := r3.Sub(centroid, p)

		feats[0*numSeeds+i] = float32(toCentroid.X)
		feats[1*numSeeds+i] = float32(toCentroid.Y)
		feats[2*numSeeds+i] = float32(toCentroid.Z)
		feats[3*numSeeds+i] = float32(p.Z)
		feats[4*numSeeds+i] = float32(meanDist)
		for c := 5; c < featureDim; c++ {
			feats[c*numSeeds+i] = float32(rng.NormFloat64() * 0.1)
		}
	}
	return feats
}

// neighborStats returns the centroid of the k nearest neighbors of points[i]
// and their mean distance. Sorts every pairwise distance, which is fine at
// scene sizes.
func neighborStats(points []r3.Vec, i, k int) (centroid r3.Vec, meanDist float64) {
	type neighbor struct {
		dist float64
		at   int
	}
	all := make([]neighbor, 0, len(points)-1)
	for j, q := range points {
		if j == i {
			continue
		}
		all = append(all, neighbor{dist: r3.Norm(r3.Sub(q, points[i])), at: j})
	}
	sort.Slice(all, func(a, b int) bool { return all[a].dist < all[b].dist })
	if k > len(all) {
		k = len(all)
	}
	for _, nb := range all[:k] {
		centroid = r3.Add(centroid, points[nb.at])
		meanDist += nb.dist
	}
	if k > 0 {
		centroid = r3.Scale(1/float64(k), centroid)
		meanDist /= float64(k)
	}
	return centroid, meanDist
}
