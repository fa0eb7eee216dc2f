package scenes

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

func testConfig() Config {
	return Config{
		NumScenes:  6,
		NumPoints:  48,
		NumSeeds:   16,
		FeatureDim: 8,
		GTPerSeed:  3,
		BatchSize:  4,
		Seed:       99,
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{NumSeeds: 10, NumPoints: 5, Seed: 1})
	require.Error(t, err)
	_, err = New(Config{FeatureDim: 2, Seed: 1})
	require.Error(t, err)
	_, err = New(Config{ClutterRatio: 1.5, Seed: 1})
	require.Error(t, err)
}

func TestGeneratedScenesAreConsistent(t *testing.T) {
	ds, err := New(testConfig())
	require.NoError(t, err)
	require.Equal(t, 6, ds.Len())

	for i := 0; i < ds.Len(); i++ {
		s, err := ds.Scene(i)
		require.NoError(t, err)
		require.Len(t, s.Points, 48)
		require.Len(t, s.TargetsMask, 48)
		require.Len(t, s.Targets, 48*3*3)
		require.Len(t, s.SeedIndices, 16)
		require.NotEmpty(t, s.Centers)

		seen := map[int32]bool{}
		for _, idx := range s.SeedIndices {
			assert.GreaterOrEqual(t, idx, int32(0))
			assert.Less(t, idx, int32(48))
			assert.False(t, seen[idx], "seed indices must be distinct")
			seen[idx] = true
		}

		// For every object point, point + candidate-0 displacement must land
		// on one of the scene's object centers.
		for p := 0; p < 48; p++ {
			if s.TargetsMask[p] == 0 {
				continue
			}
			base := p * 3 * 3
			landed := r3.Add(s.Points[p], r3.Vec{
				X: float64(s.Targets[base+0]),
				Y: float64(s.Targets[base+1]),
				Z: float64(s.Targets[base+2]),
			})
			closest := math.Inf(1)
			for _, c := range s.Centers {
				if d := r3.Norm(r3.Sub(landed, c)); d < closest {
					closest = d
				}
			}
			assert.InDelta(t, 0, closest, 1e-5,
				"candidate 0 of point %d should vote for an object center", p)
		}
	}
}

func TestGenerationIsDeterministicPerSeed(t *testing.T) {
	a, err := New(testConfig())
	require.NoError(t, err)
	b, err := New(testConfig())
	require.NoError(t, err)

	sa, _ := a.Scene(0)
	sb, _ := b.Scene(0)
	require.Equal(t, sa.Points, sb.Points)
	require.Equal(t, sa.Targets, sb.Targets)
	require.Equal(t, sa.SeedIndices, sb.SeedIndices)
}

func TestYieldShapesAndEOF(t *testing.T) {
	ds, err := New(testConfig())
	require.NoError(t, err)

	var batches, scenesServed int
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Len(t, inputs, 2)
		require.Len(t, labels, 3)
		b := inputs[0].Shape().Dimensions[0]
		require.Equal(t, []int{b, 16, 3}, inputs[0].Shape().Dimensions)
		require.Equal(t, []int{b, 8, 16}, inputs[1].Shape().Dimensions)
		require.Equal(t, []int{b, 16}, labels[0].Shape().Dimensions)
		require.Equal(t, []int{b, 48}, labels[1].Shape().Dimensions)
		require.Equal(t, []int{b, 48, 9}, labels[2].Shape().Dimensions)
		batches++
		scenesServed += b
	}
	require.Equal(t, 2, batches) // 6 scenes at batch size 4: one full, one short
	require.Equal(t, 6, scenesServed)
	ds.Reset()
	_, _, _, err = ds.Yield()
	require.NoError(t, err, "Reset should rewind the dataset")
}

func TestYieldLoopNeverEOFs(t *testing.T) {
	ds, err := New(testConfig())
	require.NoError(t, err)
	ds.Loop(true)
	for i := 0; i < 10; i++ {
		_, inputs, _, err := ds.Yield()
		require.NoError(t, err)
		require.Equal(t, 4, inputs[0].Shape().Dimensions[0])
	}
}

func TestShuffleIsADeterministicPermutation(t *testing.T) {
	ds, err := New(testConfig())
	require.NoError(t, err)
	before := append([]int(nil), ds.order...)
	ds.Shuffle(123)
	after := append([]int(nil), ds.order...)
	require.ElementsMatch(t, before, after, "shuffling must keep every scene")

	other, err := New(testConfig())
	require.NoError(t, err)
	other.Shuffle(123)
	require.Equal(t, after, other.order, "the same shuffle seed must give the same order")
}

func TestYieldLoopReshufflesEachEpoch(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 1
	ds, err := New(cfg)
	require.NoError(t, err)
	ds.Loop(true)

	// Fingerprint each served scene by its seed indices, which are distinct
	// per scene with overwhelming probability.
	epoch := func() []string {
		keys := make([]string, ds.Len())
		for i := range keys {
			_, _, labels, err := ds.Yield()
			require.NoError(t, err)
			keys[i] = fmt.Sprint(tensors.MustCopyFlatData[int32](labels[0]))
		}
		return keys
	}
	first := epoch()
	second := epoch()

	seen := map[string]bool{}
	for _, k := range first {
		require.False(t, seen[k], "each scene must be served once per epoch")
		seen[k] = true
	}
	require.ElementsMatch(t, first, second,
		"a new epoch must serve the same scenes, reshuffled")
}

func TestLoadCSV(t *testing.T) {
	dir := t.TempDir()
	center := r3.Vec{X: 1, Y: 2, Z: 0.5}
	var rows string
	rows = "x,y,z,object,center_x,center_y,center_z\n"
	for i := 0; i < 12; i++ {
		p := r3.Vec{X: float64(i) * 0.1, Y: 2, Z: 0.4}
		onObject := i%2 == 0
		obj := 0
		if onObject {
			obj = 1
		}
		rows += fmt.Sprintf("%v,%v,%v,%d,%v,%v,%v\n", p.X, p.Y, p.Z, obj, center.X, center.Y, center.Z)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scene0.csv"), []byte(rows), 0o644))

	cfg := Config{NumSeeds: 6, FeatureDim: 8, GTPerSeed: 2, BatchSize: 1, Seed: 7}
	ds, err := LoadCSV(filepath.Join(dir, "*.csv"), cfg)
	require.NoError(t, err)
	require.Equal(t, 1, ds.Len())

	s, err := ds.Scene(0)
	require.NoError(t, err)
	require.Len(t, s.Points, 12)
	require.Len(t, s.SeedIndices, 6)
	require.Len(t, s.Targets, 12*3*2)
	require.Equal(t, []r3.Vec{center}, s.Centers)

	for i := 0; i < 12; i++ {
		if s.TargetsMask[i] == 0 {
			continue
		}
		landed := r3.Add(s.Points[i], r3.Vec{
			X: float64(s.Targets[i*6+0]),
			Y: float64(s.Targets[i*6+1]),
			Z: float64(s.Targets[i*6+2]),
		})
		assert.InDelta(t, 0, r3.Norm(r3.Sub(landed, center)), 1e-5)
	}

	_, err = LoadCSV(filepath.Join(dir, "missing-*.csv"), cfg)
	require.Error(t, err)
}
