package scenes

import (
	"encoding/csv"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// Expected CSV layout, one raw point per row after the header:
//
//	x,y,z,object,center_x,center_y,center_z
//
// object is 1 when the point lies on an object (center_* then holds its
// object center) and 0 for clutter (center_* ignored).

func parseFloat32(s string) (float32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty string")
	}
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, err
	}
	return float32(v), nil
}

// LoadCSV builds a dataset from captured scenes, one CSV file per scene,
// matched by a glob pattern. The cfg fields NumSeeds, FeatureDim, GTPerSeed,
// BatchSize and Seed apply; NumPoints comes from each file, and generation
// knobs are ignored.
func LoadCSV(pattern string, cfg Config) (*Dataset, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no scene CSV files match %q", pattern)
	}

	d := &Dataset{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}
	for _, path := range paths {
		scene, numPoints, err := d.loadSceneCSV(path)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		if len(d.scenes) == 0 {
			d.cfg.NumPoints = numPoints
		} else if numPoints != d.cfg.NumPoints {
			return nil, fmt.Errorf("%s has %d points, earlier scenes have %d (batches need a fixed point count)",
				path, numPoints, d.cfg.NumPoints)
		}
		d.scenes = append(d.scenes, scene)
	}
	if d.cfg.NumSeeds > d.cfg.NumPoints {
		return nil, fmt.Errorf("NumSeeds (%d) exceeds the %d points per scene in these files",
			d.cfg.NumSeeds, d.cfg.NumPoints)
	}
	d.cfg.NumScenes = len(d.scenes)
	d.order = make([]int, len(d.scenes))
	for i := range d.order {
		d.order[i] = i
	}
	return d, nil
}

func (d *Dataset) loadSceneCSV(path string) (*Scene, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	if _, err := reader.Read(); err != nil { // header
		return nil, 0, err
	}

	s := &Scene{}
	centerAt := map[r3.Vec]bool{}
	var centers []r3.Vec
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, err
		}
		if len(record) < 7 {
			return nil, 0, fmt.Errorf("row %d has %d columns, want 7", len(s.Points)+1, len(record))
		}
		vals := make([]float32, 7)
		for i := range vals {
			v, err := parseFloat32(record[i])
			if err != nil {
				return nil, 0, fmt.Errorf("row %d column %d: %w", len(s.Points)+1, i, err)
			}
			vals[i] = v
		}
		p := r3.Vec{X: float64(vals[0]), Y: float64(vals[1]), Z: float64(vals[2])}
		s.Points = append(s.Points, p)

		onObject := vals[3] != 0
		if onObject {
			s.TargetsMask = append(s.TargetsMask, 1)
		} else {
			s.TargetsMask = append(s.TargetsMask, 0)
		}
		center := r3.Vec{X: float64(vals[4]), Y: float64(vals[5]), Z: float64(vals[6])}
		if onObject && !centerAt[center] {
			centerAt[center] = true
			centers = append(centers, center)
		}
		// Captured scenes carry a single annotation per point; replicate it
		// across the candidate slots.
		disp := r3.Sub(center, p)
		for g := 0; g < d.cfg.GTPerSeed; g++ {
			if onObject {
				s.Targets = append(s.Targets,
					float32(disp.X), float32(disp.Y), float32(disp.Z))
			} else {
				s.Targets = append(s.Targets, 0, 0, 0)
			}
		}
	}
	if len(s.Points) == 0 {
		return nil, 0, fmt.Errorf("no data rows")
	}
	s.Centers = centers

	perm := d.rng.Perm(len(s.Points))
	n := min(d.cfg.NumSeeds, len(s.Points))
	s.SeedIndices = make([]int32, n)
	for i := 0; i < n; i++ {
		s.SeedIndices[i] = int32(perm[i])
	}
	s.seedFeats = computeSeedFeatures(s, d.cfg.FeatureDim, d.rng)
	return s, len(s.Points), nil
}
