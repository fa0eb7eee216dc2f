// Command trainvote trains the vote module on synthetic (or CSV-captured) 3D
// scenes and writes a scatter plot comparing seed positions, cast votes and
// object centers.
//
// Examples:
//
//	trainvote -steps 400 -out plots/votes.png
//	trainvote -csv 'captures/*.csv' -steps 200
package main

import (
	"flag"
	"fmt"
	"image/color"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"

	"github.com/kaidren/pointvote/scenes"
	"github.com/kaidren/pointvote/vote"
)

func main() {
	var (
		numScenes    = flag.Int("scenes", 64, "number of synthetic scenes to generate")
		numPoints    = flag.Int("points", 256, "raw points (vote-target slots) per scene")
		numSeeds     = flag.Int("seeds", 64, "seeds sampled per scene")
		featDim      = flag.Int("feat-dim", 16, "seed feature width")
		maxObjects   = flag.Int("objects", 4, "maximum objects per scene")
		votesPerSeed = flag.Int("votes-per-seed", 1, "votes cast by each seed")
		gtPerSeed    = flag.Int("gt-per-seed", 3, "candidate ground-truth votes per seed")
		convSpec     = flag.String("conv", "16,16", "comma-separated hidden pointwise conv widths")
		norm         = flag.String("norm", vote.NormBatch, "normalization between convs: batch, layer or none")
		steps        = flag.Int("steps", 400, "training steps")
		batchSize    = flag.Int("batch", 8, "batch size")
		lr           = flag.Float64("lr", 1e-3, "Adam learning rate")
		lossWeight   = flag.Float64("loss-weight", 1.0, "vote loss weight")
		csvPattern   = flag.String("csv", "", "glob of scene CSV files; replaces synthetic generation")
		seed         = flag.Int64("seed", 42, "RNG seed for scene generation")
		outPath      = flag.String("out", "plots/votes.png", "output plot path (PNG)")
		plotScene    = flag.Int("plot-scene", 0, "scene index to plot after training")
	)
	flag.Parse()

	convChannels, err := parseChannels(*convSpec)
	if err != nil {
		log.Fatalf("invalid -conv %q: %v", *convSpec, err)
	}

	cfg := scenes.Config{
		NumScenes:  *numScenes,
		NumPoints:  *numPoints,
		NumSeeds:   *numSeeds,
		FeatureDim: *featDim,
		MaxObjects: *maxObjects,
		GTPerSeed:  *gtPerSeed,
		BatchSize:  *batchSize,
		Seed:       *seed,
	}
	trainDS, err := newDataset(*csvPattern, cfg)
	if err != nil {
		log.Fatalf("failed to build dataset: %v", err)
	}
	trainDS.Shuffle(0)
	trainDS.Loop(true)
	log.Printf("dataset ready: %d scenes, %d points, %d seeds, %d feature channels",
		trainDS.Len(), trainDS.Config().NumPoints, trainDS.Config().NumSeeds, *featDim)

	module, err := vote.New(*featDim).
		VotesPerSeed(*votesPerSeed).
		GTPerSeed(*gtPerSeed).
		ConvChannels(convChannels...).
		Normalization(*norm).
		LossWeight(*lossWeight).
		Done()
	if err != nil {
		log.Fatalf("failed to build vote module: %v", err)
	}

	backend, err := simplego.New("")
	if err != nil {
		log.Fatalf("failed to create gomlx simplego backend: %v", err)
	}
	ctx := context.New()

	// The model passes seedPoints through so the loss can reach it next to
	// the vote output.
	modelFn := func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		votePoints, voteFeats := module.Forward(ctx, inputs[0], inputs[1])
		return []*Node{votePoints, voteFeats, inputs[0]}
	}
	lossFn := func(labels, predictions []*Node) *Node {
		votePoints, seedPoints := predictions[0], predictions[2]
		seedIndices, mask, targets := labels[0], labels[1], labels[2]
		return module.Loss(seedPoints, votePoints, seedIndices, mask, targets)
	}

	trainer := train.NewTrainer(backend, ctx, modelFn, lossFn,
		optimizers.Adam().LearningRate(*lr).Done(), nil, nil)
	loop := train.NewLoop(trainer)
	log.Printf("training for %d steps (batch %d, lr %g)...", *steps, *batchSize, *lr)
	finalMetrics, err := loop.RunSteps(trainDS, *steps)
	if err != nil {
		log.Fatalf("training failed: %v", err)
	}
	for i, m := range finalMetrics {
		log.Printf("final metric #%d: %v", i, m.Value())
	}

	if err := plotVotes(backend, ctx, module, *csvPattern, cfg, *plotScene, *outPath); err != nil {
		log.Fatalf("failed to generate plot: %v", err)
	}
	log.Printf("vote plot written to %s", *outPath)
}

func newDataset(csvPattern string, cfg scenes.Config) (*scenes.Dataset, error) {
	if csvPattern != "" {
		return scenes.LoadCSV(csvPattern, cfg)
	}
	return scenes.New(cfg)
}

func parseChannels(spec string) ([]int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	parts := strings.Split(spec, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// plotVotes runs inference on one scene with the trained parameters and
// writes a top-down (x/y) scatter: seeds grey, votes blue, object centers
// red.
func plotVotes(backend backends.Backend, ctx *context.Context, module *vote.Module,
	csvPattern string, cfg scenes.Config, sceneIdx int, outPath string) error {
	// A batch-size-1 dataset over the same scenes (same seed) serves the
	// scene to plot.
	cfg.BatchSize = 1
	evalDS, err := newDataset(csvPattern, cfg)
	if err != nil {
		return err
	}
	if sceneIdx < 0 || sceneIdx >= evalDS.Len() {
		return fmt.Errorf("plot-scene %d out of range [0, %d)", sceneIdx, evalDS.Len())
	}
	scene, err := evalDS.Scene(sceneIdx)
	if err != nil {
		return err
	}
	var inputs []*tensors.Tensor
	for i := 0; i <= sceneIdx; i++ {
		_, inputs, _, err = evalDS.Yield()
		if err != nil {
			return err
		}
	}

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, seedPoints, seedFeats *Node) *Node {
		votePoints, _ := module.Forward(ctx, seedPoints, seedFeats)
		return votePoints
	})
	votePoints := exec.MustExec(inputs[0], inputs[1])[0]

	seedXY := make(plotter.XYs, 0, len(scene.SeedIndices))
	for _, idx := range scene.SeedIndices {
		p := scene.Points[idx]
		seedXY = append(seedXY, plotter.XY{X: p.X, Y: p.Y})
	}
	voteFlat := tensors.MustCopyFlatData[float32](votePoints)
	voteXY := make(plotter.XYs, 0, len(voteFlat)/3)
	for i := 0; i+2 < len(voteFlat); i += 3 {
		voteXY = append(voteXY, plotter.XY{X: float64(voteFlat[i]), Y: float64(voteFlat[i+1])})
	}
	centerXY := make(plotter.XYs, 0, len(scene.Centers))
	for _, c := range scene.Centers {
		centerXY = append(centerXY, plotter.XY{X: c.X, Y: c.Y})
	}

	p := plot.New()
	p.Title.Text = "seed votes (top-down)"
	p.X.Label.Text = "x"
	p.Y.Label.Text = "y"

	seedsScatter, err := plotter.NewScatter(seedXY)
	if err != nil {
		return err
	}
	seedsScatter.GlyphStyle.Color = color.RGBA{R: 150, G: 150, B: 150, A: 255}
	seedsScatter.GlyphStyle.Radius = vg.Points(2)

	votesScatter, err := plotter.NewScatter(voteXY)
	if err != nil {
		return err
	}
	votesScatter.GlyphStyle.Color = color.RGBA{B: 255, A: 255}
	votesScatter.GlyphStyle.Radius = vg.Points(2)

	centersScatter, err := plotter.NewScatter(centerXY)
	if err != nil {
		return err
	}
	centersScatter.GlyphStyle.Color = color.RGBA{R: 255, A: 255}
	centersScatter.GlyphStyle.Radius = vg.Points(4)

	p.Add(plotter.NewGrid(), seedsScatter, votesScatter, centersScatter)
	p.Legend.Add("seeds", seedsScatter)
	p.Legend.Add("votes", votesScatter)
	p.Legend.Add("centers", centersScatter)

	if dir := filepath.Dir(outPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return p.Save(8*vg.Inch, 8*vg.Inch, outPath)
}
