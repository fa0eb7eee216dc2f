// Package vote implements a vote-generation layer for 3D object detection.
//
// Seed points (sampled 3D locations with feature vectors) each cast one or
// more "votes": a learned coordinate offset plus a learned feature residual
// that displace the seed toward the center of the object it belongs to. The
// layer is a stack of pointwise (1x1) convolutions with optional
// normalization and activation, followed by a linear projection that emits
// (3 + inChannels) values per vote.
//
// All learned parameters live in the gomlx context scope passed to Forward;
// they are created on the first graph build and updated only by whatever
// optimizer the caller runs between training steps.
package vote

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

// Normalization kinds accepted by Config.Normalization.
const (
	NormBatch = "batch"
	NormLayer = "layer"
	NormNone  = "none"
)

// Config is created with New and configured with its methods. Call
// Config.Done to validate it and build the Module.
type Config struct {
	inChannels   int
	votesPerSeed int
	gtPerSeed    int
	convChannels []int
	norm         string
	activation   string
	normFeats    bool
	lossWeight   float64
}

// New creates a configuration for a vote module over seed features with
// inChannels channels. Defaults: one vote per seed, up to three ground-truth
// votes per seed, two hidden pointwise convolutions of width 16 with batch
// normalization and ReLU, unit-normalized vote features, and loss weight 1.
func New(inChannels int) *Config {
	return &Config{
		inChannels:   inChannels,
		votesPerSeed: 1,
		gtPerSeed:    3,
		convChannels: []int{16, 16},
		norm:         NormBatch,
		activation:   "relu",
		normFeats:    true,
		lossWeight:   1.0,
	}
}

// VotesPerSeed sets how many votes each seed casts. Default is 1.
func (c *Config) VotesPerSeed(n int) *Config {
	c.votesPerSeed = n
	return c
}

// GTPerSeed sets how many candidate ground-truth votes each seed may carry.
// Default is 3.
func (c *Config) GTPerSeed(n int) *Config {
	c.gtPerSeed = n
	return c
}

// ConvChannels sets the widths of the hidden pointwise convolutions, in
// order. Calling it with no arguments removes the hidden stack, leaving only
// the output projection. Default is (16, 16).
func (c *Config) ConvChannels(channels ...int) *Config {
	c.convChannels = channels
	return c
}

// Normalization selects the normalization applied after each hidden
// convolution: NormBatch (default), NormLayer or NormNone.
func (c *Config) Normalization(kind string) *Config {
	c.norm = kind
	return c
}

// Activation selects the activation after each hidden convolution: "relu"
// (default) or "none". The output projection never gets an activation.
func (c *Config) Activation(name string) *Config {
	c.activation = name
	return c
}

// NormalizeFeatures controls whether vote features are rescaled to unit L2
// norm along the channel axis. Default is true.
//
// There is no epsilon guard: a zero-norm feature vector divides by zero and
// the resulting non-finite values propagate.
func (c *Config) NormalizeFeatures(enabled bool) *Config {
	c.normFeats = enabled
	return c
}

// LossWeight scales the value returned by Module.Loss. Default is 1.
func (c *Config) LossWeight(w float64) *Config {
	c.lossWeight = w
	return c
}

// Done validates the configuration and builds the Module.
func (c *Config) Done() (*Module, error) {
	if c.inChannels <= 0 {
		return nil, fmt.Errorf("inChannels must be > 0, got %d", c.inChannels)
	}
	if c.votesPerSeed < 1 {
		return nil, fmt.Errorf("votesPerSeed must be >= 1, got %d", c.votesPerSeed)
	}
	if c.gtPerSeed < 1 {
		return nil, fmt.Errorf("gtPerSeed must be >= 1, got %d", c.gtPerSeed)
	}
	for i, ch := range c.convChannels {
		if ch <= 0 {
			return nil, fmt.Errorf("convChannels[%d] must be > 0, got %d", i, ch)
		}
	}
	switch c.norm {
	case NormBatch, NormLayer, NormNone:
	default:
		return nil, fmt.Errorf("unknown normalization kind %q (want %q, %q or %q)",
			c.norm, NormBatch, NormLayer, NormNone)
	}
	switch c.activation {
	case "relu", "none", "":
	default:
		return nil, fmt.Errorf("unknown activation %q (want \"relu\" or \"none\")", c.activation)
	}
	m := &Module{cfg: *c}
	m.cfg.convChannels = append([]int(nil), c.convChannels...)
	return m, nil
}

// Module generates votes from seed point features and scores them against
// ground-truth vote targets. Build one with New(...).Done().
type Module struct {
	cfg Config
}

// InChannels returns the seed feature width the module was built for.
func (m *Module) InChannels() int { return m.cfg.inChannels }

// VotesPerSeed returns how many votes each seed casts.
func (m *Module) VotesPerSeed() int { return m.cfg.votesPerSeed }

// GTPerSeed returns how many candidate ground-truth votes each seed carries.
func (m *Module) GTPerSeed() int { return m.cfg.gtPerSeed }

// pointwiseConv applies a 1x1 convolution over the channel axis of x, shaped
// [batch, channels, seeds], with a bias. Equivalent to a per-seed linear
// layer.
func (m *Module) pointwiseConv(ctx *context.Context, x *Node, outChannels int) *Node {
	g := x.Graph()
	dtype := x.DType()
	inChannels := x.Shape().Dim(1)

	weightsVar := ctx.VariableWithShape("weights", shapes.Make(dtype, inChannels, outChannels))
	weights := weightsVar.ValueGraph(g)
	// b->batch, c->in channels, n->seeds, o->out channels
	out := Einsum("bcn,co->bon", x, weights)

	biasVar := ctx.
		WithInitializer(initializers.Zero).
		VariableWithShape("biases", shapes.Make(dtype, 1, outChannels, 1))
	bias := biasVar.ValueGraph(g)
	return Add(out, bias)
}

// Forward casts votes from the seeds.
//
// seedPoints is shaped [batch, numSeed, 3] and seedFeats [batch, inChannels,
// numSeed] (channel-major). It returns votePoints shaped [batch, numVote, 3]
// and voteFeats shaped [batch, inChannels, numVote], with
// numVote = numSeed*votesPerSeed; vote v of seed n lands at flattened index
// n*votesPerSeed+v.
//
// Learned variables are created under ctx on the first build and reused
// afterwards.
func (m *Module) Forward(ctx *context.Context, seedPoints, seedFeats *Node) (votePoints, voteFeats *Node) {
	if seedPoints.Rank() != 3 || seedPoints.Shape().Dim(-1) != 3 {
		exceptions.Panicf("vote: seedPoints must be shaped [batch, numSeed, 3], got %s", seedPoints.Shape())
	}
	if seedFeats.Rank() != 3 {
		exceptions.Panicf("vote: seedFeats must be shaped [batch, channels, numSeed], got %s", seedFeats.Shape())
	}
	if seedFeats.Shape().Dim(1) != m.cfg.inChannels {
		exceptions.Panicf("vote: seedFeats has %d channels, module was built for %d",
			seedFeats.Shape().Dim(1), m.cfg.inChannels)
	}
	if seedPoints.Shape().Dim(0) != seedFeats.Shape().Dim(0) ||
		seedPoints.Shape().Dim(1) != seedFeats.Shape().Dim(2) {
		exceptions.Panicf("vote: seedPoints %s and seedFeats %s disagree on batch or seed count",
			seedPoints.Shape(), seedFeats.Shape())
	}

	batchSize := seedFeats.Shape().Dim(0)
	featChannels := seedFeats.Shape().Dim(1)
	numSeed := seedFeats.Shape().Dim(2)
	numVote := numSeed * m.cfg.votesPerSeed

	x := seedFeats
	for i, ch := range m.cfg.convChannels {
		layerCtx := ctx.Inf("vote_conv_%d", i)
		x = m.pointwiseConv(layerCtx, x, ch)
		switch m.cfg.norm {
		case NormBatch:
			x = batchnorm.New(layerCtx.In("norm"), x, 1).Done()
		case NormLayer:
			x = layers.LayerNormalization(layerCtx.In("norm"), x, 1).Done()
		}
		if m.cfg.activation == "relu" {
			x = activations.Relu(x)
		}
	}

	// The projection emits, per seed and per vote, 3 coordinate offsets
	// followed by featChannels feature residuals.
	votes := m.pointwiseConv(ctx.In("conv_out"), x, (3+featChannels)*m.cfg.votesPerSeed)
	votes = Transpose(votes, 1, 2)
	votes = Reshape(votes, batchSize, numSeed, m.cfg.votesPerSeed, 3+featChannels)
	offset := Slice(votes, AxisRange(), AxisRange(), AxisRange(), AxisRange(0, 3))
	resFeats := Slice(votes, AxisRange(), AxisRange(), AxisRange(), AxisRange(3, 3+featChannels))

	votePoints = Add(Reshape(seedPoints, batchSize, numSeed, 1, 3), offset)
	votePoints = Reshape(votePoints, batchSize, numVote, 3)

	voteFeats = Add(
		Reshape(Transpose(seedFeats, 1, 2), batchSize, numSeed, 1, featChannels),
		resFeats)
	voteFeats = Reshape(voteFeats, batchSize, numVote, featChannels)
	voteFeats = Transpose(voteFeats, 1, 2)

	if m.cfg.normFeats {
		// No epsilon: a zero-norm feature divides by zero.
		norm := Sqrt(L2NormSquare(voteFeats, 1))
		voteFeats = Div(voteFeats, norm)
	}
	return votePoints, voteFeats
}
