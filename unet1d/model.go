package unet1d

import (
	"math"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/shapes"

	"github.com/gomlx/diffusers/activations"
)

// Config describes a full 1D U-Net: the time projection, the encoder, the
// bottleneck, the decoder and the output head, assembled through the
// Get*Block factories. The zero value of each field selects its default.
type Config struct {
	// SampleSize is the expected sequence length, informational only.
	SampleSize int

	// InChannels of the input sample and OutChannels of the prediction.
	InChannels  int
	OutChannels int

	// ExtraInChannels are additional channels expected on the input sample
	// beyond InChannels, widening the first encoder stage. The time embedding
	// concatenated by the no-skip stages is accounted separately, through
	// their TembChannels.
	ExtraInChannels int

	// TimeEmbeddingType is "fourier" (Gaussian Fourier projection, 16
	// channels) or "positional" (sinusoidal embedding, BlockOutChannels[0]
	// channels). Defaults to "fourier".
	TimeEmbeddingType string

	// FlipSinToCos orders the time-projection halves as [cos, sin] instead
	// of [sin, cos].
	FlipSinToCos bool

	// FreqShift is the downscale frequency shift of the "positional" time
	// projection.
	FreqShift float64

	// UseTimestepEmbedding passes the time projection through a two-layer
	// MLP, projecting it to BlockOutChannels[0] channels.
	UseTimestepEmbedding bool

	// DownBlockTypes and UpBlockTypes name the encoder and decoder stages,
	// resolved by GetDownBlock/GetUpBlock. UpBlockTypes may be empty (no
	// decoder, e.g. a value-function network).
	DownBlockTypes []string
	UpBlockTypes   []string

	// MidBlockType names the bottleneck, resolved by GetMidBlock. Empty
	// means no bottleneck stage.
	MidBlockType string

	// OutBlockType names the output head, resolved by GetOutBlock. Empty
	// means no output head.
	OutBlockType string

	// BlockOutChannels is the output channel count per encoder stage. Must
	// have the same length as DownBlockTypes.
	BlockOutChannels []int

	// ActFn is the activation of the residual sub-blocks and of the
	// timestep-embedding MLP, defaults to "mish".
	ActFn string

	// NormNumGroups for the group normalizations, defaults to 8.
	NormNumGroups int

	// LayersPerBlock is the per-stage residual sub-block count, defaults
	// to 1.
	LayersPerBlock int

	// DownsampleEachBlock also down-samples the final encoder stage and the
	// bottleneck (value-function networks).
	DownsampleEachBlock bool

	// AttentionHeadDim for the attention-augmented stages. 0 lets the blocks
	// default it with a logged advisory.
	AttentionHeadDim int

	// Rebalance optionally enables backbone/skip rebalancing on the decoder
	// stages.
	Rebalance *SkipRebalance
}

// Model is an assembled 1D U-Net. Create it with New; build its computation
// with Forward.
type Model struct {
	cfg          Config
	timeProjDim  int
	tembChannels int
	skipLeftover int
	actFn        activations.Type
	down         []DownBlock
	mid          MidBlock
	up           []UpBlock
	out          OutBlock
}

// New assembles a Model from its configuration. It panics on invalid
// configurations, including a decoder whose total skip-state pop count does
// not match the encoder's push count.
func New(cfg Config) *Model {
	if cfg.InChannels <= 0 {
		Panicf("unet1d.New requires InChannels > 0, got %d", cfg.InChannels)
	}
	if cfg.OutChannels == 0 {
		cfg.OutChannels = cfg.InChannels
	}
	if len(cfg.DownBlockTypes) == 0 {
		Panicf("unet1d.New requires at least one entry in DownBlockTypes")
	}
	if len(cfg.BlockOutChannels) != len(cfg.DownBlockTypes) {
		Panicf("unet1d.New requires BlockOutChannels (%d entries) and DownBlockTypes (%d entries) to have the same length",
			len(cfg.BlockOutChannels), len(cfg.DownBlockTypes))
	}
	if len(cfg.UpBlockTypes) > len(cfg.DownBlockTypes) {
		Panicf("unet1d.New got more UpBlockTypes (%d) than DownBlockTypes (%d)",
			len(cfg.UpBlockTypes), len(cfg.DownBlockTypes))
	}
	if cfg.TimeEmbeddingType == "" {
		cfg.TimeEmbeddingType = "fourier"
	}
	if cfg.ActFn == "" {
		cfg.ActFn = "mish"
	}
	if cfg.NormNumGroups == 0 {
		cfg.NormNumGroups = 8
	}
	if cfg.LayersPerBlock == 0 {
		cfg.LayersPerBlock = 1
	}

	m := &Model{cfg: cfg, actFn: activations.FromName(cfg.ActFn)}
	switch cfg.TimeEmbeddingType {
	case "fourier":
		m.timeProjDim = 2 * fourierEmbeddingSize
	case "positional":
		m.timeProjDim = cfg.BlockOutChannels[0]
	default:
		Panicf("unet1d.New got unknown TimeEmbeddingType %q: options are \"fourier\" or \"positional\"",
			cfg.TimeEmbeddingType)
	}
	m.tembChannels = m.timeProjDim
	if cfg.UseTimestepEmbedding {
		m.tembChannels = cfg.BlockOutChannels[0]
	}

	// Encoder.
	outChannels := cfg.InChannels
	for i, blockType := range cfg.DownBlockTypes {
		inChannels := outChannels
		outChannels = cfg.BlockOutChannels[i]
		if i == 0 {
			inChannels += cfg.ExtraInChannels
		}
		isFinal := i == len(cfg.DownBlockTypes)-1
		m.down = append(m.down, GetDownBlock(blockType, DownBlockParams{
			NumLayers:        cfg.LayersPerBlock,
			InChannels:       inChannels,
			OutChannels:      outChannels,
			TembChannels:     m.tembChannels,
			AddDownsample:    !isFinal || cfg.DownsampleEachBlock,
			ResnetActFn:      cfg.ActFn,
			ResnetGroups:     cfg.NormNumGroups,
			AttentionHeadDim: cfg.AttentionHeadDim,
		}))
	}

	// Bottleneck.
	lastChannels := cfg.BlockOutChannels[len(cfg.BlockOutChannels)-1]
	if cfg.MidBlockType != "" {
		m.mid = GetMidBlock(cfg.MidBlockType, MidBlockParams{
			NumLayers:        cfg.LayersPerBlock,
			InChannels:       lastChannels,
			OutChannels:      lastChannels,
			EmbedDim:         m.tembChannels,
			AddDownsample:    cfg.DownsampleEachBlock,
			AttentionHeadDim: cfg.AttentionHeadDim,
			ActFn:            cfg.ActFn,
			NormNumGroups:    cfg.NormNumGroups,
		})
	}

	// Decoder. The stage channel counts mirror the encoder's.
	reversedChannels := make([]int, len(cfg.BlockOutChannels))
	for i, c := range cfg.BlockOutChannels {
		reversedChannels[len(cfg.BlockOutChannels)-1-i] = c
	}
	finalChannels := cfg.OutChannels
	if cfg.OutBlockType != "" {
		finalChannels = cfg.BlockOutChannels[0]
	}
	outChannels = reversedChannels[0]
	for i, blockType := range cfg.UpBlockTypes {
		inChannels := outChannels
		if i == len(cfg.UpBlockTypes)-1 {
			outChannels = finalChannels
		} else {
			outChannels = reversedChannels[i+1]
		}
		isFinal := i == len(cfg.UpBlockTypes)-1
		m.up = append(m.up, GetUpBlock(blockType, UpBlockParams{
			NumLayers:        cfg.LayersPerBlock,
			InChannels:       inChannels,
			SkipChannels:     reversedChannels[i],
			OutChannels:      outChannels,
			TembChannels:     m.tembChannels,
			AddUpsample:      !isFinal,
			ResolutionIdx:    i,
			Rebalance:        cfg.Rebalance,
			ResnetActFn:      cfg.ActFn,
			ResnetGroups:     cfg.NormNumGroups,
			AttentionHeadDim: cfg.AttentionHeadDim,
		}))
	}

	// Output head.
	if cfg.OutBlockType != "" {
		m.out = GetOutBlock(cfg.OutBlockType, OutBlockParams{
			InChannels:   cfg.BlockOutChannels[0],
			OutChannels:  cfg.OutChannels,
			NumGroupsOut: cfg.NormNumGroups,
			EmbedDim:     m.tembChannels,
			ActFn:        cfg.ActFn,
			FCDim:        lastChannels / 4,
		})
	}

	// The model threads one skip state per encoder stage: the first state a
	// stage emits, taken before its down-sampling, so that it lines up with
	// the resolution of the mirrored decoder stage. The decoder pops from the
	// tail of the stack, so it may be shallower than the encoder (the
	// earliest pushes are simply left over), but it can never pop more than
	// was pushed.
	pushes, pops := 0, 0
	for _, d := range m.down {
		pushes += min(1, d.SkipCount())
	}
	for _, u := range m.up {
		pops += u.PopCount()
	}
	if pops > pushes {
		Panicf("unet1d.New built an unbalanced pipeline: the encoder pushes %d skip states but the decoder pops %d; "+
			"mirror the stage and layer counts of DownBlockTypes and UpBlockTypes", pushes, pops)
	}
	m.skipLeftover = pushes - pops
	return m
}

// Config returns the configuration the model was assembled from, with
// defaults filled in.
func (m *Model) Config() Config { return m.cfg }

// TembChannels returns the channel count of the time embedding fed to the
// blocks.
func (m *Model) TembChannels() int { return m.tembChannels }

// Forward builds the full U-Net on sample ([batch, InChannels(+extra),
// length]) and timesteps (scalar or [batch], any numeric dtype). It returns
// the output of the final stage: [batch, OutChannels, length] with a
// convolutional head, [batch, 1] with a value-function head.
func (m *Model) Forward(ctx *context.Context, sample, timesteps *Node) *Node {
	sample.AssertRank(3)
	batchSize := sample.Shape().Dimensions[0]
	if timesteps.Rank() == 0 {
		timesteps = BroadcastToDims(InsertAxes(timesteps, 0), batchSize)
	}
	timesteps = ConvertDType(timesteps, sample.DType())

	var temb *Node
	switch m.cfg.TimeEmbeddingType {
	case "fourier":
		temb = gaussianFourierProjection(ctx.In("time_proj"), timesteps, fourierEmbeddingSize, m.cfg.FlipSinToCos)
	case "positional":
		temb = sinusoidalTimestepEmbedding(timesteps, m.timeProjDim, m.cfg.FlipSinToCos, m.cfg.FreqShift)
	}
	if m.cfg.UseTimestepEmbedding {
		temb = m.timestepEmbedding(ctx.In("time_mlp"), temb)
	}

	hidden := sample
	var skips []*Node
	for i, down := range m.down {
		var pushed []*Node
		hidden, pushed = down.Forward(ctx.Inf("down_%d", i), hidden, temb)
		// Only the first state of each stage is threaded to the decoder; it
		// is the one at the stage's own resolution.
		if len(pushed) > 0 {
			skips = append(skips, pushed[0])
		}
	}
	if m.mid != nil {
		hidden = m.mid.Forward(ctx.In("mid"), hidden, temb)
	}
	for i, up := range m.up {
		hidden, skips = up.Forward(ctx.Inf("up_%d", i), hidden, skips, temb, 0)
	}
	if len(skips) != m.skipLeftover {
		Panicf("Ended with %d skip states not accounted for, expected %d!?", len(skips), m.skipLeftover)
	}
	if m.out != nil {
		hidden = m.out.Forward(ctx.In("out"), hidden, temb)
	}
	return hidden
}

// timestepEmbedding is the two-layer MLP refining the raw time projection.
func (m *Model) timestepEmbedding(ctx *context.Context, temb *Node) *Node {
	hiddenDim := 4 * m.cfg.BlockOutChannels[0]
	temb = layers.DenseWithBias(ctx.In("linear_1"), temb, hiddenDim)
	temb = activations.Apply(m.actFn, temb)
	return layers.DenseWithBias(ctx.In("linear_2"), temb, m.cfg.BlockOutChannels[0])
}

// fourierEmbeddingSize is the weight count of the Gaussian Fourier time
// projection; the projection emits twice as many channels.
const fourierEmbeddingSize = 8

// fourierScale is the standard deviation of the fixed random frequencies.
const fourierScale = 16.0

// gaussianFourierProjection projects timesteps ([batch]) through fixed random
// frequencies, returning [batch, 2*embeddingSize].
func gaussianFourierProjection(ctx *context.Context, timesteps *Node, embeddingSize int, flipSinToCos bool) *Node {
	g := timesteps.Graph()
	weightsVar := ctx.WithInitializer(initializers.RandomNormalFn(ctx, fourierScale)).
		VariableWithShape("weights", shapes.Make(timesteps.DType(), embeddingSize)).
		SetTrainable(false)
	weights := weightsVar.ValueGraph(g)
	angles := MulScalar(Mul(InsertAxes(timesteps, -1), InsertAxes(weights, 0)), 2*math.Pi)
	if flipSinToCos {
		return Concatenate([]*Node{Cos(angles), Sin(angles)}, -1)
	}
	return Concatenate([]*Node{Sin(angles), Cos(angles)}, -1)
}

// sinusoidalTimestepEmbedding is the standard transformer-style sinusoidal
// embedding of timesteps ([batch]), returning [batch, dim].
func sinusoidalTimestepEmbedding(timesteps *Node, dim int, flipSinToCos bool, freqShift float64) *Node {
	if dim%2 != 0 {
		Panicf("sinusoidal timestep embeddings require an even dimension, got %d", dim)
	}
	g := timesteps.Graph()
	halfDim := dim / 2
	exponent := MulScalar(IotaFull(g, shapes.Make(timesteps.DType(), halfDim)), -math.Log(10000))
	exponent = DivScalar(exponent, float64(halfDim)-freqShift)
	angles := Mul(InsertAxes(timesteps, -1), InsertAxes(Exp(exponent), 0))
	if flipSinToCos {
		return Concatenate([]*Node{Cos(angles), Sin(angles)}, -1)
	}
	return Concatenate([]*Node{Sin(angles), Cos(angles)}, -1)
}
