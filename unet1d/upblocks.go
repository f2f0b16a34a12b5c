package unet1d

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"k8s.io/klog/v2"

	"github.com/gomlx/diffusers/activations"
)

// SkipRebalance rebalances the backbone hidden state against the skip state
// before they are concatenated in a decoder stage, on the first two decoder
// stages only (resolution indices 0 and 1): the first half of the backbone
// channels is scaled by the stage's backbone factor, and the low-frequency
// band of the skip state's spectrum is scaled by the stage's skip factor.
type SkipRebalance struct {
	// B1, B2 scale the backbone hidden state on stages 0 and 1.
	B1, B2 float64

	// S1, S2 scale the low-frequency band of the skip state on stages 0
	// and 1.
	S1, S2 float64

	// Threshold is the number of low-frequency bins scaled, defaults to 1.
	Threshold int
}

// apply returns the rebalanced (hidden, skip) pair for the given decoder
// stage. Stages past the first two are returned unchanged.
func (r *SkipRebalance) apply(resolutionIdx int, hidden, skip *Node) (*Node, *Node) {
	var backboneScale, skipScale float64
	switch resolutionIdx {
	case 0:
		backboneScale, skipScale = r.B1, r.S1
	case 1:
		backboneScale, skipScale = r.B2, r.S2
	default:
		return hidden, skip
	}
	threshold := r.Threshold
	if threshold == 0 {
		threshold = 1
	}

	// Scale the first half of the backbone channels.
	channels := hidden.Shape().Dimensions[1]
	scaled := MulScalar(Slice(hidden, AxisRange(), AxisRange(0, channels/2), AxisRange()), backboneScale)
	rest := Slice(hidden, AxisRange(), AxisRange(channels/2, channels), AxisRange())
	hidden = Concatenate([]*Node{scaled, rest}, 1)

	skip = fourierScaleLowBand(skip, skipScale, threshold)
	return hidden, skip
}

// fourierScaleLowBand scales the lowest threshold frequency bins of x's
// spectrum over the sequence axis. x must have an even sequence length.
func fourierScaleLowBand(x *Node, scale float64, threshold int) *Node {
	g := x.Graph()
	spectrum := RealFFT(x)
	numBins := spectrum.Shape().Dimensions[2]
	if threshold > numBins {
		threshold = numBins
	}
	maskShape := shapes.Make(x.DType(), 1, 1, numBins)
	mask := Concatenate([]*Node{
		MulScalar(Ones(g, shapes.Make(x.DType(), 1, 1, threshold)), scale),
		Ones(g, shapes.Make(x.DType(), 1, 1, numBins-threshold)),
	}, -1)
	mask.AssertDims(maskShape.Dimensions...)
	spectrum = Mul(spectrum, ConvertDType(mask, spectrum.DType()))
	return InverseRealFFT(spectrum)
}

// UpResnetBlock1DConfig configures an UpResnetBlock1D. The zero value of each
// field selects its default.
type UpResnetBlock1DConfig struct {
	InChannels int

	// OutChannels defaults to InChannels.
	OutChannels int

	// NumLayers is the number of residual sub-blocks after the leading one,
	// defaults to 1. There is always at least the leading one.
	NumLayers int

	// TembChannels is the channel count of the time embedding, defaults
	// to 32.
	TembChannels int

	// NonLinearity is an optional activation applied after the residual
	// stack, resolved by activations.FromName. Empty means none.
	NonLinearity string

	// AddUpsample appends an up-sampler (nearest-neighbor doubling followed
	// by a learned convolution).
	AddUpsample bool
}

// UpResnetBlock1D is the decoder stage of temporal (planning /
// value-function) U-Nets: it pops one skip state, concatenates it onto its
// input on the channel axis, runs a stack of ResidualTemporalBlock1D, an
// optional nonlinearity and an optional up-sampler.
type UpResnetBlock1D struct {
	cfg        UpResnetBlock1DConfig
	resnets    []*ResidualTemporalBlock1D
	activation activations.Type
	upsample   *Upsample1D
}

// NewUpResnetBlock1D creates the block from its configuration. It panics on
// invalid configurations.
func NewUpResnetBlock1D(cfg UpResnetBlock1DConfig) *UpResnetBlock1D {
	if cfg.InChannels <= 0 {
		Panicf("UpResnetBlock1D requires InChannels > 0, got %d", cfg.InChannels)
	}
	if cfg.OutChannels == 0 {
		cfg.OutChannels = cfg.InChannels
	}
	if cfg.NumLayers == 0 {
		cfg.NumLayers = 1
	}
	if cfg.TembChannels == 0 {
		cfg.TembChannels = 32
	}
	b := &UpResnetBlock1D{
		cfg:        cfg,
		activation: activations.FromName(cfg.NonLinearity),
	}
	// The leading resnet consumes the concatenated skip state.
	b.resnets = append(b.resnets, NewResidualTemporalBlock1D(2*cfg.InChannels, cfg.OutChannels, cfg.TembChannels))
	for range cfg.NumLayers {
		b.resnets = append(b.resnets, NewResidualTemporalBlock1D(cfg.OutChannels, cfg.OutChannels, cfg.TembChannels))
	}
	if cfg.AddUpsample {
		b.upsample = NewUpsample1D(cfg.OutChannels, cfg.OutChannels, true)
	}
	return b
}

// Forward implements UpBlock.
func (b *UpResnetBlock1D) Forward(ctx *context.Context, hidden *Node, skips []*Node, temb *Node, length int) (*Node, []*Node) {
	var skip *Node
	skip, skips = popSkip(skips)
	hidden = Concatenate([]*Node{hidden, skip}, 1)
	for i, resnet := range b.resnets {
		hidden = resnet.Forward(ctx.Inf("resnet_%d", i), hidden, temb)
	}
	if b.activation != activations.TypeNone {
		hidden = activations.Apply(b.activation, hidden)
	}
	if b.upsample != nil {
		hidden = b.upsample.Forward(ctx.In("upsample"), hidden, length)
	}
	return hidden, skips
}

// PopCount implements UpBlock.
func (b *UpResnetBlock1D) PopCount() int { return 1 }

// UpBlock1DConfig configures an UpBlock1D. The zero value of each field
// selects its default.
type UpBlock1DConfig struct {
	InChannels int

	// SkipChannels is the channel count of the skip states this stage pops.
	// Defaults to OutChannels.
	SkipChannels int

	// OutChannels defaults to InChannels.
	OutChannels int

	// NumLayers is the number of residual sub-blocks, defaults to 3. One skip
	// state is popped per sub-block.
	NumLayers int

	// TembChannels is the channel count of the time embedding. 0 disables the
	// time-embedding conditioning of the residual sub-blocks.
	TembChannels int

	// ResolutionIdx is the index of this stage in the decoder, used by the
	// skip rebalancing.
	ResolutionIdx int

	// Rebalance optionally rebalances the (hidden, skip) pair before each
	// concatenation. Nil means concatenation proceeds unmodified.
	Rebalance *SkipRebalance

	// Eps for the group normalizations, defaults to 1e-6.
	Eps float64

	// ActFn is the residual sub-blocks' activation, defaults to "gelu".
	ActFn string

	// Groups for the group normalizations, defaults to 1.
	Groups int

	// TimeScaleShift selects the time-embedding conditioning mode of the
	// residual sub-blocks ("default" or "scale_shift").
	TimeScaleShift string

	// OutputScaleFactor divides each residual sub-block output, defaults
	// to 1.
	OutputScaleFactor float64

	// Dropout rate inside the residual sub-blocks.
	Dropout float64

	// AddUpsample appends an up-sampler (nearest-neighbor doubling followed
	// by a learned convolution).
	AddUpsample bool

	// GradientCheckpointing requests recomputing the residual sub-blocks on
	// the backward pass instead of keeping their intermediate values. The
	// block records it and surfaces it through its GradientCheckpointing
	// method; gomlx's backends decide rematerialization on their own.
	GradientCheckpointing bool
}

// UpBlock1D is a decoder stage built from a stack of ResnetBlock1D, each
// preceded by popping one skip state and concatenating it onto the hidden
// state, with an optional trailing up-sampler.
type UpBlock1D struct {
	cfg      UpBlock1DConfig
	resnets  []*ResnetBlock1D
	upsample *Upsample1D
}

// NewUpBlock1D creates the block from its configuration. It panics on invalid
// configurations.
func NewUpBlock1D(cfg UpBlock1DConfig) *UpBlock1D {
	if cfg.InChannels <= 0 {
		Panicf("UpBlock1D requires InChannels > 0, got %d", cfg.InChannels)
	}
	if cfg.OutChannels == 0 {
		cfg.OutChannels = cfg.InChannels
	}
	if cfg.SkipChannels == 0 {
		cfg.SkipChannels = cfg.OutChannels
	}
	if cfg.NumLayers == 0 {
		cfg.NumLayers = 3
	}
	if cfg.ActFn == "" {
		cfg.ActFn = "gelu"
	}
	if cfg.Groups == 0 {
		cfg.Groups = 1
	}
	b := &UpBlock1D{cfg: cfg}
	for i := range cfg.NumLayers {
		inChannels := cfg.OutChannels
		if i == 0 {
			inChannels = cfg.InChannels
		}
		b.resnets = append(b.resnets, NewResnetBlock1D(ResnetBlock1DConfig{
			InChannels:        inChannels + cfg.SkipChannels,
			OutChannels:       cfg.OutChannels,
			TembChannels:      cfg.TembChannels,
			Groups:            cfg.Groups,
			Eps:               cfg.Eps,
			Activation:        cfg.ActFn,
			TimeEmbeddingNorm: cfg.TimeScaleShift,
			OutputScaleFactor: cfg.OutputScaleFactor,
			Dropout:           cfg.Dropout,
		}))
	}
	if cfg.AddUpsample {
		b.upsample = NewUpsample1D(cfg.OutChannels, cfg.OutChannels, true)
	}
	return b
}

// Forward implements UpBlock.
func (b *UpBlock1D) Forward(ctx *context.Context, hidden *Node, skips []*Node, temb *Node, length int) (*Node, []*Node) {
	for i, resnet := range b.resnets {
		var skip *Node
		skip, skips = popSkip(skips)
		if b.cfg.Rebalance != nil {
			hidden, skip = b.cfg.Rebalance.apply(b.cfg.ResolutionIdx, hidden, skip)
		}
		hidden = Concatenate([]*Node{hidden, skip}, 1)
		hidden = resnet.Forward(ctx.Inf("resnet_%d", i), hidden, temb)
	}
	if b.upsample != nil {
		hidden = b.upsample.Forward(ctx.In("upsample"), hidden, length)
	}
	return hidden, skips
}

// GradientCheckpointing reports whether recompute-on-backward was requested
// for this block.
func (b *UpBlock1D) GradientCheckpointing() bool { return b.cfg.GradientCheckpointing }

// PopCount implements UpBlock.
func (b *UpBlock1D) PopCount() int { return len(b.resnets) }

// AttnUpBlock1DConfig configures an AttnUpBlock1D. The zero value of each
// field selects its default.
type AttnUpBlock1DConfig struct {
	InChannels int

	// SkipChannels is the channel count of the skip state popped by the last
	// residual sub-block (earlier sub-blocks pop OutChannels-wide states).
	// Defaults to OutChannels.
	SkipChannels int

	// OutChannels defaults to InChannels.
	OutChannels int

	// NumLayers is the number of (residual, attention) sub-block pairs,
	// defaults to 1. One skip state is popped per pair.
	NumLayers int

	// TembChannels is the channel count of the time embedding. 0 disables the
	// time-embedding conditioning of the residual sub-blocks.
	TembChannels int

	// ResolutionIdx is the index of this stage in the decoder, used by the
	// skip rebalancing.
	ResolutionIdx int

	// Rebalance optionally rebalances the (hidden, skip) pair before each
	// concatenation. Nil means concatenation proceeds unmodified.
	Rebalance *SkipRebalance

	// AttentionHeadDim is the per-head channel count of the attention
	// sub-blocks. 0 defaults it to OutChannels (single-head) with a logged
	// advisory.
	AttentionHeadDim int

	// UpsampleType selects the trailing up-sampler: "conv" for
	// nearest-neighbor doubling plus convolution, "resnet" for a residual
	// sub-block with built-in up-sampling, or empty for none.
	UpsampleType string

	// Eps for the group normalizations, defaults to 1e-6.
	Eps float64

	// ActFn is the residual sub-blocks' activation, defaults to "swish".
	ActFn string

	// Groups for the group normalizations, defaults to 32.
	Groups int

	// TimeScaleShift selects the time-embedding conditioning mode of the
	// residual sub-blocks ("default" or "scale_shift").
	TimeScaleShift string

	// OutputScaleFactor divides each residual sub-block output, defaults
	// to 1.
	OutputScaleFactor float64

	// Dropout rate inside the residual and attention sub-blocks.
	Dropout float64
}

// AttnUpBlock1D is a decoder stage interleaving ResnetBlock1D and
// SelfAttention1D sub-blocks, each pair preceded by popping one skip state,
// with an optional trailing up-sampler.
type AttnUpBlock1D struct {
	cfg         AttnUpBlock1DConfig
	resnets     []*ResnetBlock1D
	attentions  []*SelfAttention1D
	upsampleCnv *Upsample1D
	upsampleRes *ResnetBlock1D
}

// NewAttnUpBlock1D creates the block from its configuration. It panics on
// invalid configurations.
func NewAttnUpBlock1D(cfg AttnUpBlock1DConfig) *AttnUpBlock1D {
	if cfg.InChannels <= 0 {
		Panicf("AttnUpBlock1D requires InChannels > 0, got %d", cfg.InChannels)
	}
	if cfg.OutChannels == 0 {
		cfg.OutChannels = cfg.InChannels
	}
	if cfg.SkipChannels == 0 {
		cfg.SkipChannels = cfg.OutChannels
	}
	if cfg.NumLayers == 0 {
		cfg.NumLayers = 1
	}
	if cfg.AttentionHeadDim == 0 {
		klog.Warningf("AttnUpBlock1D created without AttentionHeadDim, defaulting to the output channel count (%d)",
			cfg.OutChannels)
		cfg.AttentionHeadDim = cfg.OutChannels
	}
	if cfg.OutChannels%cfg.AttentionHeadDim != 0 {
		Panicf("AttnUpBlock1D requires OutChannels (%d) to be divisible by AttentionHeadDim (%d)",
			cfg.OutChannels, cfg.AttentionHeadDim)
	}
	b := &AttnUpBlock1D{cfg: cfg}
	resnetCfg := func(inChannels int, up bool) ResnetBlock1DConfig {
		return ResnetBlock1DConfig{
			InChannels:        inChannels,
			OutChannels:       cfg.OutChannels,
			TembChannels:      cfg.TembChannels,
			Groups:            cfg.Groups,
			Eps:               cfg.Eps,
			Activation:        cfg.ActFn,
			TimeEmbeddingNorm: cfg.TimeScaleShift,
			OutputScaleFactor: cfg.OutputScaleFactor,
			Dropout:           cfg.Dropout,
			Up:                up,
		}
	}
	numHeads := cfg.OutChannels / cfg.AttentionHeadDim
	for i := range cfg.NumLayers {
		inChannels := cfg.OutChannels
		if i == 0 {
			inChannels = cfg.InChannels
		}
		skipChannels := cfg.OutChannels
		if i == cfg.NumLayers-1 {
			skipChannels = cfg.SkipChannels
		}
		b.resnets = append(b.resnets, NewResnetBlock1D(resnetCfg(inChannels+skipChannels, false)))
		b.attentions = append(b.attentions, NewSelfAttention1D(cfg.OutChannels, numHeads, cfg.Dropout))
	}
	switch cfg.UpsampleType {
	case "":
	case "conv":
		b.upsampleCnv = NewUpsample1D(cfg.OutChannels, cfg.OutChannels, true)
	case "resnet":
		b.upsampleRes = NewResnetBlock1D(resnetCfg(cfg.OutChannels, true))
	default:
		Panicf("AttnUpBlock1D got unknown UpsampleType %q: options are \"conv\", \"resnet\" or empty",
			cfg.UpsampleType)
	}
	return b
}

// Forward implements UpBlock.
func (b *AttnUpBlock1D) Forward(ctx *context.Context, hidden *Node, skips []*Node, temb *Node, length int) (*Node, []*Node) {
	for i := range b.resnets {
		var skip *Node
		skip, skips = popSkip(skips)
		if b.cfg.Rebalance != nil {
			hidden, skip = b.cfg.Rebalance.apply(b.cfg.ResolutionIdx, hidden, skip)
		}
		hidden = Concatenate([]*Node{hidden, skip}, 1)
		hidden = b.resnets[i].Forward(ctx.Inf("resnet_%d", i), hidden, temb)
		hidden = b.attentions[i].Forward(ctx.Inf("attention_%d", i), hidden)
	}
	switch {
	case b.upsampleCnv != nil:
		hidden = b.upsampleCnv.Forward(ctx.In("upsample"), hidden, length)
	case b.upsampleRes != nil:
		hidden = b.upsampleRes.Forward(ctx.In("upsample"), hidden, temb)
	}
	return hidden, skips
}

// PopCount implements UpBlock.
func (b *AttnUpBlock1D) PopCount() int { return len(b.resnets) }

// UpBlock1DNoSkipConfig configures an UpBlock1DNoSkip.
type UpBlock1DNoSkipConfig struct {
	InChannels int

	// SkipChannels is the channel count of the single skip state this stage
	// pops. Defaults to InChannels.
	SkipChannels int

	// OutChannels defaults to InChannels.
	OutChannels int

	// MidChannels defaults to OutChannels.
	MidChannels int
}

// UpBlock1DNoSkip is the decoder stage of the no-skip (audio generation)
// U-Nets: it pops one skip state, concatenates it onto its input, and runs
// three ResConvBlock, the last one without trailing normalization. There is
// no trailing up-sampler.
type UpBlock1DNoSkip struct {
	cfg     UpBlock1DNoSkipConfig
	resnets []*ResConvBlock
}

// NewUpBlock1DNoSkip creates the block from its configuration. It panics on
// invalid configurations.
func NewUpBlock1DNoSkip(cfg UpBlock1DNoSkipConfig) *UpBlock1DNoSkip {
	if cfg.InChannels <= 0 {
		Panicf("UpBlock1DNoSkip requires InChannels > 0, got %d", cfg.InChannels)
	}
	if cfg.SkipChannels == 0 {
		cfg.SkipChannels = cfg.InChannels
	}
	if cfg.OutChannels == 0 {
		cfg.OutChannels = cfg.InChannels
	}
	if cfg.MidChannels == 0 {
		cfg.MidChannels = cfg.OutChannels
	}
	inChannels := cfg.InChannels + cfg.SkipChannels
	return &UpBlock1DNoSkip{
		cfg: cfg,
		resnets: []*ResConvBlock{
			NewResConvBlock(inChannels, cfg.MidChannels, cfg.MidChannels, false),
			NewResConvBlock(cfg.MidChannels, cfg.MidChannels, cfg.MidChannels, false),
			NewResConvBlock(cfg.MidChannels, cfg.MidChannels, cfg.OutChannels, true),
		},
	}
}

// Forward implements UpBlock. length is ignored, there is no up-sampler.
func (b *UpBlock1DNoSkip) Forward(ctx *context.Context, hidden *Node, skips []*Node, temb *Node, length int) (*Node, []*Node) {
	var skip *Node
	skip, skips = popSkip(skips)
	hidden = Concatenate([]*Node{hidden, skip}, 1)
	for i, resnet := range b.resnets {
		hidden = resnet.Forward(ctx.Inf("resnet_%d", i), hidden)
	}
	return hidden, skips
}

// PopCount implements UpBlock.
func (b *UpBlock1DNoSkip) PopCount() int { return 1 }
