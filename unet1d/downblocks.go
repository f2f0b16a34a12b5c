package unet1d

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"k8s.io/klog/v2"

	"github.com/gomlx/diffusers/activations"
)

// DownResnetBlock1DConfig configures a DownResnetBlock1D. The zero value of
// each field selects its default.
type DownResnetBlock1DConfig struct {
	InChannels int

	// OutChannels defaults to InChannels.
	OutChannels int

	// NumLayers is the number of residual sub-blocks after the leading one,
	// defaults to 1. There is always at least the leading one.
	NumLayers int

	// TembChannels is the channel count of the time embedding, defaults to 32.
	TembChannels int

	// NonLinearity is an optional activation applied after the residual
	// stack, resolved by activations.FromName. Empty means none.
	NonLinearity string

	// AddDownsample appends a strided-convolution down-sampler.
	AddDownsample bool
}

// DownResnetBlock1D is the encoder stage of temporal (planning /
// value-function) U-Nets: a stack of ResidualTemporalBlock1D, an optional
// nonlinearity, and an optional down-sampler. It contributes a single skip
// state, taken after the residual stack and before the resampling.
type DownResnetBlock1D struct {
	cfg        DownResnetBlock1DConfig
	resnets    []*ResidualTemporalBlock1D
	activation activations.Type
	downsample *Downsample1D
}

// NewDownResnetBlock1D creates the block from its configuration. It panics on
// invalid configurations.
func NewDownResnetBlock1D(cfg DownResnetBlock1DConfig) *DownResnetBlock1D {
	if cfg.InChannels <= 0 {
		Panicf("DownResnetBlock1D requires InChannels > 0, got %d", cfg.InChannels)
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
	b := &DownResnetBlock1D{
		cfg:        cfg,
		activation: activations.FromName(cfg.NonLinearity),
	}
	b.resnets = append(b.resnets, NewResidualTemporalBlock1D(cfg.InChannels, cfg.OutChannels, cfg.TembChannels))
	for range cfg.NumLayers {
		b.resnets = append(b.resnets, NewResidualTemporalBlock1D(cfg.OutChannels, cfg.OutChannels, cfg.TembChannels))
	}
	if cfg.AddDownsample {
		b.downsample = NewDownsample1D(cfg.OutChannels, cfg.OutChannels, true)
	}
	return b
}

// Forward implements DownBlock.
func (b *DownResnetBlock1D) Forward(ctx *context.Context, hidden, temb *Node) (*Node, []*Node) {
	for i, resnet := range b.resnets {
		hidden = resnet.Forward(ctx.Inf("resnet_%d", i), hidden, temb)
	}
	skips := []*Node{hidden}
	if b.activation != activations.TypeNone {
		hidden = activations.Apply(b.activation, hidden)
	}
	if b.downsample != nil {
		hidden = b.downsample.Forward(ctx.In("downsample"), hidden)
	}
	return hidden, skips
}

// SkipCount implements DownBlock.
func (b *DownResnetBlock1D) SkipCount() int { return 1 }

// DownBlock1DConfig configures a DownBlock1D. The zero value of each field
// selects its default.
type DownBlock1DConfig struct {
	InChannels int

	// OutChannels defaults to InChannels.
	OutChannels int

	// NumLayers is the number of residual sub-blocks, defaults to 3.
	NumLayers int

	// TembChannels is the channel count of the time embedding. 0 disables the
	// time-embedding conditioning of the residual sub-blocks.
	TembChannels int

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

	// Dropout rate inside the residual sub-blocks.
	Dropout float64

	// AddDownsample appends a strided-convolution down-sampler.
	AddDownsample bool

	// GradientCheckpointing requests recomputing the residual sub-blocks on
	// the backward pass instead of keeping their intermediate values. The
	// block records it and surfaces it through its GradientCheckpointing
	// method; gomlx's backends decide rematerialization on their own.
	GradientCheckpointing bool
}

// DownBlock1D is an encoder stage built from a stack of ResnetBlock1D and an
// optional down-sampler. It contributes one skip state per residual sub-block,
// plus the post-resampling state when down-sampling is enabled.
type DownBlock1D struct {
	cfg        DownBlock1DConfig
	resnets    []*ResnetBlock1D
	downsample *Downsample1D
}

// NewDownBlock1D creates the block from its configuration. It panics on
// invalid configurations.
func NewDownBlock1D(cfg DownBlock1DConfig) *DownBlock1D {
	if cfg.InChannels <= 0 {
		Panicf("DownBlock1D requires InChannels > 0, got %d", cfg.InChannels)
	}
	if cfg.OutChannels == 0 {
		cfg.OutChannels = cfg.InChannels
	}
	if cfg.NumLayers == 0 {
		cfg.NumLayers = 3
	}
	b := &DownBlock1D{cfg: cfg}
	for i := range cfg.NumLayers {
		inChannels := cfg.OutChannels
		if i == 0 {
			inChannels = cfg.InChannels
		}
		b.resnets = append(b.resnets, NewResnetBlock1D(ResnetBlock1DConfig{
			InChannels:        inChannels,
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
	if cfg.AddDownsample {
		b.downsample = NewDownsample1D(cfg.OutChannels, cfg.OutChannels, true)
	}
	return b
}

// Forward implements DownBlock.
func (b *DownBlock1D) Forward(ctx *context.Context, hidden, temb *Node) (*Node, []*Node) {
	skips := make([]*Node, 0, b.SkipCount())
	for i, resnet := range b.resnets {
		hidden = resnet.Forward(ctx.Inf("resnet_%d", i), hidden, temb)
		skips = append(skips, hidden)
	}
	if b.downsample != nil {
		hidden = b.downsample.Forward(ctx.In("downsample"), hidden)
		skips = append(skips, hidden)
	}
	return hidden, skips
}

// GradientCheckpointing reports whether recompute-on-backward was requested
// for this block.
func (b *DownBlock1D) GradientCheckpointing() bool { return b.cfg.GradientCheckpointing }

// SkipCount implements DownBlock.
func (b *DownBlock1D) SkipCount() int {
	count := len(b.resnets)
	if b.downsample != nil {
		count++
	}
	return count
}

// AttnDownBlock1DConfig configures an AttnDownBlock1D. The zero value of each
// field selects its default.
type AttnDownBlock1DConfig struct {
	InChannels int

	// OutChannels defaults to InChannels.
	OutChannels int

	// NumLayers is the number of (residual, attention) sub-block pairs,
	// defaults to 1.
	NumLayers int

	// TembChannels is the channel count of the time embedding. 0 disables the
	// time-embedding conditioning of the residual sub-blocks.
	TembChannels int

	// AttentionHeadDim is the per-head channel count of the attention
	// sub-blocks. 0 defaults it to OutChannels (single-head) with a logged
	// advisory.
	AttentionHeadDim int

	// DownsampleType selects the trailing down-sampler: "conv" for a strided
	// convolution, "resnet" for a residual sub-block with built-in
	// down-sampling, or empty for none.
	DownsampleType string

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

// AttnDownBlock1D is an encoder stage interleaving ResnetBlock1D and
// SelfAttention1D sub-blocks, with an optional trailing down-sampler that is
// either a strided convolution or a down-sampling residual sub-block. It
// contributes one skip state per (residual, attention) pair, plus the
// post-resampling state when down-sampling is enabled.
type AttnDownBlock1D struct {
	cfg            AttnDownBlock1DConfig
	resnets        []*ResnetBlock1D
	attentions     []*SelfAttention1D
	downsampleConv *Downsample1D
	downsampleRes  *ResnetBlock1D
}

// NewAttnDownBlock1D creates the block from its configuration. It panics on
// invalid configurations.
func NewAttnDownBlock1D(cfg AttnDownBlock1DConfig) *AttnDownBlock1D {
	if cfg.InChannels <= 0 {
		Panicf("AttnDownBlock1D requires InChannels > 0, got %d", cfg.InChannels)
	}
	if cfg.OutChannels == 0 {
		cfg.OutChannels = cfg.InChannels
	}
	if cfg.NumLayers == 0 {
		cfg.NumLayers = 1
	}
	if cfg.AttentionHeadDim == 0 {
		klog.Warningf("AttnDownBlock1D created without AttentionHeadDim, defaulting to the output channel count (%d)",
			cfg.OutChannels)
		cfg.AttentionHeadDim = cfg.OutChannels
	}
	if cfg.OutChannels%cfg.AttentionHeadDim != 0 {
		Panicf("AttnDownBlock1D requires OutChannels (%d) to be divisible by AttentionHeadDim (%d)",
			cfg.OutChannels, cfg.AttentionHeadDim)
	}
	b := &AttnDownBlock1D{cfg: cfg}
	resnetCfg := func(inChannels int, down bool) ResnetBlock1DConfig {
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
			Down:              down,
		}
	}
	numHeads := cfg.OutChannels / cfg.AttentionHeadDim
	for i := range cfg.NumLayers {
		inChannels := cfg.OutChannels
		if i == 0 {
			inChannels = cfg.InChannels
		}
		b.resnets = append(b.resnets, NewResnetBlock1D(resnetCfg(inChannels, false)))
		b.attentions = append(b.attentions, NewSelfAttention1D(cfg.OutChannels, numHeads, cfg.Dropout))
	}
	switch cfg.DownsampleType {
	case "":
	case "conv":
		b.downsampleConv = NewDownsample1D(cfg.OutChannels, cfg.OutChannels, true)
	case "resnet":
		b.downsampleRes = NewResnetBlock1D(resnetCfg(cfg.OutChannels, true))
	default:
		Panicf("AttnDownBlock1D got unknown DownsampleType %q: options are \"conv\", \"resnet\" or empty",
			cfg.DownsampleType)
	}
	return b
}

// Forward implements DownBlock.
func (b *AttnDownBlock1D) Forward(ctx *context.Context, hidden, temb *Node) (*Node, []*Node) {
	skips := make([]*Node, 0, b.SkipCount())
	for i := range b.resnets {
		hidden = b.resnets[i].Forward(ctx.Inf("resnet_%d", i), hidden, temb)
		hidden = b.attentions[i].Forward(ctx.Inf("attention_%d", i), hidden)
		skips = append(skips, hidden)
	}
	switch {
	case b.downsampleConv != nil:
		hidden = b.downsampleConv.Forward(ctx.In("downsample"), hidden)
		skips = append(skips, hidden)
	case b.downsampleRes != nil:
		hidden = b.downsampleRes.Forward(ctx.In("downsample"), hidden, temb)
		skips = append(skips, hidden)
	}
	return hidden, skips
}

// SkipCount implements DownBlock.
func (b *AttnDownBlock1D) SkipCount() int {
	count := len(b.resnets)
	if b.downsampleConv != nil || b.downsampleRes != nil {
		count++
	}
	return count
}

// DownBlock1DNoSkipConfig configures a DownBlock1DNoSkip.
type DownBlock1DNoSkipConfig struct {
	// InChannels is the channel count of the hidden state before the time
	// embedding is concatenated onto it.
	InChannels int

	// OutChannels defaults to InChannels.
	OutChannels int

	// MidChannels defaults to OutChannels.
	MidChannels int

	// TembChannels is the channel count of the time embedding concatenated
	// onto the input. Defaults to InChannels.
	TembChannels int
}

// DownBlock1DNoSkip is the encoder stage of the no-skip (audio generation)
// U-Nets: the time embedding is broadcast over the sequence and concatenated
// onto the channel axis, followed by three ResConvBlock. It exposes only its
// final state, as a single skip state.
type DownBlock1DNoSkip struct {
	cfg     DownBlock1DNoSkipConfig
	resnets []*ResConvBlock
}

// NewDownBlock1DNoSkip creates the block from its configuration. It panics on
// invalid configurations.
func NewDownBlock1DNoSkip(cfg DownBlock1DNoSkipConfig) *DownBlock1DNoSkip {
	if cfg.InChannels <= 0 {
		Panicf("DownBlock1DNoSkip requires InChannels > 0, got %d", cfg.InChannels)
	}
	if cfg.OutChannels == 0 {
		cfg.OutChannels = cfg.InChannels
	}
	if cfg.MidChannels == 0 {
		cfg.MidChannels = cfg.OutChannels
	}
	if cfg.TembChannels == 0 {
		cfg.TembChannels = cfg.InChannels
	}
	inChannels := cfg.InChannels + cfg.TembChannels
	return &DownBlock1DNoSkip{
		cfg: cfg,
		resnets: []*ResConvBlock{
			NewResConvBlock(inChannels, cfg.MidChannels, cfg.MidChannels, false),
			NewResConvBlock(cfg.MidChannels, cfg.MidChannels, cfg.MidChannels, false),
			NewResConvBlock(cfg.MidChannels, cfg.MidChannels, cfg.OutChannels, false),
		},
	}
}

// Forward implements DownBlock. temb is required: shaped
// [batch, TembChannels] it is broadcast over the sequence length, or it can
// already be shaped [batch, TembChannels, length].
func (b *DownBlock1DNoSkip) Forward(ctx *context.Context, hidden, temb *Node) (*Node, []*Node) {
	if temb == nil {
		Panicf("DownBlock1DNoSkip requires a time embedding to concatenate onto its input")
	}
	if temb.Rank() == 2 {
		length := hidden.Shape().Dimensions[2]
		temb = InsertAxes(temb, -1)
		temb = BroadcastToDims(temb, temb.Shape().Dimensions[0], temb.Shape().Dimensions[1], length)
	}
	hidden = Concatenate([]*Node{hidden, temb}, 1)
	for i, resnet := range b.resnets {
		hidden = resnet.Forward(ctx.Inf("resnet_%d", i), hidden)
	}
	return hidden, []*Node{hidden}
}

// SkipCount implements DownBlock.
func (b *DownBlock1DNoSkip) SkipCount() int { return 1 }
