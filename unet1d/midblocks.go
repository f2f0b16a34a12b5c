package unet1d

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"k8s.io/klog/v2"
)

// MidResTemporalBlock1DConfig configures a MidResTemporalBlock1D. The zero
// value of each field selects its default.
type MidResTemporalBlock1DConfig struct {
	InChannels int

	// OutChannels defaults to InChannels.
	OutChannels int

	// EmbedDim is the channel count of the time embedding, defaults to 32.
	EmbedDim int

	// NumLayers is the number of residual sub-blocks after the leading one,
	// defaults to 1. There is always at least the leading one.
	NumLayers int

	// AddDownsample/AddUpsample append a trailing resample. At most one may
	// be set.
	AddDownsample bool
	AddUpsample   bool
}

// MidResTemporalBlock1D is the bottleneck stage of temporal (planning)
// U-Nets: a stack of ResidualTemporalBlock1D with an optional single trailing
// down- or up-sample.
type MidResTemporalBlock1D struct {
	cfg        MidResTemporalBlock1DConfig
	resnets    []*ResidualTemporalBlock1D
	downsample *Downsample1D
	upsample   *Upsample1D
}

// NewMidResTemporalBlock1D creates the block from its configuration. It
// panics on invalid configurations, including requesting both resamplings.
func NewMidResTemporalBlock1D(cfg MidResTemporalBlock1DConfig) *MidResTemporalBlock1D {
	if cfg.InChannels <= 0 {
		Panicf("MidResTemporalBlock1D requires InChannels > 0, got %d", cfg.InChannels)
	}
	if cfg.OutChannels == 0 {
		cfg.OutChannels = cfg.InChannels
	}
	if cfg.EmbedDim == 0 {
		cfg.EmbedDim = 32
	}
	if cfg.NumLayers == 0 {
		cfg.NumLayers = 1
	}
	if cfg.AddDownsample && cfg.AddUpsample {
		Panicf("MidResTemporalBlock1D cannot both downsample and upsample")
	}
	b := &MidResTemporalBlock1D{cfg: cfg}
	b.resnets = append(b.resnets, NewResidualTemporalBlock1D(cfg.InChannels, cfg.OutChannels, cfg.EmbedDim))
	for range cfg.NumLayers {
		b.resnets = append(b.resnets, NewResidualTemporalBlock1D(cfg.OutChannels, cfg.OutChannels, cfg.EmbedDim))
	}
	if cfg.AddDownsample {
		b.downsample = NewDownsample1D(cfg.OutChannels, cfg.OutChannels, true)
	}
	if cfg.AddUpsample {
		b.upsample = NewUpsample1D(cfg.OutChannels, cfg.OutChannels, true)
	}
	return b
}

// Forward implements MidBlock.
func (b *MidResTemporalBlock1D) Forward(ctx *context.Context, hidden, temb *Node) *Node {
	for i, resnet := range b.resnets {
		hidden = resnet.Forward(ctx.Inf("resnet_%d", i), hidden, temb)
	}
	if b.upsample != nil {
		hidden = b.upsample.Forward(ctx.In("upsample"), hidden, 0)
	}
	if b.downsample != nil {
		hidden = b.downsample.Forward(ctx.In("downsample"), hidden)
	}
	return hidden
}

// ValueFunctionMidBlock1D is the bottleneck of the scalar-value estimation
// U-Net: two (residual, down-sample) stages that halve the channel count and
// the sequence length at each stage, ending at a quarter of the input
// channels.
type ValueFunctionMidBlock1D struct {
	inChannels int
	embedDim   int
	res1, res2 *ResidualTemporalBlock1D
	down1      *Downsample1D
	down2      *Downsample1D
}

// NewValueFunctionMidBlock1D creates the block. inChannels must be divisible
// by 4 for the two halvings.
func NewValueFunctionMidBlock1D(inChannels, outChannels, embedDim int) *ValueFunctionMidBlock1D {
	if inChannels <= 0 {
		Panicf("ValueFunctionMidBlock1D requires inChannels > 0, got %d", inChannels)
	}
	if outChannels != inChannels {
		Panicf("ValueFunctionMidBlock1D requires inChannels == outChannels, got %d and %d: the block always emits inChannels/4 channels",
			inChannels, outChannels)
	}
	if inChannels%4 != 0 {
		Panicf("ValueFunctionMidBlock1D requires inChannels (%d) to be divisible by 4", inChannels)
	}
	if embedDim <= 0 {
		Panicf("ValueFunctionMidBlock1D requires embedDim > 0, got %d", embedDim)
	}
	return &ValueFunctionMidBlock1D{
		inChannels: inChannels,
		embedDim:   embedDim,
		res1:       NewResidualTemporalBlock1D(inChannels, inChannels/2, embedDim),
		down1:      NewDownsample1D(inChannels/2, inChannels/2, true),
		res2:       NewResidualTemporalBlock1D(inChannels/2, inChannels/4, embedDim),
		down2:      NewDownsample1D(inChannels/4, inChannels/4, true),
	}
}

// Forward implements MidBlock.
func (b *ValueFunctionMidBlock1D) Forward(ctx *context.Context, hidden, temb *Node) *Node {
	hidden = b.res1.Forward(ctx.In("res1"), hidden, temb)
	hidden = b.down1.Forward(ctx.In("down1"), hidden)
	hidden = b.res2.Forward(ctx.In("res2"), hidden, temb)
	hidden = b.down2.Forward(ctx.In("down2"), hidden)
	return hidden
}

// UNetMidBlock1DConfig configures a UNetMidBlock1D. The zero value of each
// field selects its default.
type UNetMidBlock1DConfig struct {
	InChannels int

	// TembChannels is the channel count of the time embedding. 0 disables the
	// time-embedding conditioning of the residual sub-blocks.
	TembChannels int

	// NumLayers is the number of (attention, residual) sub-block pairs after
	// the leading residual, defaults to 1.
	NumLayers int

	// DisableAttention drops the attention sub-blocks entirely, leaving only
	// the residual stack.
	DisableAttention bool

	// AttentionHeadDim is the per-head channel count of the attention
	// sub-blocks. 0 defaults it to InChannels (single-head) with a logged
	// advisory.
	AttentionHeadDim int

	// Eps for the group normalizations, defaults to 1e-6.
	Eps float64

	// ActFn is the residual sub-blocks' activation, defaults to "swish".
	ActFn string

	// Groups for the group normalizations, defaults to min(InChannels/4, 32).
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

// UNetMidBlock1D is the bottleneck stage of audio-style U-Nets: a leading
// ResnetBlock1D followed by NumLayers (attention, residual) sub-block pairs.
// When attention is disabled the pairs degenerate to residual sub-blocks
// only. The channel count and sequence length are preserved.
type UNetMidBlock1D struct {
	cfg        UNetMidBlock1DConfig
	resnets    []*ResnetBlock1D
	attentions []*SelfAttention1D
}

// NewUNetMidBlock1D creates the block from its configuration. It panics on
// invalid configurations.
func NewUNetMidBlock1D(cfg UNetMidBlock1DConfig) *UNetMidBlock1D {
	if cfg.InChannels <= 0 {
		Panicf("UNetMidBlock1D requires InChannels > 0, got %d", cfg.InChannels)
	}
	if cfg.NumLayers == 0 {
		cfg.NumLayers = 1
	}
	if cfg.Groups == 0 {
		cfg.Groups = min(cfg.InChannels/4, 32)
		if cfg.Groups == 0 {
			cfg.Groups = 1
		}
	}
	if !cfg.DisableAttention {
		if cfg.AttentionHeadDim == 0 {
			klog.Warningf("UNetMidBlock1D created without AttentionHeadDim, defaulting to the input channel count (%d)",
				cfg.InChannels)
			cfg.AttentionHeadDim = cfg.InChannels
		}
		if cfg.InChannels%cfg.AttentionHeadDim != 0 {
			Panicf("UNetMidBlock1D requires InChannels (%d) to be divisible by AttentionHeadDim (%d)",
				cfg.InChannels, cfg.AttentionHeadDim)
		}
	}
	b := &UNetMidBlock1D{cfg: cfg}
	resnetCfg := ResnetBlock1DConfig{
		InChannels:        cfg.InChannels,
		OutChannels:       cfg.InChannels,
		TembChannels:      cfg.TembChannels,
		Groups:            cfg.Groups,
		Eps:               cfg.Eps,
		Activation:        cfg.ActFn,
		TimeEmbeddingNorm: cfg.TimeScaleShift,
		OutputScaleFactor: cfg.OutputScaleFactor,
		Dropout:           cfg.Dropout,
	}
	b.resnets = append(b.resnets, NewResnetBlock1D(resnetCfg))
	for range cfg.NumLayers {
		if !cfg.DisableAttention {
			numHeads := cfg.InChannels / cfg.AttentionHeadDim
			b.attentions = append(b.attentions, NewSelfAttention1D(cfg.InChannels, numHeads, cfg.Dropout))
		}
		b.resnets = append(b.resnets, NewResnetBlock1D(resnetCfg))
	}
	return b
}

// Forward implements MidBlock.
func (b *UNetMidBlock1D) Forward(ctx *context.Context, hidden, temb *Node) *Node {
	hidden = b.resnets[0].Forward(ctx.In("resnet_0"), hidden, temb)
	for i, resnet := range b.resnets[1:] {
		if len(b.attentions) > 0 {
			hidden = b.attentions[i].Forward(ctx.Inf("attention_%d", i), hidden)
		}
		hidden = resnet.Forward(ctx.Inf("resnet_%d", i+1), hidden, temb)
	}
	return hidden
}
