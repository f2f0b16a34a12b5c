package unet1d

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"

	"github.com/gomlx/diffusers/activations"
)

// conv1dBlock is the conv(k=5) -> group-norm -> mish unit used by
// ResidualTemporalBlock1D.
func conv1dBlock(ctx *context.Context, x *Node, outChannels, numGroups int) *Node {
	x = Conv1D(ctx.In("conv1d"), x, outChannels, 5, 1, true)
	x = GroupNormalization(ctx, x, numGroups).Done()
	return activations.Mish(x)
}

// ResidualTemporalBlock1D is the residual block of temporal (planning /
// value-function) U-Nets: two conv(k=5)+group-norm+mish units with the time
// embedding projected and added in between, plus a residual connection that is
// a 1x1 convolution when the channel counts differ and the identity otherwise.
type ResidualTemporalBlock1D struct {
	inChannels  int
	outChannels int
	embedDim    int
	numGroups   int
}

// NewResidualTemporalBlock1D creates the block. embedDim is the channel count
// of the time embedding fed to Forward. The group normalizations use 8 groups,
// so outChannels must be divisible by 8.
func NewResidualTemporalBlock1D(inChannels, outChannels, embedDim int) *ResidualTemporalBlock1D {
	if inChannels <= 0 || outChannels <= 0 {
		Panicf("ResidualTemporalBlock1D requires positive channel counts, got inChannels=%d, outChannels=%d",
			inChannels, outChannels)
	}
	const numGroups = 8
	if outChannels%numGroups != 0 {
		Panicf("ResidualTemporalBlock1D requires outChannels (%d) to be divisible by its %d normalization groups",
			outChannels, numGroups)
	}
	if embedDim <= 0 {
		Panicf("ResidualTemporalBlock1D requires embedDim > 0, got %d", embedDim)
	}
	return &ResidualTemporalBlock1D{
		inChannels:  inChannels,
		outChannels: outChannels,
		embedDim:    embedDim,
		numGroups:   numGroups,
	}
}

// Forward builds the block on x ([batch, inChannels, length]) and the time
// embedding temb ([batch, embedDim]), returning [batch, outChannels, length].
func (b *ResidualTemporalBlock1D) Forward(ctx *context.Context, x, temb *Node) *Node {
	x.AssertRank(3)
	hidden := conv1dBlock(ctx.In("conv_in"), x, b.outChannels, b.numGroups)
	if temb != nil {
		t := activations.Mish(temb)
		t = layers.DenseWithBias(ctx.In("time_emb"), t, b.outChannels)
		hidden = Add(hidden, InsertAxes(t, -1)) // Broadcast over length.
	}
	hidden = conv1dBlock(ctx.In("conv_out"), hidden, b.outChannels, b.numGroups)

	residual := x
	if b.inChannels != b.outChannels {
		residual = Conv1D(ctx.In("residual_conv"), x, b.outChannels, 1, 1, true)
	}
	return Add(hidden, residual)
}

// ResnetBlock1DConfig configures a ResnetBlock1D. The zero value of each
// field selects its default.
type ResnetBlock1DConfig struct {
	InChannels int

	// OutChannels defaults to InChannels.
	OutChannels int

	// TembChannels is the channel count of the time embedding. 0 disables the
	// time-embedding projection.
	TembChannels int

	// Groups for the group normalizations, defaults to 32.
	Groups int

	// GroupsOut for the second normalization, defaults to Groups.
	GroupsOut int

	// Eps for the group normalizations, defaults to 1e-6.
	Eps float64

	// Activation name, resolved by activations.FromName. Defaults to "swish".
	Activation string

	// TimeEmbeddingNorm selects how the time embedding conditions the block:
	// "default" adds the projected embedding to the hidden state before the
	// second normalization; "scale_shift" projects it to a scale and a shift
	// applied after the second normalization.
	TimeEmbeddingNorm string

	// OutputScaleFactor divides the block output, defaults to 1.
	OutputScaleFactor float64

	// Dropout rate applied before the second convolution, active only during
	// training.
	Dropout float64

	// Up/Down resample both the hidden state and the residual branch inside
	// the block (nearest-neighbor doubling and mean-pool halving). At most one
	// may be set.
	Up, Down bool

	// ConvShortcut forces a 1x1 convolution on the residual branch even when
	// the channel counts match.
	ConvShortcut bool
}

// ResnetBlock1D is the norm -> act -> conv x2 residual block used by the
// audio-style (k=3) composite blocks, with optional time-embedding
// conditioning and optional built-in resampling.
type ResnetBlock1D struct {
	cfg        ResnetBlock1DConfig
	activation activations.Type
	scaleShift bool
}

// NewResnetBlock1D creates the block from its configuration. It panics on
// invalid configurations.
func NewResnetBlock1D(cfg ResnetBlock1DConfig) *ResnetBlock1D {
	if cfg.InChannels <= 0 {
		Panicf("ResnetBlock1D requires InChannels > 0, got %d", cfg.InChannels)
	}
	if cfg.OutChannels == 0 {
		cfg.OutChannels = cfg.InChannels
	}
	if cfg.Groups == 0 {
		cfg.Groups = 32
	}
	if cfg.GroupsOut == 0 {
		cfg.GroupsOut = cfg.Groups
	}
	if cfg.Eps == 0 {
		cfg.Eps = 1e-6
	}
	if cfg.Activation == "" {
		cfg.Activation = "swish"
	}
	if cfg.OutputScaleFactor == 0 {
		cfg.OutputScaleFactor = 1
	}
	if cfg.Up && cfg.Down {
		Panicf("ResnetBlock1D cannot be configured with both Up and Down resampling")
	}
	if cfg.InChannels%cfg.Groups != 0 {
		Panicf("ResnetBlock1D requires InChannels (%d) to be divisible by Groups (%d)", cfg.InChannels, cfg.Groups)
	}
	if cfg.OutChannels%cfg.GroupsOut != 0 {
		Panicf("ResnetBlock1D requires OutChannels (%d) to be divisible by GroupsOut (%d)", cfg.OutChannels, cfg.GroupsOut)
	}
	scaleShift := false
	switch cfg.TimeEmbeddingNorm {
	case "", "default":
	case "scale_shift":
		scaleShift = true
	default:
		Panicf("ResnetBlock1D got unknown TimeEmbeddingNorm %q: options are \"default\" or \"scale_shift\"",
			cfg.TimeEmbeddingNorm)
	}
	return &ResnetBlock1D{
		cfg:        cfg,
		activation: activations.FromName(cfg.Activation),
		scaleShift: scaleShift,
	}
}

// Forward builds the block on x ([batch, InChannels, length]) and the time
// embedding temb ([batch, TembChannels], ignored when nil or when
// TembChannels is 0).
func (b *ResnetBlock1D) Forward(ctx *context.Context, x, temb *Node) *Node {
	x.AssertRank(3)
	cfg := &b.cfg

	hidden := GroupNormalization(ctx.In("norm1"), x, cfg.Groups).Epsilon(cfg.Eps).Done()
	hidden = activations.Apply(b.activation, hidden)
	if cfg.Up {
		hidden = upsampleNearest(hidden, 0)
		x = upsampleNearest(x, 0)
	} else if cfg.Down {
		hidden = halveLength(hidden)
		x = halveLength(x)
	}
	hidden = Conv1D(ctx.In("conv1"), hidden, cfg.OutChannels, 3, 1, true)

	var timeScaleShift *Node
	if temb != nil && cfg.TembChannels > 0 {
		t := activations.Apply(b.activation, temb)
		projDim := cfg.OutChannels
		if b.scaleShift {
			projDim = 2 * cfg.OutChannels
		}
		t = layers.DenseWithBias(ctx.In("time_emb_proj"), t, projDim)
		t = InsertAxes(t, -1)
		if b.scaleShift {
			timeScaleShift = t
		} else {
			hidden = Add(hidden, t)
		}
	}

	hidden = GroupNormalization(ctx.In("norm2"), hidden, cfg.GroupsOut).Epsilon(cfg.Eps).Done()
	if timeScaleShift != nil {
		scale := Slice(timeScaleShift, AxisRange(), AxisRange(0, cfg.OutChannels), AxisRange())
		shift := Slice(timeScaleShift, AxisRange(), AxisRange(cfg.OutChannels, 2*cfg.OutChannels), AxisRange())
		hidden = Add(Mul(hidden, AddScalar(scale, 1)), shift)
	}
	hidden = activations.Apply(b.activation, hidden)
	if cfg.Dropout > 0 {
		hidden = layers.DropoutStatic(ctx, hidden, cfg.Dropout)
	}
	hidden = Conv1D(ctx.In("conv2"), hidden, cfg.OutChannels, 3, 1, true)

	residual := x
	if cfg.InChannels != cfg.OutChannels || cfg.ConvShortcut {
		residual = Conv1D(ctx.In("conv_shortcut"), x, cfg.OutChannels, 1, 1, true)
	}
	output := Add(hidden, residual)
	if cfg.OutputScaleFactor != 1 {
		output = DivScalar(output, cfg.OutputScaleFactor)
	}
	return output
}

// ResConvBlock is the conv(k=5) residual block of the no-skip (audio
// generation) stacks: two convolutions with group-norm(1)+gelu in between, a
// trailing norm+gelu except on the last block of a stack, and a 1x1
// convolution skip when the channel counts differ.
type ResConvBlock struct {
	inChannels  int
	midChannels int
	outChannels int
	isLast      bool
}

// NewResConvBlock creates the block. isLast omits the trailing
// normalization and activation, for the final block of an output stack.
func NewResConvBlock(inChannels, midChannels, outChannels int, isLast bool) *ResConvBlock {
	if inChannels <= 0 || midChannels <= 0 || outChannels <= 0 {
		Panicf("ResConvBlock requires positive channel counts, got in=%d, mid=%d, out=%d",
			inChannels, midChannels, outChannels)
	}
	return &ResConvBlock{
		inChannels:  inChannels,
		midChannels: midChannels,
		outChannels: outChannels,
		isLast:      isLast,
	}
}

// Forward builds the block on x ([batch, inChannels, length]), returning
// [batch, outChannels, length].
func (b *ResConvBlock) Forward(ctx *context.Context, x *Node) *Node {
	x.AssertRank(3)
	residual := x
	if b.inChannels != b.outChannels {
		residual = Conv1D(ctx.In("conv_skip"), x, b.outChannels, 1, 1, false)
	}

	hidden := Conv1D(ctx.In("conv1"), x, b.midChannels, 5, 1, true)
	hidden = GroupNormalization(ctx.In("norm1"), hidden, 1).Done()
	hidden = activations.Gelu(hidden)
	hidden = Conv1D(ctx.In("conv2"), hidden, b.outChannels, 5, 1, true)
	if !b.isLast {
		hidden = GroupNormalization(ctx.In("norm2"), hidden, 1).Done()
		hidden = activations.Gelu(hidden)
	}
	return Add(hidden, residual)
}
