package unet1d

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors/images"
)

// Downsample1D halves the sequence length of a [batch, channels, length]
// hidden state, either with a learned strided convolution (which may also
// change the channel count) or with mean-pooling.
type Downsample1D struct {
	channels    int
	outChannels int
	useConv     bool
}

// NewDownsample1D creates a down-sampler from channels to outChannels.
// An outChannels of 0 defaults to channels. Without useConv the down-sampler
// is a mean-pool and cannot change the channel count.
func NewDownsample1D(channels, outChannels int, useConv bool) *Downsample1D {
	if channels <= 0 {
		Panicf("Downsample1D requires channels > 0, got %d", channels)
	}
	if outChannels == 0 {
		outChannels = channels
	}
	if !useConv && outChannels != channels {
		Panicf("Downsample1D without a convolution cannot change the channel count (%d to %d)",
			channels, outChannels)
	}
	return &Downsample1D{channels: channels, outChannels: outChannels, useConv: useConv}
}

// Forward builds the down-sampling on x, returning a tensor with half the
// sequence length.
func (d *Downsample1D) Forward(ctx *context.Context, x *Node) *Node {
	x.AssertRank(3)
	if d.useConv {
		return Conv1D(ctx.In("conv"), x, d.outChannels, 3, 2, true)
	}
	return halveLength(x)
}

// Upsample1D doubles the sequence length of a [batch, channels, length]
// hidden state by nearest-neighbor duplication, optionally followed by a
// learned convolution that may change the channel count.
type Upsample1D struct {
	channels    int
	outChannels int
	useConv     bool
}

// NewUpsample1D creates an up-sampler from channels to outChannels.
// An outChannels of 0 defaults to channels. Without useConv the up-sampler is
// a pure nearest-neighbor duplication and cannot change the channel count.
func NewUpsample1D(channels, outChannels int, useConv bool) *Upsample1D {
	if channels <= 0 {
		Panicf("Upsample1D requires channels > 0, got %d", channels)
	}
	if outChannels == 0 {
		outChannels = channels
	}
	if !useConv && outChannels != channels {
		Panicf("Upsample1D without a convolution cannot change the channel count (%d to %d)",
			channels, outChannels)
	}
	return &Upsample1D{channels: channels, outChannels: outChannels, useConv: useConv}
}

// Forward builds the up-sampling on x. A length > 0 overrides the output
// sequence length, otherwise the length is doubled.
func (u *Upsample1D) Forward(ctx *context.Context, x *Node, length int) *Node {
	x.AssertRank(3)
	x = upsampleNearest(x, length)
	if u.useConv {
		x = Conv1D(ctx.In("conv"), x, u.outChannels, 3, 1, true)
	}
	return x
}

// halveLength mean-pools pairs of neighboring positions.
func halveLength(x *Node) *Node {
	return MeanPool(x).ChannelsAxis(images.ChannelsFirst).Window(2).NoPadding().Done()
}

// upsampleNearest resizes the last axis of x to the given length (or twice
// the current length if length is 0) with nearest-neighbor interpolation.
func upsampleNearest(x *Node, length int) *Node {
	dims := x.Shape().Dimensions
	if length <= 0 {
		length = 2 * dims[2]
	}
	if length == 2*dims[2] {
		// [b, c, n, 2] reshaped to [b, c, 2n] duplicates each position.
		doubled := InsertAxes(x, -1)
		doubled = Concatenate([]*Node{doubled, doubled}, -1)
		return Reshape(doubled, dims[0], dims[1], length)
	}
	return Interpolate(x, dims[0], dims[1], length).Nearest().Done()
}
