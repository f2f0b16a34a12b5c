package unet1d

import (
	"math"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
)

// SelfAttention1D is multi-head self-attention over the sequence positions of
// a [batch, channels, length] hidden state: group-norm(1), linear
// query/key/value projections, scaled dot-product attention, an output
// projection, dropout, and a residual connection to the input. The output
// shape always equals the input shape.
type SelfAttention1D struct {
	channels    int
	numHeads    int
	headDim     int
	dropoutRate float64
}

// NewSelfAttention1D creates the block. channels must be divisible by
// numHeads.
func NewSelfAttention1D(channels, numHeads int, dropoutRate float64) *SelfAttention1D {
	if channels <= 0 {
		Panicf("SelfAttention1D requires channels > 0, got %d", channels)
	}
	if numHeads <= 0 {
		Panicf("SelfAttention1D requires numHeads > 0, got %d", numHeads)
	}
	if channels%numHeads != 0 {
		Panicf("SelfAttention1D requires channels (%d) to be divisible by numHeads (%d)", channels, numHeads)
	}
	return &SelfAttention1D{
		channels:    channels,
		numHeads:    numHeads,
		headDim:     channels / numHeads,
		dropoutRate: dropoutRate,
	}
}

// Forward builds the attention on x ([batch, channels, length]).
func (a *SelfAttention1D) Forward(ctx *context.Context, x *Node) *Node {
	x.AssertRank(3)
	dims := x.Shape().Dimensions
	batchSize, channels, length := dims[0], dims[1], dims[2]
	if channels != a.channels {
		Panicf("SelfAttention1D built for %d channels got input shaped %s", a.channels, x.Shape())
	}

	residual := x
	hidden := GroupNormalization(ctx, x, 1).Done()
	hidden = Transpose(hidden, 1, 2) // [batch, length, channels]

	query := a.splitHeads(layers.DenseWithBias(ctx.In("query"), hidden, a.channels))
	key := a.splitHeads(layers.DenseWithBias(ctx.In("key"), hidden, a.channels))
	value := a.splitHeads(layers.DenseWithBias(ctx.In("value"), hidden, a.channels))

	// The scale is split between query and key to keep both sides of the
	// product in range.
	scale := 1.0 / math.Sqrt(math.Sqrt(float64(a.headDim)))
	query = MulScalar(query, scale)
	key = MulScalar(key, scale)

	weights := Softmax(Einsum("bhqd,bhkd->bhqk", query, key), -1)
	hidden = Einsum("bhqk,bhkd->bhqd", weights, value)

	hidden = Transpose(hidden, 1, 2) // [batch, length, heads, headDim]
	hidden = Reshape(hidden, batchSize, length, a.channels)
	hidden = layers.DenseWithBias(ctx.In("proj_attn"), hidden, a.channels)
	hidden = Transpose(hidden, 1, 2) // Back to [batch, channels, length].
	if a.dropoutRate > 0 {
		hidden = layers.DropoutStatic(ctx, hidden, a.dropoutRate)
	}
	return Add(hidden, residual)
}

// splitHeads reshapes [batch, length, channels] to
// [batch, numHeads, length, headDim].
func (a *SelfAttention1D) splitHeads(x *Node) *Node {
	dims := x.Shape().Dimensions
	x = Reshape(x, dims[0], dims[1], a.numHeads, a.headDim)
	return Transpose(x, 1, 2)
}
