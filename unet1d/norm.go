package unet1d

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
)

// GroupNormBuilder is a helper to build a group normalization computation.
// Create it with GroupNormalization, set the desired parameters and when all
// is set, call Done.
type GroupNormBuilder struct {
	ctx       *context.Context
	x         *Node
	numGroups int
	epsilon   float64
	affine    bool
}

// GroupNormalization performs a group normalization on a channels-first
// rank-3 input shaped [batchSize, channels, length]: the channels are split
// into numGroups groups, and each group is normalized to mean 0 and variance 1
// over its channels and the full length.
//
// The number of channels must be divisible by numGroups. With numGroups == 1
// this is a layer normalization over channels and length.
//
// It returns a GroupNormBuilder for optional parameters; call Done when
// finished. The affine scale and offset variables are created in a "group_norm"
// sub-scope of ctx.
func GroupNormalization(ctx *context.Context, x *Node, numGroups int) *GroupNormBuilder {
	if x.Rank() != 3 {
		Panicf("GroupNormalization requires a rank-3 input shaped [batch, channels, length], got shape %s", x.Shape())
	}
	channels := x.Shape().Dimensions[1]
	if numGroups <= 0 {
		Panicf("GroupNormalization requires numGroups > 0, got %d", numGroups)
	}
	if channels%numGroups != 0 {
		Panicf("GroupNormalization requires the number of channels (%d) to be divisible by numGroups (%d)",
			channels, numGroups)
	}
	return &GroupNormBuilder{
		ctx:       ctx.In("group_norm"),
		x:         x,
		numGroups: numGroups,
		epsilon:   1e-5,
		affine:    true,
	}
}

// Epsilon is a small float added to the variance before taking its square
// root. It defaults to 1e-5.
func (b *GroupNormBuilder) Epsilon(epsilon float64) *GroupNormBuilder {
	b.epsilon = epsilon
	return b
}

// Affine sets whether to apply a learned per-channel scale and offset after
// normalizing. It defaults to true.
func (b *GroupNormBuilder) Affine(affine bool) *GroupNormBuilder {
	b.affine = affine
	return b
}

// Done finishes the configuration and builds the computation graph, returning
// the normalized value.
func (b *GroupNormBuilder) Done() *Node {
	x := b.x
	g := x.Graph()
	dims := x.Shape().Dimensions
	batchSize, channels, length := dims[0], dims[1], dims[2]
	channelsPerGroup := channels / b.numGroups

	grouped := Reshape(x, batchSize, b.numGroups, channelsPerGroup, length)
	mean := ReduceAndKeep(grouped, ReduceMean, 2, 3)
	normalized := Sub(grouped, mean)
	variance := ReduceAndKeep(Square(normalized), ReduceMean, 2, 3)
	normalized = Div(normalized, Sqrt(AddScalar(variance, b.epsilon)))
	normalized = Reshape(normalized, batchSize, channels, length)

	if b.affine {
		varShape := shapes.Make(x.DType(), 1, channels, 1)
		scaleVar := b.ctx.WithInitializer(initializers.One).VariableWithShape("scale", varShape)
		offsetVar := b.ctx.WithInitializer(initializers.Zero).VariableWithShape("offset", varShape)
		normalized = Add(Mul(normalized, scaleVar.ValueGraph(g)), offsetVar.ValueGraph(g))
	}
	return normalized
}
