package unet1d

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"

	"github.com/gomlx/diffusers/activations"
)

// OutConv1DBlock is the convolutional output head: conv(k=5), group-norm,
// activation, and a final 1x1 convolution projecting to the output channel
// count. The time embedding is ignored.
type OutConv1DBlock struct {
	inChannels  int
	outChannels int
	numGroups   int
	activation  activations.Type
}

// NewOutConv1DBlock creates the head. numGroups must divide inChannels.
func NewOutConv1DBlock(inChannels, outChannels, numGroups int, actFn string) *OutConv1DBlock {
	if inChannels <= 0 || outChannels <= 0 {
		Panicf("OutConv1DBlock requires positive channel counts, got in=%d, out=%d", inChannels, outChannels)
	}
	if numGroups <= 0 || inChannels%numGroups != 0 {
		Panicf("OutConv1DBlock requires inChannels (%d) to be divisible by numGroups (%d)", inChannels, numGroups)
	}
	return &OutConv1DBlock{
		inChannels:  inChannels,
		outChannels: outChannels,
		numGroups:   numGroups,
		activation:  activations.FromName(actFn),
	}
}

// Forward implements OutBlock, returning [batch, outChannels, length].
func (b *OutConv1DBlock) Forward(ctx *context.Context, hidden, temb *Node) *Node {
	hidden = Conv1D(ctx.In("final_conv1d_1"), hidden, b.inChannels, 5, 1, true)
	hidden = GroupNormalization(ctx, hidden, b.numGroups).Done()
	hidden = activations.Apply(b.activation, hidden)
	hidden = Conv1D(ctx.In("final_conv1d_2"), hidden, b.outChannels, 1, 1, true)
	return hidden
}

// OutValueFunctionBlock is the scalar-value output head: it flattens the
// hidden state, concatenates the time embedding, and projects through a
// two-layer MLP to a single value per example.
type OutValueFunctionBlock struct {
	fcDim      int
	embedDim   int
	activation activations.Type
}

// NewOutValueFunctionBlock creates the head. fcDim is the flattened size of
// the hidden state fed to Forward, embedDim the time-embedding size.
func NewOutValueFunctionBlock(fcDim, embedDim int, actFn string) *OutValueFunctionBlock {
	if fcDim <= 0 {
		Panicf("OutValueFunctionBlock requires fcDim > 0, got %d", fcDim)
	}
	if embedDim <= 0 {
		Panicf("OutValueFunctionBlock requires embedDim > 0, got %d", embedDim)
	}
	if actFn == "" {
		actFn = "mish"
	}
	return &OutValueFunctionBlock{
		fcDim:      fcDim,
		embedDim:   embedDim,
		activation: activations.FromName(actFn),
	}
}

// Forward implements OutBlock, returning [batch, 1]. temb is required.
func (b *OutValueFunctionBlock) Forward(ctx *context.Context, hidden, temb *Node) *Node {
	if temb == nil {
		Panicf("OutValueFunctionBlock requires a time embedding")
	}
	dims := hidden.Shape().Dimensions
	hidden = Reshape(hidden, dims[0], dims[1]*dims[2])
	hidden = Concatenate([]*Node{hidden, temb}, -1)
	hidden = layers.DenseWithBias(ctx.In("fc1"), hidden, b.fcDim/2)
	hidden = activations.Apply(b.activation, hidden)
	hidden = layers.DenseWithBias(ctx.In("fc2"), hidden, 1)
	return hidden
}
