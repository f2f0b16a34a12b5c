package unet1d

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/tensors/images"
)

// Conv1D applies a channels-first 1D convolution to x, shaped
// [batchSize, channels, length]. With stride 1 the input is padded so the
// length is preserved; with stride 2 the length is halved.
//
// The kernel and bias variables are created directly in ctx's scope, so each
// convolution needs its own scope.
func Conv1D(ctx *context.Context, x *Node, filters, kernelSize, stride int, useBias bool) *Node {
	return layers.Convolution(ctx, x).
		CurrentScope().
		ChannelsAxis(images.ChannelsFirst).
		Filters(filters).
		KernelSize(kernelSize).
		Strides(stride).
		UseBias(useBias).
		PadSame().
		Done()
}
