// Package unet1d implements the building blocks of 1D U-Net denoising
// networks for diffusion models: residual and attention blocks, the
// down/mid/up composite stages with their skip-connection bookkeeping, output
// heads, string-keyed factories for each family, and a Model assembler that
// chains them into a full encoder-bottleneck-decoder pipeline.
//
// Hidden states are rank-3, shaped [batchSize, channels, length]
// (channels-first). The sequence length only changes at resampling boundaries:
// a down-sample halves it, an up-sample doubles it.
//
// Blocks are configured by value at construction. Construction validates the
// configuration (channel arithmetic, group or head divisibility, resampling
// flags) and panics with an error on invalid values -- see
// github.com/gomlx/exceptions. The Forward methods build the computation
// graph, creating or reusing their weights in the given context scope, so
// calling Forward twice with the same context shares weights, the usual gomlx
// layers convention.
//
// The encoder side pushes intermediate hidden states onto a skip stack and the
// decoder side pops them in LIFO order, concatenating each popped state on the
// channels axis. How many states a block pushes or pops is declared by its
// SkipCount/PopCount methods, which Model uses to verify at construction time
// that the pipeline is balanced.
package unet1d

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/xslices"
)

// DownBlock is an encoder stage: it transforms the hidden state and returns
// the skip states it contributes, in the order they were produced.
type DownBlock interface {
	// Forward builds the stage on hidden ([batch, channels, length]) with the
	// time embedding temb ([batch, tembChannels], may be nil for blocks that
	// ignore it). It returns the transformed hidden state and the skip states
	// to push.
	Forward(ctx *context.Context, hidden, temb *Node) (*Node, []*Node)

	// SkipCount is the number of skip states Forward returns.
	SkipCount() int
}

// UpBlock is a decoder stage: it pops the skip states it consumes from the
// tail of the stack and concatenates them onto the hidden state.
type UpBlock interface {
	// Forward builds the stage. It pops PopCount() states from the tail of
	// skips and returns the transformed hidden state and the remaining stack.
	// A length > 0 overrides the output sequence length of the stage's
	// up-sampler, otherwise the length is doubled.
	Forward(ctx *context.Context, hidden *Node, skips []*Node, temb *Node, length int) (*Node, []*Node)

	// PopCount is the number of skip states Forward consumes.
	PopCount() int
}

// MidBlock is a bottleneck stage between the encoder and the decoder.
type MidBlock interface {
	Forward(ctx *context.Context, hidden, temb *Node) *Node
}

// OutBlock is a final output head, applied after the decoder.
type OutBlock interface {
	Forward(ctx *context.Context, hidden, temb *Node) *Node
}

// popSkip pops the top of the skip stack.
func popSkip(skips []*Node) (*Node, []*Node) {
	if len(skips) == 0 {
		Panicf("skip-connection stack is empty: the decoder tried to pop more states than the encoder pushed")
	}
	return xslices.Pop(skips)
}
