package unet1d

import (
	"testing"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

func TestSelfAttention1DShape(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, numHeads := range []int{1, 2, 4} {
		ctx := context.New()
		ctx.RngStateFromSeed(42)
		attn := NewSelfAttention1D(16, numHeads, 0)
		got := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			x := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 16, 10))
			return attn.Forward(ctx, x)
		})
		require.Equal(t, []int{2, 16, 10}, got.Shape().Dimensions)
	}
}

func TestSelfAttention1DResidual(t *testing.T) {
	// With all projections initialized to zero the attention branch
	// contributes nothing and the residual connection passes the input
	// through unchanged.
	backend := graphtest.BuildTestBackend()
	ctx := context.New().WithInitializer(initializers.Zero)
	ctx.RngStateFromSeed(42)
	attn := NewSelfAttention1D(8, 2, 0)
	got := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 8, 6))
		return Sub(attn.Forward(ctx, x), x)
	})
	values := got.Value().([][][]float32)
	for _, batch := range values {
		for _, channel := range batch {
			for _, v := range channel {
				require.InDelta(t, 0.0, v, 1e-6)
			}
		}
	}
}

func TestSelfAttention1DValidation(t *testing.T) {
	err := exceptions.TryCatch[error](func() { NewSelfAttention1D(16, 3, 0) })
	require.ErrorContains(t, err, "divisible by numHeads")
	err = exceptions.TryCatch[error](func() { NewSelfAttention1D(0, 1, 0) })
	require.ErrorContains(t, err, "channels > 0")
}
