package unet1d

import (
	"testing"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

func TestResidualTemporalBlock1D(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.RngStateFromSeed(42)
	block := NewResidualTemporalBlock1D(16, 32, 24)
	got := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 16, 12))
		temb := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 24))
		return block.Forward(ctx, x, temb)
	})
	require.Equal(t, []int{2, 32, 12}, got.Shape().Dimensions)

	// Without a time embedding the projection is skipped, shape unchanged.
	got = context.ExecOnce(backend, ctx.Reuse(), func(ctx *context.Context, g *Graph) *Node {
		x := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 16, 12))
		return block.Forward(ctx, x, nil)
	})
	require.Equal(t, []int{2, 32, 12}, got.Shape().Dimensions)
}

func TestResidualTemporalBlock1DValidation(t *testing.T) {
	// Output channels must accommodate the 8 normalization groups.
	err := exceptions.TryCatch[error](func() { NewResidualTemporalBlock1D(16, 12, 24) })
	require.ErrorContains(t, err, "divisible")
	err = exceptions.TryCatch[error](func() { NewResidualTemporalBlock1D(0, 32, 24) })
	require.ErrorContains(t, err, "positive channel counts")
}

func TestResnetBlock1DShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, test := range []struct {
		name       string
		cfg        ResnetBlock1DConfig
		wantLength int
	}{
		{"plain", ResnetBlock1DConfig{InChannels: 8, OutChannels: 16, TembChannels: 12, Groups: 4}, 16},
		{"scale_shift", ResnetBlock1DConfig{InChannels: 8, OutChannels: 16, TembChannels: 12, Groups: 4,
			TimeEmbeddingNorm: "scale_shift"}, 16},
		{"down", ResnetBlock1DConfig{InChannels: 8, OutChannels: 16, TembChannels: 12, Groups: 4, Down: true}, 8},
		{"up", ResnetBlock1DConfig{InChannels: 8, OutChannels: 16, TembChannels: 12, Groups: 4, Up: true}, 32},
	} {
		t.Run(test.name, func(t *testing.T) {
			ctx := context.New()
			ctx.RngStateFromSeed(42)
			block := NewResnetBlock1D(test.cfg)
			got := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
				x := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 8, 16))
				temb := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 12))
				return block.Forward(ctx, x, temb)
			})
			require.Equal(t, []int{2, 16, test.wantLength}, got.Shape().Dimensions)
		})
	}
}

func TestResnetBlock1DValidation(t *testing.T) {
	err := exceptions.TryCatch[error](func() {
		NewResnetBlock1D(ResnetBlock1DConfig{InChannels: 8, Groups: 4, Up: true, Down: true})
	})
	require.ErrorContains(t, err, "both Up and Down")

	err = exceptions.TryCatch[error](func() {
		NewResnetBlock1D(ResnetBlock1DConfig{InChannels: 8, Groups: 3})
	})
	require.ErrorContains(t, err, "divisible")

	err = exceptions.TryCatch[error](func() {
		NewResnetBlock1D(ResnetBlock1DConfig{InChannels: 8, Groups: 4, TimeEmbeddingNorm: "spatial"})
	})
	require.ErrorContains(t, err, "TimeEmbeddingNorm")

	// Bad activation names fail at construction, not at graph building.
	err = exceptions.TryCatch[error](func() {
		NewResnetBlock1D(ResnetBlock1DConfig{InChannels: 8, Groups: 4, Activation: "swoosh"})
	})
	require.ErrorContains(t, err, "invalid activation name \"swoosh\"")
}

func TestResConvBlock(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.RngStateFromSeed(42)
	first := NewResConvBlock(8, 24, 24, false)
	last := NewResConvBlock(24, 24, 16, true)
	got := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 8, 16))
		hidden := first.Forward(ctx.In("first"), x)
		hidden.AssertDims(2, 24, 16)
		return last.Forward(ctx.In("last"), hidden)
	})
	require.Equal(t, []int{2, 16, 16}, got.Shape().Dimensions)
}

func TestGroupNormalization(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.RngStateFromSeed(42)
	// With the default affine scale=1/offset=0 the output of each group is
	// normalized: mean ~0, variance ~1.
	got := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 8, 32))
		x = MulScalar(AddScalar(x, 3.0), 10.0) // Shift and scale away from (0, 1).
		normalized := GroupNormalization(ctx, x, 4).Done()
		normalized.AssertDims(2, 8, 32)
		grouped := Reshape(normalized, 2, 4, 2*32)
		mean := ReduceAndKeep(grouped, ReduceMean, -1)
		variance := ReduceMean(Square(Sub(grouped, mean)), -1)
		mean = ReduceMean(grouped, -1)
		return Concatenate([]*Node{mean, variance}, -1)
	})
	values := got.Value().([][]float32)
	for _, row := range values {
		for i, v := range row {
			if i < 4 {
				require.InDelta(t, 0.0, v, 1e-4)
			} else {
				require.InDelta(t, 1.0, v, 1e-2)
			}
		}
	}

	err := exceptions.TryCatch[error](func() {
		_ = context.ExecOnce(backend, context.New(), func(ctx *context.Context, g *Graph) *Node {
			x := Zeros(g, shapes.Make(dtypes.Float32, 2, 8, 32))
			return GroupNormalization(ctx, x, 3).Done()
		})
	})
	require.ErrorContains(t, err, "divisible")
}
