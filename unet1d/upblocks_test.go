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

func TestUpResnetBlock1D(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.RngStateFromSeed(42)
	block := NewUpResnetBlock1D(UpResnetBlock1DConfig{
		InChannels:   32,
		OutChannels:  16,
		TembChannels: 24,
		AddUpsample:  true,
	})
	require.Equal(t, 1, block.PopCount())
	var remaining int
	got := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		hidden := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 32, 8))
		skips := []*Node{ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 32, 8))}
		temb := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 24))
		hidden, skips = block.Forward(ctx, hidden, skips, temb, 0)
		remaining = len(skips)
		return hidden
	})
	require.Equal(t, []int{2, 16, 16}, got.Shape().Dimensions)
	require.Equal(t, 0, remaining)
}

func TestUpBlock1DPopsPerResnet(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.RngStateFromSeed(42)
	block := NewUpBlock1D(UpBlock1DConfig{
		InChannels:   32,
		SkipChannels: 32,
		OutChannels:  16,
		NumLayers:    2,
		TembChannels: 24,
		AddUpsample:  true,
	})
	require.Equal(t, 2, block.PopCount())
	var remaining int
	got := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		hidden := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 32, 8))
		skips := []*Node{
			ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 32, 8)),
			ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 32, 8)),
			ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 32, 8)),
		}
		temb := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 24))
		hidden, skips = block.Forward(ctx, hidden, skips, temb, 0)
		remaining = len(skips)
		return hidden
	})
	require.Equal(t, []int{2, 16, 16}, got.Shape().Dimensions)
	require.Equal(t, 1, remaining)
}

func TestUpBlockEmptyStack(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	block := NewUpBlock1DNoSkip(UpBlock1DNoSkipConfig{InChannels: 8, OutChannels: 8})
	err := exceptions.TryCatch[error](func() {
		_ = context.ExecOnce(backend, context.New(), func(ctx *context.Context, g *Graph) *Node {
			hidden := Zeros(g, shapes.Make(dtypes.Float32, 2, 8, 16))
			out, _ := block.Forward(ctx, hidden, nil, nil, 0)
			return out
		})
	})
	require.ErrorContains(t, err, "skip-connection stack is empty")
}

func TestAttnUpBlock1D(t *testing.T) {
	for _, upsampleType := range []string{"conv", "resnet"} {
		backend := graphtest.BuildTestBackend()
		ctx := context.New()
		ctx.RngStateFromSeed(42)
		block := NewAttnUpBlock1D(AttnUpBlock1DConfig{
			InChannels:       32,
			SkipChannels:     24,
			OutChannels:      16,
			NumLayers:        2,
			TembChannels:     12,
			AttentionHeadDim: 4,
			UpsampleType:     upsampleType,
			Groups:           4,
		})
		require.Equal(t, 2, block.PopCount())
		got := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			hidden := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 32, 8))
			// The last resnet pops the skip-channel state, earlier ones pop
			// out-channel states. LIFO: the last pushed is popped first.
			skips := []*Node{
				ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 24, 8)),
				ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 16, 8)),
			}
			temb := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 12))
			hidden, skips = block.Forward(ctx, hidden, skips, temb, 0)
			require.Empty(t, skips)
			return hidden
		})
		require.Equal(t, []int{2, 16, 16}, got.Shape().Dimensions)
	}
}

func TestUpBlock1DNoSkip(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.RngStateFromSeed(42)
	block := NewUpBlock1DNoSkip(UpBlock1DNoSkipConfig{
		InChannels:   16,
		SkipChannels: 16,
		OutChannels:  8,
	})
	require.Equal(t, 1, block.PopCount())
	got := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		hidden := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 16, 16))
		skips := []*Node{ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 16, 16))}
		hidden, skips = block.Forward(ctx, hidden, skips, nil, 0)
		require.Empty(t, skips)
		return hidden
	})
	// No trailing up-sampler: the length is preserved.
	require.Equal(t, []int{2, 8, 16}, got.Shape().Dimensions)
}

func TestDownUpRoundTrip(t *testing.T) {
	// A Down stage feeding a symmetric Up stage restores the original
	// sequence length. The Up stage pops the down-sampled state; the
	// full-resolution state stays on the stack for an earlier decoder stage.
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.RngStateFromSeed(42)
	down := NewDownBlock1D(DownBlock1DConfig{
		InChannels:    4,
		OutChannels:   8,
		NumLayers:     1,
		TembChannels:  12,
		Groups:        4,
		AddDownsample: true,
	})
	up := NewUpBlock1D(UpBlock1DConfig{
		InChannels:   8,
		SkipChannels: 8,
		OutChannels:  8,
		NumLayers:    1,
		TembChannels: 12,
		Groups:       4,
		AddUpsample:  true,
	})
	require.Equal(t, 2, down.SkipCount())
	require.Equal(t, 1, up.PopCount())
	got := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 4, 16))
		temb := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 12))
		hidden, skips := down.Forward(ctx.In("down"), x, temb)
		hidden.AssertDims(2, 8, 8)
		hidden, skips = up.Forward(ctx.In("up"), hidden, skips, temb, 0)
		require.Len(t, skips, 1)
		skips[0].AssertDims(2, 8, 16)
		return hidden
	})
	require.Equal(t, []int{2, 8, 16}, got.Shape().Dimensions)
}

func TestSkipRebalance(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	// Unit factors leave the pair unchanged (up to the FFT round trip).
	identity := &SkipRebalance{B1: 1, B2: 1, S1: 1, S2: 1}
	got := context.ExecOnce(backend, context.New(), func(ctx *context.Context, g *Graph) *Node {
		hidden := IotaFull(g, shapes.Make(dtypes.Float32, 1, 4, 8))
		skip := IotaFull(g, shapes.Make(dtypes.Float32, 1, 4, 8))
		newHidden, newSkip := identity.apply(0, hidden, skip)
		return Concatenate([]*Node{Sub(newHidden, hidden), Sub(newSkip, skip)}, 1)
	})
	for _, channel := range got.Value().([][][]float32)[0] {
		for _, v := range channel {
			require.InDelta(t, 0.0, v, 1e-4)
		}
	}

	// Past the first two stages the rebalancing is a no-op by construction.
	rebalance := &SkipRebalance{B1: 2, B2: 2, S1: 0.5, S2: 0.5}
	got = context.ExecOnce(backend, context.New(), func(ctx *context.Context, g *Graph) *Node {
		hidden := IotaFull(g, shapes.Make(dtypes.Float32, 1, 4, 8))
		skip := IotaFull(g, shapes.Make(dtypes.Float32, 1, 4, 8))
		newHidden, newSkip := rebalance.apply(2, hidden, skip)
		require.Same(t, hidden, newHidden)
		require.Same(t, skip, newSkip)
		return newHidden
	})
	require.Equal(t, []int{1, 4, 8}, got.Shape().Dimensions)

	// On stage 0 the first half of the backbone channels is scaled by B1.
	got = context.ExecOnce(backend, context.New(), func(ctx *context.Context, g *Graph) *Node {
		hidden := Ones(g, shapes.Make(dtypes.Float32, 1, 4, 2))
		skip := Ones(g, shapes.Make(dtypes.Float32, 1, 4, 2))
		newHidden, _ := rebalance.apply(0, hidden, skip)
		return newHidden
	})
	require.Equal(t, [][][]float32{{{2, 2}, {2, 2}, {1, 1}, {1, 1}}}, got.Value())
}
