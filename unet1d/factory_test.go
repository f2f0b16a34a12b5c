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

func TestFactoriesRejectUnknownNames(t *testing.T) {
	err := exceptions.TryCatch[error](func() {
		GetDownBlock("NotARealBlock", DownBlockParams{InChannels: 8, OutChannels: 8})
	})
	require.ErrorContains(t, err, "unknown down block type \"NotARealBlock\"")

	err = exceptions.TryCatch[error](func() {
		GetUpBlock("NotARealBlock", UpBlockParams{InChannels: 8, OutChannels: 8})
	})
	require.ErrorContains(t, err, "unknown up block type \"NotARealBlock\"")

	err = exceptions.TryCatch[error](func() {
		GetMidBlock("NotARealBlock", MidBlockParams{InChannels: 8})
	})
	require.ErrorContains(t, err, "unknown mid block type \"NotARealBlock\"")

	err = exceptions.TryCatch[error](func() {
		GetOutBlock("NotARealBlock", OutBlockParams{InChannels: 8})
	})
	require.ErrorContains(t, err, "unknown out block type \"NotARealBlock\"")
}

func TestGetOutBlockEmptyName(t *testing.T) {
	require.Nil(t, GetOutBlock("", OutBlockParams{}))
}

func TestGetDownBlockTypes(t *testing.T) {
	for _, test := range []struct {
		blockType string
		skipCount int
	}{
		{"DownResnetBlock1D", 1},
		{"DownBlock1D", 3},
		{"AttnDownBlock1D", 3},
		{"DownBlock1DNoSkip", 1},
	} {
		block := GetDownBlock(test.blockType, DownBlockParams{
			NumLayers:        2,
			InChannels:       8,
			OutChannels:      16,
			TembChannels:     8,
			AddDownsample:    true,
			ResnetGroups:     4,
			AttentionHeadDim: 4,
		})
		require.Equal(t, test.skipCount, block.SkipCount(), "block type %q", test.blockType)
	}
}

func TestGetUpBlockTypes(t *testing.T) {
	for _, test := range []struct {
		blockType string
		popCount  int
	}{
		{"UpResnetBlock1D", 1},
		{"UpBlock1D", 2},
		{"AttnUpBlock1D", 2},
		{"UpBlock1DNoSkip", 1},
	} {
		block := GetUpBlock(test.blockType, UpBlockParams{
			NumLayers:        2,
			InChannels:       16,
			SkipChannels:     16,
			OutChannels:      8,
			TembChannels:     8,
			AddUpsample:      true,
			ResnetGroups:     4,
			AttentionHeadDim: 4,
		})
		require.Equal(t, test.popCount, block.PopCount(), "block type %q", test.blockType)
	}
}

func TestGetDownBlockNoSkipForward(t *testing.T) {
	// The embedding rides along as extra channels and the single skip state
	// is the block output.
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.RngStateFromSeed(42)
	block := GetDownBlock("DownBlock1DNoSkip", DownBlockParams{
		InChannels:   8,
		OutChannels:  16,
		TembChannels: 8,
	})
	require.Equal(t, 1, block.SkipCount())
	var skipDims [][]int
	got := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 8, 16))
		temb := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 8))
		hidden, skips := block.Forward(ctx, x, temb)
		for _, skip := range skips {
			skipDims = append(skipDims, skip.Shape().Dimensions)
		}
		return hidden
	})
	require.Equal(t, []int{2, 16, 16}, got.Shape().Dimensions)
	require.Equal(t, [][]int{{2, 16, 16}}, skipDims)
}

func TestGetMidBlockTypes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, test := range []struct {
		blockType string
		wantDims  []int
	}{
		{"MidResTemporalBlock1D", []int{2, 32, 8}},
		{"ValueFunctionMidBlock1D", []int{2, 8, 2}},
		{"UNetMidBlock1D", []int{2, 32, 8}},
	} {
		ctx := context.New()
		ctx.RngStateFromSeed(42)
		block := GetMidBlock(test.blockType, MidBlockParams{
			InChannels:       32,
			OutChannels:      32,
			EmbedDim:         24,
			AttentionHeadDim: 8,
		})
		got := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			x := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 32, 8))
			temb := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 24))
			return block.Forward(ctx, x, temb)
		})
		require.Equal(t, test.wantDims, got.Shape().Dimensions, "block type %q", test.blockType)
	}
}

func TestGetOutBlockTypes(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	ctx := context.New()
	ctx.RngStateFromSeed(42)
	conv := GetOutBlock("OutConv1DBlock", OutBlockParams{
		InChannels:   16,
		OutChannels:  4,
		NumGroupsOut: 4,
		ActFn:        "silu",
	})
	got := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 16, 8))
		return conv.Forward(ctx, x, nil)
	})
	require.Equal(t, []int{2, 4, 8}, got.Shape().Dimensions)

	ctx = context.New()
	ctx.RngStateFromSeed(42)
	value := GetOutBlock("ValueFunction", OutBlockParams{
		FCDim:    16,
		EmbedDim: 8,
		ActFn:    "mish",
	})
	got = context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 8, 2))
		temb := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 8))
		return value.Forward(ctx, x, temb)
	})
	require.Equal(t, []int{2, 1}, got.Shape().Dimensions)
}
