package unet1d

import (
	. "github.com/gomlx/exceptions"
)

// DownBlockParams are the parameters the encoder factory forwards to the
// selected block type. Fields that a type does not take are ignored for that
// type.
type DownBlockParams struct {
	NumLayers        int
	InChannels       int
	OutChannels      int
	TembChannels     int
	AddDownsample    bool
	ResnetEps        float64
	ResnetActFn      string
	ResnetGroups     int
	TimeScaleShift   string
	AttentionHeadDim int

	// DownsampleType is only used by "AttnDownBlock1D". It is forced to
	// empty when AddDownsample is false and defaults to "conv" otherwise.
	DownsampleType string

	Dropout float64
}

// GetDownBlock constructs the encoder block named by blockType:
// "DownResnetBlock1D", "DownBlock1D", "AttnDownBlock1D" or
// "DownBlock1DNoSkip". It panics on unknown names.
func GetDownBlock(blockType string, p DownBlockParams) DownBlock {
	switch blockType {
	case "DownResnetBlock1D":
		return NewDownResnetBlock1D(DownResnetBlock1DConfig{
			InChannels:    p.InChannels,
			OutChannels:   p.OutChannels,
			NumLayers:     p.NumLayers,
			TembChannels:  p.TembChannels,
			AddDownsample: p.AddDownsample,
		})
	case "DownBlock1D":
		return NewDownBlock1D(DownBlock1DConfig{
			InChannels:     p.InChannels,
			OutChannels:    p.OutChannels,
			NumLayers:      p.NumLayers,
			TembChannels:   p.TembChannels,
			Eps:            p.ResnetEps,
			ActFn:          p.ResnetActFn,
			Groups:         p.ResnetGroups,
			TimeScaleShift: p.TimeScaleShift,
			Dropout:        p.Dropout,
			AddDownsample:  p.AddDownsample,
		})
	case "AttnDownBlock1D":
		downsampleType := p.DownsampleType
		if !p.AddDownsample {
			downsampleType = ""
		} else if downsampleType == "" {
			downsampleType = "conv"
		}
		return NewAttnDownBlock1D(AttnDownBlock1DConfig{
			InChannels:       p.InChannels,
			OutChannels:      p.OutChannels,
			NumLayers:        p.NumLayers,
			TembChannels:     p.TembChannels,
			AttentionHeadDim: p.AttentionHeadDim,
			DownsampleType:   downsampleType,
			Eps:              p.ResnetEps,
			ActFn:            p.ResnetActFn,
			Groups:           p.ResnetGroups,
			TimeScaleShift:   p.TimeScaleShift,
			Dropout:          p.Dropout,
		})
	case "DownBlock1DNoSkip":
		return NewDownBlock1DNoSkip(DownBlock1DNoSkipConfig{
			InChannels:   p.InChannels,
			OutChannels:  p.OutChannels,
			TembChannels: p.TembChannels,
		})
	}
	Panicf("unknown down block type %q", blockType)
	return nil
}

// UpBlockParams are the parameters the decoder factory forwards to the
// selected block type. Fields that a type does not take are ignored for that
// type.
type UpBlockParams struct {
	NumLayers        int
	InChannels       int
	SkipChannels     int
	OutChannels      int
	TembChannels     int
	AddUpsample      bool
	ResolutionIdx    int
	Rebalance        *SkipRebalance
	ResnetEps        float64
	ResnetActFn      string
	ResnetGroups     int
	TimeScaleShift   string
	AttentionHeadDim int

	// UpsampleType is only used by "AttnUpBlock1D". It is forced to empty
	// when AddUpsample is false and defaults to "conv" otherwise.
	UpsampleType string

	Dropout float64
}

// GetUpBlock constructs the decoder block named by blockType:
// "UpResnetBlock1D", "UpBlock1D", "AttnUpBlock1D" or "UpBlock1DNoSkip".
// It panics on unknown names.
func GetUpBlock(blockType string, p UpBlockParams) UpBlock {
	switch blockType {
	case "UpResnetBlock1D":
		return NewUpResnetBlock1D(UpResnetBlock1DConfig{
			InChannels:   p.InChannels,
			OutChannels:  p.OutChannels,
			NumLayers:    p.NumLayers,
			TembChannels: p.TembChannels,
			AddUpsample:  p.AddUpsample,
		})
	case "UpBlock1D":
		return NewUpBlock1D(UpBlock1DConfig{
			InChannels:     p.InChannels,
			SkipChannels:   p.SkipChannels,
			OutChannels:    p.OutChannels,
			NumLayers:      p.NumLayers,
			TembChannels:   p.TembChannels,
			ResolutionIdx:  p.ResolutionIdx,
			Rebalance:      p.Rebalance,
			Eps:            p.ResnetEps,
			ActFn:          p.ResnetActFn,
			Groups:         p.ResnetGroups,
			TimeScaleShift: p.TimeScaleShift,
			Dropout:        p.Dropout,
			AddUpsample:    p.AddUpsample,
		})
	case "AttnUpBlock1D":
		upsampleType := p.UpsampleType
		if !p.AddUpsample {
			upsampleType = ""
		} else if upsampleType == "" {
			upsampleType = "conv"
		}
		return NewAttnUpBlock1D(AttnUpBlock1DConfig{
			InChannels:       p.InChannels,
			SkipChannels:     p.SkipChannels,
			OutChannels:      p.OutChannels,
			NumLayers:        p.NumLayers,
			TembChannels:     p.TembChannels,
			ResolutionIdx:    p.ResolutionIdx,
			Rebalance:        p.Rebalance,
			AttentionHeadDim: p.AttentionHeadDim,
			UpsampleType:     upsampleType,
			Eps:              p.ResnetEps,
			ActFn:            p.ResnetActFn,
			Groups:           p.ResnetGroups,
			TimeScaleShift:   p.TimeScaleShift,
			Dropout:          p.Dropout,
		})
	case "UpBlock1DNoSkip":
		return NewUpBlock1DNoSkip(UpBlock1DNoSkipConfig{
			InChannels:   p.InChannels,
			SkipChannels: p.SkipChannels,
			OutChannels:  p.OutChannels,
		})
	}
	Panicf("unknown up block type %q", blockType)
	return nil
}

// MidBlockParams are the parameters the bottleneck factory forwards to the
// selected block type. Fields that a type does not take are ignored for that
// type.
type MidBlockParams struct {
	NumLayers        int
	InChannels       int
	OutChannels      int
	EmbedDim         int
	AddDownsample    bool
	DisableAttention bool
	AttentionHeadDim int
	ActFn            string
	NormNumGroups    int
	NormEps          float64
	TimeScaleShift   string
	Dropout          float64
}

// GetMidBlock constructs the bottleneck block named by blockType:
// "MidResTemporalBlock1D", "ValueFunctionMidBlock1D" or "UNetMidBlock1D".
// It panics on unknown names.
func GetMidBlock(blockType string, p MidBlockParams) MidBlock {
	switch blockType {
	case "MidResTemporalBlock1D":
		return NewMidResTemporalBlock1D(MidResTemporalBlock1DConfig{
			InChannels:    p.InChannels,
			OutChannels:   p.OutChannels,
			EmbedDim:      p.EmbedDim,
			NumLayers:     p.NumLayers,
			AddDownsample: p.AddDownsample,
		})
	case "ValueFunctionMidBlock1D":
		return NewValueFunctionMidBlock1D(p.InChannels, p.OutChannels, p.EmbedDim)
	case "UNetMidBlock1D":
		return NewUNetMidBlock1D(UNetMidBlock1DConfig{
			InChannels:       p.InChannels,
			TembChannels:     p.EmbedDim,
			NumLayers:        p.NumLayers,
			DisableAttention: p.DisableAttention,
			AttentionHeadDim: p.AttentionHeadDim,
			Eps:              p.NormEps,
			ActFn:            p.ActFn,
			Groups:           p.NormNumGroups,
			TimeScaleShift:   p.TimeScaleShift,
			Dropout:          p.Dropout,
		})
	}
	Panicf("unknown mid block type %q", blockType)
	return nil
}

// OutBlockParams are the parameters the output-head factory forwards to the
// selected block type.
type OutBlockParams struct {
	InChannels   int
	OutChannels  int
	NumGroupsOut int
	EmbedDim     int
	ActFn        string
	FCDim        int
}

// GetOutBlock constructs the output head named by blockType: "OutConv1DBlock"
// or "ValueFunction". An empty blockType returns nil (no output head). It
// panics on other unknown names.
func GetOutBlock(blockType string, p OutBlockParams) OutBlock {
	switch blockType {
	case "":
		return nil
	case "OutConv1DBlock":
		return NewOutConv1DBlock(p.InChannels, p.OutChannels, p.NumGroupsOut, p.ActFn)
	case "ValueFunction":
		return NewOutValueFunctionBlock(p.FCDim, p.EmbedDim, p.ActFn)
	}
	Panicf("unknown out block type %q", blockType)
	return nil
}
