// unet1d-demo trains a small 1D U-Net to denoise synthetic waveforms.
//
// It generates a dataset of random sinusoids, corrupts them with Gaussian
// noise at random diffusion times and trains the network to predict the noise
// that was added. Useful as a smoke test of the block zoo and as a template
// for real diffusion training setups.
package main

import (
	"flag"
	"fmt"
	"math"
	"time"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"

	"github.com/gomlx/diffusers/unet1d"
)

var (
	flagNumExamples  = flag.Int("num_examples", 4096, "Number of synthetic waveforms to generate")
	flagLength       = flag.Int("length", 64, "Sequence length of each waveform")
	flagBatchSize    = flag.Int("batch_size", 32, "Batch size for training")
	flagNumSteps     = flag.Int("steps", 2000, "Number of training steps")
	flagLearningRate = flag.Float64("learning_rate", 1e-3, "Learning rate for Adam")
	flagCheckpoint   = flag.String("checkpoint", "", "Directory to save checkpoints to, empty means no checkpointing")
)

// buildWaves generates the clean training waveforms: each example is a
// two-channel quadrature pair (sine and cosine) with a random frequency,
// phase and amplitude, shaped [numExamples, 2, length].
func buildWaves(backend backends.Backend, numExamples, length int) *tensors.Tensor {
	return ExecOnce(backend, func(g *Graph) *Node {
		state := Const(g, RngState())
		state, freqs := RandomUniform(state, shapes.Make(dtypes.Float32, numExamples, 1, 1))
		freqs = AddScalar(MulScalar(freqs, 6), 1)
		state, phases := RandomUniform(state, shapes.Make(dtypes.Float32, numExamples, 1, 1))
		phases = MulScalar(phases, 2*math.Pi)
		_, amplitudes := RandomUniform(state, shapes.Make(dtypes.Float32, numExamples, 1, 1))
		amplitudes = AddScalar(MulScalar(amplitudes, 0.5), 0.5)

		positions := DivScalar(IotaFull(g, shapes.Make(dtypes.Float32, 1, 1, length)), float64(length))
		angles := Add(MulScalar(Mul(freqs, positions), 2*math.Pi), phases)
		return Mul(amplitudes, Concatenate([]*Node{Sin(angles), Cos(angles)}, 1))
	})
}

// newModel assembles the denoising network: a symmetric two-stage encoder /
// decoder with an attention-augmented bottleneck.
func newModel(length int) *unet1d.Model {
	return unet1d.New(unet1d.Config{
		SampleSize:       length,
		InChannels:       2,
		DownBlockTypes:   []string{"DownBlock1D", "AttnDownBlock1D"},
		UpBlockTypes:     []string{"AttnUpBlock1D", "UpBlock1D"},
		BlockOutChannels: []int{32, 64},
		MidBlockType:     "UNetMidBlock1D",
		AttentionHeadDim: 8,
		NormNumGroups:    2,
	})
}

// trainGraphFn returns the training graph builder: it corrupts the clean
// batch at a random diffusion time and asks the model for the noise. The
// scalar loss is returned as the second prediction, picked up by the custom
// loss below.
func trainGraphFn(model *unet1d.Model) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		_ = spec
		clean := inputs[0]
		g := clean.Graph()
		batchSize := clean.Shape().Dimensions[0]

		times := ctx.RandomUniform(g, shapes.Make(dtypes.Float32, batchSize))
		noise := ctx.RandomNormal(g, clean.Shape())

		// Cosine schedule: at time 0 the sample is clean, at time 1 pure noise.
		angles := MulScalar(InsertAxes(times, -1, -1), math.Pi/2)
		noisy := Add(Mul(Cos(angles), clean), Mul(Sin(angles), noise))

		predicted := model.Forward(ctx.In("unet"), noisy, times)
		loss := ReduceAllMean(Square(Sub(predicted, noise)))
		return []*Node{predicted, loss}
	}
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	backend := backends.MustNew()

	waves := buildWaves(backend, *flagNumExamples, *flagLength)
	ds, err := data.InMemoryFromData(backend, "waveforms", []any{waves}, nil)
	if err != nil {
		klog.Fatalf("%+v", errors.WithMessage(err, "failed to build the waveform dataset"))
	}
	ds.Shuffle().Infinite(true).BatchSize(*flagBatchSize, true)

	ctx := context.New()
	ctx.SetParam(optimizers.ParamLearningRate, *flagLearningRate)
	model := newModel(*flagLength)

	// The model computes its own loss; the trainer only forwards it.
	lossFn := func(labels, predictions []*Node) *Node { return predictions[1] }
	trainer := train.NewTrainer(backend, ctx,
		trainGraphFn(model), lossFn,
		optimizers.Adam().Done(),
		nil, nil)

	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)

	if *flagCheckpoint != "" {
		checkpoint := must.M1(checkpoints.Build(ctx).
			Dir(*flagCheckpoint).
			Keep(3).
			Done())
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
		train.PeriodicCallback(loop, time.Minute, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	finalMetrics := must.M1(loop.RunSteps(ds, *flagNumSteps))
	fmt.Printf("Training done after %d steps, final batch loss=%v\n",
		loop.LoopStep, finalMetrics[0].Value())
}
