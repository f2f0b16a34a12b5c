// Package activations implements the activation functions used by the 1D U-Net
// denoising blocks, and a resolver from their configuration names.
//
// FromName converts an activation name (string) to its Type and panics on
// unknown names, so a block configured with a bad name fails when the block is
// constructed, not when its graph is first built.
package activations

import (
	"math"
	"sort"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
)

// Type is an enum for the supported activation functions.
type Type int

const (
	TypeNone Type = iota
	TypeRelu
	TypeLeakyRelu
	TypeSigmoid
	TypeTanh
	TypeSwish

	// TypeSilu is an alias to TypeSwish.
	TypeSilu

	TypeMish
	TypeGelu

	// TypeGeluApproximate is the tanh approximation of Gelu.
	TypeGeluApproximate
)

var typeToName = map[Type]string{
	TypeNone:            "none",
	TypeRelu:            "relu",
	TypeLeakyRelu:       "leaky_relu",
	TypeSigmoid:         "sigmoid",
	TypeTanh:            "tanh",
	TypeSwish:           "swish",
	TypeSilu:            "silu",
	TypeMish:            "mish",
	TypeGelu:            "gelu",
	TypeGeluApproximate: "gelu_approximate",
}

var nameToType = func() map[string]Type {
	m := make(map[string]Type, len(typeToName))
	for t, name := range typeToName {
		m[name] = t
	}
	return m
}()

// String implements fmt.Stringer, returning the snake-case name of the
// activation ("leaky_relu", "gelu_approximate", ...).
func (t Type) String() string {
	if name, ok := typeToName[t]; ok {
		return name
	}
	return "invalid"
}

// TypeNames returns the sorted list of valid activation names.
func TypeNames() []string {
	names := make([]string, 0, len(nameToType))
	for name := range nameToType {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FromName converts the name of an activation to its Type.
// It panics with a helpful message if name is invalid.
//
// An empty string is converted to TypeNone.
func FromName(activationName string) Type {
	if activationName == "" {
		return TypeNone
	}
	activation, ok := nameToType[activationName]
	if !ok {
		Panicf("invalid activation name %q: options are %v", activationName, TypeNames())
	}
	return activation
}

// Apply the given activation type.
// The TypeNone activation is a no-op.
func Apply(activation Type, x *Node) *Node {
	switch activation {
	case TypeNone:
		return x
	case TypeRelu:
		return Relu(x)
	case TypeLeakyRelu:
		return LeakyRelu(x)
	case TypeSigmoid:
		return Sigmoid(x)
	case TypeTanh:
		return Tanh(x)
	case TypeSwish, TypeSilu:
		return Swish(x)
	case TypeMish:
		return Mish(x)
	case TypeGelu:
		return Gelu(x)
	case TypeGeluApproximate:
		return GeluApproximate(x)
	default:
		Panicf("Apply got invalid activation value %d: options are %v", activation, TypeNames())
	}
	return nil
}

// Relu activation function. It returns Max(x, 0).
func Relu(x *Node) *Node {
	return Max(x, ZerosLike(x))
}

// LeakyRelu activation function. It allows a small gradient when the unit is
// not active (x < 0). The `alpha` parameter is fixed at 0.3.
//
// It returns `x if x >= 0; alpha*x if x < 0`.
func LeakyRelu(x *Node) *Node {
	return LeakyReluWithAlpha(x, 0.3)
}

// LeakyReluWithAlpha activation function. It allows a small gradient when the
// unit is not active (x < 0).
//
// It returns `x if x >= 0; alpha*x if x < 0`.
func LeakyReluWithAlpha(x *Node, alpha float64) *Node {
	g := x.Graph()
	return Where(
		GreaterOrEqual(x, ScalarZero(g, x.DType())),
		x,
		MulScalar(x, alpha))
}

// Swish activation (or SiLU) returns `x * Sigmoid(x)`.
//
// Here the beta parameter is fixed at 1.0.
func Swish(x *Node) *Node {
	return Mul(x, Sigmoid(x))
}

// Mish activation returns `x * Tanh(Softplus(x))`.
//
// Introduced in "Mish: A Self Regularized Non-Monotonic Activation Function"
// [Misra 2019](https://arxiv.org/abs/1908.08681).
func Mish(x *Node) *Node {
	return Mul(x, Tanh(Softplus(x)))
}

// Gelu is the exact Gaussian Error Linear Unit, `x * Φ(x)` where Φ is the
// cumulative distribution function of the standard normal distribution.
//
// See "Gaussian Error Linear Units (GELUs)"
// [Hendrycks et al. 2016](https://arxiv.org/abs/1606.08415).
func Gelu(x *Node) *Node {
	cdf := MulScalar(AddScalar(Erf(DivScalar(x, math.Sqrt2)), 1.0), 0.5)
	return Mul(x, cdf)
}

// GeluApproximate is the tanh approximation of Gelu:
// `0.5 * x * (1 + tanh(sqrt(2/π) * (x + 0.044715 * x³)))`.
func GeluApproximate(x *Node) *Node {
	inner := Add(x, MulScalar(Mul(x, Square(x)), 0.044715))
	inner = MulScalar(inner, math.Sqrt(2.0/math.Pi))
	return MulScalar(Mul(x, AddScalar(Tanh(inner), 1.0)), 0.5)
}
