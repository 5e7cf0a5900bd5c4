package tensor

import (
	"math"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// LayerNorm normalises x in place to zero mean and unit variance, then applies
// the affine weight and bias. Statistics are accumulated in float64.
func LayerNorm(x, weight, bias []float32, eps float32) {
	n := len(x)
	if n == 0 {
		return
	}
	var mean float64
	for _, v := range x {
		mean += float64(v)
	}
	mean /= float64(n)
	var variance float64
	for _, v := range x {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= float64(n)
	inv := 1.0 / math.Sqrt(variance+float64(eps))
	for i, v := range x {
		x[i] = float32((float64(v)-mean)*inv)*weight[i] + bias[i]
	}
}

// Softmax applies the softmax function to x.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// Gelu is the exact Gaussian error linear unit, x * Phi(x).
func Gelu(x float32) float32 {
	return float32(0.5 * float64(x) * (1 + math.Erf(float64(x)/math.Sqrt2)))
}

const sqrt2OverPi = 0.7978845608028654

// GeluTanh is the tanh approximation of GELU.
func GeluTanh(x float32) float32 {
	v := float64(x)
	return float32(0.5 * v * (1 + math.Tanh(sqrt2OverPi*(v+0.044715*v*v*v))))
}

// Relu returns max(x, 0).
func Relu(x float32) float32 {
	if x < 0 {
		return 0
	}
	return x
}

// Apply runs fn over every element of x in place.
func Apply(x []float32, fn func(float32) float32) {
	for i, v := range x {
		x[i] = fn(v)
	}
}
