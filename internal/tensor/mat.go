package tensor

import (
	"fmt"
	"math/rand"
)

// Mat represents a dense row-major matrix of float32 values.
//
// R and C are the number of rows and columns. Stride is the number of
// elements between the starts of two consecutive rows; for matrices built by
// this package it always equals C.
//
// Out-of-range indices panic like any other slice access.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a zeroed r x c matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData wraps data as an r x c matrix without copying.
func NewMatFromData(r, c int, data []float32) (Mat, error) {
	if r < 0 || c < 0 {
		return Mat{}, errNegativeDim
	}
	if r*c != len(data) {
		return Mat{}, fmt.Errorf("%w: have %d values for %dx%d", errDataSizeMismatch, len(data), r, c)
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   data,
	}, nil
}

// Row returns a view of row i. Writes through the slice update the matrix.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// FillRand fills the matrix with reproducible pseudo-random values in
// roughly (-scale/2, scale/2). The same seed always produces the same matrix.
func FillRand(m *Mat, seed int64, scale float32) {
	FillRandSlice(m.Data, seed, scale)
}

// FillRandSlice is FillRand for a bare slice.
func FillRandSlice(dst []float32, seed int64, scale float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := range dst {
		dst[i] = (rng.Float32() - 0.5) * scale
	}
}

var (
	errNegativeDim      = fmtError("negative dimension for matrix")
	errDataSizeMismatch = fmtError("data length mismatch")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
