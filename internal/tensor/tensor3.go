package tensor

import "fmt"

// Tensor3 is a dense row-major rank-3 float32 tensor. Embeddings use the
// layout (batch, sequence, hidden).
type Tensor3 struct {
	Shape [3]int
	Data  []float32
}

// NewTensor3 allocates a zeroed tensor.
func NewTensor3(d0, d1, d2 int) *Tensor3 {
	if d0 < 0 || d1 < 0 || d2 < 0 {
		panic("negative dimension for tensor")
	}
	return &Tensor3{
		Shape: [3]int{d0, d1, d2},
		Data:  make([]float32, d0*d1*d2),
	}
}

// Tensor3FromMat copies a (rows x cols) matrix into a (1, rows, cols) tensor.
func Tensor3FromMat(m *Mat) *Tensor3 {
	t := NewTensor3(1, m.R, m.C)
	for i := 0; i < m.R; i++ {
		copy(t.Data[i*m.C:(i+1)*m.C], m.Row(i))
	}
	return t
}

// At returns element (i, j, k).
func (t *Tensor3) At(i, j, k int) float32 {
	return t.Data[(i*t.Shape[1]+j)*t.Shape[2]+k]
}

// Vec returns a view of the innermost vector at (i, j).
func (t *Tensor3) Vec(i, j int) []float32 {
	start := (i*t.Shape[1] + j) * t.Shape[2]
	return t.Data[start : start+t.Shape[2]]
}

// ToVec3 returns the nested form. The innermost slices alias Data.
func (t *Tensor3) ToVec3() [][][]float32 {
	out := make([][][]float32, t.Shape[0])
	for i := range out {
		out[i] = make([][]float32, t.Shape[1])
		for j := range out[i] {
			out[i][j] = t.Vec(i, j)
		}
	}
	return out
}

func (t *Tensor3) String() string {
	return fmt.Sprintf("Tensor3%v", t.Shape)
}
