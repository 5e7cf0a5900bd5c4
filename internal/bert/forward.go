package bert

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/vectord/internal/tensor"
)

var (
	ErrEmptyInput      = errors.New("empty token sequence")
	ErrSequenceTooLong = errors.New("token sequence longer than max_position_embeddings")
	ErrTokenOutOfRange = errors.New("token id out of range")
)

// Forward runs the encoder over one sequence and returns the last hidden state
// with shape (1, len(ids), hidden_size). typeIDs may be nil for a single segment.
func (m *Model) Forward(ids, typeIDs []uint32) (out *tensor.Tensor3, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out, err = nil, fmt.Errorf("panic in Forward: %v", rec)
		}
	}()

	n := len(ids)
	switch {
	case n == 0:
		return nil, ErrEmptyInput
	case n > m.MaxSequenceLength():
		return nil, fmt.Errorf("%w: %d > %d", ErrSequenceTooLong, n, m.MaxSequenceLength())
	case typeIDs != nil && len(typeIDs) != n:
		return nil, fmt.Errorf("type ids length %d does not match token ids length %d", len(typeIDs), n)
	}

	x := tensor.NewMat(n, m.Config.HiddenSize)
	for i, id := range ids {
		if int(id) >= m.wordEmb.R {
			return nil, fmt.Errorf("%w: token %d at position %d (vocab %d)", ErrTokenOutOfRange, id, i, m.wordEmb.R)
		}
		var tid uint32
		if typeIDs != nil {
			tid = typeIDs[i]
		}
		if int(tid) >= m.typeEmb.R {
			return nil, fmt.Errorf("%w: type id %d at position %d (type vocab %d)", ErrTokenOutOfRange, tid, i, m.typeEmb.R)
		}
		row := x.Row(i)
		copy(row, m.wordEmb.Row(int(id)))
		tensor.Add(row, m.posEmb.Row(i))
		tensor.Add(row, m.typeEmb.Row(int(tid)))
		tensor.LayerNorm(row, m.embNorm.w, m.embNorm.b, m.eps)
	}

	for i := range m.layers {
		x = m.encode(&m.layers[i], &x)
	}
	return tensor.Tensor3FromMat(&x), nil
}

func (m *Model) encode(l *encoderLayer, x *tensor.Mat) tensor.Mat {
	n, h := x.R, m.Config.HiddenSize

	q := tensor.NewMat(n, h)
	k := tensor.NewMat(n, h)
	v := tensor.NewMat(n, h)
	m.dev.Linear(&q, x, &l.query.w, l.query.b)
	m.dev.Linear(&k, x, &l.key.w, l.key.b)
	m.dev.Linear(&v, x, &l.value.w, l.value.b)

	ctx := m.attention(&q, &k, &v)

	attn := tensor.NewMat(n, h)
	m.dev.Linear(&attn, &ctx, &l.attnOut.w, l.attnOut.b)
	tensor.Add(attn.Data, x.Data)
	m.normRows(&attn, l.attnNorm)

	inter := tensor.NewMat(n, m.Config.IntermediateSize)
	m.dev.Linear(&inter, &attn, &l.inter.w, l.inter.b)
	tensor.Apply(inter.Data, m.act)

	out := tensor.NewMat(n, h)
	m.dev.Linear(&out, &inter, &l.out.w, l.out.b)
	tensor.Add(out.Data, attn.Data)
	m.normRows(&out, l.outNorm)
	return out
}

// attention is multi-head scaled dot-product attention with every position
// visible to every other.
func (m *Model) attention(q, k, v *tensor.Mat) tensor.Mat {
	n := q.R
	heads, hd := m.Config.NumAttentionHeads, m.Config.HeadDim()
	scale := float32(1 / math.Sqrt(float64(hd)))

	ctx := tensor.NewMat(n, m.Config.HiddenSize)
	scores := make([]float32, n)
	for h := range heads {
		off := h * hd
		for i := range n {
			qi := q.Row(i)[off : off+hd]
			for j := range n {
				scores[j] = tensor.Dot(qi, k.Row(j)[off:off+hd]) * scale
			}
			tensor.Softmax(scores)
			dst := ctx.Row(i)[off : off+hd]
			for j := range n {
				p := scores[j]
				vj := v.Row(j)[off : off+hd]
				for d := range dst {
					dst[d] += p * vj[d]
				}
			}
		}
	}
	return ctx
}

func (m *Model) normRows(x *tensor.Mat, ln layerNorm) {
	for i := range x.R {
		tensor.LayerNorm(x.Row(i), ln.w, ln.b, m.eps)
	}
}
