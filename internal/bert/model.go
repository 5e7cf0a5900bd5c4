// Package bert implements the BERT encoder forward pass on the CPU.
package bert

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/samcharles93/vectord/internal/tensor"
)

var ErrMissingTensor = errors.New("missing tensor")

type linear struct {
	w tensor.Mat // [out, in]
	b []float32
}

type layerNorm struct {
	w, b []float32
}

type encoderLayer struct {
	query, key, value linear
	attnOut           linear
	attnNorm          layerNorm
	inter             linear
	out               linear
	outNorm           layerNorm
}

// Model holds immutable weights; Forward may be called concurrently.
type Model struct {
	Config Config

	dev     tensor.Device
	act     func(float32) float32
	eps     float32
	wordEmb tensor.Mat
	posEmb  tensor.Mat
	typeEmb tensor.Mat
	embNorm layerNorm
	layers  []encoderLayer
}

// Load builds the encoder from src. Every tensor shape is checked against cfg.
func Load(cfg *Config, src WeightSource, dev tensor.Device) (*Model, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if src == nil {
		return nil, fmt.Errorf("nil weight source")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	act, err := activation(cfg.HiddenAct)
	if err != nil {
		return nil, err
	}

	l := loader{src: src, prefix: cfg.ModelType + "."}
	h, inter := cfg.HiddenSize, cfg.IntermediateSize
	m := &Model{
		Config:  *cfg,
		dev:     dev,
		act:     act,
		eps:     float32(cfg.LayerNormEps),
		wordEmb: l.mat("embeddings.word_embeddings.weight", cfg.VocabSize, h),
		posEmb:  l.mat("embeddings.position_embeddings.weight", cfg.MaxPositionEmbeddings, h),
		typeEmb: l.mat("embeddings.token_type_embeddings.weight", cfg.TypeVocabSize, h),
		embNorm: l.norm("embeddings.LayerNorm", h),
		layers:  make([]encoderLayer, cfg.NumHiddenLayers),
	}
	for i := range m.layers {
		p := fmt.Sprintf("encoder.layer.%d.", i)
		m.layers[i] = encoderLayer{
			query:    l.linear(p+"attention.self.query", h, h),
			key:      l.linear(p+"attention.self.key", h, h),
			value:    l.linear(p+"attention.self.value", h, h),
			attnOut:  l.linear(p+"attention.output.dense", h, h),
			attnNorm: l.norm(p+"attention.output.LayerNorm", h),
			inter:    l.linear(p+"intermediate.dense", h, inter),
			out:      l.linear(p+"output.dense", inter, h),
			outNorm:  l.norm(p+"output.LayerNorm", h),
		}
	}
	if l.err != nil {
		return nil, l.err
	}
	return m, nil
}

// MaxSequenceLength is the longest input, special tokens included, that Forward accepts.
func (m *Model) MaxSequenceLength() int { return m.Config.MaxPositionEmbeddings }

func (m *Model) Device() tensor.Device { return m.dev }

// loader keeps the first error and turns later calls into no-ops.
type loader struct {
	src    WeightSource
	prefix string
	err    error
}

// resolve finds name as stored, or under the "<model_type>." prefix used by
// checkpoints saved from task heads.
func (l *loader) resolve(names ...string) (string, bool) {
	for _, n := range names {
		if _, ok := l.src.Shape(n); ok {
			return n, true
		}
		if !strings.HasPrefix(n, l.prefix) {
			if _, ok := l.src.Shape(l.prefix + n); ok {
				return l.prefix + n, true
			}
		}
	}
	return "", false
}

func (l *loader) read(shape []int, names ...string) []float32 {
	if l.err != nil {
		return nil
	}
	name, ok := l.resolve(names...)
	if !ok {
		l.err = fmt.Errorf("%w: %s", ErrMissingTensor, names[0])
		return nil
	}
	data, got, err := l.src.Tensor(name)
	if err != nil {
		l.err = fmt.Errorf("read %s: %w", name, err)
		return nil
	}
	if !slices.Equal(got, shape) {
		l.err = fmt.Errorf("tensor %s: shape %v, want %v", name, got, shape)
		return nil
	}
	return data
}

func (l *loader) mat(name string, rows, cols int) tensor.Mat {
	data := l.read([]int{rows, cols}, name)
	if l.err != nil {
		return tensor.Mat{}
	}
	m, err := tensor.NewMatFromData(rows, cols, data)
	if err != nil {
		l.err = fmt.Errorf("tensor %s: %w", name, err)
	}
	return m
}

func (l *loader) linear(prefix string, in, out int) linear {
	return linear{
		w: l.mat(prefix+".weight", out, in),
		b: l.read([]int{out}, prefix+".bias"),
	}
}

func (l *loader) norm(prefix string, dim int) layerNorm {
	return layerNorm{
		w: l.read([]int{dim}, prefix+".weight", prefix+".gamma"),
		b: l.read([]int{dim}, prefix+".bias", prefix+".beta"),
	}
}
