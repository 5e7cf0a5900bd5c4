package bert

import (
	"github.com/samcharles93/vectord/internal/safetensors"
	"github.com/samcharles93/vectord/internal/torchweights"
)

// WeightSource supplies float32 tensors by name.
type WeightSource interface {
	Shape(name string) ([]int, bool)
	Tensor(name string) ([]float32, []int, error)
}

// WeightFile is a WeightSource backed by an open file.
type WeightFile interface {
	WeightSource
	Names() []string
	Close() error
}

type safetensorsFile struct{ f *safetensors.File }

// OpenSafetensors opens a model.safetensors file.
func OpenSafetensors(path string) (WeightFile, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	return safetensorsFile{f: f}, nil
}

func (s safetensorsFile) Shape(name string) ([]int, bool) {
	info, ok := s.f.Tensor(name)
	if !ok {
		return nil, false
	}
	return append([]int(nil), info.Shape...), true
}

func (s safetensorsFile) Tensor(name string) ([]float32, []int, error) {
	data, info, err := s.f.ReadTensorF32(name)
	if err != nil {
		return nil, nil, err
	}
	return data, append([]int(nil), info.Shape...), nil
}

func (s safetensorsFile) Names() []string { return s.f.Names() }
func (s safetensorsFile) Close() error    { return s.f.Close() }

type torchFile struct{ f *torchweights.File }

// OpenPyTorch opens a pytorch_model.bin state dict.
func OpenPyTorch(path string) (WeightFile, error) {
	f, err := torchweights.Open(path)
	if err != nil {
		return nil, err
	}
	return torchFile{f: f}, nil
}

func (t torchFile) Shape(name string) ([]int, bool) { return t.f.Shape(name) }

func (t torchFile) Tensor(name string) ([]float32, []int, error) {
	return t.f.ReadTensorF32(name)
}

func (t torchFile) Names() []string { return t.f.Names() }
func (t torchFile) Close() error    { return nil }
