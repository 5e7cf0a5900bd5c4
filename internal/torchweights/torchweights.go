// Package torchweights reads PyTorch state dict checkpoints (pytorch_model.bin).
package torchweights

import (
	"errors"
	"fmt"
	"sort"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

var ErrTensorNotFound = errors.New("tensor not found")

// File holds every tensor of a checkpoint. Unpickling materialises all
// storages, so the checkpoint is fully in memory once Open returns.
type File struct {
	Path    string
	tensors map[string]*pytorch.Tensor
}

func Open(path string) (*File, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	var entries []types.DictEntry
	switch d := obj.(type) {
	case *types.OrderedDict:
		for e := d.List.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*types.OrderedDictEntry)
			entries = append(entries, types.DictEntry{Key: entry.Key, Value: entry.Value})
		}
	case *types.Dict:
		entries = *d
	default:
		return nil, fmt.Errorf("%s: expected a state dict, got %T", path, obj)
	}
	tensors := make(map[string]*pytorch.Tensor, len(entries))
	for _, entry := range entries {
		name, ok := entry.Key.(string)
		if !ok {
			return nil, fmt.Errorf("%s: non-string state dict key %v", path, entry.Key)
		}
		t, ok := entry.Value.(*pytorch.Tensor)
		if !ok {
			// Not a tensor (e.g. pickled metadata). Integer buffers such as
			// position_ids are tensors and stay listed, but ReadTensorF32
			// rejects their storage.
			continue
		}
		tensors[name] = t
	}
	return &File{Path: path, tensors: tensors}, nil
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.tensors))
	for name := range f.tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shape returns the tensor shape.
func (f *File) Shape(name string) ([]int, bool) {
	t, ok := f.tensors[name]
	if !ok {
		return nil, false
	}
	return append([]int(nil), t.Size...), true
}

// ReadTensorF32 returns a contiguous float32 copy of the named tensor.
func (f *File) ReadTensorF32(name string) ([]float32, []int, error) {
	t, ok := f.tensors[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	if !contiguous(t.Size, t.Stride) {
		return nil, nil, fmt.Errorf("tensor %s: non-contiguous layout size=%v stride=%v", name, t.Size, t.Stride)
	}
	n := 1
	for _, d := range t.Size {
		n *= d
	}

	var src []float32
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		src = s.Data
	case *pytorch.HalfStorage:
		src = s.Data
	case *pytorch.BFloat16Storage:
		src = s.Data
	case *pytorch.DoubleStorage:
		out := make([]float32, n)
		if t.StorageOffset+n > len(s.Data) {
			return nil, nil, fmt.Errorf("tensor %s: storage too small", name)
		}
		for i := range out {
			out[i] = float32(s.Data[t.StorageOffset+i])
		}
		return out, append([]int(nil), t.Size...), nil
	default:
		return nil, nil, fmt.Errorf("tensor %s: unsupported storage %T", name, t.Source)
	}
	if t.StorageOffset < 0 || t.StorageOffset+n > len(src) {
		return nil, nil, fmt.Errorf("tensor %s: storage too small", name)
	}
	out := make([]float32, n)
	copy(out, src[t.StorageOffset:t.StorageOffset+n])
	return out, append([]int(nil), t.Size...), nil
}

func contiguous(size, stride []int) bool {
	if len(stride) == 0 {
		return true
	}
	if len(size) != len(stride) {
		return false
	}
	want := 1
	for i := len(size) - 1; i >= 0; i-- {
		if size[i] != 1 && stride[i] != want {
			return false
		}
		want *= size[i]
	}
	return true
}
