package modeltest

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"slices"
	"strconv"

	"github.com/samcharles93/vectord/internal/safetensors"
)

type PyTorchOptions struct {
	// PlainDict pickles the state dict as a builtins dict instead of an
	// OrderedDict.
	PlainDict bool
	// PositionIDs, when positive, adds an int64 embeddings.position_ids
	// buffer of that length, as transformers checkpoints carry.
	PositionIDs int
	// Prefix is prepended to the position_ids buffer name.
	Prefix string
}

// WritePyTorch writes tensors as a zip-format torch.save checkpoint holding
// a state dict of float32 tensors.
func WritePyTorch(path string, tensors map[string]safetensors.F32Tensor, opts PyTorchOptions) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	slices.Sort(names)

	var p pickler
	p.proto()
	if opts.PlainDict {
		p.op('}')
	} else {
		p.orderedDict()
	}
	p.op('(')
	storages := make([][]byte, 0, len(names)+1)
	for i, name := range names {
		t := tensors[name]
		raw := make([]byte, 4*len(t.Data))
		for j, v := range t.Data {
			binary.LittleEndian.PutUint32(raw[4*j:], math.Float32bits(v))
		}
		storages = append(storages, raw)
		p.str(name)
		p.tensor("FloatStorage", i, t.Shape, len(t.Data))
	}
	if opts.PositionIDs > 0 {
		raw := make([]byte, 8*opts.PositionIDs)
		for j := range opts.PositionIDs {
			binary.LittleEndian.PutUint64(raw[8*j:], uint64(j))
		}
		p.str(opts.Prefix + "embeddings.position_ids")
		p.tensor("LongStorage", len(storages), []int{1, opts.PositionIDs}, opts.PositionIDs)
		storages = append(storages, raw)
	}
	p.op('u')
	p.op('.')

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	entries := []struct {
		name string
		data []byte
	}{
		{"archive/data.pkl", p.buf.Bytes()},
		{"archive/version", []byte("3\n")},
	}
	for i, raw := range storages {
		entries = append(entries, struct {
			name string
			data []byte
		}{"archive/data/" + strconv.Itoa(i), raw})
	}
	for _, e := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: e.name, Method: zip.Store})
		if err != nil {
			return err
		}
		if _, err := w.Write(e.data); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// pickler emits the protocol 2 opcodes torch.save uses for a state dict.
type pickler struct{ buf bytes.Buffer }

func (p *pickler) op(c byte) { p.buf.WriteByte(c) }

func (p *pickler) proto() { p.buf.Write([]byte{0x80, 2}) }

func (p *pickler) global(module, name string) {
	p.op('c')
	p.buf.WriteString(module + "\n" + name + "\n")
}

func (p *pickler) str(s string) {
	p.op('X')
	_ = binary.Write(&p.buf, binary.LittleEndian, uint32(len(s)))
	p.buf.WriteString(s)
}

func (p *pickler) binint(v int) {
	p.op('J')
	_ = binary.Write(&p.buf, binary.LittleEndian, int32(v))
}

func (p *pickler) ints(vs []int) {
	p.op('(')
	for _, v := range vs {
		p.binint(v)
	}
	p.op('t')
}

func (p *pickler) orderedDict() {
	p.global("collections", "OrderedDict")
	p.op(')')
	p.op('R')
}

// tensor emits _rebuild_tensor_v2(storage, 0, shape, stride, False, OrderedDict()).
func (p *pickler) tensor(storage string, key int, shape []int, numel int) {
	stride := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		stride[i] = acc
		acc *= shape[i]
	}
	p.global("torch._utils", "_rebuild_tensor_v2")
	p.op('(')
	p.op('(')
	p.str("storage")
	p.global("torch", storage)
	p.str(strconv.Itoa(key))
	p.str("cpu")
	p.binint(numel)
	p.op('t')
	p.op('Q')
	p.binint(0)
	p.ints(shape)
	p.ints(stride)
	p.op(0x89)
	p.orderedDict()
	p.op('t')
	p.op('R')
}
