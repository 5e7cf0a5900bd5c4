package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/goccy/go-json"
	"golang.org/x/sys/unix"
)

// Headers above 100MB are rejected by every safetensors reader.
const maxHeaderLen = 100 << 20

var ErrTensorNotFound = errors.New("tensor not found")

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// File is an opened safetensors file. The payload is memory mapped when the
// platform allows it and read into memory otherwise. Close releases it.
type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string

	data    []byte
	mmapped bool
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := stat.Size()
	if size < 8 {
		return nil, fmt.Errorf("%s: file too small for safetensors header", path)
	}
	if size > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%s: file too large to map", path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	mmapped := err == nil
	if !mmapped {
		data = make([]byte, size)
		if _, err := io.ReadFull(f, data); err != nil {
			return nil, err
		}
	}

	st, err := parse(path, data)
	if err != nil {
		if mmapped {
			_ = unix.Munmap(data)
		}
		return nil, err
	}
	st.mmapped = mmapped
	return st, nil
}

func parse(path string, data []byte) (*File, error) {
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > maxHeaderLen || headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("%s: invalid header length %d", path, headerLen)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		return nil, fmt.Errorf("%s: parse header: %w", path, err)
	}

	var metadata map[string]string
	if msg, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(msg, &metadata); err != nil {
			return nil, fmt.Errorf("%s: parse metadata: %w", path, err)
		}
		delete(raw, "__metadata__")
	}

	dataStart := int64(8 + headerLen)
	payload := int64(len(data)) - dataStart
	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		if th.DataOffsets[0] < 0 || th.DataOffsets[1] < th.DataOffsets[0] || th.DataOffsets[1] > payload {
			return nil, fmt.Errorf("tensor %s: data_offsets %v outside payload of %d bytes", name, th.DataOffsets, payload)
		}
		tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
	}
	return &File{
		Path:      path,
		DataStart: dataStart,
		Tensors:   tensors,
		Metadata:  metadata,
		data:      data,
	}, nil
}

// Close releases the mapping. Slices returned by ReadTensor are invalid afterwards.
func (f *File) Close() error {
	if f == nil || f.data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.data)
	}
	f.data = nil
	return err
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReadTensor returns the raw bytes of a tensor. The slice aliases the mapping.
func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	if f.data == nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: file closed", name)
	}
	return f.data[f.DataStart+t.Start : f.DataStart+t.End], t, nil
}

// ReadTensorF32 decodes a tensor into a freshly allocated float32 slice.
func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	switch info.DType {
	case "F32":
		if len(raw) != n*4 {
			return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid f32 data size", name)
		}
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, info, nil
	case "BF16":
		if len(raw) != n*2 {
			return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid bf16 data size", name)
		}
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = bf16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
		return out, info, nil
	case "F16":
		if len(raw) != n*2 {
			return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid f16 data size", name)
		}
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = fp16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
		return out, info, nil
	default:
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: unsupported dtype %s", name, info.DType)
	}
}

func numElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if d != 0 && n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}

func bf16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

func fp16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h & 0x3FF)
	var f uint32
	switch exp {
	case 0:
		if frac == 0 {
			f = sign << 31
		} else {
			e := uint32(127 - 15 + 1)
			for (frac & 0x400) == 0 {
				frac <<= 1
				e--
			}
			frac &= 0x3FF
			f = (sign << 31) | (e << 23) | (frac << 13)
		}
	case 0x1F:
		f = (sign << 31) | 0x7F800000 | (frac << 13)
	default:
		e := exp + (127 - 15)
		f = (sign << 31) | (e << 23) | (frac << 13)
	}
	return math.Float32frombits(f)
}
