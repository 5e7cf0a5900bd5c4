package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/goccy/go-json"
)

// F32Tensor is an in-memory float32 tensor to be written.
type F32Tensor struct {
	Shape []int
	Data  []float32
}

// WriteF32 writes tensors as an F32 safetensors file. Tensors are laid out in
// name order so the output is byte-for-byte reproducible.
func WriteF32(path string, tensors map[string]F32Tensor, metadata map[string]string) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	var offset int64
	for _, name := range names {
		t := tensors[name]
		n, err := numElements(t.Shape)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", name, err)
		}
		if n != len(t.Data) {
			return fmt.Errorf("tensor %s: shape %v needs %d values, have %d", name, t.Shape, n, len(t.Data))
		}
		end := offset + int64(n)*4
		header[name] = tensorHeader{DType: "F32", Shape: t.Shape, DataOffsets: []int64{offset, end}}
		offset = end
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(len(headerBytes)))
	_, _ = w.Write(buf[:])
	_, _ = w.Write(headerBytes)
	for _, name := range names {
		for _, v := range tensors[name].Data {
			binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(v))
			_, _ = w.Write(buf[:4])
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
