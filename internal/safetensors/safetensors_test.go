package safetensors

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
)

// writeRaw creates a safetensors file from an arbitrary header and payload.
func writeRaw(t *testing.T, path string, header any, payload []byte) {
	t.Helper()
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	data := append(lenBuf[:], headerBytes...)
	data = append(data, payload...)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func openT(t *testing.T, path string) *File {
	t.Helper()
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestWriteThenOpen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "model.safetensors")

	err := WriteF32(path, map[string]F32Tensor{
		"weight": {Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
		"bias":   {Shape: []int{3}, Data: []float32{-1, 0, 1}},
	}, map[string]string{"format": "pt"})
	if err != nil {
		t.Fatalf("WriteF32: %v", err)
	}

	f := openT(t, path)
	if got := f.Names(); len(got) != 2 || got[0] != "bias" || got[1] != "weight" {
		t.Fatalf("Names() = %v", got)
	}
	if f.Metadata["format"] != "pt" {
		t.Fatalf("metadata not parsed: %v", f.Metadata)
	}

	data, info, err := f.ReadTensorF32("weight")
	if err != nil {
		t.Fatalf("ReadTensorF32: %v", err)
	}
	if len(info.Shape) != 2 || info.Shape[0] != 2 || info.Shape[1] != 3 {
		t.Fatalf("unexpected shape: %v", info.Shape)
	}
	for i, want := range []float32{1, 2, 3, 4, 5, 6} {
		if data[i] != want {
			t.Fatalf("data[%d] = %g, want %g", i, data[i], want)
		}
	}

	bias, _, err := f.ReadTensorF32("bias")
	if err != nil {
		t.Fatalf("ReadTensorF32 bias: %v", err)
	}
	if bias[0] != -1 || bias[2] != 1 {
		t.Fatalf("unexpected bias %v", bias)
	}
}

func TestWriteShapeMismatch(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.safetensors")
	err := WriteF32(path, map[string]F32Tensor{
		"w": {Shape: []int{2, 2}, Data: []float32{1}},
	}, nil)
	if err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

func TestOpenNonexistentFile(t *testing.T) {
	t.Parallel()
	if _, err := Open("/nonexistent/file.safetensors"); err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestOpenTruncatedFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "truncated.safetensors")
	if err := os.WriteFile(path, []byte{0, 0, 0, 0}, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for truncated file")
	}
}

func TestOpenHeaderLongerThanFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "short.safetensors")
	var buf [12]byte
	binary.LittleEndian.PutUint64(buf[:8], 1000)
	if err := os.WriteFile(path, buf[:], 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for header length beyond file size")
	}
}

func TestOpenInvalidJSON(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "invalid.safetensors")
	body := []byte("{not json")
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(body)))
	if err := os.WriteFile(path, append(lenBuf[:], body...), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for invalid JSON header")
	}
}

func TestInvalidDataOffsets(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	cases := map[string]tensorHeader{
		"one offset":   {DType: "F32", Shape: []int{1}, DataOffsets: []int64{0}},
		"inverted":     {DType: "F32", Shape: []int{1}, DataOffsets: []int64{4, 0}},
		"past the end": {DType: "F32", Shape: []int{4}, DataOffsets: []int64{0, 16}},
	}
	for name, th := range cases {
		path := filepath.Join(dir, name+".safetensors")
		writeRaw(t, path, map[string]tensorHeader{"w": th}, make([]byte, 4))
		if _, err := Open(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestTensorNotFound(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "model.safetensors")
	if err := WriteF32(path, map[string]F32Tensor{"a": {Shape: []int{1}, Data: []float32{1}}}, nil); err != nil {
		t.Fatalf("WriteF32: %v", err)
	}
	f := openT(t, path)
	_, _, err := f.ReadTensorF32("missing")
	if !errors.Is(err, ErrTensorNotFound) {
		t.Fatalf("expected ErrTensorNotFound, got %v", err)
	}
}

func TestReadTensorBF16(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bf16.safetensors")
	values := []float32{1.0, -2.0, 0.5}
	payload := make([]byte, 6)
	for i, v := range values {
		binary.LittleEndian.PutUint16(payload[i*2:], uint16(math.Float32bits(v)>>16))
	}
	writeRaw(t, path, map[string]tensorHeader{
		"w": {DType: "BF16", Shape: []int{3}, DataOffsets: []int64{0, 6}},
	}, payload)

	f := openT(t, path)
	got, _, err := f.ReadTensorF32("w")
	if err != nil {
		t.Fatalf("ReadTensorF32: %v", err)
	}
	for i, want := range values {
		if got[i] != want {
			t.Fatalf("got[%d] = %g, want %g", i, got[i], want)
		}
	}
}

func TestReadTensorF16(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "f16.safetensors")
	// 1.0, -2.0, 0.5 in IEEE half precision.
	halves := []uint16{0x3C00, 0xC000, 0x3800}
	payload := make([]byte, 6)
	for i, h := range halves {
		binary.LittleEndian.PutUint16(payload[i*2:], h)
	}
	writeRaw(t, path, map[string]tensorHeader{
		"w": {DType: "F16", Shape: []int{3}, DataOffsets: []int64{0, 6}},
	}, payload)

	f := openT(t, path)
	got, _, err := f.ReadTensorF32("w")
	if err != nil {
		t.Fatalf("ReadTensorF32: %v", err)
	}
	for i, want := range []float32{1, -2, 0.5} {
		if got[i] != want {
			t.Fatalf("got[%d] = %g, want %g", i, got[i], want)
		}
	}
}

func TestReadTensorUnsupportedDType(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "i8.safetensors")
	writeRaw(t, path, map[string]tensorHeader{
		"w": {DType: "I8", Shape: []int{4}, DataOffsets: []int64{0, 4}},
	}, make([]byte, 4))

	f := openT(t, path)
	if _, _, err := f.ReadTensorF32("w"); err == nil {
		t.Fatal("expected unsupported dtype error")
	}
}

func TestReadTensorSizeMismatch(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "mismatch.safetensors")
	writeRaw(t, path, map[string]tensorHeader{
		"w": {DType: "F32", Shape: []int{3}, DataOffsets: []int64{0, 8}},
	}, make([]byte, 8))

	f := openT(t, path)
	if _, _, err := f.ReadTensorF32("w"); err == nil {
		t.Fatal("expected size mismatch error")
	}
}

func TestReadAfterClose(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "model.safetensors")
	if err := WriteF32(path, map[string]F32Tensor{"a": {Shape: []int{1}, Data: []float32{1}}}, nil); err != nil {
		t.Fatalf("WriteF32: %v", err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, _, err := f.ReadTensorF32("a"); err == nil {
		t.Fatal("expected error reading closed file")
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestNumElements(t *testing.T) {
	t.Parallel()
	tests := []struct {
		shape   []int
		want    int
		wantErr bool
	}{
		{[]int{2, 3}, 6, false},
		{[]int{}, 1, false},
		{[]int{4, 0}, 0, false},
		{[]int{-1}, 0, true},
	}
	for _, tt := range tests {
		got, err := numElements(tt.shape)
		if (err != nil) != tt.wantErr {
			t.Fatalf("numElements(%v) err = %v, wantErr %v", tt.shape, err, tt.wantErr)
		}
		if !tt.wantErr && got != tt.want {
			t.Fatalf("numElements(%v) = %d, want %d", tt.shape, got, tt.want)
		}
	}
}
