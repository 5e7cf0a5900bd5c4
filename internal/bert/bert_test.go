package bert

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/samcharles93/vectord/internal/modeltest"
	"github.com/samcharles93/vectord/internal/tensor"
)

func loadSnapshot(t *testing.T, dir string, mutate func(*Config)) (*Model, error) {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	cfg, err := ParseConfig(raw)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if mutate != nil {
		mutate(cfg)
	}
	wf, err := OpenSafetensors(filepath.Join(dir, "model.safetensors"))
	if err != nil {
		t.Fatalf("OpenSafetensors: %v", err)
	}
	defer func() { _ = wf.Close() }()
	return Load(cfg, wf, tensor.CPU(2))
}

func mustLoad(t *testing.T, opts modeltest.Options) *Model {
	t.Helper()
	m, err := loadSnapshot(t, modeltest.Snapshot(t, opts), nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return m
}

var helloIDs = []uint32{modeltest.ClsID, modeltest.ID("hello"), modeltest.SepID}

func TestParseConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := ParseConfig([]byte(`{
		"vocab_size": 10, "hidden_size": 4, "num_hidden_layers": 1,
		"num_attention_heads": 2, "intermediate_size": 8, "max_position_embeddings": 4
	}`))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.HiddenAct != "gelu" || cfg.TypeVocabSize != 2 || cfg.LayerNormEps != 1e-12 ||
		cfg.PositionEmbeddingType != "absolute" || cfg.ModelType != "bert" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.HeadDim() != 2 {
		t.Fatalf("HeadDim() = %d, want 2", cfg.HeadDim())
	}
}

func TestParseConfigRejects(t *testing.T) {
	t.Parallel()
	base := `"vocab_size": 10, "hidden_size": 4, "num_hidden_layers": 1, "intermediate_size": 8, "max_position_embeddings": 4`
	tests := map[string]string{
		"heads do not divide hidden": `{` + base + `, "num_attention_heads": 3}`,
		"missing heads":              `{` + base + `}`,
		"relative positions":         `{` + base + `, "num_attention_heads": 2, "position_embedding_type": "relative_key"}`,
		"unknown activation":         `{` + base + `, "num_attention_heads": 2, "hidden_act": "swish"}`,
		"not json":                   `{`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseConfig([]byte(raw)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestForwardShape(t *testing.T) {
	t.Parallel()
	m := mustLoad(t, modeltest.Options{})
	for _, n := range []int{1, 2, 3, modeltest.MaxPositions} {
		ids := make([]uint32, n)
		for i := range ids {
			ids[i] = uint32(i % len(modeltest.Vocab))
		}
		out, err := m.Forward(ids, nil)
		if err != nil {
			t.Fatalf("Forward(len=%d): %v", n, err)
		}
		if want := [3]int{1, n, modeltest.HiddenSize}; out.Shape != want {
			t.Fatalf("shape = %v, want %v", out.Shape, want)
		}
		if len(out.Data) != n*modeltest.HiddenSize {
			t.Fatalf("data length = %d", len(out.Data))
		}
	}
}

func TestForwardDeterministic(t *testing.T) {
	t.Parallel()
	m := mustLoad(t, modeltest.Options{})
	a, err := m.Forward(helloIDs, nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	for range 3 {
		b, err := m.Forward(helloIDs, nil)
		if err != nil {
			t.Fatalf("Forward: %v", err)
		}
		if !slices.Equal(a.Data, b.Data) {
			t.Fatal("repeated Forward calls differ")
		}
	}
	zeros := make([]uint32, len(helloIDs))
	c, err := m.Forward(helloIDs, zeros)
	if err != nil {
		t.Fatalf("Forward with zero type ids: %v", err)
	}
	if !slices.Equal(a.Data, c.Data) {
		t.Fatal("nil type ids should equal explicit zeros")
	}
}

func TestForwardTypeIDsMatter(t *testing.T) {
	t.Parallel()
	m := mustLoad(t, modeltest.Options{})
	a, _ := m.Forward(helloIDs, nil)
	b, err := m.Forward(helloIDs, []uint32{1, 1, 1})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if slices.Equal(a.Data, b.Data) {
		t.Fatal("segment ids had no effect")
	}
}

func TestForwardOutputIsFinite(t *testing.T) {
	t.Parallel()
	m := mustLoad(t, modeltest.Options{})
	out, err := m.Forward(helloIDs, nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	for i, v := range out.Data {
		if v != v || v > 1e6 || v < -1e6 {
			t.Fatalf("out.Data[%d] = %v", i, v)
		}
	}
}

func TestForwardRejectsBadInput(t *testing.T) {
	t.Parallel()
	m := mustLoad(t, modeltest.Options{})
	tests := []struct {
		name  string
		ids   []uint32
		types []uint32
		want  error
	}{
		{"empty", nil, nil, ErrEmptyInput},
		{"too long", make([]uint32, modeltest.MaxPositions+1), nil, ErrSequenceTooLong},
		{"token out of range", []uint32{uint32(len(modeltest.Vocab))}, nil, ErrTokenOutOfRange},
		{"type out of range", []uint32{1}, []uint32{modeltest.TypeVocabSize}, ErrTokenOutOfRange},
		{"length mismatch", []uint32{1, 2}, []uint32{0}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Forward(tt.ids, tt.types)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestForwardConvertsPanic(t *testing.T) {
	t.Parallel()
	m := mustLoad(t, modeltest.Options{})
	m.layers[0].query.w = tensor.Mat{}
	_, err := m.Forward(helloIDs, nil)
	if err == nil || !strings.Contains(err.Error(), "panic in Forward") {
		t.Fatalf("expected converted panic, got %v", err)
	}
}

func TestLoadNameVariants(t *testing.T) {
	t.Parallel()
	plain := mustLoad(t, modeltest.Options{Seed: 7})
	want, err := plain.Forward(helloIDs, nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	for name, opts := range map[string]modeltest.Options{
		"model type prefix": {Seed: 7, Prefix: "bert."},
		"gamma and beta":    {Seed: 7, LegacyLayerNorm: true},
		"both":              {Seed: 7, Prefix: "bert.", LegacyLayerNorm: true},
	} {
		t.Run(name, func(t *testing.T) {
			m := mustLoad(t, opts)
			got, err := m.Forward(helloIDs, nil)
			if err != nil {
				t.Fatalf("Forward: %v", err)
			}
			if !slices.Equal(got.Data, want.Data) {
				t.Fatal("renamed checkpoint produced different output")
			}
		})
	}
}

func TestLoadMissingTensor(t *testing.T) {
	t.Parallel()
	dir := modeltest.Snapshot(t, modeltest.Options{Omit: "encoder.layer.1.output.dense.bias"})
	_, err := loadSnapshot(t, dir, nil)
	if !errors.Is(err, ErrMissingTensor) {
		t.Fatalf("expected ErrMissingTensor, got %v", err)
	}
	if !strings.Contains(err.Error(), "encoder.layer.1.output.dense.bias") {
		t.Fatalf("error should name the tensor: %v", err)
	}
}

func TestLoadShapeMismatch(t *testing.T) {
	t.Parallel()
	dir := modeltest.Snapshot(t, modeltest.Options{})
	_, err := loadSnapshot(t, dir, func(c *Config) { c.IntermediateSize = 32 })
	if err == nil || !strings.Contains(err.Error(), "shape") {
		t.Fatalf("expected shape error, got %v", err)
	}
}

func TestActivationChoice(t *testing.T) {
	t.Parallel()
	dir := modeltest.Snapshot(t, modeltest.Options{})
	exact, err := loadSnapshot(t, dir, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	approx, err := loadSnapshot(t, dir, func(c *Config) { c.HiddenAct = ActApproximateGELU })
	if err != nil {
		t.Fatalf("Load approx: %v", err)
	}
	a, _ := exact.Forward(helloIDs, nil)
	b, _ := approx.Forward(helloIDs, nil)
	if slices.Equal(a.Data, b.Data) {
		t.Fatal("approximate GELU should change the output")
	}
	for i := range a.Data {
		if d := a.Data[i] - b.Data[i]; d > 0.05 || d < -0.05 {
			t.Fatalf("approximate GELU drifted too far at %d: %v vs %v", i, a.Data[i], b.Data[i])
		}
	}

	relu := mustLoad(t, modeltest.Options{Activation: "relu"})
	if _, err := relu.Forward(helloIDs, nil); err != nil {
		t.Fatalf("relu Forward: %v", err)
	}
}

func TestForwardThreadCountInvariant(t *testing.T) {
	t.Parallel()
	dir := modeltest.Snapshot(t, modeltest.Options{})
	m1, err := loadSnapshot(t, dir, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	m8 := *m1
	m8.dev = tensor.CPU(8)
	ids := []uint32{2, 7, 8, 9, 10, 3}
	a, _ := m1.Forward(ids, nil)
	b, _ := m8.Forward(ids, nil)
	if !slices.Equal(a.Data, b.Data) {
		t.Fatal("output depends on thread count")
	}
}
