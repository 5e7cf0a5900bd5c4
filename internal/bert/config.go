package bert

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/vectord/internal/tensor"
)

// Config is the subset of a Hugging Face BERT config.json the encoder needs.
type Config struct {
	ModelType             string   `json:"model_type"`
	Architectures         []string `json:"architectures"`
	VocabSize             int      `json:"vocab_size"`
	HiddenSize            int      `json:"hidden_size"`
	NumHiddenLayers       int      `json:"num_hidden_layers"`
	NumAttentionHeads     int      `json:"num_attention_heads"`
	IntermediateSize      int      `json:"intermediate_size"`
	HiddenAct             string   `json:"hidden_act"`
	MaxPositionEmbeddings int      `json:"max_position_embeddings"`
	TypeVocabSize         int      `json:"type_vocab_size"`
	LayerNormEps          float64  `json:"layer_norm_eps"`
	PositionEmbeddingType string   `json:"position_embedding_type"`
}

// ActApproximateGELU is the hidden_act written when the tanh approximation is forced.
const ActApproximateGELU = "gelu_approximate"

// ParseConfig decodes config.json, fills the defaults transformers uses for
// absent keys, and validates the result.
func ParseConfig(raw []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config.json: %w", err)
	}
	if cfg.HiddenAct == "" {
		cfg.HiddenAct = "gelu"
	}
	if cfg.TypeVocabSize == 0 {
		cfg.TypeVocabSize = 2
	}
	if cfg.LayerNormEps == 0 {
		cfg.LayerNormEps = 1e-12
	}
	if cfg.PositionEmbeddingType == "" {
		cfg.PositionEmbeddingType = "absolute"
	}
	if cfg.ModelType == "" {
		cfg.ModelType = "bert"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	for _, f := range []struct {
		name string
		v    int
	}{
		{"vocab_size", c.VocabSize},
		{"hidden_size", c.HiddenSize},
		{"num_hidden_layers", c.NumHiddenLayers},
		{"num_attention_heads", c.NumAttentionHeads},
		{"intermediate_size", c.IntermediateSize},
		{"max_position_embeddings", c.MaxPositionEmbeddings},
		{"type_vocab_size", c.TypeVocabSize},
	} {
		if f.v <= 0 {
			return fmt.Errorf("config: %s must be positive, got %d", f.name, f.v)
		}
	}
	if c.HiddenSize%c.NumAttentionHeads != 0 {
		return fmt.Errorf("config: hidden_size %d not divisible by num_attention_heads %d", c.HiddenSize, c.NumAttentionHeads)
	}
	if c.PositionEmbeddingType != "absolute" {
		return fmt.Errorf("config: position_embedding_type %q is not supported", c.PositionEmbeddingType)
	}
	if _, err := activation(c.HiddenAct); err != nil {
		return err
	}
	return nil
}

func (c *Config) HeadDim() int { return c.HiddenSize / c.NumAttentionHeads }

func activation(name string) (func(float32) float32, error) {
	switch strings.ToLower(name) {
	case "gelu":
		return tensor.Gelu, nil
	case "gelu_new", "gelu_pytorch_tanh", "gelu_fast", ActApproximateGELU, "geluapproximate":
		return tensor.GeluTanh, nil
	case "relu":
		return tensor.Relu, nil
	default:
		return nil, fmt.Errorf("config: unsupported hidden_act %q", name)
	}
}
