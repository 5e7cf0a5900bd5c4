// Package modeltest writes a tiny, deterministic BERT snapshot (config.json,
// tokenizer.json, model.safetensors and optionally pytorch_model.bin) for
// tests.
package modeltest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/samcharles93/vectord/internal/safetensors"
	"github.com/samcharles93/vectord/internal/tensor"
)

const (
	HiddenSize       = 8
	NumHeads         = 2
	NumLayers        = 2
	IntermediateSize = 16
	MaxPositions     = 16
	TypeVocabSize    = 2
)

// Vocab is the fixture WordPiece vocabulary; a token's id is its index.
var Vocab = []string{
	"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]",
	"hello", "world", "the", "quick", "brown", "fox", "##s", "##ing", "jump",
	"a", "b", "c", ",", ".", "!", "?", "hel", "##lo",
}

const (
	PadID  = 0
	UnkID  = 1
	ClsID  = 2
	SepID  = 3
	MaskID = 4
)

// ID returns the fixture id of tok, panicking for tokens outside Vocab.
func ID(tok string) uint32 {
	for i, v := range Vocab {
		if v == tok {
			return uint32(i)
		}
	}
	panic(fmt.Sprintf("modeltest: %q not in vocab", tok))
}

type Options struct {
	// Activation is written as hidden_act; empty means "gelu".
	Activation string
	// Prefix is prepended to every tensor name, e.g. "bert.".
	Prefix string
	// LegacyLayerNorm names LayerNorm parameters gamma/beta.
	LegacyLayerNorm bool
	// Seed varies the weights; snapshots with equal seeds are identical.
	Seed int64
	// Omit drops the named tensor (without prefix) from the weight file.
	Omit string
	// PyTorch also writes the weights as pytorch_model.bin.
	PyTorch bool
}

// Config returns config.json for the fixture model.
func Config(opts Options) []byte {
	act := opts.Activation
	if act == "" {
		act = "gelu"
	}
	b, err := json.MarshalIndent(map[string]any{
		"architectures":           []string{"BertModel"},
		"model_type":              "bert",
		"vocab_size":              len(Vocab),
		"hidden_size":             HiddenSize,
		"num_hidden_layers":       NumLayers,
		"num_attention_heads":     NumHeads,
		"intermediate_size":       IntermediateSize,
		"hidden_act":              act,
		"max_position_embeddings": MaxPositions,
		"type_vocab_size":         TypeVocabSize,
		"layer_norm_eps":          1e-12,
		"position_embedding_type": "absolute",
		"hidden_dropout_prob":     0.1,
		"pad_token_id":            PadID,
	}, "", "  ")
	if err != nil {
		panic(err)
	}
	return b
}

// TokenizerJSON returns a tokenizer.json shaped like the one shipped with
// sentence-transformers/all-MiniLM-L6-v2, over Vocab.
func TokenizerJSON() []byte {
	vocab := make(map[string]int, len(Vocab))
	for i, v := range Vocab {
		vocab[v] = i
	}
	var added []map[string]any
	for _, id := range []int{PadID, UnkID, ClsID, SepID, MaskID} {
		added = append(added, map[string]any{
			"id": id, "content": Vocab[id],
			"single_word": false, "lstrip": false, "rstrip": false,
			"normalized": false, "special": true,
		})
	}
	special := func(id string, typeID int) map[string]any {
		return map[string]any{"SpecialToken": map[string]any{"id": id, "type_id": typeID}}
	}
	sequence := func(id string, typeID int) map[string]any {
		return map[string]any{"Sequence": map[string]any{"id": id, "type_id": typeID}}
	}
	doc := map[string]any{
		"version":      "1.0",
		"truncation":   nil,
		"padding":      nil,
		"added_tokens": added,
		"normalizer": map[string]any{
			"type":                 "BertNormalizer",
			"clean_text":           true,
			"handle_chinese_chars": true,
			"strip_accents":        nil,
			"lowercase":            true,
		},
		"pre_tokenizer": map[string]any{"type": "BertPreTokenizer"},
		"post_processor": map[string]any{
			"type":   "TemplateProcessing",
			"single": []any{special("[CLS]", 0), sequence("A", 0), special("[SEP]", 0)},
			"pair": []any{
				special("[CLS]", 0), sequence("A", 0), special("[SEP]", 0),
				sequence("B", 1), special("[SEP]", 1),
			},
			"special_tokens": map[string]any{
				"[CLS]": map[string]any{"id": "[CLS]", "ids": []int{ClsID}, "tokens": []string{"[CLS]"}},
				"[SEP]": map[string]any{"id": "[SEP]", "ids": []int{SepID}, "tokens": []string{"[SEP]"}},
			},
		},
		"decoder": map[string]any{"type": "WordPiece", "prefix": "##", "cleanup": true},
		"model": map[string]any{
			"type":                      "WordPiece",
			"unk_token":                 "[UNK]",
			"continuing_subword_prefix": "##",
			"max_input_chars_per_word":  100,
			"vocab":                     vocab,
		},
	}
	b, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return b
}

// Weights returns the fixture tensors keyed by their unprefixed names.
func Weights(seed int64) map[string]safetensors.F32Tensor {
	out := make(map[string]safetensors.F32Tensor)
	next := seed
	randT := func(scale float32, shape ...int) safetensors.F32Tensor {
		n := 1
		for _, d := range shape {
			n *= d
		}
		data := make([]float32, n)
		tensor.FillRandSlice(data, next, scale)
		next++
		return safetensors.F32Tensor{Shape: shape, Data: data}
	}
	norm := func(prefix string) {
		w := randT(0.2, HiddenSize)
		for i := range w.Data {
			w.Data[i] += 1
		}
		out[prefix+".weight"] = w
		out[prefix+".bias"] = randT(0.2, HiddenSize)
	}
	linear := func(prefix string, in, outDim int) {
		out[prefix+".weight"] = randT(1, outDim, in)
		out[prefix+".bias"] = randT(0.2, outDim)
	}

	out["embeddings.word_embeddings.weight"] = randT(2, len(Vocab), HiddenSize)
	out["embeddings.position_embeddings.weight"] = randT(1, MaxPositions, HiddenSize)
	out["embeddings.token_type_embeddings.weight"] = randT(1, TypeVocabSize, HiddenSize)
	norm("embeddings.LayerNorm")
	for l := range NumLayers {
		p := fmt.Sprintf("encoder.layer.%d.", l)
		linear(p+"attention.self.query", HiddenSize, HiddenSize)
		linear(p+"attention.self.key", HiddenSize, HiddenSize)
		linear(p+"attention.self.value", HiddenSize, HiddenSize)
		linear(p+"attention.output.dense", HiddenSize, HiddenSize)
		norm(p + "attention.output.LayerNorm")
		linear(p+"intermediate.dense", HiddenSize, IntermediateSize)
		linear(p+"output.dense", IntermediateSize, HiddenSize)
		norm(p + "output.LayerNorm")
	}
	linear("pooler.dense", HiddenSize, HiddenSize)
	return out
}

// Write writes the snapshot files into dir.
func Write(dir string, opts Options) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), Config(opts), 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "tokenizer.json"), TokenizerJSON(), 0o644); err != nil {
		return err
	}
	weights := Weights(opts.Seed)
	named := make(map[string]safetensors.F32Tensor, len(weights))
	for name, t := range weights {
		if name == opts.Omit {
			continue
		}
		if opts.LegacyLayerNorm {
			name = legacyName(name)
		}
		named[opts.Prefix+name] = t
	}
	if err := safetensors.WriteF32(filepath.Join(dir, "model.safetensors"), named, map[string]string{"format": "pt"}); err != nil {
		return err
	}
	if !opts.PyTorch {
		return nil
	}
	return WritePyTorch(filepath.Join(dir, "pytorch_model.bin"), named, PyTorchOptions{
		PositionIDs: MaxPositions,
		Prefix:      opts.Prefix,
	})
}

// Snapshot writes a fixture snapshot into a fresh temporary directory.
func Snapshot(tb testing.TB, opts Options) string {
	tb.Helper()
	dir := tb.TempDir()
	if err := Write(dir, opts); err != nil {
		tb.Fatalf("write fixture snapshot: %v", err)
	}
	return dir
}

func legacyName(name string) string {
	if base, ok := strings.CutSuffix(name, "LayerNorm.weight"); ok {
		return base + "LayerNorm.gamma"
	}
	if base, ok := strings.CutSuffix(name, "LayerNorm.bias"); ok {
		return base + "LayerNorm.beta"
	}
	return name
}
