package tokenizer

import (
	"bytes"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/goccy/go-json"
	gotk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// HF runs tokenizer.json through github.com/sugarme/tokenizer. It is an
// alternative to the native WordPiece backend, not a superset: anything
// sugarme cannot parse fails at load time.
type HF struct {
	mu sync.Mutex // gotk.Tokenizer does not document concurrent Encode
	tk *gotk.Tokenizer
}

func LoadHF(data []byte) (*HF, error) {
	data, err := resolveStripAccents(data)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer.json: %w", err)
	}
	tk, err := pretrained.FromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("load tokenizer.json: %w", err)
	}
	tk.WithPadding(nil)
	tk.WithTruncation(nil)
	return &HF{tk: tk}, nil
}

// resolveStripAccents makes a null BertNormalizer strip_accents explicit.
// A null value means "follow lowercase", but sugarme reads it as false.
func resolveStripAccents(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	norm, ok := doc["normalizer"].(map[string]any)
	if !ok || norm["type"] != "BertNormalizer" {
		return data, nil
	}
	if v, set := norm["strip_accents"]; set && v != nil {
		return data, nil
	}
	lower := true
	if v, ok := norm["lowercase"].(bool); ok {
		lower = v
	}
	norm["strip_accents"] = lower
	return json.Marshal(doc)
}

func (h *HF) VocabSize() int {
	return h.tk.GetVocabSize(true)
}

func (h *HF) Encode(text string) ([]uint32, error) {
	if !utf8.ValidString(text) {
		return nil, ErrInvalidUTF8
	}
	h.mu.Lock()
	enc, err := h.tk.EncodeSingle(text, true)
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, len(enc.Ids))
	for i, id := range enc.Ids {
		if id < 0 {
			return nil, fmt.Errorf("negative token id %d", id)
		}
		ids[i] = uint32(id)
	}
	return ids, nil
}
