// Package tokenizer turns text into model token ids from a Hugging Face
// tokenizer.json definition.
package tokenizer

import (
	"fmt"
	"strings"
)

// Tokenizer is safe for concurrent use once loaded.
type Tokenizer interface {
	Encode(text string) ([]uint32, error)
	VocabSize() int
}

const (
	BackendWordPiece = "wordpiece"
	BackendHF        = "hf"
)

// Backends lists the accepted values for Load.
func Backends() []string {
	return []string{BackendWordPiece, BackendHF}
}

// Load builds a tokenizer from the bytes of a tokenizer.json. An empty backend
// selects the native WordPiece implementation. Padding and truncation settings
// in the definition are ignored by every backend.
func Load(data []byte, backend string) (Tokenizer, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendWordPiece:
		return LoadWordPiece(data)
	case BackendHF:
		return LoadHF(data)
	default:
		return nil, fmt.Errorf("unknown tokenizer backend %q (want one of %s)", backend, strings.Join(Backends(), ", "))
	}
}
