package tokenizer

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

var (
	ErrInvalidUTF8  = errors.New("input is not valid UTF-8")
	ErrUnknownPiece = errors.New("word cannot be segmented and vocabulary has no unknown token")
	ErrUnsupported  = errors.New("unsupported tokenizer definition")
)

const (
	defaultMaxChars  = 100
	defaultSubprefix = "##"
)

// WordPiece implements the BERT tokenization pipeline: BertNormalizer,
// BertPreTokenizer, WordPiece and a [CLS] $A [SEP] style post-processor.
// All state is fixed at load time.
type WordPiece struct {
	vocab     map[string]uint32
	tokens    []string
	unkID     uint32
	hasUnk    bool
	prefix    string
	maxChars  int
	normalize *bertNormalizer
	added     []addedToken // longest content first
	prefixIDs []uint32
	suffixIDs []uint32
}

func LoadWordPiece(data []byte) (*WordPiece, error) {
	var tj tokenizerJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return nil, fmt.Errorf("parse tokenizer.json: %w", err)
	}
	if !strings.EqualFold(tj.Model.Type, "WordPiece") {
		return nil, fmt.Errorf("%w: model type %q", ErrUnsupported, tj.Model.Type)
	}
	if len(tj.Model.Vocab) == 0 {
		return nil, fmt.Errorf("%w: empty vocabulary", ErrUnsupported)
	}
	if tj.Normalizer != nil && tj.Normalizer.Type != "BertNormalizer" {
		return nil, fmt.Errorf("%w: normalizer %q", ErrUnsupported, tj.Normalizer.Type)
	}
	if tj.PreTokenizer != nil && tj.PreTokenizer.Type != "BertPreTokenizer" {
		return nil, fmt.Errorf("%w: pre-tokenizer %q", ErrUnsupported, tj.PreTokenizer.Type)
	}

	wp := &WordPiece{
		vocab:     tj.Model.Vocab,
		prefix:    defaultSubprefix,
		maxChars:  defaultMaxChars,
		normalize: newBertNormalizer(tj.Normalizer),
	}
	if tj.Model.ContinuingSubwordPrefix != nil {
		wp.prefix = *tj.Model.ContinuingSubwordPrefix
	}
	if tj.Model.MaxInputCharsPerWord > 0 {
		wp.maxChars = tj.Model.MaxInputCharsPerWord
	}
	if id, ok := wp.vocab[tj.Model.UnkToken]; ok && tj.Model.UnkToken != "" {
		wp.unkID, wp.hasUnk = id, true
	}

	size := 0
	for _, id := range wp.vocab {
		size = max(size, int(id)+1)
	}
	for _, at := range tj.AddedTokens {
		size = max(size, int(at.ID)+1)
		if at.Content != "" && (at.Special || !at.Normalized) {
			wp.added = append(wp.added, at)
		}
	}
	sort.SliceStable(wp.added, func(i, j int) bool {
		return len(wp.added[i].Content) > len(wp.added[j].Content)
	})
	wp.tokens = make([]string, size)
	for tok, id := range wp.vocab {
		wp.tokens[id] = tok
	}
	for _, at := range tj.AddedTokens {
		wp.tokens[at.ID] = at.Content
	}

	var err error
	wp.prefixIDs, wp.suffixIDs, err = parsePostProcessor(tj.PostProcessor, wp.vocab)
	if err != nil {
		return nil, err
	}
	return wp, nil
}

func (w *WordPiece) VocabSize() int { return len(w.tokens) }

// Token returns the vocabulary string for id, or "" when id is out of range.
func (w *WordPiece) Token(id uint32) string {
	if int(id) >= len(w.tokens) {
		return ""
	}
	return w.tokens[id]
}

// Encode tokenizes text and wraps it in the post-processor's special tokens.
func (w *WordPiece) Encode(text string) ([]uint32, error) {
	if !utf8.ValidString(text) {
		return nil, ErrInvalidUTF8
	}
	ids := make([]uint32, 0, len(w.prefixIDs)+len(text)/3+len(w.suffixIDs))
	ids = append(ids, w.prefixIDs...)
	for _, part := range w.splitAdded(text) {
		if part.added {
			ids = append(ids, part.id)
			continue
		}
		for _, word := range preTokenize(w.normalize.normalize(part.text)) {
			var err error
			ids, err = w.appendWord(ids, word)
			if err != nil {
				return nil, err
			}
		}
	}
	return append(ids, w.suffixIDs...), nil
}

// appendWord runs greedy longest-match-first segmentation on one word. If any
// position has no match the whole word becomes the unknown token.
func (w *WordPiece) appendWord(ids []uint32, word string) ([]uint32, error) {
	if utf8.RuneCountInString(word) > w.maxChars {
		return w.appendUnk(ids, word)
	}
	mark := len(ids)
	start := 0
	for start < len(word) {
		end := len(word)
		found := false
		var id uint32
		for end > start {
			sub := word[start:end]
			if start > 0 {
				sub = w.prefix + sub
			}
			if v, ok := w.vocab[sub]; ok {
				id, found = v, true
				break
			}
			_, size := utf8.DecodeLastRuneInString(word[start:end])
			end -= size
		}
		if !found {
			return w.appendUnk(ids[:mark], word)
		}
		ids = append(ids, id)
		start = end
	}
	return ids, nil
}

func (w *WordPiece) appendUnk(ids []uint32, word string) ([]uint32, error) {
	if !w.hasUnk {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPiece, word)
	}
	return append(ids, w.unkID), nil
}

type textPart struct {
	text  string
	id    uint32
	added bool
}

// splitAdded cuts text around verbatim occurrences of added tokens.
func (w *WordPiece) splitAdded(text string) []textPart {
	if len(w.added) == 0 {
		return []textPart{{text: text}}
	}
	var parts []textPart
	last := 0
	for i := 0; i < len(text); {
		match := -1
		for k, at := range w.added {
			if strings.HasPrefix(text[i:], at.Content) {
				match = k
				break
			}
		}
		if match < 0 {
			i++
			continue
		}
		if i > last {
			parts = append(parts, textPart{text: text[last:i]})
		}
		at := w.added[match]
		parts = append(parts, textPart{id: at.ID, added: true})
		i += len(at.Content)
		last = i
	}
	if last < len(text) {
		parts = append(parts, textPart{text: text[last:]})
	}
	return parts
}

func parsePostProcessor(raw json.RawMessage, vocab map[string]uint32) (prefix, suffix []uint32, err error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil, nil
	}
	var pp postProcessorJSON
	if err := json.Unmarshal(raw, &pp); err != nil {
		return nil, nil, fmt.Errorf("parse post_processor: %w", err)
	}
	switch pp.Type {
	case "TemplateProcessing":
		seen := false
		for _, piece := range pp.Single {
			switch {
			case piece.Sequence != nil:
				seen = true
			case piece.SpecialToken != nil:
				st, ok := pp.SpecialTokens[piece.SpecialToken.ID]
				if !ok {
					return nil, nil, fmt.Errorf("post_processor: undefined special token %q", piece.SpecialToken.ID)
				}
				if seen {
					suffix = append(suffix, st.IDs...)
				} else {
					prefix = append(prefix, st.IDs...)
				}
			}
		}
		return prefix, suffix, nil
	case "BertProcessing", "RobertaProcessing":
		cls, err := pairID(pp.Cls, vocab)
		if err != nil {
			return nil, nil, fmt.Errorf("post_processor cls: %w", err)
		}
		sep, err := pairID(pp.Sep, vocab)
		if err != nil {
			return nil, nil, fmt.Errorf("post_processor sep: %w", err)
		}
		return []uint32{cls}, []uint32{sep}, nil
	default:
		return nil, nil, fmt.Errorf("%w: post-processor %q", ErrUnsupported, pp.Type)
	}
}

// pairID reads a ["[CLS]", 101] pair.
func pairID(pair []any, vocab map[string]uint32) (uint32, error) {
	if len(pair) != 2 {
		return 0, fmt.Errorf("expected [token, id], got %v", pair)
	}
	if f, ok := pair[1].(float64); ok && f >= 0 {
		return uint32(f), nil
	}
	if s, ok := pair[0].(string); ok {
		if id, ok := vocab[s]; ok {
			return id, nil
		}
	}
	return 0, fmt.Errorf("cannot resolve %v", pair)
}
