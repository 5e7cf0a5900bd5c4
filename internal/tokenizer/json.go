package tokenizer

import "github.com/goccy/go-json"

// tokenizerJSON covers the subset of tokenizer.json used by BERT-style models.
type tokenizerJSON struct {
	AddedTokens   []addedToken    `json:"added_tokens"`
	Normalizer    *normalizerJSON `json:"normalizer"`
	PreTokenizer  *typedJSON      `json:"pre_tokenizer"`
	PostProcessor json.RawMessage `json:"post_processor"`
	Model         modelJSON       `json:"model"`
}

type addedToken struct {
	ID         uint32 `json:"id"`
	Content    string `json:"content"`
	Special    bool   `json:"special"`
	Normalized bool   `json:"normalized"`
}

type typedJSON struct {
	Type string `json:"type"`
}

type normalizerJSON struct {
	Type               string `json:"type"`
	CleanText          *bool  `json:"clean_text"`
	HandleChineseChars *bool  `json:"handle_chinese_chars"`
	StripAccents       *bool  `json:"strip_accents"`
	Lowercase          *bool  `json:"lowercase"`
}

type modelJSON struct {
	Type                    string            `json:"type"`
	UnkToken                string            `json:"unk_token"`
	ContinuingSubwordPrefix *string           `json:"continuing_subword_prefix"`
	MaxInputCharsPerWord    int               `json:"max_input_chars_per_word"`
	Vocab                   map[string]uint32 `json:"vocab"`
}

type postProcessorJSON struct {
	Type string `json:"type"`

	// TemplateProcessing
	Single        []templatePiece                 `json:"single"`
	SpecialTokens map[string]templateSpecialToken `json:"special_tokens"`

	// BertProcessing / RobertaProcessing: [token, id]
	Cls []any `json:"cls"`
	Sep []any `json:"sep"`
}

type templatePiece struct {
	SpecialToken *struct {
		ID string `json:"id"`
	} `json:"SpecialToken"`
	Sequence *struct {
		ID string `json:"id"`
	} `json:"Sequence"`
}

type templateSpecialToken struct {
	ID  string   `json:"id"`
	IDs []uint32 `json:"ids"`
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
