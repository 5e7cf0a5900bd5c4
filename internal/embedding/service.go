// Package embedding owns the loaded encoder: loading it from a model
// repository, turning text into token-level embeddings, and sharing the
// instance safely between concurrent requests.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samcharles93/vectord/internal/bert"
	"github.com/samcharles93/vectord/internal/hub"
	"github.com/samcharles93/vectord/internal/logger"
	"github.com/samcharles93/vectord/internal/tensor"
	"github.com/samcharles93/vectord/internal/tokenizer"
)

const (
	DefaultModelID  = "sentence-transformers/all-MiniLM-L6-v2"
	DefaultRevision = "refs/pr/21"

	ConfigFile      = "config.json"
	TokenizerFile   = "tokenizer.json"
	SafetensorsFile = "model.safetensors"
	PyTorchFile     = "pytorch_model.bin"
)

// ResolveRepo applies the default model and revision rules: nothing set
// selects the default model at its pinned revision, an id alone tracks
// "main", and a revision alone applies to the default model.
func ResolveRepo(modelID, revision string) hub.Repo {
	switch {
	case modelID == "" && revision == "":
		return hub.Repo{ID: DefaultModelID, Revision: DefaultRevision}
	case modelID == "":
		return hub.Repo{ID: DefaultModelID, Revision: revision}
	case revision == "":
		return hub.Repo{ID: modelID, Revision: "main"}
	default:
		return hub.Repo{ID: modelID, Revision: revision}
	}
}

type LoadOptions struct {
	ModelID           string
	Revision          string
	UsePyTorchWeights bool
	ApproximateGELU   bool
	TokenizerBackend  string
	Source            hub.Source
	Device            tensor.Device
	Logger            logger.Logger
}

// WeightsFile is the artifact name holding the weights for these options.
func (o LoadOptions) WeightsFile() string {
	if o.UsePyTorchWeights {
		return PyTorchFile
	}
	return SafetensorsFile
}

// Service is a fully loaded model. It is never modified after Load returns,
// so Predict may run on any number of goroutines at once.
type Service struct {
	repo      hub.Repo
	weights   string
	backend   string
	model     *bert.Model
	tokenizer tokenizer.Tokenizer
	log       logger.Logger
	loadedAt  time.Time
}

// Load fetches config, tokenizer and weights through opts.Source and builds
// the encoder. Every failure is a *ModelLoadError.
func Load(ctx context.Context, opts LoadOptions) (*Service, error) {
	repo := ResolveRepo(opts.ModelID, opts.Revision)
	log := opts.Logger
	if log == nil {
		log = logger.FromContext(ctx)
	}
	log = log.With("model", repo.String())
	fail := func(artifact string, err error) error {
		return &ModelLoadError{Model: repo.String(), Artifact: artifact, Err: err}
	}
	if opts.Source == nil {
		return nil, fail("source", errors.New("no artifact source configured"))
	}
	if opts.Device.Name == "" {
		opts.Device = tensor.CPU(0)
	}
	start := time.Now()

	rawCfg, err := hub.Fetch(ctx, opts.Source, repo, ConfigFile)
	if err != nil {
		return nil, fail(ConfigFile, err)
	}
	cfg, err := bert.ParseConfig(rawCfg)
	if err != nil {
		return nil, fail(ConfigFile, err)
	}
	if opts.ApproximateGELU {
		cfg.HiddenAct = bert.ActApproximateGELU
	}

	rawTok, err := hub.Fetch(ctx, opts.Source, repo, TokenizerFile)
	if err != nil {
		return nil, fail(TokenizerFile, err)
	}
	tok, err := tokenizer.Load(rawTok, opts.TokenizerBackend)
	if err != nil {
		return nil, fail(TokenizerFile, err)
	}

	weightsName := opts.WeightsFile()
	weightsPath, err := opts.Source.Get(ctx, repo, weightsName)
	if err != nil {
		return nil, fail(weightsName, err)
	}
	model, err := loadWeights(cfg, weightsPath, opts.UsePyTorchWeights, opts.Device)
	if err != nil {
		return nil, fail(weightsName, err)
	}
	if tok.VocabSize() > cfg.VocabSize {
		log.Warn("tokenizer vocabulary exceeds model vocabulary", "tokenizer", tok.VocabSize(), "model", cfg.VocabSize)
	}

	backend := opts.TokenizerBackend
	if backend == "" {
		backend = tokenizer.BackendWordPiece
	}
	s := &Service{
		repo:      repo,
		weights:   weightsName,
		backend:   backend,
		model:     model,
		tokenizer: tok,
		log:       log,
		loadedAt:  time.Now(),
	}
	log.Info("model loaded",
		"weights", weightsName,
		"hidden", cfg.HiddenSize,
		"layers", cfg.NumHiddenLayers,
		"act", cfg.HiddenAct,
		"device", opts.Device.String(),
		"elapsed", time.Since(start),
	)
	return s, nil
}

func loadWeights(cfg *bert.Config, path string, pytorch bool, dev tensor.Device) (m *bert.Model, err error) {
	open := bert.OpenSafetensors
	if pytorch {
		open = bert.OpenPyTorch
	}
	wf, err := open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := wf.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return bert.Load(cfg, wf, dev)
}

// NewService wraps an already built model and tokenizer.
func NewService(repo hub.Repo, model *bert.Model, tok tokenizer.Tokenizer, log logger.Logger) *Service {
	if log == nil {
		log = logger.Discard()
	}
	return &Service{
		repo:      repo,
		weights:   SafetensorsFile,
		backend:   tokenizer.BackendWordPiece,
		model:     model,
		tokenizer: tok,
		log:       log,
		loadedAt:  time.Now(),
	}
}

// Predict encodes text and returns the last hidden state, shape
// (1, tokens, hidden). Empty text yields just the special tokens.
func (s *Service) Predict(text string) (*tensor.Tensor3, error) {
	start := time.Now()
	ids, err := safeEncode(s.tokenizer, text)
	if err != nil {
		return nil, &TokenizationError{Err: err}
	}
	encoded := time.Now()

	// Single segment: the type ids are all zero.
	typeIDs := make([]uint32, len(ids))
	out, err := s.model.Forward(ids, typeIDs)
	if err != nil {
		return nil, &InferenceError{Err: err}
	}
	if s.log.Enabled(slog.LevelDebug) {
		s.log.Debug("predict",
			"tokens", len(ids),
			"encode", encoded.Sub(start),
			"forward", time.Since(encoded),
		)
	}
	return out, nil
}

func safeEncode(tok tokenizer.Tokenizer, text string) (ids []uint32, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Encode: %v", rec)
		}
	}()
	return tok.Encode(text)
}

type Info struct {
	ModelID           string    `json:"model_id"`
	Revision          string    `json:"revision"`
	Weights           string    `json:"weights"`
	Tokenizer         string    `json:"tokenizer"`
	HiddenSize        int       `json:"hidden_size"`
	Layers            int       `json:"layers"`
	Heads             int       `json:"heads"`
	VocabSize         int       `json:"vocab_size"`
	MaxSequenceLength int       `json:"max_sequence_length"`
	Activation        string    `json:"activation"`
	Device            string    `json:"device"`
	LoadedAt          time.Time `json:"loaded_at"`
}

func (s *Service) Info() Info {
	cfg := s.model.Config
	return Info{
		ModelID:           s.repo.ID,
		Revision:          s.repo.Revision,
		Weights:           s.weights,
		Tokenizer:         s.backend,
		HiddenSize:        cfg.HiddenSize,
		Layers:            cfg.NumHiddenLayers,
		Heads:             cfg.NumAttentionHeads,
		VocabSize:         cfg.VocabSize,
		MaxSequenceLength: s.model.MaxSequenceLength(),
		Activation:        cfg.HiddenAct,
		Device:            s.model.Device().String(),
		LoadedAt:          s.loadedAt,
	}
}
