package embedding

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrModelLoad    = errors.New("model_load")
	ErrTokenization = errors.New("tokenization")
	ErrInference    = errors.New("inference")
	ErrLockTimeout  = errors.New("lock_timeout")
)

// ModelLoadError reports an unusable model at startup. Artifact names the
// file or stage that failed.
type ModelLoadError struct {
	Model    string
	Artifact string
	Err      error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("load model %s: %s: %v", e.Model, e.Artifact, e.Err)
}

func (e *ModelLoadError) Unwrap() []error { return []error{ErrModelLoad, e.Err} }

type TokenizationError struct {
	Err error
}

func (e *TokenizationError) Error() string { return "tokenize input: " + e.Err.Error() }

func (e *TokenizationError) Unwrap() []error { return []error{ErrTokenization, e.Err} }

type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string { return "forward pass: " + e.Err.Error() }

func (e *InferenceError) Unwrap() []error { return []error{ErrInference, e.Err} }

// LockTimeoutError is returned when the caller's deadline passes while
// waiting for access to the model.
type LockTimeoutError struct {
	Mode   string
	Waited time.Duration
	Err    error
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("waited %s for %s access to the model: %v", e.Waited.Round(time.Millisecond), e.Mode, e.Err)
}

func (e *LockTimeoutError) Unwrap() []error { return []error{ErrLockTimeout, e.Err} }
