package api

import (
	"github.com/samcharles93/vectord/internal/embedding"
	"github.com/samcharles93/vectord/internal/version"
)

type PredictRequest struct {
	Text *string `json:"text"`
}

// PredictResponse carries the last hidden state as nested arrays of shape
// (1, tokens, hidden).
type PredictResponse struct {
	Ys [][][]float32 `json:"ys"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

type ErrorResponse struct {
	Error ResponseError `json:"error"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type InfoResponse struct {
	Model   embedding.Info `json:"model"`
	Version version.Info   `json:"version"`
	Workers int            `json:"workers,omitempty"`
}
