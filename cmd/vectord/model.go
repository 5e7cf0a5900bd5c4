package main

import (
	"context"

	"github.com/samcharles93/vectord/internal/embedding"
	"github.com/samcharles93/vectord/internal/hub"
	"github.com/samcharles93/vectord/internal/logger"
	"github.com/samcharles93/vectord/internal/tensor"
)

// artifactSource picks a local directory when --model-dir is set and the
// hub cache otherwise.
func artifactSource() hub.Source {
	if modelDir != "" {
		return hub.Dir(modelDir)
	}
	return hubCache()
}

func hubCache() *hub.Cache {
	c := hub.NewCache()
	if cacheDir != "" {
		c.Dir = cacheDir
	}
	if endpoint != "" {
		c.Endpoint = endpoint
	}
	if offline {
		c.Offline = true
	}
	return c
}

func loadOptions(log logger.Logger) embedding.LoadOptions {
	opts := embedding.LoadOptions{
		ModelID:           modelID,
		Revision:          revision,
		UsePyTorchWeights: usePyTorch,
		ApproximateGELU:   approximateGELU,
		TokenizerBackend:  tokenizerBackend,
		Source:            artifactSource(),
		Device:            tensor.CPU(int(threads)),
		Logger:            log,
	}
	// A local directory has no revision; name the model after the directory.
	if modelDir != "" && opts.ModelID == "" {
		opts.ModelID = modelDir
		if opts.Revision == "" {
			opts.Revision = "local"
		}
	}
	return opts
}

func loadService(ctx context.Context, log logger.Logger) (*embedding.Service, error) {
	return embedding.Load(ctx, loadOptions(log))
}
