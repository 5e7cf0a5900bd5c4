package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/vectord/internal/embedding"
	"github.com/samcharles93/vectord/internal/logger"
)

func fetchCmd() *cli.Command {
	var bothWeights bool
	return &cli.Command{
		Name:  "fetch",
		Usage: "Download a model's config, tokenizer and weights into the hub cache",
		Flags: append([]cli.Flag{
			&cli.StringFlag{Name: "model-id", Usage: "Hugging Face model repository", Destination: &modelID},
			&cli.StringFlag{Name: "revision", Usage: "model revision", Destination: &revision},
			&cli.BoolFlag{Name: "use-pth", Usage: "fetch pytorch_model.bin instead of model.safetensors", Destination: &usePyTorch},
			&cli.BoolFlag{Name: "all-weights", Usage: "fetch both weight formats", Destination: &bothWeights},
		}, hubFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, fileConfig)
			log := logger.FromContext(ctx)
			cache := hubCache()
			repo := embedding.ResolveRepo(modelID, revision)

			files := []string{embedding.ConfigFile, embedding.TokenizerFile}
			switch {
			case bothWeights:
				files = append(files, embedding.SafetensorsFile, embedding.PyTorchFile)
			case usePyTorch:
				files = append(files, embedding.PyTorchFile)
			default:
				files = append(files, embedding.SafetensorsFile)
			}

			paths := make([]string, len(files))
			g, gctx := errgroup.WithContext(ctx)
			for i, name := range files {
				g.Go(func() error {
					path, err := cache.Get(gctx, repo, name)
					if err != nil {
						return fmt.Errorf("fetch %s: %w", name, err)
					}
					paths[i] = path
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			log.Info("model cached", "model", repo.String(), "dir", cache.Dir)
			for _, p := range paths {
				fmt.Println(p)
			}
			return nil
		},
	}
}
