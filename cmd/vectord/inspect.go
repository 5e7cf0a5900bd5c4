package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/vectord/internal/bert"
	"github.com/samcharles93/vectord/internal/embedding"
	"github.com/samcharles93/vectord/internal/hub"
	"github.com/samcharles93/vectord/internal/tokenizer"
)

func inspectCmd() *cli.Command {
	var (
		showTensors  bool
		tensorFilter string
	)
	flags := append(modelFlags(), hubFlags()...)
	return &cli.Command{
		Name:  "inspect",
		Usage: "Print a model's configuration and weight index",
		Flags: append(flags,
			&cli.BoolFlag{Name: "tensors", Usage: "list every weight tensor", Destination: &showTensors},
			&cli.StringFlag{Name: "filter", Usage: "only list tensors whose name contains this", Destination: &tensorFilter},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, fileConfig)
			opts := loadOptions(nil)
			repo := embedding.ResolveRepo(opts.ModelID, opts.Revision)
			return inspectModel(ctx, os.Stdout, opts, repo, showTensors || tensorFilter != "", tensorFilter)
		},
	}
}

func inspectModel(ctx context.Context, w io.Writer, opts embedding.LoadOptions, repo hub.Repo, tensors bool, filter string) error {
	rawCfg, err := hub.Fetch(ctx, opts.Source, repo, embedding.ConfigFile)
	if err != nil {
		return err
	}
	cfg, err := bert.ParseConfig(rawCfg)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "model:        %s\n", repo)
	_, _ = fmt.Fprintf(w, "type:         %s %v\n", cfg.ModelType, cfg.Architectures)
	_, _ = fmt.Fprintf(w, "hidden:       %d (heads %d x %d)\n", cfg.HiddenSize, cfg.NumAttentionHeads, cfg.HeadDim())
	_, _ = fmt.Fprintf(w, "layers:       %d\n", cfg.NumHiddenLayers)
	_, _ = fmt.Fprintf(w, "intermediate: %d\n", cfg.IntermediateSize)
	_, _ = fmt.Fprintf(w, "activation:   %s\n", cfg.HiddenAct)
	_, _ = fmt.Fprintf(w, "vocab:        %d\n", cfg.VocabSize)
	_, _ = fmt.Fprintf(w, "max length:   %d\n", cfg.MaxPositionEmbeddings)

	if rawTok, err := hub.Fetch(ctx, opts.Source, repo, embedding.TokenizerFile); err == nil {
		if tok, err := tokenizer.Load(rawTok, opts.TokenizerBackend); err == nil {
			_, _ = fmt.Fprintf(w, "tokenizer:    %d tokens\n", tok.VocabSize())
		} else {
			_, _ = fmt.Fprintf(w, "tokenizer:    unsupported (%v)\n", err)
		}
	}

	name := opts.WeightsFile()
	path, err := opts.Source.Get(ctx, repo, name)
	if err != nil {
		return err
	}
	open := bert.OpenSafetensors
	if opts.UsePyTorchWeights {
		open = bert.OpenPyTorch
	}
	wf, err := open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer func() { _ = wf.Close() }()

	names := wf.Names()
	var params int
	for _, n := range names {
		shape, _ := wf.Shape(n)
		count := 1
		for _, d := range shape {
			count *= d
		}
		params += count
	}
	_, _ = fmt.Fprintf(w, "weights:      %s (%d tensors, %d parameters)\n", name, len(names), params)

	if !tensors {
		return nil
	}
	for _, n := range names {
		if filter != "" && !strings.Contains(n, filter) {
			continue
		}
		shape, _ := wf.Shape(n)
		_, _ = fmt.Fprintf(w, "  %-60s %v\n", n, shape)
	}
	return nil
}
