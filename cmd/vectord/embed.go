package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/vectord/internal/logger"
)

func embedCmd() *cli.Command {
	var (
		text   string
		indent bool
	)
	flags := append(modelFlags(), hubFlags()...)
	return &cli.Command{
		Name:  "embed",
		Usage: "Run a single prediction and print the hidden states as JSON",
		Flags: append(flags,
			&cli.StringFlag{
				Name:        "text",
				Aliases:     []string{"t"},
				Usage:       "input text",
				Required:    true,
				Destination: &text,
			},
			&cli.BoolFlag{
				Name:        "indent",
				Usage:       "indent the JSON output",
				Destination: &indent,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, fileConfig)
			log := logger.FromContext(ctx)
			svc, err := loadService(ctx, log)
			if err != nil {
				return err
			}
			out, err := svc.Predict(text)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(os.Stderr, "shape: %v\n", out.Shape)

			body := map[string]any{"ys": out.ToVec3()}
			var b []byte
			if indent {
				b, err = json.MarshalIndent(body, "", "  ")
			} else {
				b, err = json.Marshal(body)
			}
			if err != nil {
				return fmt.Errorf("encode output: %w", err)
			}
			_, err = fmt.Fprintln(os.Stdout, string(b))
			return err
		},
	}
}
