package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/vectord/internal/embedding"
	"github.com/samcharles93/vectord/internal/logger"
	"github.com/samcharles93/vectord/internal/tokenizer"
)

var (
	configFile string
	logLevel   string
	logFormat  string
	debug      bool

	modelID          string
	revision         string
	usePyTorch       bool
	approximateGELU  bool
	modelDir         string
	tokenizerBackend string
	threads          int64

	cacheDir string
	endpoint string
	offline  bool

	// fileConfig is the parsed config file, loaded before any command runs.
	fileConfig Config
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml",
			Value:       configPath(),
			Sources:     cli.EnvVars("VECTORD_CONFIG"),
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("VECTORD_LOG_LEVEL"),
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       logger.FormatPretty,
			Sources:     cli.EnvVars("VECTORD_LOG_FORMAT"),
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model-id",
			Usage:       "Hugging Face model repository (default " + embedding.DefaultModelID + ")",
			Sources:     cli.EnvVars("VECTORD_MODEL_ID"),
			Destination: &modelID,
		},
		&cli.StringFlag{
			Name:        "revision",
			Usage:       "model revision; defaults to " + embedding.DefaultRevision + " for the default model, main otherwise",
			Sources:     cli.EnvVars("VECTORD_REVISION"),
			Destination: &revision,
		},
		&cli.BoolFlag{
			Name:        "use-pth",
			Usage:       "load pytorch_model.bin instead of model.safetensors",
			Destination: &usePyTorch,
		},
		&cli.BoolFlag{
			Name:        "approximate-gelu",
			Usage:       "use the tanh approximation of GELU",
			Destination: &approximateGELU,
		},
		&cli.StringFlag{
			Name:        "model-dir",
			Usage:       "load config, tokenizer and weights from a local directory instead of the hub",
			Sources:     cli.EnvVars("VECTORD_MODEL_DIR"),
			Destination: &modelDir,
		},
		&cli.StringFlag{
			Name:        "tokenizer-backend",
			Usage:       "tokenizer implementation (wordpiece, hf)",
			Value:       tokenizer.BackendWordPiece,
			Destination: &tokenizerBackend,
		},
		&cli.Int64Flag{
			Name:        "threads",
			Usage:       "matmul threads per forward pass (0 = GOMAXPROCS)",
			Sources:     cli.EnvVars("VECTORD_THREADS"),
			Destination: &threads,
		},
	}
}

func hubFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "cache-dir",
			Usage:       "hub cache directory (default $HF_HUB_CACHE or ~/.cache/huggingface/hub)",
			Destination: &cacheDir,
		},
		&cli.StringFlag{
			Name:        "endpoint",
			Usage:       "hub endpoint (default $HF_ENDPOINT or https://huggingface.co)",
			Destination: &endpoint,
		},
		&cli.BoolFlag{
			Name:        "offline",
			Usage:       "never download; use only cached artifacts",
			Destination: &offline,
		},
	}
}

// setupLogging loads the config file and installs the process logger.
func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig(configFile, cmd.IsSet("config"))
	if err != nil {
		return ctx, err
	}
	fileConfig = cfg
	if cfg.LogLevel != "" && !cmd.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !cmd.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}

	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		return ctx, err
	}
	if debug {
		level = slog.LevelDebug
	}
	log, err := logger.Setup(os.Stderr, logger.Options{Format: logFormat, Level: level})
	if err != nil {
		return ctx, err
	}
	return logger.WithContext(ctx, log), nil
}
