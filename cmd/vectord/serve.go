package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/vectord/internal/api"
	"github.com/samcharles93/vectord/internal/dispatch"
	"github.com/samcharles93/vectord/internal/embedding"
	"github.com/samcharles93/vectord/internal/logger"
	"github.com/samcharles93/vectord/internal/version"
)

type serveOptions struct {
	addr           string
	workers        int64
	readTimeout    time.Duration
	requestTimeout time.Duration
}

func serveFlags(opts *serveOptions) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Sources:     cli.EnvVars("VECTORD_ADDR"),
			Destination: &opts.addr,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Usage:       "prediction workers",
			Value:       dispatch.DefaultWorkers,
			Sources:     cli.EnvVars("VECTORD_WORKERS"),
			Destination: &opts.workers,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read header timeout",
			Value:       30 * time.Second,
			Destination: &opts.readTimeout,
		},
		&cli.DurationFlag{
			Name:        "request-timeout",
			Usage:       "maximum time a request waits for the model (0 = no limit)",
			Destination: &opts.requestTimeout,
		},
	}
}

func serveCmd() *cli.Command {
	var opts serveOptions
	flags := append(modelFlags(), hubFlags()...)
	return &cli.Command{
		Name:  "serve",
		Usage: "Load the model and serve POST /predict",
		Flags: append(flags, serveFlags(&opts)...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, fileConfig)
			applyServeConfig(cmd, fileConfig, &opts)
			log := logger.FromContext(ctx)
			info := version.Resolve()
			log.Info("starting vectord", "pid", os.Getpid(), "version", info.Version)

			svc, err := loadService(ctx, log)
			if err != nil {
				return err
			}
			return serve(ctx, svc, opts, info, log)
		},
	}
}

// serve runs the dispatcher and the HTTP server until ctx is cancelled or
// either of them fails. The dispatcher outlives the server so requests
// still in flight during shutdown get their answers.
func serve(ctx context.Context, svc *embedding.Service, opts serveOptions, info version.Info, log logger.Logger) error {
	guard := embedding.NewGuard(svc)
	pool := dispatch.New(guard, dispatch.Options{Workers: int(opts.workers), Logger: log})
	server := api.NewServer(guard, pool, api.Options{
		RequestTimeout: opts.requestTimeout,
		Workers:        pool.Workers(),
		Version:        info,
		Logger:         log,
	})
	e := server.Echo()

	g, gctx := errgroup.WithContext(ctx)
	poolCtx, stopPool := context.WithCancel(context.WithoutCancel(ctx))
	defer stopPool()
	g.Go(func() error {
		return pool.Run(poolCtx)
	})
	g.Go(func() error {
		defer stopPool()
		log.Info("starting server", "address", opts.addr)
		sc := echo.StartConfig{
			Address: opts.addr,
			BeforeServeFunc: func(srv *http.Server) error {
				srv.ReadHeaderTimeout = opts.readTimeout
				return nil
			},
		}
		if err := sc.Start(gctx, e); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	err := g.Wait()
	log.Info("server stopped")
	return err
}
