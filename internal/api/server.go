// Package api serves predictions over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/samcharles93/vectord/internal/embedding"
	"github.com/samcharles93/vectord/internal/logger"
	"github.com/samcharles93/vectord/internal/tensor"
	"github.com/samcharles93/vectord/internal/version"
)

// Predictor runs one prediction. *dispatch.Pool implements it.
type Predictor interface {
	Submit(ctx context.Context, text string) (*tensor.Tensor3, error)
}

type Options struct {
	// RequestTimeout bounds waiting for the model and a worker. Zero means
	// only the client's own context applies.
	RequestTimeout time.Duration
	Workers        int
	Version        version.Info
	Logger         logger.Logger
}

type Server struct {
	guard *embedding.Guard
	pred  Predictor
	opts  Options
	log   logger.Logger
}

func NewServer(guard *embedding.Guard, pred Predictor, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Server{guard: guard, pred: pred, opts: opts, log: log}
}

// Echo returns an echo instance with the middleware stack and routes installed.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.Use(requestLog(s.log))
	e.Use(middleware.Recover())
	s.Register(e)
	return e
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/predict", s.handlePredict)
	e.GET("/healthz", s.handleHealth)
	e.GET("/info", s.handleInfo)
}

func (s *Server) handlePredict(c *echo.Context) error {
	if s.pred == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "predictor not configured", "", "")
	}
	req, err := decodeJSON[PredictRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.Text == nil {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", "text is required", "text", "")
	}

	clientCtx := c.Request().Context()
	ctx := clientCtx
	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}

	out, err := s.pred.Submit(ctx, *req.Text)
	if err != nil {
		if errors.Is(err, context.Canceled) && clientCtx.Err() != nil {
			// Client went away; there is nobody to answer.
			logger.FromContext(clientCtx).Debug("client disconnected", "err", err)
			return nil
		}
		status, errType := classify(err)
		if status >= http.StatusInternalServerError {
			logger.FromContext(clientCtx).Warn("predict failed", "status", status, "err", err)
		}
		return writeError(c, status, errType, err.Error(), "", "")
	}
	return writeJSON(c, http.StatusOK, PredictResponse{Ys: out.ToVec3()})
}

func (s *Server) handleHealth(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleInfo(c *echo.Context) error {
	if s.guard == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "model not configured", "", "")
	}
	ctx := c.Request().Context()
	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}
	info, err := embedding.WithRead(ctx, s.guard, func(svc *embedding.Service) (embedding.Info, error) {
		return svc.Info(), nil
	})
	if err != nil {
		status, errType := classify(err)
		return writeError(c, status, errType, err.Error(), "", "")
	}
	return writeJSON(c, http.StatusOK, InfoResponse{
		Model:   info,
		Version: s.opts.Version,
		Workers: s.opts.Workers,
	})
}
