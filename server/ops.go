package server

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/devctx/contextcache/types"
	"github.com/devctx/contextcache/utils"
)

type serverState int32

const (
	stateStopped serverState = iota
	stateRunning
	stateStopping
)

const shutdownTimeout = 5 * time.Second

// OpsServer exposes the operational surface of the cache over HTTP:
// liveness, statistics and Prometheus metrics.
type OpsServer struct {
	logger  types.Logger
	config  *types.ServerConfig
	cache   types.ContextCache
	metrics types.MetricsManager

	server   *fasthttp.Server
	listener net.Listener
	state    atomic.Value
}

func NewOpsServer(logger types.Logger, config *types.ServerConfig, cache types.ContextCache, metrics types.MetricsManager) (*OpsServer, error) {
	if config == nil {
		return nil, types.Errorf(types.ErrConfigValidateFailed, "server config missing")
	}

	s := &OpsServer{
		logger:  logger,
		config:  config,
		cache:   cache,
		metrics: metrics,
	}
	s.state.Store(stateStopped)
	return s, nil
}

func (s *OpsServer) Start() error {
	if !s.state.CompareAndSwap(stateStopped, stateRunning) {
		return types.ErrServerAlreadyRunning
	}

	s.server = &fasthttp.Server{
		Handler:      s.handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.state.Store(stateStopped)
		return types.WrapError(err, "ops listener")
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil {
			s.logger.Error("ops server failed", zap.Error(err))
			s.state.Store(stateStopped)
		}
	}()

	s.logger.Info("ops server started", zap.String("address", addr))
	return nil
}

func (s *OpsServer) Stop() error {
	if !s.state.CompareAndSwap(stateRunning, stateStopping) {
		return types.ErrServerNotRunning
	}
	defer s.state.Store(stateStopped)

	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.ShutdownWithContext(ctx); err != nil {
			s.logger.Warn("ops server shutdown timeout", zap.Error(err))
		}
	}

	s.logger.Info("ops server stopped")
	return nil
}

func (s *OpsServer) IsRunning() bool {
	return s.state.Load().(serverState) == stateRunning
}

func (s *OpsServer) handler(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() {
		ctx.Error("Method not allowed", fasthttp.StatusMethodNotAllowed)
		return
	}

	switch utils.BytesToString(ctx.Path()) {
	case "/health":
		s.handleHealth(ctx)
	case "/stats":
		s.handleStats(ctx)
	case "/metrics":
		s.handleMetrics(ctx)
	default:
		ctx.Error("Not found", fasthttp.StatusNotFound)
	}
}

func (s *OpsServer) handleHealth(ctx *fasthttp.RequestCtx) {
	status := "ok"
	code := fasthttp.StatusOK
	if s.cache == nil || !s.cache.IsRunning() {
		status = "cache not running"
		code = fasthttp.StatusServiceUnavailable
	}

	ctx.SetStatusCode(code)
	ctx.SetContentType("application/json")
	body, _ := utils.Marshal(map[string]string{"status": status})
	ctx.SetBody(body)
}

func (s *OpsServer) handleStats(ctx *fasthttp.RequestCtx) {
	if s.cache == nil {
		ctx.Error("cache unavailable", fasthttp.StatusServiceUnavailable)
		return
	}

	body, err := utils.Marshal(s.cache.Stats())
	if err != nil {
		ctx.Error("stats encoding failed", fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func (s *OpsServer) handleMetrics(ctx *fasthttp.RequestCtx) {
	if s.metrics == nil {
		ctx.Error("metrics disabled", fasthttp.StatusNotFound)
		return
	}

	body, err := s.metrics.GetMetrics()
	if err != nil {
		ctx.Error("metrics gathering failed", fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
