package contextcache

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/devctx/contextcache/cache"
	"github.com/devctx/contextcache/config"
	"github.com/devctx/contextcache/logger"
	"github.com/devctx/contextcache/metrics"
	"github.com/devctx/contextcache/notify"
	"github.com/devctx/contextcache/server"
	"github.com/devctx/contextcache/types"
)

// Service wires the cache with its optional ops server and notify broker
// from a single YAML configuration and manages their shared lifecycle.
type Service struct {
	config  *types.Config
	logger  types.Logger
	metrics types.MetricsManager
	cache   *cache.Cache

	// started in order, stopped in reverse
	managers []types.LifecycleManager
}

func NewService(configPath string) (*Service, error) {
	cfg, err := config.NewLoader().LoadFromFile(configPath)
	if err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, types.WrapError(err, "logger setup")
	}

	mm := metrics.NewNop()
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		mm, err = metrics.NewPrometheusMetrics(log, cfg.Metrics)
		if err != nil {
			return nil, types.WrapError(err, "metrics setup")
		}
	}

	c, err := cache.New(cfg, log, mm)
	if err != nil {
		return nil, err
	}

	s := &Service{
		config:   cfg,
		logger:   log,
		metrics:  mm,
		cache:    c,
		managers: []types.LifecycleManager{c},
	}

	if cfg.Server != nil && cfg.Server.Enabled {
		ops, err := server.NewOpsServer(log, cfg.Server, c, mm)
		if err != nil {
			return nil, err
		}
		s.managers = append(s.managers, ops)
	}

	if cfg.Notify != nil && cfg.Notify.Enabled {
		broker, err := notify.NewBroker(log, cfg.Notify, c)
		if err != nil {
			return nil, err
		}
		s.managers = append(s.managers, broker)
	}

	return s, nil
}

// Cache exposes the cache instance for embedding callers.
func (s *Service) Cache() types.ContextCache {
	return s.cache
}

func (s *Service) Start() error {
	for i, manager := range s.managers {
		if err := manager.Start(); err != nil {
			for j := i - 1; j >= 0; j-- {
				if stopErr := s.managers[j].Stop(); stopErr != nil {
					s.logger.ErrorWithErr("rollback stop failed", stopErr)
				}
			}
			return err
		}
	}

	s.logger.Info("service started", zap.String("name", s.config.Name))
	return nil
}

func (s *Service) Stop() error {
	var firstErr error
	for i := len(s.managers) - 1; i >= 0; i-- {
		if err := s.managers[i].Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.logger.Info("service stopped", zap.String("name", s.config.Name))
	return firstErr
}

// Run is the CLI entrypoint: it starts every component and blocks until an
// interrupt or termination signal arrives.
func Run(args []string) error {
	app := &cli.App{
		Name:  "contextcache",
		Usage: "intelligent context cache daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yml",
				Usage:   "path to the YAML configuration file",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "start the cache service",
				Action: func(c *cli.Context) error {
					svc, err := NewService(c.String("config"))
					if err != nil {
						return err
					}
					if err := svc.Start(); err != nil {
						return err
					}

					stop := make(chan os.Signal, 1)
					signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
					<-stop

					return svc.Stop()
				},
			},
		},
	}

	return app.Run(args)
}
