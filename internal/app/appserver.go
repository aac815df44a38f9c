package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"proxyfleet/internal/service/web"
	"proxyfleet/internal/shared/config"
	"proxyfleet/internal/shared/logger"
	"proxyfleet/internal/shared/securecrypt"
	"proxyfleet/internal/shared/types"
	"proxyfleet/proxypool"
	"proxyfleet/proxypool/storage"
)

const shutdownTimeout = 15 * time.Second

// AppServer is the application's main struct.
type AppServer struct {
	cfg       *types.Config
	configDir string

	store *storage.Store
	pool  *proxypool.Manager
	web   *web.Server

	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

// New 打开存储、加载源列表并装配代理池与管理端服务。
// 相对路径的 endpoints 文件按 configDir 解析。
func New(cfg *types.Config, configDir string) (*AppServer, error) {
	cipher := securecrypt.NewCredentialCipher(cfg.CryptoConf)

	store, err := storage.Open(cfg.StoreConf, cipher)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	endpointsPath := cfg.FeedsConf.EndpointsFile
	if endpointsPath != "" && !filepath.IsAbs(endpointsPath) {
		endpointsPath = filepath.Join(configDir, endpointsPath)
	}
	endpoints, err := config.LoadEndpoints(endpointsPath)
	if err != nil {
		store.Close()
		return nil, err
	}
	if endpoints == nil {
		logger.Info().Msg("No endpoints file configured, using built-in feed list.")
	}

	pool := proxypool.New(cfg, store, proxypool.Options{Endpoints: endpoints})
	return &AppServer{
		cfg:       cfg,
		configDir: configDir,
		store:     store,
		pool:      pool,
		web:       web.NewServer(cfg.WebConf, pool, pool.Registry()),
	}, nil
}

// Run 启动所有组件并阻塞，直到收到 SIGINT/SIGTERM 或 ctx 被取消。
func (s *AppServer) Run(ctx context.Context) error {
	logger.Info().Str("config_dir", s.configDir).Msg("Starting proxyfleet...")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.pool.Start(ctx); err != nil {
		s.Stop()
		return err
	}
	if err := s.web.Start(ctx, &s.waitGroup); err != nil {
		s.Stop()
		return err
	}

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")
	s.Stop()
	s.Wait()
	return nil
}

// Stop gracefully shuts down the server.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := s.web.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("web shutdown: %w", err))
		}
		s.pool.Stop()
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		if err := errors.Join(errs...); err != nil {
			logger.Error().Err(err).Msg("Errors during shutdown.")
			return
		}
		logger.Info().Msg("proxyfleet stopped.")
	})
}

func (s *AppServer) Wait() {
	s.waitGroup.Wait()
}
