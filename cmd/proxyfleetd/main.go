package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"proxyfleet/internal/app"
	"proxyfleet/internal/shared/config"
	"proxyfleet/internal/shared/logger"
	"proxyfleet/internal/shared/types"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	iniPath := filepath.Join(*configDir, "proxyfleet.ini")

	// 1. 加载 .env（凭证等敏感配置）
	if err := config.LoadEnv(envPath); err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load env file '%s': %v\n", envPath, err)
		os.Exit(1)
	}

	// 2. 加载 .ini 行为配置
	cfg := types.DefaultConfig()
	if err := config.LoadIni(cfg, iniPath); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		os.Exit(1)
	}

	// 2.1 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// 3. 创建并运行服务
	appServer, err := app.New(cfg, *configDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize proxyfleet")
	}
	if err := appServer.Run(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("proxyfleet exited with error")
	}
}
