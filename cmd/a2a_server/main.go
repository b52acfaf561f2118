package main

import (
	"flag"
	"fmt"
	"log"

	"MinionArmy/internal/a2a"
	"MinionArmy/internal/config"
	"MinionArmy/pkg/logger"

	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	// 1. 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	// 2. 初始化 Logger
	level, err := logrus.ParseLevel(cfg.Logger.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.Init(level)
	appLogger := logger.New("a2a_server", "", "")
	appLogger.Info("Logger initialized for A2A routing server")

	// 3. 启动路由服务器
	server := a2a.NewServer(&cfg.Server, appLogger)
	router := server.Router()

	appLogger.Info("A2A routing server listening on " + cfg.Server.Address)
	if err := router.Run(cfg.Server.Address); err != nil {
		appLogger.Fatal(fmt.Sprintf("A2A server exited with error: %v", err))
	}
}
