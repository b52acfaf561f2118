package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"MinionArmy/internal/archive"
	"MinionArmy/internal/config"
	"MinionArmy/internal/discovery/etcd"
	"MinionArmy/internal/llm"
	"MinionArmy/internal/minion"
	"MinionArmy/internal/models"
	"MinionArmy/internal/tools"
	"MinionArmy/internal/transport"
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
	if cfg.Minion.ID == "" {
		log.Fatalf("minion.id must be set")
	}

	// 2. 初始化 Logger
	level, err := logrus.ParseLevel(cfg.Logger.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.Init(level)
	appLogger := logger.New("minion", cfg.Minion.ID, "")
	appLogger.Info("Logger initialized for minion " + cfg.Minion.ID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. 初始化消息传输
	var tr transport.Transport
	switch cfg.Transport.Mode {
	case "kafka":
		tr, err = transport.NewKafkaTransport(&cfg.Kafka, cfg.Minion.ID, appLogger)
	default:
		tr, err = transport.NewA2AClient(cfg.A2A.ServerURL, cfg.Minion.ID, cfg.CircuitBreaker)
	}
	if err != nil {
		appLogger.Fatal(fmt.Sprintf("Failed to create transport: %v", err))
	}
	appLogger.Info("Transport initialized: " + cfg.Transport.Mode)

	// 4. 初始化 LLM 客户端
	llmClient, err := llm.NewClient(ctx, &cfg.LLM, appLogger)
	if err != nil {
		appLogger.Fatal(fmt.Sprintf("Failed to create LLM client: %v", err))
	}
	defer llmClient.Close()
	appLogger.Info("LLM client initialized: " + cfg.LLM.Provider)

	// 5. 连接 MCP 工具服务端
	var invoker tools.Invoker
	if len(cfg.MCPServers) > 0 {
		host := tools.NewHost(appLogger)
		host.ConnectAll(ctx, cfg.MCPServers)
		defer host.CloseAll()
		invoker = host
	}

	// 6. 初始化任务归档（可选）
	taskArchive, err := archive.NewMongoArchive(ctx, &cfg.Mongo)
	if err != nil {
		appLogger.Fatal(fmt.Sprintf("Failed to create task archive: %v", err))
	}
	if taskArchive != nil {
		defer taskArchive.Close(context.Background())
		appLogger.Info("Task archive initialized")
	}

	// 7. 组装运行时
	runtime := minion.New(cfg, minion.Options{
		Transport: tr,
		LLM:       llmClient,
		Tools:     invoker,
		Archive:   taskArchive,
	}, appLogger)

	// 8. 注册到 etcd 并发现同伴（可选）
	if len(cfg.Etcd.Endpoints) > 0 {
		registry, err := etcd.NewRegistry(cfg.Etcd.Endpoints)
		if err != nil {
			appLogger.Fatal(fmt.Sprintf("Failed to create etcd registry: %v", err))
		}
		defer registry.Close()

		stopKeepAlive, err := registry.Register(ctx, runtime.Card(), 10)
		if err != nil {
			appLogger.Fatal(fmt.Sprintf("Failed to register with etcd: %v", err))
		}
		defer close(stopKeepAlive)

		cards, err := registry.Discover(ctx)
		if err != nil {
			appLogger.Error(fmt.Sprintf("Failed to discover peers: %v", err))
		}
		for _, card := range cards {
			if card.ID == cfg.Minion.ID {
				continue
			}
			var skills []string
			for _, s := range card.Skills {
				skills = append(skills, s.ID)
			}
			runtime.Coordinator().RegisterWorker(models.WorkerInfo{
				ID:     card.ID,
				Name:   card.Name,
				Skills: skills,
			})
		}
		appLogger.Info(fmt.Sprintf("Discovered %d peers via etcd", len(cards)))
	}

	// 9. 运行主循环，直到收到退出信号
	if err := runtime.Run(ctx); err != nil {
		appLogger.Fatal(fmt.Sprintf("Minion runtime exited with error: %v", err))
	}
	appLogger.Info("Minion stopped")
}
