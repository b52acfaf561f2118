package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AppInfo 对应 'app' 部分，包含应用程序的基本信息。
type AppInfo struct {
	Name        string `yaml:"name"`        // 应用程序名称
	Version     string `yaml:"version"`     // 应用程序版本
	Environment string `yaml:"environment"` // 运行环境 (例如: "development", "production")
}

// LoggerConfig 定义了日志记录器的配置。
type LoggerConfig struct {
	Level string `yaml:"level"` // 日志级别 (例如: "info", "debug", "warn", "error")
}

// SkillConfig 定义了 minion 注册时声明的一项技能。
type SkillConfig struct {
	ID          string   `yaml:"id"`          // 技能唯一标识
	Name        string   `yaml:"name"`        // 技能名称
	Description string   `yaml:"description"` // 技能描述
	Tags        []string `yaml:"tags"`        // 技能标签
}

// MinionConfig 定义了单个 minion 进程的身份与运行时参数。
type MinionConfig struct {
	ID                 string        `yaml:"id"`                 // minion 唯一标识
	Name               string        `yaml:"name"`               // 展示名称
	Description        string        `yaml:"description"`        // 能力描述，注册到路由服务器
	Skills             []SkillConfig `yaml:"skills"`             // 技能列表
	MaxParallel        int           `yaml:"maxParallel"`        // 并发任务上限 (默认: 4)
	ReducedParallel    int           `yaml:"reducedParallel"`    // 资源紧张时的并发上限 (默认: maxParallel/2)
	TaskTimeoutSeconds int           `yaml:"taskTimeoutSeconds"` // 单任务执行超时（秒，默认: 300）
	LoopIntervalMs     int           `yaml:"loopIntervalMs"`     // 主调度循环间隔（毫秒，默认: 200）
	MaxDelegationDepth int           `yaml:"maxDelegationDepth"` // M2M 委托链深度上限 (默认: 5)
	M2MMaxRetries      int           `yaml:"m2mMaxRetries"`      // M2M 请求最大重试次数 (默认: 3)
	M2MTimeoutSeconds  int           `yaml:"m2mTimeoutSeconds"`  // M2M 请求超时（秒，默认: 60）
	StatusRecipient    string        `yaml:"statusRecipient"`    // minion_state_update 的接收方，留空禁用
}

// ResourcesConfig 定义了资源监控与自适应降并发的阈值。
type ResourcesConfig struct {
	CheckIntervalMs int    `yaml:"checkIntervalMs"` // 采样间隔（毫秒，默认: 5000）
	HeapLimitMB     uint64 `yaml:"heapLimitMb"`     // 堆内存阈值（MB，默认: 1024）
	GoroutineLimit  int    `yaml:"goroutineLimit"`  // goroutine 数量阈值 (默认: 2000)
}

// A2AConfig 定义了到消息路由服务器的连接配置。
type A2AConfig struct {
	ServerURL      string `yaml:"serverUrl"`      // 路由服务器地址 (例如: "http://localhost:8765")
	PollIntervalMs int    `yaml:"pollIntervalMs"` // 轮询间隔（毫秒，默认: 500）
}

// TransportConfig 选择消息传输实现。
type TransportConfig struct {
	Mode string `yaml:"mode"` // 支持: "http", "kafka"
}

// KafkaConfig 定义了 Kafka 传输的连接配置。
type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`     // Kafka Broker 地址列表
	TopicPrefix string   `yaml:"topicPrefix"` // 每个 minion 的收件箱主题前缀 (默认: "minion.inbox.")
}

// EtcdConfig 定义了 etcd 服务发现的连接配置。端点为空时禁用。
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"` // etcd 节点地址列表
}

// GeminiConfig 包含了 Gemini 模型的配置。
type GeminiConfig struct {
	APIKey string `yaml:"apiKey"` // Gemini API 密钥
	Model  string `yaml:"model"`  // Gemini 模型名称
}

// OllamaConfig 包含了 Ollama 模型的配置。
type OllamaConfig struct {
	BaseURL string `yaml:"baseUrl"` // Ollama 服务地址 (默认: "http://localhost:11434")
	Model   string `yaml:"model"`   // Ollama 模型名称
}

// OpenAIConfig 包含了 OpenAI 兼容服务的配置。
type OpenAIConfig struct {
	APIKey  string `yaml:"apiKey"`  // API 密钥
	BaseURL string `yaml:"baseUrl"` // 服务地址，留空使用官方端点
	Model   string `yaml:"model"`   // 模型名称
}

// LLMConfig 包含了不同 LLM 提供商的配置。
type LLMConfig struct {
	Provider       string       `yaml:"provider"`       // LLM 提供商 (例如: "gemini", "ollama", "openai")
	MaxRetries     int          `yaml:"maxRetries"`     // API 失败时的内部重试次数 (默认: 2)
	InitialBackoff string       `yaml:"initialBackoff"` // 初始退避 (例如: "1s")
	Gemini         GeminiConfig `yaml:"gemini"`         // Gemini 模型配置
	Ollama         OllamaConfig `yaml:"ollama"`         // Ollama 模型配置
	OpenAI         OpenAIConfig `yaml:"openai"`         // OpenAI 模型配置
}

// MCPServerConfig 定义了一个 MCP 工具服务端的连接选项。
type MCPServerConfig struct {
	Name          string   `yaml:"name"`          // 服务端名称
	TransportType string   `yaml:"transportType"` // "stdio" 或 "http-sse"
	Command       string   `yaml:"command"`       // stdio 模式下的启动命令
	Args          []string `yaml:"args"`          // 启动参数
	URL           string   `yaml:"url"`           // http-sse 模式下的地址
	Env           []string `yaml:"env"`           // 环境变量
}

// StateConfig 定义了运行时快照持久化的配置。
type StateConfig struct {
	Dir         string `yaml:"dir"`         // 状态文件目录 (默认: "./state")
	BackupCount int    `yaml:"backupCount"` // 保留的备份数量 (默认: 5)
}

// MongoConfig 定义了 MongoDB 任务归档的连接配置。URI 为空时禁用归档。
type MongoConfig struct {
	URI        string `yaml:"uri"`        // MongoDB 连接串
	Database   string `yaml:"database"`   // 数据库名称
	Collection string `yaml:"collection"` // 归档集合名称 (默认: "task_archive")
}

// CircuitBreakerConfig 定义了熔断器的配置。
type CircuitBreakerConfig struct {
	Enabled          bool   `yaml:"enabled"`
	FailureThreshold uint32 `yaml:"failureThreshold"`
	SuccessThreshold uint32 `yaml:"successThreshold"`
	Timeout          string `yaml:"timeout"` // 例如: "30s"
}

// TokenBucketConfig 定义了令牌桶限流的配置。
type TokenBucketConfig struct {
	Rate     float64 `yaml:"rate"` // 每秒速率
	Capacity int     `yaml:"capacity"`
}

// RateLimiterConfig 定义了路由服务器按发送方限流的配置。
type RateLimiterConfig struct {
	Enabled     bool              `yaml:"enabled"`
	TokenBucket TokenBucketConfig `yaml:"tokenBucket"`
}

// ServerConfig 定义了路由服务器进程的监听配置。
type ServerConfig struct {
	Address     string            `yaml:"address"` // 监听地址 (例如: ":8765")
	RateLimiter RateLimiterConfig `yaml:"rateLimiter"`
}

// AppConfig 是整个 YAML 文件的根结构，包含了应用程序的所有配置。
type AppConfig struct {
	App            AppInfo              `yaml:"app"`            // 应用程序信息
	Logger         LoggerConfig         `yaml:"logger"`         // 日志记录器配置
	Minion         MinionConfig         `yaml:"minion"`         // minion 身份与运行时参数
	Resources      ResourcesConfig      `yaml:"resources"`      // 资源监控配置
	A2A            A2AConfig            `yaml:"a2a"`            // 路由服务器连接配置
	Transport      TransportConfig      `yaml:"transport"`      // 传输实现选择
	Kafka          KafkaConfig          `yaml:"kafka"`          // Kafka 传输配置
	Etcd           EtcdConfig           `yaml:"etcd"`           // etcd 服务发现配置
	LLM            LLMConfig            `yaml:"llm"`            // LLM 配置部分
	MCPServers     []MCPServerConfig    `yaml:"mcpServers"`     // MCP 工具服务端列表
	State          StateConfig          `yaml:"state"`          // 状态持久化配置
	Mongo          MongoConfig          `yaml:"mongo"`          // 任务归档配置
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"` // 出站调用熔断配置
	Server         ServerConfig         `yaml:"server"`         // 路由服务器配置
}

// LoadConfig 函数从指定路径加载并解析 YAML 配置文件，并填充默认值。
func LoadConfig(path string) (*AppConfig, error) {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("无法读取 YAML 文件 '%s': %w", path, err)
	}
	var cfg AppConfig
	err = yaml.Unmarshal(yamlFile, &cfg)
	if err != nil {
		return nil, fmt.Errorf("解析 YAML 文件失败: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults 为未设置的字段填充默认值。
func (c *AppConfig) applyDefaults() {
	if c.Minion.MaxParallel <= 0 {
		c.Minion.MaxParallel = 4
	}
	if c.Minion.ReducedParallel <= 0 {
		c.Minion.ReducedParallel = c.Minion.MaxParallel / 2
		if c.Minion.ReducedParallel < 1 {
			c.Minion.ReducedParallel = 1
		}
	}
	if c.Minion.TaskTimeoutSeconds <= 0 {
		c.Minion.TaskTimeoutSeconds = 300
	}
	if c.Minion.LoopIntervalMs <= 0 {
		c.Minion.LoopIntervalMs = 200
	}
	if c.Minion.MaxDelegationDepth <= 0 {
		c.Minion.MaxDelegationDepth = 5
	}
	if c.Minion.M2MMaxRetries <= 0 {
		c.Minion.M2MMaxRetries = 3
	}
	if c.Minion.M2MTimeoutSeconds <= 0 {
		c.Minion.M2MTimeoutSeconds = 60
	}
	if c.Resources.CheckIntervalMs <= 0 {
		c.Resources.CheckIntervalMs = 5000
	}
	if c.Resources.HeapLimitMB == 0 {
		c.Resources.HeapLimitMB = 1024
	}
	if c.Resources.GoroutineLimit <= 0 {
		c.Resources.GoroutineLimit = 2000
	}
	if c.A2A.PollIntervalMs <= 0 {
		c.A2A.PollIntervalMs = 500
	}
	if c.Transport.Mode == "" {
		c.Transport.Mode = "http"
	}
	if c.Kafka.TopicPrefix == "" {
		c.Kafka.TopicPrefix = "minion.inbox."
	}
	if c.State.Dir == "" {
		c.State.Dir = "./state"
	}
	if c.State.BackupCount <= 0 {
		c.State.BackupCount = 5
	}
	if c.Mongo.Collection == "" {
		c.Mongo.Collection = "task_archive"
	}
	if c.LLM.MaxRetries <= 0 {
		c.LLM.MaxRetries = 2
	}
	if c.LLM.InitialBackoff == "" {
		c.LLM.InitialBackoff = "1s"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8765"
	}
}
