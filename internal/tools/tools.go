// Package tools 封装了 minion 的工具执行能力。工具由一个或多个外部
// MCP 服务端提供，Host 负责连接管理、工具聚合与统一调用入口。
package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"MinionArmy/internal/config"
	"MinionArmy/internal/models"
	"MinionArmy/pkg/logger"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// Invoker 是任务执行与 M2M 工具调用所依赖的工具执行接口。
type Invoker interface {
	Invoke(ctx context.Context, toolName string, args map[string]any) (any, error)
	ToolNames(ctx context.Context) []string
}

// Host 连接并管理多个 MCP 服务端。
type Host struct {
	log *logger.Logger

	mu      sync.RWMutex
	servers map[string]client.MCPClient
	// routes 缓存工具名到服务端的映射，避免每次调用都遍历 ListTools。
	routes map[string]string
}

// NewHost 创建一个空的 Host。
func NewHost(log *logger.Logger) *Host {
	return &Host{
		log:     log,
		servers: make(map[string]client.MCPClient),
		routes:  make(map[string]string),
	}
}

// ConnectAll 按配置逐个连接 MCP 服务端。单个服务端连接失败只记录日志，
// 不影响其余服务端。
func (h *Host) ConnectAll(ctx context.Context, cfgs []config.MCPServerConfig) {
	for _, cfg := range cfgs {
		if err := h.Connect(ctx, cfg); err != nil {
			h.log.WithError(models.ErrInfo(err)).WithPayload(map[string]interface{}{
				"server": cfg.Name,
			}).Warn("MCP 服务端连接失败，已跳过")
		}
	}
}

// Connect 根据提供的配置连接到一个新的 MCP 服务端。
func (h *Host) Connect(ctx context.Context, cfg config.MCPServerConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.servers[cfg.Name]; exists {
		return fmt.Errorf("server with name '%s' already connected", cfg.Name)
	}

	var mcpClient client.MCPClient
	var err error
	switch cfg.TransportType {
	case "stdio":
		mcpClient, err = client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
		if err != nil {
			return fmt.Errorf("failed to create stdio client: %w", err)
		}
	case "http-sse":
		mcpClient, err = client.NewSSEMCPClient(cfg.URL)
		if err != nil {
			return fmt.Errorf("failed to create sse client: %w", err)
		}
	default:
		return fmt.Errorf("unsupported transport type: '%s'", cfg.TransportType)
	}

	initRequest := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "minion-tool-host",
				Version: "1.0.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	}
	if _, err = mcpClient.Initialize(ctx, initRequest); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize client: %w", err)
	}

	h.servers[cfg.Name] = mcpClient
	h.refreshRoutesLocked(ctx, cfg.Name, mcpClient)
	h.log.WithPayload(map[string]interface{}{"server": cfg.Name}).Info("MCP 服务端已连接")
	return nil
}

// refreshRoutesLocked 拉取指定服务端的工具列表并更新路由缓存。持有写锁时调用。
func (h *Host) refreshRoutesLocked(ctx context.Context, serverName string, c client.MCPClient) {
	toolsResult, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		h.log.WithError(models.ErrInfo(err)).WithPayload(map[string]interface{}{
			"server": serverName,
		}).Warn("无法列出 MCP 工具")
		return
	}
	for _, tool := range toolsResult.Tools {
		h.routes[tool.Name] = serverName
	}
}

// ToolNames 返回当前已知的全部工具名。
func (h *Host) ToolNames(_ context.Context) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.routes))
	for name := range h.routes {
		names = append(names, name)
	}
	return names
}

// Invoke 查找并调用指定的工具，返回其文本结果。
func (h *Host) Invoke(ctx context.Context, toolName string, args map[string]any) (any, error) {
	h.mu.RLock()
	serverName, ok := h.routes[toolName]
	var c client.MCPClient
	if ok {
		c = h.servers[serverName]
	}
	h.mu.RUnlock()

	if c == nil {
		return nil, fmt.Errorf("unknown tool: %s", toolName)
	}

	result, err := c.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call tool %s: %w", toolName, err)
	}
	if result.IsError {
		return nil, fmt.Errorf("tool %s reported an error: %s", toolName, flattenContent(result))
	}
	return flattenContent(result), nil
}

// flattenContent 将工具调用结果中的文本内容拼接为一个字符串。
func flattenContent(result *mcp.CallToolResult) string {
	var out string
	for _, content := range result.Content {
		if text, ok := content.(mcp.TextContent); ok {
			out += text.Text
		}
	}
	return out
}

// CloseAll 关闭所有到服务端的连接并清理资源。
func (h *Host) CloseAll() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for _, c := range h.servers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	h.servers = make(map[string]client.MCPClient)
	h.routes = make(map[string]string)
	return errors.Join(errs...)
}
