package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"MinionArmy/internal/config"
	"MinionArmy/internal/models"
	"MinionArmy/pkg/logger"

	"github.com/segmentio/kafka-go"
)

// KafkaTransport 是基于 Kafka 的消息传输实现。每个 minion 拥有一个收件箱主题
// (topicPrefix + minionID)，Send 写入接收方的收件箱，Poll 从自己的收件箱读取。
// agent card 注册仍由路由服务器负责，这里只保证收件箱主题存在。
type KafkaTransport struct {
	cfg     *config.KafkaConfig
	agentID string
	writer  *kafka.Writer
	reader  *kafka.Reader
	log     *logger.Logger

	mu      sync.Mutex
	inbox   []models.RawMessage
	cancel  context.CancelFunc
	started bool
}

// NewKafkaTransport 创建一个绑定到指定 minion 的 Kafka 传输。
// 首次创建时会自动创建该 minion 的收件箱主题。
func NewKafkaTransport(cfg *config.KafkaConfig, agentID string, log *logger.Logger) (*KafkaTransport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("未配置 Kafka brokers")
	}

	inboxTopic := cfg.TopicPrefix + agentID

	// 1. 建立管理连接并确保收件箱主题存在
	conn, err := kafka.Dial("tcp", cfg.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("kafka 初始化连接失败: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, fmt.Errorf("无法读取 Kafka 分区信息: %w", err)
	}
	exists := false
	for _, p := range partitions {
		if p.Topic == inboxTopic {
			exists = true
			break
		}
	}
	if !exists {
		err = conn.CreateTopics(kafka.TopicConfig{
			Topic:             inboxTopic,
			NumPartitions:     1,
			ReplicationFactor: 1,
		})
		if err != nil {
			return nil, fmt.Errorf("自动创建 Kafka 主题失败: %w", err)
		}
		log.WithPayload(map[string]interface{}{"topic": inboxTopic}).Info("已创建收件箱主题")
	}

	// 2. 创建用于生产和消费的 Writer 和 Reader
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       inboxTopic,
		GroupID:     "minion-" + agentID,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxAttempts: 10,
		Dialer: &kafka.Dialer{
			Timeout: 10 * time.Second,
		},
	})

	t := &KafkaTransport{cfg: cfg, agentID: agentID, writer: writer, reader: reader, log: log}
	t.startConsumer()
	return t, nil
}

// startConsumer 启动后台 goroutine 持续消费收件箱，消息暂存到内存，由 Poll 取走。
func (t *KafkaTransport) startConsumer() {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.started = true

	go func() {
		for {
			m, err := t.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				t.log.WithError(models.ErrInfo(err)).Warn("kafka 消费失败，稍后重试")
				time.Sleep(time.Second)
				continue
			}
			var msg models.RawMessage
			if err := json.Unmarshal(m.Value, &msg); err != nil {
				t.log.WithError(models.ErrInfo(err)).Warn("收件箱消息解码失败，已丢弃")
				continue
			}
			t.mu.Lock()
			t.inbox = append(t.inbox, msg)
			t.mu.Unlock()
		}
	}()
}

// Register 对 Kafka 传输而言只记录日志；card 注册由路由服务器持有。
func (t *KafkaTransport) Register(_ context.Context, card *models.AgentCard) error {
	t.log.WithPayload(map[string]interface{}{"card_id": card.ID}).Info("kafka 传输模式下跳过路由注册")
	return nil
}

// Send 将消息写入接收方的收件箱主题。
func (t *KafkaTransport) Send(ctx context.Context, recipientID, messageType string, payload any) error {
	msg, err := Envelope(t.agentID, messageType, payload)
	if err != nil {
		return err
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal raw message: %w", err)
	}
	err = t.writer.WriteMessages(ctx, kafka.Message{
		Topic: t.cfg.TopicPrefix + recipientID,
		Key:   []byte(messageType),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("%w: kafka write: %v", models.ErrTransport, err)
	}
	return nil
}

// Poll 取走后台消费到的全部消息。
func (t *KafkaTransport) Poll(_ context.Context, _ string) ([]models.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	msgs := t.inbox
	t.inbox = nil
	return msgs, nil
}

// Close 停止消费并关闭 Kafka 连接。
func (t *KafkaTransport) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	var errs []error
	if err := t.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("关闭 Kafka writer 失败: %w", err))
	}
	if err := t.reader.Close(); err != nil {
		errs = append(errs, fmt.Errorf("关闭 Kafka reader 失败: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("关闭 Kafka 传输时发生多个错误: %v", errs)
	}
	return nil
}
