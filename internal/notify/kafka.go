package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/observability"
)

// KafkaConfig holds Kafka publisher settings.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	RequiredAcks int           `yaml:"required_acks"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Batch        BatchConfig   `yaml:"batch"`
}

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher sends notices to a Kafka topic, keyed by event id so all
// notices for one event land on the same partition.
type KafkaPublisher struct {
	writer  MessageWriter
	batcher *batcher
	logger  *zap.Logger
}

// NewKafkaWriter builds a kafka-go writer from cfg.
func NewKafkaWriter(cfg KafkaConfig, logger *zap.Logger) (*kafka.Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		WriteTimeout: cfg.WriteTimeout,
		BatchTimeout: 50 * time.Millisecond,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), zap.String("component", "kafka-writer"))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), zap.String("component", "kafka-writer"))
		}),
	}, nil
}

// NewKafkaPublisher starts a publisher on top of writer.
func NewKafkaPublisher(writer MessageWriter, batch BatchConfig, logger *zap.Logger, metrics *observability.Metrics) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &KafkaPublisher{writer: writer, logger: logger}
	p.batcher = newBatcher("kafka", batch, p.send, logger, metrics)
	return p
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(n *ThreatNotice) {
	p.batcher.enqueue(n)
}

func (p *KafkaPublisher) send(ctx context.Context, batch []*ThreatNotice) error {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, n := range batch {
		value, err := json.Marshal(n)
		if err != nil {
			p.logger.Error("Failed to encode notice", zap.Int64("event_id", n.EventID), zap.Error(err))
			continue
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(strconv.FormatInt(n.EventID, 10)),
			Value: value,
			Time:  n.DetectedAt,
			Headers: []kafka.Header{
				{Key: "notice_id", Value: []byte(n.NoticeID)},
				{Key: "source", Value: []byte(n.Source)},
			},
		})
	}
	if len(msgs) == 0 {
		return nil
	}
	return p.writer.WriteMessages(ctx, msgs...)
}

// Close drains pending notices and closes the writer.
func (p *KafkaPublisher) Close() error {
	p.batcher.close()
	return p.writer.Close()
}
