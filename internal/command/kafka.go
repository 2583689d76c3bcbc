package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"firestige.xyz/edirelay/internal/config"
	"firestige.xyz/edirelay/internal/log"
)

// KafkaCommand is the wire format for commands received via Kafka.
//
// Example JSON:
//
//	{
//	  "version":    "v1",
//	  "target":     "relay-01",
//	  "command":    "set_delay",
//	  "timestamp":  "2024-01-15T10:30:00Z",
//	  "request_id": "req-abc-123",
//	  "payload":    {"value": 1000}
//	}
type KafkaCommand struct {
	Version   string          `json:"version"`    // Protocol version ("v1")
	Target    string          `json:"target"`     // Node hostname or "*" for broadcast
	Command   string          `json:"command"`    // Method name
	Timestamp time.Time       `json:"timestamp"`  // When the command was issued
	RequestID string          `json:"request_id"` // Unique request ID for tracing
	Payload   json.RawMessage `json:"payload"`    // Method params
}

// KafkaResponse is written to the response topic for every handled command.
type KafkaResponse struct {
	Version   string      `json:"version"`
	Source    string      `json:"source"` // hostname of the answering node
	Command   string      `json:"command"`
	RequestID string      `json:"request_id"`
	Timestamp time.Time   `json:"timestamp"`
	Result    interface{} `json:"result,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaCommandConsumer consumes commands from Kafka and dispatches to handler.
type KafkaCommandConsumer struct {
	ccConfig config.CommandChannelConfig
	hostname string // local node hostname for target matching
	reader   messageReader
	writer   messageWriter // nil when no response topic is configured
	handler  *CommandHandler
	ttl      time.Duration // command TTL for stale-command rejection
	now      func() time.Time
	log      log.Logger
}

// NewKafkaCommandConsumer creates a new Kafka command consumer.
func NewKafkaCommandConsumer(ccConfig config.CommandChannelConfig, hostname string, handler *CommandHandler) (*KafkaCommandConsumer, error) {
	kc := ccConfig.Kafka
	if len(kc.Brokers) == 0 {
		return nil, fmt.Errorf("brokers is required")
	}
	if kc.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if kc.GroupID == "" {
		return nil, fmt.Errorf("group_id is required")
	}

	ttl := ccConfig.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	var startOffset int64
	switch kc.AutoOffsetReset {
	case "earliest":
		startOffset = kafka.FirstOffset
	case "", "latest":
		startOffset = kafka.LastOffset
	default:
		return nil, fmt.Errorf("invalid auto_offset_reset %q (must be earliest/latest)", kc.AutoOffsetReset)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        kc.Brokers,
		Topic:          kc.Topic,
		GroupID:        kc.GroupID,
		StartOffset:    startOffset,
		MinBytes:       1,
		MaxBytes:       10 << 20,
		CommitInterval: time.Second,
		MaxWait:        time.Second,
	})

	var writer messageWriter
	if kc.ResponseTopic != "" {
		writer = &kafka.Writer{
			Addr:         kafka.TCP(kc.Brokers...),
			Topic:        kc.ResponseTopic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
		}
	}

	return newKafkaCommandConsumer(ccConfig, hostname, handler, reader, writer, ttl), nil
}

func newKafkaCommandConsumer(cc config.CommandChannelConfig, hostname string, handler *CommandHandler,
	reader messageReader, writer messageWriter, ttl time.Duration) *KafkaCommandConsumer {
	return &KafkaCommandConsumer{
		ccConfig: cc,
		hostname: hostname,
		reader:   reader,
		writer:   writer,
		handler:  handler,
		ttl:      ttl,
		now:      time.Now,
		log:      log.GetLogger().WithFields(map[string]interface{}{"component": "kafka_command", "topic": cc.Kafka.Topic}),
	}
}

// Start starts consuming commands from Kafka.
// Blocks until context is cancelled or an unrecoverable error occurs.
func (c *KafkaCommandConsumer) Start(ctx context.Context) error {
	c.log.WithFields(map[string]interface{}{
		"brokers":  c.ccConfig.Kafka.Brokers,
		"group_id": c.ccConfig.Kafka.GroupID,
		"hostname": c.hostname,
		"ttl":      c.ttl,
	}).Info("kafka command consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				c.log.WithField("reason", ctx.Err()).Info("kafka command consumer stopped")
				return ctx.Err()
			}
			c.log.WithError(err).Error("failed to fetch kafka message")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
				continue
			}
		}

		if err := c.processMessage(ctx, msg); err != nil {
			c.log.WithError(err).WithFields(map[string]interface{}{
				"partition": msg.Partition,
				"offset":    msg.Offset,
			}).Warn("failed to process command")
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.WithError(err).Error("failed to commit message")
		}
	}
}

// processMessage handles a single Kafka message as a KafkaCommand.
func (c *KafkaCommandConsumer) processMessage(ctx context.Context, msg kafka.Message) error {
	var kCmd KafkaCommand
	if err := json.Unmarshal(msg.Value, &kCmd); err != nil {
		return fmt.Errorf("failed to parse kafka command: %w", err)
	}

	if kCmd.Target != "*" && kCmd.Target != "" && kCmd.Target != c.hostname {
		c.log.WithFields(map[string]interface{}{
			"target":     kCmd.Target,
			"request_id": kCmd.RequestID,
		}).Debug("skipping command not targeting this node")
		return nil
	}

	if !kCmd.Timestamp.IsZero() {
		if age := c.now().Sub(kCmd.Timestamp); age > c.ttl {
			c.log.WithFields(map[string]interface{}{
				"command":    kCmd.Command,
				"request_id": kCmd.RequestID,
				"age":        age,
			}).Warn("skipping stale command")
			return nil
		}
	}

	c.log.WithFields(map[string]interface{}{
		"command":    kCmd.Command,
		"request_id": kCmd.RequestID,
		"target":     kCmd.Target,
	}).Info("received kafka command")

	resp := c.handler.Handle(ctx, Command{
		Method: kCmd.Command,
		Params: kCmd.Payload,
		ID:     kCmd.RequestID,
	})

	if err := c.respond(ctx, kCmd, resp); err != nil {
		c.log.WithError(err).Warn("failed to write command response")
	}
	if resp.Error != nil {
		return fmt.Errorf("command %s failed: %s", kCmd.Command, resp.Error.Message)
	}
	return nil
}

func (c *KafkaCommandConsumer) respond(ctx context.Context, kCmd KafkaCommand, resp Response) error {
	if c.writer == nil {
		return nil
	}
	value, err := json.Marshal(KafkaResponse{
		Version:   "v1",
		Source:    c.hostname,
		Command:   kCmd.Command,
		RequestID: kCmd.RequestID,
		Timestamp: c.now(),
		Result:    resp.Result,
		Error:     resp.Error,
	})
	if err != nil {
		return err
	}
	return c.writer.WriteMessages(ctx, kafka.Message{Key: []byte(c.hostname), Value: value})
}

// Stop closes the Kafka reader and the response writer.
// Always nils the reader to prevent double-close, even if Close() returns an error.
func (c *KafkaCommandConsumer) Stop() error {
	if c.reader == nil {
		return nil
	}
	reader := c.reader
	c.reader = nil
	c.log.Info("closing kafka command consumer")

	var errs []error
	if err := reader.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close kafka reader: %w", err))
	}
	if c.writer != nil {
		if err := c.writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close kafka writer: %w", err))
		}
		c.writer = nil
	}
	return errors.Join(errs...)
}
