package log

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type KafkaAppenderOpt struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	Key          string        `mapstructure:"key"` // message key, usually the node name
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// kafkaAppender ships each formatted log line as one Kafka message.
// Writes are asynchronous so a slow broker never blocks the data path.
type kafkaAppender struct {
	writer *kafka.Writer
	key    []byte
}

func (a *kafkaAppender) Write(p []byte) (int, error) {
	line := make([]byte, len(p))
	copy(line, p)
	err := a.writer.WriteMessages(context.Background(), kafka.Message{Key: a.key, Value: line})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (a *kafkaAppender) Close() error {
	return a.writer.Close()
}

func (m *MultiWriter) AddKafkaAppender(options KafkaAppenderOpt) (*MultiWriter, error) {
	if len(options.Brokers) == 0 {
		return m, fmt.Errorf("kafka appender requires brokers")
	}
	if options.Topic == "" {
		return m, fmt.Errorf("kafka appender requires a topic")
	}
	batchTimeout := options.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = time.Second
	}
	return m.Add(&kafkaAppender{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(options.Brokers...),
			Topic:        options.Topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: batchTimeout,
			Async:        true,
		},
		key: []byte(options.Key),
	}), nil
}
