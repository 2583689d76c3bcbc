package command

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/edirelay/internal/config"
)

type fakeReader struct {
	msgs      chan kafka.Message
	mu        sync.Mutex
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func (w *fakeWriter) messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func commandMessage(t *testing.T, offset int64, cmd KafkaCommand) kafka.Message {
	t.Helper()
	value, err := json.Marshal(cmd)
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: value}
}

func TestNewKafkaCommandConsumer(t *testing.T) {
	h, _, _ := newTestHandler(t)

	tests := []struct {
		name    string
		kafka   config.CommandKafkaConfig
		wantErr string
	}{
		{"valid", config.CommandKafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "commands", GroupID: "g"}, ""},
		{"with response topic", config.CommandKafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "commands", GroupID: "g", ResponseTopic: "replies"}, ""},
		{"missing brokers", config.CommandKafkaConfig{Topic: "commands", GroupID: "g"}, "brokers"},
		{"missing topic", config.CommandKafkaConfig{Brokers: []string{"localhost:9092"}, GroupID: "g"}, "topic"},
		{"missing group", config.CommandKafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "commands"}, "group_id"},
		{"bad offset", config.CommandKafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "commands", GroupID: "g", AutoOffsetReset: "middle"}, "auto_offset_reset"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewKafkaCommandConsumer(config.CommandChannelConfig{Kafka: tt.kafka}, "relay-1", h)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 5*time.Minute, c.ttl)
			assert.Equal(t, tt.kafka.ResponseTopic != "", c.writer != nil)
			assert.NoError(t, c.Stop())
			assert.NoError(t, c.Stop())
		})
	}
}

func TestKafkaConsumerDispatch(t *testing.T) {
	h, buf, _ := newTestHandler(t)
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	reader := &fakeReader{msgs: make(chan kafka.Message, 8)}
	writer := &fakeWriter{}
	c := newKafkaCommandConsumer(config.CommandChannelConfig{}, "relay-1", h, reader, writer, time.Minute)
	c.now = func() time.Time { return now }

	reader.msgs <- commandMessage(t, 1, KafkaCommand{Target: "relay-2", Command: MethodSetDelay, Payload: json.RawMessage(`{"value":100}`)})
	reader.msgs <- commandMessage(t, 2, KafkaCommand{Target: "relay-1", Command: MethodSetDelay, Timestamp: now.Add(-time.Hour), Payload: json.RawMessage(`{"value":200}`)})
	reader.msgs <- commandMessage(t, 3, KafkaCommand{Target: "*", Command: MethodSetDelay, Timestamp: now, RequestID: "r-3", Payload: json.RawMessage(`{"value":"900"}`)})
	reader.msgs <- kafka.Message{Offset: 4, Value: []byte("not json")}
	reader.msgs <- commandMessage(t, 5, KafkaCommand{Target: "relay-1", Command: MethodSetBackoff, RequestID: "r-5", Payload: json.RawMessage(`{"value":-1}`)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool { return reader.commits() == 5 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))

	assert.Equal(t, 900*time.Millisecond, buf.Settings().Delay)

	msgs := writer.messages()
	require.Len(t, msgs, 2)
	var ok, failed KafkaResponse
	require.NoError(t, json.Unmarshal(msgs[0].Value, &ok))
	require.NoError(t, json.Unmarshal(msgs[1].Value, &failed))
	assert.Equal(t, "r-3", ok.RequestID)
	assert.Equal(t, "relay-1", ok.Source)
	assert.Nil(t, ok.Error)
	assert.Equal(t, "r-5", failed.RequestID)
	require.NotNil(t, failed.Error)
	assert.Equal(t, ErrCodeInvalidParams, failed.Error.Code)
	assert.Equal(t, []byte("relay-1"), msgs[0].Key)

	require.NoError(t, c.Stop())
	assert.True(t, reader.closed)
	assert.True(t, writer.closed)
}
