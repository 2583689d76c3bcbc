// Package reporter publishes relay statistics to Kafka: one record per
// buffering window summary and a periodic snapshot of the source states.
package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"firestige.xyz/edirelay/internal/log"
	"firestige.xyz/edirelay/internal/redundancy"
	"firestige.xyz/edirelay/internal/relay"
)

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100 * time.Millisecond
	defaultCompression  = "snappy"
	defaultMaxAttempts  = 3
	defaultInterval     = 10 * time.Second
	queueSize           = 64
)

// Encodings of the record value.
const (
	EncodingJSON     = "json"
	EncodingProtobuf = "protobuf"
)

// Config configures the Kafka reporter.
type Config struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	Compression  string // none|gzip|snappy|lz4|zstd
	MaxAttempts  int
	Encoding     string
	Node         string        // message key, usually the host name
	Interval     time.Duration // sources snapshot period
}

// SourcesFunc returns the current source states.
type SourcesFunc func() []redundancy.SourceStatus

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Record is the value written to Kafka.
type Record struct {
	Type      string                    `json:"type"`
	Node      string                    `json:"node"`
	Time      int64                     `json:"time"` // unix ms
	Buffering *relay.Summary            `json:"buffering,omitempty"`
	Sources   []redundancy.SourceStatus `json:"sources,omitempty"`
}

// Reporter batches statistics records to Kafka off the data path.
type Reporter struct {
	cfg     Config
	writer  messageWriter
	sources SourcesFunc
	queue   chan Record
	log     log.Logger

	reported atomic.Uint64
	errors   atomic.Uint64
	dropped  atomic.Uint64
}

// New creates a reporter. sources may be nil to skip source snapshots.
func New(cfg Config, sources SourcesFunc) (*Reporter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka reporter requires brokers")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka reporter requires a topic")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultBatchTimeout
	}
	if cfg.Compression == "" {
		cfg.Compression = defaultCompression
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	switch cfg.Encoding {
	case "":
		cfg.Encoding = EncodingJSON
	case EncodingJSON, EncodingProtobuf:
	default:
		return nil, fmt.Errorf("invalid encoding: %s", cfg.Encoding)
	}

	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  cfg.MaxAttempts,
		Compression:  codec,
	}
	return newReporter(cfg, w, sources), nil
}

func newReporter(cfg Config, w messageWriter, sources SourcesFunc) *Reporter {
	return &Reporter{
		cfg:     cfg,
		writer:  w,
		sources: sources,
		queue:   make(chan Record, queueSize),
		log:     log.GetLogger().WithFields(map[string]interface{}{"reporter": "kafka", "topic": cfg.Topic}),
	}
}

func compressionCodec(name string) (compress.Compression, error) {
	switch name {
	case "none":
		return compress.None, nil
	case "gzip":
		return compress.Gzip, nil
	case "snappy":
		return compress.Snappy, nil
	case "lz4":
		return compress.Lz4, nil
	case "zstd":
		return compress.Zstd, nil
	default:
		return compress.None, fmt.Errorf("invalid compression type: %s", name)
	}
}

// ObserveSummary queues a buffering summary. It never blocks; records are
// dropped while Kafka is behind.
func (r *Reporter) ObserveSummary(s relay.Summary) {
	r.enqueue(Record{Type: "buffering", Node: r.cfg.Node, Time: s.At.UnixMilli(), Buffering: &s})
}

func (r *Reporter) enqueue(rec Record) {
	select {
	case r.queue <- rec:
	default:
		r.dropped.Add(1)
	}
}

// Run writes queued records and source snapshots until ctx is done, then
// closes the writer.
func (r *Reporter) Run(ctx context.Context) error {
	r.log.WithFields(map[string]interface{}{
		"brokers":     r.cfg.Brokers,
		"encoding":    r.cfg.Encoding,
		"compression": r.cfg.Compression,
	}).Info("kafka reporter started")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return r.close()
		case rec := <-r.queue:
			r.write(ctx, rec)
		case now := <-ticker.C:
			if r.sources != nil {
				r.write(ctx, Record{Type: "sources", Node: r.cfg.Node, Time: now.UnixMilli(), Sources: r.sources()})
			}
		}
	}
}

func (r *Reporter) write(ctx context.Context, rec Record) {
	value, err := r.encode(rec)
	if err != nil {
		r.errors.Add(1)
		r.log.WithError(err).Warn("serialize record failed")
		return
	}
	msg := kafka.Message{
		Key:     []byte(r.cfg.Node),
		Value:   value,
		Time:    time.UnixMilli(rec.Time),
		Headers: []kafka.Header{{Key: "type", Value: []byte(rec.Type)}},
	}
	if err := r.writer.WriteMessages(ctx, msg); err != nil {
		r.errors.Add(1)
		if ctx.Err() == nil {
			r.log.WithError(err).Warn("kafka write failed")
		}
		return
	}
	r.reported.Add(1)
}

func (r *Reporter) encode(rec Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if r.cfg.Encoding == EncodingJSON {
		return data, nil
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(st)
}

func (r *Reporter) close() error {
	err := r.writer.Close()
	r.log.WithFields(map[string]interface{}{
		"total_reported": r.reported.Load(),
		"total_errors":   r.errors.Load(),
		"total_dropped":  r.dropped.Load(),
	}).Info("kafka reporter stopped")
	return err
}
