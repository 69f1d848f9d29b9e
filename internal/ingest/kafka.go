package ingest

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig selects the topic carrying JSON position reports.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource consumes position reports from a Kafka topic.
type KafkaSource struct {
	reader  messageReader
	topic   string
	log     *zap.Logger
	backoff time.Duration
}

func NewKafkaSource(cfg KafkaConfig, log *zap.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic must not be empty")
	}
	if log == nil {
		log = zap.NewNop()
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return newKafkaSource(reader, cfg.Topic, log), nil
}

func newKafkaSource(reader messageReader, topic string, log *zap.Logger) *KafkaSource {
	return &KafkaSource{reader: reader, topic: topic, log: log, backoff: time.Second}
}

// Run forwards every decodable message to sink until ctx is done. Messages
// are committed whether or not they decode; a poison message is logged once.
func (k *KafkaSource) Run(ctx context.Context, sink Sink) error {
	defer func() {
		if err := k.reader.Close(); err != nil {
			k.log.Error("kafka_reader_close", zap.Error(err))
		}
	}()
	k.log.Info("kafka_consumer_start", zap.String("topic", k.topic))

	backoff := k.backoff
	for {
		msg, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				k.log.Info("kafka_consumer_stop")
				return nil
			}
			k.log.Error("kafka_fetch", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = k.backoff

		r, err := DecodeReport(msg.Value)
		if err != nil {
			k.log.Warn("kafka_decode", zap.Int64("offset", msg.Offset), zap.Error(err))
		} else if err := sink.Report(r); err != nil {
			k.log.Warn("kafka_report", zap.String("user_id", r.UserID), zap.Error(err))
		}
		if err := k.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			k.log.Error("kafka_commit", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}
