package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/celerix-dev/marauder/internal/config"
	"github.com/celerix-dev/marauder/internal/ingest"
)

// source is an optional report feed started alongside the ingestion loop.
type source struct {
	name string
	run  func(ctx context.Context, sink ingest.Sink) error
}

// buildSources constructs the configured Kafka and MQTT feeds. Nothing is
// started, so a configuration error leaves no goroutine behind.
func buildSources(cfg *config.Config, log *zap.Logger) ([]source, error) {
	var out []source
	if len(cfg.Kafka.Brokers) > 0 {
		src, err := ingest.NewKafkaSource(ingest.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		}, log.Named("kafka"))
		if err != nil {
			return nil, err
		}
		out = append(out, source{name: "kafka", run: src.Run})
	}
	if cfg.MQTT.Broker != "" {
		src, err := ingest.NewMQTTSource(ingest.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
			QoS:      byte(cfg.MQTT.QoS),
		}, log.Named("mqtt"))
		if err != nil {
			return nil, err
		}
		out = append(out, source{name: "mqtt", run: src.Run})
	}
	return out, nil
}
