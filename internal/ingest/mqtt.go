package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTConfig selects the broker and topic filter beacons publish to.
type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
	QoS      byte
}

// MQTTSource subscribes to beacon position reports.
type MQTTSource struct {
	client mqtt.Client
	topic  string
	qos    byte
	log    *zap.Logger
}

func NewMQTTSource(cfg MQTTConfig, log *zap.Logger) (*MQTTSource, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker must not be empty")
	}
	if cfg.Topic == "" {
		return nil, errors.New("mqtt topic must not be empty")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("marauderd-%d", time.Now().UnixNano())
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn("mqtt_connection_lost", zap.Error(err))
		})
	return &MQTTSource{
		client: mqtt.NewClient(opts),
		topic:  cfg.Topic,
		qos:    cfg.QoS,
		log:    log,
	}, nil
}

// Run connects, subscribes and forwards reports to sink until ctx is done.
func (s *MQTTSource) Run(ctx context.Context, sink Sink) error {
	if tok := s.client.Connect(); tok.Wait() && tok.Error() != nil {
		return errors.Wrap(tok.Error(), "mqtt connect")
	}
	defer s.client.Disconnect(250)

	if tok := s.client.Subscribe(s.topic, s.qos, s.handler(sink)); tok.Wait() && tok.Error() != nil {
		return errors.Wrapf(tok.Error(), "mqtt subscribe %s", s.topic)
	}
	s.log.Info("mqtt_subscribed", zap.String("topic", s.topic))

	<-ctx.Done()
	if tok := s.client.Unsubscribe(s.topic); tok.Wait() && tok.Error() != nil {
		s.log.Warn("mqtt_unsubscribe", zap.Error(tok.Error()))
	}
	return nil
}

func (s *MQTTSource) handler(sink Sink) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		r, err := DecodeReport(msg.Payload())
		if err != nil {
			s.log.Warn("mqtt_decode", zap.String("topic", msg.Topic()), zap.Error(err))
			return
		}
		if err := sink.Report(r); err != nil {
			s.log.Warn("mqtt_report", zap.String("user_id", r.UserID), zap.Error(err))
		}
	}
}
