package ingest

import (
	"context"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/celerix-dev/marauder/pkg/schema"
)

type sliceSink struct {
	mu      sync.Mutex
	reports []schema.LocationReport
}

func (s *sliceSink) Report(r schema.LocationReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

type fakeReader struct {
	msgs      []kafka.Message
	committed []int64
	closed    bool
	cancel    context.CancelFunc
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.msgs) == 0 {
		f.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

func TestKafkaSourceForwardsAndCommits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader := &fakeReader{
		cancel: cancel,
		msgs: []kafka.Message{
			{Offset: 1, Value: []byte(`{"user_id":"u1","building":"Library"}`)},
			{Offset: 2, Value: []byte(`not json`)},
			{Offset: 3, Value: []byte(`{"user_id":"u2","building":"Engineering"}`)},
		},
	}
	sink := &sliceSink{}

	src := newKafkaSource(reader, "positions", zap.NewNop())
	require.NoError(t, src.Run(ctx, sink))

	require.Len(t, sink.reports, 2)
	assert.Equal(t, "u1", sink.reports[0].UserID)
	assert.Equal(t, "u2", sink.reports[1].UserID)
	assert.Equal(t, []int64{1, 2, 3}, reader.committed, "poison messages are committed")
	assert.True(t, reader.closed)
}

func TestNewSourcesValidateConfig(t *testing.T) {
	_, err := NewKafkaSource(KafkaConfig{Topic: "t"}, nil)
	assert.Error(t, err)
	_, err = NewKafkaSource(KafkaConfig{Brokers: []string{"localhost:9092"}}, nil)
	assert.Error(t, err)
	_, err = NewMQTTSource(MQTTConfig{Topic: "t"}, nil)
	assert.Error(t, err)
	_, err = NewMQTTSource(MQTTConfig{Broker: "tcp://localhost:1883"}, nil)
	assert.Error(t, err)
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type rejectingSink struct{ calls int }

func (s *rejectingSink) Report(schema.LocationReport) error {
	s.calls++
	return errors.New("rejected")
}

func TestMQTTHandler(t *testing.T) {
	src, err := NewMQTTSource(MQTTConfig{Broker: "tcp://localhost:1883", Topic: "campus/+/position"}, nil)
	require.NoError(t, err)

	sink := &sliceSink{}
	h := src.handler(sink)
	h(nil, fakeMessage{topic: "campus/b1/position", payload: []byte(`{"user_id":"u1","building":"Library","room":"A"}`)})
	h(nil, fakeMessage{topic: "campus/b1/position", payload: []byte(`{}`)})
	require.Len(t, sink.reports, 1)
	assert.Equal(t, "A", sink.reports[0].Room)

	rs := &rejectingSink{}
	assert.NotPanics(t, func() {
		src.handler(rs)(nil, fakeMessage{payload: []byte(`{"user_id":"u1","building":"Library"}`)})
	})
	assert.Equal(t, 1, rs.calls)
}
