package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/simple-ocr/internal/worker/domain"
	"github.com/cuongbtq/simple-ocr/internal/worker/metrics"
	"github.com/cuongbtq/simple-ocr/shared/logger"
	"github.com/cuongbtq/simple-ocr/shared/rabbitmq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentEvent struct {
	eventType string
	key       string
	envelope  domain.Envelope
}

type recordingSink struct {
	mu       sync.Mutex
	sent     []sentEvent
	failures int
	calls    int
	block    chan struct{}
}

func (s *recordingSink) Send(_ context.Context, eventType, key string, body []byte) error {
	if s.block != nil {
		<-s.block
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.failures > 0 {
		s.failures--
		return errors.New("broker unavailable")
	}

	var env domain.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return err
	}
	s.sent = append(s.sent, sentEvent{eventType: eventType, key: key, envelope: env})
	return nil
}

func (s *recordingSink) events() []sentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentEvent(nil), s.sent...)
}

func TestPublisher_PreservesOrder(t *testing.T) {
	sink := &recordingSink{}
	p := NewPublisher(sink, logger.NewDiscard())

	p.Publish(domain.EventTypeJobStarted, "j1", StartedPayload{JobID: "j1", ContentID: "c1"})
	for i := 1; i <= 3; i++ {
		p.Publish(domain.EventTypeJobProgress, "j1", ProgressPayload{JobID: "j1", PagesCompleted: i, TotalPages: 3})
	}
	p.Publish(domain.EventTypeJobCompleted, "j1", CompletedPayload{JobResult: domain.JobResult{JobID: "j1", Status: domain.ResultCompleted}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))

	sent := sink.events()
	require.Len(t, sent, 5)

	wantTypes := []string{
		domain.EventTypeJobStarted,
		domain.EventTypeJobProgress,
		domain.EventTypeJobProgress,
		domain.EventTypeJobProgress,
		domain.EventTypeJobCompleted,
	}
	for i, ev := range sent {
		assert.Equal(t, wantTypes[i], ev.eventType)
		assert.Equal(t, "j1", ev.key)
		assert.Equal(t, "j1", ev.envelope.Subject)
		assert.Equal(t, domain.SourceWorker, ev.envelope.Source)
		assert.Equal(t, domain.CloudEventsSpecVersion, ev.envelope.SpecVersion)
		assert.NotEmpty(t, ev.envelope.ID)
	}

	var progress ProgressPayload
	require.NoError(t, json.Unmarshal(sent[2].envelope.Data, &progress))
	assert.Equal(t, 2, progress.PagesCompleted)
}

func TestPublisher_DropsWhenBufferFull(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	m := metrics.New()
	p := NewPublisher(sink, logger.NewDiscard(), WithBufferSize(2), WithMetrics(m))

	// The first event is taken by the sender and blocks in Send; two fill the buffer
	p.Publish(domain.EventTypeJobStarted, "j1", nil)
	require.Eventually(t, func() bool { return len(p.queue) == 0 }, time.Second, time.Millisecond)
	p.Publish(domain.EventTypeJobProgress, "j1", nil)
	p.Publish(domain.EventTypeJobProgress, "j1", nil)

	start := time.Now()
	p.Publish(domain.EventTypeJobCompleted, "j1", nil)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "publish must not block")

	close(sink.block)
	require.NoError(t, p.Close(context.Background()))

	assert.Len(t, sink.events(), 3)
	assert.Equal(t, float64(1), eventsDropped(m))
}

func eventsDropped(m *metrics.Metrics) float64 {
	families, err := m.Registry().Gather()
	if err != nil {
		return -1
	}
	for _, f := range families {
		if f.GetName() == "ocr_events_dropped_total" {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestPublisher_RetriesSend(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		wantSent  int
		wantCalls int
	}{
		{name: "first attempt succeeds", failures: 0, wantSent: 1, wantCalls: 1},
		{name: "recovers on third attempt", failures: 2, wantSent: 1, wantCalls: 3},
		{name: "gives up after three attempts", failures: 5, wantSent: 0, wantCalls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{failures: tt.failures}
			p := NewPublisher(sink, logger.NewDiscard(), WithRetries(3, time.Millisecond))

			p.Publish(domain.EventTypeJobFailed, "j1", FailedPayload{JobID: "j1", ErrorKind: domain.KindTransient})
			require.NoError(t, p.Close(context.Background()))

			assert.Len(t, sink.events(), tt.wantSent)
			assert.Equal(t, tt.wantCalls, sink.calls)
		})
	}
}

func TestPublisher_PublishAfterCloseIsDropped(t *testing.T) {
	sink := &recordingSink{}
	p := NewPublisher(sink, logger.NewDiscard())
	require.NoError(t, p.Close(context.Background()))

	assert.NotPanics(t, func() {
		p.Publish(domain.EventTypeJobStarted, "j1", nil)
	})
	assert.Empty(t, sink.events())
	require.NoError(t, p.Close(context.Background()))
}

type fakeAMQP struct {
	routingKey string
	msg        rabbitmq.Message
}

func (f *fakeAMQP) Publish(_ context.Context, routingKey string, msg rabbitmq.Message) error {
	f.routingKey = routingKey
	f.msg = msg
	return nil
}

type fakeKafka struct {
	topic string
	key   string
	value []byte
}

func (f *fakeKafka) Write(_ context.Context, topic, key string, value []byte) error {
	f.topic = topic
	f.key = key
	f.value = value
	return nil
}

func TestSinks_Addressing(t *testing.T) {
	tests := []struct {
		name      string
		prefix    string
		eventType string
		want      string
	}{
		{name: "default prefix", eventType: domain.EventTypeJobCompleted, want: "ocr.events.completed"},
		{name: "custom prefix", prefix: "tenant-a.ocr", eventType: domain.EventTypeJobFailed, want: "tenant-a.ocr.failed"},
		{name: "dead lettered", eventType: domain.EventTypeJobDeadLettered, want: "ocr.events.deadlettered"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amqpClient := &fakeAMQP{}
			require.NoError(t, NewRabbitSink(amqpClient, tt.prefix).Send(context.Background(), tt.eventType, "j1", []byte(`{}`)))
			assert.Equal(t, tt.want, amqpClient.routingKey)
			assert.Equal(t, tt.eventType, amqpClient.msg.Type)
			assert.Equal(t, domain.ContentTypeJSON, amqpClient.msg.ContentType)

			writer := &fakeKafka{}
			require.NoError(t, NewKafkaSink(writer, tt.prefix).Send(context.Background(), tt.eventType, "j1", []byte(`{}`)))
			assert.Equal(t, tt.want, writer.topic)
			assert.Equal(t, "j1", writer.key)
		})
	}
}
