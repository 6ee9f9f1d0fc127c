package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"hopper/internal/jobs"
	"hopper/internal/model"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAcknowledger struct {
	mu      sync.Mutex
	acks    int
	rejects []bool
}

func (f *fakeAcknowledger) Ack(_ uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks++
	return nil
}

func (f *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejects = append(f.rejects, requeue)
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

type fakeClient struct {
	deliveries chan amqp.Delivery
}

func (f *fakeClient) Close() error { return nil }

func (f *fakeClient) DeclareTopology([]model.Kind) error { return nil }

func (f *fakeClient) Publish(string, string, []byte, amqp.Table) error { return nil }

func (f *fakeClient) PublishWork(context.Context, model.WorkMessage) error { return nil }

func (f *fakeClient) Health() error { return nil }

func (f *fakeClient) Consume(string, string) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

// runOne feeds a single delivery through the consumer; Run returns once the
// channel drains.
func runOne(t *testing.T, body []byte, handlerErr error) *fakeAcknowledger {
	t.Helper()

	ack := &fakeAcknowledger{}
	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- amqp.Delivery{Acknowledger: ack, Body: body}
	close(deliveries)

	registry := NewRegistry(&stubHandler{kind: model.KindMbox, err: handlerErr})
	c := NewConsumer(&fakeClient{deliveries: deliveries}, registry)
	c.requeueDelay = 0

	require.NoError(t, c.Run(context.Background(), model.KindMbox, "test"))
	return ack
}

func workBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(model.WorkMessage{JobID: "j1", Kind: model.KindMbox})
	require.NoError(t, err)
	return body
}

func TestRunAcksHandledDeliveries(t *testing.T) {
	ack := runOne(t, workBody(t), nil)

	assert.Equal(t, 1, ack.acks)
	assert.Empty(t, ack.rejects)
}

func TestRunAcksRecordedFailures(t *testing.T) {
	// The handler already wrote the failure into the job record, so the
	// delivery has nothing left to carry.
	ack := runOne(t, workBody(t), errors.New("extraction failed"))

	assert.Equal(t, 1, ack.acks)
	assert.Empty(t, ack.rejects)
}

func TestRunRequeuesTransientFailures(t *testing.T) {
	ack := runOne(t, workBody(t), jobs.Transient(errors.New("job store unreachable")))

	assert.Zero(t, ack.acks)
	require.Len(t, ack.rejects, 1)
	assert.True(t, ack.rejects[0], "transient failure must requeue")
}

func TestRunRejectsUnparseableMessages(t *testing.T) {
	ack := runOne(t, []byte("not json"), nil)

	assert.Zero(t, ack.acks)
	require.Len(t, ack.rejects, 1)
	assert.False(t, ack.rejects[0], "poison message must not requeue")
}
