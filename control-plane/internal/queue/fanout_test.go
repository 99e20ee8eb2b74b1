package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deploy-relay/control-plane/internal/logstream"
)

type recordingPublisher struct {
	exchange string
	msgs     []amqp.Publishing
	err      error
}

func (r *recordingPublisher) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if r.err != nil {
		return r.err
	}
	r.exchange = exchange
	r.msgs = append(r.msgs, msg)
	return nil
}

func TestBusEmitPublishesJSON(t *testing.T) {
	rec := &recordingPublisher{}
	bus := &Bus{pub: rec, exchange: "deploy.logs"}

	ev := logstream.Event{BuildID: 42, Stage: "build", Message: "starting"}
	require.NoError(t, bus.Emit(context.Background(), ev))

	require.Len(t, rec.msgs, 1)
	assert.Equal(t, "deploy.logs", rec.exchange)
	assert.Equal(t, "application/json", rec.msgs[0].ContentType)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.msgs[0].Body, &got))
	assert.Equal(t, map[string]any{"deploy_id": float64(42), "stage": "build", "log": "starting"}, got)
}

func TestBusEmitRejectsInvalidEvent(t *testing.T) {
	rec := &recordingPublisher{}
	bus := &Bus{pub: rec, exchange: "x"}

	err := bus.Emit(context.Background(), logstream.Event{Stage: "build"})
	assert.ErrorIs(t, err, logstream.ErrInvalidEvent)
	assert.Empty(t, rec.msgs)
}

func TestBusEmitWrapsPublishError(t *testing.T) {
	bus := &Bus{pub: &recordingPublisher{err: errors.New("channel closed")}, exchange: "x"}
	err := bus.Emit(context.Background(), logstream.Event{BuildID: 1, Stage: "s"})
	assert.ErrorContains(t, err, "channel closed")
}

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"deploy_id":7,"stage":"test","log":"ok"}`))
	require.NoError(t, err)
	assert.Equal(t, logstream.Event{BuildID: 7, Stage: "test", Message: "ok"}, ev)

	_, err = DecodeEvent([]byte(`not json`))
	assert.Error(t, err)

	_, err = DecodeEvent([]byte(`{"deploy_id":0,"stage":"test"}`))
	assert.ErrorIs(t, err, logstream.ErrInvalidEvent)
}

func TestBarrierCrossesTheBus(t *testing.T) {
	rec := &recordingPublisher{}
	bus := &Bus{pub: rec, exchange: "deploy.logs"}

	ev := logstream.Event{BuildID: 3, Stage: "archive", Barrier: "b-1"}
	require.NoError(t, bus.Emit(context.Background(), ev))
	require.Len(t, rec.msgs, 1)

	got, err := DecodeEvent(rec.msgs[0].Body)
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestConsumerQueueName(t *testing.T) {
	c := &Consumer{queueName: "amq.gen-abc"}
	assert.Equal(t, "amq.gen-abc", c.QueueName())
}
