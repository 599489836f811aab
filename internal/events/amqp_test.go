package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/watzon/funcbox/internal/config"
)

type ackRecorder struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (a *ackRecorder) Ack(uint64, bool) error { a.acked = true; return nil }

func (a *ackRecorder) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked, a.requeue = true, requeue
	return nil
}

func (a *ackRecorder) Reject(_ uint64, requeue bool) error {
	a.nacked, a.requeue = true, requeue
	return nil
}

type publisherFunc func(ctx context.Context, event *Event) error

func (f publisherFunc) Publish(ctx context.Context, event *Event) error { return f(ctx, event) }

func delivery(key, body string) (amqp.Delivery, *ackRecorder) {
	ack := &ackRecorder{}
	return amqp.Delivery{
		Acknowledger:  ack,
		RoutingKey:    key,
		Body:          []byte(body),
		CorrelationId: "corr-1",
	}, ack
}

func TestAMQPSource_PublishesAndAcks(t *testing.T) {
	var mu sync.Mutex
	var got []*Event
	src := NewAMQPSource(config.AMQPConfig{Queue: "funcbox"}, publisherFunc(func(_ context.Context, ev *Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
		return nil
	}))

	msg, ack := delivery("Order.created", `{"total": 150}`)
	src.handle(context.Background(), msg)

	require.True(t, ack.acked)
	require.False(t, ack.nacked)
	require.Len(t, got, 1)
	require.Equal(t, "Order", got[0].Object)
	require.Equal(t, "created", got[0].Action)
	require.Equal(t, 150.0, got[0].Payload["total"])
	require.Equal(t, SourceAMQP, got[0].Source)
	require.Equal(t, "corr-1", got[0].RequestID)
}

func TestAMQPSource_RejectsMalformed(t *testing.T) {
	src := NewAMQPSource(config.AMQPConfig{Queue: "funcbox"}, publisherFunc(func(context.Context, *Event) error {
		t.Fatal("malformed messages must not be published")
		return nil
	}))

	for _, tc := range []struct{ key, body string }{
		{"Order", `{}`},
		{".created", `{}`},
		{"Order.created", `[1, 2]`},
		{"Order.created", `not json`},
	} {
		msg, ack := delivery(tc.key, tc.body)
		src.handle(context.Background(), msg)
		require.True(t, ack.nacked, "%s %s", tc.key, tc.body)
		require.False(t, ack.requeue)
		require.False(t, ack.acked)
	}
}

func TestAMQPSource_RequeuesOnPublishFailure(t *testing.T) {
	src := NewAMQPSource(config.AMQPConfig{Queue: "funcbox"}, publisherFunc(func(context.Context, *Event) error {
		return errors.New("database is locked")
	}))

	msg, ack := delivery("Order.created", ``)
	src.handle(context.Background(), msg)
	require.True(t, ack.nacked)
	require.True(t, ack.requeue)
}
