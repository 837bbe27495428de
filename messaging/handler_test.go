package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/typedmq/contracts"
	"github.com/glimte/typedmq/internal/brokertest"
	"github.com/glimte/typedmq/serialization"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runUntil runs the loop in the background and stops it once cond holds
func runUntil[T any](t *testing.T, consumer *Consumer[T], handler Handler[T], cond func() bool, options ...RunOption) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, consumer, handler, options...) }()

	require.Eventually(t, cond, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run loop did not stop")
	}
}

func TestRunSettlesHandlerOutcomes(t *testing.T) {
	_, ch := newTestBroker(t)
	publishRaw(t, ch, []byte("ok"), contracts.Properties{})
	publishRaw(t, ch, []byte("fail"), contracts.Properties{})

	consumer := NewBytesConsumer(ch, contracts.NewQueue("orders"))
	var seen []string
	handler := HandlerFunc[[]byte](func(_ context.Context, msg *contracts.Message[[]byte]) error {
		seen = append(seen, string(msg.Body()))
		if string(msg.Body()) == "fail" {
			return errors.New("handler failed")
		}
		return nil
	})

	runUntil(t, consumer, Handler[[]byte](handler), func() bool {
		return len(ch.Acks())+len(ch.Rejections()) == 2
	})

	assert.Equal(t, []string{"ok", "fail"}, seen)
	assert.Equal(t, []uint64{1}, ch.Acks())
	assert.Equal(t, []brokertest.Rejection{{DeliveryTag: 2, Requeue: false}}, ch.Rejections())
}

func TestRunRequeuesHandlerErrorsWhenAsked(t *testing.T) {
	_, ch := newTestBroker(t)
	publishRaw(t, ch, []byte("x"), contracts.Properties{})

	consumer := NewBytesConsumer(ch, contracts.NewQueue("orders"))
	attempts := 0
	handler := HandlerFunc[[]byte](func(_ context.Context, msg *contracts.Message[[]byte]) error {
		attempts++
		if !msg.Envelope().Redelivered {
			return errors.New("try again")
		}
		return nil
	})

	runUntil(t, consumer, Handler[[]byte](handler), func() bool {
		return len(ch.Acks()) == 1
	}, WithRequeueOnHandlerError(true))

	assert.Equal(t, 2, attempts)
	assert.Equal(t, []brokertest.Rejection{{DeliveryTag: 1, Requeue: true}}, ch.Rejections())
}

func TestRunDecodeFailurePolicies(t *testing.T) {
	noop := HandlerFunc[order](func(context.Context, *contracts.Message[order]) error { return nil })

	t.Run("reject by default", func(t *testing.T) {
		_, ch := newTestBroker(t)
		publishRaw(t, ch, []byte("not json"), contracts.Properties{})
		publishRaw(t, ch, []byte(`{"id":"o-1"}`), contracts.Properties{})

		consumer := NewConsumer[order](ch, contracts.NewQueue("orders"), serialization.NewJSONConverter[order]())
		runUntil(t, consumer, Handler[order](noop), func() bool {
			return len(ch.Acks()) == 1 && len(ch.Rejections()) == 1
		})

		assert.Equal(t, []brokertest.Rejection{{DeliveryTag: 1}}, ch.Rejections())
		assert.Equal(t, []uint64{2}, ch.Acks())
	})

	t.Run("requeue once", func(t *testing.T) {
		_, ch := newTestBroker(t)
		publishRaw(t, ch, []byte("not json"), contracts.Properties{})

		consumer := NewConsumer[order](ch, contracts.NewQueue("orders"), serialization.NewJSONConverter[order]())
		runUntil(t, consumer, Handler[order](noop), func() bool {
			return len(ch.Rejections()) == 2
		}, WithDecodeFailurePolicy(RequeueDecodeFailures()))

		assert.Equal(t, []brokertest.Rejection{
			{DeliveryTag: 1, Requeue: true},
			{DeliveryTag: 2, Requeue: false},
		}, ch.Rejections())
	})

	t.Run("dead letter keeps bytes and context", func(t *testing.T) {
		broker, ch := newTestBroker(t)
		broker.DeclareQueue("orders.dlq")
		broker.Bind("orders.dlq", "dlx", "orders.dlq")

		props := contracts.NewPropertiesBuilder().
			SetContentEncoding("deflate").
			SetCorrelationID("c-9").
			Build()
		publishRaw(t, ch, deflate(t, []byte("not json")), props)

		dlq := NewBytesPublisher(ch, contracts.NewExchange("dlx"))
		consumer := NewConsumer[order](ch, contracts.NewQueue("orders"), serialization.NewJSONConverter[order]())
		runUntil(t, consumer, Handler[order](noop), func() bool {
			return len(ch.Acks()) == 1
		}, WithDecodeFailurePolicy(DeadLetterDecodeFailures(dlq, "orders.dlq")))

		dead, err := NewBytesConsumer(ch, contracts.NewQueue("orders.dlq")).NextMessageTimeout(context.Background(), time.Second)
		require.NoError(t, err)
		require.NotNil(t, dead)

		assert.Equal(t, []byte("not json"), dead.Body())
		assert.Empty(t, dead.Properties().ContentEncoding())
		assert.Equal(t, "c-9", dead.Properties().CorrelationID())
		origin, _ := dead.Properties().HeaderString(HeaderOriginalExchange)
		assert.Equal(t, "ex", origin)
		key, _ := dead.Properties().HeaderString(HeaderOriginalRoutingKey)
		assert.Equal(t, "r1", key)
		reason, _ := dead.Properties().HeaderString(HeaderDecodeError)
		assert.Contains(t, reason, "unmarshal json")
	})

	t.Run("dead letter keeps compressed bytes when inflation failed", func(t *testing.T) {
		broker, ch := newTestBroker(t)
		broker.DeclareQueue("orders.dlq")

		props := contracts.NewPropertiesBuilder().SetContentEncoding("deflate").Build()
		publishRaw(t, ch, []byte("garbage"), props)

		dlq := NewBytesPublisher(ch, contracts.NewExchange(""))
		consumer := NewBytesConsumer(ch, contracts.NewQueue("orders"))
		runUntil(t, consumer, Handler[[]byte](HandlerFunc[[]byte](func(context.Context, *contracts.Message[[]byte]) error { return nil })),
			func() bool { return len(ch.Acks()) == 1 },
			WithDecodeFailurePolicy(DeadLetterDecodeFailures(dlq, "orders.dlq")))

		assert.Equal(t, 1, broker.Depth("orders.dlq"))
		dead, err := NewBytesConsumer(ch, contracts.NewQueue("orders.dlq")).NextMessage(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []byte("garbage"), dead.Body())
		assert.Equal(t, "deflate", dead.Properties().ContentEncoding())
	})

	t.Run("failed dead letter requeues the original", func(t *testing.T) {
		_, ch := newTestBroker(t)
		publishRaw(t, ch, []byte("not json"), contracts.Properties{})
		ch.FailPublish(errors.New("exchange gone"))

		dlq := NewBytesPublisher(ch, contracts.NewExchange("dlx"))
		consumer := NewConsumer[order](ch, contracts.NewQueue("orders"), serialization.NewJSONConverter[order]())
		runUntil(t, consumer, Handler[order](noop), func() bool {
			return len(ch.Rejections()) >= 1
		}, WithDecodeFailurePolicy(DeadLetterDecodeFailures(dlq, "")))

		assert.Equal(t, brokertest.Rejection{DeliveryTag: 1, Requeue: true}, ch.Rejections()[0])
		assert.Empty(t, ch.Acks())
	})
}

func TestRunStopsOnCancelAndTransportErrors(t *testing.T) {
	t.Run("drained cancelled consumer", func(t *testing.T) {
		_, ch := newTestBroker(t)
		consumer := NewBytesConsumer(ch, contracts.NewQueue("orders"))
		_, err := consumer.NextMessageTimeout(context.Background(), time.Millisecond)
		require.NoError(t, err)
		require.NoError(t, consumer.Cancel(context.Background()))

		err = Run(context.Background(), consumer, Handler[[]byte](HandlerFunc[[]byte](func(context.Context, *contracts.Message[[]byte]) error { return nil })))
		assert.NoError(t, err)
	})

	t.Run("subscribe failure", func(t *testing.T) {
		_, ch := newTestBroker(t)
		ch.FailConsume(errors.New("ACCESS_REFUSED"))
		consumer := NewBytesConsumer(ch, contracts.NewQueue("orders"))

		err := Run(context.Background(), consumer, Handler[[]byte](HandlerFunc[[]byte](func(context.Context, *contracts.Message[[]byte]) error { return nil })))
		assert.True(t, contracts.IsTransportError(err))
	})
}
