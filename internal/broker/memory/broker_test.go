package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/markdown-scraper/internal/broker"
)

func openChannel(t *testing.T, b *Broker) (broker.Connection, broker.Channel) {
	t.Helper()
	conn, err := b.Dial(context.Background())
	require.NoError(t, err)
	ch, err := conn.Channel()
	require.NoError(t, err)
	return conn, ch
}

func receive(t *testing.T, deliveries <-chan amqp.Delivery) amqp.Delivery {
	t.Helper()
	select {
	case d, ok := <-deliveries:
		require.True(t, ok, "delivery channel closed")
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
		return amqp.Delivery{}
	}
}

func requireNoDelivery(t *testing.T, deliveries <-chan amqp.Delivery) {
	t.Helper()
	select {
	case d := <-deliveries:
		t.Fatalf("unexpected delivery %q", d.Body)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishConsumeCarriesProperties(t *testing.T) {
	t.Parallel()

	b := New()
	_, ch := openChannel(t, b)
	q, err := ch.QueueDeclare("work", true, false, false, false, nil)
	require.NoError(t, err)
	require.Equal(t, "work", q.Name)

	deliveries, err := ch.Consume("work", "", false, false, false, false, nil)
	require.NoError(t, err)

	require.NoError(t, ch.PublishWithContext(context.Background(), "", "work", false, false, amqp.Publishing{
		CorrelationId: "corr-1",
		ReplyTo:       "replies",
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Body:          []byte(`{"url":"https://example.com"}`),
	}))

	d := receive(t, deliveries)
	require.Equal(t, "corr-1", d.CorrelationId)
	require.Equal(t, "replies", d.ReplyTo)
	require.Equal(t, "application/json", d.ContentType)
	require.Equal(t, amqp.Persistent, d.DeliveryMode)
	require.False(t, d.Redelivered)
	require.NoError(t, d.Ack(false))

	settled := b.Settlements()
	require.Len(t, settled, 1)
	require.True(t, settled[0].Ack)
	require.Equal(t, "corr-1", settled[0].CorrelationID)
}

func TestGeneratedQueueNamesAreUnique(t *testing.T) {
	t.Parallel()

	b := New()
	_, ch := openChannel(t, b)
	q1, err := ch.QueueDeclare("", false, true, true, false, nil)
	require.NoError(t, err)
	q2, err := ch.QueueDeclare("", false, true, true, false, nil)
	require.NoError(t, err)
	require.NotEmpty(t, q1.Name)
	require.NotEqual(t, q1.Name, q2.Name)
}

func TestPrefetchLimitsUnacked(t *testing.T) {
	t.Parallel()

	b := New()
	_, ch := openChannel(t, b)
	_, err := ch.QueueDeclare("work", true, false, false, false, nil)
	require.NoError(t, err)
	require.NoError(t, ch.Qos(1, 0, false))
	deliveries, err := ch.Consume("work", "", false, false, false, false, nil)
	require.NoError(t, err)

	b.Enqueue("work", amqp.Publishing{Body: []byte("one")})
	b.Enqueue("work", amqp.Publishing{Body: []byte("two")})

	first := receive(t, deliveries)
	require.Equal(t, "one", string(first.Body))
	requireNoDelivery(t, deliveries)

	require.NoError(t, first.Ack(false))
	second := receive(t, deliveries)
	require.Equal(t, "two", string(second.Body))
}

func TestNackWithoutRequeueDrops(t *testing.T) {
	t.Parallel()

	b := New()
	_, ch := openChannel(t, b)
	_, err := ch.QueueDeclare("work", true, false, false, false, nil)
	require.NoError(t, err)
	deliveries, err := ch.Consume("work", "", false, false, false, false, nil)
	require.NoError(t, err)

	b.Enqueue("work", amqp.Publishing{Body: []byte("poison")})
	d := receive(t, deliveries)
	require.NoError(t, d.Nack(false, false))
	requireNoDelivery(t, deliveries)
	require.Zero(t, b.Ready("work"))

	settled := b.Settlements()
	require.Len(t, settled, 1)
	require.False(t, settled[0].Ack)
	require.False(t, settled[0].Requeue)
}

func TestNackWithRequeueRedelivers(t *testing.T) {
	t.Parallel()

	b := New()
	_, ch := openChannel(t, b)
	_, err := ch.QueueDeclare("work", true, false, false, false, nil)
	require.NoError(t, err)
	deliveries, err := ch.Consume("work", "", false, false, false, false, nil)
	require.NoError(t, err)

	b.Enqueue("work", amqp.Publishing{Body: []byte("again")})
	d := receive(t, deliveries)
	require.NoError(t, d.Reject(true))

	again := receive(t, deliveries)
	require.Equal(t, "again", string(again.Body))
	require.True(t, again.Redelivered)
}

func TestDoubleAckFails(t *testing.T) {
	t.Parallel()

	b := New()
	_, ch := openChannel(t, b)
	_, err := ch.QueueDeclare("work", true, false, false, false, nil)
	require.NoError(t, err)
	deliveries, err := ch.Consume("work", "", false, false, false, false, nil)
	require.NoError(t, err)

	b.Enqueue("work", amqp.Publishing{Body: []byte("x")})
	d := receive(t, deliveries)
	require.NoError(t, d.Ack(false))

	var amqpErr *amqp.Error
	require.ErrorAs(t, d.Nack(false, false), &amqpErr)
	require.Equal(t, amqp.PreconditionFailed, amqpErr.Code)
}

func TestExclusiveQueueRemovedWithConnection(t *testing.T) {
	t.Parallel()

	b := New()
	conn, ch := openChannel(t, b)
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	require.NoError(t, err)
	require.True(t, b.QueueExists(q.Name))

	_, other := openChannel(t, b)
	_, err = other.QueueDeclare(q.Name, false, true, true, false, nil)
	require.Error(t, err)

	require.NoError(t, conn.Close())
	require.False(t, b.QueueExists(q.Name))
}

func TestUnroutablePublishIsDropped(t *testing.T) {
	t.Parallel()

	b := New()
	_, ch := openChannel(t, b)
	require.NoError(t, ch.PublishWithContext(context.Background(), "", "nowhere", false, false, amqp.Publishing{Body: []byte("x")}))
	require.False(t, b.QueueExists("nowhere"))
	require.Len(t, b.PublishedTo("nowhere"), 1)
}

func TestDropConnectionsNotifiesAndRequeues(t *testing.T) {
	t.Parallel()

	b := New()
	conn, ch := openChannel(t, b)
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	_, err := ch.QueueDeclare("work", true, false, false, false, nil)
	require.NoError(t, err)
	deliveries, err := ch.Consume("work", "", false, false, false, false, nil)
	require.NoError(t, err)
	b.Enqueue("work", amqp.Publishing{Body: []byte("inflight")})
	receive(t, deliveries)

	b.DropConnections()

	reason := <-connClosed
	require.NotNil(t, reason)
	require.Equal(t, amqp.ConnectionForced, reason.Code)
	require.NotNil(t, <-chClosed)

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-deliveries:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, 1, b.Ready("work"))
	_, err = conn.Channel()
	require.ErrorIs(t, err, amqp.ErrClosed)
}

func TestPublishHookAndDialError(t *testing.T) {
	t.Parallel()

	b := New()
	boom := errors.New("boom")
	b.SetPublishHook(func(key string, _ amqp.Publishing) error {
		if key == "blocked" {
			return boom
		}
		return nil
	})
	_, ch := openChannel(t, b)
	require.ErrorIs(t, ch.PublishWithContext(context.Background(), "", "blocked", false, false, amqp.Publishing{}), boom)
	require.NoError(t, ch.PublishWithContext(context.Background(), "", "open", false, false, amqp.Publishing{}))

	b.SetDialError(boom)
	_, err := b.Dial(context.Background())
	require.ErrorIs(t, err, boom)
	require.Equal(t, 2, b.Dials())
}
