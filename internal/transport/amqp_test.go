package transport

import (
	"context"
	"os"
	"testing"
	"time"

	"novelty-server/internal/config"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dialTestBroker connects to NOVELTY_AMQP_URL, or the default broker URL, and
// skips the test when no broker answers.
func dialTestBroker(t *testing.T) *AMQP {
	t.Helper()
	url := os.Getenv("NOVELTY_AMQP_URL")
	if url == "" {
		url = config.Default().Broker.URL
	}
	a, err := DialAMQP(url, "/")
	if err != nil {
		t.Skipf("skipping broker test: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func deleteQueue(t *testing.T, a *AMQP, queue string) {
	t.Helper()
	t.Cleanup(func() {
		ch, err := a.conn.Channel()
		if err != nil {
			return
		}
		defer ch.Close()
		_, _ = ch.QueueDelete(queue, false, false, false)
	})
}

func TestAMQPAcksDeliveryWhenHandlerUnsubscribes(t *testing.T) {
	a := dialTestBroker(t)
	ctx := context.Background()
	queue := "novelty.test." + uuid.NewString()
	deleteQueue(t, a, queue)

	first := make(chan string, 4)
	require.NoError(t, a.Subscribe(queue, QueueOptions{}, func(_ context.Context, d Delivery) {
		assert.NoError(t, a.Unsubscribe(queue))
		first <- string(d.Body)
	}))
	require.NoError(t, a.Publish(ctx, queue, Publishing{Body: []byte("one")}))

	select {
	case body := <-first:
		assert.Equal(t, "one", body)
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery")
	}

	// let the consumer drain and ack before subscribing again
	time.Sleep(200 * time.Millisecond)
	second := make(chan string, 4)
	require.Eventually(t, func() bool {
		return a.Subscribe(queue, QueueOptions{}, func(_ context.Context, d Delivery) { second <- string(d.Body) }) == nil
	}, 2*time.Second, 50*time.Millisecond)
	require.NoError(t, a.Publish(ctx, queue, Publishing{Body: []byte("two")}))

	select {
	case body := <-second:
		assert.Equal(t, "two", body, "acked delivery came back")
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery after resubscribing")
	}
	assert.Len(t, first, 0)
}

func TestAMQPPublishCarriesProperties(t *testing.T) {
	a := dialTestBroker(t)
	queue := "novelty.test." + uuid.NewString()
	deleteQueue(t, a, queue)

	got := make(chan Delivery, 1)
	require.NoError(t, a.Subscribe(queue, QueueOptions{}, func(_ context.Context, d Delivery) { got <- d }))
	require.NoError(t, a.Publish(context.Background(), queue, Publishing{Body: []byte("x"), CorrelationID: "c-1", ReplyTo: "back"}))

	select {
	case d := <-got:
		assert.Equal(t, queue, d.Queue)
		assert.Equal(t, "c-1", d.CorrelationID)
		assert.Equal(t, "back", d.ReplyTo)
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery")
	}
}
