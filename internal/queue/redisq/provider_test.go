package redisq

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookbridge/hookbridge/internal/queue"
)

func newTestProvider(t *testing.T) (*Provider, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewWithClient(client), mr
}

func TestSendReceiveAck(t *testing.T) {
	p, mr := newTestProvider(t)
	ctx := context.Background()

	id, err := p.Send(ctx, "events", &queue.Message{
		Body:       []byte(`{"hello":"world"}`),
		SessionKey: "acme/widgets",
		Attributes: map[string]string{"provider": "github"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	d, err := p.Receive(ctx, "events", queue.ReceiveOptions{Wait: time.Second})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, id, d.MessageID)
	assert.Equal(t, []byte(`{"hello":"world"}`), d.Body)
	assert.Equal(t, "acme/widgets", d.SessionKey)
	assert.Equal(t, "github", d.Attributes["provider"])

	// Message parked in processing until acked.
	processing, err := mr.List("hookbridge:q:events:processing")
	require.NoError(t, err)
	assert.Len(t, processing, 1)

	require.NoError(t, p.Ack(ctx, d.Receipt))
	processing, err = mr.List("hookbridge:q:events:processing")
	assert.True(t, err != nil || len(processing) == 0)
}

func TestReceiveTimeout(t *testing.T) {
	p, _ := newTestProvider(t)

	start := time.Now()
	d, err := p.Receive(context.Background(), "empty", queue.ReceiveOptions{Wait: 100 * time.Millisecond})
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestReceiveContextCancel(t *testing.T) {
	p, _ := newTestProvider(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := p.Receive(ctx, "empty", queue.ReceiveOptions{Wait: 5 * time.Second})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFIFOAcrossMessages(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()

	for _, body := range []string{"one", "two", "three"} {
		_, err := p.Send(ctx, "events", &queue.Message{Body: []byte(body)})
		require.NoError(t, err)
	}

	for _, want := range []string{"one", "two", "three"} {
		d, err := p.Receive(ctx, "events", queue.ReceiveOptions{Wait: time.Second})
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, want, string(d.Body))
		require.NoError(t, p.Ack(ctx, d.Receipt))
	}
}

func TestDeadLetter(t *testing.T) {
	p, mr := newTestProvider(t)
	ctx := context.Background()

	_, err := p.Send(ctx, "events", &queue.Message{Body: []byte("doomed")})
	require.NoError(t, err)

	d, err := p.Receive(ctx, "events", queue.ReceiveOptions{Wait: time.Second})
	require.NoError(t, err)
	require.NotNil(t, d)

	require.NoError(t, p.DeadLetter(ctx, d.Receipt, "retries exhausted"))

	processing, err := mr.List("hookbridge:q:events:processing")
	assert.True(t, err != nil || len(processing) == 0)

	dead, err := mr.List("hookbridge:q:events:dead")
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0], "retries exhausted")
}

func TestAckStaleReceipt(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()

	_, err := p.Send(ctx, "events", &queue.Message{Body: []byte("once")})
	require.NoError(t, err)

	d, err := p.Receive(ctx, "events", queue.ReceiveOptions{Wait: time.Second})
	require.NoError(t, err)
	require.NoError(t, p.Ack(ctx, d.Receipt))

	err = p.Ack(ctx, d.Receipt)
	assert.ErrorIs(t, err, queue.ErrStaleReceipt)
}

func TestCapabilities(t *testing.T) {
	p, _ := newTestProvider(t)
	assert.False(t, p.Capabilities().SessionOrdering)
	assert.Equal(t, "redis", p.Name())
}

func TestHealth(t *testing.T) {
	p, mr := newTestProvider(t)
	assert.NoError(t, p.Health(context.Background()))

	mr.Close()
	assert.Error(t, p.Health(context.Background()))
}
