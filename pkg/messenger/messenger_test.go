package messenger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	m := New()
	m.Start()
	defer m.Stop()

	sub := m.Subscribe("processes.abc.status")
	defer m.Unsubscribe("processes.abc.status", sub)

	m.Publish(context.Background(), "processes.abc.status", []byte("enqueued"))

	select {
	case msg := <-sub:
		assert.Equal(t, "enqueued", string(msg.Payload))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m := New()
	m.Start()
	defer m.Stop()

	sub := m.Subscribe("topic")
	m.Unsubscribe("topic", sub)

	m.Publish(context.Background(), "topic", []byte("x"))
	time.Sleep(50 * time.Millisecond)

	_, ok := <-sub
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestStreamPullAdvancesCursor(t *testing.T) {
	s := NewStream("queue")
	seq0 := s.Append([]byte("a"))
	s.Append([]byte("b"))
	s.Append([]byte("c"))
	require.Equal(t, uint64(0), seq0)

	first := s.Pull("consumer-1", 2)
	require.Len(t, first, 2)
	assert.Equal(t, "a", string(first[0].Payload))
	assert.Equal(t, "b", string(first[1].Payload))

	second := s.Pull("consumer-1", 2)
	require.Len(t, second, 1)
	assert.Equal(t, "c", string(second[0].Payload))

	assert.Empty(t, s.Pull("consumer-1", 2))
}

func TestStreamIndependentConsumerCursors(t *testing.T) {
	s := NewStream("queue")
	s.Append([]byte("a"))

	a := s.Pull("consumer-a", 10)
	require.Len(t, a, 1)

	b := s.Pull("consumer-b", 10)
	require.Len(t, b, 1, "a fresh consumer should still see the record")
}

func TestStreamCAS(t *testing.T) {
	s := NewStream("queue")
	seq := s.Append([]byte("enqueued"))

	err := s.CAS(seq, func(payload []byte) ([]byte, error) {
		assert.Equal(t, "enqueued", string(payload))
		return []byte("dequeued"), nil
	})
	require.NoError(t, err)

	err = s.CAS(999, func(payload []byte) ([]byte, error) { return payload, nil })
	assert.Error(t, err)
}

func TestMessengerStreamIsShared(t *testing.T) {
	m := New()
	a := m.Stream("incoming")
	b := m.Stream("incoming")
	assert.Same(t, a, b)
}
