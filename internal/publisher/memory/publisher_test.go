package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "task-events", map[string]string{"task_id": "t-1"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "alerts", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "task-events", msgs[0].Topic)
	require.Len(t, pub.Topic("alerts"), 1)

	msgs[0].Topic = "modified"
	require.Equal(t, "task-events", pub.Messages()[0].Topic)
}

func TestPublisherFailures(t *testing.T) {
	t.Parallel()

	pub := New()
	pub.Err = errors.New("unavailable")
	_, err := pub.Publish(context.Background(), "task-events", "x")
	require.ErrorContains(t, err, "unavailable")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = New().Publish(ctx, "task-events", "x")
	require.ErrorIs(t, err, context.Canceled)
}
