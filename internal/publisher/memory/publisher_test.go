package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "search.completed", map[string]string{"source": "google"})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "search.completed", "payload")
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "payload", msgs[1].Payload)

	msgs[0].Event = "modified"
	assert.Equal(t, "search.completed", pub.Messages()[0].Event, "Messages must return a copy")
}

func TestPublisherHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Publish(ctx, "search.completed", nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, New().Messages())
}
