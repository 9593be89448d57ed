package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id, err := pub.Publish(context.Background(), "crawl-events", map[string]string{"status": "completed"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "crawl-events", msgs[0].Topic)

	msgs[0].Topic = "modified"
	require.Equal(t, "crawl-events", pub.Messages()[0].Topic)
}
