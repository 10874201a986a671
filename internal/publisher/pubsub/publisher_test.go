package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/markdown-scraper/internal/scrape"
)

func newTestPublisher(t *testing.T) (*Publisher, *pstest.Server) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	_, err = client.CreateTopic(ctx, "scrape-events")
	require.NoError(t, err)

	pub := New(client)
	t.Cleanup(func() { _ = pub.Close() })
	return pub, srv
}

func TestPublishSendsJSONEvent(t *testing.T) {
	t.Parallel()

	pub, srv := newTestPublisher(t)
	event := scrape.Event{CorrelationID: "corr-1", URL: "https://example.com", Success: true, Acked: true}

	id, err := pub.Publish(context.Background(), "scrape-events", event)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "application/json", msgs[0].Attributes["content_type"])

	var got scrape.Event
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, "corr-1", got.CorrelationID)
	require.True(t, got.Acked)
}

func TestPublishReusesTopicHandle(t *testing.T) {
	t.Parallel()

	pub, srv := newTestPublisher(t)
	for i := 0; i < 3; i++ {
		_, err := pub.Publish(context.Background(), "scrape-events", map[string]int{"n": i})
		require.NoError(t, err)
	}
	require.Len(t, pub.topics, 1)
	require.Len(t, srv.Messages(), 3)
}

func TestPublishWithoutClient(t *testing.T) {
	t.Parallel()

	pub := New(nil)
	_, err := pub.Publish(context.Background(), "scrape-events", "payload")
	require.ErrorIs(t, err, ErrNotConfigured)
	require.NoError(t, pub.Close())
}

func TestPublishRejectsUnmarshalablePayload(t *testing.T) {
	t.Parallel()

	pub, _ := newTestPublisher(t)
	_, err := pub.Publish(context.Background(), "scrape-events", make(chan int))
	require.ErrorContains(t, err, "marshal payload")
}
