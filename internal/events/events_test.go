package events_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/blogcrawl/pipeline/internal/events"

	"github.com/stretchr/testify/require"
)

func TestNoopPublisher_NeverErrors(t *testing.T) {
	var p events.EventPublisher = events.NoopPublisher{}

	err := p.Publish(context.Background(), events.Event{Kind: events.KindTaskError, Component: "test"})
	require.NoError(t, err)
	p.Close()
}

func TestEvent_RoundTripsThroughJSON(t *testing.T) {
	ev := events.Event{Kind: events.KindBlogDone, Component: "fetcher", BlogName: "coolblog"}

	body, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded events.Event
	require.NoError(t, json.Unmarshal(body, &decoded))
	require.Equal(t, ev, decoded)
}

func TestEvent_OmitsEmptyOptionalFields(t *testing.T) {
	ev := events.Event{Kind: events.KindTaskError, Component: "feeder"}

	body, err := json.Marshal(ev)
	require.NoError(t, err)

	require.NotContains(t, string(body), "blog_name")
	require.NotContains(t, string(body), "message")
}
