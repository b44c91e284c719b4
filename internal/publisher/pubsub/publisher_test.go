package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type update struct {
	Source   string `json:"source"`
	SeriesID string `json:"series_id"`
}

func (u update) OrderingKey() string { return u.Source + "/" + u.SeriesID }

func TestNewMessage(t *testing.T) {
	t.Parallel()

	msg, err := newMessage("series.updated", update{Source: "FRED", SeriesID: "GDP"}, true)
	require.NoError(t, err)
	require.Equal(t, "series.updated", msg.Attributes["topic"])
	require.Equal(t, "FRED/GDP", msg.OrderingKey)

	var got update
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	require.Equal(t, "GDP", got.SeriesID)
}

func TestNewMessageWithoutOrdering(t *testing.T) {
	t.Parallel()

	msg, err := newMessage("series.updated", update{Source: "BLS", SeriesID: "CUUR0000SA0"}, false)
	require.NoError(t, err)
	require.Empty(t, msg.OrderingKey)

	_, err = newMessage("t", map[string]any{"bad": make(chan int)}, false)
	require.ErrorContains(t, err, "marshal payload")
}

func TestPublishRequiresPublisher(t *testing.T) {
	t.Parallel()

	_, err := New(nil, false).Publish(context.Background(), "t", "x")
	require.Error(t, err)
	require.NoError(t, New(nil, false).Close())

	_, err = Open(context.Background(), Config{ProjectID: "p"})
	require.Error(t, err)
}
