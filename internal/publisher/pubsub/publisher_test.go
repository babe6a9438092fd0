package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMessage(t *testing.T) {
	t.Parallel()

	msg, err := buildMessage("crawl-finished", map[string]any{"job_id": "j1", "finished": true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"job_id":"j1","finished":true}`, string(msg.Data))
	assert.Equal(t, "application/json", msg.Attributes["content-type"])

	_, err = buildMessage("", "x")
	require.Error(t, err)
	_, err = buildMessage("t", make(chan int))
	require.ErrorContains(t, err, "marshal payload")
}

func TestPublishWithoutClient(t *testing.T) {
	t.Parallel()

	p := New(nil)
	_, err := p.Publish(context.Background(), "crawl-finished", "x")
	require.ErrorContains(t, err, "not configured")
	require.NoError(t, p.Close())
}
