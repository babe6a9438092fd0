package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/publisher/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("topic not found")
}

func TestSubscriberPublishesReport(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	pub := memory.New()
	s, err := New(pub, "crawl-finished", fixedClock{now: now}, nil)
	require.NoError(t, err)
	require.Equal(t, Name, s.Name())

	report := crawler.Report{JobID: "job-1", Succeeded: 3, Total: 3, Finished: true}
	require.NoError(t, s.OnFinished(context.Background(), crawler.FinishedEvent{JobID: "job-1", Report: report}))

	payloads := pub.Topic("crawl-finished")
	require.Len(t, payloads, 1)
	var got Notification
	require.NoError(t, json.Unmarshal(payloads[0], &got))
	require.Equal(t, Notification{JobID: "job-1", Report: report, FinishedAt: now}, got)
}

func TestSubscriberWrapsPublishErrors(t *testing.T) {
	t.Parallel()

	s, err := New(failingPublisher{}, "crawl-finished", fixedClock{}, nil)
	require.NoError(t, err)
	err = s.OnFinished(context.Background(), crawler.FinishedEvent{JobID: "job-1"})
	require.ErrorContains(t, err, "topic not found")
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "t", fixedClock{}, nil)
	require.Error(t, err)
	_, err = New(memory.New(), "", fixedClock{}, nil)
	require.Error(t, err)
	_, err = New(memory.New(), "t", nil, nil)
	require.Error(t, err)
}
