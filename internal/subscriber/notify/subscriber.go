// Package notify publishes a message when a job finishes.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Name identifies the subscriber.
const Name = "notify"

// Notification is the published payload.
type Notification struct {
	JobID      string         `json:"job_id"`
	Report     crawler.Report `json:"report"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Subscriber publishes finished reports to a topic.
type Subscriber struct {
	publisher crawler.Publisher
	topic     string
	clock     crawler.Clock
	logger    *zap.Logger
}

// New builds the subscriber.
func New(publisher crawler.Publisher, topic string, clock crawler.Clock, logger *zap.Logger) (*Subscriber, error) {
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{publisher: publisher, topic: topic, clock: clock, logger: logger.Named(Name)}, nil
}

// Name implements crawler.Subscriber.
func (s *Subscriber) Name() string { return Name }

// OnFinished publishes the report.
func (s *Subscriber) OnFinished(ctx context.Context, event crawler.FinishedEvent) error {
	msg := Notification{JobID: event.JobID, Report: event.Report, FinishedAt: s.clock.Now()}
	id, err := s.publisher.Publish(ctx, s.topic, msg)
	if err != nil {
		return fmt.Errorf("publish finished notification: %w", err)
	}
	s.logger.Debug("Published finished notification",
		zap.String("job_id", event.JobID),
		zap.String("topic", s.topic),
		zap.String("message_id", id),
	)
	return nil
}
