// Package memory keeps published notifications in process. Payloads are
// encoded to JSON the same way the Pub/Sub publisher encodes them, so a
// payload that would fail in production fails here too.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Message is one accepted publish.
type Message struct {
	ID    string
	Topic string
	Data  []byte
}

// Publisher records messages by topic.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish encodes payload and records it under topic.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload for %s: %w", topic, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Data: data})
	return id, nil
}

// Topic returns the encoded payloads published to topic, oldest first.
func (p *Publisher) Topic(topic string) [][]byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out [][]byte
	for _, msg := range p.messages {
		if msg.Topic == topic {
			out = append(out, msg.Data)
		}
	}
	return out
}

// Close is a no-op.
func (p *Publisher) Close() error { return nil }
