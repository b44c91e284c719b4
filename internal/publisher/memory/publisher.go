// Package memory is the publisher used when no Pub/Sub topic is configured.
// It keeps every notification in memory and, given a logger, writes a debug
// line per message.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// DefaultCapacity bounds the retained history of New.
const DefaultCapacity = 1000

// Message is one recorded publish.
type Message struct {
	ID      string
	Topic   string
	Payload any
	Data    []byte
}

// Publisher records notifications in a bounded ring.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
	capacity int
	seq      int
	logger   *zap.Logger
}

// New returns a Publisher retaining the last DefaultCapacity messages.
func New() *Publisher {
	return NewWithLogger(DefaultCapacity, zap.NewNop())
}

// NewWithLogger returns a Publisher retaining at most capacity messages.
// A non-positive capacity keeps everything.
func NewWithLogger(capacity int, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{capacity: capacity, logger: logger}
}

// Publish encodes payload as JSON, as a broker would, and records it.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Payload: payload, Data: data})
	if p.capacity > 0 && len(p.messages) > p.capacity {
		p.messages = p.messages[len(p.messages)-p.capacity:]
	}
	p.mu.Unlock()
	p.logger.Debug("notification recorded", zap.String("topic", topic), zap.String("message_id", id), zap.ByteString("data", data))
	return id, nil
}

// Messages returns a copy of the recorded messages, oldest first.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// Topic returns the recorded messages of one topic.
func (p *Publisher) Topic(topic string) []Message {
	var out []Message
	for _, m := range p.Messages() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
