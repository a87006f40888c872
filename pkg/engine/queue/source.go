// Package queue drives asynchronous ingestion from a message queue.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrSourceClosed is returned by Receive once a source has been closed.
var ErrSourceClosed = errors.New("queue source closed")

// Message is a single ingest request received from a queue.
type Message struct {
	ID            string
	Queue         string
	Body          []byte
	ReceiptHandle string
}

// Source delivers messages from a named queue.
type Source interface {
	// Name is the queue name used for per-customer in-flight counters.
	Name() string

	// Receive blocks until at least one message is available, the source's
	// wait time elapses or ctx is done. It may return no messages.
	Receive(ctx context.Context, max int) ([]Message, error)

	// Delete acknowledges a message so it is not redelivered.
	Delete(ctx context.Context, msg Message) error
}

// MemorySource is an in-process Source backed by a buffered channel.
type MemorySource struct {
	name     string
	messages chan Message

	closeMu sync.RWMutex
	closed  bool

	mu      sync.Mutex
	pending map[string]Message
}

// NewMemorySource creates a MemorySource holding up to size undelivered messages.
func NewMemorySource(name string, size int) *MemorySource {
	if size <= 0 {
		size = 100
	}
	return &MemorySource{
		name:     name,
		messages: make(chan Message, size),
		pending:  make(map[string]Message),
	}
}

var _ Source = (*MemorySource)(nil)

func (s *MemorySource) Name() string {
	return s.name
}

// Publish enqueues body and returns the new message's id.
func (s *MemorySource) Publish(ctx context.Context, body []byte) (string, error) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return "", ErrSourceClosed
	}

	id := uuid.New().String()
	msg := Message{ID: id, Queue: s.name, Body: body, ReceiptHandle: id}
	select {
	case s.messages <- msg:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *MemorySource) Receive(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		max = 1
	}

	var batch []Message
	select {
	case msg, ok := <-s.messages:
		if !ok {
			return nil, ErrSourceClosed
		}
		batch = append(batch, msg)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

drain:
	for len(batch) < max {
		select {
		case msg, ok := <-s.messages:
			if !ok {
				break drain
			}
			batch = append(batch, msg)
		default:
			break drain
		}
	}

	s.mu.Lock()
	for _, msg := range batch {
		s.pending[msg.ReceiptHandle] = msg
	}
	s.mu.Unlock()
	return batch, nil
}

func (s *MemorySource) Delete(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, msg.ReceiptHandle)
	return nil
}

// Pending returns the number of received but undeleted messages.
func (s *MemorySource) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close stops delivery. Messages already buffered are still received.
func (s *MemorySource) Close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.messages)
	}
}
