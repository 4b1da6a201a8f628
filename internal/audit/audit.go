package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"tcportal/internal/queue"
	"tcportal/internal/tc"
)

// MessageType marks attempt messages on the queue.
const MessageType = "verify_attempt"

// Publisher pushes verification attempts onto the queue for the worker to
// persist. Publishing is best effort: a dead queue must never fail a
// verification request.
type Publisher struct {
	q queue.Queue
}

// NewPublisher wraps a queue.
func NewPublisher(q queue.Queue) *Publisher {
	return &Publisher{q: q}
}

// Record implements tc.Auditor.
func (p *Publisher) Record(att tc.Attempt) {
	body, err := json.Marshal(att)
	if err != nil {
		log.Printf("audit marshal failed: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.q.Publish(ctx, queue.Message{Type: MessageType, Body: body}); err != nil {
		log.Printf("audit publish failed: %v", err)
	}
}

// Decode parses an attempt message body.
func Decode(body []byte) (tc.Attempt, error) {
	var att tc.Attempt
	err := json.Unmarshal(body, &att)
	return att, err
}
