package audit

import (
	"context"
	"testing"
	"time"

	"tcportal/internal/queue"
	"tcportal/internal/tc"
)

func TestPublisher_RoundTrip(t *testing.T) {
	t.Parallel()
	q := queue.NewInMemory(4)
	p := NewPublisher(q)

	att := tc.Attempt{
		RecordID: "42",
		Origin:   "1.2.3.4",
		Outcome:  "mismatch",
		When:     time.Unix(1_700_000_000, 0).UTC(),
	}
	p.Record(att)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	messages, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	msg := <-messages
	if msg.Type != MessageType {
		t.Fatalf("type=%q", msg.Type)
	}

	got, err := Decode(msg.Body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.RecordID != att.RecordID || got.Outcome != att.Outcome || !got.When.Equal(att.When) {
		t.Fatalf("got=%+v want=%+v", got, att)
	}
}
