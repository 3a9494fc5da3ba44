package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewBrokerWithClient(client, []string{"imports", "background"}, 30*time.Second)
}

func TestSendAndDequeue(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	id, err := b.Send(ctx, Message{
		TaskID:    7,
		Kind:      "simple_import",
		SpaceCode: "space00000",
		Queue:     "imports",
		Kwargs:    map[string]any{"scheme": "bonds"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id == "" {
		t.Fatal("expected broker id")
	}

	msg, err := b.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if msg == nil {
		t.Fatal("expected a message")
	}
	if msg.BrokerID != id || msg.TaskID != 7 || msg.SpaceCode != "space00000" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.Kwargs["scheme"] != "bonds" {
		t.Fatalf("kwargs lost: %+v", msg.Kwargs)
	}

	// Queue is now empty.
	msg, err = b.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue empty: %v", err)
	}
	if msg != nil {
		t.Fatalf("expected no message, got %+v", msg)
	}
}

func TestQueueOrder(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	if _, err := b.Send(ctx, Message{TaskID: 1, Kind: "a", Queue: "background"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := b.Send(ctx, Message{TaskID: 2, Kind: "b", Queue: "imports"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	// imports is listed first, so it drains first.
	msg, err := b.DequeueWithLease(ctx)
	if err != nil || msg == nil {
		t.Fatalf("dequeue: msg=%v err=%v", msg, err)
	}
	if msg.TaskID != 2 {
		t.Fatalf("expected imports message first, got task %d", msg.TaskID)
	}
}

func TestAckRemovesMessage(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	id, _ := b.Send(ctx, Message{TaskID: 1, Kind: "a", Queue: "imports"})
	if _, err := b.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := b.Ack(ctx, id); err != nil {
		t.Fatalf("ack: %v", err)
	}

	ids, err := b.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("acked message should not requeue, got %v", ids)
	}
}

func TestRevokeQueuedMessage(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	id, _ := b.Send(ctx, Message{TaskID: 1, Kind: "a", Queue: "imports"})
	if err := b.Revoke(ctx, id); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	msg, err := b.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if msg != nil {
		t.Fatalf("revoked message should not be delivered, got %+v", msg)
	}
}

func TestRequeueExpiredLease(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	id, _ := b.Send(ctx, Message{TaskID: 3, Kind: "a", Queue: "background"})
	if _, err := b.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	ids, err := b.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("expected %s requeued, got %v", id, ids)
	}

	msg, err := b.DequeueWithLease(ctx)
	if err != nil || msg == nil {
		t.Fatalf("dequeue after requeue: msg=%v err=%v", msg, err)
	}
	if msg.TaskID != 3 {
		t.Fatalf("unexpected task %d", msg.TaskID)
	}
}

func TestDepth(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	for i := 0; i < 3; i++ {
		if _, err := b.Send(ctx, Message{TaskID: int64(i), Kind: "a", Queue: "imports"}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	depth, err := b.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 3 {
		t.Fatalf("expected depth 3, got %d", depth)
	}
}
