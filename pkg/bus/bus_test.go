package bus

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func TestSubject(t *testing.T) {
	if got := Subject("finished"); got != "pagesmith.tasks.finished" {
		t.Fatalf("Subject() = %q", got)
	}
}

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	if err := b.Publish(context.Background(), Event{Type: "accepted"}); err == nil {
		t.Fatal("expected error from nil bus")
	}
	b.Close()
}

func TestPublish(t *testing.T) {
	url := os.Getenv("PAGESMITH_TEST_NATS_URL")
	if url == "" {
		t.Skip("PAGESMITH_TEST_NATS_URL not set")
	}
	b, err := New(url)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Close()

	sub, err := b.js.SubscribeSync(Subject("finished"), nats.DeliverNew())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := b.Publish(context.Background(), Event{Type: "finished", TaskID: "t1", Round: 1, Status: "succeeded"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	msg, err := sub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("NextMsg() error = %v", err)
	}
	var ev Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.TaskID != "t1" || ev.Status != "succeeded" || ev.Time.IsZero() {
		t.Fatalf("unexpected event %+v", ev)
	}
}
