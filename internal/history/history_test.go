package history

import (
	"fmt"
	"sync"
	"testing"
)

func TestAppendEvictsOldest(t *testing.T) {
	h := New(3)
	for i := 0; i < 5; i++ {
		h.Append(Message{Role: RoleUser, Content: fmt.Sprint(i)})
	}
	msgs := h.Snapshot()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "2" || msgs[2].Content != "4" {
		t.Fatalf("unexpected window %+v", msgs)
	}
}

func TestUnbounded(t *testing.T) {
	h := New(0)
	for i := 0; i < 50; i++ {
		h.Append(Message{Role: RoleAssistant, Content: "x"})
	}
	if h.Len() != 50 {
		t.Fatalf("expected 50 messages, got %d", h.Len())
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	h := New(2)
	h.Append(Message{Role: RoleUser, Content: "hi"})
	snap := h.Snapshot()
	snap[0].Content = "changed"
	if h.Snapshot()[0].Content != "hi" {
		t.Fatal("snapshot must not alias history")
	}
}

func TestConcurrentAppend(t *testing.T) {
	h := New(10)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Append(Message{Role: RoleUser, Content: "q"}, Message{Role: RoleAssistant, Content: "a"})
			_ = h.Snapshot()
		}()
	}
	wg.Wait()
	if h.Len() != 10 {
		t.Fatalf("expected cap of 10, got %d", h.Len())
	}
	h.Reset()
	if h.Len() != 0 {
		t.Fatal("reset should empty history")
	}
}
