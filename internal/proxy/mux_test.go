package proxy

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func drain(ch <-chan []byte) []byte {
	var out bytes.Buffer
	for {
		select {
		case data, ok := <-ch:
			if !ok {
				return out.Bytes()
			}
			out.Write(data)
		default:
			return out.Bytes()
		}
	}
}

func TestMultiplexer_HistoryReplay(t *testing.T) {
	m := NewMultiplexer("sess-1", "alice", "db-1")
	m.Broadcast([]byte("before attach\n"))

	ch, err := m.Attach("bob-1", ModeWatch)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	got := string(drain(ch))
	if !strings.Contains(got, "before attach") {
		t.Errorf("expected history replay, got %q", got)
	}
}

func TestMultiplexer_BroadcastReachesWatchers(t *testing.T) {
	m := NewMultiplexer("sess-1", "alice", "db-1")
	ch1, _ := m.Attach("w1", ModeWatch)
	ch2, _ := m.Attach("w2", ModeJoin)
	drain(ch1)
	drain(ch2)

	m.Broadcast([]byte("hello\n"))

	for name, ch := range map[string]<-chan []byte{"w1": ch1, "w2": ch2} {
		if got := string(drain(ch)); !strings.Contains(got, "hello") {
			t.Errorf("watcher %s missed broadcast, got %q", name, got)
		}
	}
}

func TestMultiplexer_HistoryBounded(t *testing.T) {
	m := NewMultiplexer("sess-1", "alice", "db-1")
	chunk := bytes.Repeat([]byte("x"), 10*1024)
	for i := 0; i < 10; i++ {
		m.Broadcast(chunk)
	}

	m.mu.Lock()
	size := len(m.history)
	m.mu.Unlock()
	if size > historyBytes {
		t.Errorf("history grew past the cap: %d > %d", size, historyBytes)
	}
}

func TestMultiplexer_InjectRequiresJoin(t *testing.T) {
	m := NewMultiplexer("sess-1", "alice", "db-1")
	m.Attach("watcher", ModeWatch)
	m.Attach("joiner", ModeJoin)

	if err := m.Inject("watcher", []byte("ls\n")); !errors.Is(err, ErrWatchOnly) {
		t.Errorf("watch-mode inject: expected ErrWatchOnly, got %v", err)
	}
	if err := m.Inject("ghost", []byte("ls\n")); !errors.Is(err, ErrUnknownWatcher) {
		t.Errorf("unknown inject: expected ErrUnknownWatcher, got %v", err)
	}
	if err := m.Inject("joiner", []byte("ls\n")); err != nil {
		t.Errorf("join-mode inject: %v", err)
	}

	queued := m.DrainInput()
	if len(queued) != 1 || string(queued[0]) != "ls\n" {
		t.Errorf("unexpected input queue: %q", queued)
	}
	if rest := m.DrainInput(); len(rest) != 0 {
		t.Errorf("drain must clear the queue, got %d entries", len(rest))
	}
}

func TestMultiplexer_SlowWatcherPruned(t *testing.T) {
	m := NewMultiplexer("sess-1", "alice", "db-1")
	ch, _ := m.Attach("slow", ModeWatch)

	// Fill the watcher's channel without draining it; the owner's
	// traffic must keep flowing and the watcher gets dropped.
	for i := 0; i < 400; i++ {
		m.Broadcast([]byte("data"))
	}

	if m.WatcherCount() != 0 {
		t.Errorf("expected slow watcher pruned, still %d attached", m.WatcherCount())
	}
	// Channel must be closed so the watcher's pump loop terminates.
	for range ch {
	}
}

func TestMultiplexer_DeactivateRejectsNewWatchers(t *testing.T) {
	m := NewMultiplexer("sess-1", "alice", "db-1")
	ch, _ := m.Attach("w1", ModeWatch)

	m.Deactivate()
	m.Deactivate() // idempotent

	if _, err := m.Attach("w2", ModeWatch); !errors.Is(err, ErrMuxInactive) {
		t.Errorf("expected ErrMuxInactive, got %v", err)
	}
	if err := m.Inject("w1", nil); !errors.Is(err, ErrMuxInactive) {
		t.Errorf("inject after deactivate: expected ErrMuxInactive, got %v", err)
	}
	for range ch {
	}
}

func TestMultiplexer_WatcherChangeCallback(t *testing.T) {
	m := NewMultiplexer("sess-1", "alice", "db-1")
	var count int
	m.OnWatcherChange(func(delta int) { count += delta })

	m.Attach("w1", ModeWatch)
	m.Attach("w2", ModeJoin)
	if count != 2 {
		t.Errorf("after attaches count = %d", count)
	}
	m.Detach("w1")
	m.Deactivate()
	if count != 0 {
		t.Errorf("after teardown count = %d", count)
	}
}

func TestMuxRegistry(t *testing.T) {
	r := NewMuxRegistry()
	m := NewMultiplexer("sess-1", "alice", "db-1")
	r.Add(m)

	if got, ok := r.Get("sess-1"); !ok || got != m {
		t.Fatal("registered mux not found")
	}
	if ids := r.List(); len(ids) != 1 || ids[0] != "sess-1" {
		t.Errorf("List = %v", ids)
	}

	r.Remove("sess-1")
	if _, ok := r.Get("sess-1"); ok {
		t.Error("mux still present after Remove")
	}
}
