package proxy

import (
	"errors"
	"fmt"
	"sync"
)

// WatchMode is a spectator's attachment mode.
type WatchMode string

const (
	// ModeWatch streams session output read-only.
	ModeWatch WatchMode = "watch"
	// ModeJoin additionally lets the spectator inject keystrokes.
	ModeJoin WatchMode = "join"
)

var (
	ErrMuxInactive    = errors.New("session is no longer live")
	ErrWatchOnly      = errors.New("watcher is attached read-only")
	ErrUnknownWatcher = errors.New("unknown watcher")
)

// historyBytes is how much recent output a multiplexer retains so a
// late-joining spectator gets screen context.
const historyBytes = 50 * 1024

type watcher struct {
	id   string
	mode WatchMode
	ch   chan []byte
}

// Multiplexer fans one session's output out to spectators and queues
// input injected by joined spectators for the session's forward loop.
// The session owner's traffic never blocks on a slow watcher: sends are
// non-blocking and a watcher that can't keep up is dropped.
type Multiplexer struct {
	SessionID string
	Owner     string
	Backend   string

	mu         sync.Mutex
	history    []byte
	watchers   map[string]*watcher
	inputQueue [][]byte
	active     bool
	onChange   func(delta int)
}

// NewMultiplexer creates a live multiplexer for a session.
func NewMultiplexer(sessionID, owner, backend string) *Multiplexer {
	return &Multiplexer{
		SessionID: sessionID,
		Owner:     owner,
		Backend:   backend,
		watchers:  make(map[string]*watcher),
		active:    true,
	}
}

// OnWatcherChange registers a callback invoked with +1/-1 as watchers
// attach and detach. Used for metrics.
func (m *Multiplexer) OnWatcherChange(fn func(delta int)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Attach adds a spectator and returns its output channel. The retained
// history is already queued on the channel so the spectator's terminal
// has context, followed by an attach notice visible to everyone.
func (m *Multiplexer) Attach(id string, mode WatchMode) (<-chan []byte, error) {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return nil, ErrMuxInactive
	}
	if _, ok := m.watchers[id]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("watcher %s already attached", id)
	}

	w := &watcher{id: id, mode: mode, ch: make(chan []byte, 256)}
	if len(m.history) > 0 {
		replay := make([]byte, len(m.history))
		copy(replay, m.history)
		w.ch <- replay
	}
	m.watchers[id] = w
	notify := m.onChange
	m.mu.Unlock()

	if notify != nil {
		notify(1)
	}
	m.Broadcast([]byte(fmt.Sprintf("\r\n*** %s attached (%s) ***\r\n", id, mode)))
	return w.ch, nil
}

// Detach removes a spectator and closes its channel.
func (m *Multiplexer) Detach(id string) {
	m.mu.Lock()
	w, ok := m.watchers[id]
	if ok {
		delete(m.watchers, id)
		close(w.ch)
	}
	notify := m.onChange
	m.mu.Unlock()

	if ok {
		if notify != nil {
			notify(-1)
		}
		m.Broadcast([]byte(fmt.Sprintf("\r\n*** %s detached ***\r\n", id)))
	}
}

// Broadcast copies session output to every watcher and into the history
// ring. Watchers whose channels are full are pruned.
func (m *Multiplexer) Broadcast(data []byte) {
	m.mu.Lock()
	m.history = append(m.history, data...)
	if over := len(m.history) - historyBytes; over > 0 {
		m.history = m.history[over:]
	}

	var dead []string
	for id, w := range m.watchers {
		buf := make([]byte, len(data))
		copy(buf, data)
		select {
		case w.ch <- buf:
		default:
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		w := m.watchers[id]
		delete(m.watchers, id)
		close(w.ch)
	}
	notify := m.onChange
	m.mu.Unlock()

	if notify != nil {
		for range dead {
			notify(-1)
		}
	}
}

// Inject queues input from a joined spectator. Watch-mode spectators
// get ErrWatchOnly.
func (m *Multiplexer) Inject(id string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return ErrMuxInactive
	}
	w, ok := m.watchers[id]
	if !ok {
		return ErrUnknownWatcher
	}
	if w.mode != ModeJoin {
		return ErrWatchOnly
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.inputQueue = append(m.inputQueue, buf)
	return nil
}

// DrainInput returns and clears the pending injected input. Called by
// the session's forward loop between client reads.
func (m *Multiplexer) DrainInput() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.inputQueue
	m.inputQueue = nil
	return q
}

// WatcherCount reports the attached spectators.
func (m *Multiplexer) WatcherCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers)
}

// Deactivate refuses new watchers, notifies and drops the current ones.
// Called before session teardown; idempotent.
func (m *Multiplexer) Deactivate() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	dropped := len(m.watchers)
	for id, w := range m.watchers {
		select {
		case w.ch <- []byte("\r\n*** session ended ***\r\n"):
		default:
		}
		close(w.ch)
		delete(m.watchers, id)
	}
	notify := m.onChange
	m.mu.Unlock()

	if notify != nil {
		for i := 0; i < dropped; i++ {
			notify(-1)
		}
	}
}

// MuxRegistry tracks the live multiplexers on a gate so the watch and
// join entry points can find running sessions.
type MuxRegistry struct {
	mu    sync.RWMutex
	muxes map[string]*Multiplexer
}

func NewMuxRegistry() *MuxRegistry {
	return &MuxRegistry{muxes: make(map[string]*Multiplexer)}
}

func (r *MuxRegistry) Add(m *Multiplexer) {
	r.mu.Lock()
	r.muxes[m.SessionID] = m
	r.mu.Unlock()
}

func (r *MuxRegistry) Remove(sessionID string) {
	r.mu.Lock()
	delete(r.muxes, sessionID)
	r.mu.Unlock()
}

func (r *MuxRegistry) Get(sessionID string) (*Multiplexer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.muxes[sessionID]
	return m, ok
}

// List returns the live session IDs, for the watch entry point's menu.
func (r *MuxRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.muxes))
	for id := range r.muxes {
		ids = append(ids, id)
	}
	return ids
}
