package proxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RecordingSink receives recording events, normally the Tower API.
type RecordingSink interface {
	RecordingStart(ctx context.Context, sessionID string) error
	RecordingChunk(ctx context.Context, sessionID string, events []map[string]any) error
	RecordingFinalize(ctx context.Context, sessionID string, totalEvents int) error
}

const (
	defaultFlushEvents   = 50
	defaultFlushInterval = 3 * time.Second
	spoolChunkEvents     = 500
)

// Recorder captures a session's traffic as JSONL events and ships them
// to the sink in batches. When the sink is unreachable the events are
// spooled to local disk and re-uploaded once the sink recovers, so a
// Tower outage never interrupts the proxied session.
type Recorder struct {
	sessionID string
	sink      RecordingSink
	spoolPath string
	log       *slog.Logger
	metrics   *Metrics
	now       func() time.Time

	flushEvents   int
	flushInterval time.Duration

	mu      sync.Mutex
	buf     []map[string]any
	total   int
	offline bool
	closed  bool

	stop chan struct{}
	done chan struct{}
}

// NewRecorder opens a recorder for one session and announces it to the
// sink. The announcement failure is tolerated: the recorder starts in
// offline mode and spools until the sink comes back.
func NewRecorder(sessionID string, sink RecordingSink, spoolDir string, log *slog.Logger, metrics *Metrics) (*Recorder, error) {
	if err := os.MkdirAll(spoolDir, 0700); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}

	r := &Recorder{
		sessionID:     sessionID,
		sink:          sink,
		spoolPath:     filepath.Join(spoolDir, sessionID+".jsonl"),
		log:           log.With("session_id", sessionID),
		metrics:       metrics,
		now:           time.Now,
		flushEvents:   defaultFlushEvents,
		flushInterval: defaultFlushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}

	if err := sink.RecordingStart(context.Background(), sessionID); err != nil {
		r.offline = true
		r.log.Warn("recording start failed, spooling locally", "error", err)
	}

	go r.flushLoop()
	return r, nil
}

// Event appends one raw event. Never blocks on the network.
func (r *Recorder) Event(eventType string, fields map[string]any) {
	ev := map[string]any{
		"type":      eventType,
		"timestamp": r.now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range fields {
		ev[k] = v
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.buf = append(r.buf, ev)
	r.total++
	shouldFlush := len(r.buf) >= r.flushEvents
	r.mu.Unlock()

	if shouldFlush {
		r.flush()
	}
}

// SessionStart records the opening event with session metadata.
func (r *Recorder) SessionStart(person, backend, login string) {
	r.Event("session_start", map[string]any{
		"person":  person,
		"backend": backend,
		"login":   login,
	})
}

// Client records bytes sent by the client.
func (r *Recorder) Client(data []byte) { r.traffic("client", data) }

// Server records bytes sent by the backend.
func (r *Recorder) Server(data []byte) { r.traffic("server", data) }

func (r *Recorder) traffic(direction string, data []byte) {
	r.Event(direction, map[string]any{
		"data": base64.StdEncoding.EncodeToString(data),
		"len":  len(data),
	})
}

// Close records the closing event, flushes everything and finalizes the
// recording on the sink.
func (r *Recorder) Close(reason string) {
	r.Event("session_end", map[string]any{"reason": reason})

	close(r.stop)
	<-r.done

	r.flush()

	r.mu.Lock()
	r.closed = true
	total := r.total
	offline := r.offline
	r.mu.Unlock()

	if offline {
		// Last chance: the sink may have recovered since the final
		// traffic flush.
		if r.drainSpool() {
			offline = false
		}
	}
	if offline {
		r.log.Warn("recording left spooled on disk", "path", r.spoolPath, "events", total)
		return
	}
	if err := r.sink.RecordingFinalize(context.Background(), r.sessionID, total); err != nil {
		r.log.Warn("recording finalize failed", "error", err)
	}
}

func (r *Recorder) flushLoop() {
	defer close(r.done)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.flush()
		case <-r.stop:
			return
		}
	}
}

// flush ships the buffered events. On failure the batch goes to the
// local spool; on success any spooled backlog is re-uploaded first so
// the sink sees events in order.
func (r *Recorder) flush() {
	r.mu.Lock()
	if len(r.buf) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.buf
	r.buf = nil
	wasOffline := r.offline
	r.mu.Unlock()

	if wasOffline {
		if !r.drainSpool() {
			r.spool(batch)
			return
		}
	}

	if err := r.sink.RecordingChunk(context.Background(), r.sessionID, batch); err != nil {
		r.log.Warn("recording chunk upload failed, spooling", "events", len(batch), "error", err)
		r.spool(batch)
		return
	}
	r.metrics.RecorderFlushes.WithLabelValues("remote").Inc()
}

// spool appends a batch to the local JSONL file and marks the recorder
// offline.
func (r *Recorder) spool(batch []map[string]any) {
	f, err := os.OpenFile(r.spoolPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		r.log.Error("spool open failed, dropping events", "events", len(batch), "error", err)
		return
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, ev := range batch {
		if err := enc.Encode(ev); err != nil {
			r.log.Error("spool write failed", "error", err)
			return
		}
	}

	r.mu.Lock()
	r.offline = true
	r.mu.Unlock()
	r.metrics.RecorderFlushes.WithLabelValues("spooled").Inc()
}

// drainSpool re-uploads the spooled backlog in chunks. Returns true if
// the spool is fully drained and removed.
func (r *Recorder) drainSpool() bool {
	data, err := os.ReadFile(r.spoolPath)
	if err != nil {
		if os.IsNotExist(err) {
			r.clearOffline()
			return true
		}
		r.log.Error("spool read failed", "error", err)
		return false
	}

	var events []map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var ev map[string]any
		if err := dec.Decode(&ev); err != nil {
			r.log.Error("spool corrupt, skipping remainder", "error", err)
			break
		}
		events = append(events, ev)
	}

	for start := 0; start < len(events); start += spoolChunkEvents {
		end := start + spoolChunkEvents
		if end > len(events) {
			end = len(events)
		}
		if err := r.sink.RecordingChunk(context.Background(), r.sessionID, events[start:end]); err != nil {
			r.log.Warn("spool re-upload failed, staying offline", "error", err)
			return false
		}
	}

	if err := os.Remove(r.spoolPath); err != nil && !os.IsNotExist(err) {
		r.log.Warn("spool remove failed", "error", err)
	}
	r.clearOffline()
	r.metrics.RecorderFlushes.WithLabelValues("reuploaded").Inc()
	r.log.Info("spooled recording re-uploaded", "events", len(events))
	return true
}

func (r *Recorder) clearOffline() {
	r.mu.Lock()
	r.offline = false
	r.mu.Unlock()
}
