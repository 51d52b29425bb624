package tower

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-chi/chi/v5"
)

// RecordingStore persists session recordings as newline-delimited JSON,
// one file per session. An external batch worker may later convert
// finalized files to video; that is out of scope here.
type RecordingStore struct {
	mu      sync.Mutex
	baseDir string
	log     *slog.Logger
	open    map[string]*os.File
}

// NewRecordingStore creates a recording store rooted at baseDir.
func NewRecordingStore(baseDir string, log *slog.Logger) (*RecordingStore, error) {
	if baseDir == "" {
		return nil, errors.New("recording directory required")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	return &RecordingStore{
		baseDir: baseDir,
		log:     log,
		open:    make(map[string]*os.File),
	}, nil
}

// Path returns the on-disk path for a session's recording.
func (rs *RecordingStore) Path(sessionID string) string {
	return filepath.Join(rs.baseDir, sessionID+".jsonl")
}

// Start opens (or reopens, appending) the recording file for a session.
func (rs *RecordingStore) Start(sessionID string) (string, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if _, ok := rs.open[sessionID]; ok {
		return rs.Path(sessionID), nil
	}
	f, err := os.OpenFile(rs.Path(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return "", fmt.Errorf("open recording: %w", err)
	}
	rs.open[sessionID] = f
	return rs.Path(sessionID), nil
}

// Append writes a batch of events, one JSON object per line.
func (rs *RecordingStore) Append(sessionID string, events []map[string]any) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	f, ok := rs.open[sessionID]
	if !ok {
		var err error
		f, err = os.OpenFile(rs.Path(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("open recording: %w", err)
		}
		rs.open[sessionID] = f
	}

	enc := json.NewEncoder(f)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("write recording event: %w", err)
		}
	}
	return nil
}

// Finalize closes the recording file and returns its size.
func (rs *RecordingStore) Finalize(sessionID string) (int64, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if f, ok := rs.open[sessionID]; ok {
		f.Close()
		delete(rs.open, sessionID)
	}
	info, err := os.Stat(rs.Path(sessionID))
	if err != nil {
		return 0, fmt.Errorf("stat recording: %w", err)
	}
	return info.Size(), nil
}

// Close closes all open recording files.
func (rs *RecordingStore) Close() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for id, f := range rs.open {
		f.Close()
		delete(rs.open, id)
	}
}

// --- handlers ---

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	path, err := s.recordings.Start(sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "recording_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": sessionID, "recording_path": path})
}

func (s *Server) handleRecordingChunk(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req RecordingChunkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.recordings.Append(sessionID, req.Events); err != nil {
		writeError(w, http.StatusInternalServerError, "recording_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": len(req.Events)})
}

func (s *Server) handleRecordingFinalize(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req RecordingFinalizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	size, err := s.recordings.Finalize(sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "recording_failed", err.Error())
		return
	}

	// Stamp the recording onto the session record when it exists.
	if sess := s.store.SessionByID(sessionID); sess != nil {
		path := s.recordings.Path(sessionID)
		if _, err := s.store.UpdateSession(sessionID, SessionUpdate{
			RecordingPath: path,
			RecordingSize: &size,
		}); err != nil {
			s.log.Warn("stamp recording on session", "session_id", sessionID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "size_bytes": size})
}
