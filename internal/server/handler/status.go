package handler

import (
	"context"
	"net/http"
	"time"
)

// QuestionCounter reports how many questions exist in the market.
type QuestionCounter interface {
	CountQuestions(ctx context.Context) (int64, error)
}

// StatusHandler serves the backend status (mode, owner, uptime) for the
// dashboard.
type StatusHandler struct {
	Mode    string
	Owner   string
	counter QuestionCounter
	started time.Time
}

// NewStatusHandler creates a StatusHandler with the given mode and owner.
func NewStatusHandler(mode, owner string, counter QuestionCounter) *StatusHandler {
	return &StatusHandler{
		Mode:    mode,
		Owner:   owner,
		counter: counter,
		started: time.Now(),
	}
}

// GetStatus responds with the current backend mode, market owner, uptime and
// question count.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	var questions int64
	if h.counter != nil {
		if n, err := h.counter.CountQuestions(r.Context()); err == nil {
			questions = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.Mode,
		"owner":          h.Owner,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"questions":      questions,
	})
}
