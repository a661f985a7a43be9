package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/davencooke/predmarket/internal/domain"
)

// QuestionReader is the read side the question handler needs.
type QuestionReader interface {
	GetQuestion(ctx context.Context, key domain.QuestionKey) (domain.Question, error)
	ListQuestions(ctx context.Context, opts domain.ListOpts) ([]domain.Question, error)
	ListByState(ctx context.Context, state domain.QuestionState, opts domain.ListOpts) ([]domain.Question, error)
	CountQuestions(ctx context.Context) (int64, error)
	AuditTrail(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// QuestionWriter is the write side the question handler needs.
type QuestionWriter interface {
	CreateQuestion(ctx context.Context, caller domain.Identity, phrase string) (domain.Question, error)
	Pause(ctx context.Context, caller domain.Identity, key domain.QuestionKey) error
	Unpause(ctx context.Context, caller domain.Identity, key domain.QuestionKey) error
	AddMarketAdmin(ctx context.Context, caller, id domain.Identity) error
	AddQuestionAdmin(ctx context.Context, caller domain.Identity, key domain.QuestionKey, id domain.Identity) error
	AddTrustedSource(ctx context.Context, caller domain.Identity, key domain.QuestionKey, id domain.Identity) error
}

// QuestionHandler serves question lifecycle and role endpoints.
type QuestionHandler struct {
	reader QuestionReader
	writer QuestionWriter
	logger *slog.Logger
}

// NewQuestionHandler creates a QuestionHandler.
func NewQuestionHandler(reader QuestionReader, writer QuestionWriter, logger *slog.Logger) *QuestionHandler {
	return &QuestionHandler{
		reader: reader,
		writer: writer,
		logger: logHandler(logger, "question"),
	}
}

type listQuestionsResponse struct {
	Questions []domain.Question `json:"questions"`
	Total     int64             `json:"total"`
	Limit     int               `json:"limit"`
	Offset    int               `json:"offset"`
}

// ListQuestions returns questions with pagination, optionally filtered by
// lifecycle state.
// GET /api/questions?state=open&limit=50&offset=0
func (h *QuestionHandler) ListQuestions(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	var (
		questions []domain.Question
		err       error
	)
	if state := r.URL.Query().Get("state"); state != "" {
		questions, err = h.reader.ListByState(r.Context(), domain.QuestionState(state), opts)
	} else {
		questions, err = h.reader.ListQuestions(r.Context(), opts)
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list questions failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list questions")
		return
	}

	total, err := h.reader.CountQuestions(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "count questions failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to count questions")
		return
	}

	writeJSON(w, http.StatusOK, listQuestionsResponse{
		Questions: questions,
		Total:     total,
		Limit:     opts.Limit,
		Offset:    opts.Offset,
	})
}

// GetQuestion returns a single question by its key.
// GET /api/questions/{key}
func (h *QuestionHandler) GetQuestion(w http.ResponseWriter, r *http.Request) {
	key, err := parseQuestionKey(pathParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q, err := h.reader.GetQuestion(r.Context(), key)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

type createQuestionRequest struct {
	Caller string `json:"caller"`
	Phrase string `json:"phrase"`
}

// CreateQuestion opens a new market.
// POST /api/questions {"caller":"0x...","phrase":"..."}
func (h *QuestionHandler) CreateQuestion(w http.ResponseWriter, r *http.Request) {
	var req createQuestionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseIdentity(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Phrase == "" {
		writeError(w, http.StatusBadRequest, "missing phrase")
		return
	}

	q, err := h.writer.CreateQuestion(r.Context(), caller, req.Phrase)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

type callerRequest struct {
	Caller string `json:"caller"`
}

// Pause suspends betting on a question.
// POST /api/questions/{key}/pause {"caller":"0x..."}
func (h *QuestionHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.writer.Pause)
}

// Unpause reopens betting on a paused question.
// POST /api/questions/{key}/unpause {"caller":"0x..."}
func (h *QuestionHandler) Unpause(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.writer.Unpause)
}

func (h *QuestionHandler) lifecycle(w http.ResponseWriter, r *http.Request, op func(context.Context, domain.Identity, domain.QuestionKey) error) {
	key, err := parseQuestionKey(pathParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req callerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseIdentity(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := op(r.Context(), caller, key); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type grantRequest struct {
	Caller   string `json:"caller"`
	Identity string `json:"identity"`
}

// AddAdmin grants admin status on a question.
// POST /api/questions/{key}/admins {"caller":"0x...","identity":"0x..."}
func (h *QuestionHandler) AddAdmin(w http.ResponseWriter, r *http.Request) {
	h.grant(w, r, h.writer.AddQuestionAdmin)
}

// AddTrustedSource authorizes an identity to resolve a question.
// POST /api/questions/{key}/trusted-sources {"caller":"0x...","identity":"0x..."}
func (h *QuestionHandler) AddTrustedSource(w http.ResponseWriter, r *http.Request) {
	h.grant(w, r, h.writer.AddTrustedSource)
}

func (h *QuestionHandler) grant(w http.ResponseWriter, r *http.Request, op func(context.Context, domain.Identity, domain.QuestionKey, domain.Identity) error) {
	key, err := parseQuestionKey(pathParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseIdentity(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := parseIdentity(req.Identity)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := op(r.Context(), caller, key, id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// AddMarketAdmin grants market-wide admin status.
// POST /api/admins {"caller":"0x...","identity":"0x..."}
func (h *QuestionHandler) AddMarketAdmin(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseIdentity(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := parseIdentity(req.Identity)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.writer.AddMarketAdmin(r.Context(), caller, id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// AuditTrail returns the audit log newest-first.
// GET /api/audit?limit=50&offset=0
func (h *QuestionHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.reader.AuditTrail(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "audit trail failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read audit trail")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
