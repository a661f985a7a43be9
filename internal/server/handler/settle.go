package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/davencooke/predmarket/internal/domain"
)

// PayoutReader is the read side the settlement handler needs.
type PayoutReader interface {
	ListPayouts(ctx context.Context, key domain.QuestionKey) ([]domain.Payout, error)
}

// Settler is the write side the settlement handler needs.
type Settler interface {
	Resolve(ctx context.Context, caller domain.Identity, key domain.QuestionKey, outcome domain.Outcome) error
	ResolveSigned(ctx context.Context, key domain.QuestionKey, outcome domain.Outcome, sigHex string) (domain.Identity, error)
	Withdraw(ctx context.Context, caller domain.Identity, key domain.QuestionKey) (domain.Payout, error)
}

// SettleHandler serves resolution and withdrawal endpoints.
type SettleHandler struct {
	payouts PayoutReader
	settler Settler
	logger  *slog.Logger
}

// NewSettleHandler creates a SettleHandler.
func NewSettleHandler(payouts PayoutReader, settler Settler, logger *slog.Logger) *SettleHandler {
	return &SettleHandler{
		payouts: payouts,
		settler: settler,
		logger:  logHandler(logger, "settle"),
	}
}

type resolveRequest struct {
	Caller    string `json:"caller,omitempty"`
	Outcome   string `json:"outcome"`
	Signature string `json:"signature,omitempty"`
}

// Resolve fixes a question's outcome. With a signature, the resolver is
// recovered from the signed attestation; otherwise the caller field names
// the trusted source directly.
// POST /api/questions/{key}/resolve {"outcome":"yes","caller":"0x..."}
// POST /api/questions/{key}/resolve {"outcome":"yes","signature":"0x..."}
func (h *SettleHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	key, err := parseQuestionKey(pathParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	outcome := domain.Outcome(req.Outcome)

	if req.Signature != "" {
		resolver, err := h.settler.ResolveSigned(r.Context(), key, outcome, req.Signature)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":   "resolved",
			"outcome":  string(outcome),
			"resolver": resolver.Hex(),
		})
		return
	}

	caller, err := parseIdentity(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.settler.Resolve(r.Context(), caller, key, outcome); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "resolved",
		"outcome":  string(outcome),
		"resolver": caller.Hex(),
	})
}

// Withdraw claims the caller's share of the total pool, once.
// POST /api/questions/{key}/withdraw {"caller":"0x..."}
func (h *SettleHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
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

	payout, err := h.settler.Withdraw(r.Context(), caller, key)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payout)
}

// ListPayouts returns completed withdrawals for a question.
// GET /api/questions/{key}/payouts
func (h *SettleHandler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	key, err := parseQuestionKey(pathParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	payouts, err := h.payouts.ListPayouts(r.Context(), key)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list payouts failed",
			slog.String("question", key.Hex()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list payouts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payouts": payouts})
}
