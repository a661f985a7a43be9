package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/davencooke/predmarket/internal/domain"
)

// BetReader is the read side the bet handler needs.
type BetReader interface {
	GetBet(ctx context.Context, key domain.QuestionKey, bettor domain.Identity) (domain.Bet, error)
	ListBets(ctx context.Context, key domain.QuestionKey) ([]domain.Bet, error)
}

// BetWriter is the write side the bet handler needs.
type BetWriter interface {
	PlaceBet(ctx context.Context, caller domain.Identity, key domain.QuestionKey, yes, no, deposited *big.Int) (domain.Bet, error)
}

// BetHandler serves the betting endpoints.
type BetHandler struct {
	reader BetReader
	writer BetWriter
	logger *slog.Logger
}

// NewBetHandler creates a BetHandler.
func NewBetHandler(reader BetReader, writer BetWriter, logger *slog.Logger) *BetHandler {
	return &BetHandler{
		reader: reader,
		writer: writer,
		logger: logHandler(logger, "bet"),
	}
}

type placeBetRequest struct {
	Caller    string `json:"caller"`
	Yes       string `json:"yes"`
	No        string `json:"no"`
	Deposited string `json:"deposited"`
}

// PlaceBet stakes a yes/no split. The two amounts must sum exactly to the
// deposited value, all in the smallest indivisible unit.
// POST /api/questions/{key}/bets {"caller":"0x...","yes":"30","no":"20","deposited":"50"}
func (h *BetHandler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	key, err := parseQuestionKey(pathParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req placeBetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseIdentity(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	yes, err := parseAmount(req.Yes)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	no, err := parseAmount(req.No)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	deposited, err := parseAmount(req.Deposited)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	bet, err := h.writer.PlaceBet(r.Context(), caller, key, yes, no, deposited)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bet)
}

// ListBets returns the full ledger for a question.
// GET /api/questions/{key}/bets
func (h *BetHandler) ListBets(w http.ResponseWriter, r *http.Request) {
	key, err := parseQuestionKey(pathParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	bets, err := h.reader.ListBets(r.Context(), key)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list bets failed",
			slog.String("question", key.Hex()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list bets")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bets": bets})
}

// GetBet returns one participant's ledger entry.
// GET /api/questions/{key}/bets/{bettor}
func (h *BetHandler) GetBet(w http.ResponseWriter, r *http.Request) {
	key, err := parseQuestionKey(pathParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bettor, err := parseIdentity(pathParam(r, "bettor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	bet, err := h.reader.GetBet(r.Context(), key, bettor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bet)
}
