// Package handler serves the HTTP API over the market services. Handlers
// depend on small locally-declared service interfaces, never on concrete
// service types.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/davencooke/predmarket/internal/domain"
)

// maxBodyBytes bounds request bodies; settlement payloads are tiny.
const maxBodyBytes = 1 << 16

// writeJSON marshals v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps a domain error to its HTTP status and writes it.
func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, statusForError(err), rootMessage(err))
}

// statusForError maps the settlement error taxonomy onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrNothingToWithdraw):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrAmountMismatch):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrMarketClosed),
		errors.Is(err, domain.ErrAlreadyResolved),
		errors.Is(err, domain.ErrNotResolved),
		errors.Is(err, domain.ErrAlreadyWithdrawn):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrLockHeld):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrTransferFailed):
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

// rootMessage unwraps to the innermost error so clients see the taxonomy
// name, not the internal wrap chain.
func rootMessage(err error) string {
	for {
		unwrapped := errors.Unwrap(err)
		if unwrapped == nil {
			return err.Error()
		}
		err = unwrapped
	}
}

// decodeJSON parses a bounded JSON request body into dst.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// parseListOpts extracts standard pagination parameters from the query
// string. Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// pathParam extracts a named path parameter (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// parseQuestionKey parses a 0x-prefixed 32-byte hex question key.
func parseQuestionKey(s string) (domain.QuestionKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(trimmed) != 64 {
		return domain.QuestionKey{}, fmt.Errorf("invalid question key %q", s)
	}
	for _, c := range trimmed {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return domain.QuestionKey{}, fmt.Errorf("invalid question key %q", s)
		}
	}
	return common.HexToHash(s), nil
}

// parseIdentity parses a 0x-prefixed 20-byte hex identity.
func parseIdentity(s string) (domain.Identity, error) {
	if !common.IsHexAddress(s) {
		return domain.Identity{}, fmt.Errorf("invalid identity %q", s)
	}
	return common.HexToAddress(s), nil
}

// parseAmount parses a non-negative decimal amount of arbitrary size.
func parseAmount(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return n, nil
}

// logHandler attaches a handler name to the logger.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
