// Package service orchestrates the settlement engine against the journal,
// cache, signal bus, audit log, and notifiers. SettlementService owns every
// state mutation; MarketService serves reads.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/davencooke/predmarket/internal/domain"
)

// MarketService is the read side: question snapshots, ledgers, payout
// history, and the audit trail. Reads prefer the cache and fall back to the
// journal.
type MarketService struct {
	questions domain.QuestionStore
	bets      domain.BetStore
	payouts   domain.PayoutStore
	audit     domain.AuditStore
	cache     domain.QuestionCache
	logger    *slog.Logger
}

// NewMarketService creates a MarketService with all required dependencies.
func NewMarketService(
	questions domain.QuestionStore,
	bets domain.BetStore,
	payouts domain.PayoutStore,
	audit domain.AuditStore,
	cache domain.QuestionCache,
	logger *slog.Logger,
) *MarketService {
	return &MarketService{
		questions: questions,
		bets:      bets,
		payouts:   payouts,
		audit:     audit,
		cache:     cache,
		logger:    logger,
	}
}

// GetQuestion retrieves a question snapshot, checking the cache first and
// falling back to the journal on a miss.
func (s *MarketService) GetQuestion(ctx context.Context, key domain.QuestionKey) (domain.Question, error) {
	q, err := s.cache.Get(ctx, key)
	if err == nil {
		return q, nil
	}

	q, err = s.questions.GetByKey(ctx, key)
	if err != nil {
		return domain.Question{}, fmt.Errorf("market: get question %s: %w", key, err)
	}

	// Back-fill cache; log but do not fail on cache write errors.
	if cacheErr := s.cache.Set(ctx, q); cacheErr != nil {
		s.logger.WarnContext(ctx, "market: cache set failed",
			slog.String("question", key.Hex()),
			slog.String("error", cacheErr.Error()),
		)
	}
	return q, nil
}

// ListQuestions returns questions newest-first from the journal.
func (s *MarketService) ListQuestions(ctx context.Context, opts domain.ListOpts) ([]domain.Question, error) {
	questions, err := s.questions.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("market: list questions: %w", err)
	}
	return questions, nil
}

// ListByState returns questions in a single lifecycle state.
func (s *MarketService) ListByState(ctx context.Context, state domain.QuestionState, opts domain.ListOpts) ([]domain.Question, error) {
	questions, err := s.questions.ListByState(ctx, state, opts)
	if err != nil {
		return nil, fmt.Errorf("market: list questions by state %s: %w", state, err)
	}
	return questions, nil
}

// CountQuestions returns the total number of journaled questions.
func (s *MarketService) CountQuestions(ctx context.Context) (int64, error) {
	count, err := s.questions.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("market: count questions: %w", err)
	}
	return count, nil
}

// GetBet returns one participant's ledger entry for a question.
func (s *MarketService) GetBet(ctx context.Context, key domain.QuestionKey, bettor domain.Identity) (domain.Bet, error) {
	bet, err := s.bets.Get(ctx, key, bettor)
	if err != nil {
		return domain.Bet{}, fmt.Errorf("market: get bet %s/%s: %w", key, bettor, err)
	}
	return bet, nil
}

// ListBets returns the full ledger for a question.
func (s *MarketService) ListBets(ctx context.Context, key domain.QuestionKey) ([]domain.Bet, error) {
	bets, err := s.bets.ListByQuestion(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("market: list bets %s: %w", key, err)
	}
	return bets, nil
}

// ListPayouts returns completed withdrawals for a question, oldest first.
func (s *MarketService) ListPayouts(ctx context.Context, key domain.QuestionKey) ([]domain.Payout, error) {
	payouts, err := s.payouts.ListByQuestion(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("market: list payouts %s: %w", key, err)
	}
	return payouts, nil
}

// AuditTrail returns audit entries newest-first.
func (s *MarketService) AuditTrail(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	entries, err := s.audit.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("market: audit trail: %w", err)
	}
	return entries, nil
}
