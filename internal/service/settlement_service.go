package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/davencooke/predmarket/internal/crypto"
	"github.com/davencooke/predmarket/internal/domain"
	"github.com/davencooke/predmarket/internal/engine"
)

// Notifier forwards operator-facing alerts. Matched by *notify.Notifier.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// EscrowRestorer re-seeds escrow balances during startup replay. Matched by
// *treasury.Vault.
type EscrowRestorer interface {
	RestoreEscrow(key domain.QuestionKey, amount *big.Int)
}

// MarketRoleKey is the question-key slot used to journal market-wide role
// grants: the all-zero hash, which no phrase can collide with in practice.
var MarketRoleKey = domain.QuestionKey{}

const (
	betLimitPerMinute    = 60
	createLimitPerMinute = 10
	writeLockTTL         = 10 * time.Second
)

// SettlementService is the write side of the market: it drives the engine
// and keeps the journal, cache, signal bus, and audit log in step with it.
// The engine is authoritative; journaling failures are surfaced to the
// caller so an operator notices drift, but the engine state stands.
type SettlementService struct {
	market    *engine.Market
	questions domain.QuestionStore
	bets      domain.BetStore
	payouts   domain.PayoutStore
	roles     domain.RoleStore
	audit     domain.AuditStore
	cache     domain.QuestionCache
	bus       domain.SignalBus
	locks     domain.LockManager
	limiter   domain.RateLimiter
	notifier  Notifier
	logger    *slog.Logger
}

// NewSettlementService creates a SettlementService with all required
// dependencies.
func NewSettlementService(
	market *engine.Market,
	questions domain.QuestionStore,
	bets domain.BetStore,
	payouts domain.PayoutStore,
	roles domain.RoleStore,
	audit domain.AuditStore,
	cache domain.QuestionCache,
	bus domain.SignalBus,
	locks domain.LockManager,
	limiter domain.RateLimiter,
	notifier Notifier,
	logger *slog.Logger,
) *SettlementService {
	return &SettlementService{
		market:    market,
		questions: questions,
		bets:      bets,
		payouts:   payouts,
		roles:     roles,
		audit:     audit,
		cache:     cache,
		bus:       bus,
		locks:     locks,
		limiter:   limiter,
		notifier:  notifier,
		logger:    logger,
	}
}

// CreateQuestion opens a new market under the hash of phrase. Only market
// admins may create; the question inherits the current market admin set.
func (s *SettlementService) CreateQuestion(ctx context.Context, caller domain.Identity, phrase string) (domain.Question, error) {
	allowed, err := s.limiter.Allow(ctx, "create:"+caller.Hex(), createLimitPerMinute, time.Minute)
	if err != nil {
		return domain.Question{}, fmt.Errorf("settlement: rate limiter: %w", err)
	}
	if !allowed {
		return domain.Question{}, domain.ErrRateLimited
	}

	key := s.market.Key(phrase)
	unlock, err := s.lockQuestion(ctx, key)
	if err != nil {
		return domain.Question{}, err
	}
	defer unlock()

	q, err := s.market.CreateQuestion(caller, phrase)
	if err != nil {
		return domain.Question{}, fmt.Errorf("settlement: create question: %w", err)
	}
	snap := q.Snapshot()

	if err := s.questions.Insert(ctx, snap); err != nil {
		return domain.Question{}, fmt.Errorf("settlement: journal question %s: %w", snap.Key, err)
	}
	for _, admin := range q.Admins() {
		if err := s.roles.Grant(ctx, snap.Key, admin, domain.RoleAdmin); err != nil {
			return domain.Question{}, fmt.Errorf("settlement: journal admin grant: %w", err)
		}
	}

	s.cacheSet(ctx, snap)
	s.publish(ctx, domain.ChannelQuestions, domain.MarketEvent{
		Type:        domain.EventQuestionCreated,
		QuestionKey: snap.Key,
		Phrase:      snap.Phrase,
		Caller:      caller,
		At:          snap.CreatedAt,
	})
	s.auditLog(ctx, domain.EventQuestionCreated, map[string]any{
		"question": snap.Key.Hex(),
		"phrase":   snap.Phrase,
		"caller":   caller.Hex(),
	})

	s.logger.InfoContext(ctx, "settlement: question created",
		slog.String("question", snap.Key.Hex()),
		slog.String("phrase", snap.Phrase),
		slog.String("caller", caller.Hex()),
	)
	return snap, nil
}

// PlaceBet stakes a yes/no split for the caller on a question. The split
// must sum exactly to the deposited value.
func (s *SettlementService) PlaceBet(ctx context.Context, caller domain.Identity, key domain.QuestionKey, yes, no, deposited *big.Int) (domain.Bet, error) {
	allowed, err := s.limiter.Allow(ctx, "bet:"+caller.Hex(), betLimitPerMinute, time.Minute)
	if err != nil {
		return domain.Bet{}, fmt.Errorf("settlement: rate limiter: %w", err)
	}
	if !allowed {
		return domain.Bet{}, domain.ErrRateLimited
	}

	q, err := s.market.Question(key)
	if err != nil {
		return domain.Bet{}, fmt.Errorf("settlement: place bet: %w", err)
	}

	unlock, err := s.lockQuestion(ctx, key)
	if err != nil {
		return domain.Bet{}, err
	}
	defer unlock()

	if err := q.PlaceBet(ctx, caller, yes, no, deposited); err != nil {
		return domain.Bet{}, fmt.Errorf("settlement: place bet: %w", err)
	}

	bet, err := q.Bet(caller)
	if err != nil {
		return domain.Bet{}, fmt.Errorf("settlement: read ledger entry: %w", err)
	}
	if err := s.bets.Upsert(ctx, bet); err != nil {
		return domain.Bet{}, fmt.Errorf("settlement: journal bet: %w", err)
	}
	snap := q.Snapshot()
	if err := s.questions.Update(ctx, snap); err != nil {
		return domain.Bet{}, fmt.Errorf("settlement: journal pools: %w", err)
	}

	s.cacheSet(ctx, snap)
	s.publish(ctx, domain.ChannelBets, domain.MarketEvent{
		Type:        domain.EventBetPlaced,
		QuestionKey: key,
		Caller:      caller,
		Amount:      deposited,
		At:          bet.UpdatedAt,
	})
	s.auditLog(ctx, domain.EventBetPlaced, map[string]any{
		"question":  key.Hex(),
		"caller":    caller.Hex(),
		"yes":       yes.String(),
		"no":        no.String(),
		"deposited": deposited.String(),
	})

	s.logger.InfoContext(ctx, "settlement: bet placed",
		slog.String("question", key.Hex()),
		slog.String("caller", caller.Hex()),
		slog.String("deposited", deposited.String()),
	)
	return bet, nil
}

// Pause suspends betting on a question. Admin-gated.
func (s *SettlementService) Pause(ctx context.Context, caller domain.Identity, key domain.QuestionKey) error {
	return s.transition(ctx, caller, key, domain.EventQuestionPaused, func(q *engine.Question) error {
		return q.Pause(caller)
	})
}

// Unpause reopens betting on a paused question. Admin-gated.
func (s *SettlementService) Unpause(ctx context.Context, caller domain.Identity, key domain.QuestionKey) error {
	return s.transition(ctx, caller, key, domain.EventQuestionUnpaused, func(q *engine.Question) error {
		return q.Unpause(caller)
	})
}

func (s *SettlementService) transition(ctx context.Context, caller domain.Identity, key domain.QuestionKey, event string, op func(*engine.Question) error) error {
	q, err := s.market.Question(key)
	if err != nil {
		return fmt.Errorf("settlement: %s: %w", event, err)
	}

	unlock, err := s.lockQuestion(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	if err := op(q); err != nil {
		return fmt.Errorf("settlement: %s: %w", event, err)
	}
	snap := q.Snapshot()
	if err := s.questions.Update(ctx, snap); err != nil {
		return fmt.Errorf("settlement: journal %s: %w", event, err)
	}

	s.cacheSet(ctx, snap)
	s.publish(ctx, domain.ChannelQuestions, domain.MarketEvent{
		Type:        event,
		QuestionKey: key,
		Caller:      caller,
		At:          snap.UpdatedAt,
	})
	s.auditLog(ctx, event, map[string]any{
		"question": key.Hex(),
		"caller":   caller.Hex(),
	})

	s.logger.InfoContext(ctx, "settlement: "+event,
		slog.String("question", key.Hex()),
		slog.String("caller", caller.Hex()),
	)
	return nil
}

// AddMarketAdmin grants market-wide admin status. Future questions inherit
// the grant; existing questions do not.
func (s *SettlementService) AddMarketAdmin(ctx context.Context, caller, id domain.Identity) error {
	if err := s.market.AddAdmin(caller, id); err != nil {
		return fmt.Errorf("settlement: add market admin: %w", err)
	}
	if err := s.roles.Grant(ctx, MarketRoleKey, id, domain.RoleAdmin); err != nil {
		return fmt.Errorf("settlement: journal market admin: %w", err)
	}
	s.auditLog(ctx, "market_admin_added", map[string]any{
		"caller": caller.Hex(),
		"admin":  id.Hex(),
	})
	return nil
}

// AddQuestionAdmin grants admin status on a single question.
func (s *SettlementService) AddQuestionAdmin(ctx context.Context, caller domain.Identity, key domain.QuestionKey, id domain.Identity) error {
	q, err := s.market.Question(key)
	if err != nil {
		return fmt.Errorf("settlement: add question admin: %w", err)
	}
	if err := q.AddAdmin(caller, id); err != nil {
		return fmt.Errorf("settlement: add question admin: %w", err)
	}
	if err := s.roles.Grant(ctx, key, id, domain.RoleAdmin); err != nil {
		return fmt.Errorf("settlement: journal question admin: %w", err)
	}
	s.auditLog(ctx, "question_admin_added", map[string]any{
		"question": key.Hex(),
		"caller":   caller.Hex(),
		"admin":    id.Hex(),
	})
	return nil
}

// AddTrustedSource authorizes an identity to resolve a question.
func (s *SettlementService) AddTrustedSource(ctx context.Context, caller domain.Identity, key domain.QuestionKey, id domain.Identity) error {
	q, err := s.market.Question(key)
	if err != nil {
		return fmt.Errorf("settlement: add trusted source: %w", err)
	}
	if err := q.AddTrustedSource(caller, id); err != nil {
		return fmt.Errorf("settlement: add trusted source: %w", err)
	}
	if err := s.roles.Grant(ctx, key, id, domain.RoleTrustedSource); err != nil {
		return fmt.Errorf("settlement: journal trusted source: %w", err)
	}
	s.auditLog(ctx, "trusted_source_added", map[string]any{
		"question": key.Hex(),
		"caller":   caller.Hex(),
		"source":   id.Hex(),
	})
	return nil
}

// Resolve fixes a question's outcome. Only a trusted source of that question
// may resolve, at most once.
func (s *SettlementService) Resolve(ctx context.Context, caller domain.Identity, key domain.QuestionKey, outcome domain.Outcome) error {
	q, err := s.market.Question(key)
	if err != nil {
		return fmt.Errorf("settlement: resolve: %w", err)
	}

	unlock, err := s.lockQuestion(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	if err := q.Resolve(caller, outcome); err != nil {
		return fmt.Errorf("settlement: resolve: %w", err)
	}
	snap := q.Snapshot()
	if err := s.questions.Update(ctx, snap); err != nil {
		return fmt.Errorf("settlement: journal resolution: %w", err)
	}

	s.cacheSet(ctx, snap)
	s.publish(ctx, domain.ChannelQuestions, domain.MarketEvent{
		Type:        domain.EventQuestionResolved,
		QuestionKey: key,
		Phrase:      snap.Phrase,
		Caller:      caller,
		Outcome:     outcome,
		At:          snap.UpdatedAt,
	})
	s.auditLog(ctx, domain.EventQuestionResolved, map[string]any{
		"question": key.Hex(),
		"caller":   caller.Hex(),
		"outcome":  string(outcome),
	})
	s.notify(ctx, domain.EventQuestionResolved, "Question resolved",
		fmt.Sprintf("%q resolved %s by %s", snap.Phrase, outcome, caller.Hex()))

	s.logger.InfoContext(ctx, "settlement: question resolved",
		slog.String("question", key.Hex()),
		slog.String("outcome", string(outcome)),
		slog.String("caller", caller.Hex()),
	)
	return nil
}

// ResolveSigned resolves a question from a signed outcome attestation. The
// signer recovered from the signature is the caller; it must be one of the
// question's trusted sources.
func (s *SettlementService) ResolveSigned(ctx context.Context, key domain.QuestionKey, outcome domain.Outcome, sigHex string) (domain.Identity, error) {
	caller, err := crypto.RecoverResolver(key, outcome, sigHex)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("settlement: resolve signed: %w", err)
	}
	if err := s.Resolve(ctx, caller, key, outcome); err != nil {
		return domain.Identity{}, err
	}
	return caller, nil
}

// Withdraw pays out the caller's share of the total pool, exactly once per
// participant per question.
func (s *SettlementService) Withdraw(ctx context.Context, caller domain.Identity, key domain.QuestionKey) (domain.Payout, error) {
	q, err := s.market.Question(key)
	if err != nil {
		return domain.Payout{}, fmt.Errorf("settlement: withdraw: %w", err)
	}

	unlock, err := s.lockQuestion(ctx, key)
	if err != nil {
		return domain.Payout{}, err
	}
	defer unlock()

	amount, err := q.Withdraw(ctx, caller)
	if err != nil {
		return domain.Payout{}, fmt.Errorf("settlement: withdraw: %w", err)
	}

	// From here on the vault transfer stands even if journaling fails. A
	// replay over a journal missing this withdrawal would re-seed escrow as
	// if the payout never happened, so the drift is audited before the error
	// is surfaced.
	if err := s.bets.MarkWithdrawn(ctx, key, caller); err != nil {
		s.recordPayoutDrift(ctx, key, caller, amount, "mark_withdrawn", err)
		return domain.Payout{}, fmt.Errorf("settlement: journal withdrawal: %w", err)
	}
	payout := domain.Payout{
		ID:          uuid.NewString(),
		QuestionKey: key,
		Bettor:      caller,
		Amount:      amount,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.payouts.Insert(ctx, payout); err != nil {
		s.recordPayoutDrift(ctx, key, caller, amount, "payout_insert", err)
		return domain.Payout{}, fmt.Errorf("settlement: journal payout: %w", err)
	}

	s.publish(ctx, domain.ChannelPayouts, domain.MarketEvent{
		Type:        domain.EventPayoutSent,
		QuestionKey: key,
		Caller:      caller,
		Amount:      amount,
		At:          payout.CreatedAt,
	})
	s.auditLog(ctx, domain.EventPayoutSent, map[string]any{
		"question": key.Hex(),
		"caller":   caller.Hex(),
		"amount":   amount.String(),
	})

	s.logger.InfoContext(ctx, "settlement: payout sent",
		slog.String("question", key.Hex()),
		slog.String("caller", caller.Hex()),
		slog.String("amount", amount.String()),
	)
	return payout, nil
}

// Replay rebuilds the engine from the journal after a restart. Each
// question's ledger must sum to its journaled pools, and every question's
// escrow is re-seeded as pools minus completed payouts.
func (s *SettlementService) Replay(ctx context.Context, vault EscrowRestorer) error {
	marketAdmins, _, err := s.roles.ListByQuestion(ctx, MarketRoleKey)
	if err != nil {
		return fmt.Errorf("settlement: replay market roles: %w", err)
	}
	s.market.RestoreAdmins(marketAdmins)

	questions, err := s.questions.List(ctx, domain.ListOpts{})
	if err != nil {
		return fmt.Errorf("settlement: replay questions: %w", err)
	}

	restored := make([]engine.RestoredQuestion, 0, len(questions))
	for _, q := range questions {
		bets, err := s.bets.ListByQuestion(ctx, q.Key)
		if err != nil {
			return fmt.Errorf("settlement: replay bets %s: %w", q.Key, err)
		}
		admins, trusted, err := s.roles.ListByQuestion(ctx, q.Key)
		if err != nil {
			return fmt.Errorf("settlement: replay roles %s: %w", q.Key, err)
		}
		restored = append(restored, engine.RestoredQuestion{
			Question: q,
			Bets:     bets,
			Admins:   admins,
			Trusted:  trusted,
		})

		if vault != nil {
			paid, err := s.payouts.SumByQuestion(ctx, q.Key)
			if err != nil {
				return fmt.Errorf("settlement: replay payouts %s: %w", q.Key, err)
			}
			escrow := new(big.Int).Add(q.YesPool, q.NoPool)
			escrow.Sub(escrow, paid)
			vault.RestoreEscrow(q.Key, escrow)
		}
	}

	if err := s.market.Restore(restored); err != nil {
		return fmt.Errorf("settlement: replay: %w", err)
	}

	s.logger.InfoContext(ctx, "settlement: journal replayed",
		slog.Int("questions", len(restored)),
		slog.Int("market_admins", len(marketAdmins)),
	)
	return nil
}

// recordPayoutDrift logs and audits a payout whose vault transfer completed
// but whose journal write failed. Operators must reconcile the journal before
// restarting the process, otherwise replay over-seeds the question's escrow.
func (s *SettlementService) recordPayoutDrift(ctx context.Context, key domain.QuestionKey, caller domain.Identity, amount *big.Int, stage string, cause error) {
	s.auditLog(ctx, "payout_journal_drift", map[string]any{
		"question": key.Hex(),
		"caller":   caller.Hex(),
		"amount":   amount.String(),
		"stage":    stage,
		"error":    cause.Error(),
	})
	s.logger.ErrorContext(ctx, "settlement: payout journal drift",
		slog.String("question", key.Hex()),
		slog.String("caller", caller.Hex()),
		slog.String("amount", amount.String()),
		slog.String("stage", stage),
		slog.String("error", cause.Error()),
	)
}

// lockQuestion serializes cross-replica writers on one question. Lock
// failures other than contention are surfaced as-is.
func (s *SettlementService) lockQuestion(ctx context.Context, key domain.QuestionKey) (func(), error) {
	unlock, err := s.locks.Acquire(ctx, "question:"+key.Hex(), writeLockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return nil, domain.ErrLockHeld
		}
		return nil, fmt.Errorf("settlement: acquire lock %s: %w", key, err)
	}
	return unlock, nil
}

func (s *SettlementService) cacheSet(ctx context.Context, snap domain.Question) {
	if err := s.cache.Set(ctx, snap); err != nil {
		s.logger.WarnContext(ctx, "settlement: cache set failed",
			slog.String("question", snap.Key.Hex()),
			slog.String("error", err.Error()),
		)
	}
}

func (s *SettlementService) publish(ctx context.Context, channel string, evt domain.MarketEvent) {
	payload, err := json.Marshal(evt)
	if err != nil {
		s.logger.WarnContext(ctx, "settlement: marshal event failed",
			slog.String("type", evt.Type),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := s.bus.Publish(ctx, channel, payload); err != nil {
		s.logger.WarnContext(ctx, "settlement: publish event failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
	if err := s.bus.StreamAppend(ctx, channel, payload); err != nil {
		s.logger.WarnContext(ctx, "settlement: stream append failed",
			slog.String("stream", channel),
			slog.String("error", err.Error()),
		)
	}
}

func (s *SettlementService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "settlement: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (s *SettlementService) notify(ctx context.Context, event, title, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event, title, message); err != nil {
		s.logger.WarnContext(ctx, "settlement: notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
