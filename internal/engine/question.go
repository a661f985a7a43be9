// Package engine implements the prediction-market settlement core: question
// lifecycle, the bet ledger, access control, and proportional payout. Every
// public operation on a Question runs under its lock and either commits in
// full or leaves no trace; the outward value transfer is always the last
// fallible step.
package engine

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/davencooke/predmarket/internal/domain"
)

// bet is a participant's ledger entry.
type bet struct {
	yes       *big.Int
	no        *big.Int
	withdrawn bool
}

// Question is a single binary-outcome market. It owns its access list, its
// trusted-source set, and its ledger. All mutation goes through methods that
// take the caller identity explicitly.
type Question struct {
	mu sync.Mutex

	key    domain.QuestionKey
	phrase string

	state  domain.QuestionState
	answer domain.Outcome

	yesPool *big.Int
	noPool  *big.Int
	ledger  map[domain.Identity]*bet

	acl     *accessList
	trusted map[domain.Identity]struct{}

	treasury domain.Treasury

	createdBy domain.Identity
	createdAt time.Time
	updatedAt time.Time
}

// newQuestion builds an Open question. The owner becomes the first admin;
// additional admins are inherited from the registry by the caller.
func newQuestion(key domain.QuestionKey, phrase string, owner, createdBy domain.Identity, treasury domain.Treasury, now time.Time) *Question {
	return &Question{
		key:       key,
		phrase:    phrase,
		state:     domain.QuestionOpen,
		answer:    domain.OutcomeUnset,
		yesPool:   new(big.Int),
		noPool:    new(big.Int),
		ledger:    make(map[domain.Identity]*bet),
		acl:       newAccessList(owner),
		trusted:   make(map[domain.Identity]struct{}),
		treasury:  treasury,
		createdBy: createdBy,
		createdAt: now,
		updatedAt: now,
	}
}

// Key returns the question's phrase-hash lookup key.
func (q *Question) Key() domain.QuestionKey { return q.key }

// Phrase returns the immutable market phrase.
func (q *Question) Phrase() string { return q.phrase }

// AddAdmin grants admin status on this question. Admin-gated, idempotent.
func (q *Question) AddAdmin(caller, id domain.Identity) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.acl.addAdmin(caller, id); err != nil {
		return fmt.Errorf("engine: add admin: %w", err)
	}
	return nil
}

// IsAdmin reports whether id is an admin on this question.
func (q *Question) IsAdmin(id domain.Identity) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acl.isAdmin(id)
}

// AddTrustedSource authorizes id to resolve this question. Admin-gated,
// idempotent.
func (q *Question) AddTrustedSource(caller, id domain.Identity) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.acl.isAdmin(caller) {
		return fmt.Errorf("engine: add trusted source: %w", domain.ErrUnauthorized)
	}
	q.trusted[id] = struct{}{}
	return nil
}

// IsTrustedSource reports whether id may resolve this question.
func (q *Question) IsTrustedSource(id domain.Identity) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.trusted[id]
	return ok
}

// Pause suspends betting. Only admins may pause, only from Open.
func (q *Question) Pause(caller domain.Identity) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.acl.isAdmin(caller) {
		return fmt.Errorf("engine: pause: %w", domain.ErrUnauthorized)
	}
	if q.state != domain.QuestionOpen {
		return fmt.Errorf("engine: pause from %s: %w", q.state, domain.ErrInvalidTransition)
	}
	q.state = domain.QuestionPaused
	q.updatedAt = time.Now().UTC()
	return nil
}

// Unpause reopens betting. Only admins may unpause, only from Paused.
func (q *Question) Unpause(caller domain.Identity) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.acl.isAdmin(caller) {
		return fmt.Errorf("engine: unpause: %w", domain.ErrUnauthorized)
	}
	if q.state != domain.QuestionPaused {
		return fmt.Errorf("engine: unpause from %s: %w", q.state, domain.ErrInvalidTransition)
	}
	q.state = domain.QuestionOpen
	q.updatedAt = time.Now().UTC()
	return nil
}

// PlaceBet stakes yes/no amounts against a deposit of deposited. The split
// must sum exactly to the deposited value. The deposit is consumed first;
// ledger and pools are only touched after the transfer succeeds, so a failed
// deposit leaves no partial effect. Repeat calls by the same participant
// accumulate.
func (q *Question) PlaceBet(ctx context.Context, caller domain.Identity, yes, no, deposited *big.Int) error {
	if yes == nil || no == nil || deposited == nil ||
		yes.Sign() < 0 || no.Sign() < 0 || deposited.Sign() < 0 {
		return fmt.Errorf("engine: place bet: %w", domain.ErrAmountMismatch)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != domain.QuestionOpen {
		return fmt.Errorf("engine: place bet in %s: %w", q.state, domain.ErrMarketClosed)
	}

	sum := new(big.Int).Add(yes, no)
	if sum.Cmp(deposited) != 0 {
		return fmt.Errorf("engine: place bet %s+%s != %s: %w", yes, no, deposited, domain.ErrAmountMismatch)
	}

	if deposited.Sign() > 0 {
		if err := q.treasury.Deposit(ctx, q.key, caller, deposited); err != nil {
			return fmt.Errorf("engine: place bet deposit: %w", err)
		}
	}

	entry, ok := q.ledger[caller]
	if !ok {
		entry = &bet{yes: new(big.Int), no: new(big.Int)}
		q.ledger[caller] = entry
	}
	entry.yes.Add(entry.yes, yes)
	entry.no.Add(entry.no, no)
	q.yesPool.Add(q.yesPool, yes)
	q.noPool.Add(q.noPool, no)
	q.updatedAt = time.Now().UTC()
	return nil
}

// Resolve fixes the question's outcome. Only a registered trusted source may
// resolve, at most once; the transition is irreversible.
func (q *Question) Resolve(caller domain.Identity, outcome domain.Outcome) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.trusted[caller]; !ok {
		return fmt.Errorf("engine: resolve: %w", domain.ErrUnauthorized)
	}
	if q.state == domain.QuestionAnswered {
		return fmt.Errorf("engine: resolve: %w", domain.ErrAlreadyResolved)
	}
	if outcome != domain.OutcomeYes && outcome != domain.OutcomeNo {
		return fmt.Errorf("engine: resolve outcome %q: %w", outcome, domain.ErrInvalidTransition)
	}

	q.state = domain.QuestionAnswered
	q.answer = outcome
	q.updatedAt = time.Now().UTC()
	return nil
}

// Withdraw pays the caller's share of the total pool, exactly once. The
// withdrawn flag is set before the outward transfer; if the transfer fails
// the flag change is rolled back under the same lock, so no state exists
// where the flag is set but the payout never happened.
func (q *Question) Withdraw(ctx context.Context, caller domain.Identity) (*big.Int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != domain.QuestionAnswered {
		return nil, fmt.Errorf("engine: withdraw in %s: %w", q.state, domain.ErrNotResolved)
	}
	entry, ok := q.ledger[caller]
	if !ok {
		return nil, fmt.Errorf("engine: withdraw: %w", domain.ErrNothingToWithdraw)
	}
	if entry.withdrawn {
		return nil, fmt.Errorf("engine: withdraw: %w", domain.ErrAlreadyWithdrawn)
	}

	winningPool := q.yesPool
	stake := entry.yes
	if q.answer == domain.OutcomeNo {
		winningPool = q.noPool
		stake = entry.no
	}
	total := new(big.Int).Add(q.yesPool, q.noPool)
	payout := proportionalPayout(stake, winningPool, total)

	entry.withdrawn = true
	if payout.Sign() > 0 {
		if err := q.treasury.Payout(ctx, q.key, caller, payout); err != nil {
			entry.withdrawn = false
			return nil, fmt.Errorf("engine: withdraw payout: %w", err)
		}
	}
	q.updatedAt = time.Now().UTC()
	return payout, nil
}

// Snapshot returns the journaled representation of the question.
func (q *Question) Snapshot() domain.Question {
	q.mu.Lock()
	defer q.mu.Unlock()
	return domain.Question{
		Key:       q.key,
		Phrase:    q.phrase,
		State:     q.state,
		Answer:    q.answer,
		YesPool:   new(big.Int).Set(q.yesPool),
		NoPool:    new(big.Int).Set(q.noPool),
		CreatedBy: q.createdBy,
		CreatedAt: q.createdAt,
		UpdatedAt: q.updatedAt,
	}
}

// Bet returns the caller's ledger entry.
func (q *Question) Bet(id domain.Identity) (domain.Bet, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.ledger[id]
	if !ok {
		return domain.Bet{}, fmt.Errorf("engine: bet for %s: %w", id, domain.ErrNotFound)
	}
	return domain.Bet{
		QuestionKey: q.key,
		Bettor:      id,
		YesAmount:   new(big.Int).Set(entry.yes),
		NoAmount:    new(big.Int).Set(entry.no),
		Withdrawn:   entry.withdrawn,
		UpdatedAt:   q.updatedAt,
	}, nil
}

// Ledger returns a copy of every ledger entry, in unspecified order.
func (q *Question) Ledger() []domain.Bet {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.Bet, 0, len(q.ledger))
	for id, entry := range q.ledger {
		out = append(out, domain.Bet{
			QuestionKey: q.key,
			Bettor:      id,
			YesAmount:   new(big.Int).Set(entry.yes),
			NoAmount:    new(big.Int).Set(entry.no),
			Withdrawn:   entry.withdrawn,
			UpdatedAt:   q.updatedAt,
		})
	}
	return out
}

// FullyWithdrawn reports whether the question is answered and every ledger
// entry has been withdrawn (the terminal state of a market).
func (q *Question) FullyWithdrawn() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != domain.QuestionAnswered {
		return false
	}
	for _, entry := range q.ledger {
		if !entry.withdrawn {
			return false
		}
	}
	return true
}

// Admins returns the current admin set.
func (q *Question) Admins() []domain.Identity {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acl.list()
}

// TrustedSources returns the current trusted-source set.
func (q *Question) TrustedSources() []domain.Identity {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.Identity, 0, len(q.trusted))
	for id := range q.trusted {
		out = append(out, id)
	}
	return out
}
