// Package treasury models the value channel the settlement engine moves
// funds through. The Vault keeps participant balances and per-question
// escrow in memory; deposits and payouts either move the full amount or
// fail, never partially.
package treasury

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/davencooke/predmarket/internal/domain"
)

// Vault is an in-process ledger of participant balances and question escrow.
type Vault struct {
	mu       sync.Mutex
	balances map[domain.Identity]*big.Int
	escrow   map[domain.QuestionKey]*big.Int
	logger   *slog.Logger
}

var _ domain.Treasury = (*Vault)(nil)

// NewVault creates an empty vault.
func NewVault(logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{
		balances: make(map[domain.Identity]*big.Int),
		escrow:   make(map[domain.QuestionKey]*big.Int),
		logger:   logger.With("component", "treasury"),
	}
}

// Credit adds funds to a participant's balance. It is how value enters the
// vault from outside (faucet, settlement of an external transfer, tests).
func (v *Vault) Credit(id domain.Identity, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[id] = new(big.Int).Add(v.balance(id), amount)
}

// Balance returns the participant's free balance.
func (v *Vault) Balance(id domain.Identity) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.balance(id))
}

// Deposit moves amount from the participant's balance into the question's
// escrow. Insufficient funds fail the whole transfer.
func (v *Vault) Deposit(ctx context.Context, key domain.QuestionKey, from domain.Identity, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("treasury: deposit: %w", err)
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("treasury: deposit negative amount: %w", domain.ErrTransferFailed)
	}
	if amount.Sign() == 0 {
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	bal := v.balance(from)
	if bal.Cmp(amount) < 0 {
		v.logger.WarnContext(ctx, "deposit rejected",
			"question", key, "from", from, "amount", amount.String(), "balance", bal.String())
		return fmt.Errorf("treasury: deposit %s exceeds balance %s: %w", amount, bal, domain.ErrTransferFailed)
	}
	v.balances[from] = new(big.Int).Sub(bal, amount)
	v.escrow[key] = new(big.Int).Add(v.escrowOf(key), amount)

	v.logger.DebugContext(ctx, "deposit", "question", key, "from", from, "amount", amount.String())
	return nil
}

// Payout moves amount from the question's escrow to the participant's
// balance. Paying out more than the escrow holds fails the transfer.
func (v *Vault) Payout(ctx context.Context, key domain.QuestionKey, to domain.Identity, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("treasury: payout: %w", err)
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("treasury: payout negative amount: %w", domain.ErrTransferFailed)
	}
	if amount.Sign() == 0 {
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	held := v.escrowOf(key)
	if held.Cmp(amount) < 0 {
		v.logger.ErrorContext(ctx, "payout exceeds escrow",
			"question", key, "to", to, "amount", amount.String(), "escrow", held.String())
		return fmt.Errorf("treasury: payout %s exceeds escrow %s: %w", amount, held, domain.ErrTransferFailed)
	}
	v.escrow[key] = new(big.Int).Sub(held, amount)
	v.balances[to] = new(big.Int).Add(v.balance(to), amount)

	v.logger.DebugContext(ctx, "payout", "question", key, "to", to, "amount", amount.String())
	return nil
}

// RestoreEscrow re-seeds a question's escrow during startup replay, when the
// journaled pools minus completed payouts tell us what the vault must hold.
func (v *Vault) RestoreEscrow(key domain.QuestionKey, amount *big.Int) {
	if amount == nil || amount.Sign() < 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.escrow[key] = new(big.Int).Set(amount)
}

// Escrow returns the funds currently held for a question.
func (v *Vault) Escrow(ctx context.Context, key domain.QuestionKey) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("treasury: escrow: %w", err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.escrowOf(key)), nil
}

func (v *Vault) balance(id domain.Identity) *big.Int {
	if b, ok := v.balances[id]; ok {
		return b
	}
	return new(big.Int)
}

func (v *Vault) escrowOf(key domain.QuestionKey) *big.Int {
	if e, ok := v.escrow[key]; ok {
		return e
	}
	return new(big.Int)
}
