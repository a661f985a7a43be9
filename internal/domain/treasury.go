package domain

import (
	"context"
	"math/big"
)

// Treasury is the value-transfer primitive the engine settles against. A
// deposit is consumed fully and atomically or the call fails; a payout that
// fails leaves no partial effect. Both directions return ErrTransferFailed
// (possibly wrapped) on rejection.
type Treasury interface {
	// Deposit moves amount from the participant into the question's escrow.
	Deposit(ctx context.Context, key QuestionKey, from Identity, amount *big.Int) error

	// Payout moves amount from the question's escrow to the participant.
	Payout(ctx context.Context, key QuestionKey, to Identity, amount *big.Int) error

	// Escrow reports the balance currently held for a question.
	Escrow(ctx context.Context, key QuestionKey) (*big.Int, error)
}
