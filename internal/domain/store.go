package domain

import (
	"context"
	"math/big"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// QuestionStore journals question state.
type QuestionStore interface {
	Insert(ctx context.Context, q Question) error
	Update(ctx context.Context, q Question) error
	GetByKey(ctx context.Context, key QuestionKey) (Question, error)
	List(ctx context.Context, opts ListOpts) ([]Question, error)
	ListByState(ctx context.Context, state QuestionState, opts ListOpts) ([]Question, error)
	Count(ctx context.Context) (int64, error)
}

// BetStore journals the per-participant ledger of every question.
type BetStore interface {
	Upsert(ctx context.Context, bet Bet) error
	Get(ctx context.Context, key QuestionKey, bettor Identity) (Bet, error)
	ListByQuestion(ctx context.Context, key QuestionKey) ([]Bet, error)
	MarkWithdrawn(ctx context.Context, key QuestionKey, bettor Identity) error
	SumPools(ctx context.Context, key QuestionKey) (yes, no *big.Int, err error)
}

// PayoutStore journals completed withdrawals.
type PayoutStore interface {
	Insert(ctx context.Context, p Payout) error
	ListByQuestion(ctx context.Context, key QuestionKey) ([]Payout, error)
	SumByQuestion(ctx context.Context, key QuestionKey) (*big.Int, error)
}

// Role names journaled per question so access lists survive restarts.
const (
	RoleAdmin         = "admin"
	RoleTrustedSource = "trusted_source"
)

// RoleStore journals per-question role grants.
type RoleStore interface {
	Grant(ctx context.Context, key QuestionKey, identity Identity, role string) error
	ListByQuestion(ctx context.Context, key QuestionKey) (admins, trusted []Identity, err error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
