package postgres

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/davencooke/predmarket/internal/domain"
)

// PayoutStore implements domain.PayoutStore using PostgreSQL.
type PayoutStore struct {
	pool *pgxpool.Pool
}

var _ domain.PayoutStore = (*PayoutStore)(nil)

// NewPayoutStore creates a PayoutStore backed by the given pool.
func NewPayoutStore(pool *pgxpool.Pool) *PayoutStore {
	return &PayoutStore{pool: pool}
}

// Insert records a completed withdrawal.
func (s *PayoutStore) Insert(ctx context.Context, p domain.Payout) error {
	const query = `
		INSERT INTO payouts (id, question_key, bettor, amount, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.QuestionKey.Hex(), p.Bettor.Hex(), numeric(p.Amount), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert payout %s: %w", p.ID, err)
	}
	return nil
}

// ListByQuestion returns every payout for a question, oldest first.
func (s *PayoutStore) ListByQuestion(ctx context.Context, key domain.QuestionKey) ([]domain.Payout, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, question_key, bettor, amount::text, created_at
		FROM payouts WHERE question_key = $1
		ORDER BY created_at`,
		key.Hex())
	if err != nil {
		return nil, fmt.Errorf("postgres: list payouts %s: %w", key, err)
	}
	defer rows.Close()

	var payouts []domain.Payout
	for rows.Next() {
		var (
			p                 domain.Payout
			keyHex, bettorHex string
			amountText        string
		)
		if err := rows.Scan(&p.ID, &keyHex, &bettorHex, &amountText, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan payout: %w", err)
		}
		p.QuestionKey = common.HexToHash(keyHex)
		p.Bettor = common.HexToAddress(bettorHex)
		if p.Amount, err = parseNumeric(amountText); err != nil {
			return nil, err
		}
		payouts = append(payouts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list payouts rows: %w", err)
	}
	return payouts, nil
}

// SumByQuestion totals the payouts already made for a question. Together
// with the journaled pools this bounds the remaining escrow obligation.
func (s *PayoutStore) SumByQuestion(ctx context.Context, key domain.QuestionKey) (*big.Int, error) {
	var totalText string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text FROM payouts WHERE question_key = $1`,
		key.Hex()).Scan(&totalText)
	if err != nil {
		return nil, fmt.Errorf("postgres: sum payouts %s: %w", key, err)
	}
	return parseNumeric(totalText)
}
