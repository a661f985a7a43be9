package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/davencooke/predmarket/internal/domain"
)

// BetStore implements domain.BetStore using PostgreSQL.
type BetStore struct {
	pool *pgxpool.Pool
}

var _ domain.BetStore = (*BetStore)(nil)

// NewBetStore creates a BetStore backed by the given pool.
func NewBetStore(pool *pgxpool.Pool) *BetStore {
	return &BetStore{pool: pool}
}

// Upsert journals a participant's cumulative ledger entry.
func (s *BetStore) Upsert(ctx context.Context, bet domain.Bet) error {
	const query = `
		INSERT INTO bets (question_key, bettor, yes_amount, no_amount, withdrawn, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (question_key, bettor) DO UPDATE SET
			yes_amount = EXCLUDED.yes_amount,
			no_amount  = EXCLUDED.no_amount,
			withdrawn  = EXCLUDED.withdrawn,
			updated_at = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query,
		bet.QuestionKey.Hex(), bet.Bettor.Hex(),
		numeric(bet.YesAmount), numeric(bet.NoAmount),
		bet.Withdrawn, bet.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert bet %s/%s: %w", bet.QuestionKey, bet.Bettor, err)
	}
	return nil
}

// Get retrieves one participant's ledger entry for a question.
func (s *BetStore) Get(ctx context.Context, key domain.QuestionKey, bettor domain.Identity) (domain.Bet, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT question_key, bettor, yes_amount::text, no_amount::text, withdrawn, updated_at
		FROM bets WHERE question_key = $1 AND bettor = $2`,
		key.Hex(), bettor.Hex())

	b, err := scanBet(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Bet{}, domain.ErrNotFound
		}
		return domain.Bet{}, fmt.Errorf("postgres: get bet %s/%s: %w", key, bettor, err)
	}
	return b, nil
}

// ListByQuestion returns every ledger entry for a question.
func (s *BetStore) ListByQuestion(ctx context.Context, key domain.QuestionKey) ([]domain.Bet, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT question_key, bettor, yes_amount::text, no_amount::text, withdrawn, updated_at
		FROM bets WHERE question_key = $1
		ORDER BY bettor`,
		key.Hex())
	if err != nil {
		return nil, fmt.Errorf("postgres: list bets %s: %w", key, err)
	}
	defer rows.Close()

	var bets []domain.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan bet: %w", err)
		}
		bets = append(bets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list bets rows: %w", err)
	}
	return bets, nil
}

// MarkWithdrawn flips a ledger entry's withdrawn flag.
func (s *BetStore) MarkWithdrawn(ctx context.Context, key domain.QuestionKey, bettor domain.Identity) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bets SET withdrawn = TRUE, updated_at = NOW()
		WHERE question_key = $1 AND bettor = $2`,
		key.Hex(), bettor.Hex())
	if err != nil {
		return fmt.Errorf("postgres: mark withdrawn %s/%s: %w", key, bettor, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: mark withdrawn %s/%s: %w", key, bettor, domain.ErrNotFound)
	}
	return nil
}

// SumPools aggregates the journaled ledger into yes/no totals. Used to cross
// check journaled pools during startup replay.
func (s *BetStore) SumPools(ctx context.Context, key domain.QuestionKey) (*big.Int, *big.Int, error) {
	var yesText, noText string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(yes_amount), 0)::text, COALESCE(SUM(no_amount), 0)::text
		FROM bets WHERE question_key = $1`,
		key.Hex()).Scan(&yesText, &noText)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: sum pools %s: %w", key, err)
	}

	yes, err := parseNumeric(yesText)
	if err != nil {
		return nil, nil, err
	}
	no, err := parseNumeric(noText)
	if err != nil {
		return nil, nil, err
	}
	return yes, no, nil
}

func scanBet(row pgx.Row) (domain.Bet, error) {
	var (
		b                 domain.Bet
		keyHex, bettorHex string
		yesText, noText   string
	)
	err := row.Scan(&keyHex, &bettorHex, &yesText, &noText, &b.Withdrawn, &b.UpdatedAt)
	if err != nil {
		return domain.Bet{}, err
	}
	b.QuestionKey = common.HexToHash(keyHex)
	b.Bettor = common.HexToAddress(bettorHex)
	if b.YesAmount, err = parseNumeric(yesText); err != nil {
		return domain.Bet{}, err
	}
	if b.NoAmount, err = parseNumeric(noText); err != nil {
		return domain.Bet{}, err
	}
	return b, nil
}
