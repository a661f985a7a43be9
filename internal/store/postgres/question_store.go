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

// QuestionStore implements domain.QuestionStore using PostgreSQL.
type QuestionStore struct {
	pool *pgxpool.Pool
}

var _ domain.QuestionStore = (*QuestionStore)(nil)

// NewQuestionStore creates a QuestionStore backed by the given pool.
func NewQuestionStore(pool *pgxpool.Pool) *QuestionStore {
	return &QuestionStore{pool: pool}
}

const questionCols = `key, phrase, state, answer, yes_pool::text, no_pool::text,
	created_by, created_at, updated_at`

// Insert journals a newly created question. A duplicate key reports
// domain.ErrAlreadyExists.
func (s *QuestionStore) Insert(ctx context.Context, q domain.Question) error {
	const query = `
		INSERT INTO questions (
			key, phrase, state, answer, yes_pool, no_pool,
			created_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (key) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		q.Key.Hex(), q.Phrase, string(q.State), string(q.Answer),
		numeric(q.YesPool), numeric(q.NoPool),
		q.CreatedBy.Hex(), q.CreatedAt, q.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert question %s: %w", q.Key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: insert question %s: %w", q.Key, domain.ErrAlreadyExists)
	}
	return nil
}

// Update journals the current snapshot of an existing question.
func (s *QuestionStore) Update(ctx context.Context, q domain.Question) error {
	const query = `
		UPDATE questions SET
			state      = $2,
			answer     = $3,
			yes_pool   = $4,
			no_pool    = $5,
			updated_at = $6
		WHERE key = $1`

	tag, err := s.pool.Exec(ctx, query,
		q.Key.Hex(), string(q.State), string(q.Answer),
		numeric(q.YesPool), numeric(q.NoPool), q.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update question %s: %w", q.Key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update question %s: %w", q.Key, domain.ErrNotFound)
	}
	return nil
}

// GetByKey retrieves a question snapshot.
func (s *QuestionStore) GetByKey(ctx context.Context, key domain.QuestionKey) (domain.Question, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+questionCols+` FROM questions WHERE key = $1`, key.Hex())
	q, err := scanQuestion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Question{}, domain.ErrNotFound
		}
		return domain.Question{}, fmt.Errorf("postgres: get question %s: %w", key, err)
	}
	return q, nil
}

// List returns questions ordered newest-first with pagination and optional
// time filtering.
func (s *QuestionStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Question, error) {
	return s.list(ctx, `SELECT `+questionCols+` FROM questions WHERE 1=1`, nil, opts)
}

// ListByState returns questions in a single lifecycle state.
func (s *QuestionStore) ListByState(ctx context.Context, state domain.QuestionState, opts domain.ListOpts) ([]domain.Question, error) {
	return s.list(ctx,
		`SELECT `+questionCols+` FROM questions WHERE state = $1`,
		[]any{string(state)}, opts)
}

func (s *QuestionStore) list(ctx context.Context, query string, args []any, opts domain.ListOpts) ([]domain.Question, error) {
	argIdx := len(args) + 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list questions: %w", err)
	}
	defer rows.Close()

	var questions []domain.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan question: %w", err)
		}
		questions = append(questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list questions rows: %w", err)
	}
	return questions, nil
}

// Count returns the total number of journaled questions.
func (s *QuestionStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM questions").Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: count questions: %w", err)
	}
	return count, nil
}

func scanQuestion(row pgx.Row) (domain.Question, error) {
	var (
		q                       domain.Question
		keyHex, createdByHex    string
		state, answer           string
		yesPoolText, noPoolText string
	)
	err := row.Scan(
		&keyHex, &q.Phrase, &state, &answer, &yesPoolText, &noPoolText,
		&createdByHex, &q.CreatedAt, &q.UpdatedAt,
	)
	if err != nil {
		return domain.Question{}, err
	}
	q.Key = common.HexToHash(keyHex)
	q.State = domain.QuestionState(state)
	q.Answer = domain.Outcome(answer)
	q.CreatedBy = common.HexToAddress(createdByHex)
	if q.YesPool, err = parseNumeric(yesPoolText); err != nil {
		return domain.Question{}, err
	}
	if q.NoPool, err = parseNumeric(noPoolText); err != nil {
		return domain.Question{}, err
	}
	return q, nil
}

// numeric renders a big.Int for a NUMERIC(78,0) column; nil stores as zero.
func numeric(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

func parseNumeric(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("postgres: invalid numeric %q", s)
	}
	return n, nil
}
