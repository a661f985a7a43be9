package postgres

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/davencooke/predmarket/internal/domain"
)

// RoleStore implements domain.RoleStore using PostgreSQL. Role grants are
// append-only; neither admins nor trusted sources can be revoked.
type RoleStore struct {
	pool *pgxpool.Pool
}

var _ domain.RoleStore = (*RoleStore)(nil)

// NewRoleStore creates a RoleStore backed by the given pool.
func NewRoleStore(pool *pgxpool.Pool) *RoleStore {
	return &RoleStore{pool: pool}
}

// Grant journals a role grant. Regranting is a no-op.
func (s *RoleStore) Grant(ctx context.Context, key domain.QuestionKey, identity domain.Identity, role string) error {
	const query = `
		INSERT INTO question_roles (question_key, identity, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (question_key, identity, role) DO NOTHING`

	if _, err := s.pool.Exec(ctx, query, key.Hex(), identity.Hex(), role); err != nil {
		return fmt.Errorf("postgres: grant %s to %s on %s: %w", role, identity, key, err)
	}
	return nil
}

// ListByQuestion returns the admin and trusted-source sets for a question.
func (s *RoleStore) ListByQuestion(ctx context.Context, key domain.QuestionKey) (admins, trusted []domain.Identity, err error) {
	rows, err := s.pool.Query(ctx, `
		SELECT identity, role FROM question_roles WHERE question_key = $1
		ORDER BY granted_at`,
		key.Hex())
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: list roles %s: %w", key, err)
	}
	defer rows.Close()

	for rows.Next() {
		var identityHex, role string
		if err := rows.Scan(&identityHex, &role); err != nil {
			return nil, nil, fmt.Errorf("postgres: scan role: %w", err)
		}
		id := common.HexToAddress(identityHex)
		switch role {
		case domain.RoleAdmin:
			admins = append(admins, id)
		case domain.RoleTrustedSource:
			trusted = append(trusted, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("postgres: list roles rows: %w", err)
	}
	return admins, trusted, nil
}
