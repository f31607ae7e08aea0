package auth

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/surveyhelp/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// FindOrCreateByNullifier returns the user bound to a World ID nullifier,
// inserting a fresh zero-balance user the first time it is seen.
func (r *Repository) FindOrCreateByNullifier(ctx context.Context, nullifier string) (*models.User, error) {
	var u models.User
	err := r.pool.QueryRow(ctx, `
		INSERT INTO users (world_nullifier)
		VALUES ($1)
		ON CONFLICT (world_nullifier) DO UPDATE SET updated_at = users.updated_at
		RETURNING id, COALESCE(nickname, ''), marks, is_admin, created_at, updated_at
	`, nullifier).Scan(&u.ID, &u.Nickname, &u.Marks, &u.IsAdmin, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
