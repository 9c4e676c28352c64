package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads fixed route fares
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new pricing repository
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// GetRouteBasePrice returns the flat fare of an active route between two
// junctions. found is false when no route record exists.
func (r *Repository) GetRouteBasePrice(ctx context.Context, startJunctionID, endJunctionID uuid.UUID) (price float64, found bool, err error) {
	query := `
		SELECT base_price
		FROM routes
		WHERE start_junction_id = $1 AND end_junction_id = $2 AND is_active = true
		LIMIT 1
	`

	err = r.db.QueryRow(ctx, query, startJunctionID, endJunctionID).Scan(&price)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get route base price: %w", err)
	}
	return price, true, nil
}
