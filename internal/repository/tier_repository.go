package repository

import (
	"context"
	"database/sql"

	"github.com/iliyamo/ticket-marketplace/internal/engine"
	"github.com/iliyamo/ticket-marketplace/internal/model"
)

// TierRepo provides read access to the ticket_tiers table and
// implements engine.TierCatalog. Tier rows are managed by the event
// catalog, which is outside the engine; the engine only reads them
// for validation and pricing.
type TierRepo struct {
	db *sql.DB
}

// NewTierRepo returns a new TierRepo bound to the provided database.
func NewTierRepo(db *sql.DB) *TierRepo { return &TierRepo{db: db} }

// Tier returns a tier by ID or engine.ErrNotFound.
func (r *TierRepo) Tier(ctx context.Context, tierID uint64) (*model.TicketTier, error) {
	const q = `SELECT id, event_id, name, price_cents, capacity FROM ticket_tiers WHERE id = ?`
	var t model.TicketTier
	err := r.db.QueryRowContext(ctx, q, tierID).Scan(&t.ID, &t.EventID, &t.Name, &t.PriceCents, &t.Capacity)
	if err == sql.ErrNoRows {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// TiersByEvent returns all tiers of an event ordered by ID.
func (r *TierRepo) TiersByEvent(ctx context.Context, eventID uint64) ([]model.TicketTier, error) {
	const q = `SELECT id, event_id, name, price_cents, capacity FROM ticket_tiers WHERE event_id = ? ORDER BY id`
	rows, err := r.db.QueryContext(ctx, q, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.TicketTier
	for rows.Next() {
		var t model.TicketTier
		if err := rows.Scan(&t.ID, &t.EventID, &t.Name, &t.PriceCents, &t.Capacity); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
