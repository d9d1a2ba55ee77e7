package repository

import (
	"context"

	"github.com/codremit/codremit/internal/domain"
)

// CollectibleStatusTotals aggregates counts and amounts per status. The
// amount is the collected actual where a report landed, else the expected
// total. Empty accountID spans all accounts.
func (r *SQLRepository) CollectibleStatusTotals(ctx context.Context, accountID string) (map[domain.CollectibleStatus]domain.StatusTotal, error) {
	query := `
		SELECT status, COUNT(*), COALESCE(SUM(COALESCE(actual_amount, expected_total)), 0)
		FROM collectibles
	`
	var args []any
	if accountID != "" {
		query += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	query += ` GROUP BY status`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.CollectibleStatus]domain.StatusTotal)
	for rows.Next() {
		var status string
		var t domain.StatusTotal
		if err := rows.Scan(&status, &t.Count, &t.Amount); err != nil {
			return nil, err
		}
		out[domain.CollectibleStatus(status)] = t
	}
	return out, rows.Err()
}

// BatchStatusCounts aggregates batch counts per status.
func (r *SQLRepository) BatchStatusCounts(ctx context.Context, accountID string) (map[domain.BatchStatus]int64, error) {
	query := `SELECT status, COUNT(*) FROM remittance_batches`
	var args []any
	if accountID != "" {
		query += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	query += ` GROUP BY status`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.BatchStatus]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[domain.BatchStatus(status)] = count
	}
	return out, rows.Err()
}
