package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/codremit/codremit/internal/domain"
)

// --- Discrepancies ---

const discrepancyColumns = `id, collectible_id, account_id, expected, actual, difference,
	difference_pct, classification, severity, status, detected_at, deadline,
	resolved_at, final_amount, note`

// SaveDiscrepancy stores a newly detected mismatch.
func (r *SQLRepository) SaveDiscrepancy(ctx context.Context, d *domain.Discrepancy) error {
	query := `
		INSERT INTO discrepancies (` + discrepancyColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		d.ID, d.CollectibleID, d.AccountID, d.Expected, d.Actual, d.Difference,
		d.DifferencePct, string(d.Classification), string(d.Severity), string(d.Status),
		d.DetectedAt, d.Deadline, nullTime(d.ResolvedAt), nullInt(d.FinalAmount), d.Note,
	)
	return err
}

// GetDiscrepancy retrieves a discrepancy by ID.
func (r *SQLRepository) GetDiscrepancy(ctx context.Context, id string) (*domain.Discrepancy, error) {
	query := `SELECT ` + discrepancyColumns + ` FROM discrepancies WHERE id = ?`
	return r.scanDiscrepancy(r.db.QueryRowContext(ctx, r.rebind(query), id))
}

func (r *SQLRepository) scanDiscrepancy(row rowScanner) (*domain.Discrepancy, error) {
	var d domain.Discrepancy
	var class, severity, status string
	var resolvedAt sql.NullTime
	var finalAmount sql.NullInt64

	err := row.Scan(
		&d.ID, &d.CollectibleID, &d.AccountID, &d.Expected, &d.Actual, &d.Difference,
		&d.DifferencePct, &class, &severity, &status,
		&d.DetectedAt, &d.Deadline, &resolvedAt, &finalAmount, &d.Note,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	d.Classification = domain.DiscrepancyClass(class)
	d.Severity = domain.DiscrepancySeverity(severity)
	d.Status = domain.DiscrepancyStatus(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	if finalAmount.Valid {
		d.FinalAmount = &finalAmount.Int64
	}
	return &d, nil
}

// UpdateDiscrepancy persists a workflow transition or a refreshed report:
// a later out-of-tolerance figure rewrites the reported amounts and their
// derived classification, not just the status.
func (r *SQLRepository) UpdateDiscrepancy(ctx context.Context, d *domain.Discrepancy) error {
	query := `
		UPDATE discrepancies SET
			actual = ?, difference = ?, difference_pct = ?,
			classification = ?, severity = ?,
			status = ?, resolved_at = ?, final_amount = ?, note = ?
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, r.rebind(query),
		d.Actual, d.Difference, d.DifferencePct,
		string(d.Classification), string(d.Severity),
		string(d.Status), nullTime(d.ResolvedAt), nullInt(d.FinalAmount), d.Note, d.ID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListOpenDiscrepancies returns unresolved discrepancies, optionally scoped
// to one account (empty accountID lists all).
func (r *SQLRepository) ListOpenDiscrepancies(ctx context.Context, accountID string) ([]*domain.Discrepancy, error) {
	query := `
		SELECT ` + discrepancyColumns + `
		FROM discrepancies
		WHERE status IN (?, ?, ?, ?)
	`
	args := []any{
		string(domain.DiscrepancyDetected), string(domain.DiscrepancyUnderReview),
		string(domain.DiscrepancyCourierQueried), string(domain.DiscrepancyDisputed),
	}
	if accountID != "" {
		query += ` AND account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY detected_at`

	return r.queryDiscrepancies(ctx, query, args...)
}

// ListExpiredDiscrepancies returns open discrepancies whose resolution
// deadline elapsed before now. The sweeper auto-accepts these.
func (r *SQLRepository) ListExpiredDiscrepancies(ctx context.Context, now time.Time) ([]*domain.Discrepancy, error) {
	query := `
		SELECT ` + discrepancyColumns + `
		FROM discrepancies
		WHERE status IN (?, ?, ?, ?) AND deadline <= ?
		ORDER BY deadline
	`
	return r.queryDiscrepancies(ctx, query,
		string(domain.DiscrepancyDetected), string(domain.DiscrepancyUnderReview),
		string(domain.DiscrepancyCourierQueried), string(domain.DiscrepancyDisputed),
		now)
}

func (r *SQLRepository) queryDiscrepancies(ctx context.Context, query string, args ...any) ([]*domain.Discrepancy, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Discrepancy
	for rows.Next() {
		d, err := r.scanDiscrepancy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- Accounts ---

// SaveAccount upserts a payer account registry entry.
func (r *SQLRepository) SaveAccount(ctx context.Context, a *domain.Account) error {
	query := `
		INSERT INTO accounts (id, name, payout_target, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			payout_target = excluded.payout_target
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query), a.ID, a.Name, a.PayoutTarget, a.CreatedAt)
	return err
}

// GetAccount retrieves an account by ID.
func (r *SQLRepository) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	query := `SELECT id, name, payout_target, created_at FROM accounts WHERE id = ?`

	var a domain.Account
	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(&a.ID, &a.Name, &a.PayoutTarget, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// --- Remittance batches ---

const batchColumns = `id, account_id, tier, collectible_ids, gross,
	deduct_shipping, deduct_platform, deduct_tier, deduct_other,
	net_payable, status, provider_ref, settlement_token, failure_reason,
	created_at, updated_at`

// CreateBatch inserts the batch and claims every member in one transaction.
// A member that is no longer reconciled-and-unbatched fails the whole
// creation with ErrConflict, so two concurrent batch jobs can never both
// claim the same collectible.
func (r *SQLRepository) CreateBatch(ctx context.Context, b *domain.RemittanceBatch) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	claim := r.rebind(`
		UPDATE collectibles SET
			status = ?, batch_id = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND status = ? AND batch_id = ''
	`)

	now := time.Now().UTC()
	for _, id := range b.CollectibleIDs {
		result, err := tx.ExecContext(ctx, claim,
			string(domain.CollectibleClaimed), b.ID, now,
			id, string(domain.CollectibleReconciled))
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows != 1 {
			return fmt.Errorf("%w: collectible %s already claimed", domain.ErrConflict, id)
		}
	}

	ids, _ := json.Marshal(b.CollectibleIDs)
	insert := r.rebind(`
		INSERT INTO remittance_batches (` + batchColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if _, err := tx.ExecContext(ctx, insert,
		b.ID, b.AccountID, string(b.Tier), string(ids), b.Gross,
		b.Deductions.Shipping, b.Deductions.PlatformFee, b.Deductions.TierFee, b.Deductions.Other,
		b.NetPayable, string(b.Status), b.ProviderRef, b.SettlementToken, b.FailureReason,
		b.CreatedAt, b.UpdatedAt,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// GetBatch retrieves a batch by ID.
func (r *SQLRepository) GetBatch(ctx context.Context, id string) (*domain.RemittanceBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM remittance_batches WHERE id = ?`
	return r.scanBatch(r.db.QueryRowContext(ctx, r.rebind(query), id))
}

// GetBatchByProviderRef resolves a settlement callback to its batch.
func (r *SQLRepository) GetBatchByProviderRef(ctx context.Context, ref string) (*domain.RemittanceBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM remittance_batches WHERE provider_ref = ?`
	return r.scanBatch(r.db.QueryRowContext(ctx, r.rebind(query), ref))
}

func (r *SQLRepository) scanBatch(row rowScanner) (*domain.RemittanceBatch, error) {
	var b domain.RemittanceBatch
	var tier, status, ids string

	err := row.Scan(
		&b.ID, &b.AccountID, &tier, &ids, &b.Gross,
		&b.Deductions.Shipping, &b.Deductions.PlatformFee, &b.Deductions.TierFee, &b.Deductions.Other,
		&b.NetPayable, &status, &b.ProviderRef, &b.SettlementToken, &b.FailureReason,
		&b.CreatedAt, &b.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	b.Tier = domain.RemitTier(tier)
	b.Status = domain.BatchStatus(status)
	json.Unmarshal([]byte(ids), &b.CollectibleIDs)
	return &b, nil
}

// UpdateBatch persists a batch state transition.
func (r *SQLRepository) UpdateBatch(ctx context.Context, b *domain.RemittanceBatch) error {
	query := `
		UPDATE remittance_batches SET
			status = ?, provider_ref = ?, settlement_token = ?, failure_reason = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, r.rebind(query),
		string(b.Status), b.ProviderRef, b.SettlementToken, b.FailureReason,
		time.Now().UTC(), b.ID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ReleaseBatchMembers returns claimed members of a dead batch to the
// reconciled pool so the next batch run can pick them up.
func (r *SQLRepository) ReleaseBatchMembers(ctx context.Context, batchID string) error {
	query := `
		UPDATE collectibles SET
			status = ?, batch_id = '', updated_at = ?, version = version + 1
		WHERE batch_id = ? AND status = ?
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		string(domain.CollectibleReconciled), time.Now().UTC(),
		batchID, string(domain.CollectibleClaimed))
	return err
}

// MarkBatchMembersPaid finalizes members after settlement confirmation.
func (r *SQLRepository) MarkBatchMembersPaid(ctx context.Context, batchID string) error {
	query := `
		UPDATE collectibles SET
			status = ?, updated_at = ?, version = version + 1
		WHERE batch_id = ? AND status = ?
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		string(domain.CollectiblePaid), time.Now().UTC(),
		batchID, string(domain.CollectibleClaimed))
	return err
}

// OutstandingAcceleratedCredit sums net payable of accelerated batches that
// have not yet reached a terminal state.
func (r *SQLRepository) OutstandingAcceleratedCredit(ctx context.Context, accountID string) (int64, error) {
	query := `
		SELECT COALESCE(SUM(net_payable), 0)
		FROM remittance_batches
		WHERE account_id = ? AND tier != ? AND status IN (?, ?, ?)
	`
	var total int64
	err := r.db.QueryRowContext(ctx, r.rebind(query),
		accountID, string(domain.TierStandard),
		string(domain.BatchPendingApproval), string(domain.BatchApproved), string(domain.BatchPayoutInitiated),
	).Scan(&total)
	return total, err
}

// AccountMetrics derives the rolling eligibility inputs from the underlying
// records. Tiers are always recomputed from these, never trusted from a
// stored value.
func (r *SQLRepository) AccountMetrics(ctx context.Context, accountID string, now time.Time) (*domain.AccountMetrics, error) {
	account, err := r.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	since := now.AddDate(0, 0, -90)
	m := &domain.AccountMetrics{
		AccountID: accountID,
		AgeDays:   int(now.Sub(account.CreatedAt).Hours() / 24),
	}

	var total, rto int64
	var value sql.NullInt64
	countQ := `
		SELECT COUNT(*),
			   COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			   SUM(expected_total)
		FROM collectibles
		WHERE account_id = ? AND created_at >= ?
	`
	if err := r.db.QueryRowContext(ctx, r.rebind(countQ),
		string(domain.CollectibleCancelled), accountID, since,
	).Scan(&total, &rto, &value); err != nil {
		return nil, err
	}

	var disputes int64
	dispQ := `SELECT COUNT(*) FROM discrepancies WHERE account_id = ? AND detected_at >= ?`
	if err := r.db.QueryRowContext(ctx, r.rebind(dispQ), accountID, since).Scan(&disputes); err != nil {
		return nil, err
	}

	m.HasCashHistory = total > 0
	m.MonthlyCashOrders = float64(total) / 3
	if value.Valid {
		m.MonthlyCashValue = value.Int64 / 3
	}
	if total > 0 {
		m.RTOPct = float64(rto) / float64(total) * 100
		m.DisputePct = float64(disputes) / float64(total) * 100
	}

	credit, err := r.OutstandingAcceleratedCredit(ctx, accountID)
	if err != nil {
		return nil, err
	}
	m.OutstandingCredit = credit

	return m, nil
}

// --- Payout idempotency records ---

// GetPayoutRecord retrieves the idempotency record for a batch.
func (r *SQLRepository) GetPayoutRecord(ctx context.Context, batchID string) (*domain.PayoutRecord, error) {
	query := `
		SELECT batch_id, idempotency_key, provider_ref, status, attempts, updated_at
		FROM payout_records
		WHERE batch_id = ?
	`
	var rec domain.PayoutRecord
	err := r.db.QueryRowContext(ctx, r.rebind(query), batchID).Scan(
		&rec.BatchID, &rec.IdempotencyKey, &rec.ProviderRef, &rec.Status, &rec.Attempts, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpsertPayoutRecord writes the idempotency record for a batch.
func (r *SQLRepository) UpsertPayoutRecord(ctx context.Context, rec *domain.PayoutRecord) error {
	query := `
		INSERT INTO payout_records (batch_id, idempotency_key, provider_ref, status, attempts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(batch_id) DO UPDATE SET
			idempotency_key = excluded.idempotency_key,
			provider_ref = excluded.provider_ref,
			status = excluded.status,
			attempts = excluded.attempts,
			updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.BatchID, rec.IdempotencyKey, rec.ProviderRef, rec.Status, rec.Attempts,
		time.Now().UTC())
	return err
}

// --- Pending lookups ---

// EnqueuePendingLookup stores a report whose AWB is not yet known.
func (r *SQLRepository) EnqueuePendingLookup(ctx context.Context, p *domain.PendingLookup) error {
	query := `
		INSERT INTO pending_lookups (id, awb, report, attempts, next_check_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		p.ID, p.AWB, p.Report, p.Attempts, p.NextCheckAt, p.CreatedAt)
	return err
}

// DuePendingLookups returns lookups whose re-check time has arrived.
func (r *SQLRepository) DuePendingLookups(ctx context.Context, now time.Time, limit int) ([]*domain.PendingLookup, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, awb, report, attempts, next_check_at, created_at
		FROM pending_lookups
		WHERE next_check_at <= ?
		ORDER BY next_check_at
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.PendingLookup
	for rows.Next() {
		var p domain.PendingLookup
		if err := rows.Scan(&p.ID, &p.AWB, &p.Report, &p.Attempts, &p.NextCheckAt, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// UpdatePendingLookup reschedules a lookup after a failed re-check.
func (r *SQLRepository) UpdatePendingLookup(ctx context.Context, p *domain.PendingLookup) error {
	query := `UPDATE pending_lookups SET attempts = ?, next_check_at = ? WHERE id = ?`
	_, err := r.db.ExecContext(ctx, r.rebind(query), p.Attempts, p.NextCheckAt, p.ID)
	return err
}

// DeletePendingLookup removes a resolved lookup.
func (r *SQLRepository) DeletePendingLookup(ctx context.Context, id string) error {
	query := `DELETE FROM pending_lookups WHERE id = ?`
	_, err := r.db.ExecContext(ctx, r.rebind(query), id)
	return err
}

// --- Risk flag rules ---

// ListFlagRules returns all enabled flag rules.
func (r *SQLRepository) ListFlagRules(ctx context.Context) ([]*domain.FlagRule, error) {
	query := `SELECT id, name, expression, flag, boost, enabled FROM flag_rules WHERE enabled = 1 ORDER BY id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.FlagRule
	for rows.Next() {
		var fr domain.FlagRule
		var enabled int
		if err := rows.Scan(&fr.ID, &fr.Name, &fr.Expression, &fr.Flag, &fr.Boost, &enabled); err != nil {
			return nil, err
		}
		fr.Enabled = enabled == 1
		out = append(out, &fr)
	}
	return out, rows.Err()
}

// SaveFlagRule upserts a flag rule.
func (r *SQLRepository) SaveFlagRule(ctx context.Context, fr *domain.FlagRule) error {
	query := `
		INSERT INTO flag_rules (id, name, expression, flag, boost, enabled)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			expression = excluded.expression,
			flag = excluded.flag,
			boost = excluded.boost,
			enabled = excluded.enabled
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		fr.ID, fr.Name, fr.Expression, fr.Flag, fr.Boost, boolInt(fr.Enabled))
	return err
}
