// Package repository provides data persistence implementations.
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

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// --- Collectibles ---

const collectibleColumns = `id, account_id, order_id, awb, expected_base, expected_handling,
	expected_total, status, actual_amount, source, variance, risk_score,
	discrepancy_id, batch_id, delivered_at, created_at, updated_at, version`

// SaveCollectible stores a newly accepted collection obligation.
func (r *SQLRepository) SaveCollectible(ctx context.Context, c *domain.Collectible) error {
	if err := c.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO collectibles (` + collectibleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		c.ID, c.AccountID, c.OrderID, c.AWB,
		c.ExpectedBase, c.ExpectedHandling, c.ExpectedTotal,
		string(c.Status), nullInt(c.ActualAmount), string(c.Source), nullInt(c.Variance),
		c.RiskScore, c.DiscrepancyID, c.BatchID,
		nullTime(c.DeliveredAt), c.CreatedAt, c.UpdatedAt, c.Version,
	)
	return err
}

// GetCollectible retrieves a collectible by ID.
func (r *SQLRepository) GetCollectible(ctx context.Context, id string) (*domain.Collectible, error) {
	query := `SELECT ` + collectibleColumns + ` FROM collectibles WHERE id = ?`
	return r.scanCollectible(r.db.QueryRowContext(ctx, r.rebind(query), id))
}

// GetCollectibleByAWB retrieves a collectible by carrier waybill reference.
func (r *SQLRepository) GetCollectibleByAWB(ctx context.Context, awb string) (*domain.Collectible, error) {
	query := `SELECT ` + collectibleColumns + ` FROM collectibles WHERE awb = ?`
	return r.scanCollectible(r.db.QueryRowContext(ctx, r.rebind(query), awb))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SQLRepository) scanCollectible(row rowScanner) (*domain.Collectible, error) {
	var c domain.Collectible
	var status, source string
	var actual, variance sql.NullInt64
	var deliveredAt sql.NullTime

	err := row.Scan(
		&c.ID, &c.AccountID, &c.OrderID, &c.AWB,
		&c.ExpectedBase, &c.ExpectedHandling, &c.ExpectedTotal,
		&status, &actual, &source, &variance,
		&c.RiskScore, &c.DiscrepancyID, &c.BatchID,
		&deliveredAt, &c.CreatedAt, &c.UpdatedAt, &c.Version,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	c.Status = domain.CollectibleStatus(status)
	c.Source = domain.ReportSource(source)
	if actual.Valid {
		c.ActualAmount = &actual.Int64
	}
	if variance.Valid {
		c.Variance = &variance.Int64
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		c.DeliveredAt = &t
	}

	return &c, nil
}

// UpdateCollectible performs a compare-and-set keyed on Version. Losing a
// race returns ErrConflict so the caller re-reads and re-decides against
// the authoritative current state.
func (r *SQLRepository) UpdateCollectible(ctx context.Context, c *domain.Collectible) error {
	query := `
		UPDATE collectibles SET
			status = ?, actual_amount = ?, source = ?, variance = ?,
			discrepancy_id = ?, batch_id = ?, delivered_at = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		string(c.Status), nullInt(c.ActualAmount), string(c.Source), nullInt(c.Variance),
		c.DiscrepancyID, c.BatchID, nullTime(c.DeliveredAt),
		time.Now().UTC(), c.ID, c.Version,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a lost race from a missing record.
		if _, err := r.GetCollectible(ctx, c.ID); errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNotFound
		}
		return domain.ErrConflict
	}

	c.Version++
	return nil
}

// ListReconciledUnbatched returns reconciled collectibles not yet claimed by
// any batch whose delivery fell inside the lookback window. Collectibles
// reconciled without a delivery timestamp fall back to their last update, so
// a late-reconciled old delivery cannot slip into an accelerated window.
func (r *SQLRepository) ListReconciledUnbatched(ctx context.Context, accountID string, since time.Time) ([]*domain.Collectible, error) {
	query := `
		SELECT ` + collectibleColumns + `
		FROM collectibles
		WHERE account_id = ? AND status = ? AND batch_id = ''
		  AND COALESCE(delivered_at, updated_at) >= ?
		ORDER BY COALESCE(delivered_at, updated_at)
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), accountID, string(domain.CollectibleReconciled), since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Collectible
	for rows.Next() {
		c, err := r.scanCollectible(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListPendingCollectibles returns collectibles still awaiting a collection
// report, oldest first, for the poll scheduler.
func (r *SQLRepository) ListPendingCollectibles(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Collectible, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `
		SELECT ` + collectibleColumns + `
		FROM collectibles
		WHERE status = ? AND created_at <= ?
		ORDER BY created_at
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), string(domain.CollectiblePending), olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Collectible
	for rows.Next() {
		c, err := r.scanCollectible(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Timeline ---

// AppendTimeline writes one immutable audit entry. There is deliberately no
// update or delete path for this table.
func (r *SQLRepository) AppendTimeline(ctx context.Context, e *domain.TimelineEntry) error {
	query := `
		INSERT INTO collection_timeline (id, collectible_id, source, reported_amount, reported_at, outcome, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		e.ID, e.CollectibleID, string(e.Source), e.ReportedAmount, e.ReportedAt,
		e.Outcome, e.Note, e.CreatedAt,
	)
	return err
}

// ListTimeline returns the audit trail for a collectible, oldest first.
func (r *SQLRepository) ListTimeline(ctx context.Context, collectibleID string) ([]*domain.TimelineEntry, error) {
	query := `
		SELECT id, collectible_id, source, reported_amount, reported_at, outcome, note, created_at
		FROM collection_timeline
		WHERE collectible_id = ?
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), collectibleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.TimelineEntry
	for rows.Next() {
		var e domain.TimelineEntry
		var source string
		if err := rows.Scan(&e.ID, &e.CollectibleID, &source, &e.ReportedAmount,
			&e.ReportedAt, &e.Outcome, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Source = domain.ReportSource(source)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- Customer risk profiles ---

// GetProfile retrieves a customer risk profile by identity key.
func (r *SQLRepository) GetProfile(ctx context.Context, identityKey string) (*domain.CustomerRiskProfile, error) {
	query := `
		SELECT identity_key, phone, email, device_fingerprints,
			   total_orders, cash_orders, rto_count, delivered, dispute_count,
			   score, level, blacklisted, blacklist_expiry, created_at, updated_at, version
		FROM risk_profiles
		WHERE identity_key = ?
	`

	var p domain.CustomerRiskProfile
	var devices, level string
	var blacklisted int
	var expiry sql.NullTime

	err := r.db.QueryRowContext(ctx, r.rebind(query), identityKey).Scan(
		&p.IdentityKey, &p.Phone, &p.Email, &devices,
		&p.TotalOrders, &p.CashOrders, &p.RTOCount, &p.Delivered, &p.DisputeCount,
		&p.Score, &level, &blacklisted, &expiry, &p.CreatedAt, &p.UpdatedAt, &p.Version,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.Level = domain.RiskLevel(level)
	p.Blacklisted = blacklisted == 1
	if expiry.Valid {
		t := expiry.Time
		p.BlacklistExpiry = &t
	}
	json.Unmarshal([]byte(devices), &p.DeviceFingerprints)

	return &p, nil
}

// SaveProfile inserts a profile observed for the first time.
func (r *SQLRepository) SaveProfile(ctx context.Context, p *domain.CustomerRiskProfile) error {
	devices, _ := json.Marshal(p.DeviceFingerprints)

	query := `
		INSERT INTO risk_profiles (
			identity_key, phone, email, device_fingerprints,
			total_orders, cash_orders, rto_count, delivered, dispute_count,
			score, level, blacklisted, blacklist_expiry, created_at, updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		p.IdentityKey, p.Phone, p.Email, string(devices),
		p.TotalOrders, p.CashOrders, p.RTOCount, p.Delivered, p.DisputeCount,
		p.Score, string(p.Level), boolInt(p.Blacklisted), nullTime(p.BlacklistExpiry),
		p.CreatedAt, p.UpdatedAt, p.Version,
	)
	return err
}

// UpdateProfile is a CAS update keyed on Version, so concurrent order flows
// for the same identity never silently drop each other's increments.
func (r *SQLRepository) UpdateProfile(ctx context.Context, p *domain.CustomerRiskProfile) error {
	devices, _ := json.Marshal(p.DeviceFingerprints)

	query := `
		UPDATE risk_profiles SET
			phone = ?, email = ?, device_fingerprints = ?,
			total_orders = ?, cash_orders = ?, rto_count = ?, delivered = ?, dispute_count = ?,
			score = ?, level = ?, blacklisted = ?, blacklist_expiry = ?,
			updated_at = ?, version = version + 1
		WHERE identity_key = ? AND version = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		p.Phone, p.Email, string(devices),
		p.TotalOrders, p.CashOrders, p.RTOCount, p.Delivered, p.DisputeCount,
		p.Score, string(p.Level), boolInt(p.Blacklisted), nullTime(p.BlacklistExpiry),
		time.Now().UTC(), p.IdentityKey, p.Version,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := r.GetProfile(ctx, p.IdentityKey); errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNotFound
		}
		return domain.ErrConflict
	}

	p.Version++
	return nil
}

// --- Order events and pincode aggregates ---

// AppendOrderEvent records one observed order for velocity windows.
func (r *SQLRepository) AppendOrderEvent(ctx context.Context, e *domain.OrderEvent) error {
	query := `
		INSERT INTO order_events (id, identity_key, account_id, pincode, amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		e.ID, e.IdentityKey, e.AccountID, e.Pincode, e.Amount, e.CreatedAt)
	return err
}

// CountOrderEvents returns orders observed for an identity since the cutoff.
func (r *SQLRepository) CountOrderEvents(ctx context.Context, identityKey string, since time.Time) (int64, error) {
	query := `SELECT COUNT(*) FROM order_events WHERE identity_key = ? AND created_at >= ?`

	var count int64
	if err := r.db.QueryRowContext(ctx, r.rebind(query), identityKey, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count order events: %w", err)
	}
	return count, nil
}

// RecordPincodeOutcome bumps the rolling delivery outcome counters for a
// destination pincode.
func (r *SQLRepository) RecordPincodeOutcome(ctx context.Context, pincode string, rto bool) error {
	if pincode == "" {
		return nil
	}

	rtoInc := 0
	if rto {
		rtoInc = 1
	}

	query := `
		INSERT INTO pincode_stats (pincode, orders, rto) VALUES (?, 1, ?)
		ON CONFLICT(pincode) DO UPDATE SET
			orders = pincode_stats.orders + 1,
			rto = pincode_stats.rto + excluded.rto
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query), pincode, rtoInc)
	return err
}

// GetPincodeStats returns outcome counters for a pincode.
func (r *SQLRepository) GetPincodeStats(ctx context.Context, pincode string) (*domain.PincodeStats, error) {
	query := `SELECT pincode, orders, rto FROM pincode_stats WHERE pincode = ?`

	var s domain.PincodeStats
	err := r.db.QueryRowContext(ctx, r.rebind(query), pincode).Scan(&s.Pincode, &s.Orders, &s.RTO)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// --- Push event dedup ---

// MarkEventProcessed records a push event ID. Returns false when the event
// was already seen, which makes carrier re-deliveries no-ops.
func (r *SQLRepository) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	query := `INSERT INTO processed_events (event_id, seen_at) VALUES (?, ?) ON CONFLICT(event_id) DO NOTHING`

	result, err := r.db.ExecContext(ctx, r.rebind(query), eventID, time.Now().UTC())
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// UnmarkEventProcessed deletes a recorded event ID. Used when the handoff
// after dedup fails, so the carrier's retry is not mistaken for a replay.
func (r *SQLRepository) UnmarkEventProcessed(ctx context.Context, eventID string) error {
	query := `DELETE FROM processed_events WHERE event_id = ?`
	_, err := r.db.ExecContext(ctx, r.rebind(query), eventID)
	return err
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
