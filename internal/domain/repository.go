package domain

import (
	"context"
	"time"
)

// OrderEvent is one observed order for an identity, recorded at scoring
// time. Velocity windows count these.
type OrderEvent struct {
	ID          string    `json:"id"`
	IdentityKey string    `json:"identityKey"`
	AccountID   string    `json:"accountId"`
	Pincode     string    `json:"pincode"`
	Amount      int64     `json:"amount"`
	CreatedAt   time.Time `json:"createdAt"`
}

// StatusTotal is a per-status count and amount aggregate over collectibles.
// Amount is the actual collected amount where known, else the expected total.
type StatusTotal struct {
	Count  int64 `json:"count"`
	Amount int64 `json:"amount"`
}

// PincodeStats is the rolling delivery outcome aggregate for one postal code.
type PincodeStats struct {
	Pincode string `json:"pincode"`
	Orders  int64  `json:"orders"`
	RTO     int64  `json:"rto"`
}

// Repository defines the persistence boundary. A single SQL implementation
// backs both the sqlite and postgres drivers.
type Repository interface {
	// Collectibles
	SaveCollectible(ctx context.Context, c *Collectible) error
	GetCollectible(ctx context.Context, id string) (*Collectible, error)
	GetCollectibleByAWB(ctx context.Context, awb string) (*Collectible, error)
	// UpdateCollectible performs a compare-and-set on Version and returns
	// ErrConflict when the stored version moved on.
	UpdateCollectible(ctx context.Context, c *Collectible) error
	ListReconciledUnbatched(ctx context.Context, accountID string, since time.Time) ([]*Collectible, error)
	// ListPendingCollectibles returns unreported collectibles created before
	// the cutoff, oldest first. The poll scheduler works through these.
	ListPendingCollectibles(ctx context.Context, olderThan time.Time, limit int) ([]*Collectible, error)

	// Timeline (append-only audit trail)
	AppendTimeline(ctx context.Context, e *TimelineEntry) error
	ListTimeline(ctx context.Context, collectibleID string) ([]*TimelineEntry, error)

	// Customer risk profiles
	GetProfile(ctx context.Context, identityKey string) (*CustomerRiskProfile, error)
	SaveProfile(ctx context.Context, p *CustomerRiskProfile) error
	// UpdateProfile is a CAS update keyed on Version.
	UpdateProfile(ctx context.Context, p *CustomerRiskProfile) error

	// Order events and pincode outcome aggregates (risk inputs)
	AppendOrderEvent(ctx context.Context, e *OrderEvent) error
	CountOrderEvents(ctx context.Context, identityKey string, since time.Time) (int64, error)
	RecordPincodeOutcome(ctx context.Context, pincode string, rto bool) error
	GetPincodeStats(ctx context.Context, pincode string) (*PincodeStats, error)

	// Discrepancies
	SaveDiscrepancy(ctx context.Context, d *Discrepancy) error
	GetDiscrepancy(ctx context.Context, id string) (*Discrepancy, error)
	UpdateDiscrepancy(ctx context.Context, d *Discrepancy) error
	ListOpenDiscrepancies(ctx context.Context, accountID string) ([]*Discrepancy, error)
	ListExpiredDiscrepancies(ctx context.Context, now time.Time) ([]*Discrepancy, error)

	// Accounts
	SaveAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)

	// Remittance batches
	// CreateBatch atomically inserts the batch and claims its members:
	// every member still reconciled and unbatched flips to claimed in the
	// same transaction, or the whole creation fails with ErrConflict.
	CreateBatch(ctx context.Context, b *RemittanceBatch) error
	GetBatch(ctx context.Context, id string) (*RemittanceBatch, error)
	GetBatchByProviderRef(ctx context.Context, ref string) (*RemittanceBatch, error)
	UpdateBatch(ctx context.Context, b *RemittanceBatch) error
	// ReleaseBatchMembers returns claimed members of a cancelled or failed
	// batch to the reconciled pool.
	ReleaseBatchMembers(ctx context.Context, batchID string) error
	MarkBatchMembersPaid(ctx context.Context, batchID string) error
	OutstandingAcceleratedCredit(ctx context.Context, accountID string) (int64, error)
	AccountMetrics(ctx context.Context, accountID string, now time.Time) (*AccountMetrics, error)

	// Payout idempotency records
	GetPayoutRecord(ctx context.Context, batchID string) (*PayoutRecord, error)
	UpsertPayoutRecord(ctx context.Context, r *PayoutRecord) error

	// Pending lookups (reports for unknown shipments)
	EnqueuePendingLookup(ctx context.Context, p *PendingLookup) error
	DuePendingLookups(ctx context.Context, now time.Time, limit int) ([]*PendingLookup, error)
	UpdatePendingLookup(ctx context.Context, p *PendingLookup) error
	DeletePendingLookup(ctx context.Context, id string) error

	// Push event dedup. Returns false when the event was already seen.
	MarkEventProcessed(ctx context.Context, eventID string) (bool, error)
	// UnmarkEventProcessed clears a recorded event ID so a delivery whose
	// downstream handoff failed can be retried as fresh.
	UnmarkEventProcessed(ctx context.Context, eventID string) error

	// Risk flag rules
	ListFlagRules(ctx context.Context) ([]*FlagRule, error)
	SaveFlagRule(ctx context.Context, r *FlagRule) error

	// Read-only aggregates for forecasting and health (empty accountID
	// spans all accounts)
	CollectibleStatusTotals(ctx context.Context, accountID string) (map[CollectibleStatus]StatusTotal, error)
	BatchStatusCounts(ctx context.Context, accountID string) (map[BatchStatus]int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
