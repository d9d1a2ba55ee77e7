package repository

// Schema definitions for the codremit database.
// Compatible with both SQLite and PostgreSQL.

const schemaCollectibles = `
CREATE TABLE IF NOT EXISTS collectibles (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    order_id TEXT NOT NULL,
    awb TEXT NOT NULL,
    expected_base BIGINT NOT NULL,
    expected_handling BIGINT NOT NULL,
    expected_total BIGINT NOT NULL,
    status TEXT NOT NULL,
    actual_amount BIGINT,
    source TEXT NOT NULL DEFAULT '',
    variance BIGINT,
    risk_score REAL NOT NULL DEFAULT 0,
    discrepancy_id TEXT NOT NULL DEFAULT '',
    batch_id TEXT NOT NULL DEFAULT '',
    delivered_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    version BIGINT NOT NULL DEFAULT 1
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_collectibles_awb ON collectibles(awb);
CREATE INDEX IF NOT EXISTS idx_collectibles_account ON collectibles(account_id, status);
CREATE INDEX IF NOT EXISTS idx_collectibles_batch ON collectibles(batch_id);
`

const schemaTimeline = `
CREATE TABLE IF NOT EXISTS collection_timeline (
    id TEXT PRIMARY KEY,
    collectible_id TEXT NOT NULL,
    source TEXT NOT NULL,
    reported_amount BIGINT NOT NULL,
    reported_at TIMESTAMP NOT NULL,
    outcome TEXT NOT NULL,
    note TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_timeline_collectible ON collection_timeline(collectible_id, created_at);
`

const schemaProfiles = `
CREATE TABLE IF NOT EXISTS risk_profiles (
    identity_key TEXT PRIMARY KEY,
    phone TEXT NOT NULL,
    email TEXT NOT NULL DEFAULT '',
    device_fingerprints TEXT NOT NULL DEFAULT '[]',
    total_orders BIGINT NOT NULL DEFAULT 0,
    cash_orders BIGINT NOT NULL DEFAULT 0,
    rto_count BIGINT NOT NULL DEFAULT 0,
    delivered BIGINT NOT NULL DEFAULT 0,
    dispute_count BIGINT NOT NULL DEFAULT 0,
    score REAL NOT NULL DEFAULT 0,
    level TEXT NOT NULL DEFAULT 'low',
    blacklisted INTEGER NOT NULL DEFAULT 0,
    blacklist_expiry TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    version BIGINT NOT NULL DEFAULT 1
);
`

const schemaOrderEvents = `
CREATE TABLE IF NOT EXISTS order_events (
    id TEXT PRIMARY KEY,
    identity_key TEXT NOT NULL,
    account_id TEXT NOT NULL,
    pincode TEXT NOT NULL DEFAULT '',
    amount BIGINT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_order_events_identity ON order_events(identity_key, created_at);
`

const schemaPincodeStats = `
CREATE TABLE IF NOT EXISTS pincode_stats (
    pincode TEXT PRIMARY KEY,
    orders BIGINT NOT NULL DEFAULT 0,
    rto BIGINT NOT NULL DEFAULT 0
);
`

const schemaDiscrepancies = `
CREATE TABLE IF NOT EXISTS discrepancies (
    id TEXT PRIMARY KEY,
    collectible_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    expected BIGINT NOT NULL,
    actual BIGINT NOT NULL,
    difference BIGINT NOT NULL,
    difference_pct REAL NOT NULL,
    classification TEXT NOT NULL,
    severity TEXT NOT NULL,
    status TEXT NOT NULL,
    detected_at TIMESTAMP NOT NULL,
    deadline TIMESTAMP NOT NULL,
    resolved_at TIMESTAMP,
    final_amount BIGINT,
    note TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_discrepancies_status ON discrepancies(status, deadline);
CREATE INDEX IF NOT EXISTS idx_discrepancies_account ON discrepancies(account_id, status);
`

const schemaAccounts = `
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    payout_target TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
`

const schemaBatches = `
CREATE TABLE IF NOT EXISTS remittance_batches (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    tier TEXT NOT NULL,
    collectible_ids TEXT NOT NULL,
    gross BIGINT NOT NULL,
    deduct_shipping BIGINT NOT NULL DEFAULT 0,
    deduct_platform BIGINT NOT NULL DEFAULT 0,
    deduct_tier BIGINT NOT NULL DEFAULT 0,
    deduct_other BIGINT NOT NULL DEFAULT 0,
    net_payable BIGINT NOT NULL,
    status TEXT NOT NULL,
    provider_ref TEXT NOT NULL DEFAULT '',
    settlement_token TEXT NOT NULL DEFAULT '',
    failure_reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_batches_account ON remittance_batches(account_id, status);
CREATE INDEX IF NOT EXISTS idx_batches_provider_ref ON remittance_batches(provider_ref);
`

const schemaPayoutRecords = `
CREATE TABLE IF NOT EXISTS payout_records (
    batch_id TEXT PRIMARY KEY,
    idempotency_key TEXT NOT NULL,
    provider_ref TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaPendingLookups = `
CREATE TABLE IF NOT EXISTS pending_lookups (
    id TEXT PRIMARY KEY,
    awb TEXT NOT NULL,
    report BLOB,
    attempts INTEGER NOT NULL DEFAULT 0,
    next_check_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pending_lookups_due ON pending_lookups(next_check_at);
`

const schemaProcessedEvents = `
CREATE TABLE IF NOT EXISTS processed_events (
    event_id TEXT PRIMARY KEY,
    seen_at TIMESTAMP NOT NULL
);
`

const schemaFlagRules = `
CREATE TABLE IF NOT EXISTS flag_rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    expression TEXT NOT NULL,
    flag TEXT NOT NULL,
    boost REAL NOT NULL DEFAULT 0,
    enabled INTEGER NOT NULL DEFAULT 1
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaCollectibles,
		schemaTimeline,
		schemaProfiles,
		schemaOrderEvents,
		schemaPincodeStats,
		schemaDiscrepancies,
		schemaAccounts,
		schemaBatches,
		schemaPayoutRecords,
		schemaPendingLookups,
		schemaProcessedEvents,
		schemaFlagRules,
	}
}
