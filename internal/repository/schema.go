package repository

// Schema definitions for the Kestrel transaction log.
// Tables are compatible with both SQLite and PostgreSQL; views differ only in
// their CREATE clause.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL,
    amt DOUBLE PRECISION NOT NULL CHECK (amt > 0),
    category TEXT NOT NULL,
    merchant TEXT NOT NULL,
    state TEXT,
    customer_age INTEGER NOT NULL,
    city_pop DOUBLE PRECISION,
    lat DOUBLE PRECISION,
    long DOUBLE PRECISION,
    merch_lat DOUBLE PRECISION,
    merch_long DOUBLE PRECISION,
    distance_km DOUBLE PRECISION,
    txn_time_gap DOUBLE PRECISION,
    txn_count_1h INTEGER,
    avg_amt_per_card DOUBLE PRECISION,
    amt_deviation DOUBLE PRECISION,
    txn_hour INTEGER CHECK (txn_hour BETWEEN 0 AND 23),
    is_weekend INTEGER CHECK (is_weekend IN (0, 1)),
    gender TEXT CHECK (gender IN ('M', 'F')),
    cc_num TEXT,
    fraud_probability DOUBLE PRECISION NOT NULL CHECK (fraud_probability >= 0 AND fraud_probability <= 1),
    fraud_prediction INTEGER NOT NULL CHECK (fraud_prediction IN (0, 1)),
    decision TEXT NOT NULL CHECK (decision IN ('ALLOW', 'REVIEW', 'BLOCK'))
);

CREATE INDEX IF NOT EXISTS idx_transactions_created_at ON transactions(created_at);
CREATE INDEX IF NOT EXISTS idx_transactions_decision ON transactions(decision);
CREATE INDEX IF NOT EXISTS idx_transactions_card ON transactions(cc_num, created_at);
`

const schemaFlaggedTransactions = `
CREATE TABLE IF NOT EXISTS flagged_transactions (
    id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL UNIQUE REFERENCES transactions(id) ON DELETE CASCADE,
    risk_level TEXT NOT NULL CHECK (risk_level IN ('HIGH', 'CRITICAL')),
    reviewed INTEGER NOT NULL DEFAULT 0 CHECK (reviewed IN (0, 1)),
    reviewed_at TIMESTAMP,
    reviewer_notes TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_flagged_created_at ON flagged_transactions(created_at);
CREATE INDEX IF NOT EXISTS idx_flagged_reviewed ON flagged_transactions(reviewed);
`

const viewFraudStatistics = ` fraud_statistics AS
SELECT
    COUNT(*) AS total_transactions,
    COALESCE(SUM(CASE WHEN fraud_prediction = 1 THEN 1 ELSE 0 END), 0) AS fraud_count,
    COALESCE(SUM(CASE WHEN decision = 'ALLOW' THEN 1 ELSE 0 END), 0) AS allowed_count,
    COALESCE(SUM(CASE WHEN decision = 'REVIEW' THEN 1 ELSE 0 END), 0) AS review_count,
    COALESCE(SUM(CASE WHEN decision = 'BLOCK' THEN 1 ELSE 0 END), 0) AS blocked_count
FROM transactions
`

const viewRecentFlagged = ` recent_flagged_transactions AS
SELECT
    f.id, f.transaction_id, f.risk_level, f.reviewed, f.reviewed_at,
    f.reviewer_notes, f.created_at,
    t.amt, t.category, t.merchant, t.fraud_probability, t.decision,
    t.created_at AS transaction_created_at
FROM flagged_transactions f
JOIN transactions t ON t.id = f.transaction_id
`

// AllSchemas returns all schema statements for a driver in order.
func AllSchemas(driver string) []string {
	createView := "CREATE VIEW IF NOT EXISTS"
	if driver == "postgres" {
		createView = "CREATE OR REPLACE VIEW"
	}

	return []string{
		schemaTransactions,
		schemaFlaggedTransactions,
		createView + viewFraudStatistics,
		createView + viewRecentFlagged,
	}
}
