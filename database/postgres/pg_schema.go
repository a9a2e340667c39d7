package postgres

var anchorTxsSchema = `
CREATE TABLE IF NOT EXISTS anchor_txs (
    tx_id character varying(66) PRIMARY KEY,
    content_hash character varying(66) NOT NULL,
    zone text,
    status character varying(16) NOT NULL DEFAULT 'pending',
    block_number bigint,
    raw_metadata jsonb,
    error text,
    created_at timestamp with time zone NOT NULL DEFAULT now(),
    confirmed_at timestamp with time zone
);
`

var anchorTxsIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_anchor_txs_hash_status ON anchor_txs (content_hash, status, created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_anchor_txs_pending ON anchor_txs (created_at) WHERE status = 'pending';`,
}
