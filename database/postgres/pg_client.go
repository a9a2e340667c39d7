package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/aquachain/anchor-core/database"
	"github.com/aquachain/anchor-core/types"
	"github.com/aquachain/anchor-core/util"
	_ "github.com/lib/pq"
	"github.com/tendermint/tendermint/libs/log"
)

const defaultListLimit = 100

var _ database.TxLifecycleStore = (*Postgres)(nil)

// Postgres : holds db connection info
type Postgres struct {
	DB     *sql.DB
	Logger log.Logger
}

// NewPGFromURI : opens a postgres connection, tests it and makes sure the anchor_txs table exists
func NewPGFromURI(connStr string, logger log.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", connStr)
	if util.LoggerError(logger, err) != nil {
		return nil, err
	}
	err = db.Ping()
	if util.LoggerError(logger, err) != nil {
		db.Close()
		return nil, err
	}
	pg := &Postgres{
		DB:     db,
		Logger: logger,
	}
	if err := pg.CreateSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return pg, nil
}

func (pg *Postgres) CreateSchema() error {
	if _, err := pg.DB.Exec(anchorTxsSchema); util.LoggerError(pg.Logger, err) != nil {
		return err
	}
	for _, stmt := range anchorTxsIndexes {
		if _, err := pg.DB.Exec(stmt); util.LoggerError(pg.Logger, err) != nil {
			return err
		}
	}
	return nil
}

// nullableJSON keeps SQL NULL for absent metadata instead of the string "null"
func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// InsertPending : inserts a pending row, on conflict only fills metadata that was never set
func (pg *Postgres) InsertPending(contentHash string, zone string, txID string, rawMetadata json.RawMessage) error {
	stmt := "INSERT INTO anchor_txs (tx_id, content_hash, zone, status, raw_metadata, created_at) " +
		"VALUES ($1, $2, $3, 'pending', $4, now()) " +
		"ON CONFLICT (tx_id) " +
		"DO UPDATE SET raw_metadata = COALESCE(anchor_txs.raw_metadata, EXCLUDED.raw_metadata);"
	_, err := pg.DB.Exec(stmt, txID, contentHash, zone, nullableJSON(rawMetadata))
	if util.LoggerError(pg.Logger, err) != nil {
		return fmt.Errorf("insert pending %s: %w", txID, err)
	}
	return nil
}

func (pg *Postgres) rowsAffected(res sql.Result, err error) (int64, error) {
	if util.LoggerError(pg.Logger, err) != nil {
		return 0, err
	}
	affect, err := res.RowsAffected()
	if util.LoggerError(pg.Logger, err) != nil {
		return 0, err
	}
	return affect, nil
}

func (pg *Postgres) MarkConfirmedByTx(txID string, blockNumber uint64) (int64, error) {
	stmt := "UPDATE anchor_txs SET status = 'confirmed', block_number = $2, confirmed_at = now() " +
		"WHERE tx_id = $1 AND status = 'pending';"
	return pg.rowsAffected(pg.DB.Exec(stmt, txID, int64(blockNumber)))
}

// MarkConfirmedByContentHash : confirms the oldest pending row for the hash; SKIP LOCKED lets racing confirmers fall through to 0
func (pg *Postgres) MarkConfirmedByContentHash(contentHash string, blockNumber uint64) (string, error) {
	stmt := "UPDATE anchor_txs SET status = 'confirmed', block_number = $2, confirmed_at = now() " +
		"WHERE tx_id = (" +
		"SELECT tx_id FROM anchor_txs WHERE content_hash = $1 AND status = 'pending' " +
		"ORDER BY created_at ASC, tx_id ASC LIMIT 1 FOR UPDATE SKIP LOCKED" +
		") AND status = 'pending' RETURNING tx_id;"
	var txID string
	err := pg.DB.QueryRow(stmt, contentHash, int64(blockNumber)).Scan(&txID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if util.LoggerError(pg.Logger, err) != nil {
		return "", fmt.Errorf("confirm by content hash: %w", err)
	}
	return txID, nil
}

func (pg *Postgres) MarkFailed(txID string, reason string) (int64, error) {
	stmt := "UPDATE anchor_txs SET status = 'failed', error = $2 WHERE tx_id = $1 AND status = 'pending';"
	return pg.rowsAffected(pg.DB.Exec(stmt, txID, reason))
}

const selectAnchorTx = "SELECT tx_id, content_hash, zone, status, block_number, raw_metadata, error, created_at, confirmed_at FROM anchor_txs "

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAnchorTx(row scanner) (types.AnchorTx, error) {
	var tx types.AnchorTx
	var zone, errStr sql.NullString
	var status string
	var block sql.NullInt64
	var meta []byte
	var confirmedAt sql.NullTime
	if err := row.Scan(&tx.TxID, &tx.ContentHash, &zone, &status, &block, &meta, &errStr, &tx.CreatedAt, &confirmedAt); err != nil {
		return types.AnchorTx{}, err
	}
	tx.Zone = zone.String
	tx.Status = types.TxStatus(status)
	tx.Error = errStr.String
	if block.Valid {
		bn := uint64(block.Int64)
		tx.BlockNumber = &bn
	}
	if len(meta) != 0 {
		tx.RawMetadata = json.RawMessage(meta)
	}
	if confirmedAt.Valid {
		at := confirmedAt.Time
		tx.ConfirmedAt = &at
	}
	return tx, nil
}

func (pg *Postgres) query(stmt string, args ...interface{}) ([]types.AnchorTx, error) {
	rows, err := pg.DB.Query(stmt, args...)
	if util.LoggerError(pg.Logger, err) != nil {
		return nil, err
	}
	defer rows.Close()
	results := make([]types.AnchorTx, 0)
	for rows.Next() {
		tx, err := scanAnchorTx(rows)
		if util.LoggerError(pg.Logger, err) != nil {
			return nil, err
		}
		results = append(results, tx)
	}
	return results, rows.Err()
}

func (pg *Postgres) ListUnconfirmed(limit int) ([]types.AnchorTx, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return pg.query(selectAnchorTx+"WHERE status = 'pending' ORDER BY created_at ASC, tx_id ASC LIMIT $1;", limit)
}

func (pg *Postgres) GetByTx(txID string) (types.AnchorTx, bool, error) {
	row := pg.DB.QueryRow(selectAnchorTx+"WHERE tx_id = $1;", txID)
	tx, err := scanAnchorTx(row)
	switch err {
	case sql.ErrNoRows:
		return types.AnchorTx{}, false, nil
	case nil:
		return tx, true, nil
	default:
		util.LoggerError(pg.Logger, err)
		return types.AnchorTx{}, false, err
	}
}

func (pg *Postgres) ListByContentHash(contentHash string) ([]types.AnchorTx, error) {
	return pg.query(selectAnchorTx+"WHERE content_hash = $1 ORDER BY created_at ASC, tx_id ASC;", contentHash)
}

func (pg *Postgres) Close() error {
	return pg.DB.Close()
}
