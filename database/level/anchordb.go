package level

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aquachain/anchor-core/database"
	"github.com/aquachain/anchor-core/types"
	json "github.com/goccy/go-json"
	"github.com/tendermint/tendermint/libs/log"
	dbm "github.com/tendermint/tm-db"
)

const (
	txPrefix      = "anchortx:"
	byHashPrefix  = "anchortx_by_hash:"
	pendingPrefix = "anchortx_pending:"

	defaultListLimit = 100
)

var _ database.TxLifecycleStore = (*Anchor_DB)(nil)

// Anchor_DB : AnchorTx rows in leveldb with a content-hash index and a pending index ordered by creation time
type Anchor_DB struct {
	db       *KVStore
	mtx      sync.Mutex
	lastNano int64
	now      func() time.Time
}

func NewDB(db *KVStore) *Anchor_DB {
	return &Anchor_DB{db: db, now: time.Now}
}

// Open : goleveldb under dir, or an in-memory db for dbType "memdb"
func Open(dbType string, dir string, logger log.Logger) (*Anchor_DB, error) {
	var backend dbm.DB
	switch dbType {
	case "memdb":
		backend = dbm.NewMemDB()
	case "goleveldb", "":
		backend = dbm.NewDB("anchortx", dbm.GoLevelDBBackend, dir)
	default:
		return nil, fmt.Errorf("unsupported level db type %q", dbType)
	}
	logger.Info("Lifecycle store opened", "type", dbType, "dir", dir)
	return NewDB(NewKVStore(backend, logger)), nil
}

func pendingKey(tx types.AnchorTx) string {
	return fmt.Sprintf("%s%020d:%s", pendingPrefix, tx.CreatedAt.UnixNano(), tx.TxID)
}

// createdAt hands out strictly increasing timestamps so the pending index never ties
func (chp *Anchor_DB) createdAt() time.Time {
	n := chp.now().UnixNano()
	if n <= chp.lastNano {
		n = chp.lastNano + 1
	}
	chp.lastNano = n
	return time.Unix(0, n).UTC()
}

func (chp *Anchor_DB) load(txID string) (types.AnchorTx, bool, error) {
	b, err := chp.db.Get(txPrefix + txID)
	if err != nil {
		return types.AnchorTx{}, false, err
	}
	if b == nil {
		return types.AnchorTx{}, false, nil
	}
	var tx types.AnchorTx
	if err := json.Unmarshal(b, &tx); err != nil {
		return types.AnchorTx{}, false, fmt.Errorf("corrupt anchortx %s: %w", txID, err)
	}
	return tx, true, nil
}

// InsertPending : create the pending row, or fill in metadata on an existing row that has none
func (chp *Anchor_DB) InsertPending(contentHash string, zone string, txID string, rawMetadata json.RawMessage) error {
	chp.mtx.Lock()
	defer chp.mtx.Unlock()
	existing, found, err := chp.load(txID)
	if err != nil {
		return err
	}
	if found {
		if len(existing.RawMetadata) != 0 || len(rawMetadata) == 0 {
			return nil
		}
		existing.RawMetadata = rawMetadata
		b, err := json.Marshal(existing)
		if err != nil {
			return err
		}
		return chp.db.Set(txPrefix+txID, b)
	}
	tx := types.AnchorTx{
		ContentHash: contentHash,
		Zone:        zone,
		TxID:        txID,
		Status:      types.TxPending,
		RawMetadata: rawMetadata,
		CreatedAt:   chp.createdAt(),
	}
	b, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	hashIdx, err := chp.db.GetArray(byHashPrefix + contentHash)
	if err != nil {
		return err
	}
	hashIdx = append(hashIdx, txID)
	idx, _ := json.Marshal(hashIdx)
	return chp.db.Write(map[string][]byte{
		txPrefix + txID:            b,
		byHashPrefix + contentHash: idx,
		pendingKey(tx):             []byte(txID),
	}, nil)
}

// transition moves a pending row to status and drops it from the pending index. Caller holds mtx.
func (chp *Anchor_DB) transition(tx types.AnchorTx, status types.TxStatus, blockNumber uint64, reason string) (int64, error) {
	if tx.Status != types.TxPending {
		return 0, nil
	}
	key := pendingKey(tx)
	tx.Status = status
	switch status {
	case types.TxConfirmed:
		bn := blockNumber
		at := chp.now().UTC()
		tx.BlockNumber = &bn
		tx.ConfirmedAt = &at
	case types.TxFailed:
		tx.Error = reason
	}
	b, err := json.Marshal(tx)
	if err != nil {
		return 0, err
	}
	if err := chp.db.Write(map[string][]byte{txPrefix + tx.TxID: b}, []string{key}); err != nil {
		return 0, err
	}
	return 1, nil
}

// MarkConfirmedByTx : pending -> confirmed for txID, 0 if missing or already terminal
func (chp *Anchor_DB) MarkConfirmedByTx(txID string, blockNumber uint64) (int64, error) {
	chp.mtx.Lock()
	defer chp.mtx.Unlock()
	tx, found, err := chp.load(txID)
	if err != nil || !found {
		return 0, err
	}
	return chp.transition(tx, types.TxConfirmed, blockNumber, "")
}

// MarkConfirmedByContentHash : confirm the oldest pending row for contentHash
func (chp *Anchor_DB) MarkConfirmedByContentHash(contentHash string, blockNumber uint64) (string, error) {
	chp.mtx.Lock()
	defer chp.mtx.Unlock()
	ids, err := chp.db.GetArray(byHashPrefix + contentHash)
	if err != nil {
		return "", err
	}
	var oldest *types.AnchorTx
	for _, id := range ids {
		tx, found, err := chp.load(id)
		if err != nil {
			return "", err
		}
		if !found || tx.Status != types.TxPending {
			continue
		}
		if oldest == nil || tx.CreatedAt.Before(oldest.CreatedAt) {
			candidate := tx
			oldest = &candidate
		}
	}
	if oldest == nil {
		return "", nil
	}
	n, err := chp.transition(*oldest, types.TxConfirmed, blockNumber, "")
	if err != nil || n == 0 {
		return "", err
	}
	return oldest.TxID, nil
}

// MarkFailed : pending -> failed with reason; no-op for rows already failed or confirmed
func (chp *Anchor_DB) MarkFailed(txID string, reason string) (int64, error) {
	chp.mtx.Lock()
	defer chp.mtx.Unlock()
	tx, found, err := chp.load(txID)
	if err != nil || !found {
		return 0, err
	}
	return chp.transition(tx, types.TxFailed, 0, reason)
}

// ListUnconfirmed : pending rows, oldest first
func (chp *Anchor_DB) ListUnconfirmed(limit int) ([]types.AnchorTx, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	chp.mtx.Lock()
	defer chp.mtx.Unlock()
	keys, err := chp.db.Keys(pendingPrefix, limit)
	if err != nil {
		return nil, err
	}
	results := make([]types.AnchorTx, 0, len(keys))
	for _, k := range keys {
		txID := k[strings.LastIndex(k, ":")+1:]
		tx, found, err := chp.load(txID)
		if err != nil {
			return nil, err
		}
		if found {
			results = append(results, tx)
		}
	}
	return results, nil
}

func (chp *Anchor_DB) GetByTx(txID string) (types.AnchorTx, bool, error) {
	chp.mtx.Lock()
	defer chp.mtx.Unlock()
	return chp.load(txID)
}

// ListByContentHash : every attempt recorded for contentHash in creation order
func (chp *Anchor_DB) ListByContentHash(contentHash string) ([]types.AnchorTx, error) {
	chp.mtx.Lock()
	defer chp.mtx.Unlock()
	ids, err := chp.db.GetArray(byHashPrefix + contentHash)
	if err != nil {
		return nil, err
	}
	results := make([]types.AnchorTx, 0, len(ids))
	for _, id := range ids {
		tx, found, err := chp.load(id)
		if err != nil {
			return nil, err
		}
		if found {
			results = append(results, tx)
		}
	}
	return results, nil
}

func (chp *Anchor_DB) Close() error {
	return chp.db.Close()
}
