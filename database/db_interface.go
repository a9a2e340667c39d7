package database

import (
	"encoding/json"

	"github.com/aquachain/anchor-core/types"
)

// TxLifecycleStore persists AnchorTx rows. Every transition is conditional on the
// row still being pending, so concurrent confirmers resolve as first writer wins.
type TxLifecycleStore interface {
	// InsertPending upserts by txID; an existing row is never duplicated or moved backwards
	InsertPending(contentHash string, zone string, txID string, rawMetadata json.RawMessage) error
	MarkConfirmedByTx(txID string, blockNumber uint64) (int64, error)
	// MarkConfirmedByContentHash confirms the oldest pending row carrying contentHash and
	// returns its tx id, or "" when no pending row moved
	MarkConfirmedByContentHash(contentHash string, blockNumber uint64) (string, error)
	MarkFailed(txID string, reason string) (int64, error)
	ListUnconfirmed(limit int) ([]types.AnchorTx, error)
	GetByTx(txID string) (types.AnchorTx, bool, error)
	ListByContentHash(contentHash string) ([]types.AnchorTx, error)
	Close() error
}
