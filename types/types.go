package types

import (
	"encoding/json"
	"time"

	"github.com/tendermint/tendermint/libs/log"
)

// TxStatus is the lifecycle state of an anchor transaction
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// LedgerConfig holds connection info for the ledger RPC endpoints and the audit contract
type LedgerConfig struct {
	RPCURL               string
	StreamURL            string
	ContractAddress      string
	PrivateKey           string
	AllowUnlockedAccount bool
	SendTimeout          time.Duration
}

// ScanWindow bounds a reconciliation run. Nil bounds fall back to the defaults
// (latest-10000 for From, latest for To).
type ScanWindow struct {
	FromBlock *uint64
	ToBlock   *uint64
}

//AnchorConfig represents values to configure all connections within the anchor service
type AnchorConfig struct {
	HomePath          string
	DBType            string
	DataDir           string
	PostgresURI       string
	RedisURI          string
	RedisChannel      string
	APIPort           string
	LogLevel          string
	Ledger            LedgerConfig
	Window            ScanWindow
	ReconcileInterval time.Duration
	Logger            *log.Logger
}

// AnchorTx is the lifecycle record of one broadcast anchor transaction. Keyed by TxID.
type AnchorTx struct {
	ContentHash string          `json:"content_hash"`
	Zone        string          `json:"zone"`
	TxID        string          `json:"tx_id"`
	Status      TxStatus        `json:"status"`
	BlockNumber *uint64         `json:"block_number"`
	RawMetadata json.RawMessage `json:"raw_metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ConfirmedAt *time.Time      `json:"confirmed_at"`
	Error       string          `json:"error,omitempty"`
}

// SubmissionJob is a queued request to anchor one content hash
type SubmissionJob struct {
	ID          string          `json:"id"`
	ContentHash string          `json:"content_hash"`
	Zone        string          `json:"zone"`
	RawMetadata json.RawMessage `json:"raw_metadata,omitempty"`
}

// TxNotification is published to subscribers on every pending or confirmed transition
type TxNotification struct {
	Status      TxStatus `json:"status"`
	ContentHash string   `json:"data_hash"`
	Zone        string   `json:"zone"`
	TxID        string   `json:"tx_hash"`
	BlockNumber *uint64  `json:"block_number,omitempty"`
}

// LogEvent is a decoded Log(bytes32,string,uint256,address) entry from the audit contract.
// Err is set when the entry could not be decoded; the other fields are then best-effort.
type LogEvent struct {
	ContentHash string `json:"content_hash"`
	Zone        string `json:"zone"`
	Timestamp   uint64 `json:"ts"`
	Actor       string `json:"actor"`
	TxID        string `json:"tx_id"`
	BlockNumber uint64 `json:"block_number"`
	Removed     bool   `json:"removed"`
	Err         error  `json:"-"`
}
