package anchor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aquachain/anchor-core/database"
	"github.com/aquachain/anchor-core/types"
	"github.com/aquachain/anchor-core/util"
	"github.com/tendermint/tendermint/libs/log"
)

// DefaultLookback is how far behind the chain head a scan starts when no from-block is given
const DefaultLookback uint64 = 10000

// ErrNotConfigured aborts a reconciliation run before anything is scanned
var ErrNotConfigured = errors.New("reconciler not configured: missing ledger endpoint or contract address")

// Report summarizes one reconciliation run
type Report struct {
	FromBlock   uint64 `json:"from_block"`
	ToBlock     uint64 `json:"to_block"`
	LogsScanned int    `json:"logs_scanned"`
	RowsUpdated int64  `json:"rows_updated"`
	Skipped     int    `json:"skipped"`
}

// confirm applies one Log event and returns the tx id of the row it moved, or "".
// A log whose tx id is a known row only ever touches that row. Unknown tx ids fall back
// to the oldest pending row with the same content hash, unless a row with that hash
// was already confirmed at the log's block.
func confirm(store database.TxLifecycleStore, ev types.LogEvent) (string, error) {
	if ev.TxID != "" {
		_, found, err := store.GetByTx(ev.TxID)
		if err != nil {
			return "", err
		}
		if found {
			n, err := store.MarkConfirmedByTx(ev.TxID, ev.BlockNumber)
			if err != nil || n == 0 {
				return "", err
			}
			return ev.TxID, nil
		}
	}
	if ev.ContentHash == "" {
		return "", nil
	}
	rows, err := store.ListByContentHash(ev.ContentHash)
	if err != nil {
		return "", err
	}
	for _, row := range rows {
		if row.Status == types.TxConfirmed && row.BlockNumber != nil && *row.BlockNumber == ev.BlockNumber {
			return "", nil
		}
	}
	return store.MarkConfirmedByContentHash(ev.ContentHash, ev.BlockNumber)
}

func confirmedNotification(ev types.LogEvent, txID string) types.TxNotification {
	return types.TxNotification{
		Status:      types.TxConfirmed,
		ContentHash: ev.ContentHash,
		Zone:        ev.Zone,
		TxID:        txID,
		BlockNumber: util.Uint64Ptr(ev.BlockNumber),
	}
}

// Reconciler recovers confirmations the Listener missed by scanning historical logs
type Reconciler struct {
	Reader   LogReader
	Store    database.TxLifecycleStore
	Notifier *Notifier // optional
	Lookback uint64
	Logger   log.Logger
}

func NewReconciler(reader LogReader, store database.TxLifecycleStore, notifier *Notifier, logger log.Logger) *Reconciler {
	return &Reconciler{
		Reader:   reader,
		Store:    store,
		Notifier: notifier,
		Lookback: DefaultLookback,
		Logger:   logger,
	}
}

// Window resolves nil bounds against the current chain height
func (r *Reconciler) Window(ctx context.Context, window types.ScanWindow) (uint64, uint64, error) {
	latest, err := r.Reader.BlockNumber(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("ledger unreachable: %w", err)
	}
	from := uint64(0)
	if latest > r.Lookback {
		from = latest - r.Lookback
	}
	if window.FromBlock != nil {
		from = *window.FromBlock
	}
	to := latest
	if window.ToBlock != nil {
		to = *window.ToBlock
	}
	if from > to {
		return 0, 0, fmt.Errorf("invalid scan window: from block %d is after to block %d", from, to)
	}
	return from, to, nil
}

// Run scans [from, to] with one log query and confirms every pending row it can match.
// Undecodable entries and per-entry store failures are skipped, never fatal.
func (r *Reconciler) Run(ctx context.Context, window types.ScanWindow) (Report, error) {
	if r.Reader == nil || r.Store == nil {
		return Report{}, ErrNotConfigured
	}
	from, to, err := r.Window(ctx, window)
	if err != nil {
		return Report{}, err
	}
	report := Report{FromBlock: from, ToBlock: to}
	r.Logger.Info(fmt.Sprintf("Reconciling logs from block %d to %d", from, to))
	logs, err := r.Reader.FilterLogs(ctx, from, util.Uint64Ptr(to))
	if err != nil {
		return report, fmt.Errorf("filter logs: %w", err)
	}
	report.LogsScanned = len(logs)
	for _, ev := range logs {
		if ev.Err != nil {
			r.Logger.Info("Skipping undecodable log", "tx_id", ev.TxID, "err", ev.Err.Error())
			report.Skipped++
			continue
		}
		if ev.Removed {
			report.Skipped++
			continue
		}
		txID, err := confirm(r.Store, ev)
		if err != nil {
			r.Logger.Error(fmt.Sprintf("Reconcile of %s failed: %s", ev.TxID, err.Error()))
			report.Skipped++
			continue
		}
		if txID != "" {
			report.RowsUpdated++
			if r.Notifier != nil {
				r.Notifier.Publish(confirmedNotification(ev, txID))
			}
		}
	}
	r.Logger.Info(fmt.Sprintf("Reconcile done. logs=%d, rows_updated=%d, skipped=%d", report.LogsScanned, report.RowsUpdated, report.Skipped))
	return report, nil
}

// RunEvery repeats Run over the default window until ctx ends
func (r *Reconciler) RunEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Run(ctx, types.ScanWindow{}); err != nil {
				r.Logger.Error(fmt.Sprintf("Periodic reconcile failed: %s", err.Error()))
			}
		}
	}
}
