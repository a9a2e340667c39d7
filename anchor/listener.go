package anchor

import (
	"context"
	"fmt"
	"time"

	"github.com/aquachain/anchor-core/database"
	"github.com/aquachain/anchor-core/types"
	"github.com/tendermint/tendermint/libs/log"
)

const DefaultResubscribeDelay = 5 * time.Second

// Listener confirms pending rows from the contract's live Log stream
type Listener struct {
	Subscriber       LogSubscriber
	Store            database.TxLifecycleStore
	Notifier         *Notifier
	ResubscribeDelay time.Duration
	Logger           log.Logger
}

func NewListener(sub LogSubscriber, store database.TxLifecycleStore, notifier *Notifier, logger log.Logger) *Listener {
	return &Listener{
		Subscriber:       sub,
		Store:            store,
		Notifier:         notifier,
		ResubscribeDelay: DefaultResubscribeDelay,
		Logger:           logger,
	}
}

// Run consumes the stream until ctx ends, resubscribing after every subscription failure
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			l.Logger.Error(fmt.Sprintf("Log subscription ended: %s", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.ResubscribeDelay):
			l.Logger.Info("Resubscribing to audit contract logs")
		}
	}
}

func (l *Listener) consume(ctx context.Context) error {
	sink := make(chan types.LogEvent, 64)
	sub, err := l.Subscriber.SubscribeLogs(ctx, sink)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	l.Logger.Info("Listening for audit contract logs")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = fmt.Errorf("subscription closed")
			}
			return err
		case ev := <-sink:
			l.Handle(ev)
		}
	}
}

// Handle applies one streamed event and reports whether a row moved to confirmed
func (l *Listener) Handle(ev types.LogEvent) bool {
	if ev.Err != nil {
		l.Logger.Info("Skipping undecodable log", "tx_id", ev.TxID, "err", ev.Err.Error())
		return false
	}
	if ev.Removed {
		l.Logger.Debug("Ignoring removed log", "tx_id", ev.TxID)
		return false
	}
	txID, err := confirm(l.Store, ev)
	if err != nil {
		l.Logger.Error(fmt.Sprintf("Confirm of %s failed: %s", ev.TxID, err.Error()))
		return false
	}
	if txID == "" {
		return false
	}
	l.Logger.Info("Anchor confirmed", "tx_id", txID, "log_tx_id", ev.TxID, "content_hash", ev.ContentHash, "block", ev.BlockNumber)
	if l.Notifier != nil {
		l.Notifier.Publish(confirmedNotification(ev, txID))
	}
	return true
}
