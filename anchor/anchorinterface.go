package anchor

import (
	"context"

	"github.com/aquachain/anchor-core/types"
	"github.com/ethereum/go-ethereum/event"
)

// Submitter broadcasts the audit contract's log(bytes32,string) call and returns the tx id.
// It must not wait for inclusion.
type Submitter interface {
	Log(ctx context.Context, contentHash [32]byte, zone string) (string, error)
}

// LogReader reads historical Log events of the audit contract
type LogReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	// FilterLogs returns every Log event in [from, to]; a nil to means the latest block.
	// Entries that fail to decode are returned with Err set.
	FilterLogs(ctx context.Context, from uint64, to *uint64) ([]types.LogEvent, error)
}

// LogSubscriber streams Log events as they are mined
type LogSubscriber interface {
	SubscribeLogs(ctx context.Context, sink chan<- types.LogEvent) (event.Subscription, error)
}

// Ledger is everything the service needs from one chain connection
type Ledger interface {
	Submitter
	LogReader
}
