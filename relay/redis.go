// Package relay republishes anchor notifications on a Redis channel for out-of-process consumers.
package relay

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/aquachain/anchor-core/types"
	"github.com/aquachain/anchor-core/util"
	"github.com/go-redis/redis"
	json "github.com/goccy/go-json"
	"github.com/tendermint/tendermint/libs/log"
)

const (
	DefaultChannel = "anchor:tx_update"
	bufferSize     = 1024
)

type publisher interface {
	Publish(channel string, message interface{}) *redis.IntCmd
}

// Relay : buffers notifications so publishing never blocks the notifier
type Relay struct {
	Channel string
	Logger  log.Logger
	client  publisher
	notes   chan types.TxNotification
	dropped int64
}

func NewRelay(client publisher, channel string, logger log.Logger) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Relay{
		Channel: channel,
		Logger:  logger,
		client:  client,
		notes:   make(chan types.TxNotification, bufferSize),
	}
}

// Connect parses a redis:// URI and checks the server answers
func Connect(uri string, channel string, logger log.Logger) (*Relay, *redis.Client, error) {
	opts, err := redis.ParseURL(uri)
	if util.LoggerError(logger, err) != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	if _, err := client.Ping().Result(); util.LoggerError(logger, err) != nil {
		client.Close()
		return nil, nil, err
	}
	return NewRelay(client, channel, logger), client, nil
}

// Notify queues n for publishing; when the buffer is full the notification is dropped
func (r *Relay) Notify(n types.TxNotification) {
	select {
	case r.notes <- n:
	default:
		atomic.AddInt64(&r.dropped, 1)
		r.Logger.Error("Redis relay buffer full, dropping notification", "tx_id", n.TxID)
	}
}

func (r *Relay) Dropped() int64 {
	return atomic.LoadInt64(&r.dropped)
}

// Run publishes queued notifications until ctx ends
func (r *Relay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-r.notes:
			payload, err := json.Marshal(n)
			if util.LoggerError(r.Logger, err) != nil {
				continue
			}
			if err := r.client.Publish(r.Channel, string(payload)).Err(); err != nil {
				r.Logger.Error(fmt.Sprintf("Redis publish to %s failed: %s", r.Channel, err.Error()))
			}
		}
	}
}
