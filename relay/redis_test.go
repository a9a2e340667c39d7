package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aquachain/anchor-core/types"
	"github.com/aquachain/anchor-core/util"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"
)

type fakePublisher struct {
	mtx      sync.Mutex
	channels []string
	messages []string
	fail     bool
}

func (f *fakePublisher) Publish(channel string, message interface{}) *redis.IntCmd {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.fail {
		return redis.NewIntResult(0, errors.New("connection refused"))
	}
	f.channels = append(f.channels, channel)
	f.messages = append(f.messages, message.(string))
	return redis.NewIntResult(1, nil)
}

func (f *fakePublisher) Messages() []string {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return append([]string(nil), f.messages...)
}

func TestRelayPublishesNotifications(t *testing.T) {
	pub := &fakePublisher{}
	r := NewRelay(pub, "", log.NewNopLogger())
	assert.Equal(t, DefaultChannel, r.Channel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.Notify(types.TxNotification{Status: types.TxPending, ContentHash: "0xaa", Zone: "zone-A", TxID: "0x01"})
	r.Notify(types.TxNotification{Status: types.TxConfirmed, ContentHash: "0xaa", Zone: "zone-A", TxID: "0x01", BlockNumber: util.Uint64Ptr(9)})

	require.Eventually(t, func() bool { return len(pub.Messages()) == 2 }, 2*time.Second, 5*time.Millisecond)
	msgs := pub.Messages()
	assert.JSONEq(t, `{"status":"pending","data_hash":"0xaa","zone":"zone-A","tx_hash":"0x01"}`, msgs[0])
	assert.JSONEq(t, `{"status":"confirmed","data_hash":"0xaa","zone":"zone-A","tx_hash":"0x01","block_number":9}`, msgs[1])
	assert.Equal(t, []string{DefaultChannel, DefaultChannel}, pub.channels)
}

func TestRelayDropsWhenBufferFull(t *testing.T) {
	r := NewRelay(&fakePublisher{}, "custom", log.NewNopLogger())
	for i := 0; i < bufferSize+3; i++ {
		r.Notify(types.TxNotification{TxID: "0x01"})
	}
	assert.Equal(t, int64(3), r.Dropped())
}

func TestRelaySurvivesPublishErrors(t *testing.T) {
	pub := &fakePublisher{fail: true}
	r := NewRelay(pub, "custom", log.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	r.Notify(types.TxNotification{TxID: "0x01"})
	require.Eventually(t, func() bool { return len(r.notes) == 0 }, 2*time.Second, 5*time.Millisecond)
	pub.mtx.Lock()
	pub.fail = false
	pub.mtx.Unlock()
	r.Notify(types.TxNotification{TxID: "0x02"})
	require.Eventually(t, func() bool {
		msgs := pub.Messages()
		return len(msgs) > 0 && strings.Contains(msgs[len(msgs)-1], `"0x02"`)
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
