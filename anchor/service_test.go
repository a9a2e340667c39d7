package anchor

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aquachain/anchor-core/database"
	"github.com/aquachain/anchor-core/database/level"
	"github.com/aquachain/anchor-core/snapshot"
	"github.com/aquachain/anchor-core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"
)

func testHash(i int) string {
	return fmt.Sprintf("0x%064x", i)
}

// fakeSubmitter records call boundaries and replays scripted errors per content hash
type fakeSubmitter struct {
	mtx      sync.Mutex
	inFlight int32
	overlaps int32
	delay    time.Duration
	events   []string
	calls    int
	script   map[string][]error
	block    chan struct{}
	next     int
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{script: make(map[string][]error)}
}

func (f *fakeSubmitter) Log(ctx context.Context, contentHash [32]byte, zone string) (string, error) {
	if atomic.AddInt32(&f.inFlight, 1) > 1 {
		atomic.AddInt32(&f.overlaps, 1)
	}
	defer atomic.AddInt32(&f.inFlight, -1)
	h := "0x" + hex.EncodeToString(contentHash[:])
	f.record("start:" + h)
	defer f.record("end:" + h)
	if f.block != nil {
		<-f.block
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.calls++
	if errs := f.script[h]; len(errs) > 0 {
		f.script[h] = errs[1:]
		if errs[0] != nil {
			return "", errs[0]
		}
	}
	f.next++
	return fmt.Sprintf("0x%064x", 0xfeed0000+f.next), nil
}

func (f *fakeSubmitter) record(ev string) {
	f.mtx.Lock()
	f.events = append(f.events, ev)
	f.mtx.Unlock()
}

func (f *fakeSubmitter) snapshotEvents() []string {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return append([]string(nil), f.events...)
}

type sleepRecorder struct {
	mtx    sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) Sleep(d time.Duration) {
	r.mtx.Lock()
	r.delays = append(r.delays, d)
	r.mtx.Unlock()
}

func (r *sleepRecorder) Delays() []time.Duration {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func newTestStore(t *testing.T) *level.Anchor_DB {
	db, err := level.Open("memdb", "", log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestService(t *testing.T, sub Submitter, store database.TxLifecycleStore) (*Service, *sleepRecorder) {
	svc := NewService(sub, store, nil, log.NewNopLogger())
	sleeper := &sleepRecorder{}
	svc.Retry.Sleep = sleeper.Sleep
	t.Cleanup(svc.Stop)
	return svc, sleeper
}

func waitAll(t *testing.T, futures []*Future) ([]string, []error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ids := make([]string, len(futures))
	errs := make([]error, len(futures))
	for i, f := range futures {
		ids[i], errs[i] = f.Wait(ctx)
		require.NotEqual(t, context.DeadlineExceeded, errs[i], "future %d never resolved", i)
	}
	return ids, errs
}

func TestConcurrentSubmissionsNeverOverlap(t *testing.T) {
	sub := newFakeSubmitter()
	sub.delay = 2 * time.Millisecond
	store := newTestStore(t)
	svc, _ := newTestService(t, sub, store)
	svc.Start(context.Background())

	const n = 20
	futures := make([]*Future, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			futures[i] = svc.AnchorContentHash(testHash(i), "zone-A", nil)
		}(i)
	}
	wg.Wait()
	ids, errs := waitAll(t, futures)
	for i := range futures {
		require.NoError(t, errs[i])
		assert.NotEmpty(t, ids[i])
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&sub.overlaps), "ledger calls must never overlap")

	events := sub.snapshotEvents()
	require.Len(t, events, 2*n)
	for i := 0; i < len(events); i += 2 {
		assert.True(t, strings.HasPrefix(events[i], "start:"))
		assert.Equal(t, "end:"+strings.TrimPrefix(events[i], "start:"), events[i+1])
	}
	pending, err := store.ListUnconfirmed(0)
	require.NoError(t, err)
	assert.Len(t, pending, n)
}

func TestSubmissionsRunInArrivalOrder(t *testing.T) {
	sub := newFakeSubmitter()
	svc, _ := newTestService(t, sub, newTestStore(t))
	futures := make([]*Future, 0)
	for i := 0; i < 8; i++ {
		futures = append(futures, svc.AnchorContentHash(testHash(i), "", nil))
	}
	assert.Equal(t, 8, svc.QueueDepth())
	svc.Start(context.Background())
	_, errs := waitAll(t, futures)
	for _, err := range errs {
		require.NoError(t, err)
	}
	events := sub.snapshotEvents()
	for i := 0; i < 8; i++ {
		assert.Equal(t, "start:"+testHash(i), events[2*i])
	}
	assert.Equal(t, 0, svc.QueueDepth())
}

func TestIdleWorkerPicksUpEachJobInOrder(t *testing.T) {
	sub := newFakeSubmitter()
	svc, _ := newTestService(t, sub, newTestStore(t))
	svc.Start(context.Background())
	// a stray wake with nothing queued sends the worker straight back to waiting
	svc.wake <- struct{}{}

	for i := 0; i < 5; i++ {
		time.Sleep(60 * time.Millisecond)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err := svc.AnchorContentHash(testHash(0x40+i), "", nil).Wait(ctx)
		cancel()
		require.NoError(t, err, "job %d stalled while the worker was idle", i)
		assert.Equal(t, 0, svc.QueueDepth())
	}
	events := sub.snapshotEvents()
	require.Len(t, events, 10)
	for i := 0; i < 5; i++ {
		assert.Equal(t, "start:"+testHash(0x40+i), events[2*i])
	}
}

func TestTransientFailuresHoldBackLaterJobs(t *testing.T) {
	h1, h2, h3 := testHash(1), testHash(2), testHash(3)
	sub := newFakeSubmitter()
	sub.script[h1] = []error{errors.New("nonce too low"), errors.New("request timeout"), nil}
	store := newTestStore(t)
	svc, sleeper := newTestService(t, sub, store)

	var mtx sync.Mutex
	var notes []types.TxNotification
	svc.Subscribe(func(n types.TxNotification) {
		mtx.Lock()
		notes = append(notes, n)
		mtx.Unlock()
	})

	futures := []*Future{
		svc.AnchorContentHash(h1, "zone-1", nil),
		svc.AnchorContentHash(h2, "zone-2", nil),
		svc.AnchorContentHash(h3, "zone-3", nil),
	}
	svc.Start(context.Background())
	ids, errs := waitAll(t, futures)
	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, []string{
		"start:" + h1, "end:" + h1,
		"start:" + h1, "end:" + h1,
		"start:" + h1, "end:" + h1,
		"start:" + h2, "end:" + h2,
		"start:" + h3, "end:" + h3,
	}, sub.snapshotEvents())
	assert.Equal(t, []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond}, sleeper.Delays())

	mtx.Lock()
	defer mtx.Unlock()
	require.Len(t, notes, 3)
	for i, h := range []string{h1, h2, h3} {
		assert.Equal(t, types.TxPending, notes[i].Status)
		assert.Equal(t, h, notes[i].ContentHash)
		assert.Equal(t, ids[i], notes[i].TxID)
		assert.Nil(t, notes[i].BlockNumber)
	}
	row, found, err := store.GetByTx(ids[0])
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "zone-1", row.Zone)
}

func TestRetriesExhaustAfterFiveAttempts(t *testing.T) {
	h := testHash(7)
	sub := newFakeSubmitter()
	underpriced := errors.New("replacement transaction underpriced")
	sub.script[h] = []error{underpriced, underpriced, underpriced, underpriced, underpriced, nil}
	store := newTestStore(t)
	svc, sleeper := newTestService(t, sub, store)
	svc.Start(context.Background())

	_, err := svc.AnchorContentHash(h, "", nil).Result()
	require.Error(t, err)
	var sendErr *SendError
	require.True(t, errors.As(err, &sendErr))
	assert.Equal(t, 5, sendErr.Attempts)
	assert.True(t, sendErr.Transient)
	assert.Empty(t, sendErr.TxID)
	assert.ErrorIs(t, err, underpriced)
	assert.Equal(t, 5, sub.calls)
	assert.Equal(t, []time.Duration{
		1000 * time.Millisecond, 2000 * time.Millisecond, 4000 * time.Millisecond, 8000 * time.Millisecond,
	}, sleeper.Delays(), "no backoff after the final attempt")

	rows, err := store.ListByContentHash(h)
	require.NoError(t, err)
	assert.Empty(t, rows, "nothing is recorded without a broadcast")
}

func TestTerminalErrorFailsImmediatelyAndNextJobRuns(t *testing.T) {
	bad, good := testHash(8), testHash(9)
	sub := newFakeSubmitter()
	sub.script[bad] = []error{errors.New("execution reverted"), nil}
	svc, sleeper := newTestService(t, sub, newTestStore(t))
	svc.Start(context.Background())

	f1 := svc.AnchorContentHash(bad, "", nil)
	f2 := svc.AnchorContentHash(good, "", nil)
	_, errs := waitAll(t, []*Future{f1, f2})

	var sendErr *SendError
	require.True(t, errors.As(errs[0], &sendErr))
	assert.Equal(t, 1, sendErr.Attempts)
	assert.False(t, sendErr.Transient)
	assert.NoError(t, errs[1], "one job's failure never blocks the next")
	assert.Empty(t, sleeper.Delays())
	assert.Equal(t, 2, sub.calls)
}

func TestDisabledServiceRejectsWithoutQueueing(t *testing.T) {
	svc, _ := newTestService(t, nil, newTestStore(t))
	assert.False(t, svc.Enabled())
	_, err := svc.AnchorContentHash(testHash(1), "", nil).Result()
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = svc.AnchorSnapshot(snapshot.Snapshot{"zone": "z"}).Result()
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 0, svc.QueueDepth())
	assert.Equal(t, Status{Enabled: false, Signer: "none"}, svc.Status())
}

func TestInvalidContentHashIsRejected(t *testing.T) {
	sub := newFakeSubmitter()
	svc, _ := newTestService(t, sub, newTestStore(t))
	for _, bad := range []string{"", "0x12", strings.Repeat("a", 64)} {
		_, err := svc.AnchorContentHash(bad, "", nil).Result()
		assert.Error(t, err, bad)
	}
	assert.Equal(t, 0, svc.QueueDepth())
}

func TestContentHashIsNormalizedToLowercase(t *testing.T) {
	sub := newFakeSubmitter()
	store := newTestStore(t)
	svc, _ := newTestService(t, sub, store)
	svc.Start(context.Background())
	upper := "0x" + strings.Repeat("AB", 32)
	_, err := svc.AnchorContentHash(upper, "", nil).Result()
	require.NoError(t, err)
	rows, err := store.ListByContentHash(strings.ToLower(upper))
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

// failingStore rejects every pending insert
type failingStore struct {
	database.TxLifecycleStore
	failed []string
}

func (f *failingStore) InsertPending(string, string, string, json.RawMessage) error {
	return errors.New("disk full")
}

func (f *failingStore) MarkFailed(txID string, reason string) (int64, error) {
	f.failed = append(f.failed, txID)
	return 0, nil
}

func TestStoreFailureAfterBroadcastIsNotRebroadcast(t *testing.T) {
	sub := newFakeSubmitter()
	store := &failingStore{TxLifecycleStore: newTestStore(t)}
	svc, _ := newTestService(t, sub, store)
	var published int32
	svc.Subscribe(func(types.TxNotification) { atomic.AddInt32(&published, 1) })
	svc.Start(context.Background())

	_, err := svc.AnchorContentHash(testHash(3), "", nil).Result()
	var sendErr *SendError
	require.True(t, errors.As(err, &sendErr))
	assert.NotEmpty(t, sendErr.TxID)
	assert.Equal(t, 1, sub.calls)
	assert.Empty(t, store.failed, "there is no row to mark failed")
	assert.Equal(t, int32(0), atomic.LoadInt32(&published))
}

func TestAnchorSnapshotUsesZoneAndKeepsSnapshot(t *testing.T) {
	sub := newFakeSubmitter()
	store := newTestStore(t)
	svc, _ := newTestService(t, sub, store)
	svc.Start(context.Background())

	snap := snapshot.Snapshot{"zone": "zone-B", "soil_moisture_pct": 28, "device_id": "esp32-02"}
	txID, err := svc.AnchorSnapshot(snap).Result()
	require.NoError(t, err)

	expected, err := snapshot.ComputeContentHash(snap)
	require.NoError(t, err)
	row, found, err := store.GetByTx(txID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, expected, row.ContentHash)
	assert.Equal(t, "zone-B", row.Zone)
	assert.JSONEq(t, `{"snapshot":{"device_id":"esp32-02","soil_moisture_pct":28,"zone":"zone-B"}}`, string(row.RawMetadata))
}

func TestStopRejectsQueuedJobs(t *testing.T) {
	sub := newFakeSubmitter()
	sub.block = make(chan struct{})
	svc, _ := newTestService(t, sub, newTestStore(t))
	svc.Start(context.Background())

	first := svc.AnchorContentHash(testHash(1), "", nil)
	require.Eventually(t, func() bool { return len(sub.snapshotEvents()) == 1 }, 2*time.Second, 5*time.Millisecond)
	second := svc.AnchorContentHash(testHash(2), "", nil)
	third := svc.AnchorContentHash(testHash(3), "", nil)

	stopped := make(chan struct{})
	go func() {
		svc.Stop()
		close(stopped)
	}()
	require.Eventually(t, func() bool {
		svc.mtx.Lock()
		defer svc.mtx.Unlock()
		return svc.stopped
	}, 2*time.Second, 5*time.Millisecond)
	close(sub.block)
	<-stopped

	_, err := first.Result()
	assert.NoError(t, err, "the in-flight job runs to completion")
	_, err = second.Result()
	assert.ErrorIs(t, err, ErrStopped)
	_, err = third.Result()
	assert.ErrorIs(t, err, ErrStopped)
	_, err = svc.AnchorContentHash(testHash(4), "", nil).Result()
	assert.ErrorIs(t, err, ErrStopped)
}

func TestIsTransient(t *testing.T) {
	for _, msg := range []string{
		"nonce too low", "Temporarily unavailable", "i/o timeout", "429 Too Many Requests",
		"rate limit exceeded", "replacement transaction underpriced", "connection refused",
	} {
		assert.True(t, IsTransient(errors.New(msg)), msg)
	}
	assert.True(t, IsTransient(fmt.Errorf("send: %w", context.DeadlineExceeded)))
	for _, msg := range []string{"execution reverted", "insufficient funds for gas * price + value", "invalid sender"} {
		assert.False(t, IsTransient(errors.New(msg)), msg)
	}
	assert.False(t, IsTransient(nil))
}

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for k := 1; k <= 5; k++ {
		assert.Equal(t, want[k-1], p.Delay(k))
	}
}
