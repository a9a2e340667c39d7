// Package anchor serializes content-hash submissions to the audit contract and
// reconciles the lifecycle store against the contract's Log events.
package anchor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aquachain/anchor-core/database"
	"github.com/aquachain/anchor-core/snapshot"
	"github.com/aquachain/anchor-core/threadsafe_ulid"
	"github.com/aquachain/anchor-core/types"
	"github.com/enriquebris/goconcurrentqueue"
	gojson "github.com/goccy/go-json"
	"github.com/tendermint/tendermint/libs/log"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 1000 * time.Millisecond
	DefaultSendTimeout = 30 * time.Second
)

// RetryPolicy : after failed attempt k (k < MaxAttempts) Sleep(BaseDelay * 2^(k-1)) precedes attempt k+1
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Sleep       func(time.Duration)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		Sleep:       time.Sleep,
	}
}

// Delay is the backoff after failed attempt k
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.BaseDelay << uint(attempt-1)
}

type queuedJob struct {
	job    types.SubmissionJob
	hash   [32]byte
	future *Future
}

// Status : snapshot of the service for the status endpoint
type Status struct {
	Enabled     bool   `json:"enabled"`
	Signer      string `json:"signer"`
	QueueDepth  int    `json:"queue_depth"`
	Subscribers int    `json:"subscribers"`
}

// Service owns the ledger submitter, the submission queue and the subscriber list.
// One worker drains the queue so at most one ledger call is in flight.
type Service struct {
	Retry       RetryPolicy
	SendTimeout time.Duration
	Signer      string
	Logger      log.Logger

	submitter Submitter
	store     database.TxLifecycleStore
	notifier  *Notifier
	jobs      *goconcurrentqueue.FIFO
	wake      chan struct{}
	ulidGen   *threadsafe_ulid.ThreadSafeUlid

	mtx     sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewService : a nil submitter yields a disabled service whose requests resolve with ErrUnavailable
func NewService(submitter Submitter, store database.TxLifecycleStore, notifier *Notifier, logger log.Logger) *Service {
	if notifier == nil {
		notifier = NewNotifier(logger)
	}
	return &Service{
		Retry:       DefaultRetryPolicy(),
		SendTimeout: DefaultSendTimeout,
		Signer:      "none",
		Logger:      logger,
		submitter:   submitter,
		store:       store,
		notifier:    notifier,
		jobs:        goconcurrentqueue.NewFIFO(),
		wake:        make(chan struct{}, 1),
		ulidGen:     threadsafe_ulid.NewThreadSafeUlid(),
	}
}

func (s *Service) Enabled() bool {
	return s.submitter != nil
}

func (s *Service) Notifier() *Notifier {
	return s.notifier
}

// Subscribe : pending and confirmed notifications; call the returned func to unsubscribe
func (s *Service) Subscribe(fn func(types.TxNotification)) func() {
	return s.notifier.Subscribe(fn)
}

func (s *Service) QueueDepth() int {
	return s.jobs.GetLen()
}

func (s *Service) Status() Status {
	return Status{
		Enabled:     s.Enabled(),
		Signer:      s.Signer,
		QueueDepth:  s.QueueDepth(),
		Subscribers: s.notifier.Len(),
	}
}

// Start launches the submission worker. It returns at once; the worker runs until Stop or ctx ends.
func (s *Service) Start(ctx context.Context) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.worker(ctx)
}

// Stop lets the in-flight job finish, then resolves every job still queued with ErrStopped
func (s *Service) Stop() {
	s.mtx.Lock()
	if s.stopped {
		s.mtx.Unlock()
		return
	}
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
	s.mtx.Unlock()
	s.wg.Wait()
	s.drain()
}

func (s *Service) drain() {
	for s.jobs.GetLen() > 0 {
		item, err := s.jobs.Dequeue()
		if err != nil {
			return
		}
		if qj, ok := item.(queuedJob); ok {
			qj.future.resolve("", ErrStopped)
		}
	}
}

// AnchorContentHash queues contentHash for submission. The future resolves with the tx id
// once the broadcast is recorded as pending, or with the terminal error.
func (s *Service) AnchorContentHash(contentHash string, zone string, metadata json.RawMessage) *Future {
	if !s.Enabled() {
		return rejectedFuture(ErrUnavailable)
	}
	normalized, err := snapshot.NormalizeContentHash(contentHash)
	if err != nil {
		return rejectedFuture(err)
	}
	hash, _ := snapshot.ParseContentHash(normalized)
	qj := queuedJob{
		job: types.SubmissionJob{
			ID:          s.ulidGen.MustString(),
			ContentHash: normalized,
			Zone:        zone,
			RawMetadata: metadata,
		},
		hash:   hash,
		future: newFuture(),
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.stopped {
		return rejectedFuture(ErrStopped)
	}
	if err := s.jobs.Enqueue(qj); err != nil {
		return rejectedFuture(err)
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.Logger.Debug("Queued anchor job", "job", qj.job.ID, "content_hash", normalized, "depth", s.jobs.GetLen())
	return qj.future
}

// AnchorSnapshot hashes s, takes the zone from s["zone"] and keeps the snapshot as metadata
func (s *Service) AnchorSnapshot(snap snapshot.Snapshot) *Future {
	if !s.Enabled() {
		return rejectedFuture(ErrUnavailable)
	}
	contentHash, err := snapshot.ComputeContentHash(snap)
	if err != nil {
		return rejectedFuture(err)
	}
	zone, _ := snap["zone"].(string)
	metadata, err := gojson.Marshal(map[string]interface{}{"snapshot": snap})
	if err != nil {
		return rejectedFuture(err)
	}
	return s.AnchorContentHash(contentHash, zone, metadata)
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()
	s.Logger.Info("Anchor submission worker started")
	for {
		if ctx.Err() != nil {
			s.shutdown()
			return
		}
		item, err := s.jobs.Dequeue()
		if err != nil {
			if qErr, ok := err.(*goconcurrentqueue.QueueError); !ok || qErr.Code() != goconcurrentqueue.QueueErrorCodeEmptyQueue {
				s.Logger.Error(fmt.Sprintf("Dequeue failed: %s", err.Error()))
			}
			// every Enqueue signals wake after the item is in the queue
			select {
			case <-s.wake:
			case <-ctx.Done():
			}
			continue
		}
		qj, ok := item.(queuedJob)
		if !ok {
			continue
		}
		txID, err := s.process(qj)
		if err != nil {
			s.Logger.Error(fmt.Sprintf("Anchor job %s failed: %s", qj.job.ID, err.Error()), "content_hash", qj.job.ContentHash)
		}
		qj.future.resolve(txID, err)
	}
}

// shutdown stops intake and rejects whatever is still queued
func (s *Service) shutdown() {
	s.mtx.Lock()
	s.stopped = true
	s.mtx.Unlock()
	s.drain()
	s.Logger.Info("Anchor submission worker stopped")
}

// process runs one job to its terminal outcome. It never returns a tx id together with an error.
func (s *Service) process(qj queuedJob) (string, error) {
	maxAttempts := s.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := s.Retry.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	for attempt := 1; ; attempt++ {
		txID, err := s.send(qj)
		if err == nil {
			return s.record(qj, txID, attempt)
		}
		transient := IsTransient(err)
		if !transient || attempt >= maxAttempts {
			return "", &SendError{Attempts: attempt, Transient: transient, Err: err}
		}
		delay := s.Retry.Delay(attempt)
		s.Logger.Info(fmt.Sprintf("Transient send failure, retrying in %s", delay), "job", qj.job.ID, "attempt", attempt, "err", err.Error())
		sleep(delay)
	}
}

func (s *Service) send(qj queuedJob) (string, error) {
	ctx := context.Background()
	if s.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.SendTimeout)
		defer cancel()
	}
	return s.submitter.Log(ctx, qj.hash, qj.job.Zone)
}

// record persists the broadcast before announcing it. A failed write is terminal and the
// tx is never rebroadcast; the orphaned tx id is logged so it can be reconciled by hand.
func (s *Service) record(qj queuedJob, txID string, attempt int) (string, error) {
	if err := s.store.InsertPending(qj.job.ContentHash, qj.job.Zone, txID, qj.job.RawMetadata); err != nil {
		s.Logger.Error(fmt.Sprintf("Broadcast %s has no lifecycle row: %s", txID, err.Error()),
			"tx_id", txID, "content_hash", qj.job.ContentHash, "zone", qj.job.Zone)
		return "", &SendError{Attempts: attempt, TxID: txID, Err: fmt.Errorf("record pending: %w", err)}
	}
	s.Logger.Info("Anchor broadcast", "tx_id", txID, "content_hash", qj.job.ContentHash, "zone", qj.job.Zone, "attempt", attempt)
	s.notifier.Publish(types.TxNotification{
		Status:      types.TxPending,
		ContentHash: qj.job.ContentHash,
		Zone:        qj.job.Zone,
		TxID:        txID,
	})
	return txID, nil
}
