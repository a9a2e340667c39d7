package threadsafe_ulid

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ThreadSafeUlid hands out monotonic ULIDs from many goroutines
type ThreadSafeUlid struct {
	safe *safeMonotonicReader
	now  func() time.Time
}

func NewThreadSafeUlid() *ThreadSafeUlid {
	t := time.Now()
	return &ThreadSafeUlid{
		safe: &safeMonotonicReader{MonotonicReader: ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)},
		now:  time.Now,
	}
}

// NewUlid returns an id that sorts after every id previously returned by this generator
func (u *ThreadSafeUlid) NewUlid() (ulid.ULID, error) {
	return ulid.New(ulid.Timestamp(u.now()), u.safe)
}

// MustString is NewUlid as a string. It panics if the entropy source fails, which for the
// monotonic reader only happens on overflow within a single millisecond.
func (u *ThreadSafeUlid) MustString() string {
	id, err := u.NewUlid()
	if err != nil {
		panic(err)
	}
	return id.String()
}

type safeMonotonicReader struct {
	mtx sync.Mutex
	ulid.MonotonicReader
}

func (r *safeMonotonicReader) MonotonicRead(ms uint64, p []byte) (err error) {
	r.mtx.Lock()
	err = r.MonotonicReader.MonotonicRead(ms, p)
	r.mtx.Unlock()
	return err
}

func (r *safeMonotonicReader) Read(p []byte) (int, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.MonotonicReader.Read(p)
}
