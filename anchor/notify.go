package anchor

import (
	"fmt"
	"sync"

	"github.com/aquachain/anchor-core/types"
	"github.com/google/uuid"
	"github.com/tendermint/tendermint/libs/log"
)

// Notifier fans TxNotifications out to in-process subscribers. Callbacks run on the
// publishing goroutine in subscription order, so they must not block.
type Notifier struct {
	mtx    sync.RWMutex
	order  []string
	subs   map[string]func(types.TxNotification)
	Logger log.Logger
}

func NewNotifier(logger log.Logger) *Notifier {
	return &Notifier{
		subs:   make(map[string]func(types.TxNotification)),
		Logger: logger,
	}
}

// Subscribe registers fn and returns the function that removes it
func (n *Notifier) Subscribe(fn func(types.TxNotification)) func() {
	id := uuid.New().String()
	n.mtx.Lock()
	n.subs[id] = fn
	n.order = append(n.order, id)
	n.mtx.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			n.mtx.Lock()
			defer n.mtx.Unlock()
			delete(n.subs, id)
			for i, o := range n.order {
				if o == id {
					n.order = append(n.order[:i], n.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (n *Notifier) Publish(note types.TxNotification) {
	n.mtx.RLock()
	fns := make([]func(types.TxNotification), 0, len(n.order))
	for _, id := range n.order {
		fns = append(fns, n.subs[id])
	}
	n.mtx.RUnlock()
	for _, fn := range fns {
		n.deliver(fn, note)
	}
}

func (n *Notifier) deliver(fn func(types.TxNotification), note types.TxNotification) {
	defer func() {
		if r := recover(); r != nil {
			n.Logger.Error(fmt.Sprintf("Notification subscriber panicked: %v", r), "tx_id", note.TxID)
		}
	}()
	fn(note)
}

func (n *Notifier) Len() int {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	return len(n.subs)
}
