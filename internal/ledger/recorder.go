package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/1ureka/peerchat/internal/util"
)

const (
	defaultQueueSize = 256
	appendTimeout    = 10 * time.Second
)

// Entry is one pending append.
type Entry struct {
	SenderID    string
	ReceiverID  string
	ContentHash string
	Timestamp   time.Time
}

// Result reports the outcome of an append.
type Result struct {
	Entry
	RecordID string
	Err      error
}

// Recorder appends entries to a Ledger from a background goroutine. Record
// never blocks: when the queue is full the entry is dropped and logged.
type Recorder struct {
	ledger   Ledger
	onResult func(Result)

	mu     sync.RWMutex
	closed bool
	queue  chan Entry
	wg     sync.WaitGroup
}

// NewRecorder starts the append worker. onResult, if set, is called from the
// worker after every append.
func NewRecorder(l Ledger, queueSize int, onResult func(Result)) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	r := &Recorder{
		ledger:   l,
		onResult: onResult,
		queue:    make(chan Entry, queueSize),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// Record queues e and reports whether it was accepted.
func (r *Recorder) Record(e Entry) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}

	select {
	case r.queue <- e:
		return true
	default:
		util.LogWarning("ledger queue full, dropping record for %s", e.ContentHash)
		return false
	}
}

// Close stops accepting entries and waits for queued ones to be appended.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		id, err := r.ledger.Append(ctx, e.SenderID, e.ReceiverID, e.ContentHash, e.Timestamp)
		cancel()

		if err != nil {
			util.LogWarning("ledger append for %s failed: %v", e.ContentHash, err)
		} else {
			util.LogEvent("ledger append", "record", id, "sender", e.SenderID, "hash", e.ContentHash)
		}
		if r.onResult != nil {
			r.onResult(Result{Entry: e, RecordID: id, Err: err})
		}
	}
}
