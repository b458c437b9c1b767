package journal

import (
	"sync"

	"github.com/pingcap-incubator/tinyledger/kv/util/worker"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Writer stores records on a background worker so that journaling never delays a batch.
type Writer struct {
	journal *Journal
	worker  *worker.Worker
	wg      sync.WaitGroup
	// retention is the number of most recent batches kept. Zero keeps every batch.
	retention uint64
	// onError is called from the worker goroutine when a record could not be stored.
	onError func(error)
}

type putHandler struct {
	w *Writer
}

func (h putHandler) Handle(t worker.Task) {
	r, ok := t.(*Record)
	if !ok {
		log.Error("unexpected journal task", zap.Any("task", t))
		return
	}
	if err := h.w.journal.Put(r); err != nil {
		h.w.fail("journal write failed", r.Seq, err)
		return
	}
	if h.w.retention > 0 && r.Seq > h.w.retention {
		if err := h.w.journal.Truncate(r.Seq - h.w.retention + 1); err != nil {
			h.w.fail("journal truncation failed", r.Seq, err)
		}
	}
}

func (w *Writer) fail(msg string, seq uint64, err error) {
	log.Warn(msg, zap.Uint64("seq", seq), zap.Error(err))
	if w.onError != nil {
		w.onError(err)
	}
}

// NewWriter starts a worker writing to j that keeps the last retention batches, or all of them if retention is
// zero. onError may be nil.
func NewWriter(j *Journal, retention uint64, onError func(error)) *Writer {
	w := &Writer{journal: j, retention: retention, onError: onError}
	w.worker = worker.NewWorker("journal", &w.wg)
	w.worker.Start(putHandler{w: w})
	return w
}

// Submit queues r. It blocks only if the queue is full.
func (w *Writer) Submit(r *Record) {
	w.worker.Sender() <- r
}

// Flush waits until every submitted record is stored.
func (w *Writer) Flush() {
	w.worker.Flush()
}

func (w *Writer) Journal() *Journal {
	return w.journal
}

// Stop drains the queue and stops the worker. The journal stays open.
func (w *Writer) Stop() {
	w.worker.Stop()
	w.wg.Wait()
}
