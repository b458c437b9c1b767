package worker

import (
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type TaskStop struct{}

// taskFlush is answered once every task queued before it has been handled.
type taskFlush struct {
	done chan struct{}
}

type Task interface{}

// Worker runs a single goroutine that hands queued tasks to a TaskHandler in order. The batch processor uses it
// for work that must not delay a batch, such as journaling committed batches.
type Worker struct {
	name     string
	sender   chan<- Task
	receiver <-chan Task
	wg       *sync.WaitGroup
}

type TaskHandler interface {
	Handle(t Task)
}

type Starter interface {
	Start()
}

func (w *Worker) Start(handler TaskHandler) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if s, ok := handler.(Starter); ok {
			s.Start()
		}
		for {
			task := <-w.receiver
			switch t := task.(type) {
			case TaskStop:
				log.Debug("worker stopped", zap.String("worker", w.name))
				return
			case taskFlush:
				close(t.done)
			default:
				handler.Handle(task)
			}
		}
	}()
}

func (w *Worker) Sender() chan<- Task {
	return w.sender
}

// Flush blocks until every task sent before the call has been handled.
func (w *Worker) Flush() {
	done := make(chan struct{})
	w.sender <- taskFlush{done: done}
	<-done
}

func (w *Worker) Stop() {
	w.sender <- TaskStop{}
}

const defaultWorkerCapacity = 128

func NewWorker(name string, wg *sync.WaitGroup) *Worker {
	ch := make(chan Task, defaultWorkerCapacity)
	return &Worker{
		sender:   (chan<- Task)(ch),
		receiver: (<-chan Task)(ch),
		name:     name,
		wg:       wg,
	}
}
