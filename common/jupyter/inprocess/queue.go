package inprocess

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/Scusemua/go-utils/promise"
	"github.com/google/uuid"

	"github.com/edklab/kernel-bridge/common/jupyter"
	"github.com/edklab/kernel-bridge/common/jupyter/execution"
	"github.com/edklab/kernel-bridge/common/jupyter/output"
	"github.com/edklab/kernel-bridge/common/queue"
	"github.com/edklab/kernel-bridge/common/utils"
)

type task struct {
	executionID string
	code        string
	outputs     []output.Event
	sawError    bool
	promise     promise.Promise
}

// Queue runs code against an embedded interpreter with the same contract as
// the wire bindings: submissions execute one at a time in FIFO order, each
// resolving a promise with a *Result. Interpreter callbacks are attributed
// to the running execution; outputs pass through the same routing rules as
// wire traffic (dedup, truncation, traceback scrubbing).
type Queue struct {
	interpreter Interpreter
	sink        EventSink
	router      *output.Router

	mu      sync.Mutex
	tasks   *queue.Fifo[*task]
	current *task

	started  int32
	disposed int32

	workCh chan struct{}
	doneCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	log logger.Logger
}

// NewQueue creates an execution queue over the given interpreter. The sink
// may be nil when only the resolved results matter.
func NewQueue(interpreter Interpreter, sink EventSink) *Queue {
	q := &Queue{
		interpreter: interpreter,
		sink:        sink,
		router:      output.NewRouter(),
		tasks:       queue.NewFifo[*task](4),
		workCh:      make(chan struct{}, 1),
		doneCh:      make(chan struct{}),
	}
	config.InitLogger(&q.log, "InProcessQueue ")
	return q
}

// Start initializes the interpreter, binds its output publishers and starts
// the worker. Submissions before Start fail fast.
func (q *Queue) Start(ctx context.Context) error {
	if atomic.LoadInt32(&q.disposed) == 1 {
		return jupyter.ErrCoordinatorDisposed
	}
	if !atomic.CompareAndSwapInt32(&q.started, 0, 1) {
		return nil
	}

	q.ctx, q.cancel = context.WithCancel(ctx)

	if err := q.interpreter.Start(q.ctx, (*publisher)(q)); err != nil {
		atomic.StoreInt32(&q.started, 0)
		q.cancel()
		return err
	}

	go q.worker()
	return nil
}

// Submit enqueues code and returns a promise for its *Result.
func (q *Queue) Submit(code string) promise.Promise {
	if atomic.LoadInt32(&q.disposed) == 1 {
		return promise.ResolvedChannel(nil, jupyter.ErrCoordinatorDisposed)
	}
	if atomic.LoadInt32(&q.started) == 0 {
		return promise.ResolvedChannel(nil, jupyter.ErrInterpreterNotStarted)
	}

	t := &task{
		executionID: uuid.NewString(),
		code:        code,
		outputs:     make([]output.Event, 0, 4),
		promise:     promise.NewChannelPromise(),
	}

	q.mu.Lock()
	q.tasks.Enqueue(t)
	q.mu.Unlock()

	select {
	case q.workCh <- struct{}{}:
	default:
	}

	return t.promise
}

// Interrupt cooperatively cancels the running execution. The interrupted
// task still settles through its normal completion path.
func (q *Queue) Interrupt() error {
	if atomic.LoadInt32(&q.started) == 0 {
		return jupyter.ErrInterpreterNotStarted
	}
	return q.interpreter.Interrupt()
}

// Restart shuts the interpreter down and starts a fresh one, rejecting
// every queued submission. A running execution settles through its normal
// completion path.
func (q *Queue) Restart() error {
	if atomic.LoadInt32(&q.disposed) == 1 {
		return jupyter.ErrCoordinatorDisposed
	}
	if atomic.LoadInt32(&q.started) == 0 {
		return jupyter.ErrInterpreterNotStarted
	}

	q.mu.Lock()
	drained := make([]*task, 0, q.tasks.Len())
	for {
		t, ok := q.tasks.Dequeue()
		if !ok {
			break
		}
		drained = append(drained, t)
	}
	q.mu.Unlock()

	for _, t := range drained {
		t.promise.Resolve(nil, jupyter.ErrKernelRestarting)
	}

	if err := q.interpreter.Shutdown(); err != nil {
		q.log.Warn("Interpreter shutdown failed during restart: %v", err)
	}
	return q.interpreter.Start(q.ctx, (*publisher)(q))
}

// CurrentExecutionID returns the id of the running execution, or "".
func (q *Queue) CurrentExecutionID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return ""
	}
	return q.current.executionID
}

// Dispose stops the worker, shuts the interpreter down and rejects every
// queued submission. Idempotent.
func (q *Queue) Dispose() {
	if !atomic.CompareAndSwapInt32(&q.disposed, 0, 1) {
		return
	}

	if q.cancel != nil {
		q.cancel()
	}
	if atomic.LoadInt32(&q.started) == 1 {
		<-q.doneCh
		if err := q.interpreter.Shutdown(); err != nil {
			q.log.Warn("Interpreter shutdown failed: %v", err)
		}
	}

	q.mu.Lock()
	drained := make([]*task, 0, q.tasks.Len())
	for {
		t, ok := q.tasks.Dequeue()
		if !ok {
			break
		}
		drained = append(drained, t)
	}
	q.mu.Unlock()

	for _, t := range drained {
		t.promise.Resolve(nil, jupyter.ErrConnectionClosed)
	}
}

func (q *Queue) worker() {
	defer close(q.doneCh)
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.workCh:
		}

		for {
			// Tasks still queued at teardown are drained by Dispose.
			if q.ctx.Err() != nil {
				return
			}

			q.mu.Lock()
			t, ok := q.tasks.Dequeue()
			if !ok {
				q.mu.Unlock()
				break
			}
			q.current = t
			q.mu.Unlock()

			q.run(t)

			q.mu.Lock()
			q.current = nil
			q.mu.Unlock()
		}
	}
}

func (q *Queue) run(t *task) {
	q.log.Debug("Running execution %s.", t.executionID)

	err := q.interpreter.Execute(q.ctx, t.code)

	q.mu.Lock()
	if err != nil && !t.sawError {
		// The interpreter failed without publishing a structured error;
		// synthesize one so both observation paths agree.
		event := q.router.RouteError("ExecutionError", err.Error(), nil)
		t.outputs = append(t.outputs, event)
		if q.sink != nil {
			q.sink.OnOutput(t.executionID, event)
		}
	}
	outputs := t.outputs
	q.router.Forget(t.executionID)
	q.mu.Unlock()

	if err == nil {
		t.promise.Resolve(&execution.Result{Outputs: outputs, Success: true}, nil)
	} else {
		q.log.Error(utils.RedStyle.Render("Execution %s failed: %v"), t.executionID, err)
		t.promise.Resolve(&execution.Result{Outputs: outputs, Success: false},
			&execution.KernelError{Name: "ExecutionError", Value: err.Error()})
	}
}

// publisher adapts the queue to the interpreter Callbacks surface. Calls
// are attributed to the running execution under the queue lock.
type publisher Queue

func (p *publisher) OnStream(name string, text string) {
	q := (*Queue)(p)
	q.withCurrent("stream", func(t *task) output.Event {
		return q.router.RouteStream(t.executionID, name, text)
	})
}

func (p *publisher) OnDisplayData(data map[string]interface{}, metadata map[string]interface{}) {
	q := (*Queue)(p)
	q.withCurrent("display_data", func(t *task) output.Event {
		if event := q.router.RouteDisplayData(t.executionID, data, metadata); event != nil {
			return event
		}
		return nil
	})
}

func (p *publisher) OnExecuteResult(data map[string]interface{}, metadata map[string]interface{}) {
	q := (*Queue)(p)
	q.withCurrent("execute_result", func(t *task) output.Event {
		if event := q.router.RouteExecuteResult(t.executionID, data, metadata); event != nil {
			return event
		}
		return nil
	})
}

func (p *publisher) OnError(name string, value string, traceback []string) {
	q := (*Queue)(p)
	q.withCurrent("error", func(t *task) output.Event {
		t.sawError = true
		return q.router.RouteError(name, value, traceback)
	})
}

func (p *publisher) OnClearOutput(wait bool) {
	q := (*Queue)(p)

	q.mu.Lock()
	t := q.current
	if t == nil {
		q.mu.Unlock()
		q.log.Warn("Dropping orphan clear_output callback: no execution is running.")
		return
	}
	t.outputs = t.outputs[:0]
	q.router.Forget(t.executionID)
	executionID := t.executionID
	q.mu.Unlock()

	if q.sink != nil {
		q.sink.OnClearOutput(executionID, wait)
	}
}

// withCurrent runs the routing step against the current task, dropping and
// logging orphan callbacks. A nil event from the router means a suppressed
// duplicate.
func (q *Queue) withCurrent(kind string, route func(t *task) output.Event) {
	q.mu.Lock()
	t := q.current
	if t == nil {
		q.mu.Unlock()
		q.log.Warn("Dropping orphan %s callback: no execution is running.", kind)
		return
	}

	event := route(t)
	if event == nil {
		q.mu.Unlock()
		return
	}
	t.outputs = append(t.outputs, event)
	executionID := t.executionID
	q.mu.Unlock()

	if q.sink != nil {
		q.sink.OnOutput(executionID, event)
	}
}
