package execution

import (
	"fmt"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/Scusemua/go-utils/promise"
	"github.com/elliotchance/orderedmap/v2"

	"github.com/edklab/kernel-bridge/common/jupyter"
	"github.com/edklab/kernel-bridge/common/jupyter/messaging"
	"github.com/edklab/kernel-bridge/common/jupyter/output"
	"github.com/edklab/kernel-bridge/common/queue"
	"github.com/edklab/kernel-bridge/common/utils"
)

// State of the coordinator's single-flight machine.
type State int32

const (
	Idle State = iota
	Executing
)

func (s State) String() string {
	return [...]string{"Idle", "Executing"}[s]
}

// Sender abstracts the transport an execute_request travels over: the raw
// channel transport, the hosted socket, or a direct interpreter call.
type Sender interface {
	Send(msg *messaging.JupyterMessage) error
}

type queueItem struct {
	msg        *messaging.JupyterMessage
	enqueuedAt time.Time
}

// Coordinator turns "submit code, get one result" into a promise over the
// asynchronous multi-message protocol. It owns a FIFO of queued submissions
// and guarantees that exactly one execution is in flight per kernel
// connection at any instant; queued items dispatch in submission order with
// no idle gap a second caller could interleave into.
//
// All message-id state lives on the instance; there are no process-wide
// counters or maps.
type Coordinator struct {
	session string
	sender  Sender
	router  *output.Router

	mu sync.Mutex

	state State
	queue *queue.Fifo[*queueItem]

	// pending is keyed by msg_id and keeps insertion order so that
	// teardown drains executions in FIFO order.
	pending *orderedmap.OrderedMap[string, *pendingExecution]

	// currentID is the msg_id of the one in-flight execution, or "".
	currentID string

	busyStatus string
	disposed   bool

	// ExecuteTimeout, when positive, bounds each dispatched execution.
	ExecuteTimeout time.Duration

	log logger.Logger
}

// NewCoordinator creates a Coordinator for one kernel connection.
func NewCoordinator(session string, sender Sender, router *output.Router) *Coordinator {
	coordinator := &Coordinator{
		session:    session,
		sender:     sender,
		router:     router,
		state:      Idle,
		queue:      queue.NewFifo[*queueItem](4),
		pending:    orderedmap.NewOrderedMap[string, *pendingExecution](),
		busyStatus: jupyter.KernelStatusStarting,
	}
	config.InitLogger(&coordinator.log, fmt.Sprintf("Coordinator[%s] ", session))
	return coordinator
}

// Submit enqueues code for execution and returns immediately. The returned
// promise resolves with a *Result once the kernel's terminal reply arrives,
// or rejects on error, timeout or teardown.
func (c *Coordinator) Submit(code string) promise.Promise {
	c.mu.Lock()

	if c.disposed {
		c.mu.Unlock()
		return promise.ResolvedChannel(nil, jupyter.ErrCoordinatorDisposed)
	}

	msg := messaging.NewRequest(jupyter.MessageTypeExecuteRequest, c.session, &messaging.ExecuteRequestContent{
		Code:         code,
		StoreHistory: true,
		StopOnError:  true,
	})

	pending := newPendingExecution(msg.MsgID(), code)
	c.pending.Set(pending.msgID, pending)
	c.queue.Enqueue(&queueItem{msg: msg, enqueuedAt: time.Now()})

	c.log.Debug("Queued execution %s (%d queued, state=%v).", pending.msgID, c.queue.Len(), c.state)

	if c.state == Idle {
		c.dispatchNextLocked()
	}
	c.mu.Unlock()

	return pending.promise
}

// State returns the coordinator's current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentExecutionID returns the msg_id of the in-flight execution, or "".
func (c *Coordinator) CurrentExecutionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentID
}

// BusyStatus returns the kernel's last reported execution state.
func (c *Coordinator) BusyStatus() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busyStatus
}

// Interrupt sends an out-of-band interrupt on the control channel. It never
// touches coordinator state: the interrupted execution only completes when
// its own (normally error) reply arrives. Interrupt is cooperative, never
// forced.
func (c *Coordinator) Interrupt() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return jupyter.ErrCoordinatorDisposed
	}
	c.mu.Unlock()

	msg := messaging.NewRequest(jupyter.MessageTypeInterruptRequest, c.session, &messaging.InterruptRequestContent{})
	msg.Channel = messaging.ControlChannel
	return c.sender.Send(msg)
}

// Restart asks the kernel to shut down and come back up. Queued and
// in-flight executions are rejected; the connection itself stays usable.
func (c *Coordinator) Restart() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return jupyter.ErrCoordinatorDisposed
	}
	drained := c.drainLocked()
	c.mu.Unlock()

	c.rejectAll(drained, jupyter.ErrKernelRestarting)

	msg := messaging.NewRequest(jupyter.MessageTypeShutdownRequest, c.session, &messaging.ShutdownRequestContent{Restart: true})
	msg.Channel = messaging.ControlChannel
	return c.sender.Send(msg)
}

// Abort rejects every queued and in-flight promise with the given cause,
// in submission order. Unlike Dispose the coordinator stays usable: later
// submissions start fresh. Bindings call this when their connection drops
// so callers never wait out an execute timeout on a dead socket.
func (c *Coordinator) Abort(cause error) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	drained := c.drainLocked()
	c.mu.Unlock()

	if len(drained) > 0 {
		c.log.Warn(utils.OrangeStyle.Render("Aborting %d outstanding execution(s): %v"), len(drained), cause)
	}
	c.rejectAll(drained, cause)
}

// Dispose atomically rejects every queued and in-flight promise with a
// terminal "connection closed" error. Subsequent Submit calls fail fast.
// Dispose is idempotent.
func (c *Coordinator) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	drained := c.drainLocked()
	c.mu.Unlock()

	c.rejectAll(drained, jupyter.ErrConnectionClosed)
}

// HandleMessage is the inbound entry point: it correlates replies and
// output events back to the execution that caused them. Messages whose
// parent id matches no pending execution are dropped.
func (c *Coordinator) HandleMessage(msg *messaging.JupyterMessage) error {
	switch msg.MsgType() {
	case jupyter.MessageTypeStatus:
		return c.handleStatus(msg)
	case jupyter.MessageTypeExecuteReply:
		return c.handleExecuteReply(msg)
	case jupyter.MessageTypeStream,
		jupyter.MessageTypeDisplayData,
		jupyter.MessageTypeUpdateDisplayData,
		jupyter.MessageTypeExecuteResult,
		jupyter.MessageTypeError:
		return c.handleOutput(msg)
	default:
		c.log.Debug("Ignoring %s message %s.", msg.MsgType(), msg.MsgID())
		return nil
	}
}

func (c *Coordinator) handleStatus(msg *messaging.JupyterMessage) error {
	content, err := msg.DecodeContent()
	if err != nil {
		return err
	}
	status, valid := content.(*messaging.StatusContent)
	if !valid {
		return jupyter.ErrInvalidMessage
	}

	c.mu.Lock()
	c.busyStatus = status.ExecutionState
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) handleOutput(msg *messaging.JupyterMessage) error {
	parentID := msg.ParentMsgID()

	c.mu.Lock()
	pending, matched := c.pending.Get(parentID)
	c.mu.Unlock()

	if !matched {
		c.log.Debug("Dropping %s output with unknown parent %s.", msg.MsgType(), parentID)
		return nil
	}

	content, err := msg.DecodeContent()
	if err != nil {
		return err
	}

	var event output.Event
	switch payload := content.(type) {
	case *messaging.StreamContent:
		event = c.router.RouteStream(parentID, payload.Name, payload.Text)
	case *messaging.DisplayDataContent:
		if routed := c.router.RouteDisplayData(parentID, payload.Data, payload.Metadata); routed != nil {
			event = routed
		}
	case *messaging.ExecuteResultContent:
		if routed := c.router.RouteExecuteResult(parentID, payload.Data, payload.Metadata); routed != nil {
			event = routed
		}
	case *messaging.ErrorContent:
		event = c.router.RouteError(payload.ErrName, payload.ErrValue, payload.Traceback)
	default:
		return jupyter.ErrInvalidMessage
	}

	if event == nil {
		// Suppressed duplicate.
		return nil
	}

	c.mu.Lock()
	// Re-check: the execution may have completed while we were decoding.
	if pending, matched = c.pending.Get(parentID); matched {
		pending.appendOutput(event)
	}
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) handleExecuteReply(msg *messaging.JupyterMessage) error {
	parentID := msg.ParentMsgID()

	content, err := msg.DecodeContent()
	if err != nil {
		return err
	}
	reply, valid := content.(*messaging.ExecuteReplyContent)
	if !valid {
		return jupyter.ErrInvalidMessage
	}

	c.mu.Lock()
	pending, matched := c.pending.Get(parentID)
	if !matched {
		c.mu.Unlock()
		c.log.Debug("Dropping execute_reply with unknown parent %s.", parentID)
		return nil
	}

	c.pending.Delete(parentID)
	c.router.Forget(parentID)

	if reply.Status == jupyter.StatusError && !pending.hasErrorOutput() {
		// The kernel surfaced the failure only in the reply; synthesize the
		// structured event so both observation paths agree.
		pending.appendOutput(c.router.RouteError(reply.ErrName, reply.ErrValue, reply.Traceback))
	}

	if c.currentID == parentID {
		c.currentID = ""
		c.state = Idle
		// Dispatch the next queued item before releasing the lock: no idle
		// gap may let a later caller interleave ahead of queued work.
		c.dispatchNextLocked()
	}
	c.mu.Unlock()

	if reply.Status == jupyter.StatusOK {
		pending.settle(&Result{Outputs: pending.outputs, Success: true}, nil)
	} else {
		pending.settle(&Result{Outputs: pending.outputs, Success: false},
			&KernelError{Name: reply.ErrName, Value: reply.ErrValue})
	}
	return nil
}

// dispatchNextLocked starts the next queued execution, if any. Callers must
// hold c.mu.
func (c *Coordinator) dispatchNextLocked() {
	for {
		item, queued := c.queue.Dequeue()
		if !queued {
			return
		}

		msgID := item.msg.MsgID()
		pending, tracked := c.pending.Get(msgID)
		if !tracked {
			// Rejected (timeout/teardown) while waiting in the queue.
			continue
		}

		c.state = Executing
		c.currentID = msgID

		if c.ExecuteTimeout > 0 {
			pending.timer = time.AfterFunc(c.ExecuteTimeout, func() {
				c.expire(msgID)
			})
		}

		if err := c.sender.Send(item.msg); err != nil {
			c.log.Error(utils.RedStyle.Render("Failed to send execute_request %s: %v"), msgID, err)
			c.pending.Delete(msgID)
			c.router.Forget(msgID)
			c.state = Idle
			c.currentID = ""
			pending.settle(nil, err)
			continue
		}

		c.log.Debug("Dispatched execution %s.", msgID)
		return
	}
}

// expire rejects an execution whose bounded wait elapsed. The connection
// remains usable; the queue advances.
func (c *Coordinator) expire(msgID string) {
	c.mu.Lock()
	pending, matched := c.pending.Get(msgID)
	if !matched {
		c.mu.Unlock()
		return
	}
	c.pending.Delete(msgID)
	c.router.Forget(msgID)

	if c.currentID == msgID {
		c.currentID = ""
		c.state = Idle
		c.dispatchNextLocked()
	}
	c.mu.Unlock()

	c.log.Warn(utils.OrangeStyle.Render("Execution %s timed out after %v."), msgID, c.ExecuteTimeout)
	pending.settle(nil, jupyter.ErrRequestTimedOut)
}

// drainLocked removes every pending execution (queued and in flight) in
// insertion order and resets the machine to Idle. Callers must hold c.mu.
func (c *Coordinator) drainLocked() []*pendingExecution {
	drained := make([]*pendingExecution, 0, c.pending.Len())
	for _, msgID := range c.pending.Keys() {
		if pending, ok := c.pending.Get(msgID); ok {
			drained = append(drained, pending)
			c.router.Forget(msgID)
		}
	}
	c.pending = orderedmap.NewOrderedMap[string, *pendingExecution]()
	c.queue = queue.NewFifo[*queueItem](4)
	c.state = Idle
	c.currentID = ""
	return drained
}

func (c *Coordinator) rejectAll(drained []*pendingExecution, cause error) {
	for _, pending := range drained {
		pending.settle(nil, cause)
	}
}
