package execution

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/promise"

	"github.com/edklab/kernel-bridge/common/jupyter/output"
)

// Result is the resolved value of one execution's promise.
type Result struct {
	Outputs []output.Event
	Success bool
}

// KernelError is the rejection value for an execution the kernel reported
// as failed.
type KernelError struct {
	Name  string
	Value string
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Value)
}

// pendingExecution tracks one submitted execution from dispatch to its
// terminal reply. It resolves or rejects its promise exactly once.
type pendingExecution struct {
	msgID     string
	code      string
	outputs   []output.Event
	promise   promise.Promise
	createdAt time.Time
	timer     *time.Timer

	settled int32
}

func newPendingExecution(msgID string, code string) *pendingExecution {
	return &pendingExecution{
		msgID:     msgID,
		code:      code,
		outputs:   make([]output.Event, 0, 4),
		promise:   promise.NewChannelPromise(),
		createdAt: time.Now(),
	}
}

func (p *pendingExecution) appendOutput(event output.Event) {
	p.outputs = append(p.outputs, event)
}

func (p *pendingExecution) hasErrorOutput() bool {
	for _, event := range p.outputs {
		if event.Kind() == output.ErrorKind {
			return true
		}
	}
	return false
}

// settle resolves or rejects the promise. Returns false if the execution
// was already settled.
func (p *pendingExecution) settle(result *Result, err error) bool {
	if !atomic.CompareAndSwapInt32(&p.settled, 0, 1) {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.promise.Resolve(result, err)
	return true
}
