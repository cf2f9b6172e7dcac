package inprocess

import (
	"context"

	"github.com/edklab/kernel-bridge/common/jupyter/output"
)

// Callbacks is the surface an embedded interpreter publishes its outputs
// through while executing. Every call is attributed to the execution that is
// currently running; calls arriving while nothing runs are orphans and are
// dropped.
type Callbacks interface {
	OnStream(name string, text string)
	OnDisplayData(data map[string]interface{}, metadata map[string]interface{})
	OnExecuteResult(data map[string]interface{}, metadata map[string]interface{})
	OnError(name string, value string, traceback []string)
	OnClearOutput(wait bool)
}

// Interpreter is an embedded code interpreter driven directly, without any
// wire protocol. Execute blocks until the code finishes; outputs flow
// through the Callbacks handed to Start.
type Interpreter interface {
	// Start initializes the interpreter and binds its output publishers.
	Start(ctx context.Context, callbacks Callbacks) error

	// Execute runs one cell of code to completion. A non-nil error means
	// the code raised; the interpreter may or may not have published a
	// structured error event already.
	Execute(ctx context.Context, code string) error

	// Interrupt cooperatively cancels the running execution, if any.
	Interrupt() error

	// Shutdown releases the interpreter.
	Shutdown() error
}

// EventSink observes the routed output of in-process executions as it
// happens, keyed by execution id.
type EventSink interface {
	OnOutput(executionID string, event output.Event)
	OnClearOutput(executionID string, wait bool)
}
