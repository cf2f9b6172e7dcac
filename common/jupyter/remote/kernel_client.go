package remote

import (
	"context"

	"github.com/Scusemua/go-utils/promise"

	"github.com/edklab/kernel-bridge/common/jupyter"
	"github.com/edklab/kernel-bridge/common/jupyter/execution"
	"github.com/edklab/kernel-bridge/common/jupyter/messaging"
	"github.com/edklab/kernel-bridge/common/jupyter/output"
)

// KernelClient is the hosted binding: a Coordinator running over the single
// websocket Client. Execute waits are bounded by the client's request
// timeout, unlike the raw-socket binding where executions may run
// indefinitely.
type KernelClient struct {
	client      *Client
	coordinator *execution.Coordinator
}

// NewKernelClient builds a hosted kernel client. Call Connect before
// submitting work.
func NewKernelClient(opts Options) *KernelClient {
	kernelClient := &KernelClient{}
	kernelClient.client = NewClient(opts, func(msg *messaging.JupyterMessage) error {
		return kernelClient.coordinator.HandleMessage(msg)
	})
	kernelClient.coordinator = execution.NewCoordinator(opts.SessionID, kernelClient.client, output.NewRouter())
	kernelClient.coordinator.ExecuteTimeout = kernelClient.client.opts.RequestTimeout
	// A dropped socket rejects everything pending right away instead of
	// letting callers wait out the execute timeout.
	kernelClient.client.onDisconnect = func() {
		kernelClient.coordinator.Abort(jupyter.ErrConnectionClosed)
	}
	return kernelClient
}

// Connect dials the channels endpoint and probes the kernel.
func (c *KernelClient) Connect(ctx context.Context) error {
	return c.client.Connect(ctx)
}

// Reconnect replaces a dropped connection. Outstanding executions from the
// old connection are rejected first so their callers do not hang.
func (c *KernelClient) Reconnect(ctx context.Context) error {
	return c.client.Reconnect(ctx)
}

// Submit queues code for execution and returns a promise for its *Result.
func (c *KernelClient) Submit(code string) promise.Promise {
	return c.coordinator.Submit(code)
}

// Interrupt requests a cooperative interrupt over the shared socket.
func (c *KernelClient) Interrupt() error {
	return c.client.Interrupt()
}

// Restart asks the hosted kernel to restart, rejecting all outstanding
// executions.
func (c *KernelClient) Restart() error {
	return c.coordinator.Restart()
}

// Coordinator exposes the execution state machine.
func (c *KernelClient) Coordinator() *execution.Coordinator {
	return c.coordinator
}

// Close tears down the socket and rejects every outstanding execution.
func (c *KernelClient) Close() error {
	c.coordinator.Dispose()
	return c.client.Close()
}
