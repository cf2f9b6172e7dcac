package execution

import (
	"context"
	"fmt"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/Scusemua/go-utils/promise"

	"github.com/edklab/kernel-bridge/common/jupyter"
	"github.com/edklab/kernel-bridge/common/jupyter/messaging"
	"github.com/edklab/kernel-bridge/common/jupyter/output"
	"github.com/edklab/kernel-bridge/common/jupyter/transport"
)

// KernelClient is the raw-socket binding: it owns a channel Transport and a
// Coordinator and wires the transport's inbound stream into the coordinator.
type KernelClient struct {
	info        *jupyter.ConnectionInfo
	transport   *transport.Transport
	coordinator *Coordinator

	log logger.Logger
}

// NewKernelClient builds a client for the kernel described by the connection
// file contents. Call Connect before submitting work.
func NewKernelClient(session string, info *jupyter.ConnectionInfo) *KernelClient {
	client := &KernelClient{info: info}
	client.transport = transport.New(info, client.handleMessage)
	client.coordinator = NewCoordinator(session, client.transport, output.NewRouter())
	config.InitLogger(&client.log, fmt.Sprintf("KernelClient[%s] ", session))
	return client
}

// Connect dials all four kernel channels.
func (c *KernelClient) Connect(ctx context.Context) error {
	return c.transport.Connect(ctx)
}

// Submit queues code for execution and returns a promise for its *Result.
func (c *KernelClient) Submit(code string) promise.Promise {
	return c.coordinator.Submit(code)
}

// Interrupt requests a cooperative interrupt of the running execution.
func (c *KernelClient) Interrupt() error {
	return c.coordinator.Interrupt()
}

// Restart asks the kernel to restart, rejecting all outstanding executions.
func (c *KernelClient) Restart() error {
	return c.coordinator.Restart()
}

// Coordinator exposes the execution state machine, mainly for tests and
// status inspection.
func (c *KernelClient) Coordinator() *Coordinator {
	return c.coordinator
}

// Close tears down the sockets and rejects every outstanding execution.
func (c *KernelClient) Close() error {
	c.coordinator.Dispose()
	return c.transport.Close()
}

func (c *KernelClient) handleMessage(msg *messaging.JupyterMessage) error {
	return c.coordinator.HandleMessage(msg)
}
