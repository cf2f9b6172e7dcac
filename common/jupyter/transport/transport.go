package transport

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/go-zeromq/zmq4"

	"github.com/edklab/kernel-bridge/common/jupyter"
	"github.com/edklab/kernel-bridge/common/jupyter/messaging"
	"github.com/edklab/kernel-bridge/common/utils"
	"github.com/edklab/kernel-bridge/common/utils/hashmap"
)

// MessageHandler receives every verified, decoded inbound message in
// arrival order.
type MessageHandler func(msg *messaging.JupyterMessage) error

// ReceiveHook may inspect the serialized form of an inbound message before
// the typed handler fires. Hook errors are logged and never block delivery.
type ReceiveHook func(channel messaging.Channel, raw [][]byte) error

type inbound struct {
	channel messaging.Channel
	raw     [][]byte
}

type outbound struct {
	msg  *messaging.JupyterMessage
	done chan error
}

// Transport maintains the four logical kernel channels over zmq sockets and
// presents them as a single ordered event stream plus a Send entry point.
//
// Every channel runs its own receive loop, but all decoding and handler
// dispatch for the connection is serialized through one consumer goroutine,
// so callback order is deterministic regardless of which socket a message
// arrived on first. Concurrent Send calls are serialized the same way.
type Transport struct {
	info *jupyter.ConnectionInfo

	ctx       context.Context
	cancelCtx context.CancelFunc

	shell   *Socket
	control *Socket
	stdin   *Socket
	iopub   *Socket

	handler MessageHandler

	// hooks is keyed by registration name so observers can unregister.
	hooks *hashmap.SyncMap[string, ReceiveHook]

	inboundCh  chan inbound
	outboundCh chan outbound

	connected int32
	closed    int32

	log logger.Logger
}

// New creates a Transport for the given connection. Call Connect to dial.
func New(info *jupyter.ConnectionInfo, handler MessageHandler) *Transport {
	transport := &Transport{
		info:       info,
		handler:    handler,
		hooks:      hashmap.NewSyncMap[string, ReceiveHook](),
		inboundCh:  make(chan inbound, 256),
		outboundCh: make(chan outbound, 64),
	}
	config.InitLogger(&transport.log, fmt.Sprintf("Transport[%s] ", info.IP))
	return transport
}

// AddReceiveHook registers a named hook invoked on the raw frames of every
// inbound message before the typed handler fires. Registering the same name
// again replaces the previous hook.
func (t *Transport) AddReceiveHook(name string, hook ReceiveHook) {
	t.hooks.Store(name, hook)
}

// RemoveReceiveHook unregisters the hook with the given name, if any.
func (t *Transport) RemoveReceiveHook(name string) {
	t.hooks.Delete(name)
}

// Connect dials the shell, control and stdin channels as point-to-point
// Dealer sockets and the iopub channel as a Sub socket subscribed to all
// topics, then starts the receive loops and the ordered dispatch and send
// chains. Dial errors propagate synchronously.
func (t *Transport) Connect(ctx context.Context) error {
	if t.info.Transport != "tcp" && t.info.Transport != "ipc" {
		return jupyter.ErrUnsupportedTransport
	}
	if !atomic.CompareAndSwapInt32(&t.connected, 0, 1) {
		return nil
	}

	t.ctx, t.cancelCtx = context.WithCancel(ctx)

	t.shell = NewSocket(zmq4.NewDealer(t.ctx), t.info.ShellPort, messaging.ShellChannel, "C-Dealer-Shell")
	t.control = NewSocket(zmq4.NewDealer(t.ctx), t.info.ControlPort, messaging.ControlChannel, "C-Dealer-Ctrl")
	t.stdin = NewSocket(zmq4.NewDealer(t.ctx), t.info.StdinPort, messaging.StdinChannel, "C-Dealer-Stdin")
	t.iopub = NewSocket(zmq4.NewSub(t.ctx), t.info.IOPubPort, messaging.IOPubChannel, "C-Sub-IOPub")

	if err := t.iopub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		t.abortConnect()
		return err
	}

	for _, socket := range t.sockets() {
		address := fmt.Sprintf("%s://%s:%d", t.info.Transport, t.info.IP, socket.Port)
		t.log.Debug("Dialing %s socket at %s now...", socket.Channel, address)

		if err := socket.Dial(address); err != nil {
			t.abortConnect()
			return fmt.Errorf("could not connect %s socket at %s: %w", socket.Channel, address, err)
		}
	}

	for _, socket := range t.sockets() {
		go t.poll(socket)
	}
	go t.dispatchChain()
	go t.sendChain()

	t.log.Debug("All four channels connected to %s.", t.info.IP)
	return nil
}

// abortConnect tears down a partially connected socket set so a later
// Connect call starts from scratch.
func (t *Transport) abortConnect() {
	t.cancelCtx()
	for _, socket := range t.sockets() {
		if socket != nil {
			_ = socket.Close()
		}
	}
	atomic.StoreInt32(&t.connected, 0)
}

// Send encodes, signs and transmits a message on the channel it names,
// defaulting to shell. Concurrent calls are serialized in call order.
func (t *Transport) Send(msg *messaging.JupyterMessage) error {
	if atomic.LoadInt32(&t.closed) == 1 {
		return jupyter.ErrConnectionClosed
	}
	if atomic.LoadInt32(&t.connected) == 0 {
		return jupyter.ErrNotConnected
	}

	request := outbound{msg: msg, done: make(chan error, 1)}
	select {
	case t.outboundCh <- request:
	case <-t.ctx.Done():
		return jupyter.ErrConnectionClosed
	}

	select {
	case err := <-request.done:
		return err
	case <-t.ctx.Done():
		return jupyter.ErrConnectionClosed
	}
}

// Close shuts down all four channel sockets. It is idempotent; messages
// arriving after close are silently dropped.
func (t *Transport) Close() error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return nil
	}
	if t.cancelCtx != nil {
		t.cancelCtx()
	}
	for _, socket := range t.sockets() {
		if socket != nil {
			if err := socket.Close(); err != nil {
				t.log.Warn("Error while closing %s socket: %v", socket.Channel, err)
			}
		}
	}
	return nil
}

// Closed reports whether Close has been called.
func (t *Transport) Closed() bool {
	return atomic.LoadInt32(&t.closed) == 1
}

func (t *Transport) sockets() []*Socket {
	return []*Socket{t.shell, t.control, t.stdin, t.iopub}
}

func (t *Transport) socketFor(channel messaging.Channel) *Socket {
	switch channel {
	case messaging.ShellChannel:
		return t.shell
	case messaging.ControlChannel:
		return t.control
	case messaging.StdinChannel:
		return t.stdin
	case messaging.IOPubChannel:
		return t.iopub
	}
	return nil
}

// poll is one channel's receive loop. Received frames are pushed onto the
// shared inbound chain; socket errors terminate only this channel's loop.
func (t *Transport) poll(socket *Socket) {
	for {
		msg, err := socket.Recv()
		if err != nil {
			if t.ctx.Err() == nil && atomic.LoadInt32(&t.closed) == 0 {
				t.log.Warn("%s receive loop stopping: %v", socket.Channel, err)
			}
			return
		}

		select {
		case t.inboundCh <- inbound{channel: socket.Channel, raw: msg.Frames}:
		case <-t.ctx.Done():
			return
		}
	}
}

// dispatchChain is the single consumer of the inbound queue. It verifies,
// decodes and hands each message to the handler in arrival order. Signature
// or decode failures are per-message: logged, dropped, never fatal to the
// channel.
func (t *Transport) dispatchChain() {
	for {
		select {
		case <-t.ctx.Done():
			return
		case in := <-t.inboundCh:
			if atomic.LoadInt32(&t.closed) == 1 {
				continue
			}
			t.runHooks(in)

			msg, err := messaging.FromFrames(in.raw, t.info.SignatureScheme, []byte(t.info.Key), in.channel)
			if err != nil {
				t.log.Error(utils.RedStyle.Render("Dropping %s message: %v"), in.channel, err)
				continue
			}

			if t.handler != nil {
				if err := t.handler(msg); err != nil {
					t.log.Error(utils.RedStyle.Render("Error on handle %s message %s: %v"), in.channel, msg.MsgID(), err)
				}
			}
		}
	}
}

func (t *Transport) runHooks(in inbound) {
	t.hooks.Range(func(name string, hook ReceiveHook) bool {
		if err := hook(in.channel, in.raw); err != nil {
			t.log.Warn("Receive hook %s failed on %s message: %v", name, in.channel, err)
		}
		return true
	})
}

// sendChain is the single consumer of the outbound queue, serializing
// concurrent Send calls onto the wire in call order.
func (t *Transport) sendChain() {
	for {
		select {
		case <-t.ctx.Done():
			return
		case out := <-t.outboundCh:
			out.done <- t.transmit(out.msg)
		}
	}
}

func (t *Transport) transmit(msg *messaging.JupyterMessage) error {
	channel := msg.Channel
	if channel == "" {
		channel = messaging.ShellChannel
	}

	socket := t.socketFor(channel)
	if socket == nil {
		return jupyter.ErrSocketNotAvailable
	}

	frames, err := msg.ToFrames(t.info.SignatureScheme, []byte(t.info.Key))
	if err != nil {
		return err
	}

	if err := socket.Send(zmq4.NewMsgFrom(frames.Frames...)); err != nil {
		t.log.Error(utils.RedStyle.Render("Failed to send %s \"%s\" message via %s: %v"),
			channel, msg.MsgType(), socket.Name, err)
		return err
	}

	return nil
}
