package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/edklab/kernel-bridge/common/jupyter"
	"github.com/edklab/kernel-bridge/common/jupyter/messaging"
	"github.com/edklab/kernel-bridge/common/utils"
	"github.com/edklab/kernel-bridge/common/utils/hashmap"
)

// MessageHandler receives every inbound hosted message in arrival order,
// after any request waiter has been satisfied.
type MessageHandler func(msg *messaging.JupyterMessage) error

// Options configures a hosted connection.
type Options struct {
	// ServerURL is the kernel server base URL, http(s) or ws(s).
	ServerURL string `name:"server-url" description:"Base URL of the hosted kernel server."`

	// Token, when non-empty, is sent as an Authorization bearer header on
	// the websocket handshake.
	Token string `name:"token" description:"Bearer token for the hosted kernel server."`

	// SessionID identifies the kernel session to attach to.
	SessionID string `name:"session-id" description:"Kernel session to attach to."`

	// RequestTimeout bounds each request/reply round trip. Zero selects the
	// package default.
	RequestTimeout time.Duration `name:"request-timeout" description:"Per-request reply timeout."`
}

// Client multiplexes all hosted traffic for one kernel session over a single
// websocket. Messages travel as single JSON documents; there is no HMAC
// signing on this transport, the bearer token authenticates the connection
// instead.
//
// Client implements the execution Sender contract, so a Coordinator can run
// unchanged on top of it.
type Client struct {
	opts    Options
	handler MessageHandler

	// onDisconnect, when set, fires after a connection is torn down and its
	// request waiters have been failed, on error and on explicit teardown
	// alike.
	onDisconnect func()

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	// waiters holds one reply channel per outstanding request msg_id.
	waiters *hashmap.ConcurrentMap[chan *messaging.JupyterMessage]

	connected int32
	closed    int32

	backoff *backoff.Backoff

	log logger.Logger
}

// NewClient creates a hosted client. Call Connect to dial.
func NewClient(opts Options, handler MessageHandler) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = jupyter.DefaultRequestTimeout
	}
	client := &Client{
		opts:    opts,
		handler: handler,
		waiters: hashmap.NewConcurrentMap[chan *messaging.JupyterMessage](32),
		backoff: &backoff.Backoff{
			Min:    250 * time.Millisecond,
			Max:    15 * time.Second,
			Factor: 2,
			Jitter: true,
		},
	}
	config.InitLogger(&client.log, fmt.Sprintf("RemoteClient[%s] ", opts.SessionID))
	return client
}

// Connect dials the channels endpoint. Readiness is the dial succeeding; a
// kernel_info probe is sent on open purely as a liveness signal, without
// waiting for its reply.
func (c *Client) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return jupyter.ErrConnectionClosed
	}
	if !atomic.CompareAndSwapInt32(&c.connected, 0, 1) {
		return nil
	}

	if err := c.dial(ctx); err != nil {
		atomic.StoreInt32(&c.connected, 0)
		return err
	}

	c.sendProbe()

	c.log.Debug("Connected to hosted kernel session %s.", c.opts.SessionID)
	return nil
}

// sendProbe fires the liveness kernel_info_request without waiting for the
// reply.
func (c *Client) sendProbe() {
	probe := messaging.NewRequest(jupyter.MessageTypeKernelInfoRequest, c.opts.SessionID, &messaging.KernelInfoRequestContent{})
	if err := c.Send(probe); err != nil {
		c.log.Warn(utils.OrangeStyle.Render("Could not send the kernel_info probe: %v"), err)
	}
}

// KernelInfo performs a bounded kernel_info round trip.
func (c *Client) KernelInfo() (*messaging.KernelInfoReplyContent, error) {
	request := messaging.NewRequest(jupyter.MessageTypeKernelInfoRequest, c.opts.SessionID, &messaging.KernelInfoRequestContent{})
	reply, err := c.Request(request)
	if err != nil {
		return nil, err
	}

	content, err := reply.DecodeContent()
	if err != nil {
		return nil, err
	}
	info, valid := content.(*messaging.KernelInfoReplyContent)
	if !valid {
		return nil, jupyter.ErrInvalidMessage
	}
	return info, nil
}

// Reconnect replaces a dropped connection, retrying with exponential
// backoff until the context is cancelled. Reconnection is explicit: the
// client never redials on its own, and outstanding requests from the old
// connection stay failed.
func (c *Client) Reconnect(ctx context.Context) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return jupyter.ErrConnectionClosed
	}

	c.teardownConn()
	c.backoff.Reset()

	for {
		err := c.dial(ctx)
		if err == nil {
			atomic.StoreInt32(&c.connected, 1)
			c.sendProbe()
			c.log.Info("Reconnected to hosted kernel session %s.", c.opts.SessionID)
			return nil
		}

		wait := c.backoff.Duration()
		c.log.Warn(utils.OrangeStyle.Render("Reconnect failed (%v); retrying in %v."), err, wait)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send transmits a message as a single JSON document. Concurrent senders
// are serialized on the socket.
func (c *Client) Send(msg *messaging.JupyterMessage) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return jupyter.ErrConnectionClosed
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return jupyter.ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

// Request sends a message and waits, bounded by the configured timeout, for
// the reply whose parent id matches it. Every request/reply wait on this
// transport is bounded: the hosted server may drop requests silently.
func (c *Client) Request(msg *messaging.JupyterMessage) (*messaging.JupyterMessage, error) {
	replyCh := make(chan *messaging.JupyterMessage, 1)
	c.waiters.Store(msg.MsgID(), replyCh)
	defer c.waiters.Delete(msg.MsgID())

	if err := c.Send(msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return nil, jupyter.ErrConnectionClosed
		}
		return reply, nil
	case <-timer.C:
		return nil, jupyter.ErrRequestTimedOut
	}
}

// Interrupt sends an interrupt_request over the same socket. The hosted
// protocol has no separate control connection.
func (c *Client) Interrupt() error {
	msg := messaging.NewRequest(jupyter.MessageTypeInterruptRequest, c.opts.SessionID, &messaging.InterruptRequestContent{})
	msg.Channel = messaging.ControlChannel
	return c.Send(msg)
}

// Restart sends a shutdown_request with restart set.
func (c *Client) Restart() error {
	msg := messaging.NewRequest(jupyter.MessageTypeShutdownRequest, c.opts.SessionID, &messaging.ShutdownRequestContent{Restart: true})
	msg.Channel = messaging.ControlChannel
	return c.Send(msg)
}

// Close tears down the socket and fails every waiter. Idempotent.
func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.teardownConn()
	return nil
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

func (c *Client) dial(ctx context.Context) error {
	endpoint, err := c.channelsURL()
	if err != nil {
		return err
	}

	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return fmt.Errorf("could not connect to %s: %w", endpoint, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	go c.readLoop(conn)
	return nil
}

// channelsURL derives the websocket endpoint from the configured base URL,
// rewriting http(s) schemes to ws(s).
func (c *Client) channelsURL() (string, error) {
	parsed, err := url.Parse(c.opts.ServerURL)
	if err != nil {
		return "", err
	}

	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", jupyter.ErrUnsupportedTransport
	}

	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/channels"
	query := parsed.Query()
	query.Set("session_id", c.opts.SessionID)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// readLoop demultiplexes inbound messages by msg_type: replies satisfy the
// waiter registered under their parent id, and everything is forwarded to
// the handler in arrival order.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		msg := &messaging.JupyterMessage{}
		if err := conn.ReadJSON(msg); err != nil {
			if atomic.LoadInt32(&c.closed) == 0 {
				c.log.Warn(utils.OrangeStyle.Render("Hosted connection dropped: %v"), err)
			}
			c.failConn(conn)
			return
		}

		if parentID := msg.ParentMsgID(); parentID != "" && isReplyType(msg.MsgType()) {
			if waiter, waiting := c.waiters.LoadAndDelete(parentID); waiting {
				waiter <- msg
			}
		}

		if c.handler != nil {
			if err := c.handler(msg); err != nil {
				c.log.Error(utils.RedStyle.Render("Error on handle hosted %s message %s: %v"),
					msg.MsgType(), msg.MsgID(), err)
			}
		}
	}
}

// failConn tears the connection down after a read error, but only if the
// failed socket is still the current one: a concurrent Reconnect may have
// already replaced it.
func (c *Client) failConn(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn != conn {
		c.connMu.Unlock()
		return
	}
	c.conn = nil
	c.connMu.Unlock()

	atomic.StoreInt32(&c.connected, 0)
	_ = conn.Close()
	c.drainWaiters()
	c.notifyDisconnect()
}

func (c *Client) teardownConn() {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	atomic.StoreInt32(&c.connected, 0)
	c.drainWaiters()
	c.notifyDisconnect()
}

func (c *Client) notifyDisconnect() {
	if c.onDisconnect != nil {
		c.onDisconnect()
	}
}

// drainWaiters fails every outstanding request wait by closing its channel.
func (c *Client) drainWaiters() {
	drained := make([]string, 0, c.waiters.Len())
	c.waiters.Range(func(msgID string, _ chan *messaging.JupyterMessage) bool {
		drained = append(drained, msgID)
		return true
	})
	for _, msgID := range drained {
		if waiter, waiting := c.waiters.LoadAndDelete(msgID); waiting {
			close(waiter)
		}
	}
}

func isReplyType(msgType string) bool {
	switch msgType {
	case jupyter.MessageTypeExecuteReply,
		jupyter.MessageTypeKernelInfoReply,
		jupyter.MessageTypeInterruptReply,
		jupyter.MessageTypeShutdownReply:
		return true
	}
	return false
}
