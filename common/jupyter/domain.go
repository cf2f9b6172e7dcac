package jupyter

import (
	"encoding/json"
	"errors"
	"time"
)

const (
	// SignatureScheme is the only HMAC scheme the bridge supports.
	SignatureScheme = "hmac-sha256"

	// ProtocolVersion is the Jupyter wire protocol version stamped into headers.
	ProtocolVersion = "5.3"

	DefaultUsername = "username"
)

var (
	// DefaultRequestTimeout bounds a single execute round trip on the hosted transport.
	DefaultRequestTimeout = 30 * time.Second

	ErrInvalidMessage        = errors.New("invalid jupyter message")
	ErrInvalidSignature      = errors.New("signature mismatch")
	ErrUnsupportedScheme     = errors.New("unsupported signature scheme")
	ErrUnsupportedTransport  = errors.New("unsupported transport")
	ErrConnectionClosed      = errors.New("connection closed")
	ErrNotConnected          = errors.New("not connected")
	ErrRequestTimedOut       = errors.New("request timed out")
	ErrExecutionFailed       = errors.New("execution failed")
	ErrSocketNotAvailable    = errors.New("socket not available")
	ErrCoordinatorDisposed   = errors.New("coordinator has been disposed")
	ErrKernelRestarting      = errors.New("kernel restarting")
	ErrInterpreterNotStarted = errors.New("interpreter not started")
)

const (
	MessageTypeExecuteRequest    = "execute_request"
	MessageTypeExecuteReply      = "execute_reply"
	MessageTypeExecuteInput      = "execute_input"
	MessageTypeExecuteResult     = "execute_result"
	MessageTypeStream            = "stream"
	MessageTypeDisplayData       = "display_data"
	MessageTypeUpdateDisplayData = "update_display_data"
	MessageTypeError             = "error"
	MessageTypeStatus            = "status"
	MessageTypeKernelInfoRequest = "kernel_info_request"
	MessageTypeKernelInfoReply   = "kernel_info_reply"
	MessageTypeInterruptRequest  = "interrupt_request"
	MessageTypeInterruptReply    = "interrupt_reply"
	MessageTypeShutdownRequest   = "shutdown_request"
	MessageTypeShutdownReply     = "shutdown_reply"
	MessageTypeInputRequest      = "input_request"
	MessageTypeClearOutput       = "clear_output"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
	StatusAbort = "aborted"
)

const (
	KernelStatusIdle     = "idle"
	KernelStatusBusy     = "busy"
	KernelStatusStarting = "starting"
)

// ConnectionInfo stores the contents of a kernel connection file.
// The definition is compatible with github.com/Scusemua/go-utils/config.Options.
type ConnectionInfo struct {
	IP              string `json:"ip" name:"ip" description:"The IP address of the kernel."`
	ControlPort     int    `json:"control_port" name:"control-port" description:"The port for control messages."`
	ShellPort       int    `json:"shell_port" name:"shell-port" description:"The port for shell messages."`
	StdinPort       int    `json:"stdin_port" name:"stdin-port" description:"The port for stdin messages."`
	// HBPort is parsed so connection files round-trip; the bridge does not
	// bind a heartbeat socket.
	HBPort int `json:"hb_port" name:"hb-port" description:"The port for heartbeat messages."`
	IOPubPort       int    `json:"iopub_port" name:"iopub-port" description:"The port of the kernel's iopub PUB socket. Clients connect a SUB socket to it."`
	Transport       string `json:"transport" name:"transport" description:"Either 'tcp' or 'ipc'."`
	SignatureScheme string `json:"signature_scheme"`
	Key             string `json:"key"`
	KernelName      string `json:"kernel_name,omitempty"`
}

func (info *ConnectionInfo) String() string {
	m, err := json.Marshal(info)
	if err != nil {
		panic(err)
	}

	return string(m)
}
