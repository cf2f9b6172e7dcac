package messaging

import (
	"github.com/edklab/kernel-bridge/common/jupyter"
)

// One payload shape per msg_type, decoded through contentConstructors.
// Field probing of untyped maps is deliberately avoided.

type ExecuteRequestContent struct {
	Code            string                 `json:"code"`
	Silent          bool                   `json:"silent"`
	StoreHistory    bool                   `json:"store_history"`
	UserExpressions map[string]interface{} `json:"user_expressions"`
	AllowStdin      bool                   `json:"allow_stdin"`
	StopOnError     bool                   `json:"stop_on_error"`
}

type ExecuteReplyContent struct {
	Status         string   `json:"status"`
	ExecutionCount int      `json:"execution_count"`
	ErrName        string   `json:"ename,omitempty"`
	ErrValue       string   `json:"evalue,omitempty"`
	Traceback      []string `json:"traceback,omitempty"`
}

type ExecuteInputContent struct {
	Code           string `json:"code"`
	ExecutionCount int    `json:"execution_count"`
}

type StreamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

type DisplayDataContent struct {
	Data      map[string]interface{} `json:"data"`
	Metadata  map[string]interface{} `json:"metadata"`
	Transient map[string]interface{} `json:"transient,omitempty"`
}

type ExecuteResultContent struct {
	Data           map[string]interface{} `json:"data"`
	Metadata       map[string]interface{} `json:"metadata"`
	ExecutionCount int                    `json:"execution_count"`
}

type ErrorContent struct {
	ErrName   string   `json:"ename"`
	ErrValue  string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

type StatusContent struct {
	ExecutionState string `json:"execution_state"`
}

type KernelInfoRequestContent struct{}

type KernelInfoReplyContent struct {
	Status                string `json:"status"`
	ProtocolVersion       string `json:"protocol_version"`
	Implementation        string `json:"implementation"`
	ImplementationVersion string `json:"implementation_version"`
	Banner                string `json:"banner"`
}

type InterruptRequestContent struct{}

type InterruptReplyContent struct {
	Status string `json:"status"`
}

type ShutdownRequestContent struct {
	Restart bool `json:"restart"`
}

type ShutdownReplyContent struct {
	Status  string `json:"status"`
	Restart bool   `json:"restart"`
}

type InputRequestContent struct {
	Prompt   string `json:"prompt"`
	Password bool   `json:"password"`
}

type ClearOutputContent struct {
	Wait bool `json:"wait"`
}

var contentConstructors = map[string]func() interface{}{
	jupyter.MessageTypeExecuteRequest:    func() interface{} { return &ExecuteRequestContent{} },
	jupyter.MessageTypeExecuteReply:      func() interface{} { return &ExecuteReplyContent{} },
	jupyter.MessageTypeExecuteInput:      func() interface{} { return &ExecuteInputContent{} },
	jupyter.MessageTypeStream:            func() interface{} { return &StreamContent{} },
	jupyter.MessageTypeDisplayData:       func() interface{} { return &DisplayDataContent{} },
	jupyter.MessageTypeUpdateDisplayData: func() interface{} { return &DisplayDataContent{} },
	jupyter.MessageTypeExecuteResult:     func() interface{} { return &ExecuteResultContent{} },
	jupyter.MessageTypeError:             func() interface{} { return &ErrorContent{} },
	jupyter.MessageTypeStatus:            func() interface{} { return &StatusContent{} },
	jupyter.MessageTypeKernelInfoRequest: func() interface{} { return &KernelInfoRequestContent{} },
	jupyter.MessageTypeKernelInfoReply:   func() interface{} { return &KernelInfoReplyContent{} },
	jupyter.MessageTypeInterruptRequest:  func() interface{} { return &InterruptRequestContent{} },
	jupyter.MessageTypeInterruptReply:    func() interface{} { return &InterruptReplyContent{} },
	jupyter.MessageTypeShutdownRequest:   func() interface{} { return &ShutdownRequestContent{} },
	jupyter.MessageTypeShutdownReply:     func() interface{} { return &ShutdownReplyContent{} },
	jupyter.MessageTypeInputRequest:      func() interface{} { return &InputRequestContent{} },
	jupyter.MessageTypeClearOutput:       func() interface{} { return &ClearOutputContent{} },
}

// newContent returns a zero value of the typed payload registered for the
// given msg_type, falling back to a map for unknown types.
func newContent(msgType string) interface{} {
	if constructor, registered := contentConstructors[msgType]; registered {
		return constructor()
	}
	return &map[string]interface{}{}
}
