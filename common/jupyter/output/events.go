package output

import (
	"encoding/json"
	"fmt"
)

// Kind tags the variants of the output taxonomy.
type Kind int

const (
	StreamKind Kind = iota
	DisplayDataKind
	ExecuteResultKind
	ErrorKind
)

func (k Kind) String() string {
	return [...]string{"stream", "display_data", "execute_result", "error"}[k]
}

// Event is one routed output belonging to a single execution.
type Event interface {
	fmt.Stringer

	Kind() Kind
}

// Stream is a chunk of stdout or stderr text.
type Stream struct {
	Name string
	Text string
}

func (s *Stream) Kind() Kind { return StreamKind }

func (s *Stream) String() string {
	return fmt.Sprintf("Stream[%s, %d chars]", s.Name, len(s.Text))
}

// DisplayData is a rich mime-bundle published through an explicit display call.
type DisplayData struct {
	Data     map[string]interface{}
	Metadata map[string]interface{}
}

func (d *DisplayData) Kind() Kind { return DisplayDataKind }

func (d *DisplayData) String() string {
	m, _ := json.Marshal(d.Data)
	return fmt.Sprintf("DisplayData%s", string(m))
}

// ExecuteResult is the rich value of the last expression of an execution.
type ExecuteResult struct {
	Data     map[string]interface{}
	Metadata map[string]interface{}
}

func (r *ExecuteResult) Kind() Kind { return ExecuteResultKind }

func (r *ExecuteResult) String() string {
	m, _ := json.Marshal(r.Data)
	return fmt.Sprintf("ExecuteResult%s", string(m))
}

// Error is a structured guest-language failure.
type Error struct {
	Name      string
	Message   string
	Traceback []string
}

func (e *Error) Kind() Kind { return ErrorKind }

func (e *Error) String() string {
	return fmt.Sprintf("Error[%s: %s]", e.Name, e.Message)
}
