package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/edklab/kernel-bridge/common/jupyter"
)

// Channel identifies the logical sub-stream a message belongs to.
type Channel string

const (
	ShellChannel   Channel = "shell"
	ControlChannel Channel = "control"
	StdinChannel   Channel = "stdin"
	IOPubChannel   Channel = "iopub"
)

// MessageHeader is a Jupyter message header.
// http://jupyter-client.readthedocs.io/en/latest/messaging.html#general-message-format
type MessageHeader struct {
	MsgID    string `json:"msg_id"`
	Username string `json:"username"`
	Session  string `json:"session"`
	Date     string `json:"date"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
}

func (header *MessageHeader) String() string {
	m, err := json.Marshal(header)
	if err != nil {
		panic(err)
	}

	return string(m)
}

// NewHeader creates a header for a fresh request, assigning a new msg_id.
func NewHeader(msgType string, session string) MessageHeader {
	return MessageHeader{
		MsgID:    uuid.NewString(),
		Username: jupyter.DefaultUsername,
		Session:  session,
		Date:     time.Now().UTC().Format(time.RFC3339Nano),
		MsgType:  msgType,
		Version:  jupyter.ProtocolVersion,
	}
}

// JupyterMessage is the in-memory form of one protocol message. It is
// immutable once constructed; the header and parent header are decoded
// lazily from the frames when the message arrived off the wire.
type JupyterMessage struct {
	frames *JupyterFrames

	// Channel is the logical channel the message was sent or received on.
	Channel Channel

	// Metadata and Content hold the decoded segments for locally constructed
	// messages; for received messages they stay nil until decoded on demand.
	Metadata map[string]interface{}
	Content  interface{}

	// Buffers holds any trailing binary buffers.
	Buffers [][]byte

	header       *MessageHeader
	parentHeader *MessageHeader

	headerDecoded       bool
	parentHeaderDecoded bool
}

// NewRequest constructs an outbound request message with a fresh msg_id.
func NewRequest(msgType string, session string, content interface{}) *JupyterMessage {
	header := NewHeader(msgType, session)
	return &JupyterMessage{
		Channel:       ShellChannel,
		Content:       content,
		Metadata:      map[string]interface{}{},
		header:        &header,
		headerDecoded: true,
		parentHeader:  &MessageHeader{},

		parentHeaderDecoded: true,
	}
}

// FromFrames verifies the signature of raw frames under the connection's
// key and scheme and, only on success, wraps them as a message. The
// signature check is mandatory: a mismatch fails closed.
func FromFrames(raw [][]byte, signatureScheme string, key []byte, channel Channel) (*JupyterMessage, error) {
	frames := FramesFromBytes(raw)
	if err := frames.Validate(); err != nil {
		return nil, err
	}
	if err := frames.Verify(signatureScheme, key); err != nil {
		return nil, err
	}

	return &JupyterMessage{
		frames:  frames,
		Channel: channel,
		Buffers: frames.Buffers(),
	}, nil
}

// ToFrames serializes and signs the message for the raw transport.
func (m *JupyterMessage) ToFrames(signatureScheme string, key []byte) (*JupyterFrames, error) {
	frames := NewFrames()
	if err := frames.EncodeHeader(m.header); err != nil {
		return nil, err
	}
	if err := frames.EncodeParentHeader(m.parentHeader); err != nil {
		return nil, err
	}
	metadata := m.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	if err := frames.EncodeMetadata(metadata); err != nil {
		return nil, err
	}
	content := m.Content
	if content == nil {
		content = map[string]interface{}{}
	}
	if err := frames.EncodeContent(content); err != nil {
		return nil, err
	}
	frames.AppendBuffers(m.Buffers...)

	if err := frames.Sign(signatureScheme, key); err != nil {
		return nil, err
	}
	return frames, nil
}

// Header decodes (if necessary) and returns the message header.
func (m *JupyterMessage) Header() (*MessageHeader, error) {
	if m.headerDecoded {
		return m.header, nil
	}

	var header MessageHeader
	if err := m.frames.DecodeHeader(&header); err != nil {
		return nil, err
	}
	m.header = &header
	m.headerDecoded = true
	return m.header, nil
}

// ParentHeader decodes (if necessary) and returns the parent header. For a
// message that is not a reply, the parent header is empty.
func (m *JupyterMessage) ParentHeader() (*MessageHeader, error) {
	if m.parentHeaderDecoded {
		return m.parentHeader, nil
	}

	var header MessageHeader
	if err := m.frames.DecodeParentHeader(&header); err != nil {
		return nil, err
	}
	m.parentHeader = &header
	m.parentHeaderDecoded = true
	return m.parentHeader, nil
}

// MsgID returns the message's own id.
func (m *JupyterMessage) MsgID() string {
	header, err := m.Header()
	if err != nil {
		return ""
	}
	return header.MsgID
}

// MsgType returns the message's type tag.
func (m *JupyterMessage) MsgType() string {
	header, err := m.Header()
	if err != nil {
		return ""
	}
	return header.MsgType
}

// ParentMsgID returns the msg_id of the request this message belongs to,
// or the empty string when it has no parent.
func (m *JupyterMessage) ParentMsgID() string {
	parent, err := m.ParentHeader()
	if err != nil {
		return ""
	}
	return parent.MsgID
}

// SetParent stamps the given header as this message's parent.
func (m *JupyterMessage) SetParent(parent *MessageHeader) {
	m.parentHeader = parent
	m.parentHeaderDecoded = true
}

// DecodeContent unmarshals the content segment into the typed payload
// registered for the message's msg_type. Content of an unknown type decodes
// into a plain map.
func (m *JupyterMessage) DecodeContent() (interface{}, error) {
	if m.Content != nil {
		return m.Content, nil
	}
	if m.frames == nil {
		return nil, jupyter.ErrInvalidMessage
	}

	content := newContent(m.MsgType())
	if err := m.frames.DecodeContent(content); err != nil {
		return nil, err
	}
	m.Content = content
	return content, nil
}

// DecodeMetadata unmarshals the metadata segment.
func (m *JupyterMessage) DecodeMetadata() (map[string]interface{}, error) {
	if m.Metadata != nil {
		return m.Metadata, nil
	}
	if m.frames == nil {
		return nil, jupyter.ErrInvalidMessage
	}

	var metadata map[string]interface{}
	if err := m.frames.DecodeMetadata(&metadata); err != nil {
		return nil, err
	}
	m.Metadata = metadata
	return metadata, nil
}

// JupyterFrames returns the raw frames a received message arrived as, or
// nil for a locally constructed message.
func (m *JupyterMessage) JupyterFrames() *JupyterFrames {
	return m.frames
}

func (m *JupyterMessage) String() string {
	return fmt.Sprintf("JupyterMessage[Type=%s, MsgID=%s, ParentID=%s, Channel=%s]",
		m.MsgType(), m.MsgID(), m.ParentMsgID(), m.Channel)
}

// wireMessage is the single-JSON-document form used by the hosted
// transport: no multipart framing and no HMAC.
type wireMessage struct {
	Header       MessageHeader          `json:"header"`
	ParentHeader MessageHeader          `json:"parent_header"`
	Metadata     map[string]interface{} `json:"metadata"`
	Content      json.RawMessage        `json:"content"`
	Channel      Channel                `json:"channel,omitempty"`
}

// MarshalJSON encodes the message as a single JSON document.
func (m *JupyterMessage) MarshalJSON() ([]byte, error) {
	header, err := m.Header()
	if err != nil {
		return nil, err
	}
	parent, err := m.ParentHeader()
	if err != nil {
		return nil, err
	}

	content := m.Content
	if content == nil {
		content = map[string]interface{}{}
	}
	rawContent, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}

	metadata := m.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}

	return json.Marshal(&wireMessage{
		Header:       *header,
		ParentHeader: *parent,
		Metadata:     metadata,
		Content:      rawContent,
		Channel:      m.Channel,
	})
}

// UnmarshalJSON decodes a single-JSON-document message. The content is
// decoded through the typed payload table keyed by the header's msg_type.
func (m *JupyterMessage) UnmarshalJSON(data []byte) error {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	header := wire.Header
	parent := wire.ParentHeader

	m.header = &header
	m.headerDecoded = true
	m.parentHeader = &parent
	m.parentHeaderDecoded = true
	m.Metadata = wire.Metadata
	m.Channel = wire.Channel

	if len(wire.Content) > 0 {
		content := newContent(header.MsgType)
		if err := json.Unmarshal(wire.Content, content); err != nil {
			return err
		}
		m.Content = content
	}

	return nil
}
