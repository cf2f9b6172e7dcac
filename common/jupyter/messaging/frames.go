package messaging

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/edklab/kernel-bridge/common/jupyter"
)

// Positions of the logical segments of a Jupyter multipart message,
// relative to the "<IDS|MSG>" delimiter frame.
const (
	FrameStart int = iota
	FrameSignature
	FrameHeader
	FrameParentHeader
	FrameMetadata
	FrameContent
	FrameBuffers
)

var (
	FrameDelimiter = []byte("<IDS|MSG>")
	frameEmpty     = []byte("{}")
)

// JupyterFrames provides access to the frames of a Jupyter multipart message.
// A valid JupyterFrames has at least six frames past any leading identity
// frames: delimiter, signature, header, parent header, metadata and content.
// Buffers frames are optional and trail the content frame.
type JupyterFrames struct {
	Frames [][]byte

	// Offset is the index of the "<IDS|MSG>" delimiter; every frame before
	// it is a routing identity added by the socket layer.
	Offset int
}

// NewFrames allocates an empty frame set with all five mandatory segments
// initialized to "{}".
func NewFrames() *JupyterFrames {
	frames := make([][]byte, FrameContent+1, FrameBuffers+1)
	frames[FrameStart] = FrameDelimiter
	frames[FrameSignature] = frameEmpty
	frames[FrameHeader] = frameEmpty
	frames[FrameParentHeader] = frameEmpty
	frames[FrameMetadata] = frameEmpty
	frames[FrameContent] = frameEmpty
	return &JupyterFrames{Frames: frames}
}

// FramesFromBytes wraps raw frames received from a socket, locating the
// delimiter so that identity frames are skipped transparently.
func FramesFromBytes(raw [][]byte) *JupyterFrames {
	offset := 0
	for offset < len(raw) && string(raw[offset]) != string(FrameDelimiter) {
		offset++
	}
	if offset == len(raw) {
		// No delimiter at all; treat the whole thing as payload so that
		// Validate can reject it with a useful error.
		offset = 0
	}
	return &JupyterFrames{Frames: raw, Offset: offset}
}

// Validate checks that all mandatory segments are present.
func (f *JupyterFrames) Validate() error {
	if len(f.Frames)-f.Offset < FrameContent+1 {
		return jupyter.ErrInvalidMessage
	}
	if string(f.Frames[f.Offset+FrameStart]) != string(FrameDelimiter) {
		return jupyter.ErrInvalidMessage
	}
	return nil
}

// Len returns the number of frames past any identity frames.
func (f *JupyterFrames) Len() int {
	return len(f.Frames) - f.Offset
}

func (f *JupyterFrames) at(pos int) []byte {
	return f.Frames[f.Offset+pos]
}

func (f *JupyterFrames) set(pos int, data []byte) {
	f.Frames[f.Offset+pos] = data
}

func (f *JupyterFrames) EncodeHeader(in any) (err error) {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	f.set(FrameHeader, data)
	return nil
}

func (f *JupyterFrames) DecodeHeader(out any) error {
	return json.Unmarshal(f.at(FrameHeader), out)
}

func (f *JupyterFrames) EncodeParentHeader(in any) (err error) {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	f.set(FrameParentHeader, data)
	return nil
}

func (f *JupyterFrames) DecodeParentHeader(out any) error {
	return json.Unmarshal(f.at(FrameParentHeader), out)
}

func (f *JupyterFrames) EncodeMetadata(in any) (err error) {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	f.set(FrameMetadata, data)
	return nil
}

func (f *JupyterFrames) DecodeMetadata(out any) error {
	return json.Unmarshal(f.at(FrameMetadata), out)
}

func (f *JupyterFrames) EncodeContent(in any) (err error) {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	f.set(FrameContent, data)
	return nil
}

func (f *JupyterFrames) DecodeContent(out any) error {
	return json.Unmarshal(f.at(FrameContent), out)
}

// Buffers returns the trailing binary buffer frames, which may be empty.
func (f *JupyterFrames) Buffers() [][]byte {
	if f.Len() > FrameBuffers {
		return f.Frames[f.Offset+FrameBuffers:]
	}
	return nil
}

// AppendBuffers adds trailing binary buffers to the frame set.
func (f *JupyterFrames) AppendBuffers(buffers ...[]byte) {
	f.Frames = append(f.Frames, buffers...)
}

// Sign computes the HMAC signature over the header, parent header, metadata
// and content segments (and any trailing buffers) and writes the hex-encoded
// result into the signature frame.
func (f *JupyterFrames) Sign(signatureScheme string, key []byte) error {
	if signatureScheme != jupyter.SignatureScheme {
		return jupyter.ErrUnsupportedScheme
	}

	signature := f.sign(key)
	encoded := make([]byte, hex.EncodedLen(len(signature)))
	hex.Encode(encoded, signature)
	f.set(FrameSignature, encoded)
	return nil
}

// Verify recomputes the signature and compares it against the signature
// frame. A mismatch is an error; a message that does not verify must never
// be surfaced to callers.
func (f *JupyterFrames) Verify(signatureScheme string, key []byte) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if signatureScheme != jupyter.SignatureScheme {
		return jupyter.ErrUnsupportedScheme
	}

	expect := f.sign(key)
	signature := make([]byte, hex.DecodedLen(len(f.at(FrameSignature))))
	if _, err := hex.Decode(signature, f.at(FrameSignature)); err != nil {
		return jupyter.ErrInvalidSignature
	}
	if !hmac.Equal(expect, signature) {
		return jupyter.ErrInvalidSignature
	}
	return nil
}

func (f *JupyterFrames) sign(key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	for _, part := range f.Frames[f.Offset+FrameHeader:] {
		mac.Write(part)
	}
	return mac.Sum(nil)
}

func (f *JupyterFrames) String() string {
	if len(f.Frames) == 0 {
		return "[]"
	}

	s := "["
	for i, frame := range f.Frames {
		s += "\"" + string(frame) + "\""

		if i+1 < len(f.Frames) {
			s += ", "
		}
	}

	s += "]"

	return s
}
