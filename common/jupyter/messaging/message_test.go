package messaging_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/edklab/kernel-bridge/common/jupyter"
	"github.com/edklab/kernel-bridge/common/jupyter/messaging"
)

var _ = Describe("Message", func() {
	key := []byte("2a0ff3e1-9464-4a37-8a8a-5f8b3cbf5e5b")
	session := "f8b1709e-51e5-46e7-9047-99a3636bef14"

	It("Will round trip an execute_request through the wire format", func() {
		request := messaging.NewRequest(jupyter.MessageTypeExecuteRequest, session, &messaging.ExecuteRequestContent{
			Code:         "print('hello')",
			StoreHistory: true,
		})
		Expect(request.MsgID()).ToNot(Equal(""))
		Expect(request.MsgType()).To(Equal(jupyter.MessageTypeExecuteRequest))

		frames, err := request.ToFrames(jupyter.SignatureScheme, key)
		Expect(err).To(BeNil())

		// Sockets prepend routing identities before delivery.
		raw := append([][]byte{[]byte("kernel-identity")}, frames.Frames...)

		received, err := messaging.FromFrames(raw, jupyter.SignatureScheme, key, messaging.ShellChannel)
		Expect(err).To(BeNil())
		Expect(received.MsgID()).To(Equal(request.MsgID()))
		Expect(received.MsgType()).To(Equal(jupyter.MessageTypeExecuteRequest))
		Expect(received.Channel).To(Equal(messaging.ShellChannel))

		content, err := received.DecodeContent()
		Expect(err).To(BeNil())

		executeRequest, ok := content.(*messaging.ExecuteRequestContent)
		Expect(ok).To(BeTrue())
		Expect(executeRequest.Code).To(Equal("print('hello')"))
		Expect(executeRequest.StoreHistory).To(BeTrue())
	})

	It("Will refuse to wrap frames whose signature does not verify", func() {
		request := messaging.NewRequest(jupyter.MessageTypeExecuteRequest, session, &messaging.ExecuteRequestContent{
			Code: "print('hello')",
		})

		frames, err := request.ToFrames(jupyter.SignatureScheme, key)
		Expect(err).To(BeNil())

		received, err := messaging.FromFrames(frames.Frames, jupyter.SignatureScheme, []byte("wrong-key"), messaging.ShellChannel)
		Expect(err).To(Equal(jupyter.ErrInvalidSignature))
		Expect(received).To(BeNil())
	})

	It("Will correlate a reply to its request through the parent header", func() {
		request := messaging.NewRequest(jupyter.MessageTypeExecuteRequest, session, &messaging.ExecuteRequestContent{
			Code: "1 + 1",
		})

		reply := messaging.NewRequest(jupyter.MessageTypeExecuteReply, session, &messaging.ExecuteReplyContent{
			Status:         jupyter.StatusOK,
			ExecutionCount: 1,
		})
		requestHeader, err := request.Header()
		Expect(err).To(BeNil())
		reply.SetParent(requestHeader)

		Expect(reply.ParentMsgID()).To(Equal(request.MsgID()))
		Expect(request.ParentMsgID()).To(Equal(""))
	})

	It("Will decode unknown message types into a plain map", func() {
		request := messaging.NewRequest("comm_open", session, nil)
		frames, err := request.ToFrames(jupyter.SignatureScheme, key)
		Expect(err).To(BeNil())

		received, err := messaging.FromFrames(frames.Frames, jupyter.SignatureScheme, key, messaging.IOPubChannel)
		Expect(err).To(BeNil())

		content, err := received.DecodeContent()
		Expect(err).To(BeNil())
		_, ok := content.(*map[string]interface{})
		Expect(ok).To(BeTrue())
	})

	It("Will round trip a message through the single-document JSON form", func() {
		request := messaging.NewRequest(jupyter.MessageTypeExecuteRequest, session, &messaging.ExecuteRequestContent{
			Code:        "import math",
			StopOnError: true,
		})
		request.Channel = messaging.ShellChannel

		encoded, err := json.Marshal(request)
		Expect(err).To(BeNil())

		decoded := &messaging.JupyterMessage{}
		Expect(json.Unmarshal(encoded, decoded)).To(BeNil())

		Expect(decoded.MsgID()).To(Equal(request.MsgID()))
		Expect(decoded.MsgType()).To(Equal(jupyter.MessageTypeExecuteRequest))
		Expect(decoded.Channel).To(Equal(messaging.ShellChannel))

		content, err := decoded.DecodeContent()
		Expect(err).To(BeNil())
		executeRequest, ok := content.(*messaging.ExecuteRequestContent)
		Expect(ok).To(BeTrue())
		Expect(executeRequest.Code).To(Equal("import math"))
		Expect(executeRequest.StopOnError).To(BeTrue())
	})

	It("Will decode typed content from the JSON form by msg_type", func() {
		document := `{
			"header": {"msg_id": "m-1", "session": "s-1", "msg_type": "stream", "version": "5.3"},
			"parent_header": {"msg_id": "m-0", "session": "s-1", "msg_type": "execute_request", "version": "5.3"},
			"metadata": {},
			"content": {"name": "stdout", "text": "hi\n"},
			"channel": "iopub"
		}`

		decoded := &messaging.JupyterMessage{}
		Expect(json.Unmarshal([]byte(document), decoded)).To(BeNil())

		Expect(decoded.MsgType()).To(Equal(jupyter.MessageTypeStream))
		Expect(decoded.ParentMsgID()).To(Equal("m-0"))
		Expect(decoded.Channel).To(Equal(messaging.IOPubChannel))

		content, err := decoded.DecodeContent()
		Expect(err).To(BeNil())
		stream, ok := content.(*messaging.StreamContent)
		Expect(ok).To(BeTrue())
		Expect(stream.Name).To(Equal("stdout"))
		Expect(stream.Text).To(Equal("hi\n"))
	})
})
