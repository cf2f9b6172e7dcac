package execution_test

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/edklab/kernel-bridge/common/jupyter"
	"github.com/edklab/kernel-bridge/common/jupyter/execution"
	"github.com/edklab/kernel-bridge/common/jupyter/messaging"
	"github.com/edklab/kernel-bridge/common/jupyter/output"
)

// captureSender records every dispatched message in order.
type captureSender struct {
	mu   sync.Mutex
	sent []*messaging.JupyterMessage
	err  error
}

func (s *captureSender) Send(msg *messaging.JupyterMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *captureSender) sentMessages() []*messaging.JupyterMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*messaging.JupyterMessage{}, s.sent...)
}

var _ = Describe("Coordinator", func() {
	session := "8d929395-c277-4174-ba35-98eb1dcafbd1"

	var (
		sender      *captureSender
		coordinator *execution.Coordinator
	)

	BeforeEach(func() {
		sender = &captureSender{}
		coordinator = execution.NewCoordinator(session, sender, output.NewRouter())
	})

	childOf := func(parentID string, msgType string, content interface{}) *messaging.JupyterMessage {
		msg := messaging.NewRequest(msgType, session, content)
		msg.Channel = messaging.IOPubChannel
		msg.SetParent(&messaging.MessageHeader{MsgID: parentID, Session: session})
		return msg
	}

	okReply := func(parentID string) *messaging.JupyterMessage {
		msg := childOf(parentID, jupyter.MessageTypeExecuteReply, &messaging.ExecuteReplyContent{
			Status:         jupyter.StatusOK,
			ExecutionCount: 1,
		})
		msg.Channel = messaging.ShellChannel
		return msg
	}

	It("Will dispatch a submission immediately when idle", func() {
		coordinator.Submit("print(1)")

		sent := sender.sentMessages()
		Expect(sent).To(HaveLen(1))
		Expect(sent[0].MsgType()).To(Equal(jupyter.MessageTypeExecuteRequest))
		Expect(coordinator.State()).To(Equal(execution.Executing))
		Expect(coordinator.CurrentExecutionID()).To(Equal(sent[0].MsgID()))
	})

	It("Will keep at most one execution in flight", func() {
		coordinator.Submit("print(1)")
		coordinator.Submit("print(2)")
		coordinator.Submit("print(3)")

		Expect(sender.sentMessages()).To(HaveLen(1))
	})

	It("Will dispatch queued submissions in FIFO order as replies arrive", func() {
		first := coordinator.Submit("print(1)")
		second := coordinator.Submit("print(2)")

		Expect(coordinator.HandleMessage(okReply(sender.sentMessages()[0].MsgID()))).To(BeNil())

		sent := sender.sentMessages()
		Expect(sent).To(HaveLen(2))

		Expect(coordinator.HandleMessage(okReply(sent[1].MsgID()))).To(BeNil())
		Expect(coordinator.State()).To(Equal(execution.Idle))

		firstResult, err := first.Result()
		Expect(err).To(BeNil())
		Expect(firstResult.(*execution.Result).Success).To(BeTrue())

		secondResult, err := second.Result()
		Expect(err).To(BeNil())
		Expect(secondResult.(*execution.Result).Success).To(BeTrue())
	})

	It("Will accumulate routed outputs in arrival order", func() {
		resultPromise := coordinator.Submit("print(1); 42")
		executionID := sender.sentMessages()[0].MsgID()

		Expect(coordinator.HandleMessage(childOf(executionID, jupyter.MessageTypeStream,
			&messaging.StreamContent{Name: "stdout", Text: "1\n"}))).To(BeNil())
		Expect(coordinator.HandleMessage(childOf(executionID, jupyter.MessageTypeExecuteResult,
			&messaging.ExecuteResultContent{Data: map[string]interface{}{"text/plain": "42"}}))).To(BeNil())
		Expect(coordinator.HandleMessage(okReply(executionID))).To(BeNil())

		resolved, err := resultPromise.Result()
		Expect(err).To(BeNil())

		result := resolved.(*execution.Result)
		Expect(result.Success).To(BeTrue())
		Expect(result.Outputs).To(HaveLen(2))
		Expect(result.Outputs[0].Kind()).To(Equal(output.StreamKind))
		Expect(result.Outputs[1].Kind()).To(Equal(output.ExecuteResultKind))
	})

	It("Will suppress a duplicate rich payload within one execution", func() {
		resultPromise := coordinator.Submit("42")
		executionID := sender.sentMessages()[0].MsgID()

		payload := map[string]interface{}{"text/plain": "42"}
		Expect(coordinator.HandleMessage(childOf(executionID, jupyter.MessageTypeDisplayData,
			&messaging.DisplayDataContent{Data: payload}))).To(BeNil())
		Expect(coordinator.HandleMessage(childOf(executionID, jupyter.MessageTypeExecuteResult,
			&messaging.ExecuteResultContent{Data: payload}))).To(BeNil())
		Expect(coordinator.HandleMessage(okReply(executionID))).To(BeNil())

		resolved, _ := resultPromise.Result()
		Expect(resolved.(*execution.Result).Outputs).To(HaveLen(1))
	})

	It("Will drop output whose parent matches no pending execution", func() {
		coordinator.Submit("print(1)")

		Expect(coordinator.HandleMessage(childOf("no-such-execution", jupyter.MessageTypeStream,
			&messaging.StreamContent{Name: "stdout", Text: "orphan"}))).To(BeNil())

		Expect(coordinator.HandleMessage(okReply(sender.sentMessages()[0].MsgID()))).To(BeNil())
	})

	It("Will reject a failed execution with the kernel's error", func() {
		resultPromise := coordinator.Submit("1/0")
		executionID := sender.sentMessages()[0].MsgID()

		errorReply := childOf(executionID, jupyter.MessageTypeExecuteReply, &messaging.ExecuteReplyContent{
			Status:   jupyter.StatusError,
			ErrName:  "ZeroDivisionError",
			ErrValue: "division by zero",
		})
		errorReply.Channel = messaging.ShellChannel
		Expect(coordinator.HandleMessage(errorReply)).To(BeNil())

		resolved, err := resultPromise.Result()
		Expect(err).ToNot(BeNil())

		kernelError, ok := err.(*execution.KernelError)
		Expect(ok).To(BeTrue())
		Expect(kernelError.Name).To(Equal("ZeroDivisionError"))

		// No structured error event arrived, so one is synthesized.
		result := resolved.(*execution.Result)
		Expect(result.Success).To(BeFalse())
		Expect(result.Outputs).To(HaveLen(1))
		Expect(result.Outputs[0].Kind()).To(Equal(output.ErrorKind))
	})

	It("Will not synthesize a second error event when one already arrived", func() {
		resultPromise := coordinator.Submit("1/0")
		executionID := sender.sentMessages()[0].MsgID()

		Expect(coordinator.HandleMessage(childOf(executionID, jupyter.MessageTypeError,
			&messaging.ErrorContent{ErrName: "ZeroDivisionError", ErrValue: "division by zero"}))).To(BeNil())

		errorReply := childOf(executionID, jupyter.MessageTypeExecuteReply, &messaging.ExecuteReplyContent{
			Status:   jupyter.StatusError,
			ErrName:  "ZeroDivisionError",
			ErrValue: "division by zero",
		})
		Expect(coordinator.HandleMessage(errorReply)).To(BeNil())

		resolved, _ := resultPromise.Result()
		Expect(resolved.(*execution.Result).Outputs).To(HaveLen(1))
	})

	It("Will track the kernel's reported execution state", func() {
		Expect(coordinator.BusyStatus()).To(Equal(jupyter.KernelStatusStarting))

		status := childOf("any", jupyter.MessageTypeStatus, &messaging.StatusContent{
			ExecutionState: jupyter.KernelStatusBusy,
		})
		Expect(coordinator.HandleMessage(status)).To(BeNil())
		Expect(coordinator.BusyStatus()).To(Equal(jupyter.KernelStatusBusy))
	})

	It("Will send an interrupt on the control channel without touching state", func() {
		coordinator.Submit("while True: pass")
		Expect(coordinator.Interrupt()).To(BeNil())

		sent := sender.sentMessages()
		Expect(sent).To(HaveLen(2))
		Expect(sent[1].MsgType()).To(Equal(jupyter.MessageTypeInterruptRequest))
		Expect(sent[1].Channel).To(Equal(messaging.ControlChannel))
		Expect(coordinator.State()).To(Equal(execution.Executing))
	})

	It("Will reject all outstanding executions on restart", func() {
		inFlight := coordinator.Submit("print(1)")
		queued := coordinator.Submit("print(2)")

		Expect(coordinator.Restart()).To(BeNil())

		_, err := inFlight.Result()
		Expect(err).To(Equal(jupyter.ErrKernelRestarting))
		_, err = queued.Result()
		Expect(err).To(Equal(jupyter.ErrKernelRestarting))

		sent := sender.sentMessages()
		last := sent[len(sent)-1]
		Expect(last.MsgType()).To(Equal(jupyter.MessageTypeShutdownRequest))
		Expect(last.Channel).To(Equal(messaging.ControlChannel))
	})

	It("Will reject every outstanding execution on abort but stay usable", func() {
		inFlight := coordinator.Submit("print(1)")
		queued := coordinator.Submit("print(2)")

		coordinator.Abort(jupyter.ErrConnectionClosed)

		_, err := inFlight.Result()
		Expect(err).To(Equal(jupyter.ErrConnectionClosed))
		_, err = queued.Result()
		Expect(err).To(Equal(jupyter.ErrConnectionClosed))
		Expect(coordinator.State()).To(Equal(execution.Idle))

		// A later submission dispatches fresh.
		later := coordinator.Submit("print(3)")
		sent := sender.sentMessages()
		Expect(coordinator.HandleMessage(okReply(sent[len(sent)-1].MsgID()))).To(BeNil())

		resolved, err := later.Result()
		Expect(err).To(BeNil())
		Expect(resolved.(*execution.Result).Success).To(BeTrue())
	})

	It("Will atomically reject every promise on dispose", func() {
		inFlight := coordinator.Submit("print(1)")
		queued := coordinator.Submit("print(2)")

		coordinator.Dispose()

		_, err := inFlight.Result()
		Expect(err).To(Equal(jupyter.ErrConnectionClosed))
		_, err = queued.Result()
		Expect(err).To(Equal(jupyter.ErrConnectionClosed))
	})

	It("Will fail fast on submissions after dispose", func() {
		coordinator.Dispose()

		_, err := coordinator.Submit("print(1)").Result()
		Expect(err).To(Equal(jupyter.ErrCoordinatorDisposed))
		Expect(sender.sentMessages()).To(BeEmpty())
	})

	It("Will be idempotent on repeated dispose", func() {
		coordinator.Dispose()
		coordinator.Dispose()
	})

	It("Will reject an execution whose bounded wait elapses and advance the queue", func() {
		coordinator.ExecuteTimeout = 25 * time.Millisecond

		first := coordinator.Submit("time.sleep(60)")
		second := coordinator.Submit("print(2)")

		_, err := first.Result()
		Expect(err).To(Equal(jupyter.ErrRequestTimedOut))

		Eventually(func() int {
			return len(sender.sentMessages())
		}).Should(Equal(2))

		Expect(coordinator.HandleMessage(okReply(sender.sentMessages()[1].MsgID()))).To(BeNil())
		resolved, err := second.Result()
		Expect(err).To(BeNil())
		Expect(resolved.(*execution.Result).Success).To(BeTrue())
	})

	It("Will reject a submission whose dispatch fails and return to idle", func() {
		sender.err = jupyter.ErrNotConnected

		_, err := coordinator.Submit("print(1)").Result()
		Expect(err).To(Equal(jupyter.ErrNotConnected))
		Expect(coordinator.State()).To(Equal(execution.Idle))
	})
})
