package trace

import (
	"context"
	"testing"
	"time"

	"github.com/fansqz/go-bpsync/breakpoint"
	"github.com/fansqz/go-bpsync/constants"
	"github.com/fansqz/go-bpsync/debugger"
	e "github.com/fansqz/go-bpsync/error"
	"github.com/fansqz/go-bpsync/protocol"
	"github.com/fansqz/go-bpsync/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testHelper struct {
	t        *testing.T
	link     *transport.Loopback
	debug    *debugger.RemoteDebugger
	finished chan *EventTrace
}

func newTestHelper(t *testing.T) *testHelper {
	h := &testHelper{
		t:        t,
		link:     transport.NewLoopback(),
		finished: make(chan *EventTrace, 10),
	}
	h.debug = debugger.NewRemoteDebugger(h.link, &debugger.StartOption{
		ReplyBufferWarnThreshold: 100,
		MaxUnexpectedReplies:     10,
	})
	require.NoError(t, h.debug.Connect(context.Background()))
	h.link.Inject(protocol.NewProcessStartEvent(nil, []int{1}))
	return h
}

func (h *testHelper) newLogger() *TraceLogger {
	return NewTraceLogger(h.debug.Manager(), func(trace *EventTrace) {
		h.finished <- trace
	})
}

// waitForCommand 等待发送一条命令
func (h *testHelper) waitForCommand() protocol.Message {
	var sent []protocol.Message
	require.Eventually(h.t, func() bool {
		sent = append(sent, h.link.TakeSent()...)
		return len(sent) > 0
	}, time.Second, time.Millisecond)
	require.Len(h.t, sent, 1)
	return sent[0]
}

func (h *testHelper) reply(message protocol.Message, errorCodes map[uint64]int) {
	switch command := message.(type) {
	case *protocol.SetBreakpointsCommand:
		h.link.Inject(protocol.NewSetBreakpointsResult(command.Kind, results(command.Addresses, errorCodes)))
	case *protocol.RemoveBreakpointsCommand:
		h.link.Inject(protocol.NewRemoveBreakpointsResult(command.Kind, results(command.Addresses, errorCodes)))
	default:
		h.t.Fatalf("unexpected command %T", message)
	}
}

func (h *testHelper) status(address breakpoint.Address) constants.BreakpointStatus {
	status, err := h.debug.GetBreakpointStatus(constants.EchoBreakpoint, address)
	require.NoError(h.t, err)
	return status
}

func (h *testHelper) hit(offset uint64) {
	h.link.Inject(protocol.NewBreakpointHitEvent(constants.EchoBreakpoint, offset, protocol.ThreadRegisters{
		ThreadID:  1,
		Registers: []protocol.RegisterValue{{Name: "eip", Value: offset, PC: true}},
	}))
}

func results(addresses []uint64, errorCodes map[uint64]int) []protocol.AddressResult {
	answer := make([]protocol.AddressResult, 0, len(addresses))
	for _, address := range addresses {
		answer = append(answer, protocol.AddressResult{Address: address, ErrorCode: errorCodes[address]})
	}
	return answer
}

func abs(offsets ...uint64) []breakpoint.Address {
	answer := make([]breakpoint.Address, 0, len(offsets))
	for _, offset := range offsets {
		answer = append(answer, breakpoint.NewAddress("", offset))
	}
	return answer
}

// replyingRegistry agent在Remove返回之前就已经回复
type replyingRegistry struct {
	Registry
	h *testHelper
}

func (r *replyingRegistry) Remove(kind constants.BreakpointKind, addresses []breakpoint.Address) (*breakpoint.Change, error) {
	change, err := r.Registry.Remove(kind, addresses)
	if err == nil && len(change.Sent) > 0 {
		r.h.reply(r.h.waitForCommand(), nil)
	}
	return change, err
}

func TestHelper_SetEchoBreakpointsAndWait(t *testing.T) {
	h := newTestHelper(t)
	helper := NewHelper(h.debug.Manager(), h.debug.Hub(), time.Second)
	addresses := abs(0x10, 0x20)

	type result struct {
		failed []breakpoint.Address
		err    error
	}
	done := make(chan result, 1)
	go func() {
		failed, err := helper.SetEchoBreakpointsAndWait(context.Background(), addresses)
		done <- result{failed, err}
	}()
	h.reply(h.waitForCommand(), map[uint64]int{0x20: 7})

	r := <-done
	assert.Nil(t, r.err)
	assert.Equal(t, abs(0x20), r.failed)
	assert.Equal(t, constants.StatusActive, h.status(addresses[0]))
	assert.Equal(t, constants.StatusInvalid, h.status(addresses[1]))

	// 删除
	go func() {
		failed, err := helper.RemoveEchoBreakpointsAndWait(context.Background(), addresses[:1])
		done <- result{failed, err}
	}()
	h.reply(h.waitForCommand(), nil)
	r = <-done
	assert.Nil(t, r.err)
	assert.Empty(t, r.failed)
	assert.False(t, h.debug.HasBreakpoint(constants.EchoBreakpoint, addresses[0]))
}

func TestHelper_NothingToWaitFor(t *testing.T) {
	h := newTestHelper(t)
	helper := NewHelper(h.debug.Manager(), h.debug.Hub(), time.Second)
	// 被普通断点占用的地址不会发送SET
	require.NoError(t, h.debug.AddBreakpoints(context.Background(), constants.RegularBreakpoint, abs(0x10)))
	h.link.TakeSent()

	failed, err := helper.SetEchoBreakpointsAndWait(context.Background(), abs(0x10))
	assert.Nil(t, err)
	assert.Empty(t, failed)
	assert.Empty(t, h.link.TakeSent())
}

func TestHelper_Timeout(t *testing.T) {
	h := newTestHelper(t)
	helper := NewHelper(h.debug.Manager(), h.debug.Hub(), 50*time.Millisecond)
	addresses := abs(0x10)

	_, err := helper.SetEchoBreakpointsAndWait(context.Background(), addresses)
	assert.ErrorIs(t, err, e.ErrTimeout)
	// 注册表保持等待之前的状态
	assert.Equal(t, constants.StatusEnabled, h.status(addresses[0]))
	assert.Equal(t, 1, h.debug.Manager().InflightCount())

	// 迟到的回复仍然生效
	h.reply(h.waitForCommand(), nil)
	assert.Equal(t, constants.StatusActive, h.status(addresses[0]))
}

func TestHelper_Cancel(t *testing.T) {
	h := newTestHelper(t)
	helper := NewHelper(h.debug.Manager(), h.debug.Hub(), time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := helper.SetEchoBreakpointsAndWait(ctx, abs(0x10))
	assert.ErrorIs(t, err, e.ErrCancelled)
}

func TestHelper_DisconnectWakesWaiter(t *testing.T) {
	h := newTestHelper(t)
	helper := NewHelper(h.debug.Manager(), h.debug.Hub(), 10*time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := helper.SetEchoBreakpointsAndWait(context.Background(), abs(0x10, 0x20))
		done <- err
	}()
	h.waitForCommand()
	h.link.Drop(e.ErrTransport)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, e.ErrDisconnected)
	case <-time.After(time.Second):
		t.Fatal("helper was not woken")
	}
	assert.Equal(t, 0, h.debug.GetNumberOfBreakpoints(constants.EchoBreakpoint))
}

func TestHelper_StopTraceWithEarlyReplies(t *testing.T) {
	h := newTestHelper(t)
	logger := NewTraceLogger(&replyingRegistry{Registry: h.debug.Manager(), h: h}, func(trace *EventTrace) {
		h.finished <- trace
	})
	helper := NewHelper(h.debug.Manager(), h.debug.Hub(), time.Second)
	addresses := abs(0x10, 0x20, 0x30)

	done := make(chan error, 1)
	go func() {
		_, err := helper.StartTraceAndWait(context.Background(), logger, NewEventTrace("trace"), addresses, 5)
		done <- err
	}()
	h.reply(h.waitForCommand(), nil)
	require.NoError(t, <-done)
	assert.Equal(t, 3, logger.ActiveCount())

	// REMOVE的回复在地址集合绑定之前到达
	failed, err := helper.StopTraceAndWait(context.Background(), logger)
	assert.Nil(t, err)
	assert.Empty(t, failed)
	assert.Equal(t, 0, h.debug.GetNumberOfBreakpoints(constants.EchoBreakpoint))
	assert.False(t, logger.IsRunning())
	assert.Equal(t, "trace", (<-h.finished).Name)
}

// replyOnSend agent在命令发送返回之前就已经回复
func (h *testHelper) replyOnSend(errorCodes map[uint64]int) {
	h.link.OnSend(func(message protocol.Message) {
		switch message.(type) {
		case *protocol.SetBreakpointsCommand, *protocol.RemoveBreakpointsCommand:
			h.reply(message, errorCodes)
		}
	})
}

func TestHelper_RepliesBeforeOperationReturns(t *testing.T) {
	h := newTestHelper(t)
	h.replyOnSend(map[uint64]int{0x20: 7})
	helper := NewHelper(h.debug.Manager(), h.debug.Hub(), time.Second)
	addresses := abs(0x10, 0x20)

	failed, err := helper.SetEchoBreakpointsAndWait(context.Background(), addresses)
	assert.Nil(t, err)
	assert.Equal(t, abs(0x20), failed)
	assert.Equal(t, constants.StatusActive, h.status(addresses[0]))
	assert.Equal(t, constants.StatusInvalid, h.status(addresses[1]))
	assert.Equal(t, 0, h.debug.Manager().InflightCount())

	failed, err = helper.RemoveEchoBreakpointsAndWait(context.Background(), addresses[:1])
	assert.Nil(t, err)
	assert.Empty(t, failed)
	assert.False(t, h.debug.HasBreakpoint(constants.EchoBreakpoint, addresses[0]))
}

func TestHelper_TraceWithImmediateReplies(t *testing.T) {
	h := newTestHelper(t)
	h.replyOnSend(nil)
	logger := h.newLogger()
	helper := NewHelper(h.debug.Manager(), h.debug.Hub(), time.Second)

	failed, err := helper.StartTraceAndWait(context.Background(), logger, NewEventTrace("immediate"),
		abs(0x10, 0x20, 0x30), 1)
	require.NoError(t, err)
	assert.Empty(t, failed)
	assert.Equal(t, 3, logger.ActiveCount())

	// 命中次数用完以后的REMOVE同样立即得到回复
	h.hit(0x10)
	assert.Equal(t, 2, logger.ActiveCount())
	assert.False(t, h.debug.HasBreakpoint(constants.EchoBreakpoint, abs(0x10)[0]))

	failed, err = helper.StopTraceAndWait(context.Background(), logger)
	assert.Nil(t, err)
	assert.Empty(t, failed)
	assert.Equal(t, 0, h.debug.GetNumberOfBreakpoints(constants.EchoBreakpoint))
	select {
	case finished := <-h.finished:
		assert.Equal(t, "immediate", finished.Name)
		assert.Len(t, finished.Events(), 1)
	case <-time.After(time.Second):
		t.Fatal("trace was not finished")
	}
}

func TestTraceLogger_MaxHits(t *testing.T) {
	h := newTestHelper(t)
	logger := h.newLogger()
	trace := NewEventTrace("max hits")
	addresses := abs(0x10, 0x20)

	change, err := logger.Start(trace, addresses, 2)
	require.NoError(t, err)
	assert.Equal(t, addresses, change.Sent)
	h.reply(h.waitForCommand(), nil)

	h.hit(0x10)
	assert.Empty(t, h.link.TakeSent())
	h.hit(0x10)
	// 达到命中次数以后删除
	remove, ok := h.waitForCommand().(*protocol.RemoveBreakpointsCommand)
	require.True(t, ok)
	assert.Equal(t, []uint64{0x10}, remove.Addresses)
	h.reply(remove, nil)
	assert.Equal(t, 1, logger.ActiveCount())
	assert.True(t, logger.IsRunning())

	h.hit(0x20)
	h.hit(0x20)
	h.reply(h.waitForCommand(), nil)

	finished := <-h.finished
	assert.Same(t, trace, finished)
	events := finished.Events()
	require.Len(t, events, 4)
	assert.Equal(t, abs(0x10)[0], events[0].Address)
	assert.Equal(t, 1, events[0].ThreadID)
	assert.Equal(t, uint64(0x20), events[3].Registers[0].Value)
	assert.False(t, logger.IsRunning())
}

func TestTraceLogger_IgnoresForeignHits(t *testing.T) {
	h := newTestHelper(t)
	logger := h.newLogger()
	trace := NewEventTrace("foreign")
	require.NoError(t, h.debug.AddBreakpoints(context.Background(), constants.EchoBreakpoint, abs(0x40)))
	h.reply(h.waitForCommand(), nil)

	_, err := logger.Start(trace, abs(0x10), 1)
	require.NoError(t, err)
	h.reply(h.waitForCommand(), nil)
	h.hit(0x40)
	assert.Equal(t, 0, trace.Len())
}

func TestTraceLogger_SkipsBlockedAddresses(t *testing.T) {
	h := newTestHelper(t)
	logger := h.newLogger()
	require.NoError(t, h.debug.AddBreakpoints(context.Background(), constants.RegularBreakpoint, abs(0x10)))
	h.link.TakeSent()

	change, err := logger.Start(NewEventTrace("blocked"), abs(0x10, 0x20), 1)
	require.NoError(t, err)
	assert.Equal(t, abs(0x20), change.Sent)
	assert.Equal(t, 1, logger.ActiveCount())

	// 全部被占用时立即结束
	logger2 := h.newLogger()
	_, err = logger2.Start(NewEventTrace("all blocked"), abs(0x10), 1)
	require.NoError(t, err)
	assert.False(t, logger2.IsRunning())
	assert.Equal(t, "all blocked", (<-h.finished).Name)
}

func TestTraceLogger_FinishesOnDetach(t *testing.T) {
	h := newTestHelper(t)
	logger := h.newLogger()
	_, err := logger.Start(NewEventTrace("detach"), abs(0x10, 0x20), 3)
	require.NoError(t, err)
	h.link.TakeSent()

	require.NoError(t, h.debug.Detach(context.Background()))
	assert.Equal(t, "detach", (<-h.finished).Name)
	assert.Equal(t, 0, logger.ActiveCount())

	// 结束以后Stop没有需要删除的断点
	change, err := logger.Stop()
	assert.Nil(t, err)
	assert.Empty(t, change.Sent)
}

func TestTraceLogger_StartErrors(t *testing.T) {
	h := newTestHelper(t)
	logger := h.newLogger()
	_, err := logger.Start(NewEventTrace("empty"), nil, 1)
	assert.ErrorIs(t, err, e.ErrInvalidAddress)

	_, err = logger.Start(NewEventTrace("first"), abs(0x10), 1)
	require.NoError(t, err)
	_, err = logger.Start(NewEventTrace("second"), abs(0x20), 1)
	assert.ErrorIs(t, err, e.ErrTraceIsRunning)

	// 目标进程退出以后不能设置echo断点
	h.link.Inject(protocol.NewProcessClosedEvent(0))
	<-h.finished
	_, err = logger.Start(NewEventTrace("closed"), abs(0x20), 1)
	assert.ErrorIs(t, err, e.ErrNotConnected)
	assert.False(t, logger.IsRunning())
}
