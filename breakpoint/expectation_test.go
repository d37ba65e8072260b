package breakpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fansqz/go-bpsync/constants"
	e "github.com/fansqz/go-bpsync/error"
	"github.com/fansqz/go-bpsync/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const echo = constants.EchoBreakpoint

func replies(addresses ...uint64) []Reply {
	answer := make([]Reply, 0, len(addresses))
	for _, address := range addresses {
		answer = append(answer, Reply{Address: abs(address)})
	}
	return answer
}

func isDone(x *Expectation) bool {
	select {
	case <-x.done:
		return true
	default:
		return false
	}
}

func TestExpectationReplaysBufferedReplies(t *testing.T) {
	hub := NewReplyHub(100, 10)
	x := hub.Expect(echo, constants.RemoveCommand)
	defer x.Close()

	hub.offer(echo, constants.RemoveCommand, []Reply{{Address: abs(1)}, {Address: abs(2), ErrorCode: 5}})
	hub.offer(echo, constants.SetCommand, replies(3))
	assert.False(t, isDone(x))

	x.Bind([]Address{abs(1), abs(2), abs(3)})
	assert.False(t, isDone(x))
	hub.offer(echo, constants.RemoveCommand, replies(3))
	assert.Nil(t, x.Wait(context.Background()))
	assert.Equal(t, []Address{abs(2)}, x.Failed())
}

func TestExpectationEveryInterleaving(t *testing.T) {
	all := []uint64{1, 2, 3, 4, 5}
	for split := 0; split <= len(all); split++ {
		hub := NewReplyHub(100, 0)
		x := hub.Expect(echo, constants.SetCommand)
		for _, address := range all[:split] {
			hub.offer(echo, constants.SetCommand, replies(address))
		}
		x.Bind([]Address{abs(1), abs(2), abs(3), abs(4), abs(5)})
		for _, address := range all[split:] {
			assert.False(t, isDone(x), split)
			hub.offer(echo, constants.SetCommand, replies(address))
		}
		require.True(t, isDone(x), split)
		assert.Nil(t, x.Wait(context.Background()), split)
		x.Close()
	}
}

func TestExpectationEmptyBindCompletes(t *testing.T) {
	hub := NewReplyHub(100, 10)
	x := hub.Expect(echo, constants.SetCommand)
	defer x.Close()
	x.Bind(nil)
	assert.Nil(t, x.Wait(context.Background()))
}

func TestExpectationUnexpectedCeiling(t *testing.T) {
	hub := NewReplyHub(100, 1)
	x := hub.Expect(echo, constants.SetCommand)
	defer x.Close()
	x.Bind([]Address{abs(1)})

	hub.offer(echo, constants.SetCommand, replies(7))
	assert.False(t, isDone(x))
	hub.offer(echo, constants.SetCommand, replies(8))
	err := x.Wait(context.Background())
	assert.True(t, errors.Is(err, e.ErrCorrelationMismatch))
}

func TestExpectationTimeoutAndCancel(t *testing.T) {
	hub := NewReplyHub(100, 10)
	x := hub.Expect(echo, constants.SetCommand)
	defer x.Close()
	x.Bind([]Address{abs(1)})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Equal(t, e.ErrTimeout, x.Wait(ctx))

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, e.ErrCancelled, x.Wait(ctx))
}

func TestCancelAllWakesWaiters(t *testing.T) {
	hub := NewReplyHub(100, 10)
	x := hub.Expect(echo, constants.RemoveCommand)
	defer x.Close()

	result := make(chan error, 1)
	go func() {
		result <- x.Wait(context.Background())
	}()
	hub.CancelAll(e.ErrDisconnected)
	select {
	case err := <-result:
		assert.Equal(t, e.ErrDisconnected, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}

	// 结束以后的回复被忽略
	x.Bind([]Address{abs(1)})
	hub.offer(echo, constants.RemoveCommand, replies(1))
	assert.Equal(t, e.ErrDisconnected, x.Wait(context.Background()))
}

func TestClosedExpectationReceivesNothing(t *testing.T) {
	hub := NewReplyHub(1, 10)
	x := hub.Expect(echo, constants.SetCommand)
	hub.offer(echo, constants.SetCommand, replies(1))
	hub.offer(echo, constants.SetCommand, replies(2))
	x.Close()
	hub.offer(echo, constants.SetCommand, replies(3))
	assert.Equal(t, 2, x.buffer.Size())
}

func TestSynchronizerFeedsExpectations(t *testing.T) {
	h := newTestHelper(t)
	h.target.setAttached(true)
	x := h.hub.Expect(echo, constants.SetCommand)
	defer x.Close()

	change, err := h.manager.Add(echo, []Address{abs(1), abs(2)})
	require.Nil(t, err)
	h.synchronizer.OnSetReply(echo, okResults(1))
	x.Bind(change.Sent)
	assert.False(t, isDone(x))
	h.synchronizer.OnSetReply(echo, okResults(2))
	assert.Nil(t, x.Wait(context.Background()))
	assert.Equal(t, constants.StatusActive, h.status(echo, abs(2)))
}

// replyOnSend agent在Send返回之前回复每个SET/REMOVE命令
func replyOnSend(h *testHelper, errorCodes map[uint64]int) {
	h.target.setOnSend(func(message protocol.Message) {
		switch command := message.(type) {
		case *protocol.SetBreakpointsCommand:
			h.synchronizer.OnSetReply(command.Kind, codedResults(command.Addresses, errorCodes))
		case *protocol.RemoveBreakpointsCommand:
			h.synchronizer.OnRemoveReply(command.Kind, codedResults(command.Addresses, errorCodes))
		}
	})
}

func codedResults(addresses []uint64, errorCodes map[uint64]int) []protocol.AddressResult {
	results := make([]protocol.AddressResult, 0, len(addresses))
	for _, address := range addresses {
		results = append(results, protocol.AddressResult{Address: address, ErrorCode: errorCodes[address]})
	}
	return results
}

func TestRepliesBeforeAddReturns(t *testing.T) {
	h := newTestHelper(t)
	h.target.setAttached(true)
	replyOnSend(h, map[uint64]int{0x20: 1})
	x := h.hub.Expect(echo, constants.SetCommand)
	defer x.Close()

	change, err := h.manager.Add(echo, []Address{abs(0x10), abs(0x20)})
	require.Nil(t, err)
	assert.Equal(t, []Address{abs(0x10), abs(0x20)}, change.Sent)
	assert.Equal(t, 0, h.manager.InflightCount())
	assert.Equal(t, constants.StatusActive, h.status(echo, abs(0x10)))
	assert.Equal(t, constants.StatusInvalid, h.status(echo, abs(0x20)))

	x.Bind(change.Sent)
	require.True(t, isDone(x))
	assert.Nil(t, x.Wait(context.Background()))
	assert.Equal(t, []Address{abs(0x20)}, x.Failed())
}

func TestRepliesBeforeRemoveReturns(t *testing.T) {
	h := newTestHelper(t)
	h.activate(echo, abs(0x10), abs(0x20))
	replyOnSend(h, nil)
	x := h.hub.Expect(echo, constants.RemoveCommand)
	defer x.Close()

	change, err := h.manager.Remove(echo, []Address{abs(0x10), abs(0x20)})
	require.Nil(t, err)
	assert.Equal(t, []Address{abs(0x10), abs(0x20)}, change.Sent)
	assert.Equal(t, 0, h.manager.Count(echo))

	x.Bind(change.Sent)
	assert.Nil(t, x.Wait(context.Background()))
	assert.Empty(t, x.Failed())
}

// agent在另一个协程中回复，回复和Add的返回值交错
func TestRepliesRaceWithAdd(t *testing.T) {
	h := newTestHelper(t)
	h.target.setAttached(true)
	commands := make(chan *protocol.SetBreakpointsCommand, 100)
	h.target.setOnSend(func(message protocol.Message) {
		if command, ok := message.(*protocol.SetBreakpointsCommand); ok {
			commands <- command
		}
	})
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case command := <-commands:
				for _, address := range command.Addresses {
					h.synchronizer.OnSetReply(command.Kind, okResults(address))
				}
			case <-stop:
				return
			}
		}
	}()

	for i := uint64(0); i < 50; i++ {
		addresses := []Address{abs(0x1000 + i*4), abs(0x2000 + i*4), abs(0x3000 + i*4)}
		x := h.hub.Expect(echo, constants.SetCommand)
		change, err := h.manager.Add(echo, addresses)
		require.Nil(t, err)
		require.Equal(t, addresses, change.Sent)
		x.Bind(change.Sent)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		require.Nil(t, x.Wait(ctx))
		cancel()
		x.Close()
		for _, address := range addresses {
			assert.Equal(t, constants.StatusActive, h.status(echo, address))
		}
	}
	assert.Equal(t, 0, h.manager.InflightCount())
}
