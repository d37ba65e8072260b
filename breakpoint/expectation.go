package breakpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
	"github.com/emirpasic/gods/sets"
	"github.com/fansqz/go-bpsync/constants"
	e "github.com/fansqz/go-bpsync/error"
	"github.com/fansqz/go-bpsync/utils"
	"github.com/sirupsen/logrus"
)

// Reply agent对某个地址的回复
type Reply struct {
	Address   Address
	ErrorCode int
}

// ReplyHub 把Synchronizer处理过的回复转发给等待中的Expectation
type ReplyHub struct {
	mu            sync.Mutex
	expectations  map[string]*Expectation
	warnThreshold int
	maxUnexpected int
}

func NewReplyHub(warnThreshold int, maxUnexpected int) *ReplyHub {
	return &ReplyHub{
		expectations:  map[string]*Expectation{},
		warnThreshold: warnThreshold,
		maxUnexpected: maxUnexpected,
	}
}

// Expect 在发送命令之前登记，此时还不需要知道地址集合
func (h *ReplyHub) Expect(kind constants.BreakpointKind, command constants.CommandKind) *Expectation {
	x := &Expectation{
		id:      utils.GetUUID(),
		hub:     h,
		kind:    kind,
		command: command,
		buffer:  linkedlistqueue.New(),
		done:    make(chan struct{}),
	}
	defer h.mu.Unlock()
	h.mu.Lock()
	h.expectations[x.id] = x
	return x
}

func (h *ReplyHub) offer(kind constants.BreakpointKind, command constants.CommandKind, replies []Reply) {
	if len(replies) == 0 {
		return
	}
	h.mu.Lock()
	var matched []*Expectation
	for _, x := range h.expectations {
		if x.kind == kind && x.command == command {
			matched = append(matched, x)
		}
	}
	h.mu.Unlock()
	for _, x := range matched {
		x.deliver(replies)
	}
}

// CancelAll 唤醒所有等待中的操作
func (h *ReplyHub) CancelAll(err error) {
	h.mu.Lock()
	expectations := make([]*Expectation, 0, len(h.expectations))
	for _, x := range h.expectations {
		expectations = append(expectations, x)
	}
	h.mu.Unlock()
	for _, x := range expectations {
		x.cancel(err)
	}
}

func (h *ReplyHub) remove(id string) {
	defer h.mu.Unlock()
	h.mu.Lock()
	delete(h.expectations, id)
}

// Expectation
// 等待一组地址的回复。Bind之前到达的回复放入缓冲区，Bind以后按到达顺序重放一次。
type Expectation struct {
	id      string
	hub     *ReplyHub
	kind    constants.BreakpointKind
	command constants.CommandKind

	mu         sync.Mutex
	bound      bool
	warned     bool
	buffer     *linkedlistqueue.Queue
	remaining  sets.Set
	failed     []Address
	unexpected int
	finished   bool
	err        error
	done       chan struct{}
}

// Bind 设置需要等待的地址集合并且重放缓冲区中的回复
func (x *Expectation) Bind(addresses []Address) {
	defer x.mu.Unlock()
	x.mu.Lock()
	if x.bound {
		return
	}
	x.bound = true
	x.remaining = utils.List2set(addresses)
	for !x.buffer.Empty() {
		replies, _ := x.buffer.Dequeue()
		x.consume(replies.([]Reply))
	}
	if x.remaining.Empty() {
		x.finish(nil)
	}
}

func (x *Expectation) deliver(replies []Reply) {
	defer x.mu.Unlock()
	x.mu.Lock()
	if x.finished {
		return
	}
	if !x.bound {
		x.buffer.Enqueue(replies)
		if x.buffer.Size() > x.hub.warnThreshold && !x.warned {
			x.warned = true
			logrus.Warnf("[ReplyHub] %s %s expectation buffered %d replies before its addresses were known",
				x.kind, x.command, x.buffer.Size())
		}
		return
	}
	x.consume(replies)
}

func (x *Expectation) consume(replies []Reply) {
	if x.finished {
		return
	}
	for _, reply := range replies {
		if !x.remaining.Contains(reply.Address) {
			x.unexpected++
			continue
		}
		x.remaining.Remove(reply.Address)
		if reply.ErrorCode != 0 {
			x.failed = append(x.failed, reply.Address)
		}
	}
	if x.remaining.Empty() {
		x.finish(nil)
		return
	}
	if x.unexpected > x.hub.maxUnexpected {
		x.finish(fmt.Errorf("%w: %d unexpected %s %s replies", e.ErrCorrelationMismatch, x.unexpected,
			x.kind, x.command))
	}
}

func (x *Expectation) cancel(err error) {
	defer x.mu.Unlock()
	x.mu.Lock()
	x.finish(err)
}

func (x *Expectation) finish(err error) {
	if x.finished {
		return
	}
	x.finished = true
	x.err = err
	close(x.done)
}

// Wait 等待所有地址都收到回复，ctx超时返回ErrTimeout，ctx取消返回ErrCancelled
func (x *Expectation) Wait(ctx context.Context) error {
	select {
	case <-x.done:
		defer x.mu.Unlock()
		x.mu.Lock()
		return x.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return e.ErrTimeout
		}
		return e.ErrCancelled
	}
}

// Failed 返回errorCode不为0的地址
func (x *Expectation) Failed() []Address {
	defer x.mu.Unlock()
	x.mu.Lock()
	answer := make([]Address, len(x.failed))
	copy(answer, x.failed)
	return answer
}

// Close 不再接收回复
func (x *Expectation) Close() {
	x.hub.remove(x.id)
}
