package breakpoint

import (
	"sync/atomic"

	"github.com/fansqz/go-bpsync/constants"
	e "github.com/fansqz/go-bpsync/error"
	"github.com/fansqz/go-bpsync/protocol"
	"github.com/fansqz/go-bpsync/utils"
	"github.com/sirupsen/logrus"
)

// Synchronizer
// 处理agent的回复。回复按地址集合与在途命令匹配，不使用序列号；
// 找不到在途命令时再与注册表中等待回复的断点匹配，都匹配不上的地址记录警告并丢弃。
type Synchronizer struct {
	manager    *Manager
	hub        *ReplyHub
	mismatches atomic.Int64
}

func NewSynchronizer(manager *Manager, hub *ReplyHub) *Synchronizer {
	return &Synchronizer{
		manager: manager,
		hub:     hub,
	}
}

// OnSetReply errorCode为0表示设置成功，否则断点变为INVALID
func (s *Synchronizer) OnSetReply(kind constants.BreakpointKind, results []protocol.AddressResult) {
	s.onResults(kind, constants.SetCommand, results)
}

// OnRemoveReply errorCode不为0时通知错误，但是断点仍然按照移除成功处理
func (s *Synchronizer) OnRemoveReply(kind constants.BreakpointKind, results []protocol.AddressResult) {
	s.onResults(kind, constants.RemoveCommand, results)
}

func (s *Synchronizer) onResults(kind constants.BreakpointKind, command constants.CommandKind,
	results []protocol.AddressResult) {
	if _, ok := PolicyOf(kind); !ok {
		logrus.Warnf("[Synchronizer] %v: %s", e.ErrUnknownKind, kind)
		return
	}
	m := s.manager
	replies := make([]Reply, 0, len(results))
	_, _ = m.apply(false, func(b *batch) error {
		s.checkSubset(kind, command, results)
		for _, result := range results {
			relocated := RelocatedAddress(result.Address)
			address, ok := m.commands.take(kind, command, relocated)
			if !ok {
				address, ok = m.find(kind, relocated, func(breakpoint *Breakpoint) bool {
					return awaiting(breakpoint, command)
				})
			}
			if !ok {
				s.mismatch("%s %s reply for %08X", kind, command, result.Address)
				replies = append(replies, Reply{Address: m.target.Unrelocate(relocated), ErrorCode: result.ErrorCode})
				continue
			}
			replies = append(replies, Reply{Address: address, ErrorCode: result.ErrorCode})
			switch command {
			case constants.SetCommand:
				outcome := constants.SetOK
				if result.ErrorCode != 0 {
					outcome = constants.SetFailed
					logrus.Warnf("[Synchronizer] set %s breakpoint %s fail, errorCode = %d", kind, address, result.ErrorCode)
					b.notify(NewAgentErrorEvent(constants.SetBreakpointsMessage, kind, address, result.ErrorCode))
				}
				m.applyAgentResult(kind, address, outcome, b)
			case constants.RemoveCommand:
				if result.ErrorCode != 0 {
					logrus.Warnf("[Synchronizer] remove %s breakpoint %s fail, errorCode = %d", kind, address, result.ErrorCode)
					b.notify(NewAgentErrorEvent(constants.RemoveBreakpointsMessage, kind, address, result.ErrorCode))
				}
				m.applyAgentResult(kind, address, constants.RemovedOK, b)
			}
		}
		return nil
	})
	s.hub.offer(kind, command, replies)
}

// checkSubset 回复中的地址必须是在途地址的子集，agent可以分批回复
func (s *Synchronizer) checkSubset(kind constants.BreakpointKind, command constants.CommandKind,
	results []protocol.AddressResult) {
	received := make([]RelocatedAddress, 0, len(results))
	for _, result := range results {
		received = append(received, RelocatedAddress(result.Address))
	}
	receivedSet := utils.List2set(received)
	expectedSet := utils.List2set(s.manager.commands.expected(kind, command))
	if !utils.IsSubset(receivedSet, expectedSet) {
		logrus.Warnf("[Synchronizer] %s %s reply %X is not a subset of the in-flight addresses %X", kind, command,
			utils.Set2list[RelocatedAddress](receivedSet), utils.Set2list[RelocatedAddress](expectedSet))
		return
	}
	if receivedSet.Size() < expectedSet.Size() {
		logrus.Debugf("[Synchronizer] partial %s %s reply, %d of %d addresses",
			kind, command, receivedSet.Size(), expectedSet.Size())
	}
}

func awaiting(breakpoint *Breakpoint, command constants.CommandKind) bool {
	if command == constants.SetCommand {
		return breakpoint.Status == constants.StatusEnabled
	}
	return breakpoint.PendingRemoval != constants.NoRemoval
}

// OnHit 目标进程命中断点
func (s *Synchronizer) OnHit(event *protocol.BreakpointHitEvent) {
	m := s.manager
	relocated := RelocatedAddress(event.Address)
	_, _ = m.apply(false, func(b *batch) error {
		address, ok := m.find(event.Kind, relocated, func(*Breakpoint) bool { return true })
		if !ok {
			s.mismatch("%s hit at %08X", event.Kind, event.Address)
			return nil
		}
		m.applyAgentResult(event.Kind, address, constants.Hit, b)
		b.notify(NewHitEvent(event.Kind, address, relocated, event.Thread))
		return nil
	})
}

// OnConditionResult 设置断点条件的结果，失败时只通知错误
func (s *Synchronizer) OnConditionResult(result *protocol.ConditionSetResult) {
	m := s.manager
	relocated := RelocatedAddress(result.Address)
	_, _ = m.apply(false, func(b *batch) error {
		address, ok := m.find(constants.RegularBreakpoint, relocated, func(*Breakpoint) bool { return true })
		if !ok {
			s.mismatch("condition result for %08X", result.Address)
			return nil
		}
		if result.ErrorCode != 0 {
			logrus.Warnf("[Synchronizer] set condition of breakpoint %s fail, errorCode = %d", address, result.ErrorCode)
			b.notify(NewAgentErrorEvent(constants.SetBreakpointConditionMessage, constants.RegularBreakpoint,
				address, result.ErrorCode))
		}
		return nil
	})
}

// ResetTarget 目标进程重置或者连接断开，先重置注册表再唤醒所有等待中的操作
func (s *Synchronizer) ResetTarget(err error) {
	s.manager.Reset()
	s.hub.CancelAll(err)
}

// Mismatches 无法匹配的回复数量
func (s *Synchronizer) Mismatches() int64 {
	return s.mismatches.Load()
}

func (s *Synchronizer) mismatch(format string, args ...interface{}) {
	s.mismatches.Add(1)
	logrus.Warnf("[Synchronizer] %v: "+format, append([]interface{}{e.ErrCorrelationMismatch}, args...)...)
}
