package breakpoint

import (
	"fmt"

	"github.com/fansqz/go-bpsync/constants"
	"github.com/fansqz/go-bpsync/protocol"
	"github.com/fansqz/go-bpsync/utils"
	"github.com/fansqz/go-bpsync/utils/gosync"
)

// NotificationCallback 断点事件回调，参数为*BreakpointEvent、*HitEvent或者*AgentErrorEvent
type NotificationCallback func(interface{})

// BreakpointEvent 断点事件
// 一次操作或者一个回复影响到的同类型断点合并为一个事件
type BreakpointEvent struct {
	Reason      constants.BreakpointReasonType
	Kind        constants.BreakpointKind
	Breakpoints []Breakpoint
}

func NewBreakpointEvent(reason constants.BreakpointReasonType, kind constants.BreakpointKind) *BreakpointEvent {
	return &BreakpointEvent{
		Reason: reason,
		Kind:   kind,
	}
}

// HitEvent 目标进程命中断点
type HitEvent struct {
	Kind      constants.BreakpointKind
	Address   Address
	Relocated RelocatedAddress
	Thread    protocol.ThreadRegisters
}

func NewHitEvent(kind constants.BreakpointKind, address Address, relocated RelocatedAddress,
	thread protocol.ThreadRegisters) *HitEvent {
	return &HitEvent{
		Kind:      kind,
		Address:   address,
		Relocated: relocated,
		Thread:    thread,
	}
}

// AgentErrorEvent agent对某个地址返回了错误码
// 对SET来说断点变为INVALID，对REMOVE来说断点仍然会在本地移除
type AgentErrorEvent struct {
	Command   constants.MessageType
	Kind      constants.BreakpointKind
	Address   Address
	ErrorCode int
}

func NewAgentErrorEvent(command constants.MessageType, kind constants.BreakpointKind, address Address,
	errorCode int) *AgentErrorEvent {
	return &AgentErrorEvent{
		Command:   command,
		Kind:      kind,
		Address:   address,
		ErrorCode: errorCode,
	}
}

func (a *AgentErrorEvent) Error() string {
	return fmt.Sprintf("agent returned error %d for %s on %s breakpoint %s", a.ErrorCode, a.Command, a.Kind, a.Address)
}

type listener struct {
	id       string
	callback NotificationCallback
}

// AddListener 注册回调，返回用于注销的id
func (m *Manager) AddListener(callback NotificationCallback) string {
	defer m.listenerLock.Unlock()
	m.listenerLock.Lock()
	id := utils.GetUUID()
	m.listeners = append(m.listeners, &listener{id: id, callback: callback})
	return id
}

func (m *Manager) RemoveListener(id string) {
	defer m.listenerLock.Unlock()
	m.listenerLock.Lock()
	for i, l := range m.listeners {
		if l.id == id {
			m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
			return
		}
	}
}

// publish 在不持有锁的情况下通知监听者，单个监听者panic不影响其他监听者
func (m *Manager) publish(events []interface{}) {
	if len(events) == 0 {
		return
	}
	m.listenerLock.RLock()
	listeners := make([]*listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.listenerLock.RUnlock()
	for _, event := range events {
		for _, l := range listeners {
			gosync.Try("breakpoint listener "+l.id, func() {
				l.callback(event)
			})
		}
	}
}
