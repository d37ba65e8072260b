package protocol

import "github.com/fansqz/go-bpsync/constants"

// BreakpointHitEvent
// 目标进程命中断点，由agent主动上报
type BreakpointHitEvent struct {
	Header
	Kind    constants.BreakpointKind `json:"kind"`
	Address uint64                   `json:"address"`
	Thread  ThreadRegisters          `json:"thread"`
}

func NewBreakpointHitEvent(kind constants.BreakpointKind, address uint64, thread ThreadRegisters) *BreakpointHitEvent {
	return &BreakpointHitEvent{
		Header:  Header{Type: constants.BreakpointHitMessage},
		Kind:    kind,
		Address: address,
		Thread:  thread,
	}
}

// ProcessStartEvent
// 目标进程启动（或者agent附加到目标进程）
type ProcessStartEvent struct {
	Header
	Modules []ModuleInfo `json:"modules"`
	Threads []int        `json:"threads"`
}

func NewProcessStartEvent(modules []ModuleInfo, threads []int) *ProcessStartEvent {
	return &ProcessStartEvent{
		Header:  Header{Type: constants.ProcessStartMessage},
		Modules: modules,
		Threads: threads,
	}
}

// ProcessClosedEvent 目标进程退出
type ProcessClosedEvent struct {
	Header
	ExitCode int `json:"exitCode"`
}

func NewProcessClosedEvent(exitCode int) *ProcessClosedEvent {
	return &ProcessClosedEvent{
		Header:   Header{Type: constants.ProcessClosedMessage},
		ExitCode: exitCode,
	}
}

// ModuleEvent 模块加载或者卸载
type ModuleEvent struct {
	Header
	Module ModuleInfo `json:"module"`
}

func NewModuleLoadedEvent(module ModuleInfo) *ModuleEvent {
	return &ModuleEvent{
		Header: Header{Type: constants.ModuleLoadedMessage},
		Module: module,
	}
}

func NewModuleUnloadedEvent(module ModuleInfo) *ModuleEvent {
	return &ModuleEvent{
		Header: Header{Type: constants.ModuleUnloadedMessage},
		Module: module,
	}
}

// ThreadEvent 线程创建或者退出
type ThreadEvent struct {
	Header
	ThreadID int `json:"threadId"`
}

func NewThreadCreatedEvent(threadID int) *ThreadEvent {
	return &ThreadEvent{
		Header:   Header{Type: constants.ThreadCreatedMessage},
		ThreadID: threadID,
	}
}

func NewThreadClosedEvent(threadID int) *ThreadEvent {
	return &ThreadEvent{
		Header:   Header{Type: constants.ThreadClosedMessage},
		ThreadID: threadID,
	}
}
