package debugger

import (
	"github.com/fansqz/go-bpsync/constants"
	"github.com/fansqz/go-bpsync/protocol"
)

// StartOption 创建调试会话的参数
type StartOption struct {
	// Callback 会话事件回调，断点事件通过AddListener注册
	Callback NotificationCallback
	// ReplyBufferWarnThreshold 等待地址集合时缓存的回复超过该值打印警告
	ReplyBufferWarnThreshold int
	// MaxUnexpectedReplies 阻塞式操作最多容忍的无关回复数
	MaxUnexpectedReplies int
}

// Thread 目标进程中的线程
type Thread struct {
	ID int
	// CurrentAddress 线程当前的指令地址（运行时地址）
	CurrentAddress uint64
}

// Module 目标进程加载的模块
type Module struct {
	Name      string
	FileBase  uint64
	ImageBase uint64
	Size      uint64
}

func newModule(info protocol.ModuleInfo) Module {
	return Module{
		Name:      info.Name,
		FileBase:  info.FileBase,
		ImageBase: info.ImageBase,
		Size:      info.Size,
	}
}

// ProcessStartedEvent
// 目标进程启动，已经加载的模块中的断点会被设置
type ProcessStartedEvent struct {
	Modules []Module
	Threads []int
}

func NewProcessStartedEvent(modules []Module, threads []int) *ProcessStartedEvent {
	return &ProcessStartedEvent{
		Modules: modules,
		Threads: threads,
	}
}

// StoppedEvent
// 该event表明，由于某些原因，被调试进程的执行已经停止。
type StoppedEvent struct {
	Reason   constants.StoppedReasonType // 停止执行的原因
	ThreadID int
	Address  uint64 // 停止时的指令地址
}

func NewStoppedEvent(reason constants.StoppedReasonType, threadID int, address uint64) *StoppedEvent {
	return &StoppedEvent{
		Reason:   reason,
		ThreadID: threadID,
		Address:  address,
	}
}

// ContinuedEvent
// 该event表明debug的执行已经继续。
type ContinuedEvent struct {
}

func NewContinuedEvent() *ContinuedEvent {
	return &ContinuedEvent{}
}

// ModuleEvent 模块加载或者卸载
type ModuleEvent struct {
	Loaded bool
	Module Module
}

func NewModuleEvent(loaded bool, module Module) *ModuleEvent {
	return &ModuleEvent{
		Loaded: loaded,
		Module: module,
	}
}

// ThreadEvent 线程创建或者退出
type ThreadEvent struct {
	Started  bool
	ThreadID int
}

func NewThreadEvent(started bool, threadID int) *ThreadEvent {
	return &ThreadEvent{
		Started:  started,
		ThreadID: threadID,
	}
}

// ExitedEvent
// 目标进程退出或者已经分离，但是并不意味着调试会话结束
type ExitedEvent struct {
	ExitCode int
	Message  string
}

func NewExitedEvent(code int, message string) *ExitedEvent {
	return &ExitedEvent{
		ExitCode: code,
		Message:  message,
	}
}

// CommandErrorEvent agent执行会话命令失败
type CommandErrorEvent struct {
	Command   constants.MessageType
	ErrorCode int
	Message   string
}

func NewCommandErrorEvent(command constants.MessageType, errorCode int, message string) *CommandErrorEvent {
	return &CommandErrorEvent{
		Command:   command,
		ErrorCode: errorCode,
		Message:   message,
	}
}

// TerminatedEvent
// 与agent的连接断开，Err为nil表示主动关闭
type TerminatedEvent struct {
	Err error
}

func NewTerminatedEvent(err error) *TerminatedEvent {
	return &TerminatedEvent{Err: err}
}
