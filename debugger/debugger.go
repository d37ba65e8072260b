package debugger

import (
	"context"

	"github.com/fansqz/go-bpsync/breakpoint"
	"github.com/fansqz/go-bpsync/constants"
)

type NotificationCallback func(interface{})

// Debugger
// 与一个远程调试agent之间的调试会话
// 需要保证并发安全，agent的消息在接收协程中处理
type Debugger interface {
	// Connect 连接agent，目标进程启动以后agent会发送processStart事件
	Connect(ctx context.Context) error
	// Resume 继续执行目标进程
	Resume(ctx context.Context) error
	// Halt 暂停目标进程
	Halt(ctx context.Context) error
	// Detach 从目标进程分离，目标进程继续运行
	Detach(ctx context.Context) error
	// Terminate 结束目标进程
	Terminate(ctx context.Context) error
	// SingleStep 单步执行某个线程
	SingleStep(ctx context.Context, threadID int) error
	// AddBreakpoints 添加断点，已经存在的地址会被忽略
	AddBreakpoints(ctx context.Context, kind constants.BreakpointKind, addresses []breakpoint.Address) error
	// RemoveBreakpoints 删除断点，等价于SetBreakpointStatus(DELETING)
	RemoveBreakpoints(ctx context.Context, kind constants.BreakpointKind, addresses []breakpoint.Address) error
	// SetBreakpointStatus 用户只能把断点修改为DISABLED或者DELETING
	SetBreakpointStatus(ctx context.Context, kind constants.BreakpointKind, addresses []breakpoint.Address,
		status constants.BreakpointStatus) error
	GetBreakpointStatus(kind constants.BreakpointKind, address breakpoint.Address) (constants.BreakpointStatus, error)
	GetNumberOfBreakpoints(kind constants.BreakpointKind) int
	HasBreakpoint(kind constants.BreakpointKind, address breakpoint.Address) bool
	// GetBreakpoints 某种类型所有断点的快照
	GetBreakpoints(kind constants.BreakpointKind) []breakpoint.Breakpoint
	// SetBreakpointCondition 设置普通断点的条件
	SetBreakpointCondition(ctx context.Context, address breakpoint.Address, condition string) error
	// SetBreakpointDescription 设置普通断点的描述
	SetBreakpointDescription(address breakpoint.Address, description string) error
	// AddListener 注册断点事件回调，返回用于注销的id
	AddListener(callback breakpoint.NotificationCallback) string
	RemoveListener(id string)
	// GetThreads 目标进程的线程以及当前指令地址
	GetThreads() []Thread
	// Close 断开与agent的连接
	Close() error
}
