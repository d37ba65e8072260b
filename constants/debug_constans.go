package constants

// BreakpointKind 断点类型，每种类型有独立的断点存储
type BreakpointKind string

const (
	// RegularBreakpoint 用户可见的普通断点
	RegularBreakpoint BreakpointKind = "regular"
	// StepBreakpoint 单步、步过、步出使用的临时断点
	StepBreakpoint BreakpointKind = "step"
	// EchoBreakpoint 用于trace的临时断点，命中后不会停止目标进程
	EchoBreakpoint BreakpointKind = "echo"
)

// BreakpointKinds 所有断点类型，按优先级从高到低排列
var BreakpointKinds = []BreakpointKind{RegularBreakpoint, StepBreakpoint, EchoBreakpoint}

// BreakpointStatus 断点状态
type BreakpointStatus string

const (
	// StatusInactive 已定义，调试器未连接或目标进程未启动
	StatusInactive BreakpointStatus = "inactive"
	// StatusEnabled 已经发送SET命令，等待agent确认
	StatusEnabled BreakpointStatus = "enabled"
	// StatusActive agent确认断点设置成功
	StatusActive BreakpointStatus = "active"
	// StatusHit 目标进程停在该断点
	StatusHit BreakpointStatus = "hit"
	// StatusDisabled 用户禁用断点，断点仍然保留
	StatusDisabled BreakpointStatus = "disabled"
	// StatusDeleting 用户删除断点，REMOVE确认以后从存储中移除
	StatusDeleting BreakpointStatus = "deleting"
	// StatusInvalid agent拒绝设置该断点
	StatusInvalid BreakpointStatus = "invalid"
)

// IsArmed 该状态下agent一侧存在（或即将存在）断点
func (s BreakpointStatus) IsArmed() bool {
	return s == StatusEnabled || s == StatusActive || s == StatusHit
}

// CommandKind 发送给agent的断点命令类型
type CommandKind string

const (
	SetCommand    CommandKind = "set"
	RemoveCommand CommandKind = "remove"
)

// AgentOutcome agent返回的断点处理结果
type AgentOutcome string

const (
	SetOK     AgentOutcome = "setOk"
	SetFailed AgentOutcome = "setFailed"
	RemovedOK AgentOutcome = "removedOk"
	Hit       AgentOutcome = "hit"
)

// RemovalReason 等待REMOVE确认的原因
type RemovalReason string

const (
	NoRemoval       RemovalReason = ""
	RemoveToDisable RemovalReason = "disable"
	RemoveToDelete  RemovalReason = "delete"
	// RemoveToRearm 等待删除时用户重新添加了该地址，REMOVE确认以后重新发送SET
	RemoveToRearm RemovalReason = "rearm"
)

// BreakpointReasonType 断点改变类型
type BreakpointReasonType string

const (
	ChangeType      BreakpointReasonType = "changed"
	NewType         BreakpointReasonType = "new"
	RemovedType     BreakpointReasonType = "removed"
	ConditionType   BreakpointReasonType = "condition"
	DescriptionType BreakpointReasonType = "description"
)

// MessageType 与agent之间传递的消息类型
type MessageType string

const (
	// 客户端发往agent的命令
	SetBreakpointsMessage         MessageType = "setBreakpoints"
	RemoveBreakpointsMessage      MessageType = "removeBreakpoints"
	SetBreakpointConditionMessage MessageType = "setBreakpointCondition"
	ResumeMessage                 MessageType = "resume"
	HaltMessage                   MessageType = "halt"
	DetachMessage                 MessageType = "detach"
	TerminateMessage              MessageType = "terminate"
	SingleStepMessage             MessageType = "singleStep"

	// agent返回的结果以及主动上报的事件
	SetBreakpointsResultMessage    MessageType = "setBreakpointsResult"
	RemoveBreakpointsResultMessage MessageType = "removeBreakpointsResult"
	ConditionSetResultMessage      MessageType = "conditionSetResult"
	BreakpointHitMessage           MessageType = "breakpointHit"
	ProcessStartMessage            MessageType = "processStart"
	ProcessClosedMessage           MessageType = "processClosed"
	ModuleLoadedMessage            MessageType = "moduleLoaded"
	ModuleUnloadedMessage          MessageType = "moduleUnloaded"
	ThreadCreatedMessage           MessageType = "threadCreated"
	ThreadClosedMessage            MessageType = "threadClosed"
	CommandResultMessage           MessageType = "commandResult"
)

// StoppedReasonType 程序停止类型
type StoppedReasonType string

const (
	BreakpointStopped StoppedReasonType = "breakpoint"
	StepStopped       StoppedReasonType = "step"
	PauseStopped      StoppedReasonType = "pause"
)
