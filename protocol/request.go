package protocol

import "github.com/fansqz/go-bpsync/constants"

// SetBreakpointsCommand 设置断点命令，一个命令覆盖同一类型的所有地址
type SetBreakpointsCommand struct {
	Header
	Kind      constants.BreakpointKind `json:"kind"`
	Addresses []uint64                 `json:"addresses"`
}

func NewSetBreakpointsCommand(kind constants.BreakpointKind, addresses []uint64) *SetBreakpointsCommand {
	return &SetBreakpointsCommand{
		Header:    Header{Type: constants.SetBreakpointsMessage},
		Kind:      kind,
		Addresses: addresses,
	}
}

// RemoveBreakpointsCommand 移除断点命令
type RemoveBreakpointsCommand struct {
	Header
	Kind      constants.BreakpointKind `json:"kind"`
	Addresses []uint64                 `json:"addresses"`
}

func NewRemoveBreakpointsCommand(kind constants.BreakpointKind, addresses []uint64) *RemoveBreakpointsCommand {
	return &RemoveBreakpointsCommand{
		Header:    Header{Type: constants.RemoveBreakpointsMessage},
		Kind:      kind,
		Addresses: addresses,
	}
}

// SetBreakpointConditionCommand 设置普通断点的条件
type SetBreakpointConditionCommand struct {
	Header
	Address   uint64 `json:"address"`
	Condition string `json:"condition"`
}

func NewSetBreakpointConditionCommand(address uint64, condition string) *SetBreakpointConditionCommand {
	return &SetBreakpointConditionCommand{
		Header:    Header{Type: constants.SetBreakpointConditionMessage},
		Address:   address,
		Condition: condition,
	}
}

// SessionCommand resume、halt、detach、terminate这类不带参数的会话命令
type SessionCommand struct {
	Header
}

func NewSessionCommand(messageType constants.MessageType) *SessionCommand {
	return &SessionCommand{Header: Header{Type: messageType}}
}

// SingleStepCommand 单步执行某个线程
type SingleStepCommand struct {
	Header
	ThreadID int `json:"threadId"`
}

func NewSingleStepCommand(threadID int) *SingleStepCommand {
	return &SingleStepCommand{
		Header:   Header{Type: constants.SingleStepMessage},
		ThreadID: threadID,
	}
}
