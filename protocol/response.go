package protocol

import "github.com/fansqz/go-bpsync/constants"

// SetBreakpointsResult SET命令的结果，可能只覆盖请求地址的一部分
type SetBreakpointsResult struct {
	Header
	Kind    constants.BreakpointKind `json:"kind"`
	Results []AddressResult          `json:"results"`
}

func NewSetBreakpointsResult(kind constants.BreakpointKind, results []AddressResult) *SetBreakpointsResult {
	return &SetBreakpointsResult{
		Header:  Header{Type: constants.SetBreakpointsResultMessage},
		Kind:    kind,
		Results: results,
	}
}

// RemoveBreakpointsResult REMOVE命令的结果
type RemoveBreakpointsResult struct {
	Header
	Kind    constants.BreakpointKind `json:"kind"`
	Results []AddressResult          `json:"results"`
}

func NewRemoveBreakpointsResult(kind constants.BreakpointKind, results []AddressResult) *RemoveBreakpointsResult {
	return &RemoveBreakpointsResult{
		Header:  Header{Type: constants.RemoveBreakpointsResultMessage},
		Kind:    kind,
		Results: results,
	}
}

// ConditionSetResult 设置断点条件的结果
type ConditionSetResult struct {
	Header
	Address   uint64 `json:"address"`
	ErrorCode int    `json:"errorCode"`
}

func NewConditionSetResult(address uint64, errorCode int) *ConditionSetResult {
	return &ConditionSetResult{
		Header:    Header{Type: constants.ConditionSetResultMessage},
		Address:   address,
		ErrorCode: errorCode,
	}
}

// CommandResult 会话命令（resume、halt等）的执行结果
type CommandResult struct {
	Header
	Command   constants.MessageType `json:"command"`
	ErrorCode int                   `json:"errorCode"`
	Message   string                `json:"message"`
}

func NewCommandResult(command constants.MessageType, errorCode int, message string) *CommandResult {
	return &CommandResult{
		Header:    Header{Type: constants.CommandResultMessage},
		Command:   command,
		ErrorCode: errorCode,
		Message:   message,
	}
}
