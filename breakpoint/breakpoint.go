package breakpoint

import (
	"fmt"

	"github.com/fansqz/go-bpsync/constants"
)

// Address 模块内的文件地址（未重定位），Module为空表示绝对地址
type Address struct {
	Module string
	Offset uint64
}

func NewAddress(module string, offset uint64) Address {
	return Address{Module: module, Offset: offset}
}

func (a Address) String() string {
	if a.Module == "" {
		return fmt.Sprintf("%08X", a.Offset)
	}
	return fmt.Sprintf("%s!%08X", a.Module, a.Offset)
}

func (a Address) Compare(other Address) int {
	switch {
	case a.Module < other.Module:
		return -1
	case a.Module > other.Module:
		return 1
	case a.Offset < other.Offset:
		return -1
	case a.Offset > other.Offset:
		return 1
	}
	return 0
}

// RelocatedAddress 目标进程中的运行时地址
type RelocatedAddress uint64

// Breakpoint 断点，(Kind, Address)唯一
type Breakpoint struct {
	Kind        constants.BreakpointKind
	Address     Address
	Status      constants.BreakpointStatus
	Condition   string
	Description string
	// PendingRemoval 已经发送REMOVE但还没有收到确认时记录移除原因
	PendingRemoval constants.RemovalReason
}

// Change 一次断点操作的结果
type Change struct {
	// Affected 新增或者状态发生变化的地址
	Affected []Address
	// Sent 包含在发往agent的命令中的地址，只有这些地址会收到agent的回复
	Sent []Address
}
