package protocol

import "github.com/fansqz/go-bpsync/constants"

// Header 所有消息公共的头部
type Header struct {
	Type constants.MessageType `json:"type"`
	// 请求序列号，由发送方分配，仅用于日志，不参与结果匹配
	Sequence uint `json:"sequence"`
}

func (h *Header) GetHeader() *Header {
	return h
}

// Message 与agent之间传递的消息
type Message interface {
	GetHeader() *Header
}

// AddressResult agent对单个地址的处理结果，ErrorCode为0表示成功
type AddressResult struct {
	Address   uint64 `json:"address"`
	ErrorCode int    `json:"errorCode"`
}

// RegisterValue 寄存器快照中的一个寄存器
type RegisterValue struct {
	Name  string `json:"name"`
	Value uint64 `json:"value"`
	// PC 是否为指令寄存器
	PC bool `json:"pc"`
}

// ThreadRegisters 某个线程的寄存器快照
type ThreadRegisters struct {
	ThreadID  int             `json:"threadId"`
	Registers []RegisterValue `json:"registers"`
}

// ProgramCounter 返回快照中的指令寄存器的值
func (t *ThreadRegisters) ProgramCounter() (uint64, bool) {
	for _, register := range t.Registers {
		if register.PC {
			return register.Value, true
		}
	}
	return 0, false
}

// ModuleInfo 目标进程中加载的模块
type ModuleInfo struct {
	Name      string `json:"name"`
	FileBase  uint64 `json:"fileBase"`
	ImageBase uint64 `json:"imageBase"`
	Size      uint64 `json:"size"`
}
