package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/fansqz/go-bpsync/constants"
	e "github.com/fansqz/go-bpsync/error"
)

// Encode 将消息编码为json
func Encode(message Message) ([]byte, error) {
	return json.Marshal(message)
}

// Decode 根据type字段解析成对应类型的消息
func Decode(data []byte) (Message, error) {
	var header Header
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, err
	}
	message := newMessage(header.Type)
	if message == nil {
		return nil, fmt.Errorf("%w: %s", e.ErrUnknownMessage, header.Type)
	}
	if err := json.Unmarshal(data, message); err != nil {
		return nil, err
	}
	return message, nil
}

func newMessage(messageType constants.MessageType) Message {
	switch messageType {
	case constants.SetBreakpointsMessage:
		return &SetBreakpointsCommand{}
	case constants.RemoveBreakpointsMessage:
		return &RemoveBreakpointsCommand{}
	case constants.SetBreakpointConditionMessage:
		return &SetBreakpointConditionCommand{}
	case constants.ResumeMessage, constants.HaltMessage, constants.DetachMessage, constants.TerminateMessage:
		return &SessionCommand{}
	case constants.SingleStepMessage:
		return &SingleStepCommand{}
	case constants.SetBreakpointsResultMessage:
		return &SetBreakpointsResult{}
	case constants.RemoveBreakpointsResultMessage:
		return &RemoveBreakpointsResult{}
	case constants.ConditionSetResultMessage:
		return &ConditionSetResult{}
	case constants.CommandResultMessage:
		return &CommandResult{}
	case constants.BreakpointHitMessage:
		return &BreakpointHitEvent{}
	case constants.ProcessStartMessage:
		return &ProcessStartEvent{}
	case constants.ProcessClosedMessage:
		return &ProcessClosedEvent{}
	case constants.ModuleLoadedMessage, constants.ModuleUnloadedMessage:
		return &ModuleEvent{}
	case constants.ThreadCreatedMessage, constants.ThreadClosedMessage:
		return &ThreadEvent{}
	}
	return nil
}
